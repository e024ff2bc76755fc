package client

// MessageState tracks a Message through the lifecycle the controller
// protocol imposes: a freshly built outbound message, one that has been
// handed to on_request but not yet replied, one the controller has already
// acknowledged as DELIVERED (outbound) or whose on_request returned without
// replying (inbound), and one replied to from inside on_request, whose slot
// is released once that callback returns.
type MessageState int

const (
	MsgNew MessageState = iota
	MsgDelivering
	MsgDelivered
	MsgReplied
)

func (s MessageState) String() string {
	switch s {
	case MsgNew:
		return "new"
	case MsgDelivering:
		return "delivering"
	case MsgDelivered:
		return "delivered"
	case MsgReplied:
		return "replied"
	default:
		return "unknown"
	}
}

// Message is a single in-flight unit of work, either a request this client
// originated (conn == nil, queue set) or one delivered to it by the
// controller on behalf of a subscription (conn != nil, srcID identifies the
// sender's slot on that connection).
type Message struct {
	id    int // slot index in the owning Client's message table; also the wire ID
	srcID int // sender's slot, for an inbound message; -1 for outbound

	conn  *Connection // connection that owns this message; nil for outbound
	queue string      // target queue name; only meaningful for outbound

	state     MessageState
	broadcast bool
	noreply   bool
	data      []byte

	replyHandler func(msg *Message, data []byte)
	failHandler  func(msg *Message)
	arg          interface{}
}

// ID returns the slot this message occupies in the client's message table.
func (m *Message) ID() int { return m.id }

// Data returns the payload carried by this message.
func (m *Message) Data() []byte { return m.data }

// State reports the message's current lifecycle state.
func (m *Message) State() MessageState { return m.state }

// Arg returns the opaque caller value passed to NewMessage or Consume.
func (m *Message) Arg() interface{} { return m.arg }

// SetQueue names the destination queue for an outbound message. It may only
// be set once, before the message is sent.
func (m *Message) SetQueue(name string) error {
	if m.conn != nil {
		return newStateError("SetQueue: message %d is inbound", m.id)
	}
	if m.state != MsgNew {
		return newStateError("SetQueue: message %d already sent", m.id)
	}
	if m.queue != "" {
		return newStateError("SetQueue: message %d already has a queue", m.id)
	}
	if name == "" {
		return newConfigError("SetQueue: empty queue name")
	}
	if len(name) > 255 {
		return newConfigError("SetQueue: queue name %q exceeds 255 bytes", name)
	}
	m.queue = name
	return nil
}

// SetBroadcast marks an outbound message to be fanned out to every consumer
// of its queue instead of exactly one.
func (m *Message) SetBroadcast() error {
	if m.conn != nil {
		return newStateError("SetBroadcast: message %d is inbound", m.id)
	}
	if m.state != MsgNew {
		return newStateError("SetBroadcast: message %d already sent", m.id)
	}
	m.broadcast = true
	return nil
}

// SetNoreply marks an outbound message as not expecting a reply; the
// controller will not hold a slot open for it once delivered.
func (m *Message) SetNoreply() error {
	if m.conn != nil {
		return newStateError("SetNoreply: message %d is inbound", m.id)
	}
	if m.state != MsgNew {
		return newStateError("SetNoreply: message %d already sent", m.id)
	}
	m.noreply = true
	return nil
}

// SetData attaches the payload an outbound message will carry. data is
// retained, not copied; the caller must not mutate it afterwards.
func (m *Message) SetData(data []byte) error {
	if m.conn != nil {
		return newStateError("SetData: message %d is inbound", m.id)
	}
	if m.state != MsgNew {
		return newStateError("SetData: message %d already sent", m.id)
	}
	if len(data) == 0 {
		return newConfigError("SetData: empty payload")
	}
	m.data = data
	return nil
}

func (m *Message) reset() {
	m.id = -1
	m.srcID = -1
	m.conn = nil
	m.queue = ""
	m.state = MsgNew
	m.broadcast = false
	m.noreply = false
	m.data = nil
	m.replyHandler = nil
	m.failHandler = nil
	m.arg = nil
}
