package client

import (
	"errors"
	"strconv"

	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/lumalabs/risq/risp"
)

// errEOF marks an orderly peer-initiated close (read() returning 0), kept
// distinct from a genuine syscall error so log lines read naturally.
var errEOF = errors.New("connection closed by peer")

// pendingSend is a Send() call that had no active connection to hand its
// frame to. It queues here and drains, oldest first, the next time a
// connection becomes active.
type pendingSend struct {
	msg *Message
}

// Client is a connection to a RISP message-queue controller and, if more
// than one has been added, a failover pool of alternates. All of its
// methods are intended to be called from the single goroutine driving the
// Reactor; none of Client's state is protected by a mutex.
type Client struct {
	conns         []*Connection
	subscriptions []*Subscription

	msgList     []*Message
	msgUsed     int
	msgNextFree int
	msgPool     []*Message

	pendingSends []*pendingSend

	reactor Reactor
	engine  *risp.Engine
	metrics *Metrics
	log     *zap.Logger

	shuttingDown bool
}

// New builds a Client driven by reactor. log may be nil, in which case a
// no-op logger is used.
func New(reactor Reactor, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		msgNextFree: -1,
		reactor:     reactor,
		engine:      newEngine(),
		log:         log.Named("risq"),
	}
}

// SetMetrics attaches Prometheus instrumentation built by NewMetrics.
func (c *Client) SetMetrics(m *Metrics) { c.metrics = m }

// AddController appends a controller endpoint to the failover pool. host
// follows the "addr", "addr:port", "[ipv6]", or "[ipv6]:port" grammar; port
// defaults to defaultPort when omitted. The first controller added is
// connected immediately; later ones wait their turn in the pool.
func (c *Client) AddController(host string, defaultPort uint16) (*Connection, error) {
	addr, port, err := parseHost(host)
	if err != nil {
		return nil, err
	}
	if port == 0 {
		port = defaultPort
	}
	if port == 0 {
		return nil, newConfigError("AddController: no port given for %q and no default configured", host)
	}

	conn := newConnection(c, host, addr, port)
	wasEmpty := len(c.conns) == 0
	c.poolAppend(conn)

	if wasEmpty {
		if err := c.connectHead(); err != nil {
			return conn, err
		}
	}
	return conn, nil
}

// Consume registers a subscription to name, deduplicating by name: calling
// Consume again for a queue already subscribed to is a no-op that returns
// the existing Subscription untouched. If the head connection is already
// active and not closing, the CONSUME is sent immediately; otherwise it is
// sent as soon as a connection becomes active.
func (c *Client) Consume(name string, max int, priority Priority, exclusive bool,
	onRequest func(msg *Message), onAccepted, onDropped func(sub *Subscription), arg interface{}) (*Subscription, error) {
	if name == "" {
		return nil, newConfigError("Consume: empty queue name")
	}
	if len(name) > 255 {
		return nil, newConfigError("Consume: queue name %q exceeds 255 bytes", name)
	}
	if !priority.valid() {
		return nil, newConfigError("Consume: invalid priority %d", priority)
	}
	if max < 0 {
		return nil, newConfigError("Consume: negative max %d", max)
	}
	if onRequest == nil {
		return nil, newConfigError("Consume: onRequest handler is required")
	}

	if sub := c.findSubscriptionByName(name); sub != nil {
		return sub, nil
	}

	sub := &Subscription{
		name:       name,
		max:        max,
		priority:   priority,
		exclusive:  exclusive,
		onRequest:  onRequest,
		onAccepted: onAccepted,
		onDropped:  onDropped,
		arg:        arg,
	}
	c.subscriptions = append(c.subscriptions, sub)

	if head := c.poolHead(); head != nil && head.phase == phaseActive && !head.closing {
		head.sendConsume(sub)
	}
	return sub, nil
}

// NewMessage allocates a Message for an outbound request. The caller must
// set a queue and data with SetQueue/SetData before calling Send.
func (c *Client) NewMessage(arg interface{}) *Message {
	msg := c.msgNew()
	msg.arg = arg
	return msg
}

// Send dispatches msg to the queue named by SetQueue. If no connection is
// currently active, the send is queued and retried, in order, after the
// next connect completes.
func (c *Client) Send(msg *Message, replyHandler func(msg *Message, data []byte), failHandler func(msg *Message)) error {
	if msg.conn != nil {
		return newStateError("Send: message %d is inbound", msg.id)
	}
	if msg.state != MsgNew {
		return newStateError("Send: message %d already sent", msg.id)
	}
	if msg.queue == "" {
		return newStateError("Send: message %d has no queue", msg.id)
	}
	if len(msg.data) == 0 {
		return newStateError("Send: message %d has no payload", msg.id)
	}

	msg.replyHandler = replyHandler
	msg.failHandler = failHandler

	head := c.poolHead()
	if head == nil || head.phase != phaseActive || head.closing {
		c.pendingSends = append(c.pendingSends, &pendingSend{msg: msg})
		return nil
	}
	c.sendMessageOn(head, msg)
	return nil
}

func (c *Client) sendMessageOn(conn *Connection, msg *Message) {
	w := conn.sendbuf
	w.Reset()
	w.AddCmd(risp.CmdClear)
	w.AddCmdLargeInt(risp.CmdID, msg.id)
	w.AddCmdShortStr(risp.CmdQueue, []byte(msg.queue))
	w.AddCmdLargeStr(risp.CmdPayload, msg.data)
	if msg.noreply {
		w.AddCmd(risp.CmdNoreply)
	}
	if msg.broadcast {
		w.AddCmd(risp.CmdBroadcast)
	} else {
		w.AddCmd(risp.CmdRequest)
	}
	conn.sendData(w.Bytes())
}

// drainPendingSends flushes every queued Send onto the newly active head
// connection, oldest first, closing the gap the source library left as an
// unimplemented assertion.
func (c *Client) drainPendingSends() {
	head := c.poolHead()
	if head == nil || head.phase != phaseActive || head.closing {
		return
	}
	pending := c.pendingSends
	c.pendingSends = nil
	for _, p := range pending {
		c.sendMessageOn(head, p.msg)
	}
}

// PendingSendCount reports how many Send calls are queued waiting for a
// connection to become active.
func (c *Client) PendingSendCount() int { return len(c.pendingSends) }

// Reply answers an inbound message delivered to an on_request callback. It
// may be called while still inside that callback or any time afterward,
// but never for an outbound message, a noreply message, or one already
// replied to.
func (c *Client) Reply(msg *Message, data []byte) error {
	if msg.conn == nil {
		return newStateError("Reply: message %d is outbound", msg.id)
	}
	if msg.noreply {
		return newStateError("Reply: message %d is noreply", msg.id)
	}
	if msg.state != MsgDelivering && msg.state != MsgDelivered {
		return newStateError("Reply: message %d is in state %s", msg.id, msg.state)
	}

	w := msg.conn.sendbuf
	w.Reset()
	w.AddCmd(risp.CmdClear)
	w.AddCmdLargeInt(risp.CmdID, msg.srcID)
	if len(data) > 0 {
		w.AddCmdLargeStr(risp.CmdPayload, data)
	}
	w.AddCmd(risp.CmdReply)
	msg.conn.sendData(w.Bytes())

	if msg.state == MsgDelivered {
		c.msgClear(msg)
	} else {
		msg.state = MsgReplied
	}
	return nil
}

// Shutdown begins an orderly teardown of every controller connection: a
// connection still connecting is abandoned outright, an active connection
// is told CLOSING and torn down immediately if it has no outstanding
// messages, or torn down by the client once the last of them is cleared.
// Shutdown is monotonic; calling it again is a no-op.
func (c *Client) Shutdown() {
	c.shuttingDown = true
	for _, conn := range c.conns {
		if conn.shutdown {
			continue
		}
		conn.shutdown = true

		switch conn.phase {
		case phaseConnecting:
			conn.closedPath(nil)
		case phaseActive:
			w := conn.sendbuf
			w.Reset()
			w.AddCmd(risp.CmdClear).AddCmd(risp.CmdClosing)
			conn.sendData(w.Bytes())
			conn.closing = true
			if c.pendingCountFor(conn) == 0 {
				conn.closedPath(nil)
			}
		}
	}
}

// Cleanup releases everything Shutdown left behind. It is a caller error to
// call Cleanup before every connection has actually closed; Cleanup reports
// that with a StateError rather than silently discarding live state.
func (c *Client) Cleanup() error {
	for _, conn := range c.conns {
		if conn.phase != phaseIdle {
			return newStateError("Cleanup: connection to %s is still open", conn.host)
		}
	}
	if c.msgUsed != 0 {
		return newStateError("Cleanup: %d messages still occupy the table", c.msgUsed)
	}
	c.conns = nil
	c.subscriptions = nil
	c.msgList = nil
	c.msgPool = nil
	c.msgNextFree = -1
	c.pendingSends = nil
	return nil
}

// Snapshot renders the client's internal state as a JSON document: pool
// order and connection phases, subscriptions and their queue IDs, message
// table occupancy, and the pending-send backlog. It is meant for ad hoc
// introspection (a status endpoint, a debug log line), not for parsing.
func (c *Client) Snapshot() (string, error) {
	doc := "{}"
	var err error

	doc, err = sjson.Set(doc, "messageTable.used", c.msgUsed)
	if err != nil {
		return "", err
	}
	doc, err = sjson.Set(doc, "pendingSends", len(c.pendingSends))
	if err != nil {
		return "", err
	}

	for i, conn := range c.conns {
		prefix := "connections." + strconv.Itoa(i)
		doc, err = sjson.Set(doc, prefix+".host", conn.host)
		if err != nil {
			return "", err
		}
		doc, err = sjson.Set(doc, prefix+".phase", conn.phase.String())
		if err != nil {
			return "", err
		}
		doc, err = sjson.Set(doc, prefix+".closing", conn.closing)
		if err != nil {
			return "", err
		}
	}

	for i, sub := range c.subscriptions {
		prefix := "subscriptions." + strconv.Itoa(i)
		doc, err = sjson.Set(doc, prefix+".name", sub.name)
		if err != nil {
			return "", err
		}
		doc, err = sjson.Set(doc, prefix+".queueID", sub.qid)
		if err != nil {
			return "", err
		}
	}

	return doc, nil
}

func (p connPhase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseConnecting:
		return "connecting"
	case phaseActive:
		return "active"
	default:
		return "unknown"
	}
}

