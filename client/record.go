package client

const (
	maskID = 1 << iota
	maskQueueID
	maskTimeout
	maskPriority
	maskQueue
	maskPayload
)

const flagNoreply = 1 << 0

// currentRecord accumulates the fields of one in-progress terminal command
// as the frame parser streams them in. A CLEAR resets it; a terminal
// command (PING, REQUEST, REPLY, ...) consumes whatever fields are present
// and then implicitly clears it for the next command.
type currentRecord struct {
	mask  uint8
	flags uint8

	id       int
	queueID  int
	timeout  int
	priority int
	queue    []byte
	payload  []byte
}

func (r *currentRecord) clear() {
	r.mask = 0
	r.flags = 0
	r.id = 0
	r.queueID = 0
	r.timeout = 0
	r.priority = 0
	r.queue = nil
	r.payload = nil
}

func (r *currentRecord) has(bits uint8) bool { return r.mask&bits == bits }

func (r *currentRecord) noreply() bool { return r.flags&flagNoreply != 0 }

// takePayload returns the accumulated payload and detaches it from the
// record, so ownership moves to the caller without a copy.
func (r *currentRecord) takePayload() []byte {
	p := r.payload
	r.payload = nil
	return p
}
