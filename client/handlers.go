package client

import (
	"github.com/lumalabs/risq/risp"
)

// newEngine builds the protocol engine every Connection on this client
// shares, wiring each RISP command to the handler that implements its
// terminal or field-setter semantics. ctx is always the *Connection the
// frame arrived on.
func newEngine() *risp.Engine {
	e := risp.NewEngine()

	e.OnNoArg(risp.CmdClear, handleClear)
	e.OnNoArg(risp.CmdPing, handlePing)
	e.OnNoArg(risp.CmdPong, handlePong)
	e.OnNoArg(risp.CmdConsuming, handleConsuming)
	e.OnNoArg(risp.CmdRequest, handleRequest)
	e.OnNoArg(risp.CmdReply, handleReply)
	e.OnNoArg(risp.CmdDelivered, handleDelivered)
	e.OnNoArg(risp.CmdUndelivered, handleUndelivered)
	e.OnNoArg(risp.CmdClosing, handleClosing)
	e.OnNoArg(risp.CmdNoreply, handleNoreply)
	e.OnNoArg(risp.CmdBroadcast, handleReserved)
	e.OnNoArg(risp.CmdServerFull, handleReserved)

	e.OnInt(risp.CmdID, handleID)
	e.OnInt(risp.CmdQueueID, handleQueueID)
	e.OnInt(risp.CmdTimeout, handleTimeout)
	e.OnInt(risp.CmdPriority, handlePriority)

	e.OnBytes(risp.CmdQueue, handleQueue)
	e.OnBytes(risp.CmdPayload, handlePayload)

	return e
}

func handleClear(ctx interface{}) error {
	conn := ctx.(*Connection)
	conn.rec.clear()
	return nil
}

func handlePing(ctx interface{}) error {
	conn := ctx.(*Connection)
	conn.sendData([]byte{byte(risp.CmdPong)})
	conn.rec.clear()
	return nil
}

func handlePong(ctx interface{}) error {
	ctx.(*Connection).rec.clear()
	return nil
}

func handleReserved(ctx interface{}) error {
	conn := ctx.(*Connection)
	return newProtocolError("received reserved command on connection to %s", conn.host)
}

func handleID(ctx interface{}, value int) error {
	conn := ctx.(*Connection)
	conn.rec.id = value
	conn.rec.mask |= maskID
	return nil
}

func handleQueueID(ctx interface{}, value int) error {
	conn := ctx.(*Connection)
	if value <= 0 {
		return newProtocolError("QUEUEID must be positive, got %d", value)
	}
	conn.rec.queueID = value
	conn.rec.mask |= maskQueueID
	return nil
}

func handleTimeout(ctx interface{}, value int) error {
	conn := ctx.(*Connection)
	if value <= 0 {
		return newProtocolError("TIMEOUT must be positive, got %d", value)
	}
	conn.rec.timeout = value
	conn.rec.mask |= maskTimeout
	return nil
}

func handlePriority(ctx interface{}, value int) error {
	conn := ctx.(*Connection)
	if value <= 0 {
		return newProtocolError("PRIORITY must be positive, got %d", value)
	}
	conn.rec.priority = value
	conn.rec.mask |= maskPriority
	return nil
}

func handleQueue(ctx interface{}, data []byte) error {
	conn := ctx.(*Connection)
	conn.rec.queue = append([]byte{}, data...)
	conn.rec.mask |= maskQueue
	return nil
}

func handlePayload(ctx interface{}, data []byte) error {
	conn := ctx.(*Connection)
	if conn.rec.has(maskPayload) {
		return newProtocolError("duplicate PAYLOAD in one record")
	}
	conn.rec.payload = append([]byte{}, data...)
	conn.rec.mask |= maskPayload
	return nil
}

func handleNoreply(ctx interface{}) error {
	ctx.(*Connection).rec.flags |= flagNoreply
	return nil
}

func handleConsuming(ctx interface{}) error {
	conn := ctx.(*Connection)
	defer conn.rec.clear()

	if !conn.rec.has(maskQueueID | maskQueue) {
		return newProtocolError("CONSUMING missing QUEUEID or QUEUE")
	}
	sub := conn.client.findSubscriptionByName(string(conn.rec.queue))
	if sub == nil {
		return nil
	}
	sub.qid = conn.rec.queueID
	if sub.onAccepted != nil {
		sub.onAccepted(sub)
	}
	return nil
}

func handleRequest(ctx interface{}) error {
	conn := ctx.(*Connection)
	defer conn.rec.clear()

	if !conn.rec.has(maskID | maskPayload) {
		return newProtocolError("REQUEST missing ID or PAYLOAD")
	}

	var sub *Subscription
	if conn.rec.has(maskQueueID) {
		sub = conn.client.findSubscriptionByQueueID(conn.rec.queueID)
	} else if conn.rec.has(maskQueue) {
		sub = conn.client.findSubscriptionByName(string(conn.rec.queue))
	}

	w := conn.sendbuf
	w.Reset()
	w.AddCmd(risp.CmdClear).AddCmdLargeInt(risp.CmdID, conn.rec.id)

	if sub == nil {
		w.AddCmd(risp.CmdUndelivered)
		conn.sendData(w.Bytes())
		return nil
	}

	w.AddCmd(risp.CmdDelivered)
	conn.sendData(w.Bytes())

	msg := conn.client.msgNew()
	msg.srcID = conn.rec.id
	msg.conn = conn
	msg.data = conn.rec.takePayload()
	msg.noreply = conn.rec.noreply()
	msg.state = MsgDelivering
	msg.arg = sub.arg

	if sub.onRequest != nil {
		sub.onRequest(msg)
	}

	switch {
	case msg.noreply:
		conn.client.msgClear(msg)
	case msg.state == MsgReplied:
		conn.client.msgClear(msg)
	case msg.state == MsgDelivering:
		msg.state = MsgDelivered
	}
	return nil
}

func handleReply(ctx interface{}) error {
	conn := ctx.(*Connection)
	defer conn.rec.clear()

	if !conn.rec.has(maskID) {
		return newProtocolError("REPLY missing ID")
	}
	msg := conn.client.msgGet(conn.rec.id)
	if msg == nil || msg.conn != nil {
		return newProtocolError("REPLY for unknown outbound message %d", conn.rec.id)
	}
	if msg.state != MsgDelivered {
		return newProtocolError("REPLY for message %d in state %s, want %s", msg.id, msg.state, MsgDelivered)
	}
	data := conn.rec.takePayload()
	if msg.replyHandler != nil {
		msg.replyHandler(msg, data)
	}
	conn.client.msgClear(msg)
	return nil
}

func handleDelivered(ctx interface{}) error {
	conn := ctx.(*Connection)
	defer conn.rec.clear()

	if !conn.rec.has(maskID) {
		return newProtocolError("DELIVERED missing ID")
	}
	msg := conn.client.msgGet(conn.rec.id)
	if msg == nil || msg.conn != nil {
		return newProtocolError("DELIVERED for unknown outbound message %d", conn.rec.id)
	}
	if msg.state != MsgNew {
		return newProtocolError("DELIVERED for message %d in state %s, want %s", msg.id, msg.state, MsgNew)
	}
	if msg.noreply {
		conn.client.msgClear(msg)
		return nil
	}
	msg.state = MsgDelivered
	return nil
}

func handleUndelivered(ctx interface{}) error {
	conn := ctx.(*Connection)
	defer conn.rec.clear()

	if !conn.rec.has(maskID) {
		return newProtocolError("UNDELIVERED missing ID")
	}
	msg := conn.client.msgGet(conn.rec.id)
	if msg == nil || msg.conn != nil {
		return newProtocolError("UNDELIVERED for unknown outbound message %d", conn.rec.id)
	}
	if msg.failHandler != nil {
		msg.failHandler(msg)
	}
	conn.client.msgClear(msg)
	return nil
}

func handleClosing(ctx interface{}) error {
	conn := ctx.(*Connection)
	defer conn.rec.clear()

	conn.closing = true
	conn.log.Info("controller announced closing")
	if conn.client.pendingCountFor(conn) == 0 {
		conn.closedPath(nil)
	}
	return nil
}

// pendingCountFor reports how many inbound messages conn still owns, used
// to decide whether a CLOSING (peer-initiated or our own) can tear the
// connection down immediately or must wait for outstanding replies.
func (c *Client) pendingCountFor(conn *Connection) int {
	n := 0
	for _, m := range c.msgList {
		if m != nil && m.conn == conn {
			n++
		}
	}
	return n
}
