package client

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Message", func() {
	var c *Client

	BeforeEach(func() {
		c = New(nil, nil)
	})

	It("rejects setters after the message has been sent", func() {
		msg := c.msgNew()
		msg.queue = "q"
		msg.data = []byte("x")
		msg.state = MsgDelivered

		Expect(msg.SetQueue("other")).To(HaveOccurred())
		Expect(msg.SetData([]byte("y"))).To(HaveOccurred())
		Expect(msg.SetBroadcast()).To(HaveOccurred())
		Expect(msg.SetNoreply()).To(HaveOccurred())
	})

	It("rejects setters on an inbound message", func() {
		msg := c.msgNew()
		msg.conn = &Connection{}

		Expect(msg.SetQueue("q")).To(BeAssignableToTypeOf(&StateError{}))
		Expect(msg.SetData([]byte("x"))).To(BeAssignableToTypeOf(&StateError{}))
	})

	It("rejects an empty queue name or payload", func() {
		msg := c.msgNew()
		Expect(msg.SetQueue("")).To(BeAssignableToTypeOf(&ConfigError{}))
		Expect(msg.SetData(nil)).To(BeAssignableToTypeOf(&ConfigError{}))
	})
})

var _ = Describe("message table", func() {
	var c *Client

	BeforeEach(func() {
		c = New(nil, nil)
	})

	It("assigns slot indices that double as wire IDs", func() {
		a := c.msgNew()
		b := c.msgNew()
		Expect(a.ID()).To(Equal(0))
		Expect(b.ID()).To(Equal(1))
		Expect(c.msgUsed).To(Equal(2))
	})

	It("reuses a freed slot via the next-free hint", func() {
		a := c.msgNew()
		b := c.msgNew()
		aID := a.ID()
		c.msgClear(a)
		Expect(c.msgUsed).To(Equal(1))

		r := c.msgNew()
		Expect(r.ID()).To(Equal(aID))
		_ = b
	})

	It("falls back to a linear scan when the hint is stale", func() {
		a := c.msgNew()
		b := c.msgNew()
		_ = c.msgNew()
		aID, bID := a.ID(), b.ID()

		c.msgClear(a) // nextFree hint now points at a's slot
		c.msgClear(b) // freeing b moves the hint to b's slot instead

		// Whichever of a or b's slot isn't the hint must still be found by
		// the scan.
		r1 := c.msgNew()
		r2 := c.msgNew()
		Expect([]int{r1.ID(), r2.ID()}).To(ConsistOf(aID, bID))
	})

	It("grows the table by one slot only when every slot is occupied", func() {
		a := c.msgNew()
		b := c.msgNew()
		Expect(len(c.msgList)).To(Equal(2))

		c.msgNew()
		Expect(len(c.msgList)).To(Equal(3))
		_ = a
		_ = b
	})

	It("looks up a message by its slot ID", func() {
		a := c.msgNew()
		Expect(c.msgGet(a.ID())).To(BeIdenticalTo(a))
		Expect(c.msgGet(999)).To(BeNil())
	})

	It("fails and clears every inbound message owned by a connection", func() {
		conn := &Connection{}
		m := c.msgNew()
		m.conn = conn

		failed := false
		m.failHandler = func(msg *Message) { failed = true }

		c.failPending(conn)
		Expect(failed).To(BeTrue())
		Expect(c.msgUsed).To(Equal(0))
	})
})
