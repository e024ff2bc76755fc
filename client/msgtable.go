package client

// The message table is a dense, slot-indexed array: a message's slot index
// is also its wire ID, so looking up a message by the ID a controller frame
// carries is a direct index instead of a map lookup. msgNextFree caches the
// most recently freed slot as an O(1) reuse hint; when that hint is stale
// (already reoccupied) msgNew falls back to a linear scan, and only grows
// the table by one slot when every existing one is in use.
//
// The message pool is a separate free list of *Message values, kept so that
// reusing a Message's backing struct doesn't depend on which slot it last
// occupied.

func (c *Client) msgNew() *Message {
	var m *Message
	if n := len(c.msgPool); n > 0 {
		m = c.msgPool[n-1]
		c.msgPool = c.msgPool[:n-1]
	} else {
		m = &Message{}
	}
	m.reset()

	slot := -1
	if c.msgNextFree >= 0 && c.msgNextFree < len(c.msgList) && c.msgList[c.msgNextFree] == nil {
		slot = c.msgNextFree
	} else {
		for i, existing := range c.msgList {
			if existing == nil {
				slot = i
				break
			}
		}
	}
	if slot < 0 {
		slot = len(c.msgList)
		c.msgList = append(c.msgList, nil)
	}

	m.id = slot
	c.msgList[slot] = m
	c.msgUsed++
	c.msgNextFree = -1

	if c.metrics != nil {
		c.metrics.messagesInFlight.Set(float64(c.msgUsed))
	}
	return m
}

func (c *Client) msgGet(id int) *Message {
	if id < 0 || id >= len(c.msgList) {
		return nil
	}
	return c.msgList[id]
}

func (c *Client) msgClear(m *Message) {
	if m == nil {
		return
	}
	conn := m.conn
	slot := m.id
	if slot >= 0 && slot < len(c.msgList) && c.msgList[slot] == m {
		c.msgList[slot] = nil
		c.msgUsed--
		c.msgNextFree = slot
	}
	c.msgPool = append(c.msgPool, m)

	if c.metrics != nil {
		c.metrics.messagesInFlight.Set(float64(c.msgUsed))
	}

	// A connection that received CLOSING while this message was still
	// outstanding only gets checked for zero-pending once, at the moment
	// CLOSING arrived. Recheck here so the connection actually closes once
	// its last reply drains instead of sitting in closing=true forever.
	if conn != nil && conn.closing && c.pendingCountFor(conn) == 0 {
		conn.closedPath(nil)
	}
}

// failPending invokes the fail handler for, and clears, every inbound
// message still owned by conn. It is called from the closed-path: a
// connection going away can no longer carry the REPLY the application
// would send for any of them.
func (c *Client) failPending(conn *Connection) {
	for _, m := range c.msgList {
		if m == nil || m.conn != conn {
			continue
		}
		if m.failHandler != nil {
			m.failHandler(m)
		}
		c.msgClear(m)
	}
}
