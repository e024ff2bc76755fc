package client

// The connection pool is the ordered list of configured controllers. Index
// 0 is always the one the client is connected to, or trying to connect to;
// a connection that goes through the closed-path is rotated to the tail so
// the next controller in line gets a turn before this one is retried.

func (c *Client) poolHead() *Connection {
	if len(c.conns) == 0 {
		return nil
	}
	return c.conns[0]
}

func (c *Client) poolAppend(conn *Connection) {
	c.conns = append(c.conns, conn)
}

func (c *Client) poolMoveToTail(conn *Connection) {
	if len(c.conns) < 2 {
		return
	}
	idx := -1
	for i, existing := range c.conns {
		if existing == conn {
			idx = i
			break
		}
	}
	if idx < 0 || idx == len(c.conns)-1 {
		return
	}
	c.conns = append(c.conns[:idx], c.conns[idx+1:]...)
	c.conns = append(c.conns, conn)
}

// connectHead starts connecting the head of the pool if it has no socket
// yet and the client is not shutting down. It is a no-op otherwise, so it
// is safe to call unconditionally after anything that might have just
// freed up the head slot (a closed-path, a CLOSING notification, AddController).
func (c *Client) connectHead() error {
	if c.shuttingDown {
		return nil
	}
	head := c.poolHead()
	if head == nil || head.phase != phaseIdle {
		return nil
	}
	return head.connect()
}
