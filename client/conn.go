package client

import (
	"net"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/lumalabs/risq/risp"
)

// defaultReadChunk is how much the scratch read buffer grows by whenever a
// read exactly fills it, on the assumption there is more queued behind it.
const defaultReadChunk = 4096

type connPhase int

const (
	phaseIdle connPhase = iota // no socket
	phaseConnecting            // socket open, waiting on connect readiness
	phaseActive                // socket open, read registered, write optionally registered
)

// Connection is one controller endpoint. At most one Connection is ever
// "the" connection a Client is using; the rest sit idle in the pool,
// waiting for their turn after a failover.
type Connection struct {
	client *Client

	host string
	addr string
	port uint16

	fd    int
	phase connPhase

	closing  bool
	shutdown bool

	writeRegistered bool

	outbuf  []byte
	readbuf []byte
	inbuf   []byte
	sendbuf *risp.Writer

	rec currentRecord

	traceID xid.ID
	log     *zap.Logger
}

func newConnection(client *Client, host, addr string, port uint16) *Connection {
	id := xid.New()
	return &Connection{
		client:  client,
		host:    host,
		addr:    addr,
		port:    port,
		fd:      -1,
		phase:   phaseIdle,
		traceID: id,
		log:     client.log.Named("conn").With(zap.String("trace", id.String()), zap.String("host", host)),
	}
}

// connect opens a non-blocking socket to this connection's address and
// registers for connect-completion readiness. The caller must ensure this
// connection is the head of the pool and currently has no socket.
func (c *Connection) connect() error {
	if c.phase != phaseIdle {
		return newStateError("connect: connection to %s already has a socket", c.host)
	}

	ip, family, err := resolveAddr(c.addr)
	if err != nil {
		c.log.Warn("dns resolution failed", zap.Error(err))
		return c.failConnect(newTransportError("resolve", err))
	}

	fd, err := syscall.Socket(family, syscall.SOCK_STREAM, 0)
	if err != nil {
		return c.failConnect(newTransportError("socket", err))
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return c.failConnect(newTransportError("setnonblock", err))
	}

	sa := sockaddrFor(ip, family, c.port)
	err = syscall.Connect(fd, sa)
	c.fd = fd
	c.phase = phaseConnecting

	if err == nil {
		// A loopback connect can complete synchronously.
		return c.handleConnectComplete()
	}
	if err != syscall.EINPROGRESS {
		return c.failConnect(newTransportError("connect", err))
	}

	return c.client.reactor.RegisterConnect(fd, func() { c.handleConnectComplete() })
}

// failConnect abandons a connect attempt that never produced a usable
// socket (DNS failure, socket(2) failure, an immediate connect refusal) and
// routes it through the same rotate-and-retry path as a closed-path
// teardown, with no buffers to free since none were ever allocated.
func (c *Connection) failConnect(err error) error {
	if c.fd >= 0 {
		syscall.Close(c.fd)
		c.fd = -1
	}
	c.phase = phaseIdle
	c.client.poolMoveToTail(c)
	if c.client.metrics != nil {
		c.client.metrics.failovers.Inc()
	}
	if !c.shutdown && !c.client.shuttingDown {
		return c.client.connectHead()
	}
	return nil
}

func (c *Connection) handleConnectComplete() error {
	if c.phase == phaseConnecting {
		c.client.reactor.UnregisterConnect(c.fd)
	}

	errno, err := syscall.GetsockoptInt(c.fd, syscall.SOL_SOCKET, syscall.SO_ERROR)
	if err != nil {
		c.log.Warn("getsockopt(SO_ERROR) failed", zap.Error(err))
		return c.failConnect(newTransportError("connect", err))
	}
	if errno != 0 {
		c.log.Info("connect refused", zap.Error(syscall.Errno(errno)))
		return c.failConnect(newTransportError("connect", syscall.Errno(errno)))
	}

	c.phase = phaseActive
	c.closing = false
	c.readbuf = make([]byte, defaultReadChunk)
	c.sendbuf = risp.NewWriter()
	c.rec.clear()

	if err := c.client.reactor.RegisterRead(c.fd, c.handleReadable); err != nil {
		return err
	}
	if len(c.outbuf) > 0 {
		if err := c.client.reactor.RegisterWrite(c.fd, c.handleWritable); err != nil {
			return err
		}
		c.writeRegistered = true
	}

	for _, sub := range c.client.subscriptions {
		c.sendConsume(sub)
	}
	c.client.drainPendingSends()
	c.handleReadable()
	return nil
}

// handleReadable drains the socket until it would block, feeding every byte
// through the protocol engine. A read that exactly fills the scratch buffer
// grows it before the next attempt, on the assumption more data is queued.
func (c *Connection) handleReadable() {
	for {
		n, err := syscall.Read(c.fd, c.readbuf)
		if n > 0 {
			chunk := append([]byte{}, c.readbuf[:n]...)
			if n == len(c.readbuf) {
				grown := len(c.readbuf) + defaultReadChunk
				c.log.Debug("growing read buffer", zap.String("size", humanize.Bytes(uint64(grown))))
				c.readbuf = make([]byte, grown)
			}

			feed := chunk
			if len(c.inbuf) > 0 {
				feed = append(c.inbuf, chunk...)
				c.inbuf = nil
			}

			consumed, perr := c.client.engine.Process(c, feed)
			if c.client.metrics != nil {
				c.client.metrics.framesReceived.Inc()
			}
			if perr != nil {
				c.log.Warn("protocol error", zap.Error(perr))
				c.closedPath(perr)
				return
			}
			if consumed < len(feed) {
				c.inbuf = append([]byte{}, feed[consumed:]...)
			}
			continue
		}
		if n == 0 {
			c.closedPath(newTransportError("read", errEOF))
			return
		}
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return
		}
		c.closedPath(newTransportError("read", err))
		return
	}
}

func (c *Connection) handleWritable() {
	n, err := syscall.Write(c.fd, c.outbuf)
	if n > 0 {
		c.outbuf = c.outbuf[n:]
	}
	if err != nil && err != syscall.EAGAIN && err != syscall.EWOULDBLOCK {
		c.closedPath(newTransportError("write", err))
		return
	}
	if len(c.outbuf) == 0 && c.writeRegistered {
		c.client.reactor.UnregisterWrite(c.fd)
		c.writeRegistered = false
	}
}

// sendData appends data to this connection's outbound buffer and arms
// write readiness if it isn't already armed.
func (c *Connection) sendData(data []byte) {
	c.outbuf = append(c.outbuf, data...)
	if c.client.metrics != nil {
		c.client.metrics.framesSent.Inc()
	}
	if !c.writeRegistered && c.phase == phaseActive {
		c.client.reactor.RegisterWrite(c.fd, c.handleWritable)
		c.writeRegistered = true
	}
}

func (c *Connection) sendConsume(sub *Subscription) {
	c.sendbuf.Reset()
	c.sendbuf.AddCmd(risp.CmdClear)
	if sub.exclusive {
		c.sendbuf.AddCmd(risp.CmdExclusive)
	}
	c.sendbuf.AddCmdShortStr(risp.CmdQueue, []byte(sub.name))
	c.sendbuf.AddCmdLargeInt(risp.CmdMax, sub.max)
	c.sendbuf.AddCmdLargeInt(risp.CmdPriority, int(sub.priority))
	c.sendbuf.AddCmd(risp.CmdConsume)
	c.sendData(c.sendbuf.Bytes())
}

// closedPath tears this connection down after any transport or protocol
// error, a peer-initiated close, or the completion of a shutdown: the
// socket is closed, its buffers freed, every inbound message it still owns
// fails, and (if more than one controller is configured) it is rotated to
// the tail of the pool before the new head is connected.
func (c *Connection) closedPath(cause error) {
	if c.fd >= 0 {
		if c.phase == phaseActive {
			// An orderly close (a drained CLOSING, or Shutdown) makes one
			// best-effort write of any queued frames, such as a final REPLY
			// or our own CLOSING, before the socket goes away.
			if cause == nil && len(c.outbuf) > 0 {
				syscall.Write(c.fd, c.outbuf)
			}
			if c.writeRegistered {
				c.client.reactor.UnregisterWrite(c.fd)
			}
			c.client.reactor.UnregisterRead(c.fd)
		} else if c.phase == phaseConnecting {
			c.client.reactor.UnregisterConnect(c.fd)
		}
		syscall.Close(c.fd)
		c.fd = -1
	}

	c.outbuf = nil
	c.readbuf = nil
	c.inbuf = nil
	c.sendbuf = nil
	c.rec.clear()
	c.writeRegistered = false

	// Cleared before failPending so that a message's fail handler (or the
	// drain-on-clear check in msgClear) never sees this connection as still
	// closing and tries to tear it down a second time while we're already
	// mid-teardown.
	c.phase = phaseIdle
	c.closing = false

	c.client.failPending(c)

	for _, sub := range c.client.subscriptions {
		sub.qid = 0
		if sub.onDropped != nil {
			sub.onDropped(sub)
		}
	}

	c.client.poolMoveToTail(c)
	if c.client.metrics != nil {
		c.client.metrics.failovers.Inc()
	}

	if cause != nil {
		c.log.Info("connection closed", zap.Error(cause))
	}

	if !c.shutdown && !c.client.shuttingDown {
		c.client.connectHead()
	}
}

func resolveAddr(addr string) (net.IP, int, error) {
	if ip := net.ParseIP(addr); ip != nil {
		if ip.To4() != nil {
			return ip, syscall.AF_INET, nil
		}
		return ip, syscall.AF_INET6, nil
	}
	ips, err := net.LookupIP(addr)
	if err != nil {
		return nil, 0, err
	}
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip, syscall.AF_INET, nil
		}
	}
	return ips[0], syscall.AF_INET6, nil
}

func sockaddrFor(ip net.IP, family int, port uint16) syscall.Sockaddr {
	if family == syscall.AF_INET {
		sa := &syscall.SockaddrInet4{Port: int(port)}
		copy(sa.Addr[:], ip.To4())
		return sa
	}
	sa := &syscall.SockaddrInet6{Port: int(port)}
	copy(sa.Addr[:], ip.To16())
	return sa
}
