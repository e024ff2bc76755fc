package client_test

import (
	"bufio"
	"context"
	"net"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/lumalabs/risq/client"
	"github.com/lumalabs/risq/risp"
	"github.com/lumalabs/risq/transport"
)

// waitUntil polls cond every 10ms until it returns true or the timeout
// elapses, in which case the current spec fails. Mirrors the connection
// polling style used elsewhere in this codebase for conditions with no
// natural channel to block on.
func waitUntil(timeout time.Duration, cond func() bool) {
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			Fail("condition was never satisfied")
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func newTestReactorAndClient() (*transport.EpollReactor, *client.Client, context.CancelFunc) {
	reactor, err := transport.NewEpollReactor(zap.NewNop())
	Expect(err).To(Succeed())

	c := client.New(reactor, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go reactor.Run(ctx)

	return reactor, c, cancel
}

var _ = Describe("Client", func() {
	var (
		ln     net.Listener
		cancel context.CancelFunc
	)

	AfterEach(func() {
		if cancel != nil {
			cancel()
		}
		if ln != nil {
			ln.Close()
		}
	})

	It("sends a request and delivers the matching reply", func() {
		var err error
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(Succeed())

		accepted := make(chan net.Conn, 1)
		go func() {
			conn, err := ln.Accept()
			if err == nil {
				accepted <- conn
			}
		}()

		var c *client.Client
		_, c, cancel = newTestReactorAndClient()

		_, err = c.AddController(ln.Addr().String(), 0)
		Expect(err).To(Succeed())

		var serverConn net.Conn
		waitUntil(2*time.Second, func() bool {
			select {
			case serverConn = <-accepted:
				return true
			default:
				return false
			}
		})

		msg := c.NewMessage("arg")
		Expect(msg.SetQueue("work.queue")).To(Succeed())
		Expect(msg.SetData([]byte("hello"))).To(Succeed())

		var replyData []byte
		replied := make(chan struct{})
		Expect(c.Send(msg, func(m *client.Message, data []byte) {
			replyData = data
			close(replied)
		}, func(m *client.Message) {
			Fail("send should not fail")
		})).To(Succeed())

		reader := bufio.NewReader(serverConn)
		buf := make([]byte, 256)
		n, err := reader.Read(buf)
		Expect(err).To(Succeed())

		engine := risp.NewEngine()
		var gotID, gotPriority int
		var gotQueue, gotPayload []byte
		var sawRequest bool
		engine.OnInt(risp.CmdID, func(ctx interface{}, v int) error { gotID = v; return nil })
		engine.OnInt(risp.CmdPriority, func(ctx interface{}, v int) error { gotPriority = v; return nil })
		engine.OnBytes(risp.CmdQueue, func(ctx interface{}, d []byte) error { gotQueue = append([]byte{}, d...); return nil })
		engine.OnBytes(risp.CmdPayload, func(ctx interface{}, d []byte) error { gotPayload = append([]byte{}, d...); return nil })
		engine.OnNoArg(risp.CmdClear, func(ctx interface{}) error { return nil })
		engine.OnNoArg(risp.CmdRequest, func(ctx interface{}) error { sawRequest = true; return nil })
		_, err = engine.Process(nil, buf[:n])
		Expect(err).To(Succeed())
		Expect(sawRequest).To(BeTrue())
		Expect(string(gotQueue)).To(Equal("work.queue"))
		Expect(string(gotPayload)).To(Equal("hello"))
		_ = gotPriority

		w := risp.NewWriter()
		w.AddCmd(risp.CmdClear).AddCmdLargeInt(risp.CmdID, gotID).AddCmd(risp.CmdDelivered)
		w.AddCmd(risp.CmdClear).AddCmdLargeInt(risp.CmdID, gotID).AddCmdLargeStr(risp.CmdPayload, []byte("world")).AddCmd(risp.CmdReply)
		_, err = serverConn.Write(w.Bytes())
		Expect(err).To(Succeed())

		waitUntil(2*time.Second, func() bool {
			select {
			case <-replied:
				return true
			default:
				return false
			}
		})
		Expect(string(replyData)).To(Equal("world"))
	})

	It("queues a Send made while no connection is active", func() {
		var err error
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(Succeed())

		var c *client.Client
		var reactor *transport.EpollReactor
		reactor, c, cancel = newTestReactorAndClient()
		cancel() // stop the reactor so the connect can never complete
		_ = reactor

		_, err = c.AddController(ln.Addr().String(), 0)
		Expect(err).To(Succeed())

		msg := c.NewMessage(nil)
		Expect(msg.SetQueue("q")).To(Succeed())
		Expect(msg.SetData([]byte("x"))).To(Succeed())
		Expect(c.Send(msg, nil, nil)).To(Succeed())

		Expect(c.PendingSendCount()).To(Equal(1))
	})

	It("renders a JSON snapshot of the connection pool and message table", func() {
		_, c, cancel2 := newTestReactorAndClient()
		cancel = cancel2

		msg := c.NewMessage(nil)
		Expect(msg.SetQueue("q")).To(Succeed())
		Expect(msg.SetData([]byte("x"))).To(Succeed())

		doc, err := c.Snapshot()
		Expect(err).To(Succeed())
		Expect(gjson.Get(doc, "messageTable.used").Int()).To(Equal(int64(1)))
		Expect(gjson.Get(doc, "pendingSends").Int()).To(Equal(int64(0)))
	})

	It("rejects AddController for a malformed host", func() {
		_, c, cancel2 := newTestReactorAndClient()
		cancel = cancel2

		_, err := c.AddController("[::1", 0)
		Expect(err).To(HaveOccurred())
		Expect(err).To(BeAssignableToTypeOf(&client.ConfigError{}))
	})

	It("fails over to the second controller when the first refuses", func() {
		refused, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(Succeed())
		refusedAddr := refused.Addr().String()
		Expect(refused.Close()).To(Succeed())

		ln, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(Succeed())

		accepted := make(chan net.Conn, 1)
		go func() {
			conn, err := ln.Accept()
			if err == nil {
				accepted <- conn
			}
		}()

		var c *client.Client
		_, c, cancel = newTestReactorAndClient()

		_, err = c.AddController(refusedAddr, 0)
		Expect(err).To(Succeed())
		_, err = c.AddController(ln.Addr().String(), 0)
		Expect(err).To(Succeed())

		waitUntil(5*time.Second, func() bool {
			select {
			case conn := <-accepted:
				conn.Close()
				return true
			default:
				return false
			}
		})
	})

	It("delivers an inbound REQUEST to a subscription and relays its reply", func() {
		var err error
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(Succeed())

		accepted := make(chan net.Conn, 1)
		go func() {
			conn, err := ln.Accept()
			if err == nil {
				accepted <- conn
			}
		}()

		var c *client.Client
		_, c, cancel = newTestReactorAndClient()

		_, err = c.AddController(ln.Addr().String(), 0)
		Expect(err).To(Succeed())

		var serverConn net.Conn
		waitUntil(2*time.Second, func() bool {
			select {
			case serverConn = <-accepted:
				return true
			default:
				return false
			}
		})

		var gotRequest []byte
		_, err = c.Consume("work.queue", 1, client.PriorityNormal, false,
			func(msg *client.Message) {
				gotRequest = msg.Data()
				Expect(c.Reply(msg, []byte("ack"))).To(Succeed())
			},
			nil, nil, nil,
		)
		Expect(err).To(Succeed())

		// Drain and discard the CONSUME frame the subscription just sent.
		reader := bufio.NewReader(serverConn)
		buf := make([]byte, 256)
		n, err := reader.Read(buf)
		Expect(err).To(Succeed())
		_ = buf[:n]

		w := risp.NewWriter()
		w.AddCmd(risp.CmdClear).AddCmdLargeInt(risp.CmdQueueID, 1).AddCmdShortStr(risp.CmdQueue, []byte("work.queue")).AddCmd(risp.CmdConsuming)
		w.AddCmd(risp.CmdClear).AddCmdLargeInt(risp.CmdID, 7).AddCmdLargeInt(risp.CmdQueueID, 1).AddCmdLargeStr(risp.CmdPayload, []byte("ping")).AddCmd(risp.CmdRequest)
		_, err = serverConn.Write(w.Bytes())
		Expect(err).To(Succeed())

		n, err = reader.Read(buf)
		Expect(err).To(Succeed())

		engine := risp.NewEngine()
		var sawDelivered, sawReply bool
		var replyPayload []byte
		engine.OnNoArg(risp.CmdClear, func(ctx interface{}) error { return nil })
		engine.OnNoArg(risp.CmdDelivered, func(ctx interface{}) error { sawDelivered = true; return nil })
		engine.OnNoArg(risp.CmdReply, func(ctx interface{}) error { sawReply = true; return nil })
		engine.OnInt(risp.CmdID, func(ctx interface{}, v int) error { return nil })
		engine.OnBytes(risp.CmdPayload, func(ctx interface{}, d []byte) error { replyPayload = append([]byte{}, d...); return nil })
		_, err = engine.Process(nil, buf[:n])
		Expect(err).To(Succeed())
		Expect(sawDelivered).To(BeTrue())

		if !sawReply {
			n, err = reader.Read(buf)
			Expect(err).To(Succeed())
			_, err = engine.Process(nil, buf[:n])
			Expect(err).To(Succeed())
		}
		Expect(sawReply).To(BeTrue())
		Expect(string(replyPayload)).To(Equal("ack"))
		Expect(string(gotRequest)).To(Equal("ping"))
	})

	It("treats a repeat Consume for an already-subscribed name as a no-op", func() {
		_, c, cancel2 := newTestReactorAndClient()
		cancel = cancel2

		noop := func(msg *client.Message) {}

		sub1, err := c.Consume("work.queue", 1, client.PriorityNormal, false, noop, nil, nil, "first")
		Expect(err).To(Succeed())

		sub2, err := c.Consume("work.queue", 2, client.PriorityHigh, true, noop, nil, nil, "second")
		Expect(err).To(Succeed())

		Expect(sub2).To(BeIdenticalTo(sub1))
		Expect(sub2.Arg()).To(Equal("first"))
	})

	It("rejects Consume with no onRequest handler", func() {
		_, c, cancel2 := newTestReactorAndClient()
		cancel = cancel2

		_, err := c.Consume("work.queue", 1, client.PriorityNormal, false, nil, nil, nil, nil)
		Expect(err).To(HaveOccurred())
		Expect(err).To(BeAssignableToTypeOf(&client.ConfigError{}))
	})

	It("shuts down a connecting connection outright and allows Cleanup afterward", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(Succeed())
		defer ln.Close()

		var c *client.Client
		_, c, cancel = newTestReactorAndClient()

		_, err = c.AddController(ln.Addr().String(), 0)
		Expect(err).To(Succeed())

		c.Shutdown()
		Expect(c.Cleanup()).To(Succeed())
	})

	It("closes the connection once a reply outstanding at CLOSING time finally drains", func() {
		var err error
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(Succeed())

		accepted := make(chan net.Conn, 1)
		go func() {
			conn, err := ln.Accept()
			if err == nil {
				accepted <- conn
			}
		}()

		var c *client.Client
		_, c, cancel = newTestReactorAndClient()

		_, err = c.AddController(ln.Addr().String(), 0)
		Expect(err).To(Succeed())

		var serverConn net.Conn
		waitUntil(2*time.Second, func() bool {
			select {
			case serverConn = <-accepted:
				return true
			default:
				return false
			}
		})

		var held *client.Message
		_, err = c.Consume("work.queue", 1, client.PriorityNormal, false,
			func(msg *client.Message) { held = msg },
			nil, nil, nil,
		)
		Expect(err).To(Succeed())

		reader := bufio.NewReader(serverConn)
		buf := make([]byte, 256)
		n, err := reader.Read(buf) // drain CONSUME
		Expect(err).To(Succeed())
		_ = buf[:n]

		w := risp.NewWriter()
		w.AddCmd(risp.CmdClear).AddCmdLargeInt(risp.CmdQueueID, 1).AddCmdShortStr(risp.CmdQueue, []byte("work.queue")).AddCmd(risp.CmdConsuming)
		w.AddCmd(risp.CmdClear).AddCmdLargeInt(risp.CmdID, 9).AddCmdLargeInt(risp.CmdQueueID, 1).AddCmdLargeStr(risp.CmdPayload, []byte("ping")).AddCmd(risp.CmdRequest)
		_, err = serverConn.Write(w.Bytes())
		Expect(err).To(Succeed())

		waitUntil(2*time.Second, func() bool { return held != nil })

		// CLOSING arrives while the request delivered above is still
		// outstanding (no Reply yet): the connection must stay open.
		w = risp.NewWriter()
		w.AddCmd(risp.CmdClear).AddCmd(risp.CmdClosing)
		_, err = serverConn.Write(w.Bytes())
		Expect(err).To(Succeed())

		// Drain DELIVERED so the held message is the only thing keeping the
		// connection open.
		n, err = reader.Read(buf)
		Expect(err).To(Succeed())
		_ = buf[:n]

		serverConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, err = serverConn.Read(buf)
		Expect(err).To(MatchError(os.ErrDeadlineExceeded))

		Expect(c.Reply(held, []byte("ack"))).To(Succeed())

		serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err = reader.Read(buf) // the REPLY frame
		Expect(err).To(Succeed())
		_ = buf[:n]

		serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = serverConn.Read(buf)
		Expect(err).To(HaveOccurred())
		Expect(err).NotTo(Equal(os.ErrDeadlineExceeded))
	})

	It("tears down the connection when the controller announces CLOSING with nothing pending", func() {
		var err error
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(Succeed())

		accepted := make(chan net.Conn, 1)
		go func() {
			conn, err := ln.Accept()
			if err == nil {
				accepted <- conn
			}
		}()

		var c *client.Client
		_, c, cancel = newTestReactorAndClient()

		_, err = c.AddController(ln.Addr().String(), 0)
		Expect(err).To(Succeed())

		var serverConn net.Conn
		waitUntil(2*time.Second, func() bool {
			select {
			case serverConn = <-accepted:
				return true
			default:
				return false
			}
		})

		w := risp.NewWriter()
		w.AddCmd(risp.CmdClear).AddCmd(risp.CmdClosing)
		_, err = serverConn.Write(w.Bytes())
		Expect(err).To(Succeed())

		serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 16)
		_, err = serverConn.Read(buf)
		Expect(err).To(HaveOccurred())
	})

	It("closes the connection on a reserved command received from the controller", func() {
		var err error
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(Succeed())

		accepted := make(chan net.Conn, 1)
		go func() {
			conn, err := ln.Accept()
			if err == nil {
				accepted <- conn
			}
		}()

		var c *client.Client
		_, c, cancel = newTestReactorAndClient()

		_, err = c.AddController(ln.Addr().String(), 0)
		Expect(err).To(Succeed())

		var serverConn net.Conn
		waitUntil(2*time.Second, func() bool {
			select {
			case serverConn = <-accepted:
				return true
			default:
				return false
			}
		})

		w := risp.NewWriter()
		w.AddCmd(risp.CmdClear).AddCmd(risp.CmdBroadcast)
		_, err = serverConn.Write(w.Bytes())
		Expect(err).To(Succeed())

		serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 16)
		_, err = serverConn.Read(buf)
		Expect(err).To(HaveOccurred())
	})

	It("rejects Cleanup while a message still occupies the table", func() {
		_, c, cancel2 := newTestReactorAndClient()
		cancel = cancel2

		msg := c.NewMessage(nil)
		Expect(msg.SetQueue("q")).To(Succeed())
		Expect(msg.SetData([]byte("x"))).To(Succeed())

		err := c.Cleanup()
		Expect(err).To(HaveOccurred())
		Expect(err).To(BeAssignableToTypeOf(&client.StateError{}))
	})
})
