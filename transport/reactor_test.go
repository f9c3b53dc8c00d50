//go:build linux

package transport_test

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/knownothing/protocol"
	"github.com/luma/knownothing/storage"
	"github.com/luma/knownothing/transport"
)

func makeReactor(configure func(o *transport.Options)) *transport.Reactor {
	options := transport.Options{
		Host:        "127.0.0.1",
		Port:        0,
		IdleTimeout: time.Minute,
		WaitTimeout: 50 * time.Millisecond,
		Socket: transport.SocketOptions{
			ReceiveTimeout: 300 * time.Millisecond,
			SendTimeout:    time.Second,
			NoDelay:        true,
		},
		Handler: transport.NewDispatcher(storage.NewInmemoryStore(), zap.NewNop()),
		Log:     zap.NewNop(),
	}

	if configure != nil {
		configure(&options)
	}

	reactor := transport.NewReactor(options)
	Expect(reactor.Start(context.Background())).To(Succeed())

	return reactor
}

func dial(reactor *transport.Reactor) net.Conn {
	conn, err := net.Dial("tcp", reactor.Addr().String())
	Expect(err).To(Succeed())
	Expect(conn.SetDeadline(time.Now().Add(5 * time.Second))).To(Succeed())

	return conn
}

func roundTrip(conn net.Conn, frame []byte) *protocol.Response {
	_, err := conn.Write(frame)
	Expect(err).To(Succeed())

	resp, err := protocol.ReadResponse(conn)
	Expect(err).To(Succeed())

	return resp
}

func expectClosedByServer(conn net.Conn) {
	one := make([]byte, 1)
	_, err := conn.Read(one)
	Expect(errors.Is(err, io.EOF) || isReset(err)).To(BeTrue(), "expected the server to close the connection, got %v", err)
}

func isReset(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && !opErr.Timeout()
}

var _ = Describe("transport / Reactor", func() {
	var reactor *transport.Reactor

	AfterEach(func() {
		if reactor != nil {
			Expect(reactor.Close()).To(Succeed())
			reactor = nil
		}
	})

	It("listens on the bound address", func() {
		reactor = makeReactor(nil)

		Expect(reactor.Addr().Port()).NotTo(BeZero())

		conn := dial(reactor)
		defer conn.Close()

		Eventually(func() int64 { return reactor.Stats().Active }).Should(Equal(int64(1)))
	})

	It("fails to start on an address it cannot bind", func() {
		r := transport.NewReactor(transport.Options{
			Host:    "192.0.2.1",
			Handler: transport.NewDispatcher(storage.NewInmemoryStore(), nil),
		})

		err := r.Listen()

		var startupErr *transport.StartupError
		Expect(errors.As(err, &startupErr)).To(BeTrue())
		Expect(startupErr.Op).To(Equal("bind"))
		Expect(r.Close()).To(Succeed())
	})

	It("refuses to start without a handler", func() {
		r := transport.NewReactor(transport.Options{Host: "127.0.0.1"})

		var startupErr *transport.StartupError
		Expect(errors.As(r.Start(context.Background()), &startupErr)).To(BeTrue())
		Expect(r.Close()).To(Succeed())
	})

	It("reports a missing key", func() {
		reactor = makeReactor(nil)

		conn := dial(reactor)
		defer conn.Close()

		resp := roundTrip(conn, []byte{0x01, 0x01, 0x04, 0x00, 0x00, 0x00, 0x6E, 0x61, 0x6D, 0x65})
		Expect(resp.Serialize()).To(Equal(protocol.NotFound("name").Serialize()))
		Expect(resp.Status).To(Equal(protocol.StatusClientError))
	})

	It("reads back what was written", func() {
		reactor = makeReactor(nil)

		conn := dial(reactor)
		defer conn.Close()

		resp := roundTrip(conn, []byte{
			0x01, 0x02,
			0x04, 0x00, 0x00, 0x00, 0x6E, 0x61, 0x6D, 0x65,
			0x07, 0x00, 0x00, 0x00, 0x4D, 0x61, 0x74, 0x68, 0x65, 0x75, 0x73,
		})
		Expect(resp.Status).To(Equal(protocol.StatusOK))
		Expect(resp.Payload).To(Equal(protocol.AckPayload))

		resp = roundTrip(conn, []byte{0x01, 0x01, 0x04, 0x00, 0x00, 0x00, 0x6E, 0x61, 0x6D, 0x65})
		Expect(resp.Status).To(Equal(protocol.StatusOK))
		Expect(string(resp.Payload)).To(Equal("Matheus"))
	})

	It("keeps the last write across connections", func() {
		reactor = makeReactor(nil)

		first := dial(reactor)
		defer first.Close()

		Expect(roundTrip(first, encode(protocol.NewWriteRequest("x", []byte("a")))).Status).To(Equal(protocol.StatusOK))
		Expect(roundTrip(first, encode(protocol.NewWriteRequest("x", []byte("b")))).Status).To(Equal(protocol.StatusOK))

		second := dial(reactor)
		defer second.Close()

		resp := roundTrip(second, encode(protocol.NewReadRequest("x")))
		Expect(string(resp.Payload)).To(Equal("b"))
	})

	It("answers pipelined requests in order", func() {
		reactor = makeReactor(nil)

		conn := dial(reactor)
		defer conn.Close()

		var frames []byte
		frames = append(frames, encode(protocol.NewWriteRequest("k1", []byte("one")))...)
		frames = append(frames, encode(protocol.NewWriteRequest("k2", []byte("two")))...)
		frames = append(frames, encode(protocol.NewReadRequest("k2"))...)
		frames = append(frames, encode(protocol.NewReadRequest("k1"))...)

		_, err := conn.Write(frames)
		Expect(err).To(Succeed())

		expected := []string{"OK!", "OK!", "two", "one"}
		for _, payload := range expected {
			resp, err := protocol.ReadResponse(conn)
			Expect(err).To(Succeed())
			Expect(string(resp.Payload)).To(Equal(payload))
		}
	})

	It("assembles a request split across writes", func() {
		reactor = makeReactor(nil)

		conn := dial(reactor)
		defer conn.Close()

		frame := encode(protocol.NewWriteRequest("split", []byte("across two writes")))

		_, err := conn.Write(frame[:7])
		Expect(err).To(Succeed())

		time.Sleep(50 * time.Millisecond)

		_, err = conn.Write(frame[7:])
		Expect(err).To(Succeed())

		resp, err := protocol.ReadResponse(conn)
		Expect(err).To(Succeed())
		Expect(resp.Status).To(Equal(protocol.StatusOK))

		resp = roundTrip(conn, encode(protocol.NewReadRequest("split")))
		Expect(string(resp.Payload)).To(Equal("across two writes"))
	})

	It("assembles a request written one byte at a time", func() {
		reactor = makeReactor(nil)

		conn := dial(reactor)
		defer conn.Close()

		for _, b := range encode(protocol.NewWriteRequest("bytewise", []byte("value"))) {
			_, err := conn.Write([]byte{b})
			Expect(err).To(Succeed())
		}

		resp, err := protocol.ReadResponse(conn)
		Expect(err).To(Succeed())
		Expect(resp.Status).To(Equal(protocol.StatusOK))
	})

	It("keeps the connection open after a malformed request", func() {
		reactor = makeReactor(nil)

		conn := dial(reactor)
		defer conn.Close()

		resp := roundTrip(conn, []byte{0x01, 0x01, 0x05, 0x00, 0x00, 0x00, 'n', 'a', ' ', 'm', 'e'})
		Expect(resp.Status).To(Equal(protocol.StatusClientError))

		resp = roundTrip(conn, encode(protocol.NewWriteRequest("na_me1", []byte("ok"))))
		Expect(resp.Status).To(Equal(protocol.StatusOK))
	})

	It("answers a request that never completes with a CLIENT_ERROR", func() {
		reactor = makeReactor(func(o *transport.Options) {
			o.Socket.ReceiveTimeout = 20 * time.Millisecond
		})

		conn := dial(reactor)
		defer conn.Close()

		resp := roundTrip(conn, []byte{0x01, 0x02, 0x04, 0x00, 0x00, 0x00, 'n', 'a'})
		Expect(resp.Status).To(Equal(protocol.StatusClientError))
	})

	It("reaps idle connections", func() {
		reactor = makeReactor(func(o *transport.Options) {
			o.IdleTimeout = 100 * time.Millisecond
		})

		conn := dial(reactor)
		defer conn.Close()

		Eventually(func() uint64 { return reactor.Stats().Accepted }).Should(Equal(uint64(1)))
		Eventually(func() uint64 { return reactor.Stats().Reaped }, 2*time.Second).Should(Equal(uint64(1)))
		Expect(reactor.Stats().Active).To(BeZero())

		expectClosedByServer(conn)
	})

	It("does not let a client trickling a request hold up the others", func() {
		reactor = makeReactor(nil)

		slow := dial(reactor)
		defer slow.Close()

		// Declares a 1000 byte key, then sends it a byte at a time
		_, err := slow.Write([]byte{0x01, 0x01, 0xE8, 0x03, 0x00, 0x00})
		Expect(err).To(Succeed())

		stop := make(chan struct{})
		stopped := make(chan struct{})

		go func() {
			defer GinkgoRecover()
			defer close(stopped)

			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()

			for {
				select {
				case <-stop:
					return

				case <-ticker.C:
					if _, err := slow.Write([]byte{'a'}); err != nil {
						return
					}
				}
			}
		}()

		defer func() {
			close(stop)
			<-stopped
		}()

		time.Sleep(100 * time.Millisecond)

		fast := dial(reactor)
		defer fast.Close()

		for i := 0; i < 5; i++ {
			started := time.Now()

			resp := roundTrip(fast, encode(protocol.NewReadRequest("name")))
			Expect(resp.Serialize()).To(Equal(protocol.NotFound("name").Serialize()))
			Expect(time.Since(started)).To(BeNumerically("<", time.Second))
		}

		resp, err := protocol.ReadResponse(slow)
		Expect(err).To(Succeed())
		Expect(resp.Status).To(Equal(protocol.StatusClientError))
	})

	It("sweeps idle connections while traffic keeps the loop busy", func() {
		reactor = makeReactor(func(o *transport.Options) {
			o.WaitTimeout = 10 * time.Second
			o.SweepEvery = 5
			o.IdleTimeout = 200 * time.Millisecond
		})

		idle := dial(reactor)
		defer idle.Close()

		busy := dial(reactor)
		defer busy.Close()

		Eventually(func() int64 { return reactor.Stats().Active }).Should(Equal(int64(2)))

		Eventually(func() uint64 {
			resp := roundTrip(busy, encode(protocol.NewWriteRequest("busy", []byte("yes"))))
			Expect(resp.Status).To(Equal(protocol.StatusOK))

			return reactor.Stats().Reaped
		}, 3*time.Second, 20*time.Millisecond).Should(Equal(uint64(1)))

		Expect(reactor.Stats().Active).To(Equal(int64(1)))
		expectClosedByServer(idle)

		resp := roundTrip(busy, encode(protocol.NewReadRequest("busy")))
		Expect(string(resp.Payload)).To(Equal("yes"))
	})

	It("disconnects clients that hang up", func() {
		reactor = makeReactor(nil)

		conn := dial(reactor)
		Eventually(func() int64 { return reactor.Stats().Active }).Should(Equal(int64(1)))

		Expect(conn.Close()).To(Succeed())
		Eventually(func() int64 { return reactor.Stats().Active }).Should(BeZero())
	})

	It("survives a panicking handler", func() {
		reactor = makeReactor(func(o *transport.Options) {
			o.Handler = transport.HandlerFunc(func(c *transport.Conn, in *protocol.Assembler) []byte {
				b, err := in.Uint8()
				in.Reset()

				if err != nil {
					return nil
				}

				if b == 0xFF {
					panic("boom")
				}

				return protocol.OK([]byte{b}).Serialize()
			})
		})

		bad := dial(reactor)
		defer bad.Close()

		_, err := bad.Write([]byte{0xFF})
		Expect(err).To(Succeed())
		expectClosedByServer(bad)

		good := dial(reactor)
		defer good.Close()

		resp := roundTrip(good, []byte{0x2A})
		Expect(resp.Payload).To(Equal([]byte{0x2A}))
	})

	It("calls the connect and disconnect hooks", func() {
		var connected, disconnected atomic.Int32

		reactor = makeReactor(func(o *transport.Options) {
			o.OnConnect = func(c *transport.Conn) {
				connected.Add(1)
			}

			o.OnDisconnect = func(c *transport.Conn) {
				disconnected.Add(1)
			}
		})

		conn := dial(reactor)
		Eventually(connected.Load).Should(Equal(int32(1)))

		Expect(conn.Close()).To(Succeed())
		Eventually(disconnected.Load).Should(Equal(int32(1)))
	})

	It("stops when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())

		r := transport.NewReactor(transport.Options{
			Host:    "127.0.0.1",
			Handler: transport.NewDispatcher(storage.NewInmemoryStore(), nil),
		})
		Expect(r.Start(ctx)).To(Succeed())

		conn := dial(r)
		defer conn.Close()
		Eventually(func() int64 { return r.Stats().Active }).Should(Equal(int64(1)))

		cancel()

		done := make(chan error)
		go func() { done <- r.Close() }()
		Eventually(done, 2*time.Second).Should(Receive(BeNil()))

		expectClosedByServer(conn)
	})
})
