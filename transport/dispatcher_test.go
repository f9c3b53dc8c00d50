//go:build linux

package transport_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/knownothing/protocol"
	"github.com/luma/knownothing/storage"
	"github.com/luma/knownothing/transport"
)

type failingStore struct {
	*storage.InmemoryStore
}

func (f failingStore) Write(ctx context.Context, key string, value []byte) error {
	return errors.New("disk full")
}

type panickingStore struct {
	*storage.InmemoryStore
}

func (p panickingStore) Exists(ctx context.Context, key string) bool {
	panic("exists exploded")
}

func exchange(d *transport.Dispatcher, frames ...[]byte) []*protocol.Response {
	in := protocol.NewAssembler(nil)
	for _, frame := range frames {
		in.Put(frame)
	}

	out := d.Exchange(nil, in)
	Expect(in.HasRemaining()).To(BeFalse())

	responses := protocol.NewAssembler(nil)
	responses.Put(out)

	var parsed []*protocol.Response
	for responses.HasRemaining() {
		resp, err := protocol.ParseResponse(responses)
		Expect(err).To(Succeed())
		parsed = append(parsed, resp)
	}

	return parsed
}

func encode(req *protocol.Request) []byte {
	frame, err := req.Encode()
	Expect(err).To(Succeed())
	return frame
}

var _ = Describe("transport / Dispatcher", func() {
	var store *storage.InmemoryStore

	BeforeEach(func() {
		store = storage.NewInmemoryStore()
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	It("reports a missing key as a CLIENT_ERROR", func() {
		d := transport.NewDispatcher(store, nil)

		responses := exchange(d, encode(protocol.NewReadRequest("name")))
		Expect(responses).To(HaveLen(1))
		Expect(responses[0].Status).To(Equal(protocol.StatusClientError))
		Expect(string(responses[0].Payload)).To(Equal(`Key "name" was not found!`))
	})

	It("acknowledges writes and reads back the last value", func() {
		d := transport.NewDispatcher(store, nil)

		responses := exchange(d,
			encode(protocol.NewWriteRequest("x", []byte("a"))),
			encode(protocol.NewWriteRequest("x", []byte("b"))),
			encode(protocol.NewReadRequest("x")),
		)

		Expect(responses).To(HaveLen(3))
		Expect(responses[0].Payload).To(Equal(protocol.AckPayload))
		Expect(responses[1].Payload).To(Equal(protocol.AckPayload))
		Expect(responses[2].Status).To(Equal(protocol.StatusOK))
		Expect(string(responses[2].Payload)).To(Equal("b"))
	})

	It("answers a malformed request with a CLIENT_ERROR and drops the buffer", func() {
		d := transport.NewDispatcher(store, nil)

		responses := exchange(d,
			[]byte{0x02, 0x01, 0x01, 0x00, 0x00, 0x00, 'x'},
			encode(protocol.NewReadRequest("x")),
		)

		Expect(responses).To(HaveLen(1))
		Expect(responses[0].Status).To(Equal(protocol.StatusClientError))
		Expect(string(responses[0].Payload)).To(ContainSubstring("Unsupported protocol version"))
	})

	It("answers requests parsed before a malformed one", func() {
		d := transport.NewDispatcher(store, nil)

		responses := exchange(d,
			encode(protocol.NewWriteRequest("x", []byte("a"))),
			[]byte{0x01, 0x01, 0x03, 0x00, 0x00, 0x00, 'a', ' ', 'b'},
		)

		Expect(responses).To(HaveLen(2))
		Expect(responses[0].Status).To(Equal(protocol.StatusOK))
		Expect(responses[1].Status).To(Equal(protocol.StatusClientError))
		Expect(string(responses[1].Payload)).To(ContainSubstring("Key is invalid"))
	})

	It("answers a truncated request with a CLIENT_ERROR", func() {
		d := transport.NewDispatcher(store, nil)

		responses := exchange(d, []byte{0x01, 0x01, 0x04, 0x00, 0x00, 0x00, 'n', 'a'})
		Expect(responses).To(HaveLen(1))
		Expect(responses[0].Status).To(Equal(protocol.StatusClientError))
	})

	It("turns store failures into a SERVER_ERROR", func() {
		d := transport.NewDispatcher(failingStore{store}, nil)

		responses := exchange(d, encode(protocol.NewWriteRequest("x", []byte("a"))))
		Expect(responses).To(HaveLen(1))
		Expect(responses[0].Status).To(Equal(protocol.StatusServerError))
		Expect(string(responses[0].Payload)).To(ContainSubstring("disk full"))
	})

	It("turns a panic into a SERVER_ERROR", func() {
		d := transport.NewDispatcher(panickingStore{store}, nil)

		responses := exchange(d, encode(protocol.NewReadRequest("x")))
		Expect(responses).To(HaveLen(1))
		Expect(responses[0].Status).To(Equal(protocol.StatusServerError))
		Expect(string(responses[0].Payload)).To(ContainSubstring("exists exploded"))
	})

	Describe("Execute()", func() {
		It("runs a request without a connection", func() {
			d := transport.NewDispatcher(store, nil)

			resp := d.Execute(context.Background(), protocol.NewWriteRequest("empty", nil))
			Expect(resp.Status).To(Equal(protocol.StatusOK))

			resp = d.Execute(context.Background(), protocol.NewReadRequest("empty"))
			Expect(resp.Status).To(Equal(protocol.StatusOK))
			Expect(resp.Payload).To(BeEmpty())
		})
	})
})
