//go:build linux

package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/knownothing/internal/env"
	"github.com/luma/knownothing/storage"
	"github.com/luma/knownothing/transport"
)

func run(args ...string) (string, error) {
	out := bytes.NewBuffer(nil)

	RootCmd.SetOut(out)
	RootCmd.SetErr(out)
	RootCmd.SetArgs(args)

	// Flag values stick between runs
	valueFile = ""

	err := RootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

var _ = Describe("cmd / get and set", func() {
	var reactor *transport.Reactor

	BeforeEach(func() {
		reactor = transport.NewReactor(transport.Options{
			Host:    "127.0.0.1",
			Handler: transport.NewDispatcher(storage.NewInmemoryStore(), nil),
		})
		Expect(reactor.Start(context.Background())).To(Succeed())
	})

	AfterEach(func() {
		Expect(reactor.Close()).To(Succeed())
	})

	It("sets a value and gets it back", func() {
		out, err := run("set", "--addr", reactor.Addr().String(), "name", "Matheus")
		Expect(err).To(Succeed())
		Expect(out).To(Equal("OK!\n"))

		out, err = run("get", "--addr", reactor.Addr().String(), "name")
		Expect(err).To(Succeed())
		Expect(out).To(Equal("Matheus"))
	})

	It("sets a value from a file", func() {
		dir, err := os.MkdirTemp("", "knownothing-cmd-")
		Expect(err).To(Succeed())
		defer os.RemoveAll(dir)

		path := filepath.Join(dir, "value.bin")
		Expect(os.WriteFile(path, []byte{0x00, 0x01, 0x02}, 0640)).To(Succeed())

		_, err = run("set", "--addr", reactor.Addr().String(), "--file", path, "blob")
		Expect(err).To(Succeed())

		out, err := run("get", "--addr", reactor.Addr().String(), "blob")
		Expect(err).To(Succeed())
		Expect([]byte(out)).To(Equal([]byte{0x00, 0x01, 0x02}))
	})

	It("fails when the key is missing", func() {
		out, err := run("get", "--addr", reactor.Addr().String(), "missing")
		Expect(err).To(MatchError(ContainSubstring(`Key "missing" was not found!`)))
		Expect(out).To(ContainSubstring("CLIENT_ERROR"))
	})
})

var _ = Describe("cmd / setValue", func() {
	AfterEach(func() {
		valueFile = ""
	})

	It("needs a value", func() {
		_, err := setValue([]string{"key"})
		Expect(err).NotTo(Succeed())
	})

	It("does not take a value and a file", func() {
		valueFile = "value.bin"

		_, err := setValue([]string{"key", "value"})
		Expect(err).NotTo(Succeed())
	})
})

var _ = Describe("cmd / openStore and closeStore", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "knownothing-cmd-")
		Expect(err).To(Succeed())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("snapshots the memory store on close and restores it on open", func() {
		conf := &env.Config{Store: env.StoreMemory, Snapshot: filepath.Join(dir, "snapshot.json")}

		store, err := openStore(conf, zap.NewNop())
		Expect(err).To(Succeed())
		Expect(store.Write(context.Background(), "name", []byte("Matheus"))).To(Succeed())
		Expect(closeStore(store, conf, zap.NewNop())).To(Succeed())

		restored, err := openStore(conf, zap.NewNop())
		Expect(err).To(Succeed())
		defer restored.Close()

		Expect(restored.Read(context.Background(), "name")).To(Equal([]byte("Matheus")))
	})

	It("opens a file store in the data path", func() {
		conf := &env.Config{Store: env.StoreFile, DataPath: dir, Buckets: 2}

		store, err := openStore(conf, zap.NewNop())
		Expect(err).To(Succeed())
		Expect(store).To(BeAssignableToTypeOf(&storage.FileStore{}))
		Expect(closeStore(store, conf, zap.NewNop())).To(Succeed())
	})
})
