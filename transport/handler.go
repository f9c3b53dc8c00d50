//go:build linux

package transport

import "github.com/luma/knownothing/protocol"

// Handler turns the bytes buffered for a connection into response bytes. It
// answers every request it can parse from in and leaves nothing buffered. A
// request that is malformed, or still incomplete once the connection stops
// producing bytes, is answered with an error and the rest of in is discarded.
//
// Exchange runs on the reactor goroutine, it must not block for long.
type Handler interface {
	Exchange(c *Conn, in *protocol.Assembler) []byte
}

type HandlerFunc func(c *Conn, in *protocol.Assembler) []byte

func (f HandlerFunc) Exchange(c *Conn, in *protocol.Assembler) []byte {
	return f(c, in)
}
