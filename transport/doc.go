// Package transport serves the Know Nothing protocol over TCP.
//
// A Reactor runs a single goroutine around an edge triggered epoll instance.
// Every accepted connection gets a Conn with its own protocol.Assembler, the
// bytes read from the socket are handed to a Handler and the bytes it returns
// are written back before the next event is handled. The Store behind a
// Dispatcher is therefore only ever touched from the reactor goroutine.
//
// The package only builds on linux.
package transport
