// Package protocol implements parsing and serialising of the "Know Nothing"
// binary protocol that the server uses to talk to its clients.
//
// This protocol aims to be
//
//   - easy to implement
//   - cheap to parse incrementally
//   - binary safe for values
//
// The building blocks are
//
//   - `Frame` - A version byte, a message count byte, and that many
//     length prefixed messages.
//   - `Request` - A frame sent by a client. One message reads a key, two
//     messages write a key.
//   - `Response` - A frame sent by the server. Always two messages: the
//     status code and a payload.
//
// === General Syntax
//
//	[u8 version][u8 count]([u32 length][length bytes])*count
//
//   - all integers are little endian
//   - the only supported version is V1 (0x01)
//   - the count field is one byte so a frame carries at most 255 messages
//
// === Read
//
//	> 01 01 <len><key>
//	< 01 02 01000000 <status> <len><value or error message>
//
// === Write
//
//	> 01 02 <len><key> <len><value>
//	< 01 02 01000000 01 03000000 "OK!"
//
// Keys must match `^[A-Za-z0-9_]+$`. Values are opaque bytes.
//
// === Status codes
//
//   - `0x01` OK
//   - `0x02` CLIENT_ERROR, the request was malformed or the key does not exist
//   - `0x03` SERVER_ERROR, the server failed to execute a valid request
//
// Non-OK responses carry a human readable description as their payload.
//
// Frames can arrive fragmented or back to back on the same connection. The
// Assembler buffers raw bytes and pulls more from its Source on demand, so a
// request can be parsed as soon as enough bytes are available and any trailing
// bytes are kept for the next request.
package protocol
