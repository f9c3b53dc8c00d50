package protocol

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrUnsupportedVersion  = errors.New("Unsupported protocol version")
	ErrInvalidMessageCount = errors.New("Invalid message count! To read, one message must be provided, to write, two messages must be provided")
	ErrInvalidKey          = errors.New("Key is invalid")
	ErrTruncated           = errors.New("Request is malformed, it ended before all declared bytes were received")
	ErrInvalidResponse     = errors.New("Response is malformed")
)

// ParseRequest consumes one request from the Assembler.
//
// On error the request must be treated as invalid as a whole. Bytes already
// consumed are not put back, so the caller should Reset the Assembler before
// parsing anything else from it.
func ParseRequest(a *Assembler) (*Request, error) {
	version, err := a.Uint8()
	if err != nil {
		return nil, truncated(err)
	}

	if Version(version) != V1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	count, err := a.Uint8()
	if err != nil {
		return nil, truncated(err)
	}

	if count != 1 && count != 2 {
		return nil, fmt.Errorf("%w, got %d messages", ErrInvalidMessageCount, count)
	}

	key, err := readMessage(a)
	if err != nil {
		return nil, err
	}

	if err := ValidateKey(string(key)); err != nil {
		return nil, err
	}

	if count == 1 {
		return NewReadRequest(string(key)), nil
	}

	value, err := readMessage(a)
	if err != nil {
		return nil, err
	}

	return NewWriteRequest(string(key), value), nil
}

// DecodeRequest parses a request from a single, complete frame. Frames with
// missing or trailing bytes are rejected.
func DecodeRequest(frame []byte) (*Request, error) {
	a := NewAssembler(nil)
	a.Put(frame)

	req, err := ParseRequest(a)
	if err != nil {
		return nil, err
	}

	if a.HasRemaining() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptFrame, a.Size())
	}

	return req, nil
}

// ParseResponse consumes one response from the Assembler.
func ParseResponse(a *Assembler) (*Response, error) {
	version, err := a.Uint8()
	if err != nil {
		return nil, truncated(err)
	}

	if Version(version) != V1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	count, err := a.Uint8()
	if err != nil {
		return nil, truncated(err)
	}

	if count != 2 {
		return nil, fmt.Errorf("%w: expected 2 messages, got %d", ErrInvalidResponse, count)
	}

	status, err := readMessage(a)
	if err != nil {
		return nil, err
	}

	if len(status) != 1 || !Status(status[0]).valid() {
		return nil, fmt.Errorf("%w: bad status message %x", ErrInvalidResponse, status)
	}

	payload, err := readMessage(a)
	if err != nil {
		return nil, err
	}

	return &Response{Version: V1, Status: Status(status[0]), Payload: payload}, nil
}

// ReadResponse reads exactly one response from a blocking Reader.
//
// To avoid denial of service attacks, the provided Reader should be an
// io.LimitReader or similar Reader to bound the size of responses.
func ReadResponse(r io.Reader) (*Response, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	a := NewAssembler(nil)
	a.Put(header[:])

	for i := 0; i < int(header[1]) && i < 2; i++ {
		var l [LengthSize]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return nil, unexpectedEOF(err)
		}

		message := make([]byte, DecodeUint32(l))
		if _, err := io.ReadFull(r, message); err != nil {
			return nil, unexpectedEOF(err)
		}

		a.Put(l[:])
		a.Put(message)
	}

	return ParseResponse(a)
}

func readMessage(a *Assembler) ([]byte, error) {
	l, err := a.Uint32()
	if err != nil {
		return nil, truncated(err)
	}

	message, err := a.Next(l)
	if err != nil {
		return nil, truncated(err)
	}

	return message, nil
}

func truncated(err error) error {
	return fmt.Errorf("%w: %w", ErrTruncated, err)
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}

	return err
}
