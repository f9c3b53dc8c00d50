package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Version is the protocol version carried in the first byte of every frame.
type Version uint8

const (
	V1 Version = 0x01
)

const (
	// HeaderSize is the version byte plus the message count byte
	HeaderSize = 2

	// LengthSize is the size of the length prefix in front of each message
	LengthSize = 4

	// MaxMessages is bounded by the single byte message count
	MaxMessages = math.MaxUint8
)

var (
	ErrTooManyMessages = errors.New("Frame cannot carry more than 255 messages")
	ErrMessageTooLarge = errors.New("Message is larger than a 4 byte length prefix can describe")
	ErrCorruptFrame    = errors.New("Frame is corrupt, the declared message lengths do not match the frame size")
)

func (v Version) String() string {
	return fmt.Sprintf("V%d", uint8(v))
}

// EncodeUint32 encodes n as 4 little endian bytes.
func EncodeUint32(n uint32) [LengthSize]byte {
	var b [LengthSize]byte
	binary.LittleEndian.PutUint32(b[:], n)
	return b
}

// DecodeUint32 decodes 4 little endian bytes.
func DecodeUint32(b [LengthSize]byte) uint32 {
	return binary.LittleEndian.Uint32(b[:])
}

// EncodeEnvelope writes the version, the message count, and each message
// prefixed by its length, in order.
func EncodeEnvelope(version Version, messages ...[]byte) ([]byte, error) {
	if len(messages) > MaxMessages {
		return nil, ErrTooManyMessages
	}

	size := HeaderSize
	for _, m := range messages {
		if uint64(len(m)) > math.MaxUint32 {
			return nil, ErrMessageTooLarge
		}

		size += LengthSize + len(m)
	}

	return appendEnvelope(make([]byte, 0, size), version, messages...), nil
}

// appendEnvelope does no bounds checking, callers must respect MaxMessages
// and the uint32 message size.
func appendEnvelope(dst []byte, version Version, messages ...[]byte) []byte {
	dst = append(dst, byte(version), byte(len(messages)))

	for _, m := range messages {
		l := EncodeUint32(uint32(len(m)))
		dst = append(dst, l[:]...)
		dst = append(dst, m...)
	}

	return dst
}

// DecodeEnvelope is the inverse of EncodeEnvelope for a single, complete
// frame. The frame must pass CheckIntegrity.
func DecodeEnvelope(frame []byte) (Version, [][]byte, error) {
	if err := CheckIntegrity(frame); err != nil {
		return 0, nil, err
	}

	count := int(frame[1])
	messages := make([][]byte, 0, count)
	offset := HeaderSize

	for i := 0; i < count; i++ {
		var l [LengthSize]byte
		copy(l[:], frame[offset:])
		offset += LengthSize

		n := int(DecodeUint32(l))
		messages = append(messages, frame[offset:offset+n:offset+n])
		offset += n
	}

	return Version(frame[0]), messages, nil
}

// CheckIntegrity verifies that the header plus the declared message lengths
// add up to exactly len(frame).
func CheckIntegrity(frame []byte) error {
	if len(frame) < HeaderSize {
		return fmt.Errorf("%w: %d bytes is shorter than the frame header", ErrCorruptFrame, len(frame))
	}

	count := int(frame[1])
	expected := uint64(HeaderSize)

	for i := 0; i < count; i++ {
		if uint64(len(frame)) < expected+LengthSize {
			return fmt.Errorf("%w: missing length of message %d", ErrCorruptFrame, i+1)
		}

		var l [LengthSize]byte
		copy(l[:], frame[expected:])
		expected += LengthSize + uint64(DecodeUint32(l))
	}

	if expected != uint64(len(frame)) {
		return fmt.Errorf("%w: declared %d bytes, got %d", ErrCorruptFrame, expected, len(frame))
	}

	return nil
}
