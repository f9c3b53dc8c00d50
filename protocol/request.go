package protocol

import (
	"fmt"
	"regexp"
)

type Operation uint8

const (
	OpRead Operation = iota + 1
	OpWrite
)

func (o Operation) String() string {
	switch o {
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	default:
		return fmt.Sprintf("Operation(%d)", uint8(o))
	}
}

var keyRegex = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidateKey checks that key is non-empty and only contains ASCII letters,
// digits, and underscores.
func ValidateKey(key string) error {
	if !keyRegex.MatchString(key) {
		return fmt.Errorf("The key: %q does not follow the regex: %q: %w",
			key, keyRegex.String(), ErrInvalidKey)
	}

	return nil
}

// Request is a parsed client request. A request without a value is a read,
// a request with a value (even an empty one) is a write.
type Request struct {
	Version Version
	Key     string
	Value   []byte

	op Operation
}

func NewReadRequest(key string) *Request {
	return &Request{Version: V1, Key: key, op: OpRead}
}

func NewWriteRequest(key string, value []byte) *Request {
	if value == nil {
		value = []byte{}
	}

	return &Request{Version: V1, Key: key, Value: value, op: OpWrite}
}

func (r *Request) Operation() Operation {
	return r.op
}

// HasValue returns true for write requests.
func (r *Request) HasValue() bool {
	return r.op == OpWrite
}

// Encode validates the key and serialises the request into a single frame.
func (r *Request) Encode() ([]byte, error) {
	if err := ValidateKey(r.Key); err != nil {
		return nil, err
	}

	if r.HasValue() {
		return EncodeEnvelope(r.Version, []byte(r.Key), r.Value)
	}

	return EncodeEnvelope(r.Version, []byte(r.Key))
}

func (r *Request) String() string {
	if r.HasValue() {
		return fmt.Sprintf("%s %s %q (%d bytes)", r.Version, r.op, r.Key, len(r.Value))
	}

	return fmt.Sprintf("%s %s %q", r.Version, r.op, r.Key)
}
