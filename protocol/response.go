package protocol

import (
	"fmt"
)

type Status uint8

const (
	StatusOK          Status = 0x01
	StatusClientError Status = 0x02
	StatusServerError Status = 0x03
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusClientError:
		return "CLIENT_ERROR"
	case StatusServerError:
		return "SERVER_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

func (s Status) valid() bool {
	return s >= StatusOK && s <= StatusServerError
}

// AckPayload is the payload of a successful write.
var AckPayload = []byte("OK!")

type Response struct {
	Version Version
	Status  Status
	Payload []byte
}

func OK(payload []byte) *Response {
	return &Response{Version: V1, Status: StatusOK, Payload: payload}
}

func ClientError(message string) *Response {
	return &Response{Version: V1, Status: StatusClientError, Payload: []byte(message)}
}

func ServerError(message string) *Response {
	return &Response{Version: V1, Status: StatusServerError, Payload: []byte(message)}
}

// NotFound is the response to a read of a key that does not exist.
func NotFound(key string) *Response {
	return ClientError(fmt.Sprintf("Key %q was not found!", key))
}

// Serialize always produces a two message frame: a one byte status message
// followed by the payload. The payload must fit in a uint32.
func (r *Response) Serialize() []byte {
	return r.AppendTo(nil)
}

// AppendTo appends the serialised response to dst.
func (r *Response) AppendTo(dst []byte) []byte {
	return appendEnvelope(dst, r.Version, []byte{byte(r.Status)}, r.Payload)
}

// ErrorOrNil returns an error if the response contains an error. Otherwise it
// returns nil.
func (r *Response) ErrorOrNil() error {
	if r.Status == StatusOK {
		return nil
	}

	return &StatusError{Status: r.Status, Message: string(r.Payload)}
}

// StatusError is a non-OK response seen from the client side.
type StatusError struct {
	Status  Status
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}
