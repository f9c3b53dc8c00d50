package protocol

import (
	"io"
)

// WriteRequest encodes req and writes it to w with a single Write call.
func WriteRequest(w io.Writer, req *Request) error {
	b, err := req.Encode()
	if err != nil {
		return err
	}

	_, err = w.Write(b)
	return err
}

func WriteResponse(w io.Writer, resp *Response) error {
	_, err := w.Write(resp.Serialize())
	return err
}

func WriteOk(w io.Writer) error {
	return WriteResponse(w, OK(AckPayload))
}

func WriteError(w io.Writer, status Status, errMsg string) error {
	return WriteResponse(w, &Response{Version: V1, Status: status, Payload: []byte(errMsg)})
}
