package gateway

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrNoResponse is returned when a bounded retry budget is exhausted without
// ever receiving an answer from the task server. It is a recoverable
// "no answer" signal, not a terminal failure.
var ErrNoResponse = errors.New("no response from service server after retries")

// ServerError is an application-level error reported by the task server in a
// structured 400 body. It is always terminal for the current operation.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// StatusError is an HTTP error status without a structured application error
// body. The caller decides terminal handling.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service server returned %s", e.Status)
}

// Rewindable marks request bodies that can be replayed from the start.
// The gateway rewinds such bodies before every retry so retried uploads
// resend full content.
type Rewindable interface {
	Rewind() error
}

// BytesBody is an in-memory request body that satisfies Rewindable
type BytesBody struct {
	r *bytes.Reader
}

// NewBytesBody wraps raw bytes as a rewindable request body
func NewBytesBody(b []byte) *BytesBody {
	return &BytesBody{r: bytes.NewReader(b)}
}

func (b *BytesBody) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

// Rewind resets the body to the start
func (b *BytesBody) Rewind() error {
	_, err := b.r.Seek(0, 0)
	return err
}
