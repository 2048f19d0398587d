package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	// readBufferSize bounds a single fragment.
	readBufferSize = 32 * 1024

	// maxErrorBody limits how much of a failed response body is kept for diagnostics.
	maxErrorBody = 4 * 1024
)

// Decoder turns a long-lived response body into an ordered sequence of UTF-8
// text fragments. Multi-byte sequences split across network chunks are held
// back until the rest arrives; whatever remains at stream end is flushed with
// invalid bytes replaced by U+FFFD.
//
// A Decoder is single-pass and is not safe for concurrent use. The body is
// closed when iteration ends, fails, or Close is called, whichever is first.
type Decoder struct {
	body io.ReadCloser
	r    io.Reader
	buf  []byte

	text string
	err  error
	done bool

	closeOnce sync.Once
	closeErr  error
}

// NewDecoder wraps a body. Ownership of body passes to the Decoder.
func NewDecoder(body io.ReadCloser) *Decoder {
	return &Decoder{
		body: body,
		r:    transform.NewReader(body, unicode.UTF8.NewDecoder()),
		buf:  make([]byte, readBufferSize),
	}
}

// Open validates an HTTP response and returns a Decoder over its body.
// A 401 or 403 invokes onExpired (when non-nil) before returning an AuthError.
// Any other non-2xx status returns a TransportError. On error the body is closed.
func Open(resp *http.Response, onExpired func()) (*Decoder, error) {
	if err := CheckResponse(resp, onExpired); err != nil {
		return nil, err
	}
	return NewDecoder(resp.Body), nil
}

// CheckResponse classifies a response status. On failure it drains a bounded
// excerpt of the body for the error and closes it.
func CheckResponse(resp *http.Response, onExpired func()) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if onExpired != nil {
			onExpired()
		}
		return &AuthError{StatusCode: resp.StatusCode}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	excerpt := strings.TrimSpace(string(body))

	// 4xx with a detail payload is the backend rejecting the request itself.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		if msg := detailMessage(body); msg != "" {
			return &ActionError{StatusCode: resp.StatusCode, Message: msg}
		}
	}

	return &TransportError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       excerpt,
	}
}

// detailMessage extracts {"detail": "..."} or {"message": "..."} from an error body.
func detailMessage(body []byte) string {
	var payload struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if s, ok := payload.Detail.(string); ok && s != "" {
		return s
	}
	return payload.Message
}

// Next advances to the next fragment. It returns false when the stream is
// exhausted or has failed; Err distinguishes the two.
func (d *Decoder) Next() bool {
	if d.done {
		return false
	}
	for {
		n, err := d.r.Read(d.buf)
		if n > 0 {
			d.text = string(d.buf[:n])
			if err != nil {
				d.finish(err)
			}
			return true
		}
		if err != nil {
			d.text = ""
			d.finish(err)
			return false
		}
	}
}

// Text returns the most recent fragment.
func (d *Decoder) Text() string {
	return d.text
}

// Err returns the terminal error, or nil after a clean end of stream.
func (d *Decoder) Err() error {
	return d.err
}

// Close releases the underlying body. It is safe to call more than once and
// safe to call before the stream is exhausted.
func (d *Decoder) Close() error {
	d.done = true
	d.closeOnce.Do(func() {
		d.closeErr = d.body.Close()
	})
	return d.closeErr
}

// Fragments returns the remaining fragments as an iterator. A failure is
// delivered once as the final pair. Breaking out of the loop releases the
// body without reporting an error.
func (d *Decoder) Fragments() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer d.Close()
		for d.Next() {
			if !yield(d.Text(), nil) {
				return
			}
		}
		if err := d.Err(); err != nil {
			yield("", err)
		}
	}
}

func (d *Decoder) finish(err error) {
	switch {
	case errors.Is(err, io.EOF):
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		d.err = err
	default:
		d.err = NewTransportError(err)
	}
	_ = d.Close()
}
