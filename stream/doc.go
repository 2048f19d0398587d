// Package stream consumes long-lived streaming HTTP responses from the research
// backend.
//
// # Decoding
//
// Decoder yields UTF-8 text fragments in arrival order. It follows the
// bufio.Scanner shape:
//
//	dec, err := stream.Open(resp, onSessionExpired)
//	if err != nil {
//	    return err
//	}
//	defer dec.Close()
//	for dec.Next() {
//	    acc += dec.Text()
//	}
//	if err := dec.Err(); err != nil {
//	    return err
//	}
//
// Fragments exposes the same sequence as an iterator for range-over-func loops.
//
// # Line-delimited JSON
//
// LineAccumulator turns fragments of a newline-delimited stream of JSON arrays
// into decoded values, tolerating values split across fragments.
//
// # Errors
//
// Failures are classified as AuthError (401/403), TransportError (network or
// other non-2xx), ParseError (malformed payload) and ActionError (a rejection
// reported by the backend). Use IsAuth, IsTransport, IsParse and IsAction to
// test for them through wrapping.
package stream
