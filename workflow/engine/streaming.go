package engine

import (
	"fmt"
	"strings"

	"github.com/c360studio/semresearch/stream"
)

// FragmentSource is a forward-only sequence of decoded text fragments, as
// produced by stream.Decoder.
type FragmentSource interface {
	Next() bool
	Text() string
	Err() error
	Close() error
}

var _ FragmentSource = (*stream.Decoder)(nil)

// EmptyStreamPolicy decides what a stream that ends without data means.
type EmptyStreamPolicy string

const (
	// EmptyStreamError fails the action with stream.ErrNoData.
	EmptyStreamError EmptyStreamPolicy = "error"
	// EmptyStreamStay completes the action without advancing.
	EmptyStreamStay EmptyStreamPolicy = "stay"
)

// ParseEmptyStreamPolicy parses a configured policy. Empty means error.
func ParseEmptyStreamPolicy(s string) (EmptyStreamPolicy, error) {
	switch p := EmptyStreamPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return EmptyStreamError, nil
	case EmptyStreamError, EmptyStreamStay:
		return p, nil
	default:
		return "", fmt.Errorf("unknown empty stream policy %q (want %q or %q)", s, EmptyStreamError, EmptyStreamStay)
	}
}

// StreamText runs the streaming step protocol over src.
//
// Fragments are appended to an accumulator in arrival order and apply is
// called with the whole accumulated text after each one, so derived state is
// replaced rather than merged. The workflow advances exactly once, on the
// first non-empty fragment. src is always closed.
func StreamText[S any](sc *StepContext[S], src FragmentSource, policy EmptyStreamPolicy, apply func(s *S, accumulated string)) error {
	var acc strings.Builder
	return consume(sc, src, policy, func(frag string) bool {
		acc.WriteString(frag)
		text := acc.String()
		return sc.Update(func(s *S) { apply(s, text) })
	})
}

// StreamJSONLines runs the streaming step protocol over line-delimited JSON.
// Each decoded batch is handed to apply as it completes. An undecodable
// remainder at end of stream is logged and dropped so that results already
// applied are kept.
func StreamJSONLines[S any, T any](sc *StepContext[S], src FragmentSource, policy EmptyStreamPolicy, apply func(s *S, batch []T)) error {
	var acc stream.LineAccumulator[T]
	deliver := func(batch []T) bool {
		if len(batch) == 0 {
			return !sc.Stale()
		}
		return sc.Update(func(s *S) { apply(s, batch) })
	}

	err := consume(sc, src, policy, func(frag string) bool {
		return deliver(acc.Feed(frag))
	})
	if err != nil || sc.Stale() {
		return err
	}

	rest, ferr := acc.Flush()
	deliver(rest)
	if ferr != nil {
		sc.Logger().Warn("Dropped malformed stream remainder", "error", ferr)
	}
	return nil
}

// consume drives src, calling each for every non-empty fragment until each
// reports the run was superseded. It advances once on the first fragment.
func consume[S any](sc *StepContext[S], src FragmentSource, policy EmptyStreamPolicy, each func(frag string) bool) error {
	defer src.Close()

	received := false
	for src.Next() {
		frag := src.Text()
		if frag == "" {
			continue
		}
		if !each(frag) {
			return nil
		}
		sc.Fragment(len(frag))
		if !received {
			received = true
			sc.Advance()
		}
	}
	if err := src.Err(); err != nil {
		return err
	}
	if !received {
		return emptyStream(sc, policy)
	}
	return nil
}

func emptyStream[S any](sc *StepContext[S], policy EmptyStreamPolicy) error {
	if policy == EmptyStreamStay {
		sc.Logger().Info("Stream ended without data")
		return nil
	}
	return stream.ErrNoData
}
