package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LineAccumulator reassembles line-delimited JSON batches from arbitrarily
// split text fragments. Each complete line holds a JSON array of T (a lone
// object is accepted as a batch of one).
//
// A line that fails to decode is assumed to be the first part of a value that
// spans lines and is held back, then retried joined with the lines that
// follow. Nothing is reported as an error until Flush.
type LineAccumulator[T any] struct {
	buf string
}

// Feed appends a fragment and returns every batch completed by it, in order.
func (a *LineAccumulator[T]) Feed(fragment string) []T {
	a.buf += fragment
	lines := strings.Split(a.buf, "\n")
	remainder := lines[len(lines)-1]

	var out []T
	pending := ""
	for _, line := range lines[:len(lines)-1] {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" && pending == "" {
			continue
		}

		candidate := line
		if pending != "" {
			candidate = pending + "\n" + line
		}
		if batch, ok := decodeBatch[T](candidate); ok {
			out = append(out, batch...)
			pending = ""
			continue
		}
		// A self-contained line after unparseable leftovers supersedes them.
		if pending != "" {
			if batch, ok := decodeBatch[T](line); ok {
				out = append(out, batch...)
				pending = ""
				continue
			}
		}
		pending = candidate
	}

	if pending != "" {
		a.buf = pending + "\n" + remainder
	} else {
		a.buf = remainder
	}
	return out
}

// Flush decodes whatever is left once the stream has ended. An empty buffer
// yields nothing. Undecodable leftovers yield a ParseError, returned together
// with the batch of a final line that decodes on its own.
func (a *LineAccumulator[T]) Flush() ([]T, error) {
	rest := strings.TrimSpace(a.buf)
	a.buf = ""
	if rest == "" {
		return nil, nil
	}
	if batch, ok := decodeBatch[T](rest); ok {
		return batch, nil
	}

	var batch []T
	bad := rest
	if i := strings.LastIndex(rest, "\n"); i >= 0 {
		if last, ok := decodeBatch[T](rest[i+1:]); ok {
			batch, bad = last, strings.TrimSpace(rest[:i])
		}
	}
	var discard []T
	err := json.Unmarshal([]byte(bad), &discard)
	if err == nil {
		err = fmt.Errorf("unexpected payload %.40q", bad)
	}
	return batch, NewParseError("line-delimited batch", err)
}

// Pending reports the number of buffered bytes not yet decoded.
func (a *LineAccumulator[T]) Pending() int {
	return len(a.buf)
}

func decodeBatch[T any](s string) ([]T, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	switch s[0] {
	case '[':
		var batch []T
		if err := json.Unmarshal([]byte(s), &batch); err != nil {
			return nil, false
		}
		return batch, true
	case '{':
		var one T
		if err := json.Unmarshal([]byte(s), &one); err != nil {
			return nil, false
		}
		return []T{one}, true
	}
	return nil, false
}
