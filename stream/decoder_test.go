package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkBody returns one predefined chunk per Read and records Close.
type chunkBody struct {
	chunks []string
	err    error
	closed int
}

func (b *chunkBody) Read(p []byte) (int, error) {
	if len(b.chunks) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	if n < len(b.chunks[0]) {
		b.chunks[0] = b.chunks[0][n:]
	} else {
		b.chunks = b.chunks[1:]
	}
	return n, nil
}

func (b *chunkBody) Close() error {
	b.closed++
	return nil
}

func collect(t *testing.T, d *Decoder) []string {
	t.Helper()
	var out []string
	for d.Next() {
		out = append(out, d.Text())
	}
	return out
}

func TestDecoder_FragmentsInOrder(t *testing.T) {
	body := &chunkBody{chunks: []string{"## Key", " Components\n", "- A\n"}}
	d := NewDecoder(body)

	got := collect(t, d)

	require.NoError(t, d.Err())
	assert.Equal(t, "## Key Components\n- A\n", strings.Join(got, ""))
	assert.Len(t, got, 3)
	assert.Equal(t, 1, body.closed, "body released at end of stream")
}

func TestDecoder_SplitMultiByteSequence(t *testing.T) {
	// "é" is 0xC3 0xA9; "日" is 0xE6 0x97 0xA5.
	body := &chunkBody{chunks: []string{"caf\xc3", "\xa9 \xe6", "\x97", "\xa5!"}}
	d := NewDecoder(body)

	got := collect(t, d)

	require.NoError(t, d.Err())
	assert.Equal(t, "café 日!", strings.Join(got, ""))
	for _, frag := range got {
		assert.NotContains(t, frag, "�", "no fragment may contain a half-decoded rune")
	}
}

func TestDecoder_FlushesMalformedRemainder(t *testing.T) {
	body := &chunkBody{chunks: []string{"ok\xc3"}}
	d := NewDecoder(body)

	got := collect(t, d)

	require.NoError(t, d.Err())
	assert.Equal(t, "ok�", strings.Join(got, ""))
}

func TestDecoder_EmptyStream(t *testing.T) {
	body := &chunkBody{}
	d := NewDecoder(body)

	assert.False(t, d.Next())
	assert.NoError(t, d.Err())
	assert.Equal(t, 1, body.closed)
}

func TestDecoder_TransportFailure(t *testing.T) {
	body := &chunkBody{chunks: []string{"partial"}, err: errors.New("connection reset")}
	d := NewDecoder(body)

	got := collect(t, d)

	assert.Equal(t, []string{"partial"}, got)
	require.Error(t, d.Err())
	assert.True(t, IsTransport(d.Err()))
	assert.Equal(t, 1, body.closed)
}

func TestDecoder_CancellationIsNotTransportError(t *testing.T) {
	body := &chunkBody{err: context.Canceled}
	d := NewDecoder(body)

	assert.False(t, d.Next())
	assert.ErrorIs(t, d.Err(), context.Canceled)
	assert.False(t, IsTransport(d.Err()))
}

func TestDecoder_FragmentsEarlyBreakReleases(t *testing.T) {
	body := &chunkBody{chunks: []string{"a", "b", "c"}}
	d := NewDecoder(body)

	var seen []string
	for frag, err := range d.Fragments() {
		require.NoError(t, err)
		seen = append(seen, frag)
		if len(seen) == 1 {
			break
		}
	}

	assert.Equal(t, []string{"a"}, seen)
	assert.Equal(t, 1, body.closed)
	assert.NoError(t, d.Err())
	assert.False(t, d.Next(), "closed decoder yields nothing more")
}

func TestDecoder_FragmentsDeliverErrorOnce(t *testing.T) {
	body := &chunkBody{chunks: []string{"x"}, err: errors.New("boom")}
	d := NewDecoder(body)

	var frags []string
	var errs []error
	for frag, err := range d.Fragments() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		frags = append(frags, frag)
	}

	assert.Equal(t, []string{"x"}, frags)
	require.Len(t, errs, 1)
	assert.True(t, IsTransport(errs[0]))
}

func TestDecoder_CloseIsIdempotent(t *testing.T) {
	body := &chunkBody{chunks: []string{"a"}}
	d := NewDecoder(body)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Equal(t, 1, body.closed)
}

func TestOpen_StatusClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantExpired bool
		check       func(t *testing.T, err error)
	}{
		{
			name:   "ok",
			status: http.StatusOK,
			body:   "hello",
			check: func(t *testing.T, err error) {
				assert.NoError(t, err)
			},
		},
		{
			name:        "unauthorized",
			status:      http.StatusUnauthorized,
			wantExpired: true,
			check: func(t *testing.T, err error) {
				assert.True(t, IsAuth(err))
			},
		},
		{
			name:        "forbidden",
			status:      http.StatusForbidden,
			wantExpired: true,
			check: func(t *testing.T, err error) {
				assert.True(t, IsAuth(err))
			},
		},
		{
			name:   "validation detail",
			status: http.StatusUnprocessableEntity,
			body:   `{"detail":"question is too short"}`,
			check: func(t *testing.T, err error) {
				require.True(t, IsAction(err))
				assert.Equal(t, "question is too short", err.Error())
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			body:   "upstream down",
			check: func(t *testing.T, err error) {
				require.True(t, IsTransport(err))
				var te *TransportError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, http.StatusBadGateway, te.StatusCode)
				assert.Equal(t, "upstream down", te.Body)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := &chunkBody{chunks: []string{tt.body}}
			resp := &http.Response{
				StatusCode: tt.status,
				Status:     http.StatusText(tt.status),
				Body:       body,
			}
			expired := 0

			d, err := Open(resp, func() { expired++ })
			tt.check(t, err)

			if tt.wantExpired {
				assert.Equal(t, 1, expired)
			} else {
				assert.Zero(t, expired)
			}
			if err != nil {
				assert.Nil(t, d)
				assert.Equal(t, 1, body.closed)
			} else {
				assert.Equal(t, []string{tt.body}, collect(t, d))
			}
		})
	}
}
