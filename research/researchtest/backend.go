// Package researchtest provides a scripted research.Backend for tests.
package researchtest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/c360studio/semresearch/research"
	"github.com/c360studio/semresearch/stream"
)

var _ research.Backend = (*Backend)(nil)

// Backend is a research.Backend whose responses are set per call. Unset
// single-shot calls fail; unset streams are empty.
type Backend struct {
	mu sync.Mutex

	Improvement *research.Improvement
	Answer      *research.ResearchAnswer
	Evaluation  *research.Evaluation
	Contents    []research.URLContent

	AnalyzeFragments []string
	ExpandFragments  []string
	SearchFragments  []string

	// Err, when set for a method name, is returned instead of a response.
	Err map[string]error

	// Block makes the named stream emit its fragments and then wait for
	// context cancellation instead of ending.
	Block map[string]bool

	calls   map[string]int
	args    map[string][]any
	streams []*Body
}

// New returns an empty scripted backend.
func New() *Backend {
	return &Backend{
		Err:   make(map[string]error),
		Block: make(map[string]bool),
		calls: make(map[string]int),
		args:  make(map[string][]any),
	}
}

// Calls returns how many times method was called.
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// LastArgs returns the arguments of the latest call to method.
func (b *Backend) LastArgs(method string) []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.args[method]
}

// Streams returns every stream body handed out, in order.
func (b *Backend) Streams() []*Body {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Body(nil), b.streams...)
}

func (b *Backend) record(method string, args ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[method]++
	b.args[method] = args
	return b.Err[method]
}

func (b *Backend) open(ctx context.Context, method string, frags []string) *stream.Decoder {
	b.mu.Lock()
	defer b.mu.Unlock()
	body := NewBody(ctx, b.Block[method], frags...)
	b.streams = append(b.streams, body)
	return stream.NewDecoder(body)
}

func (b *Backend) ImproveQuestion(ctx context.Context, question string) (*research.Improvement, error) {
	if err := b.record("ImproveQuestion", question); err != nil {
		return nil, err
	}
	if b.Improvement == nil {
		return nil, errors.New("researchtest: no improvement scripted")
	}
	imp := *b.Improvement
	return &imp, nil
}

func (b *Backend) AnalyzeQuestionStream(ctx context.Context, question string) (*stream.Decoder, error) {
	if err := b.record("AnalyzeQuestionStream", question); err != nil {
		return nil, err
	}
	return b.open(ctx, "AnalyzeQuestionStream", b.AnalyzeFragments), nil
}

func (b *Backend) ExpandQuestionStream(ctx context.Context, enhancedQuestion string) (*stream.Decoder, error) {
	if err := b.record("ExpandQuestionStream", enhancedQuestion); err != nil {
		return nil, err
	}
	return b.open(ctx, "ExpandQuestionStream", b.ExpandFragments), nil
}

func (b *Backend) ExecuteQueriesStream(ctx context.Context, queries []string) (*stream.Decoder, error) {
	if err := b.record("ExecuteQueriesStream", queries); err != nil {
		return nil, err
	}
	return b.open(ctx, "ExecuteQueriesStream", b.SearchFragments), nil
}

func (b *Backend) FetchURLs(ctx context.Context, urls []string) ([]research.URLContent, error) {
	if err := b.record("FetchURLs", urls); err != nil {
		return nil, err
	}
	return append([]research.URLContent(nil), b.Contents...), nil
}

func (b *Backend) GetResearchAnswer(ctx context.Context, question string, sources []research.URLContent) (*research.ResearchAnswer, error) {
	if err := b.record("GetResearchAnswer", question, sources); err != nil {
		return nil, err
	}
	if b.Answer == nil {
		return nil, errors.New("researchtest: no answer scripted")
	}
	a := *b.Answer
	return &a, nil
}

func (b *Backend) EvaluateAnswer(ctx context.Context, question string, analysis *research.AnalysisResult, answer string) (*research.Evaluation, error) {
	if err := b.record("EvaluateAnswer", question, analysis, answer); err != nil {
		return nil, err
	}
	if b.Evaluation == nil {
		return nil, errors.New("researchtest: no evaluation scripted")
	}
	e := *b.Evaluation
	return &e, nil
}

// Body is a stream body that returns one fragment per Read.
type Body struct {
	ctx   context.Context
	frags []string
	block bool

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewBody returns a body yielding frags. With block set it then waits for ctx
// to be canceled or the body closed, like a long-lived response.
func NewBody(ctx context.Context, block bool, frags ...string) *Body {
	return &Body{
		ctx:   ctx,
		frags: append([]string(nil), frags...),
		block: block,
		done:  make(chan struct{}),
	}
}

func (b *Body) Read(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, errors.New("read on closed body")
	}
	if len(b.frags) > 0 {
		n := copy(p, b.frags[0])
		if n < len(b.frags[0]) {
			b.frags[0] = b.frags[0][n:]
		} else {
			b.frags = b.frags[1:]
		}
		b.mu.Unlock()
		return n, nil
	}
	b.mu.Unlock()

	if !b.block {
		return 0, io.EOF
	}
	select {
	case <-b.ctx.Done():
		return 0, b.ctx.Err()
	case <-b.done:
		return 0, errors.New("read on closed body")
	}
}

// Close releases the body.
func (b *Body) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

// Closed reports whether Close was called.
func (b *Body) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
