package steps

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semresearch/research"
	"github.com/c360studio/semresearch/research/researchtest"
	"github.com/c360studio/semresearch/stream"
	"github.com/c360studio/semresearch/workflow/engine"
)

var fourResults = `[` +
	`{"title":"One","link":"https://one.example/a","snippet":"s1","displayLink":"one.example","relevance_score":0.9},` +
	`{"title":"Two","link":"https://two.example/b","snippet":"s2","displayLink":"two.example","relevance_score":0.8},` +
	`{"title":"Three","link":"https://three.example/c","snippet":"s3","displayLink":"three.example","relevance_score":0.7},` +
	`{"title":"Four","link":"https://four.example/d","snippet":"s4","displayLink":"four.example","relevance_score":0.6}` +
	`]` + "\n"

func scriptedBackend() *researchtest.Backend {
	b := researchtest.New()
	b.Improvement = &research.Improvement{
		OriginalQuestion: "What is X?",
		ImprovedQuestion: "What is X, and how is it used in 2024?",
		Explanation:      "Adds a time frame.",
	}
	b.AnalyzeFragments = []string{
		"## Key Components\n- definition of X\n",
		"- uses of X\n## Scope Bound",
		"aries\n- current practice\n",
	}
	b.ExpandFragments = []string{
		"- what is X\n- X definition\n",
		"- X use cases\n- X examples\n- history of X\n",
	}
	b.SearchFragments = []string{fourResults}
	b.Contents = []research.URLContent{
		{URL: "https://one.example/a", Title: "One", Text: "X is a thing.", ContentType: "text/html"},
		{URL: "https://three.example/c", Error: "timeout"},
	}
	b.Answer = &research.ResearchAnswer{
		Answer:          "X is a thing.",
		SourcesUsed:     []string{"https://one.example/a"},
		ConfidenceScore: 82.5,
	}
	b.Evaluation = &research.Evaluation{
		CompletenessScore: 88,
		AccuracyScore:     92,
		RelevanceScore:    90,
		OverallScore:      90.0,
		MissingAspects:    []string{"history"},
	}
	return b
}

func run(t *testing.T, e *engine.Engine[research.State]) engine.Snapshot[research.State] {
	t.Helper()
	require.NoError(t, e.Run(context.Background()))
	snap := e.Snapshot()
	require.Empty(t, snap.LastError)
	return snap
}

// runTo drives e through the scripted workflow until target is the current
// step, selecting every query and source along the way.
func runTo(t *testing.T, e *engine.Engine[research.State], target int) {
	t.Helper()
	e.Update(func(s *research.State) {
		if strings.TrimSpace(s.Question) == "" {
			s.Question = "What is X?"
		}
	})
	for e.Snapshot().Index < target {
		e.Update(func(s *research.State) {
			if s.SelectedQueries.Len() == 0 {
				s.SelectedQueries.SelectAll(s.Expanded.Queries)
			}
			if s.SelectedSources.Len() == 0 {
				s.SelectedSources.SelectAll(s.SearchResults)
			}
		})
		run(t, e)
	}
}

func TestResearchWorkflow_EndToEnd(t *testing.T) {
	b := scriptedBackend()
	e, err := New(b, Options{})
	require.NoError(t, err)

	e.Update(func(s *research.State) { s.Question = "What is X?" })

	snap := run(t, e)
	require.Equal(t, QuestionImprovement, snap.Index)
	require.NotNil(t, snap.State.Improvement)
	assert.True(t, snap.State.UseImproved, "the improvement is preselected")
	assert.Equal(t, []any{"What is X?"}, b.LastArgs("ImproveQuestion"))

	// The user keeps the original wording.
	e.Update(func(s *research.State) { s.UseImproved = false })

	snap = run(t, e)
	require.Equal(t, QuestionAnalysis, snap.Index)
	assert.Equal(t, []any{"What is X?"}, b.LastArgs("AnalyzeQuestionStream"))
	require.NotNil(t, snap.State.Analysis)
	assert.Equal(t, []string{"definition of X", "uses of X"}, snap.State.Analysis.KeyComponents)
	assert.Equal(t, []string{"current practice"}, snap.State.Analysis.ScopeBoundaries)
	assert.Empty(t, snap.State.Analysis.SuccessCriteria)

	snap = run(t, e)
	require.Equal(t, QueryExpansion, snap.Index)
	assert.True(t, strings.HasPrefix(snap.State.EnhancedQuestion, "Original Question: What is X?"))
	assert.Equal(t, []any{snap.State.EnhancedQuestion}, b.LastArgs("ExpandQuestionStream"))
	require.Len(t, snap.State.Expanded.Queries, 5)
	assert.True(t, snap.Current().Disabled, "nothing selected yet")

	e.Update(func(s *research.State) { s.SelectedQueries.SelectAll(s.Expanded.Queries) })
	snap = e.Snapshot()
	assert.Equal(t, "Search 5 Queries", snap.Current().ActionText)

	snap = run(t, e)
	require.Equal(t, SourceSelection, snap.Index)
	assert.Equal(t, []any{snap.State.Expanded.Queries}, b.LastArgs("ExecuteQueriesStream"))
	require.Len(t, snap.State.SearchResults, 4)

	e.Update(func(s *research.State) {
		s.SelectedSources.Add(s.SearchResults[2])
		s.SelectedSources.Add(s.SearchResults[0])
	})
	assert.Equal(t, "Fetch 2 Sources", e.Snapshot().Current().ActionText)

	snap = run(t, e)
	require.Equal(t, SourceAnalysis, snap.Index)
	assert.Equal(t, []any{[]string{"https://one.example/a", "https://three.example/c"}}, b.LastArgs("FetchURLs"),
		"sources are fetched in result order")
	require.Len(t, snap.State.SourceContent, 2)
	assert.Equal(t, "timeout", snap.State.SourceContent[1].Error)

	snap = run(t, e)
	require.Equal(t, ResearchAnswer, snap.Index)
	answerArgs := b.LastArgs("GetResearchAnswer")
	require.Len(t, answerArgs, 2)
	assert.Equal(t, snap.State.EnhancedQuestion, answerArgs[0])
	assert.Equal(t, []research.URLContent{b.Contents[0]}, answerArgs[1], "failed fetches are not sent")

	require.NotNil(t, snap.State.Answer)
	assert.InDelta(t, 82.5, snap.State.Answer.ConfidenceScore, 0.001)
	require.NotNil(t, snap.State.Evaluation)
	assert.InDelta(t, 90.0, snap.State.Evaluation.OverallScore, 0.001)
	assert.Equal(t, "What is X?", snap.State.ChosenQuestion())
	assert.Equal(t, engine.StatusIdle, snap.Status)
	assert.Empty(t, snap.LastError)

	assert.True(t, snap.Last())
	assert.True(t, snap.Current().Disabled)
	assert.Equal(t, "Done", snap.Current().ActionText)
	assert.ErrorIs(t, e.Run(context.Background()), engine.ErrStepDisabled)
}

func TestRegistry_Shape(t *testing.T) {
	steps := Registry(researchtest.New(), Options{})
	require.Len(t, steps, 7)

	labels := make([]string, len(steps))
	for i, s := range steps {
		labels[i] = s.Label
		assert.NotEmpty(t, s.Description, s.Label)
	}
	assert.Equal(t, []string{
		"Initial Question",
		"Question Improvement",
		"Question Analysis",
		"Query Expansion",
		"Source Selection",
		"Source Analysis",
		"Research Answer",
	}, labels)
}

func TestRegistry_DisabledPredicates(t *testing.T) {
	steps := Registry(researchtest.New(), Options{})
	s := research.NewState()

	assert.True(t, steps[InitialQuestion].Disabled(s))
	s.Question = "   "
	assert.True(t, steps[InitialQuestion].Disabled(s), "whitespace is empty")
	s.Question = "Q"
	assert.False(t, steps[InitialQuestion].Disabled(s))
	assert.False(t, steps[QuestionImprovement].Disabled(s))

	assert.True(t, steps[QuestionAnalysis].Disabled(s))
	s.Analysis = &research.AnalysisResult{}
	assert.False(t, steps[QuestionAnalysis].Disabled(s))

	assert.True(t, steps[QueryExpansion].Disabled(s))
	assert.Equal(t, "Search 0 Queries", steps[QueryExpansion].ActionText(s))
	s.SelectedQueries.Add("q")
	assert.False(t, steps[QueryExpansion].Disabled(s))
	assert.Equal(t, "Search 1 Queries", steps[QueryExpansion].ActionText(s))

	assert.True(t, steps[SourceSelection].Disabled(s))
	s.SelectedSources.Add(research.SearchResult{Link: "https://a"})
	assert.False(t, steps[SourceSelection].Disabled(s))

	s.SourceContent = []research.URLContent{{URL: "https://a", Error: "boom"}}
	assert.True(t, steps[SourceAnalysis].Disabled(s), "only failed fetches")
	s.SourceContent = append(s.SourceContent, research.URLContent{URL: "https://b", Text: "ok"})
	assert.False(t, steps[SourceAnalysis].Disabled(s))

	assert.True(t, steps[ResearchAnswer].Disabled(s))
}

func TestResearchWorkflow_AutoSelect(t *testing.T) {
	b := scriptedBackend()
	e, err := New(b, Options{AutoSelect: true})
	require.NoError(t, err)
	e.Update(func(s *research.State) { s.Question = "What is X?" })

	for e.Snapshot().Index < ResearchAnswer {
		before := e.Snapshot().Index
		run(t, e)
		require.Greater(t, e.Snapshot().Index, before)
	}

	snap := e.Snapshot()
	assert.Equal(t, 5, snap.State.SelectedQueries.Len())
	assert.Equal(t, 4, snap.State.SelectedSources.Len())
	assert.Equal(t, "What is X, and how is it used in 2024?", b.LastArgs("AnalyzeQuestionStream")[0])
	require.NotNil(t, snap.State.Evaluation)
}

type hostExcluder string

func (h hostExcluder) Excluded(link string) bool {
	return strings.Contains(link, string(h))
}

func TestSearch_ExcludesAndDedupes(t *testing.T) {
	b := scriptedBackend()
	b.SearchFragments = []string{
		fourResults,
		`[{"title":"One again","link":"https://one.example/a"}]` + "\n",
	}
	e, err := New(b, Options{Exclude: hostExcluder("two.example")})
	require.NoError(t, err)
	runTo(t, e, QueryExpansion)
	e.Update(func(s *research.State) { s.SelectedQueries.Add(s.Expanded.Queries[0]) })

	snap := run(t, e)

	require.Equal(t, SourceSelection, snap.Index)
	links := make([]string, 0, len(snap.State.SearchResults))
	for _, r := range snap.State.SearchResults {
		links = append(links, r.Link)
	}
	assert.Equal(t, []string{"https://one.example/a", "https://three.example/c", "https://four.example/d"}, links)
	assert.Equal(t, "One", snap.State.SearchResults[0].Title, "the first occurrence wins")
}

func TestSearch_RerunClearsSelectedSources(t *testing.T) {
	b := scriptedBackend()
	e, err := New(b, Options{})
	require.NoError(t, err)
	runTo(t, e, QueryExpansion)
	e.Update(func(s *research.State) { s.SelectedQueries.Add(s.Expanded.Queries[0]) })
	run(t, e)
	e.Update(func(s *research.State) { s.SelectedSources.SelectAll(s.SearchResults) })
	require.Equal(t, 4, e.Snapshot().State.SelectedSources.Len())

	require.True(t, e.Retreat())
	snap := e.Snapshot()
	assert.Equal(t, 4, snap.State.SelectedSources.Len(), "going back keeps the selection")

	snap = run(t, e)
	assert.Equal(t, 0, snap.State.SelectedSources.Len())
	assert.Len(t, snap.State.SearchResults, 4)
}

type localFetcher struct {
	urls []string
}

func (f *localFetcher) FetchURLs(ctx context.Context, urls []string) ([]research.URLContent, error) {
	f.urls = urls
	out := make([]research.URLContent, len(urls))
	for i, u := range urls {
		out[i] = research.URLContent{URL: u, Text: "local"}
	}
	return out, nil
}

func TestFetch_UsesConfiguredFetcher(t *testing.T) {
	b := scriptedBackend()
	f := &localFetcher{}
	e, err := New(b, Options{Fetcher: f})
	require.NoError(t, err)
	runTo(t, e, SourceSelection)
	e.Update(func(s *research.State) { s.SelectedSources.Add(s.SearchResults[1]) })

	snap := run(t, e)

	assert.Equal(t, SourceAnalysis, snap.Index)
	assert.Equal(t, []string{"https://two.example/b"}, f.urls)
	assert.Equal(t, 0, b.Calls("FetchURLs"))
	require.Len(t, snap.State.SourceContent, 1)
	assert.Equal(t, "local", snap.State.SourceContent[0].Text)
}

func TestImprove_AuthFailureSetsSessionMessage(t *testing.T) {
	b := scriptedBackend()
	b.Err["ImproveQuestion"] = &stream.AuthError{StatusCode: 401}
	e, err := New(b, Options{})
	require.NoError(t, err)
	e.Update(func(s *research.State) { s.Question = "What is X?" })

	err = e.Run(context.Background())

	require.Error(t, err)
	assert.True(t, stream.IsAuth(err))
	snap := e.Snapshot()
	assert.Equal(t, InitialQuestion, snap.Index)
	assert.Equal(t, engine.StatusErrored, snap.Status)
	assert.Equal(t, engine.MsgSessionExpired, snap.LastError)
	assert.Nil(t, snap.State.Improvement)
}

func TestAnalyze_EmptyStream(t *testing.T) {
	for _, tc := range []struct {
		policy  engine.EmptyStreamPolicy
		wantErr string
	}{
		{engine.EmptyStreamError, engine.MsgNoData},
		{engine.EmptyStreamStay, ""},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			b := scriptedBackend()
			b.AnalyzeFragments = nil
			e, err := New(b, Options{EmptyStream: tc.policy})
			require.NoError(t, err)
			e.Update(func(s *research.State) { s.Question = "Q" })
			run(t, e)

			_ = e.Run(context.Background())

			snap := e.Snapshot()
			assert.Equal(t, QuestionImprovement, snap.Index, "no data means no advance")
			assert.Equal(t, tc.wantErr, snap.LastError)
			assert.Nil(t, snap.State.Analysis)
		})
	}
}

func TestAnalyze_ResetCancelsStream(t *testing.T) {
	b := scriptedBackend()
	b.Block["AnalyzeQuestionStream"] = true
	advanced := make(chan struct{}, 1)
	e, err := New(b, Options{}, engine.WithListener(engine.ListenerFunc(func(ev engine.Event) {
		if ev.Type == engine.EventAdvanced && ev.Step == QuestionAnalysis {
			advanced <- struct{}{}
		}
	})))
	require.NoError(t, err)
	e.Update(func(s *research.State) { s.Question = "Q" })
	run(t, e)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	select {
	case <-advanced:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never advanced")
	}

	e.Reset()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after reset")
	}
	streams := b.Streams()
	require.Len(t, streams, 1)
	assert.True(t, streams[0].Closed())

	snap := e.Snapshot()
	assert.Equal(t, InitialQuestion, snap.Index)
	assert.Empty(t, snap.LastError)
	assert.Empty(t, snap.State.Question)
	assert.Nil(t, snap.State.Analysis, "late fragments do not resurrect cleared state")
}
