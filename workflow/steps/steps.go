// Package steps defines the research wizard: seven fixed steps taking a
// question through improvement, analysis, query expansion, search, source
// fetching and answer synthesis.
package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/semresearch/research"
	"github.com/c360studio/semresearch/workflow/engine"
)

// Step indices.
const (
	InitialQuestion = iota
	QuestionImprovement
	QuestionAnalysis
	QueryExpansion
	SourceSelection
	SourceAnalysis
	ResearchAnswer
)

// Excluder drops search results whose link must not be offered.
type Excluder interface {
	Excluded(link string) bool
}

// Options tune the registry.
type Options struct {
	// EmptyStream decides what a stream without data means. Defaults to
	// engine.EmptyStreamError.
	EmptyStream engine.EmptyStreamPolicy

	// AutoSelect selects every query and every source as soon as the stream
	// producing them completes.
	AutoSelect bool

	// Exclude filters search results. Optional.
	Exclude Excluder

	// Fetcher retrieves selected sources. Defaults to the backend.
	Fetcher research.ContentFetcher
}

// New builds an engine over the research registry.
func New(b research.Backend, opts Options, engineOpts ...engine.Option) (*engine.Engine[research.State], error) {
	return engine.New(Registry(b, opts), research.NewState, engineOpts...)
}

// Registry returns the research steps in order.
func Registry(b research.Backend, opts Options) []engine.Step[research.State] {
	r := &registry{backend: b, opts: opts, fetcher: opts.Fetcher}
	if r.opts.EmptyStream == "" {
		r.opts.EmptyStream = engine.EmptyStreamError
	}
	if r.fetcher == nil {
		r.fetcher = b
	}

	return []engine.Step[research.State]{
		{
			Label:       "Initial Question",
			Description: "Enter your research question with as much context as possible",
			Disabled:    func(s research.State) bool { return strings.TrimSpace(s.Question) == "" },
			ActionText:  fixed("Improve Question"),
			Action:      r.improve,
		},
		{
			Label:       "Question Improvement",
			Description: "Choose between your question and the suggested improvement",
			Disabled:    func(s research.State) bool { return strings.TrimSpace(s.ChosenQuestion()) == "" },
			ActionText:  fixed("Analyze Question"),
			Action:      r.analyze,
		},
		{
			Label:       "Question Analysis",
			Description: "Review the breakdown of your question into key components",
			Disabled:    func(s research.State) bool { return s.Analysis == nil },
			ActionText:  fixed("Expand Question"),
			Action:      r.expand,
		},
		{
			Label:       "Query Expansion",
			Description: "View and select related search terms and alternative phrasings",
			Disabled:    func(s research.State) bool { return s.SelectedQueries.Len() == 0 },
			ActionText: func(s research.State) string {
				return fmt.Sprintf("Search %d Queries", s.SelectedQueries.Len())
			},
			Action: r.search,
		},
		{
			Label:       "Source Selection",
			Description: "Review and select relevant sources",
			Disabled:    func(s research.State) bool { return s.SelectedSources.Len() == 0 },
			ActionText: func(s research.State) string {
				return fmt.Sprintf("Fetch %d Sources", s.SelectedSources.Len())
			},
			Action: r.fetch,
		},
		{
			Label:       "Source Analysis",
			Description: "Review extracted information and conflicts",
			Disabled:    func(s research.State) bool { return len(s.FetchedSources()) == 0 },
			ActionText:  fixed("Generate Answer"),
			Action:      r.answer,
		},
		{
			Label:       "Research Answer",
			Description: "View the research answer with citations and confidence levels",
			Disabled:    func(research.State) bool { return true },
			ActionText:  fixed("Done"),
			Action:      func(context.Context, *engine.StepContext[research.State]) error { return nil },
		},
	}
}

func fixed(text string) func(research.State) string {
	return func(research.State) string { return text }
}

type registry struct {
	backend research.Backend
	fetcher research.ContentFetcher
	opts    Options
}

func (r *registry) improve(ctx context.Context, sc *engine.StepContext[research.State]) error {
	question := strings.TrimSpace(sc.State().Question)

	imp, err := r.backend.ImproveQuestion(ctx, question)
	if err != nil {
		return fmt.Errorf("improve question: %w", err)
	}

	sc.Update(func(s *research.State) {
		s.Improvement = imp
		s.UseImproved = strings.TrimSpace(imp.ImprovedQuestion) != ""
	})
	sc.Advance()
	return nil
}

func (r *registry) analyze(ctx context.Context, sc *engine.StepContext[research.State]) error {
	question := sc.State().ChosenQuestion()

	dec, err := r.backend.AnalyzeQuestionStream(ctx, question)
	if err != nil {
		return fmt.Errorf("analyze question: %w", err)
	}
	return engine.StreamText(sc, dec, r.opts.EmptyStream, func(s *research.State, md string) {
		s.AnalysisMarkdown = md
		s.Analysis = research.ParseAnalysis(md)
	})
}

func (r *registry) expand(ctx context.Context, sc *engine.StepContext[research.State]) error {
	st := sc.State()
	enhanced := research.EnhancedQuestion(st.ChosenQuestion(), st.Analysis)
	if !sc.Update(func(s *research.State) {
		s.EnhancedQuestion = enhanced
		s.SelectedQueries.Clear()
	}) {
		return nil
	}

	dec, err := r.backend.ExpandQuestionStream(ctx, enhanced)
	if err != nil {
		return fmt.Errorf("expand question: %w", err)
	}
	err = engine.StreamText(sc, dec, r.opts.EmptyStream, func(s *research.State, md string) {
		s.Expanded = research.ExpandedQueries{
			Queries:  research.ParseQueries(md),
			Markdown: md,
		}
		s.SelectedQueries.Retain(s.Expanded.Queries)
	})
	if err != nil {
		return err
	}

	if r.opts.AutoSelect {
		sc.Update(func(s *research.State) {
			for _, q := range s.Expanded.Queries {
				s.SelectedQueries.Add(q)
			}
		})
	}
	return nil
}

func (r *registry) search(ctx context.Context, sc *engine.StepContext[research.State]) error {
	st := sc.State()
	queries := st.SelectedQueries.In(st.Expanded.Queries)
	if !sc.Update(func(s *research.State) {
		s.SearchResults = nil
		s.SelectedSources.Clear()
	}) {
		return nil
	}

	dec, err := r.backend.ExecuteQueriesStream(ctx, queries)
	if err != nil {
		return fmt.Errorf("execute queries: %w", err)
	}
	err = engine.StreamJSONLines(sc, dec, r.opts.EmptyStream, func(s *research.State, batch []research.SearchResult) {
		s.SearchResults = research.MergeResults(s.SearchResults, r.allowed(batch))
	})
	if err != nil {
		return err
	}

	if r.opts.AutoSelect {
		sc.Update(func(s *research.State) {
			for _, res := range s.SearchResults {
				s.SelectedSources.Add(res)
			}
		})
	}
	return nil
}

func (r *registry) allowed(batch []research.SearchResult) []research.SearchResult {
	if r.opts.Exclude == nil {
		return batch
	}
	kept := batch[:0:0]
	for _, res := range batch {
		if !r.opts.Exclude.Excluded(res.Link) {
			kept = append(kept, res)
		}
	}
	return kept
}

func (r *registry) fetch(ctx context.Context, sc *engine.StepContext[research.State]) error {
	st := sc.State()
	selected := st.SelectedSources.In(st.SearchResults)
	urls := make([]string, 0, len(selected))
	for _, res := range selected {
		urls = append(urls, res.Link)
	}

	content, err := r.fetcher.FetchURLs(ctx, urls)
	if err != nil {
		return fmt.Errorf("fetch sources: %w", err)
	}

	failed := 0
	for _, c := range content {
		if !c.OK() {
			failed++
			sc.Logger().Warn("Source fetch failed", "url", c.URL, "error", c.Error)
		}
	}
	sc.Logger().Info("Sources fetched", "requested", len(urls), "failed", failed)

	if sc.Update(func(s *research.State) { s.SourceContent = content }) {
		sc.Advance()
	}
	return nil
}

func (r *registry) answer(ctx context.Context, sc *engine.StepContext[research.State]) error {
	st := sc.State()
	question := st.ChosenQuestion()
	// The answer is grounded on the enhanced question when expansion ran.
	prompt := st.EnhancedQuestion
	if prompt == "" {
		prompt = question
	}

	ans, err := r.backend.GetResearchAnswer(ctx, prompt, st.FetchedSources())
	if err != nil {
		return fmt.Errorf("generate answer: %w", err)
	}
	if !sc.Update(func(s *research.State) {
		s.Answer = ans
		s.Evaluation = nil
	}) {
		return nil
	}

	eval, err := r.backend.EvaluateAnswer(ctx, question, st.Analysis, ans.Answer)
	if err != nil {
		return fmt.Errorf("evaluate answer: %w", err)
	}
	if sc.Update(func(s *research.State) { s.Evaluation = eval }) {
		sc.Advance()
	}
	return nil
}
