package research

import (
	"slices"
	"strings"

	"github.com/c360studio/semresearch/selection"
)

// State is every slot the wizard carries between steps. It is owned by the
// workflow engine; steps read a clone and write through the engine.
type State struct {
	// Question is the user's own wording, editable on the first two steps.
	Question string

	Improvement *Improvement
	// UseImproved chooses Improvement.ImprovedQuestion over Question.
	UseImproved bool

	AnalysisMarkdown string
	Analysis         *AnalysisResult

	EnhancedQuestion string
	Expanded         ExpandedQueries
	SelectedQueries  *selection.Set[string]

	SearchResults   []SearchResult
	SelectedSources *selection.Set[SearchResult]

	SourceContent []URLContent
	Answer        *ResearchAnswer
	Evaluation    *Evaluation
}

// NewState returns a State with every slot empty.
func NewState() State {
	return State{
		SelectedQueries: selection.Strings(),
		SelectedSources: selection.New(SearchResult.Key),
	}
}

// ChosenQuestion is the question the remaining steps work on.
func (s State) ChosenQuestion() string {
	if s.UseImproved && s.Improvement != nil && strings.TrimSpace(s.Improvement.ImprovedQuestion) != "" {
		return s.Improvement.ImprovedQuestion
	}
	return s.Question
}

// FetchedSources returns the source content that was fetched without error.
func (s State) FetchedSources() []URLContent {
	var ok []URLContent
	for _, c := range s.SourceContent {
		if c.OK() {
			ok = append(ok, c)
		}
	}
	return ok
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := s
	if s.Improvement != nil {
		imp := *s.Improvement
		imp.Analysis = QuestionAnalysis{
			ClarityIssues:          slices.Clone(s.Improvement.Analysis.ClarityIssues),
			ScopeIssues:            slices.Clone(s.Improvement.Analysis.ScopeIssues),
			PrecisionIssues:        slices.Clone(s.Improvement.Analysis.PrecisionIssues),
			ImplicitAssumptions:    slices.Clone(s.Improvement.Analysis.ImplicitAssumptions),
			MissingContext:         slices.Clone(s.Improvement.Analysis.MissingContext),
			StructuralImprovements: slices.Clone(s.Improvement.Analysis.StructuralImprovements),
		}
		c.Improvement = &imp
	}
	if s.Analysis != nil {
		c.Analysis = s.Analysis.clone()
	}
	c.Expanded = ExpandedQueries{
		Queries:  slices.Clone(s.Expanded.Queries),
		Markdown: s.Expanded.Markdown,
	}
	c.SelectedQueries = s.SelectedQueries.Clone()
	c.SearchResults = slices.Clone(s.SearchResults)
	c.SelectedSources = s.SelectedSources.Clone()
	c.SourceContent = slices.Clone(s.SourceContent)
	if s.Answer != nil {
		a := *s.Answer
		a.SourcesUsed = slices.Clone(s.Answer.SourcesUsed)
		c.Answer = &a
	}
	if s.Evaluation != nil {
		e := *s.Evaluation
		e.MissingAspects = slices.Clone(s.Evaluation.MissingAspects)
		e.ImprovementSuggestions = slices.Clone(s.Evaluation.ImprovementSuggestions)
		e.ConflictingAspects = slices.Clone(s.Evaluation.ConflictingAspects)
		c.Evaluation = &e
	}
	return c
}

func (a *AnalysisResult) clone() *AnalysisResult {
	return &AnalysisResult{
		KeyComponents:         slices.Clone(a.KeyComponents),
		ScopeBoundaries:       slices.Clone(a.ScopeBoundaries),
		SuccessCriteria:       slices.Clone(a.SuccessCriteria),
		ConflictingViewpoints: slices.Clone(a.ConflictingViewpoints),
	}
}
