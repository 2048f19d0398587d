// Package research holds the domain model of the research wizard and the
// boundary with the research backend.
package research

import (
	"context"

	"github.com/c360studio/semresearch/stream"
)

// QuestionAnalysis lists the issues found in a question, one list per category.
type QuestionAnalysis struct {
	ClarityIssues          []string `json:"clarity_issues"`
	ScopeIssues            []string `json:"scope_issues"`
	PrecisionIssues        []string `json:"precision_issues"`
	ImplicitAssumptions    []string `json:"implicit_assumptions"`
	MissingContext         []string `json:"missing_context"`
	StructuralImprovements []string `json:"structural_improvements"`
}

// Improvement is the backend's rewrite of a question. It is produced once per
// question and never partially updated.
type Improvement struct {
	OriginalQuestion string           `json:"original_question"`
	ImprovedQuestion string           `json:"improved_question"`
	Analysis         QuestionAnalysis `json:"analysis"`
	Explanation      string           `json:"improvement_explanation"`
}

// AnalysisResult is the structured breakdown of a question, derived from
// streamed markdown.
type AnalysisResult struct {
	KeyComponents         []string `json:"key_components"`
	ScopeBoundaries       []string `json:"scope_boundaries"`
	SuccessCriteria       []string `json:"success_criteria"`
	ConflictingViewpoints []string `json:"conflicting_viewpoints"`
}

// ExpandedQueries are the search queries derived from a question, in order of
// first appearance, alongside the raw markdown they were parsed from.
type ExpandedQueries struct {
	Queries  []string `json:"queries"`
	Markdown string   `json:"markdown"`
}

// SearchResult is one hit returned by query execution. Link is its identity.
type SearchResult struct {
	Title          string  `json:"title"`
	Link           string  `json:"link"`
	Snippet        string  `json:"snippet"`
	DisplayLink    string  `json:"displayLink"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Key returns the stable identity of the result.
func (r SearchResult) Key() string {
	return r.Link
}

// URLContent is the fetched text of one source. Error is set when that URL
// could not be fetched; the rest of its batch is still usable.
type URLContent struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Text        string `json:"text"`
	Error       string `json:"error,omitempty"`
	ContentType string `json:"content_type"`
}

// OK reports whether the content was fetched successfully.
func (c URLContent) OK() bool {
	return c.Error == ""
}

// ResearchAnswer is the synthesized answer. ConfidenceScore is in [0,100].
type ResearchAnswer struct {
	Answer          string   `json:"answer"`
	SourcesUsed     []string `json:"sources_used"`
	ConfidenceScore float64  `json:"confidence_score"`
}

// ConflictingAspect describes a point on which sources disagree.
type ConflictingAspect struct {
	Aspect   string `json:"aspect"`
	Conflict string `json:"conflict"`
}

// Evaluation grades an answer. Scores are in [0,100].
type Evaluation struct {
	CompletenessScore      float64             `json:"completeness_score"`
	AccuracyScore          float64             `json:"accuracy_score"`
	RelevanceScore         float64             `json:"relevance_score"`
	OverallScore           float64             `json:"overall_score"`
	MissingAspects         []string            `json:"missing_aspects"`
	ImprovementSuggestions []string            `json:"improvement_suggestions"`
	ConflictingAspects     []ConflictingAspect `json:"conflicting_aspects"`
}

// Token is a bearer credential issued by the backend.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Username    string `json:"username"`
}

// ContentFetcher retrieves the text of a batch of URLs. Per-URL failures are
// reported in URLContent.Error; an error return fails the whole batch.
type ContentFetcher interface {
	FetchURLs(ctx context.Context, urls []string) ([]URLContent, error)
}

// Backend is the research service. Streaming calls return a Decoder the
// caller must drain or Close.
type Backend interface {
	ContentFetcher

	ImproveQuestion(ctx context.Context, question string) (*Improvement, error)
	AnalyzeQuestionStream(ctx context.Context, question string) (*stream.Decoder, error)
	ExpandQuestionStream(ctx context.Context, enhancedQuestion string) (*stream.Decoder, error)
	ExecuteQueriesStream(ctx context.Context, queries []string) (*stream.Decoder, error)
	GetResearchAnswer(ctx context.Context, question string, sources []URLContent) (*ResearchAnswer, error)
	EvaluateAnswer(ctx context.Context, question string, analysis *AnalysisResult, answer string) (*Evaluation, error)
}
