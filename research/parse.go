package research

import (
	"fmt"
	"strings"

	"github.com/c360studio/semresearch/sections"
)

// Section keys for the four analysis categories.
const (
	SectionKeyComponents         = "key_components"
	SectionScopeBoundaries       = "scope_boundaries"
	SectionSuccessCriteria       = "success_criteria"
	SectionConflictingViewpoints = "conflicting_viewpoints"
)

// AnalysisCatalog recognizes the headings of a streamed question analysis.
var AnalysisCatalog = sections.Catalog{
	{Key: SectionKeyComponents, Match: "key components"},
	{Key: SectionScopeBoundaries, Match: "scope boundaries"},
	{Key: SectionSuccessCriteria, Match: "success criteria"},
	{Key: SectionConflictingViewpoints, Match: "conflicting viewpoints"},
}

// ParseAnalysis derives an AnalysisResult from the accumulated analysis
// markdown. Missing sections are empty lists.
func ParseAnalysis(markdown string) *AnalysisResult {
	parsed := sections.Parse(markdown, AnalysisCatalog)
	return &AnalysisResult{
		KeyComponents:         parsed[SectionKeyComponents],
		ScopeBoundaries:       parsed[SectionScopeBoundaries],
		SuccessCriteria:       parsed[SectionSuccessCriteria],
		ConflictingViewpoints: parsed[SectionConflictingViewpoints],
	}
}

// ParseQueries extracts "- " items from accumulated expansion markdown. Queries
// are deduplicated by NormalizeQuery; the first spelling seen is kept.
func ParseQueries(markdown string) []string {
	items := sections.ListItems(markdown)
	seen := make(map[string]struct{}, len(items))
	queries := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		key := NormalizeQuery(item)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		queries = append(queries, item)
	}
	return queries
}

// NormalizeQuery is the dedup key of a query: lower case with runs of
// whitespace collapsed.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

// MergeResults appends batch to results, skipping any link already present.
func MergeResults(results, batch []SearchResult) []SearchResult {
	seen := make(map[string]struct{}, len(results)+len(batch))
	for _, r := range results {
		seen[r.Key()] = struct{}{}
	}
	for _, r := range batch {
		if r.Link == "" {
			continue
		}
		if _, dup := seen[r.Key()]; dup {
			continue
		}
		seen[r.Key()] = struct{}{}
		results = append(results, r)
	}
	return results
}

// EnhancedQuestion folds the analysis into the question text sent for expansion.
func EnhancedQuestion(question string, a *AnalysisResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original Question: %s\n", strings.TrimSpace(question))
	if a == nil {
		return strings.TrimSpace(b.String())
	}
	writeList(&b, "Key Components", a.KeyComponents)
	writeList(&b, "Scope Boundaries", a.ScopeBoundaries)
	writeList(&b, "Success Criteria", a.SuccessCriteria)
	return strings.TrimSpace(b.String())
}

func writeList(b *strings.Builder, title string, items []string) {
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}
