package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/c360studio/semresearch/research"
	"github.com/c360studio/semresearch/workflow/engine"
)

// researcher is the engine surface the ask command drives.
type researcher interface {
	Run(ctx context.Context) error
	Update(fn func(*research.State))
	Snapshot() engine.Snapshot[research.State]
}

// askQuestion runs every step for question and returns the final state.
// A failed step returns its user-facing message.
func askQuestion(ctx context.Context, r researcher, question string, progress io.Writer) (research.State, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return research.State{}, errors.New("question is empty")
	}
	r.Update(func(s *research.State) { s.Question = question })

	for {
		snap := r.Snapshot()
		if snap.Last() {
			return snap.State, nil
		}
		view := snap.Current()
		if view.Disabled {
			return snap.State, fmt.Errorf("cannot continue past %q: nothing to %s", view.Label, strings.ToLower(view.ActionText))
		}

		fmt.Fprintf(progress, "→ %s…\n", view.ActionText)
		err := r.Run(ctx)

		after := r.Snapshot()
		switch {
		case after.LastError != "":
			return after.State, errors.New(after.LastError)
		case err != nil:
			return after.State, err
		case after.Index == snap.Index:
			return after.State, fmt.Errorf("%q produced no data", view.Label)
		}
	}
}

// printResult writes the answer, its sources and the evaluation.
func printResult(w io.Writer, s research.State) {
	fmt.Fprintf(w, "Question: %s\n\n", s.ChosenQuestion())

	a := s.Answer
	if a == nil {
		fmt.Fprintln(w, "No answer.")
		return
	}
	fmt.Fprintln(w, strings.TrimSpace(a.Answer))
	fmt.Fprintf(w, "\nConfidence: %.1f%%\n", a.ConfidenceScore)

	if len(a.SourcesUsed) > 0 {
		fmt.Fprintln(w, "\nSources:")
		for i, src := range a.SourcesUsed {
			fmt.Fprintf(w, "  [%d] %s\n", i+1, src)
		}
	}

	var failed []research.URLContent
	for _, c := range s.SourceContent {
		if !c.OK() {
			failed = append(failed, c)
		}
	}
	if len(failed) > 0 {
		fmt.Fprintln(w, "\nUnreadable sources:")
		for _, c := range failed {
			fmt.Fprintf(w, "  %s: %s\n", c.URL, c.Error)
		}
	}

	e := s.Evaluation
	if e == nil {
		return
	}
	fmt.Fprintln(w, "\nEvaluation:")
	fmt.Fprintf(w, "  Overall %.1f  Completeness %.1f  Accuracy %.1f  Relevance %.1f\n",
		e.OverallScore, e.CompletenessScore, e.AccuracyScore, e.RelevanceScore)
	printList(w, "Missing aspects", e.MissingAspects)
	printList(w, "Suggestions", e.ImprovementSuggestions)
	if len(e.ConflictingAspects) > 0 {
		fmt.Fprintln(w, "  Conflicts:")
		for _, c := range e.ConflictingAspects {
			fmt.Fprintf(w, "    - %s: %s\n", c.Aspect, c.Conflict)
		}
	}
}

func printList(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "  %s:\n", title)
	for _, item := range items {
		fmt.Fprintf(w, "    - %s\n", item)
	}
}
