package research

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// EditKind classifies a span of a question diff.
type EditKind int

const (
	EditEqual EditKind = iota
	EditInsert
	EditDelete
)

// Edit is one span of the change from the original question to the improved one.
type Edit struct {
	Kind EditKind
	Text string
}

// QuestionDiff returns the semantic diff between the original and improved
// question. Nil when there is no improvement.
func (imp *Improvement) QuestionDiff() []Edit {
	if imp == nil {
		return nil
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(imp.OriginalQuestion, imp.ImprovedQuestion, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	edits := make([]Edit, 0, len(diffs))
	for _, d := range diffs {
		var kind EditKind
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			kind = EditInsert
		case diffmatchpatch.DiffDelete:
			kind = EditDelete
		default:
			kind = EditEqual
		}
		edits = append(edits, Edit{Kind: kind, Text: d.Text})
	}
	return edits
}

// RenderDiff renders edits inline, marking deletions [-like this-] and
// insertions {+like this+}.
func RenderDiff(edits []Edit) string {
	var b strings.Builder
	for _, e := range edits {
		switch e.Kind {
		case EditInsert:
			b.WriteString("{+" + e.Text + "+}")
		case EditDelete:
			b.WriteString("[-" + e.Text + "-]")
		default:
			b.WriteString(e.Text)
		}
	}
	return b.String()
}
