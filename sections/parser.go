// Package sections extracts bulleted sections from markdown-like text that is
// still being streamed.
//
// Parsing is a pure function of the accumulated text: callers re-parse the
// whole buffer after every fragment and replace their previous result. A
// section becomes visible once its heading line and at least one complete
// "- " item are in the buffer.
package sections

import "strings"

const (
	// headingDelimiter separates level-2 sections.
	headingDelimiter = "\n## "

	itemPrefix = "- "
)

// Heading binds a result key to a title fragment. A section belongs to the
// first Heading whose Match appears anywhere in its title line, compared
// case-insensitively.
type Heading struct {
	Key   string
	Match string
}

// Catalog is the ordered set of sections a parse recognizes.
type Catalog []Heading

// Keys returns the result keys in catalog order.
func (c Catalog) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}

func (c Catalog) lookup(title string) (string, bool) {
	title = strings.ToLower(title)
	for _, h := range c {
		if strings.Contains(title, strings.ToLower(h.Match)) {
			return h.Key, true
		}
	}
	return "", false
}

// Parse splits text into "## " sections and returns the bullet items of every
// recognized section keyed by Heading.Key. Every catalog key is present in the
// result; unmatched sections are dropped. When a title repeats, the later
// section wins.
func Parse(text string, catalog Catalog) map[string][]string {
	out := make(map[string][]string, len(catalog))
	for _, key := range catalog.Keys() {
		out[key] = []string{}
	}

	for _, segment := range strings.Split(text, headingDelimiter) {
		title, body, _ := strings.Cut(segment, "\n")
		key, ok := catalog.lookup(title)
		if !ok {
			continue
		}
		out[key] = ListItems(body)
	}
	return out
}

// ListItems returns the text of every line whose trimmed form starts with
// "- ", in order, with that prefix removed.
func ListItems(text string) []string {
	items := []string{}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if item, ok := strings.CutPrefix(trimmed, itemPrefix); ok {
			items = append(items, item)
		}
	}
	return items
}
