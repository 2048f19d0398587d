package fetch

import (
	"bytes"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var blankRunRe = regexp.MustCompile(`\n{4,}`)

// Page is a converted document.
type Page struct {
	Title    string
	Markdown string
}

// Converter turns fetched HTML into markdown the answer step can cite. It
// keeps the main content area and drops page chrome.
type Converter struct {
	md *md.Converter
}

// NewConverter creates a converter with GitHub-flavored output (tables,
// strikethrough, task lists).
func NewConverter() *Converter {
	c := md.NewConverter("", true, nil)
	c.Use(plugin.GitHubFlavored())
	return &Converter{md: c}
}

// Convert parses doc once, picks the title and the main content node, and
// converts that node to markdown.
func (c *Converter) Convert(doc []byte) (*Page, error) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return nil, err
	}

	title := documentTitle(root)
	body := mainContent(root)

	var buf strings.Builder
	if err := html.Render(&buf, body); err != nil {
		return nil, err
	}
	markdown, err := c.md.ConvertString(buf.String())
	if err != nil {
		return nil, err
	}
	markdown = tidyMarkdown(markdown)

	if title == "" {
		title = firstHeading(markdown)
	}
	return &Page{Title: title, Markdown: markdown}, nil
}

// Regions tried in order before falling back to a stripped <body>.
var contentRegions = []func(*html.Node) bool{
	isTag(atom.Main),
	isTag(atom.Article),
	hasAttr("role", "main"),
}

var chromeTags = map[atom.Atom]bool{
	atom.Nav: true, atom.Header: true, atom.Footer: true, atom.Aside: true,
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Iframe: true,
	atom.Object: true, atom.Embed: true, atom.Form: true, atom.Input: true,
	atom.Button: true, atom.Svg: true,
}

var chromeClasses = map[string]bool{
	"nav": true, "navbar": true, "navigation": true, "sidebar": true, "menu": true,
	"toc": true, "table-of-contents": true, "footer": true, "header": true, "ad": true,
	"advertisement": true, "social": true, "share": true, "comments": true,
	"related": true, "breadcrumb": true, "cookie-banner": true,
}

func mainContent(root *html.Node) *html.Node {
	for _, match := range contentRegions {
		if n := find(root, match); n != nil {
			prune(n, isTag(atom.Script), isTag(atom.Style))
			return n
		}
	}
	prune(root, isChrome)
	if body := find(root, isTag(atom.Body)); body != nil {
		return body
	}
	return root
}

func documentTitle(root *html.Node) string {
	n := find(root, isTag(atom.Title))
	if n == nil || n.FirstChild == nil {
		return ""
	}
	return strings.Join(strings.Fields(n.FirstChild.Data), " ")
}

func isTag(a atom.Atom) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == a
	}
}

func hasAttr(key, val string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		for _, a := range n.Attr {
			if a.Key == key && a.Val == val {
				return true
			}
		}
		return false
	}
}

func isChrome(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if chromeTags[n.DataAtom] {
		return true
	}
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, class := range strings.Fields(strings.ToLower(a.Val)) {
			if chromeClasses[class] {
				return true
			}
		}
	}
	return false
}

// find returns the first node in document order matching fn.
func find(n *html.Node, fn func(*html.Node) bool) *html.Node {
	if fn(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, fn); found != nil {
			return found
		}
	}
	return nil
}

// prune detaches every descendant of n matching any of fns.
func prune(n *html.Node, fns ...func(*html.Node) bool) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		matched := false
		for _, fn := range fns {
			if fn(c) {
				matched = true
				break
			}
		}
		if matched {
			n.RemoveChild(c)
		} else {
			prune(c, fns...)
		}
		c = next
	}
}

func tidyMarkdown(s string) string {
	s = blankRunRe.ReplaceAllString(s, "\n\n\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func firstHeading(markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "# "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}
