package anchor

import (
	"fmt"
	"io"
	"slices"

	"golang.org/x/net/html"
)

// Document is the flattened text of a content root: every text leaf in
// document order, measured in codepoints.
type Document struct {
	leaves  [][]rune
	offsets []int
	text    []rune
}

// Point addresses a position inside one text leaf: Leaf is the leaf index in
// document order and Offset a codepoint offset within it.
type Point struct {
	Leaf   int
	Offset int
}

// Selection is a live selection between two points. Anchor and Focus may be
// in either order.
type Selection struct {
	Anchor Point
	Focus  Point
}

// ParseDocument reads an HTML fragment and collects its text leaves.
func ParseDocument(r io.Reader) (*Document, error) {
	nodes, err := html.ParseFragment(r, &html.Node{Type: html.ElementNode, Data: "div"})
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc := &Document{}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode && n.Data != "" {
			doc.add(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return doc, nil
}

// NewDocument builds a Document from already extracted text leaves.
func NewDocument(leaves ...string) *Document {
	doc := &Document{}
	for _, leaf := range leaves {
		doc.add(leaf)
	}
	return doc
}

func (d *Document) add(text string) {
	runes := []rune(text)
	d.offsets = append(d.offsets, len(d.text))
	d.leaves = append(d.leaves, runes)
	d.text = append(d.text, runes...)
}

// Text returns the concatenated text of all leaves.
func (d *Document) Text() string {
	return string(d.text)
}

// Len is the document length in codepoints.
func (d *Document) Len() int {
	return len(d.text)
}

// Leaves is the number of text leaves.
func (d *Document) Leaves() int {
	return len(d.leaves)
}

// Offset converts a point to a document offset. Points outside the document
// report false.
func (d *Document) Offset(p Point) (int, bool) {
	if p.Leaf < 0 || p.Leaf >= len(d.leaves) {
		return 0, false
	}
	if p.Offset < 0 || p.Offset > len(d.leaves[p.Leaf]) {
		return 0, false
	}
	return d.offsets[p.Leaf] + p.Offset, true
}

// Serialize turns a selection into an envelope for source. It returns false
// when the selection is collapsed or either end lies outside the document.
func (d *Document) Serialize(source string, sel Selection) (Envelope, bool) {
	a, ok := d.Offset(sel.Anchor)
	if !ok {
		return Envelope{}, false
	}
	f, ok := d.Offset(sel.Focus)
	if !ok {
		return Envelope{}, false
	}
	start, end := min(a, f), max(a, f)
	return d.SerializeRange(source, start, end)
}

// SerializeRange builds an envelope for the codepoint range [start, end).
func (d *Document) SerializeRange(source string, start, end int) (Envelope, bool) {
	if start < 0 || end > len(d.text) || start >= end {
		return Envelope{}, false
	}
	exact := string(d.text[start:end])
	prefix := string(d.text[max(0, start-ContextLength):start])
	suffix := string(d.text[end:min(len(d.text), end+ContextLength)])
	return Envelope{
		Type: EnvelopeType,
		Target: Target{
			Source: source,
			Selector: []Selector{
				{Type: TypeTextPosition, Start: start, End: end, Unit: UnitCodepoint},
				{Type: TypeTextQuote, Exact: exact, Prefix: prefix, Suffix: suffix},
			},
		},
	}, true
}

// Locate finds where env's quote sits in this document. The stored position
// wins when it still covers the exact text; otherwise every occurrence of
// the quote is scored by how much of its prefix and suffix still match, ties
// going to the occurrence nearest the stored start.
func (d *Document) Locate(env Envelope) (start, end int, ok bool) {
	quote, hasQuote := env.Quote()
	if !hasQuote || quote.Exact == "" {
		return 0, 0, false
	}
	exact := []rune(quote.Exact)
	hint := 0
	if pos, hasPos := env.Position(); hasPos {
		hint = pos.Start
		if pos.Start >= 0 && pos.End <= len(d.text) && pos.End-pos.Start == len(exact) &&
			string(d.text[pos.Start:pos.End]) == quote.Exact {
			return pos.Start, pos.End, true
		}
	}

	prefix := []rune(quote.Prefix)
	suffix := []rune(quote.Suffix)
	best, bestScore, bestDistance := -1, -1, 0
	for from := 0; from+len(exact) <= len(d.text); {
		idx := indexRunes(d.text, exact, from)
		if idx < 0 {
			break
		}
		score := commonSuffix(d.text[:idx], prefix) + commonPrefix(d.text[idx+len(exact):], suffix)
		distance := abs(idx - hint)
		if score > bestScore || (score == bestScore && distance < bestDistance) {
			best, bestScore, bestDistance = idx, score, distance
		}
		from = idx + 1
	}
	if best < 0 {
		return 0, 0, false
	}
	return best, best + len(exact), true
}

func indexRunes(haystack, needle []rune, from int) int {
	if len(needle) == 0 {
		return -1
	}
	for i := from; i+len(needle) <= len(haystack); i++ {
		if slices.Equal(haystack[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}

// commonSuffix counts how many trailing runes of text match the end of want.
func commonSuffix(text, want []rune) int {
	n := 0
	for n < len(text) && n < len(want) && text[len(text)-1-n] == want[len(want)-1-n] {
		n++
	}
	return n
}

// commonPrefix counts how many leading runes of text match the start of want.
func commonPrefix(text, want []rune) int {
	n := 0
	for n < len(text) && n < len(want) && text[n] == want[n] {
		n++
	}
	return n
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
