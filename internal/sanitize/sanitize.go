// Package sanitize implements the inline HTML allow-list applied to every
// stored or returned annotation body.
//
// The accepted grammar is closed: a, strong, em, code and br. Input is
// scanned as raw text; anything that looks like a tag but is not one of the
// five families is removed while its text is kept.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

const anchorRel = "noopener nofollow ugc"

var (
	hrefPattern      = regexp.MustCompile(`(?i)href\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s>]+))`)
	safeScheme       = regexp.MustCompile(`(?i)^(?:https?:|mailto:)`)
	// No word boundary: text runs join across stripped tags, so "x</div>onclick=" must match too.
	eventHandlerAttr = regexp.MustCompile(`(?i)on[a-z]+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`)
	javascriptScheme = regexp.MustCompile(`(?i)javascript\s*:`)
)

// tag is one `<...>` run of the input.
type tag struct {
	name    string
	closing bool
	raw     string
	start   int
	end     int
}

// segment is either emitted markup or a run of text waiting for the
// residual passes.
type segment struct {
	markup bool
	value  string
}

// HTML returns the sanitized form of input. It never fails and
// HTML(HTML(x)) == HTML(x).
func HTML(input string) string {
	if input == "" {
		return ""
	}
	normalized := strings.ReplaceAll(input, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	var out []segment
	out = render(normalized, out)

	var b strings.Builder
	b.Grow(len(normalized))
	for _, seg := range out {
		if seg.markup {
			b.WriteString(seg.value)
			continue
		}
		b.WriteString(cleanText(seg.value))
	}
	return b.String()
}

// render walks s, appending sanitized segments to out.
func render(s string, out []segment) []segment {
	pos := 0
	for pos < len(s) {
		t, ok := nextTag(s, pos)
		if !ok {
			out = appendText(out, s[pos:])
			break
		}
		out = appendText(out, s[pos:t.start])
		pos = t.end

		switch t.name {
		case "a":
			if t.closing {
				continue
			}
			closeStart, closeEnd, found := findAnchorClose(s, t.end)
			if !found {
				continue
			}
			inner := s[t.end:closeStart]
			pos = closeEnd
			href, allowed := anchorHref(t.raw)
			if !allowed {
				out = renderInner(inner, out)
				continue
			}
			out = append(out, segment{markup: true, value: `<a href="` + href + `" rel="` + anchorRel + `">`})
			out = renderInner(inner, out)
			out = append(out, segment{markup: true, value: "</a>"})
		case "strong", "em", "code":
			if t.closing {
				out = append(out, segment{markup: true, value: "</" + t.name + ">"})
			} else {
				out = append(out, segment{markup: true, value: "<" + t.name + ">"})
			}
		case "br":
			if !t.closing {
				out = append(out, segment{markup: true, value: "<br>"})
			}
		}
	}
	return out
}

// renderInner renders anchor content. Anchors do not nest, so any anchor
// tag found inside is dropped.
func renderInner(inner string, out []segment) []segment {
	pos := 0
	for pos < len(inner) {
		t, ok := nextTag(inner, pos)
		if !ok {
			return appendText(out, inner[pos:])
		}
		if t.name == "a" {
			out = appendText(out, inner[pos:t.start])
			pos = t.end
			continue
		}
		out = render(inner[pos:t.end], out)
		pos = t.end
	}
	return out
}

func appendText(out []segment, text string) []segment {
	if text == "" {
		return out
	}
	if n := len(out); n > 0 && !out[n-1].markup {
		out[n-1].value += text
		return out
	}
	return append(out, segment{value: text})
}

// nextTag finds the next `<...>` run at or after pos. A `<` with no later `>`
// is text.
func nextTag(s string, pos int) (tag, bool) {
	lt := strings.IndexByte(s[pos:], '<')
	if lt < 0 {
		return tag{}, false
	}
	start := pos + lt
	gt := strings.IndexByte(s[start+1:], '>')
	if gt < 0 {
		return tag{}, false
	}
	end := start + 1 + gt + 1
	raw := s[start:end]
	name, closing := tagName(raw)
	return tag{name: name, closing: closing, raw: raw, start: start, end: end}, true
}

// tagName extracts the lowercased element name of raw, which includes the
// angle brackets. Unknown shapes return an empty name.
func tagName(raw string) (string, bool) {
	body := raw[1 : len(raw)-1]
	body = strings.TrimLeftFunc(body, unicode.IsSpace)
	closing := false
	if strings.HasPrefix(body, "/") {
		closing = true
		body = strings.TrimLeftFunc(body[1:], unicode.IsSpace)
	}
	i := 0
	for i < len(body) && isNameByte(body[i]) {
		i++
	}
	return strings.ToLower(body[:i]), closing
}

func isNameByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// findAnchorClose locates the first `</a>` at or after pos.
func findAnchorClose(s string, pos int) (int, int, bool) {
	for pos < len(s) {
		t, ok := nextTag(s, pos)
		if !ok {
			return 0, 0, false
		}
		if t.name == "a" && t.closing {
			return t.start, t.end, true
		}
		pos = t.end
	}
	return 0, 0, false
}

// anchorHref returns the canonical href carried by an opening anchor tag and
// whether its scheme is allowed.
func anchorHref(opening string) (string, bool) {
	m := hrefPattern.FindStringSubmatch(opening)
	if m == nil {
		return "", false
	}
	href := m[1]
	if href == "" {
		href = m[2]
	}
	if href == "" {
		href = m[3]
	}
	href = stripResidue(href)
	href = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, href)
	if !safeScheme.MatchString(href) {
		return "", false
	}
	href = strings.ReplaceAll(href, `"`, "&quot;")
	href = strings.ReplaceAll(href, "<", "&lt;")
	href = strings.ReplaceAll(href, ">", "&gt;")
	return href, true
}

// cleanText applies the residual passes to a text run and escapes any `<`
// that did not start a tag.
func cleanText(text string) string {
	text = stripResidue(text)
	return strings.ReplaceAll(text, "<", "&lt;")
}

// stripResidue removes event-handler fragments and javascript: schemes until
// none remain; a single pass can join two halves into a new match.
func stripResidue(s string) string {
	for {
		next := eventHandlerAttr.ReplaceAllString(s, "")
		next = javascriptScheme.ReplaceAllString(next, "")
		if next == s {
			return s
		}
		s = next
	}
}
