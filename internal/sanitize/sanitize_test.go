package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "basic formatting",
			input: `<strong>bold</strong> <em>i</em> <code>x()</code><br>`,
			want:  `<strong>bold</strong> <em>i</em> <code>x()</code><br>`,
		},
		{
			name:  "allowed anchor drops extra attributes",
			input: `<a href="https://example.com" onclick="x">ok</a>`,
			want:  `<a href="https://example.com" rel="noopener nofollow ugc">ok</a>`,
		},
		{
			name:  "javascript anchor keeps text",
			input: `<a href="javascript:alert(1)">bad</a>`,
			want:  `bad`,
		},
		{
			name:  "unknown tags stripped",
			input: `<div>text <span>inside</span></div>`,
			want:  `text inside`,
		},
		{
			name:  "single quoted mailto",
			input: `<a class='x' href='mailto:me@example.com'>mail</a>`,
			want:  `<a href="mailto:me@example.com" rel="noopener nofollow ugc">mail</a>`,
		},
		{
			name:  "unquoted href",
			input: `<A HREF=http://example.com/x>x</A>`,
			want:  `<a href="http://example.com/x" rel="noopener nofollow ugc">x</a>`,
		},
		{
			name:  "simple tag attributes and casing",
			input: `<STRONG class="big">a</Strong><em style="x">b</em>`,
			want:  `<strong>a</strong><em>b</em>`,
		},
		{
			name:  "br forms",
			input: `a<br/>b<BR class="x" />c</br>`,
			want:  `a<br>b<br>c`,
		},
		{
			name:  "script content kept as text",
			input: `<script>alert(1)</script>`,
			want:  `alert(1)`,
		},
		{
			name:  "unpaired anchor dropped",
			input: `<a href="https://example.com">dangling`,
			want:  `dangling`,
		},
		{
			name:  "nested disallowed collapse",
			input: `<p><b><i>deep</i></b></p>`,
			want:  `deep`,
		},
		{
			name:  "stray angle bracket escaped",
			input: `1 < 2`,
			want:  `1 &lt; 2`,
		},
		{
			name:  "crlf normalized",
			input: "a\r\nb",
			want:  "a\nb",
		},
		{
			name:  "handler at start of a text run",
			input: `<em>onclick=alert(1)</em> kept`,
			want:  `<em></em> kept`,
		},
		{
			name:  "handler joined to text across a stripped tag",
			input: `<div>x</div>onclick="go()"`,
			want:  `x`,
		},
		{
			name:  "empty",
			input: "",
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTML(tt.input))
		})
	}
}

func TestHTMLIsIdempotent(t *testing.T) {
	inputs := []string{
		`<a href="https://example.com" onclick="x">ok</a>`,
		`<a href="https://a.com/ onmouseover=alert(1)">x</a>`,
		`javajavascript:script:alert(1)`,
		` o onx=1nclick=alert(1)`,
		`<a href="https://a.com">one <a href="https://b.com">two</a> three</a>`,
		`<strong><a href='http://x.com/"quoted"'>q</a></strong>`,
		`<img src=x onerror=alert(1)>caption`,
		`a < b > c`,
		`<<script>>alert(1)<</script>`,
		`text onclick="<strong>" more</strong>`,
		`<a href="https://x.com/?a=<b>">x</a>`,
		`onclick=alert(1)`,
		`<em>onclick=alert(1)</em>`,
		`<div>x</div>onclick="go()"`,
		strings.Repeat(`<em>`, 10) + "deep" + strings.Repeat(`</em>`, 3),
	}
	for _, in := range inputs {
		once := HTML(in)
		assert.Equal(t, once, HTML(once), "input %q", in)
	}
}

func TestHTMLRemovesDangerousFragments(t *testing.T) {
	inputs := []string{
		`<script>alert('hi')</script> readable`,
		`<div onclick="steal()">readable</div>`,
		`<a href="JaVaScRiPt:alert(1)">readable</a>`,
		`readable javascript:alert(1)`,
		`<span onclick=alert(1)>readable</span> x onclick=go()`,
		`onclick=alert(1) readable`,
		`<em>onclick=alert(1)</em>readable`,
		`<div>readable</div>onclick="go()"`,
		`readable<b>ONMOUSEOVER = 'x'</b>`,
	}
	for _, in := range inputs {
		out := HTML(in)
		lower := strings.ToLower(out)
		assert.NotContains(t, lower, "<script>", in)
		assert.NotContains(t, lower, "onclick=", in)
		assert.NotContains(t, lower, "javascript:", in)
		assert.Contains(t, out, "readable", in)
	}
}
