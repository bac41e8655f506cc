package anchor

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validEnvelope = `{
	"type": "Annotation",
	"target": {
		"source": "/posts/test",
		"selector": [
			{"type": "TextQuoteSelector", "exact": "hello world"},
			{"type": "TextPositionSelector", "start": 0, "end": 11, "unit": "codepoint"}
		]
	}
}`

func TestParseAcceptsCompleteEnvelope(t *testing.T) {
	env, err := Parse([]byte(validEnvelope))
	require.NoError(t, err)

	quote, ok := env.Quote()
	require.True(t, ok)
	assert.Equal(t, "hello world", quote.Exact)

	pos, ok := env.Position()
	require.True(t, ok)
	assert.Equal(t, 0, pos.Start)
	assert.Equal(t, 11, pos.End)
	assert.Equal(t, "/posts/test", env.Target.Source)
}

func TestParseRejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", ``, ErrMalformed},
		{"not json", `{"type":`, ErrMalformed},
		{"selector not a list", `{"target":{"selector":"x"}}`, ErrMalformed},
		{"no selector list", `{"target":{"source":"/posts/a"}}`, ErrMalformed},
		{"position without end", `{"target":{"selector":[{"type":"TextQuoteSelector","exact":"a"},{"type":"TextPositionSelector","start":1}]}}`, ErrMalformed},
		{"inverted range", `{"target":{"selector":[{"type":"TextQuoteSelector","exact":"a"},{"type":"TextPositionSelector","start":4,"end":2}]}}`, ErrMalformed},
		{"empty exact", `{"target":{"selector":[{"type":"TextQuoteSelector","exact":""},{"type":"TextPositionSelector","start":0,"end":2}]}}`, ErrMalformed},
		{"quote only", `{"target":{"selector":[{"type":"TextQuoteSelector","exact":"a"}]}}`, ErrMissingSelector},
		{"position only", `{"target":{"selector":[{"type":"TextPositionSelector","start":0,"end":1}]}}`, ErrMissingSelector},
		{"empty list", `{"target":{"selector":[]}}`, ErrMissingSelector},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestEnvelopeRoundTripKeepsZeroStart(t *testing.T) {
	env, err := Parse([]byte(validEnvelope))
	require.NoError(t, err)
	encoded, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"start":0`)
	assert.Contains(t, string(encoded), `"unit":"codepoint"`)
}

func TestParseDocumentFlattensInlineMarkup(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader(`<p>Hello <em>brave</em> new</p><p>wörld</p>`))
	require.NoError(t, err)
	assert.Equal(t, "Hello brave newwörld", doc.Text())
	assert.Equal(t, 4, doc.Leaves())
	assert.Equal(t, 20, doc.Len())
}

func TestSerializeUsesCodepoints(t *testing.T) {
	doc := NewDocument("café ", "au ", "lait")
	env, ok := doc.Serialize("/posts/cafe", Selection{
		Anchor: Point{Leaf: 2, Offset: 4},
		Focus:  Point{Leaf: 0, Offset: 2},
	})
	require.True(t, ok)

	pos, _ := env.Position()
	quote, _ := env.Quote()
	assert.Equal(t, 2, pos.Start)
	assert.Equal(t, 12, pos.End)
	assert.Equal(t, "fé au lait", quote.Exact)
	assert.Equal(t, "ca", quote.Prefix)
	assert.Equal(t, "", quote.Suffix)
	require.NoError(t, Validate(env))
}

func TestSerializeClipsContext(t *testing.T) {
	doc := NewDocument(strings.Repeat("a", 40) + "TARGET" + strings.Repeat("b", 40))
	env, ok := doc.SerializeRange("/posts/x", 40, 46)
	require.True(t, ok)
	quote, _ := env.Quote()
	assert.Equal(t, strings.Repeat("a", ContextLength), quote.Prefix)
	assert.Equal(t, strings.Repeat("b", ContextLength), quote.Suffix)
}

func TestSerializeRejectsCollapsedAndOutside(t *testing.T) {
	doc := NewDocument("abc", "def")
	_, ok := doc.Serialize("/p", Selection{Anchor: Point{0, 1}, Focus: Point{0, 1}})
	assert.False(t, ok)
	_, ok = doc.Serialize("/p", Selection{Anchor: Point{0, 1}, Focus: Point{5, 0}})
	assert.False(t, ok)
	_, ok = doc.Serialize("/p", Selection{Anchor: Point{0, 1}, Focus: Point{1, 9}})
	assert.False(t, ok)
}

func TestLocatePrefersStoredPosition(t *testing.T) {
	doc := NewDocument("the cat sat on the cat mat")
	env, ok := doc.SerializeRange("/p", 19, 22)
	require.True(t, ok)
	start, end, found := doc.Locate(env)
	require.True(t, found)
	assert.Equal(t, 19, start)
	assert.Equal(t, 22, end)
}

func TestLocateRecoversAfterEdit(t *testing.T) {
	before := NewDocument("the cat sat on the cat mat")
	env, ok := before.SerializeRange("/p", 19, 22)
	require.True(t, ok)

	after := NewDocument("PREAMBLE. the cat sat on the cat mat")
	start, end, found := after.Locate(env)
	require.True(t, found)
	assert.Equal(t, "cat", after.Text()[start:end])
	assert.Equal(t, 29, start)
}

func TestLocateMissingQuote(t *testing.T) {
	before := NewDocument("alpha beta gamma")
	env, _ := before.SerializeRange("/p", 6, 10)
	after := NewDocument("alpha gamma")
	_, _, found := after.Locate(env)
	assert.False(t, found)
}
