package moderation

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func links(n int) string {
	parts := []string{"Check these links:"}
	for i := 0; i < n; i++ {
		parts = append(parts, `<a href="https://`+string(rune('a'+i))+`.com">x</a>`)
	}
	return strings.Join(parts, " ")
}

func TestAssessURLThreshold(t *testing.T) {
	p := DefaultPolicy()

	v := p.Assess(links(4), "idem-1")
	assert.Equal(t, StatePending, v.State)
	assert.Equal(t, 4, v.Signals.URLCount)
	assert.False(t, v.Signals.TooLong)
	assert.Equal(t, "idem-1", v.Signals.IdempotencyKey)

	v = p.Assess(links(3), "idem-2")
	assert.Equal(t, StatePublished, v.State)
	assert.Equal(t, 3, v.Signals.URLCount)
}

func TestAssessCountsRawURLsCaseInsensitively(t *testing.T) {
	raw := `HTTP://a.com hTtPs://b.com <a href="javascript:x">https://c.com</a> http://d.com`
	v := DefaultPolicy().Assess(raw, "k")
	assert.Equal(t, 4, v.Signals.URLCount)
	assert.Equal(t, StatePending, v.State)
}

func TestAssessLength(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, StatePublished, p.Assess(strings.Repeat("x", 2000), "k").State)

	v := p.Assess(strings.Repeat("x", 2001), "k")
	assert.Equal(t, StatePending, v.State)
	assert.True(t, v.Signals.TooLong)

	// 2000 codepoints of a multibyte rune is not over the threshold.
	assert.False(t, p.Assess(strings.Repeat("é", 2000), "k").Signals.TooLong)
}

func TestEvaluateRepeatHold(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, StatePublished, p.Evaluate("fine", "k", 0).State)
	assert.Equal(t, StatePending, p.Evaluate("fine", "k", 1).State)
	assert.Equal(t, StatePending, p.Evaluate(links(5), "k", 0).State)
}

func TestApplyRepeatHold(t *testing.T) {
	assert.Equal(t, StatePending, ApplyRepeatHold(StatePublished, 1))
	assert.Equal(t, StatePending, ApplyRepeatHold(StatePending, 5))
	assert.Equal(t, StatePublished, ApplyRepeatHold(StatePublished, 0))
	assert.Equal(t, StatePending, ApplyRepeatHold(StatePending, 0))
}

func TestPrepareTruncatesBeforeSanitizing(t *testing.T) {
	p := DefaultPolicy()
	raw := strings.Repeat("x", p.BodyMax+500)

	v := p.Assess(raw, "k")
	assert.True(t, v.Signals.TooLong)
	assert.Equal(t, StatePending, v.State)
	assert.Len(t, p.Prepare(raw), p.BodyMax)

	out := p.Prepare(links(4) + " <script>alert(1)</script>")
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "alert(1)")
}

func TestTruncateCountsCodepoints(t *testing.T) {
	assert.Equal(t, "héll", Truncate("héllo", 4))
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "abc", Truncate("abc", 0))
	assert.Equal(t, 3, utf8.RuneCountInString(Truncate("日本語テキスト", 3)))
}

func TestNormalizeKind(t *testing.T) {
	assert.Equal(t, KindQuestion, NormalizeKind("question"))
	assert.Equal(t, KindPraise, NormalizeKind(" Praise "))
	assert.Equal(t, KindComment, NormalizeKind(""))
	assert.Equal(t, KindComment, NormalizeKind("rant"))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StatePublished, true},
		{StatePending, StateRejected, true},
		{StatePublished, StatePublished, true},
		{StateRejected, StateRejected, true},
		{StatePublished, StateRejected, false},
		{StateRejected, StatePublished, false},
		{StatePublished, StatePending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestParseState(t *testing.T) {
	s, ok := ParseState("rejected")
	assert.True(t, ok)
	assert.Equal(t, StateRejected, s)
	_, ok = ParseState("deleted")
	assert.False(t, ok)
}
