// Package moderation decides whether a new annotation is published straight
// away or held for review, and which state changes a moderator may make later.
package moderation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"marginalia/internal/sanitize"
)

type State string

const (
	StatePublished State = "published"
	StatePending   State = "pending"
	StateRejected  State = "rejected"
)

// ParseState accepts the three known states.
func ParseState(s string) (State, bool) {
	switch State(s) {
	case StatePublished, StatePending, StateRejected:
		return State(s), true
	}
	return "", false
}

type Kind string

const (
	KindComment  Kind = "comment"
	KindQuestion Kind = "question"
	KindCitation Kind = "citation"
	KindCritique Kind = "critique"
	KindPraise   Kind = "praise"
)

// Kinds lists the accepted annotation kinds.
var Kinds = []Kind{KindComment, KindQuestion, KindCitation, KindCritique, KindPraise}

// NormalizeKind maps anything outside Kinds to KindComment.
func NormalizeKind(s string) Kind {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k
		}
	}
	return KindComment
}

var urlPattern = regexp.MustCompile(`(?i)https?://`)

// Policy holds the thresholds used by Evaluate. Lengths count codepoints.
type Policy struct {
	LengthThreshold int
	URLThreshold    int
	BodyMax         int
}

// DefaultPolicy is 2000 codepoints, 3 links and an 8000 codepoint hard cap.
func DefaultPolicy() Policy {
	return Policy{LengthThreshold: 2000, URLThreshold: 3, BodyMax: 8000}
}

// Signals is the audit record stored with every annotation. It is never
// returned to the author.
type Signals struct {
	URLCount       int    `json:"url_count"`
	TooLong        bool   `json:"too_long"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Verdict is the outcome of Evaluate.
type Verdict struct {
	State   State
	Signals Signals
}

// Evaluate computes the verdict for a raw, unsanitized body. Any prior
// annotation quoting the same text inside the repeat window holds the new one
// for review regardless of the body.
func (p Policy) Evaluate(raw, idempotencyKey string, priorRepeatCount int) Verdict {
	v := p.Assess(raw, idempotencyKey)
	v.State = ApplyRepeatHold(v.State, priorRepeatCount)
	return v
}

// Assess is the body-only part of Evaluate.
func (p Policy) Assess(raw, idempotencyKey string) Verdict {
	urls := len(urlPattern.FindAllStringIndex(raw, -1))
	tooLong := utf8.RuneCountInString(raw) > p.LengthThreshold
	state := StatePublished
	if tooLong || urls > p.URLThreshold {
		state = StatePending
	}
	return Verdict{
		State: state,
		Signals: Signals{
			URLCount:       urls,
			TooLong:        tooLong,
			IdempotencyKey: idempotencyKey,
		},
	}
}

// ApplyRepeatHold forces pending when repeatCount is positive. It never
// relaxes a pending state.
func ApplyRepeatHold(state State, repeatCount int) State {
	if repeatCount > 0 {
		return StatePending
	}
	return state
}

// Truncate cuts raw to at most max codepoints.
func Truncate(raw string, max int) string {
	if max <= 0 || utf8.RuneCountInString(raw) <= max {
		return raw
	}
	n := 0
	for i := range raw {
		if n == max {
			return raw[:i]
		}
		n++
	}
	return raw
}

// Prepare truncates raw to BodyMax and sanitizes the result.
func (p Policy) Prepare(raw string) string {
	return sanitize.HTML(Truncate(raw, p.BodyMax))
}

// CanTransition reports whether a moderator may move an annotation from one
// state to another. Only pending annotations change; repeating the current
// state is a no-op.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	return from == StatePending && (to == StatePublished || to == StateRejected)
}
