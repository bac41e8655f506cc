package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type write struct {
	fingerprint string
	visitor     string
	at          time.Time
}

type fakeWindow struct {
	writes []write
	err    error
}

func (f *fakeWindow) CountByFingerprintSince(_ context.Context, fp string, since time.Time) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n := 0
	for _, w := range f.writes {
		if w.fingerprint == fp && w.at.After(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeWindow) LastCreatedByVisitor(_ context.Context, visitor string) (time.Time, bool, error) {
	if f.err != nil {
		return time.Time{}, false, f.err
	}
	var last time.Time
	found := false
	for _, w := range f.writes {
		if w.visitor == visitor && (!found || w.at.After(last)) {
			last, found = w.at, true
		}
	}
	return last, found, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestFingerprintCeiling(t *testing.T) {
	c := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	w := &fakeWindow{}
	l := New(w, DefaultRules(), c.now)
	ctx := context.Background()

	// Distinct visitors, one fingerprint, one write every second.
	visitors := []string{"v1", "v2", "v3", "v4", "v5", "v6"}
	var results []error
	for _, v := range visitors {
		err := l.Check(ctx, "fp", v)
		results = append(results, err)
		if err == nil {
			w.writes = append(w.writes, write{fingerprint: "fp", visitor: v, at: c.t})
		}
		c.t = c.t.Add(time.Second)
	}
	for i := 0; i < 5; i++ {
		assert.NoError(t, results[i], "write %d", i+1)
	}
	assert.ErrorIs(t, results[5], ErrLimited)

	// Another fingerprint is unaffected.
	assert.NoError(t, l.Check(ctx, "other", "v7"))

	// Once the oldest write leaves the window a slot frees up.
	c.t = w.writes[0].at.Add(60 * time.Second)
	assert.NoError(t, l.Check(ctx, "fp", "v8"))
}

func TestVisitorCooldown(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &clock{t: base}
	w := &fakeWindow{writes: []write{{fingerprint: "a", visitor: "v", at: base}}}
	l := New(w, DefaultRules(), c.now)
	ctx := context.Background()

	c.t = base.Add(15 * time.Second)
	assert.ErrorIs(t, l.Check(ctx, "b", "v"), ErrLimited)

	c.t = base.Add(16 * time.Second)
	assert.NoError(t, l.Check(ctx, "b", "v"))

	// Cooldown applies regardless of fingerprint, including when none is known.
	c.t = base.Add(5 * time.Second)
	assert.ErrorIs(t, l.Check(ctx, "", "v"), ErrLimited)
	assert.NoError(t, l.Check(ctx, "", "someone-else"))
}

func TestEmptyFingerprintSkipsIPRule(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	w := &fakeWindow{}
	for i := 0; i < 10; i++ {
		w.writes = append(w.writes, write{fingerprint: "", visitor: "x", at: now.Add(-time.Second)})
	}
	l := New(w, DefaultRules(), func() time.Time { return now })
	assert.NoError(t, l.Check(context.Background(), "", "fresh"))
}

func TestWindowErrorsAreNotLimits(t *testing.T) {
	boom := errors.New("boom")
	l := New(&fakeWindow{err: boom}, DefaultRules(), nil)
	err := l.Check(context.Background(), "fp", "v")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, ErrLimited))
}
