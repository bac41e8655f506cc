// Package ratelimit enforces write-frequency ceilings for anonymous writers.
// It keeps no counters of its own: every decision is read from the rows the
// store already holds.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLimited is returned when either rule trips.
var ErrLimited = errors.New("rate limited")

// Window is the recency view the limiter reads.
type Window interface {
	// CountByFingerprintSince counts annotations carrying fingerprint created
	// strictly after since.
	CountByFingerprintSince(ctx context.Context, fingerprint string, since time.Time) (int, error)
	// LastCreatedByVisitor returns the creation time of the visitor's newest
	// annotation, or false when the visitor has none.
	LastCreatedByVisitor(ctx context.Context, visitorID string) (time.Time, bool, error)
}

// Rules are the two ceilings.
type Rules struct {
	IPLimit         int
	IPWindow        time.Duration
	VisitorCooldown time.Duration
}

// DefaultRules is 5 writes per fingerprint per minute and one write per
// visitor every 15 seconds.
func DefaultRules() Rules {
	return Rules{IPLimit: 5, IPWindow: 60 * time.Second, VisitorCooldown: 15 * time.Second}
}

type Limiter struct {
	window Window
	rules  Rules
	now    func() time.Time
}

func New(window Window, rules Rules, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{window: window, rules: rules, now: now}
}

// Check returns an error wrapping ErrLimited when the fingerprint has
// IPLimit or more writes inside IPWindow, or when the visitor's newest write
// is no older than VisitorCooldown. An empty fingerprint skips the first rule.
func (l *Limiter) Check(ctx context.Context, fingerprint, visitorID string) error {
	now := l.now()
	if fingerprint != "" && l.rules.IPLimit > 0 {
		count, err := l.window.CountByFingerprintSince(ctx, fingerprint, now.Add(-l.rules.IPWindow))
		if err != nil {
			return fmt.Errorf("count recent by fingerprint: %w", err)
		}
		if count >= l.rules.IPLimit {
			return fmt.Errorf("%w: %d writes in %s", ErrLimited, count, l.rules.IPWindow)
		}
	}
	if visitorID == "" || l.rules.VisitorCooldown <= 0 {
		return nil
	}
	last, ok, err := l.window.LastCreatedByVisitor(ctx, visitorID)
	if err != nil {
		return fmt.Errorf("last write by visitor: %w", err)
	}
	if ok && now.Sub(last) <= l.rules.VisitorCooldown {
		return fmt.Errorf("%w: visitor cooldown", ErrLimited)
	}
	return nil
}
