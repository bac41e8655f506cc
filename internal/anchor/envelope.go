// Package anchor models where an annotation attaches inside a document.
//
// An Envelope carries two selectors: a TextQuoteSelector (the exact text and
// some surrounding context) and a TextPositionSelector (codepoint offsets into
// the flattened text of the content root). The server only checks their
// shape; producing and re-locating them is done against the rendered document.
package anchor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	EnvelopeType     = "Annotation"
	TypeTextQuote    = "TextQuoteSelector"
	TypeTextPosition = "TextPositionSelector"
	UnitCodepoint    = "codepoint"
	ContextLength    = 30
)

var (
	// ErrMalformed reports an envelope that cannot be read as selectors at all.
	ErrMalformed = errors.New("malformed selectors")
	// ErrMissingSelector reports an envelope lacking one of the required selector types.
	ErrMissingSelector = errors.New("missing selector")
)

// Selector is one typed anchor. Quote fields are set for TextQuoteSelector,
// Start/End/Unit for TextPositionSelector.
type Selector struct {
	Type   string
	Exact  string
	Prefix string
	Suffix string
	Start  int
	End    int
	Unit   string
}

type quoteJSON struct {
	Type   string `json:"type"`
	Exact  string `json:"exact"`
	Prefix string `json:"prefix,omitempty"`
	Suffix string `json:"suffix,omitempty"`
}

type positionJSON struct {
	Type  string `json:"type"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Unit  string `json:"unit"`
}

type selectorJSON struct {
	Type   string `json:"type"`
	Exact  string `json:"exact"`
	Prefix string `json:"prefix"`
	Suffix string `json:"suffix"`
	Start  *int   `json:"start"`
	End    *int   `json:"end"`
	Unit   string `json:"unit"`
}

func (s Selector) MarshalJSON() ([]byte, error) {
	switch s.Type {
	case TypeTextQuote:
		return json.Marshal(quoteJSON{Type: s.Type, Exact: s.Exact, Prefix: s.Prefix, Suffix: s.Suffix})
	case TypeTextPosition:
		unit := s.Unit
		if unit == "" {
			unit = UnitCodepoint
		}
		return json.Marshal(positionJSON{Type: s.Type, Start: s.Start, End: s.End, Unit: unit})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{s.Type})
	}
}

func (s *Selector) UnmarshalJSON(data []byte) error {
	var raw selectorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Selector{Type: raw.Type, Exact: raw.Exact, Prefix: raw.Prefix, Suffix: raw.Suffix, Unit: raw.Unit}
	if raw.Type == TypeTextPosition {
		if raw.Start == nil || raw.End == nil {
			return fmt.Errorf("%s requires start and end", TypeTextPosition)
		}
		s.Start, s.End = *raw.Start, *raw.End
	}
	return nil
}

// Target names the annotated document and the selectors inside it.
type Target struct {
	Source   string     `json:"source"`
	Selector []Selector `json:"selector"`
}

// Envelope is the durable anchor stored with an annotation.
type Envelope struct {
	Type   string `json:"type"`
	Target Target `json:"target"`
}

// Quote returns the first TextQuoteSelector, if any.
func (e Envelope) Quote() (Selector, bool) {
	return e.first(TypeTextQuote)
}

// Position returns the first TextPositionSelector, if any.
func (e Envelope) Position() (Selector, bool) {
	return e.first(TypeTextPosition)
}

func (e Envelope) first(kind string) (Selector, bool) {
	for _, s := range e.Target.Selector {
		if s.Type == kind {
			return s, true
		}
	}
	return Selector{}, false
}

// Parse decodes raw JSON into an Envelope and validates it.
func Parse(raw []byte) (Envelope, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Envelope{}, ErrMalformed
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := Validate(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the envelope's shape. It requires at least one selector of
// each type and never compares offsets against document text.
func Validate(env Envelope) error {
	if env.Target.Selector == nil {
		return fmt.Errorf("%w: selector list is absent", ErrMalformed)
	}
	for i, s := range env.Target.Selector {
		switch s.Type {
		case TypeTextQuote:
			if s.Exact == "" {
				return fmt.Errorf("%w: selector %d has empty exact", ErrMalformed, i)
			}
		case TypeTextPosition:
			if s.Start < 0 || s.End <= s.Start {
				return fmt.Errorf("%w: selector %d has invalid range [%d,%d)", ErrMalformed, i, s.Start, s.End)
			}
			if s.Unit != "" && s.Unit != UnitCodepoint {
				return fmt.Errorf("%w: selector %d has unit %q", ErrMalformed, i, s.Unit)
			}
		case "":
			return fmt.Errorf("%w: selector %d has no type", ErrMalformed, i)
		}
	}
	_, hasQuote := env.Quote()
	_, hasPosition := env.Position()
	if !hasQuote || !hasPosition {
		return ErrMissingSelector
	}
	return nil
}
