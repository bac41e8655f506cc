package search

import (
	"context"
	"fmt"

	"marginalia/internal/store"
)

// Source is the store view the SQL fallback reads.
type Source interface {
	SearchPublished(ctx context.Context, q store.SearchQuery) ([]store.SearchHit, error)
	AllPublished(ctx context.Context) ([]store.SearchHit, error)
}

// SQL implements Searcher directly against the annotation store.
type SQL struct {
	source Source
}

func NewSQL(source Source) *SQL {
	return &SQL{source: source}
}

// Healthy always returns true; if the store is down the whole app is down.
func (s *SQL) Healthy() bool {
	return true
}

func (s *SQL) Search(ctx context.Context, q Query) ([]Result, int, error) {
	hits, err := s.source.SearchPublished(ctx, store.SearchQuery{Text: q.Text, PostSlug: q.PostSlug, Limit: q.Limit})
	if err != nil {
		return nil, 0, fmt.Errorf("sql search: %w", err)
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			ID:        h.ID,
			PostSlug:  h.PostSlug,
			Quote:     h.Quote,
			Snippet:   h.BodyHTML,
			Kind:      h.Kind,
			CreatedAt: h.CreatedAt,
		})
	}
	return results, len(results), nil
}

// LoadAllRecords returns every published annotation for a full reindex.
func (s *SQL) LoadAllRecords(ctx context.Context) ([]AnnotationRecord, error) {
	hits, err := s.source.AllPublished(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]AnnotationRecord, 0, len(hits))
	for _, h := range hits {
		records = append(records, RecordFor(h.Annotation, h.PostSlug))
	}
	return records, nil
}

// RecordFor builds the index record of an annotation.
func RecordFor(a store.Annotation, postSlug string) AnnotationRecord {
	return AnnotationRecord{
		ID:        a.ID,
		PostSlug:  postSlug,
		Quote:     a.Quote,
		Body:      a.BodyHTML,
		Kind:      a.Kind,
		CreatedAt: a.CreatedAt.Unix(),
	}
}
