package search

import (
	"context"
	"errors"

	"marginalia/internal/logger"
)

// Index receives published annotations. Implementations must not block the
// caller on a slow backend.
type Index interface {
	IndexAnnotation(rec AnnotationRecord)
}

// Service is the facade that tries Meilisearch first and falls back to SQL.
type Service struct {
	meili    *Meili
	fallback *SQL
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback *SQL) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise falls back to SQL.
func (s *Service) Search(ctx context.Context, q Query) Response {
	log := logger.C(ctx)
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Warn().Err(err).Msg("meilisearch error, falling back to sql")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Error().Err(err).Msg("sql search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexAnnotation indexes a published annotation (fire-and-forget to Meilisearch).
func (s *Service) IndexAnnotation(rec AnnotationRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexAnnotations([]AnnotationRecord{rec}); err != nil {
			logger.Named("search").Warn().Err(err).Int64("annotation_id", rec.ID).Msg("index annotation")
		}
	}()
}

// ReindexAll pushes every published annotation from the store to Meilisearch.
func (s *Service) ReindexAll(ctx context.Context) (int, error) {
	if s.meili == nil || s.fallback == nil {
		return 0, nil
	}
	if !s.meili.Healthy() {
		return 0, errors.New("meilisearch unhealthy")
	}
	records, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.meili.IndexAnnotations(records); err != nil {
		return 0, err
	}
	return len(records), nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
