package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"marginalia/internal/logger"
)

const idxAnnotations = "marginalia_annotations"

// Meili implements Searcher and indexing via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index. A failed
// initial health check leaves it unhealthy; the health loop keeps probing.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.Named("search").Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	log := logger.Named("search")
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxAnnotations,
		PrimaryKey: "id",
	}); err != nil {
		log.Debug().Err(err).Msg("create index (may already exist)")
	}

	index := m.client.Index(idxAnnotations)
	filterable := []interface{}{"postSlug", "kind"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Warn().Err(err).Msg("update filterable attributes")
	}
	searchable := []string{"quote", "body"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Warn().Err(err).Msg("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				logger.Named("search").Info().Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}
	sr := &meili.SearchRequest{
		IndexUID:              idxAnnotations,
		Query:                 q.Text,
		Limit:                 limit,
		AttributesToHighlight: []string{"body", "quote"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if q.PostSlug != "" {
		sr.Filter = fmt.Sprintf("postSlug = %q", q.PostSlug)
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, r := range resp.Results {
		total += int(r.EstimatedTotalHits)
		for _, hit := range r.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		PostSlug: decodeString(hit, "postSlug"),
		Quote:    decodeString(hit, "quote"),
		Kind:     decodeString(hit, "kind"),
		Snippet:  firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body")),
	}
	if raw, ok := hit["id"]; ok {
		r.ID, _ = strconv.ParseInt(strings.Trim(string(raw), `"`), 10, 64)
	}
	if raw, ok := hit["createdAt"]; ok {
		var unix int64
		if err := json.Unmarshal(raw, &unix); err == nil {
			r.CreatedAt = time.Unix(unix, 0).UTC()
		}
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexAnnotations adds or updates annotations in the index.
func (m *Meili) IndexAnnotations(records []AnnotationRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxAnnotations).AddDocuments(records, nil)
	return err
}
