package search

import (
	"context"
	"time"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID        int64     `json:"id"`
	PostSlug  string    `json:"post_slug"`
	Quote     string    `json:"quote"`
	Snippet   string    `json:"snippet"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// Query describes a search request.
type Query struct {
	Text     string
	PostSlug string
	Limit    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over published annotations.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// AnnotationRecord is the data we index for a published annotation.
type AnnotationRecord struct {
	ID        int64  `json:"id"`
	PostSlug  string `json:"postSlug"`
	Quote     string `json:"quote"`
	Body      string `json:"body"`
	Kind      string `json:"kind"`
	CreatedAt int64  `json:"createdAt"`
}
