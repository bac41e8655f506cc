package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

type Post struct {
	ID          int64
	Slug        string
	HTML        string
	PlainText   string
	Revision    int
	ContentHash *string
	PublishedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PostUpsert creates or replaces a post by slug. A nil Revision starts at 1
// and increments on every update.
type PostUpsert struct {
	Slug        string
	HTML        string
	PlainText   string
	Revision    *int
	ContentHash *string
	PublishedAt *time.Time
}

type Annotation struct {
	ID          int64
	PostID      int64
	ParentID    *int64
	DisplayName *string
	BodyHTML    string
	Quote       string
	Selectors   json.RawMessage
	Kind        string
	State       string
	VisitorID   string
	IPHash      string
	Signals     json.RawMessage
	CreatedAt   time.Time
}

// NewAnnotation is an annotation before it has an id.
type NewAnnotation struct {
	PostID      int64
	ParentID    *int64
	DisplayName *string
	BodyHTML    string
	Quote       string
	Selectors   json.RawMessage
	Kind        string
	State       string
	VisitorID   string
	IPHash      string
	Signals     json.RawMessage
	CreatedAt   time.Time
}

// ListQuery selects published annotations of one post, oldest first.
type ListQuery struct {
	PostID int64
	After  *time.Time
	Limit  int
}

type Report struct {
	ID           int64
	AnnotationID int64
	Reason       *string
	CreatedAt    time.Time
}

// SearchQuery matches published annotations by quote or body text.
type SearchQuery struct {
	Text     string
	PostSlug string
	Limit    int
}

// SearchHit is a published annotation with the slug of its post.
type SearchHit struct {
	Annotation
	PostSlug string
}
