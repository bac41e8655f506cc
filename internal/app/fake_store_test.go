package app

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"marginalia/internal/search"
	"marginalia/internal/store"
)

// memStore is an in-memory Store that also serves as the rate-limit window
// and idempotency record table, like the SQL store does.
type memStore struct {
	mu          sync.Mutex
	posts       []store.Post
	annotations []store.Annotation
	reports     []store.Report
	keys        map[string]int64
	calls       int

	pingFn             func(context.Context) error
	insertAnnotationFn func(context.Context, store.NewAnnotation) (int64, error)
}

func newMemStore() *memStore {
	return &memStore{keys: make(map[string]int64)}
}

func (m *memStore) touch() {
	m.calls++
}

func (m *memStore) addPost(slug string) store.Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := store.Post{ID: int64(len(m.posts) + 1), Slug: slug, Revision: 1}
	m.posts = append(m.posts, p)
	return p
}

func (m *memStore) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

func (m *memStore) GetPostBySlug(_ context.Context, slug string) (store.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	for _, p := range m.posts {
		if p.Slug == slug {
			return p, nil
		}
	}
	return store.Post{}, store.ErrNotFound
}

func (m *memStore) GetPostByID(_ context.Context, id int64) (store.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	for _, p := range m.posts {
		if p.ID == id {
			return p, nil
		}
	}
	return store.Post{}, store.ErrNotFound
}

func (m *memStore) UpsertPost(_ context.Context, in store.PostUpsert, now time.Time) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	for i, p := range m.posts {
		if p.Slug != in.Slug {
			continue
		}
		p.HTML, p.PlainText, p.UpdatedAt = in.HTML, in.PlainText, now
		if in.Revision != nil {
			p.Revision = *in.Revision
		} else {
			p.Revision++
		}
		m.posts[i] = p
		return p.ID, false, nil
	}
	rev := 1
	if in.Revision != nil {
		rev = *in.Revision
	}
	p := store.Post{ID: int64(len(m.posts) + 1), Slug: in.Slug, HTML: in.HTML, PlainText: in.PlainText, Revision: rev, CreatedAt: now, UpdatedAt: now}
	m.posts = append(m.posts, p)
	return p.ID, true, nil
}

func (m *memStore) InsertAnnotation(ctx context.Context, in store.NewAnnotation) (int64, error) {
	if m.insertAnnotationFn != nil {
		return m.insertAnnotationFn(ctx, in)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	id := int64(len(m.annotations) + 1)
	m.annotations = append(m.annotations, store.Annotation{
		ID:          id,
		PostID:      in.PostID,
		ParentID:    in.ParentID,
		DisplayName: in.DisplayName,
		BodyHTML:    in.BodyHTML,
		Quote:       in.Quote,
		Selectors:   in.Selectors,
		Kind:        in.Kind,
		State:       in.State,
		VisitorID:   in.VisitorID,
		IPHash:      in.IPHash,
		Signals:     in.Signals,
		CreatedAt:   in.CreatedAt,
	})
	return id, nil
}

func (m *memStore) GetAnnotation(_ context.Context, id int64) (store.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	for _, a := range m.annotations {
		if a.ID == id {
			return a, nil
		}
	}
	return store.Annotation{}, store.ErrNotFound
}

func (m *memStore) filter(limit int, keep func(store.Annotation) bool) []store.Annotation {
	out := []store.Annotation{}
	for _, a := range m.annotations {
		if keep(a) {
			out = append(out, a)
		}
	}
	slices.SortStableFunc(out, func(a, b store.Annotation) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memStore) ListPublished(_ context.Context, q store.ListQuery) ([]store.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	return m.filter(q.Limit, func(a store.Annotation) bool {
		return a.PostID == q.PostID && a.State == "published" && (q.After == nil || a.CreatedAt.After(*q.After))
	}), nil
}

func (m *memStore) ListByVisitor(_ context.Context, postID int64, visitorID string, limit int) ([]store.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	return m.filter(limit, func(a store.Annotation) bool {
		return a.PostID == postID && a.VisitorID == visitorID
	}), nil
}

func (m *memStore) ListPending(_ context.Context, limit int) ([]store.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	return m.filter(limit, func(a store.Annotation) bool { return a.State == "pending" }), nil
}

func (m *memStore) SetState(_ context.Context, id int64, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	for i := range m.annotations {
		if m.annotations[i].ID == id {
			m.annotations[i].State = state
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) CountByQuoteSince(_ context.Context, quote string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	return len(m.filter(0, func(a store.Annotation) bool {
		return a.Quote == quote && a.CreatedAt.After(since)
	})), nil
}

func (m *memStore) CountByFingerprintSince(_ context.Context, fingerprint string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	return len(m.filter(0, func(a store.Annotation) bool {
		return a.IPHash == fingerprint && a.CreatedAt.After(since)
	})), nil
}

func (m *memStore) LastCreatedByVisitor(_ context.Context, visitorID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	list := m.filter(0, func(a store.Annotation) bool { return a.VisitorID == visitorID })
	if len(list) == 0 {
		return time.Time{}, false, nil
	}
	return list[len(list)-1].CreatedAt, true, nil
}

func (m *memStore) InsertReport(_ context.Context, annotationID int64, reason *string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	r := store.Report{ID: int64(len(m.reports) + 1), AnnotationID: annotationID, Reason: reason, CreatedAt: now}
	m.reports = append(m.reports, r)
	return r.ID, nil
}

func (m *memStore) ReserveKey(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = 0
	return true, nil
}

func (m *memStore) LookupKey(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	id, ok := m.keys[key]
	return id, ok, nil
}

func (m *memStore) ResolveKey(_ context.Context, key string, annotationID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	if id, ok := m.keys[key]; !ok || id != 0 {
		return errors.New("key not reserved")
	}
	m.keys[key] = annotationID
	return nil
}

func (m *memStore) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *memStore) rows() []store.Annotation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.annotations)
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeIndex struct {
	mu      sync.Mutex
	indexed []int64
}

func (f *fakeIndex) IndexAnnotation(rec search.AnnotationRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, rec.ID)
}

func (f *fakeIndex) ids() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.indexed)
}
