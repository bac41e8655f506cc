package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqliteTime is fixed width so text comparison orders like time.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLStore implements the annotation store over Postgres or SQLite. Queries
// are written with ? placeholders and rebound for Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) q(query string) string {
	return rebind(s.dialect, query)
}

// rebind rewrites ? placeholders as $1, $2, ... for Postgres.
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// ts converts t into the parameter form the dialect compares correctly.
func (s *SQLStore) ts(t time.Time) any {
	if s.dialect == DialectSQLite {
		return t.UTC().Format(sqliteTime)
	}
	return t.UTC()
}

func (s *SQLStore) nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return s.ts(*t)
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// timeScanner reads timestamps from either driver: pgx yields time.Time,
// SQLite yields text.
type timeScanner struct {
	dst   *time.Time
	valid bool
}

func (ts *timeScanner) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		ts.valid = false
		*ts.dst = time.Time{}
		return nil
	case time.Time:
		*ts.dst = v.UTC()
	case string:
		t, err := parseTime(v)
		if err != nil {
			return err
		}
		*ts.dst = t
	case []byte:
		t, err := parseTime(string(v))
		if err != nil {
			return err
		}
		*ts.dst = t
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
	ts.valid = true
	return nil
}

func parseTime(v string) (time.Time, error) {
	for _, layout := range []string{sqliteTime, time.RFC3339Nano, time.DateTime} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", v)
}

func scanTime(dst *time.Time) *timeScanner {
	return &timeScanner{dst: dst}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Posts

const postColumns = `id, slug, html, plain_text, revision, content_hash, published_at, created_at, updated_at`

func scanPost(row rowScanner) (Post, error) {
	var (
		p           Post
		contentHash sql.NullString
		publishedAt time.Time
	)
	published := scanTime(&publishedAt)
	err := row.Scan(&p.ID, &p.Slug, &p.HTML, &p.PlainText, &p.Revision, &contentHash, published, scanTime(&p.CreatedAt), scanTime(&p.UpdatedAt))
	if err != nil {
		return Post{}, err
	}
	if contentHash.Valid {
		p.ContentHash = &contentHash.String
	}
	if published.valid {
		p.PublishedAt = &publishedAt
	}
	return p, nil
}

func (s *SQLStore) GetPostBySlug(ctx context.Context, slug string) (Post, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+postColumns+` FROM posts WHERE slug = ?`), slug)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, fmt.Errorf("get post %s: %w", slug, err)
	}
	return p, nil
}

func (s *SQLStore) GetPostByID(ctx context.Context, id int64) (Post, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+postColumns+` FROM posts WHERE id = ?`), id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, fmt.Errorf("get post %d: %w", id, err)
	}
	return p, nil
}

// UpsertPost creates the post or replaces its content, returning its id and
// whether it was created.
func (s *SQLStore) UpsertPost(ctx context.Context, in PostUpsert, now time.Time) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin upsert post: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, s.q(`SELECT id FROM posts WHERE slug = ?`), in.Slug).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		revision := 1
		if in.Revision != nil {
			revision = *in.Revision
		}
		err = tx.QueryRowContext(ctx, s.q(`
			INSERT INTO posts (slug, html, plain_text, revision, content_hash, published_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`), in.Slug, in.HTML, in.PlainText, revision, nullStringPtr(in.ContentHash), s.nullTS(in.PublishedAt), s.ts(now), s.ts(now)).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("insert post: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, false, fmt.Errorf("commit upsert post: %w", err)
		}
		return id, true, nil
	case err != nil:
		return 0, false, fmt.Errorf("lookup post: %w", err)
	}

	var revision any
	if in.Revision != nil {
		revision = *in.Revision
	}
	_, err = tx.ExecContext(ctx, s.q(`
		UPDATE posts
		SET html = ?, plain_text = ?, revision = COALESCE(?, revision + 1),
			content_hash = ?, published_at = ?, updated_at = ?
		WHERE id = ?
	`), in.HTML, in.PlainText, revision, nullStringPtr(in.ContentHash), s.nullTS(in.PublishedAt), s.ts(now), id)
	if err != nil {
		return 0, false, fmt.Errorf("update post: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit upsert post: %w", err)
	}
	return id, false, nil
}

// Annotations

const annotationColumns = `a.id, a.post_id, a.parent_id, a.display_name, a.body_html, a.quote, a.selectors, a.kind, a.state, a.visitor_id, a.ip_hash, a.signals, a.created_at`

func scanAnnotation(row rowScanner, extra ...any) (Annotation, error) {
	var (
		a           Annotation
		parentID    sql.NullInt64
		displayName sql.NullString
		ipHash      sql.NullString
		selectors   []byte
		signals     []byte
	)
	dest := []any{&a.ID, &a.PostID, &parentID, &displayName, &a.BodyHTML, &a.Quote, &selectors, &a.Kind, &a.State, &a.VisitorID, &ipHash, &signals, scanTime(&a.CreatedAt)}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Annotation{}, err
	}
	if parentID.Valid {
		a.ParentID = &parentID.Int64
	}
	if displayName.Valid {
		a.DisplayName = &displayName.String
	}
	a.IPHash = ipHash.String
	a.Selectors = selectors
	a.Signals = signals
	return a, nil
}

func (s *SQLStore) queryAnnotations(ctx context.Context, query string, args ...any) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Annotation, 0)
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) InsertAnnotation(ctx context.Context, in NewAnnotation) (int64, error) {
	signals := in.Signals
	if len(signals) == 0 {
		signals = []byte("{}")
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO annotations (post_id, parent_id, display_name, body_html, quote, selectors, kind, state, visitor_id, ip_hash, signals, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), in.PostID, nullInt64(in.ParentID), nullStringPtr(in.DisplayName), in.BodyHTML, in.Quote, string(in.Selectors),
		in.Kind, in.State, in.VisitorID, nullString(in.IPHash), string(signals), s.ts(in.CreatedAt)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert annotation: %w", err)
	}
	return id, nil
}

func (s *SQLStore) GetAnnotation(ctx context.Context, id int64) (Annotation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+annotationColumns+` FROM annotations a WHERE a.id = ?`), id)
	a, err := scanAnnotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Annotation{}, ErrNotFound
	}
	if err != nil {
		return Annotation{}, fmt.Errorf("get annotation %d: %w", id, err)
	}
	return a, nil
}

func (s *SQLStore) ListPublished(ctx context.Context, q ListQuery) ([]Annotation, error) {
	query := `SELECT ` + annotationColumns + ` FROM annotations a WHERE a.post_id = ? AND a.state = 'published'`
	args := []any{q.PostID}
	if q.After != nil {
		query += ` AND a.created_at > ?`
		args = append(args, s.ts(*q.After))
	}
	query += ` ORDER BY a.created_at ASC, a.id ASC LIMIT ?`
	args = append(args, q.Limit)

	out, err := s.queryAnnotations(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list published annotations: %w", err)
	}
	return out, nil
}

func (s *SQLStore) ListByVisitor(ctx context.Context, postID int64, visitorID string, limit int) ([]Annotation, error) {
	out, err := s.queryAnnotations(ctx, `
		SELECT `+annotationColumns+` FROM annotations a
		WHERE a.post_id = ? AND a.visitor_id = ?
		ORDER BY a.created_at ASC, a.id ASC
		LIMIT ?
	`, postID, visitorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list visitor annotations: %w", err)
	}
	return out, nil
}

func (s *SQLStore) ListPending(ctx context.Context, limit int) ([]Annotation, error) {
	out, err := s.queryAnnotations(ctx, `
		SELECT `+annotationColumns+` FROM annotations a
		WHERE a.state = 'pending'
		ORDER BY a.created_at ASC, a.id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending annotations: %w", err)
	}
	return out, nil
}

// SetState changes only the moderation state.
func (s *SQLStore) SetState(ctx context.Context, id int64, state string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE annotations SET state = ? WHERE id = ?`), state, id)
	if err != nil {
		return fmt.Errorf("set annotation state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set annotation state: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CountByFingerprintSince(ctx context.Context, fingerprint string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(1) FROM annotations WHERE ip_hash = ? AND created_at > ?`), fingerprint, s.ts(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count by fingerprint: %w", err)
	}
	return n, nil
}

func (s *SQLStore) LastCreatedByVisitor(ctx context.Context, visitorID string) (time.Time, bool, error) {
	var last time.Time
	err := s.db.QueryRowContext(ctx, s.q(`SELECT created_at FROM annotations WHERE visitor_id = ? ORDER BY created_at DESC LIMIT 1`), visitorID).Scan(scanTime(&last))
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last annotation by visitor: %w", err)
	}
	return last, true, nil
}

// CountByQuoteSince counts annotations in any state quoting exactly quote
// created strictly after since.
func (s *SQLStore) CountByQuoteSince(ctx context.Context, quote string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(1) FROM annotations WHERE quote = ? AND created_at > ?`), quote, s.ts(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count by quote: %w", err)
	}
	return n, nil
}

// Reports

func (s *SQLStore) InsertReport(ctx context.Context, annotationID int64, reason *string, now time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO reports (annotation_id, reason, created_at)
		VALUES (?, ?, ?)
		RETURNING id
	`), annotationID, nullStringPtr(reason), s.ts(now)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert report: %w", err)
	}
	return id, nil
}

func (s *SQLStore) ListReports(ctx context.Context, annotationID int64) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, annotation_id, reason, created_at FROM reports WHERE annotation_id = ? ORDER BY id ASC`), annotationID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	out := make([]Report, 0)
	for rows.Next() {
		var (
			r      Report
			reason sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.AnnotationID, &reason, scanTime(&r.CreatedAt)); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		if reason.Valid {
			r.Reason = &reason.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Idempotency keys

// ReserveKey inserts key as a reservation. It reports false when the key
// already exists; the primary key makes concurrent reservations race safely.
func (s *SQLStore) ReserveKey(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO idempotency_keys (key) VALUES (?) ON CONFLICT (key) DO NOTHING`), key)
	if err != nil {
		return false, fmt.Errorf("reserve key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve key: %w", err)
	}
	return n == 1, nil
}

// LookupKey returns the annotation id a key resolved to, zero while it is
// only reserved.
func (s *SQLStore) LookupKey(ctx context.Context, key string) (int64, bool, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT annotation_id FROM idempotency_keys WHERE key = ?`), key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup key: %w", err)
	}
	return id.Int64, true, nil
}

// ResolveKey records the annotation id for a reserved key. A key resolves
// once; later calls fail.
func (s *SQLStore) ResolveKey(ctx context.Context, key string, annotationID int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE idempotency_keys SET annotation_id = ? WHERE key = ? AND annotation_id IS NULL`), annotationID, key)
	if err != nil {
		return fmt.Errorf("resolve key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve key: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("resolve key %s: not reserved", key)
	}
	return nil
}

// Search

// likeEscaper makes LIKE wildcards in user text match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchPublished matches published annotations. Postgres uses the fts
// column; SQLite falls back to a case-insensitive substring match.
func (s *SQLStore) SearchPublished(ctx context.Context, q SearchQuery) ([]SearchHit, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return []SearchHit{}, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + annotationColumns + `, p.slug FROM annotations a JOIN posts p ON p.id = a.post_id WHERE a.state = 'published'`
	var args []any
	if s.dialect == DialectPostgres {
		query += ` AND a.fts @@ plainto_tsquery('english', ?)`
		args = append(args, text)
	} else {
		query += ` AND (LOWER(a.quote) LIKE ? ESCAPE '\' OR LOWER(a.body_html) LIKE ? ESCAPE '\')`
		pattern := "%" + likeEscaper.Replace(strings.ToLower(text)) + "%"
		args = append(args, pattern, pattern)
	}
	if q.PostSlug != "" {
		query += ` AND p.slug = ?`
		args = append(args, q.PostSlug)
	}
	if s.dialect == DialectPostgres {
		query += ` ORDER BY ts_rank(a.fts, plainto_tsquery('english', ?)) DESC, a.id ASC LIMIT ?`
		args = append(args, text, limit)
	} else {
		query += ` ORDER BY a.created_at DESC, a.id DESC LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("search annotations: %w", err)
	}
	defer rows.Close()

	out := make([]SearchHit, 0)
	for rows.Next() {
		var slug string
		a, err := scanAnnotation(rows, &slug)
		if err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		out = append(out, SearchHit{Annotation: a, PostSlug: slug})
	}
	return out, rows.Err()
}

// AllPublished returns every published annotation with its post slug, for
// rebuilding a search index.
func (s *SQLStore) AllPublished(ctx context.Context) ([]SearchHit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+annotationColumns+`, p.slug FROM annotations a JOIN posts p ON p.id = a.post_id WHERE a.state = 'published' ORDER BY a.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load published annotations: %w", err)
	}
	defer rows.Close()

	out := make([]SearchHit, 0)
	for rows.Next() {
		var slug string
		a, err := scanAnnotation(rows, &slug)
		if err != nil {
			return nil, fmt.Errorf("scan published annotation: %w", err)
		}
		out = append(out, SearchHit{Annotation: a, PostSlug: slug})
	}
	return out, rows.Err()
}
