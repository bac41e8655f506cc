package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"marginalia/internal/idempotency"
	"marginalia/internal/logger"
	"marginalia/internal/moderation"
	"marginalia/internal/ratelimit"
	"marginalia/internal/search"
	"marginalia/internal/store"
	"marginalia/internal/verify"
)

// Store is the storage capability the pipeline runs against. store.SQLStore
// satisfies it; tests use an in-memory fake with a controllable clock.
type Store interface {
	Ping(ctx context.Context) error
	GetPostBySlug(ctx context.Context, slug string) (store.Post, error)
	GetPostByID(ctx context.Context, id int64) (store.Post, error)
	UpsertPost(ctx context.Context, in store.PostUpsert, now time.Time) (int64, bool, error)
	InsertAnnotation(ctx context.Context, in store.NewAnnotation) (int64, error)
	GetAnnotation(ctx context.Context, id int64) (store.Annotation, error)
	ListPublished(ctx context.Context, q store.ListQuery) ([]store.Annotation, error)
	ListByVisitor(ctx context.Context, postID int64, visitorID string, limit int) ([]store.Annotation, error)
	ListPending(ctx context.Context, limit int) ([]store.Annotation, error)
	SetState(ctx context.Context, id int64, state string) error
	CountByQuoteSince(ctx context.Context, quote string, since time.Time) (int, error)
	InsertReport(ctx context.Context, annotationID int64, reason *string, now time.Time) (int64, error)
}

// RateGuard rejects writes that exceed the frequency ceilings.
type RateGuard interface {
	Check(ctx context.Context, fingerprint, visitorID string) error
}

// Fingerprinter turns a client IP into the rate-limit fingerprint.
type Fingerprinter interface {
	Fingerprint(ip string) string
}

// Searcher answers search queries over published annotations.
type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type Deps struct {
	Store         Store
	Verifier      verify.Verifier
	RateGuard     RateGuard
	Gatekeeper    idempotency.Gatekeeper
	Fingerprinter Fingerprinter
	// Index and Searcher are optional.
	Index    search.Index
	Searcher Searcher

	Policy           moderation.Policy
	RepeatWindow     time.Duration
	ListDefaultLimit int
	ListMaxLimit     int
	Now              func() time.Time
}

type Service struct {
	store         Store
	verifier      verify.Verifier
	rateGuard     RateGuard
	gatekeeper    idempotency.Gatekeeper
	fingerprinter Fingerprinter
	index         search.Index
	searcher      Searcher

	policy       moderation.Policy
	repeatWindow time.Duration
	listDefault  int
	listMax      int
	now          func() time.Time
}

func New(deps Deps) *Service {
	s := &Service{
		store:         deps.Store,
		verifier:      deps.Verifier,
		rateGuard:     deps.RateGuard,
		gatekeeper:    deps.Gatekeeper,
		fingerprinter: deps.Fingerprinter,
		index:         deps.Index,
		searcher:      deps.Searcher,
		policy:        deps.Policy,
		repeatWindow:  deps.RepeatWindow,
		listDefault:   deps.ListDefaultLimit,
		listMax:       deps.ListMaxLimit,
		now:           deps.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.verifier == nil {
		s.verifier = verify.Mock{}
	}
	if s.policy == (moderation.Policy{}) {
		s.policy = moderation.DefaultPolicy()
	}
	if s.repeatWindow <= 0 {
		s.repeatWindow = 30 * time.Second
	}
	if s.listMax <= 0 {
		s.listMax = 200
	}
	if s.listDefault <= 0 || s.listDefault > s.listMax {
		s.listDefault = min(50, s.listMax)
	}
	if s.rateGuard == nil {
		if w, ok := s.store.(ratelimit.Window); ok {
			s.rateGuard = ratelimit.New(w, ratelimit.DefaultRules(), s.now)
		}
	}
	if s.gatekeeper == nil {
		if r, ok := s.store.(idempotency.Records); ok {
			s.gatekeeper = idempotency.NewStoreGatekeeper(r)
		}
	}
	return s
}

// Submission is a create or reply request. VisitorID and ClientIP are filled
// in by the transport.
type Submission struct {
	PostSlug       string          `json:"post_slug" validate:"required,max=200"`
	DisplayName    *string         `json:"display_name" validate:"omitempty,maxutf16=32"`
	BodyHTML       string          `json:"body_html" validate:"required"`
	Selectors      json.RawMessage `json:"selectors" validate:"required"`
	Quote          string          `json:"quote" validate:"required"`
	Kind           string          `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required,max=200"`
	TurnstileToken string          `json:"turnstile_token" validate:"required"`
	ParentID       *int64          `json:"parent_id"`

	VisitorID string `json:"-"`
	ClientIP  string `json:"-"`
}

type Result struct {
	ID    int64  `json:"id"`
	State string `json:"state"`
}

// AnnotationView is an annotation as readers see it. Fingerprints, visitor
// ids and moderation signals stay server-side.
type AnnotationView struct {
	ID          int64           `json:"id"`
	PostID      int64           `json:"post_id"`
	ParentID    *int64          `json:"parent_id"`
	DisplayName *string         `json:"display_name"`
	BodyHTML    string          `json:"body_html"`
	Quote       string          `json:"quote"`
	Selectors   json.RawMessage `json:"selectors"`
	Kind        string          `json:"kind"`
	State       string          `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PendingView adds what a moderator needs to review an annotation.
type PendingView struct {
	AnnotationView
	VisitorID string          `json:"visitor_id"`
	Signals   json.RawMessage `json:"signals"`
}

func viewOf(a store.Annotation) AnnotationView {
	return AnnotationView{
		ID:          a.ID,
		PostID:      a.PostID,
		ParentID:    a.ParentID,
		DisplayName: a.DisplayName,
		BodyHTML:    a.BodyHTML,
		Quote:       a.Quote,
		Selectors:   a.Selectors,
		Kind:        a.Kind,
		State:       a.State,
		CreatedAt:   a.CreatedAt,
	}
}

func viewsOf(list []store.Annotation) []AnnotationView {
	out := make([]AnnotationView, 0, len(list))
	for _, a := range list {
		out = append(out, viewOf(a))
	}
	return out
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateAnnotation runs a top-level annotation through the write pipeline.
func (s *Service) CreateAnnotation(ctx context.Context, sub Submission) (Result, error) {
	return s.submit(ctx, sub, false)
}

// Reply runs a reply through the write pipeline. The parent must belong to
// the same post.
func (s *Service) Reply(ctx context.Context, sub Submission) (Result, error) {
	return s.submit(ctx, sub, true)
}

func (s *Service) submit(ctx context.Context, sub Submission, reply bool) (Result, error) {
	log := logger.C(ctx)

	env, err := checkSubmission(sub, reply)
	if err != nil {
		return Result{}, err
	}

	ok, err := s.verifier.Verify(ctx, sub.TurnstileToken, sub.ClientIP)
	if err != nil {
		log.Error().Err(err).Msg("bot verification failed")
		return Result{}, internalError("verification failed")
	}
	if !ok {
		return Result{}, domainError(http.StatusForbidden, CodeBotSuspected, "verification rejected")
	}

	post, err := s.store.GetPostBySlug(ctx, sub.PostSlug)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, notFound("post not found")
	}
	if err != nil {
		return Result{}, s.storeFailure(ctx, "load post", err)
	}

	fingerprint := ""
	if s.fingerprinter != nil {
		fingerprint = s.fingerprinter.Fingerprint(sub.ClientIP)
	}
	if err := s.rateGuard.Check(ctx, fingerprint, sub.VisitorID); err != nil {
		if errors.Is(err, ratelimit.ErrLimited) {
			log.Warn().Str("visitor_id", sub.VisitorID).Msg("write rate limited")
			return Result{}, domainError(http.StatusTooManyRequests, CodeRateLimited, "slow down")
		}
		return Result{}, s.storeFailure(ctx, "check rate", err)
	}

	if err := s.gatekeeper.Reserve(ctx, sub.VisitorID, sub.IdempotencyKey); err != nil {
		var conflict *idempotency.ConflictError
		if errors.As(err, &conflict) {
			derr := domainError(http.StatusConflict, CodeConflict, "duplicate submission")
			derr.ID = conflict.ID
			return Result{}, derr
		}
		return Result{}, s.storeFailure(ctx, "reserve idempotency key", err)
	}

	var parentID *int64
	if reply {
		parent, err := s.store.GetAnnotation(ctx, *sub.ParentID)
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, notFound("parent not found")
		}
		if err != nil {
			return Result{}, s.storeFailure(ctx, "load parent", err)
		}
		if parent.PostID != post.ID {
			return Result{}, invalidInput("parent mismatch")
		}
		parentID = &parent.ID
	}

	now := s.now()
	repeats, err := s.store.CountByQuoteSince(ctx, sub.Quote, now.Add(-s.repeatWindow))
	if err != nil {
		return Result{}, s.storeFailure(ctx, "count repeated quote", err)
	}

	verdict := s.policy.Evaluate(sub.BodyHTML, sub.IdempotencyKey, repeats)
	if verdict.State == moderation.StatePending {
		log.Warn().
			Int("url_count", verdict.Signals.URLCount).
			Bool("too_long", verdict.Signals.TooLong).
			Int("repeats", repeats).
			Msg("annotation held for review")
	}
	signals, err := json.Marshal(verdict.Signals)
	if err != nil {
		return Result{}, internalError("encode signals")
	}
	selectors, err := json.Marshal(env)
	if err != nil {
		return Result{}, internalError("encode selectors")
	}

	row := store.NewAnnotation{
		PostID:      post.ID,
		ParentID:    parentID,
		DisplayName: cleanDisplayName(sub.DisplayName),
		BodyHTML:    s.policy.Prepare(sub.BodyHTML),
		Quote:       sub.Quote,
		Selectors:   selectors,
		Kind:        string(moderation.NormalizeKind(sub.Kind)),
		State:       string(verdict.State),
		VisitorID:   sub.VisitorID,
		IPHash:      fingerprint,
		Signals:     signals,
		CreatedAt:   now,
	}
	id, err := s.store.InsertAnnotation(ctx, row)
	if err != nil {
		return Result{}, s.storeFailure(ctx, "insert annotation", err)
	}

	// The key stays reserved if this fails; a retry sees a conflict
	// instead of creating a duplicate.
	if err := s.gatekeeper.Finalize(ctx, sub.VisitorID, sub.IdempotencyKey, id); err != nil {
		log.Warn().Err(err).Int64("annotation_id", id).Msg("finalize idempotency key failed")
	}

	if verdict.State == moderation.StatePublished {
		s.indexAnnotation(annotationFromRow(id, row), post.Slug)
	}
	return Result{ID: id, State: row.State}, nil
}

func annotationFromRow(id int64, row store.NewAnnotation) store.Annotation {
	return store.Annotation{
		ID:          id,
		PostID:      row.PostID,
		ParentID:    row.ParentID,
		DisplayName: row.DisplayName,
		BodyHTML:    row.BodyHTML,
		Quote:       row.Quote,
		Selectors:   row.Selectors,
		Kind:        row.Kind,
		State:       row.State,
		VisitorID:   row.VisitorID,
		IPHash:      row.IPHash,
		Signals:     row.Signals,
		CreatedAt:   row.CreatedAt,
	}
}

func cleanDisplayName(name *string) *string {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func (s *Service) indexAnnotation(a store.Annotation, postSlug string) {
	if s.index == nil {
		return
	}
	s.index.IndexAnnotation(search.RecordFor(a, postSlug))
}

func (s *Service) storeFailure(ctx context.Context, op string, err error) error {
	logger.C(ctx).Error().Err(err).Str("op", op).Msg("store failure")
	return internalError(op + " failed")
}

// ListParams selects published annotations of one post.
type ListParams struct {
	Slug  string
	After *time.Time
	Limit int
}

// List returns published annotations oldest first. An unknown slug yields an
// empty list.
func (s *Service) List(ctx context.Context, params ListParams) ([]AnnotationView, error) {
	if strings.TrimSpace(params.Slug) == "" {
		return nil, invalidInput("missing slug")
	}
	post, err := s.store.GetPostBySlug(ctx, params.Slug)
	if errors.Is(err, store.ErrNotFound) {
		return []AnnotationView{}, nil
	}
	if err != nil {
		return nil, s.storeFailure(ctx, "load post", err)
	}
	list, err := s.store.ListPublished(ctx, store.ListQuery{
		PostID: post.ID,
		After:  params.After,
		Limit:  s.clampLimit(params.Limit),
	})
	if err != nil {
		return nil, s.storeFailure(ctx, "list annotations", err)
	}
	return viewsOf(list), nil
}

// Mine lists the visitor's own annotations on a post in every state.
func (s *Service) Mine(ctx context.Context, slug, visitorID string) ([]AnnotationView, error) {
	if strings.TrimSpace(slug) == "" {
		return nil, invalidInput("missing slug")
	}
	if visitorID == "" {
		return []AnnotationView{}, nil
	}
	post, err := s.store.GetPostBySlug(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return []AnnotationView{}, nil
	}
	if err != nil {
		return nil, s.storeFailure(ctx, "load post", err)
	}
	list, err := s.store.ListByVisitor(ctx, post.ID, visitorID, s.listMax)
	if err != nil {
		return nil, s.storeFailure(ctx, "list visitor annotations", err)
	}
	return viewsOf(list), nil
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.listDefault
	}
	return min(limit, s.listMax)
}

// Report records a reader's report against an annotation. The annotation
// itself is never changed.
func (s *Service) Report(ctx context.Context, annotationID int64, reason *string) error {
	if annotationID <= 0 {
		return invalidInput("missing annotation_id")
	}
	if _, err := s.store.GetAnnotation(ctx, annotationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("annotation not found")
		}
		return s.storeFailure(ctx, "load annotation", err)
	}
	if reason != nil {
		trimmed := strings.TrimSpace(*reason)
		reason = &trimmed
		if trimmed == "" {
			reason = nil
		}
	}
	if _, err := s.store.InsertReport(ctx, annotationID, reason, s.now()); err != nil {
		return s.storeFailure(ctx, "insert report", err)
	}
	return nil
}

// Pending lists annotations held for review, oldest first.
func (s *Service) Pending(ctx context.Context, limit int) ([]PendingView, error) {
	list, err := s.store.ListPending(ctx, s.clampLimit(limit))
	if err != nil {
		return nil, s.storeFailure(ctx, "list pending", err)
	}
	out := make([]PendingView, 0, len(list))
	for _, a := range list {
		out = append(out, PendingView{AnnotationView: viewOf(a), VisitorID: a.VisitorID, Signals: a.Signals})
	}
	return out, nil
}

// SetState applies a moderator decision. Only published and rejected are
// accepted; repeating the current state is a no-op.
func (s *Service) SetState(ctx context.Context, id int64, state string) error {
	if id <= 0 {
		return invalidInput("missing id")
	}
	to, ok := moderation.ParseState(state)
	if !ok || to == moderation.StatePending {
		return invalidInput("state must be published or rejected")
	}
	current, err := s.store.GetAnnotation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return notFound("annotation not found")
	}
	if err != nil {
		return s.storeFailure(ctx, "load annotation", err)
	}
	from := moderation.State(current.State)
	if !moderation.CanTransition(from, to) {
		return domainError(http.StatusConflict, CodeConflict, fmt.Sprintf("cannot move %s annotation to %s", from, to))
	}
	if from == to {
		return nil
	}
	if err := s.store.SetState(ctx, id, string(to)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("annotation not found")
		}
		return s.storeFailure(ctx, "set state", err)
	}
	logger.C(ctx).Info().Int64("annotation_id", id).Str("from", string(from)).Str("to", string(to)).Msg("moderation decision")

	if to == moderation.StatePublished && s.index != nil {
		current.State = string(to)
		post, err := s.store.GetPostByID(ctx, current.PostID)
		if err != nil {
			logger.C(ctx).Warn().Err(err).Int64("annotation_id", id).Msg("skip search index")
			return nil
		}
		s.indexAnnotation(current, post.Slug)
	}
	return nil
}

// PostInput creates or updates a document by slug.
type PostInput struct {
	Slug        string     `json:"slug" validate:"required,max=200"`
	HTML        string     `json:"html" validate:"required"`
	PlainText   string     `json:"plain_text" validate:"required"`
	Revision    *int       `json:"revision" validate:"omitempty,min=1"`
	ContentHash *string    `json:"content_hash"`
	PublishedAt *time.Time `json:"published_at"`
}

type PostResult struct {
	ID      int64 `json:"id"`
	Created bool  `json:"created,omitempty"`
	Updated bool  `json:"updated,omitempty"`
}

func (s *Service) UpsertPost(ctx context.Context, in PostInput) (PostResult, error) {
	if err := validatorInstance().Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return PostResult{}, invalidInput(verrs[0].Field() + " is " + verrs[0].Tag())
		}
		return PostResult{}, invalidInput(err.Error())
	}
	id, created, err := s.store.UpsertPost(ctx, store.PostUpsert{
		Slug:        in.Slug,
		HTML:        in.HTML,
		PlainText:   in.PlainText,
		Revision:    in.Revision,
		ContentHash: in.ContentHash,
		PublishedAt: in.PublishedAt,
	}, s.now())
	if err != nil {
		return PostResult{}, s.storeFailure(ctx, "upsert post", err)
	}
	return PostResult{ID: id, Created: created, Updated: !created}, nil
}

// Search queries published annotations. It never fails; an unavailable
// backend yields no results.
func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{}, invalidInput("missing q")
	}
	q.Limit = s.clampLimit(q.Limit)
	if s.searcher == nil {
		return search.Response{Query: q.Text, Results: []search.Result{}}, nil
	}
	return s.searcher.Search(ctx, q), nil
}
