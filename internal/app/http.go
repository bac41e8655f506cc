package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/crypto/bcrypt"

	"marginalia/internal/identity"
	"marginalia/internal/logger"
	"marginalia/internal/search"
)

const maxBodyBytes = 1 << 20

type HTTPOptions struct {
	CORSOrigin string
	// OriginHost, when set, is the only host writes are accepted from.
	OriginHost string
	// ModeratorTokenHash is a bcrypt hash; empty disables the admin routes.
	ModeratorTokenHash string
}

type HTTPServer struct {
	service       *Service
	corsOrigin    string
	originHost    string
	moderatorHash []byte
}

func NewHTTPServer(service *Service, opt HTTPOptions) *HTTPServer {
	origin := strings.TrimSpace(opt.CORSOrigin)
	if origin == "" {
		origin = "*"
	}
	return &HTTPServer{
		service:       service,
		corsOrigin:    origin,
		originHost:    strings.ToLower(strings.TrimSpace(opt.OriginHost)),
		moderatorHash: []byte(strings.TrimSpace(opt.ModeratorTokenHash)),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.corsOrigin},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: s.corsOrigin != "*",
		MaxAge:           300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeInvalidInput, "Method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)

		r.Route("/annotations", func(r chi.Router) {
			r.Get("/list", s.handleList)
			r.Get("/mine", s.handleMine)
			r.Get("/search", s.handleSearch)
			r.Group(func(r chi.Router) {
				r.Use(s.sameOriginOnly)
				r.Post("/create", s.handleCreate)
				r.Post("/reply", s.handleReply)
				r.Post("/report", s.handleReport)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireModerator)
			r.Get("/mod/pending", s.handleModPending)
			r.Post("/mod/update", s.handleModUpdate)
			r.Post("/posts/upsert", s.handlePostUpsert)
		})
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.service.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":     false,
			"status": "not_ready",
			"checks": map[string]any{
				"database": map[string]any{"status": "down", "error": err.Error()},
			},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"status": "ready",
		"checks": map[string]any{
			"database": map[string]any{"status": "up"},
		},
	})
}

func (s *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	params := ListParams{Slug: strings.TrimSpace(query.Get("slug")), Limit: parseLimit(query.Get("limit"))}
	if raw := strings.TrimSpace(query.Get("after")); raw != "" {
		after, err := parseAfter(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidInput, "after must be an RFC 3339 timestamp")
			return
		}
		params.After = &after
	}
	list, err := s.service.List(r.Context(), params)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *HTTPServer) handleMine(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.Mine(r.Context(), strings.TrimSpace(r.URL.Query().Get("slug")), identity.ExistingVisitor(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	resp, err := s.service.Search(r.Context(), search.Query{
		Text:     strings.TrimSpace(query.Get("q")),
		PostSlug: strings.TrimSpace(query.Get("slug")),
		Limit:    parseLimit(query.Get("limit")),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.handleSubmit(w, r, s.service.CreateAnnotation)
}

func (s *HTTPServer) handleReply(w http.ResponseWriter, r *http.Request) {
	s.handleSubmit(w, r, s.service.Reply)
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request, submit func(context.Context, Submission) (Result, error)) {
	var body Submission
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, err.Error())
		return
	}
	body.VisitorID = identity.Visitor(w, r)
	body.ClientIP = identity.ClientIP(r)

	result, err := submit(r.Context(), body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleReport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AnnotationID int64   `json:"annotation_id"`
		Reason       *string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, err.Error())
		return
	}
	if err := s.service.Report(r.Context(), body.AnnotationID, body.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *HTTPServer) handleModPending(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.Pending(r.Context(), parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *HTTPServer) handleModUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID    int64  `json:"id"`
		State string `json:"state"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, err.Error())
		return
	}
	if err := s.service.SetState(r.Context(), body.ID, strings.TrimSpace(body.State)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handlePostUpsert(w http.ResponseWriter, r *http.Request) {
	var body PostInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, err.Error())
		return
	}
	result, err := s.service.UpsertPost(r.Context(), body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// sameOriginOnly rejects writes whose Origin (or Referer) host differs from
// the configured host. It lets everything through when no host is set.
func (s *HTTPServer) sameOriginOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.originHost != "" && !sameOrigin(r, s.originHost) {
			writeError(w, http.StatusForbidden, CodeBadOrigin, "Cross-origin write rejected")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sameOrigin(r *http.Request, host string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.Header.Get("Referer")
	}
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, host)
}

func (s *HTTPServer) requireModerator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if len(s.moderatorHash) == 0 || token == "" ||
			bcrypt.CompareHashAndPassword(s.moderatorHash, []byte(token)) != nil {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		r = r.WithContext(logger.WithRequest(r.Context(), requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		logger.C(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody(code, message, 0))
}

func errorBody(code, message string, id int64) map[string]any {
	response := map[string]any{"error": code}
	if message != "" {
		response["message"] = message
	}
	if id > 0 {
		response["id"] = id
	}
	return response
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, code, message, id := mapError(err)
	writeJSON(w, status, errorBody(code, message, id))
}

func mapError(err error) (status int, code, message string, id int64) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.ID
	}
	return http.StatusInternalServerError, CodeInternal, "Server error", 0
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return errors.New("missing JSON body")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("missing JSON body")
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// parseLimit returns 0 for anything that is not a positive integer; the
// service substitutes its default.
func parseLimit(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseAfter(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateTime, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("parse after %q", raw)
}
