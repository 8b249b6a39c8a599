// Package api exposes the HTTP interface for the tab search service.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/tabs for tab management, fetch/cancel dispatch, and article reads.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/twbeatles/navernews-tabsearch/internal/news"
	"github.com/twbeatles/navernews-tabsearch/internal/registry"
)

const (
	// queryWait bounds how long the news endpoint waits for its query worker.
	queryWait = 10 * time.Second
	// requestTimeout bounds every handler.
	requestTimeout = 30 * time.Second
)

// Server wires HTTP handlers to the registry and stores.
type Server struct {
	router chi.Router
	tabs   *TabSet
	reg    *registry.Registry
	hub    *ResultHub
	store  news.Store
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The gatherer
// backs /metrics; pass prometheus.DefaultGatherer in production.
func NewServer(
	tabs *TabSet,
	reg *registry.Registry,
	hub *ResultHub,
	store news.Store,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tabs:   tabs,
		reg:    reg,
		hub:    hub,
		store:  store,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tabs", func(r chi.Router) {
			r.Get("/", s.listTabs)
			r.Post("/", s.createTab)
			r.Route("/{tab_id}", func(r chi.Router) {
				r.Patch("/", s.updateTab)
				r.Delete("/", s.closeTab)
				r.Post("/fetch", s.startFetch)
				r.Post("/cancel", s.cancelTab)
				r.Get("/news", s.listNews)
				r.Get("/status", s.tabStatus)
				r.Post("/read", s.markRead)
				r.Post("/bookmark", s.setBookmark)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.store.Count(ctx, ""); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createTabRequest struct {
	Name  string `json:"name"`
	Query string `json:"query"`
}

func (s *Server) createTab(w http.ResponseWriter, r *http.Request) {
	var req createTabRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	tab, err := s.tabs.Create(req.Name, req.Query)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"tab": tab})
}

func (s *Server) listTabs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tabs": s.tabs.List()})
}

type updateTabRequest struct {
	Name  string `json:"name"`
	Query string `json:"query"`
}

func (s *Server) updateTab(w http.ResponseWriter, r *http.Request) {
	tabID := chi.URLParam(r, "tab_id")
	var req updateTabRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	old, ok := s.tabs.Get(tabID)
	if !ok {
		writeError(w, http.StatusNotFound, "tab not found")
		return
	}
	tab, err := s.tabs.Update(tabID, req.Name, req.Query)
	if err != nil {
		if errors.Is(err, ErrTabNotFound) {
			writeError(w, http.StatusNotFound, "tab not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// A query change invalidates whatever the tab had in flight.
	if req.Query != "" && req.Query != old.Query {
		s.reg.Cancel(tabID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tab": tab})
}

func (s *Server) closeTab(w http.ResponseWriter, r *http.Request) {
	tabID := chi.URLParam(r, "tab_id")
	if !s.tabs.Remove(tabID) {
		writeError(w, http.StatusNotFound, "tab not found")
		return
	}
	s.reg.CloseTab(tabID)
	writeJSON(w, http.StatusOK, map[string]string{"tab_id": tabID, "status": "closed"})
}

func (s *Server) startFetch(w http.ResponseWriter, r *http.Request) {
	tabID := chi.URLParam(r, "tab_id")
	tab, ok := s.tabs.Get(tabID)
	if !ok {
		writeError(w, http.StatusNotFound, "tab not found")
		return
	}
	loadMore, _ := strconv.ParseBool(r.URL.Query().Get("load_more"))

	id, started, err := s.reg.StartFetch(tabID, tab.Query, loadMore)
	switch {
	case errors.Is(err, news.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, registry.ErrPageLimit):
		writeError(w, http.StatusConflict, "no further pages are retrievable")
		return
	case errors.Is(err, registry.ErrRegistryClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	case err != nil:
		s.logger.Error("fetch dispatch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"request_id": uint64(id),
		"started":    started,
	})
}

func (s *Server) cancelTab(w http.ResponseWriter, r *http.Request) {
	tabID := chi.URLParam(r, "tab_id")
	if _, ok := s.tabs.Get(tabID); !ok {
		writeError(w, http.StatusNotFound, "tab not found")
		return
	}
	n := s.reg.Cancel(tabID)
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": n})
}

func (s *Server) listNews(w http.ResponseWriter, r *http.Request) {
	tabID := chi.URLParam(r, "tab_id")
	tab, ok := s.tabs.Get(tabID)
	if !ok {
		writeError(w, http.StatusNotFound, "tab not found")
		return
	}
	opts, err := parseQueryOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.reg.StartQuery(tabID, tab.Query, opts)
	switch {
	case errors.Is(err, news.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, registry.ErrRegistryClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	case err != nil:
		s.logger.Error("query dispatch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryWait)
	defer cancel()
	res, err := s.hub.WaitQuery(ctx, id)
	if err != nil {
		// Superseded by a newer query for the tab, or the wait timed out.
		writeError(w, http.StatusConflict, "query superseded or timed out")
		return
	}
	if res.Err != nil {
		s.logger.Error("query failed", zap.String("tab_id", tabID), zap.Error(res.Err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": res.Rows.Rows,
		"total": res.Rows.Total,
	})
}

func (s *Server) tabStatus(w http.ResponseWriter, r *http.Request) {
	tabID := chi.URLParam(r, "tab_id")
	tab, ok := s.tabs.Get(tabID)
	if !ok {
		writeError(w, http.StatusNotFound, "tab not found")
		return
	}
	status := map[string]any{
		"tab":      tab,
		"fetching": s.reg.InFlight(tab.Query),
	}
	// The badge counts unread rows for the tab's normalized key, the same key
	// fetch dispatch and storage use.
	if key, err := news.BuildFetchKey(tab.Query); err == nil {
		if unread, err := s.store.UnreadCount(r.Context(), key.Term); err == nil {
			status["unread"] = unread
		} else {
			s.logger.Error("unread count failed", zap.String("tab_id", tabID), zap.Error(err))
		}
	}
	if state, ok := s.reg.FetchState(tabID); ok {
		status["next_start_index"] = state.NextStartIndex
		status["total_fetched"] = state.TotalFetched
		status["duplicates"] = state.DuplicateCount
		status["last_fetched_at"] = state.LastFetchedAt
	}
	if last, ok := s.hub.LastFetch(tabID); ok {
		if last.Err != nil {
			status["last_fetch_error"] = last.Err.Error()
		} else {
			status["last_fetch_added"] = last.Outcome.Added
		}
	}
	writeJSON(w, http.StatusOK, status)
}

type articleFlagRequest struct {
	Link  string `json:"link"`
	Value *bool  `json:"value"`
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	s.setArticleFlag(w, r, s.store.MarkRead)
}

func (s *Server) setBookmark(w http.ResponseWriter, r *http.Request) {
	s.setArticleFlag(w, r, s.store.SetBookmark)
}

func (s *Server) setArticleFlag(
	w http.ResponseWriter,
	r *http.Request,
	apply func(ctx context.Context, keyword, link string, value bool) error,
) {
	tabID := chi.URLParam(r, "tab_id")
	tab, ok := s.tabs.Get(tabID)
	if !ok {
		writeError(w, http.StatusNotFound, "tab not found")
		return
	}
	var req articleFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Link == "" {
		writeError(w, http.StatusBadRequest, "link is required")
		return
	}
	value := true
	if req.Value != nil {
		value = *req.Value
	}
	key, err := news.BuildFetchKey(tab.Query)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := apply(r.Context(), key.Term, req.Link, value); err != nil {
		s.logger.Error("article flag update failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"link": req.Link, "value": value})
}

func parseQueryOptions(r *http.Request) (registry.QueryOptions, error) {
	q := r.URL.Query()
	opts := registry.QueryOptions{
		FilterText: q.Get("filter"),
	}
	switch q.Get("sort") {
	case "", "newest":
		opts.Sort = news.SortNewest
	case "oldest":
		opts.Sort = news.SortOldest
	case "publisher":
		opts.Sort = news.SortPublisher
	default:
		return registry.QueryOptions{}, errors.New("sort must be newest, oldest, or publisher")
	}
	opts.OnlyBookmarked, _ = strconv.ParseBool(q.Get("bookmarked"))
	opts.OnlyUnread, _ = strconv.ParseBool(q.Get("unread"))
	opts.HideDuplicates, _ = strconv.ParseBool(q.Get("hide_duplicates"))
	for name, dst := range map[string]**time.Time{"from": &opts.StartDate, "to": &opts.EndDate} {
		if raw := q.Get(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return registry.QueryOptions{}, errors.New(name + " must be RFC 3339")
			}
			*dst = &t
		}
	}
	return opts, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
