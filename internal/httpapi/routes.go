package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"broadcastd/internal/recurrence"
	"broadcastd/internal/storage"
	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
)

const maxInboundBody = 64 << 10

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, s.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.ready)
	if m := s.deps.Metrics; m != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		if s.deps.Inbox != nil {
			r.With(s.requireToken).Post("/inbound/{backend}", s.inbound)
		}
		if s.deps.Reports != nil {
			r.Get("/usage", s.usage)
			r.Get("/usage/series", s.series)
		}
		if s.deps.Bodies != nil {
			r.Get("/broadcasts/recent", s.recentBodies)
		}
		if s.deps.Casts != nil {
			r.Get("/broadcasts/{id}/upcoming", s.upcoming)
		}
		if s.deps.Sched != nil {
			r.Get("/schedules", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, s.deps.Sched.Snapshot())
			})
		}
	})

	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			s.log.Warn("readiness check failed", logx.Err(err))
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.cfg.InboundToken
		if want != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// InboundRequest is the body accepted by POST /v1/inbound/{backend}.
type InboundRequest struct {
	Identity string `json:"identity"`
	Text     string `json:"text"`
}

func (s *Server) inbound(w http.ResponseWriter, r *http.Request) {
	backend := strings.ToLower(chi.URLParam(r, "backend"))
	if !slices.Contains(s.deps.Inbox.Backends(), backend) {
		writeError(w, http.StatusNotFound, "unknown_backend")
		return
	}
	var in InboundRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInboundBody)).Decode(&in); err != nil ||
		strings.TrimSpace(in.Identity) == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	msg := transport.Inbound{
		Backend:    backend,
		Identity:   strings.TrimSpace(in.Identity),
		Text:       in.Text,
		ReceivedAt: s.deps.Clock(),
	}
	select {
	case s.deps.Inbox.Inbound() <- msg:
		writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
	default:
		s.log.Warn("inbound queue full; rejecting push", logx.String("backend", backend))
		writeError(w, http.StatusServiceUnavailable, "queue_full")
	}
}

func (s *Server) parseDate(raw string) (time.Time, bool) {
	t, err := time.ParseInLocation("2006-01-02", raw, s.cfg.Location)
	return t, err == nil
}

// usage serves GET /v1/usage?start=YYYY-MM-DD&end=YYYY-MM-DD; both days are
// inclusive. Without parameters it reports the current month so far.
func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	now := s.deps.Clock().In(s.cfg.Location)
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.cfg.Location)
	end := now
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		t, ok := s.parseDate(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_start")
			return
		}
		start = t
	}
	if v := q.Get("end"); v != "" {
		t, ok := s.parseDate(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_end")
			return
		}
		end = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	u, err := s.deps.Reports.Usage(r.Context(), start, end)
	if err != nil {
		s.log.Error("usage report failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "report_failed")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// series serves GET /v1/usage/series?date=YYYY-MM-DD (default today).
func (s *Server) series(w http.ResponseWriter, r *http.Request) {
	date := s.deps.Clock().In(s.cfg.Location)
	if v := r.URL.Query().Get("date"); v != "" {
		t, ok := s.parseDate(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_date")
			return
		}
		date = t
	}
	pts, err := s.deps.Reports.Series(r.Context(), date, s.cfg.Location)
	if err != nil {
		s.log.Error("usage series failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "report_failed")
		return
	}
	writeJSON(w, http.StatusOK, pts)
}

// recentBodies serves GET /v1/broadcasts/recent?group=<id>&group=<id>&limit=N.
func (s *Server) recentBodies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var groups []int64
	for _, raw := range q["group"] {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_group")
			return
		}
		groups = append(groups, id)
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}
	bodies, err := s.deps.Bodies.RecentBodies(r.Context(), groups, limit, s.cfg.ConfirmationsGroup)
	if err != nil {
		s.log.Error("recent bodies failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "store_failed")
		return
	}
	if bodies == nil {
		bodies = []string{}
	}
	writeJSON(w, http.StatusOK, bodies)
}

const defaultUpcoming = 5

// upcoming serves GET /v1/broadcasts/{id}/upcoming?n=N, the next fire times
// of one broadcast in the scheduler timezone. A disabled broadcast has none.
func (s *Server) upcoming(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	n := defaultUpcoming
	if v := r.URL.Query().Get("n"); v != "" {
		n, err = strconv.Atoi(v)
		if err != nil || n <= 0 || n > 50 {
			writeError(w, http.StatusBadRequest, "invalid_n")
			return
		}
	}
	b, err := s.deps.Casts.GetBroadcast(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		s.log.Error("load broadcast failed", logx.Int64("broadcast_id", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "store_failed")
		return
	}
	b.Date = b.Date.In(s.cfg.Location)
	next := recurrence.Upcoming(b, s.deps.Clock().In(s.cfg.Location), n)
	writeJSON(w, http.StatusOK, map[string]any{"broadcast_id": id, "upcoming": next})
}
