// Package statusapi exposes read-only scheduler diagnostics over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/azargarov/jobsched"
	"github.com/azargarov/jobsched/history"
)

// HistoryReader is the query side of history.Store.
type HistoryReader interface {
	Get(ctx context.Context, id string) (jobsched.ItemInfo, error)
	List(ctx context.Context, f history.Filter) ([]jobsched.ItemInfo, error)
	Counts(ctx context.Context) (map[jobsched.Status]int, error)
}

type Option func(*api)

// WithHistory mounts the /history endpoints.
func WithHistory(h HistoryReader) Option {
	return func(a *api) { a.history = h }
}

type api struct {
	m       *jobsched.Manager
	q       *jobsched.PriorityWorkQueue
	history HistoryReader
}

// HealthReport is the body of GET /healthz.
type HealthReport struct {
	Healthy  bool                     `json:"healthy"`
	Services []jobsched.ServiceHealth `json:"services"`
}

// NewRouter builds the diagnostics router.
func NewRouter(m *jobsched.Manager, q *jobsched.PriorityWorkQueue, opts ...Option) http.Handler {
	a := &api{m: m, q: q}
	for _, o := range opts {
		o(a)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthz)
	r.Get("/stats", a.stats)
	r.Get("/services", a.services)
	r.Get("/services/{name}", a.service)
	r.Get("/queue", a.queue)
	if a.history != nil {
		r.Get("/history", a.historyList)
		r.Get("/history/{id}", a.historyItem)
		r.Get("/history/counts", a.historyCounts)
	}
	return r
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		lg.FromContext(r.Context()).Warn("status response not written",
			lg.String("path", r.URL.Path),
			lg.Any("error", err),
		)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	writeJSON(w, r, status, map[string]string{"error": err.Error()})
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	rep := HealthReport{Healthy: true}
	mh := a.m.Health()
	rep.Services = append(rep.Services, mh)
	rep.Healthy = mh.IsHealthy
	for _, info := range a.m.ListAll() {
		rep.Services = append(rep.Services, info.Health)
		if !info.Health.IsHealthy {
			rep.Healthy = false
		}
	}
	status := http.StatusOK
	if !rep.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, rep)
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, a.m.Stats())
}

func (a *api) services(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, a.m.ListAll())
}

func (a *api) service(w http.ResponseWriter, r *http.Request) {
	info, err := a.m.GetInfo(chi.URLParam(r, "name"))
	if errors.Is(err, jobsched.ErrServiceNotFound) {
		writeError(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, r, http.StatusOK, info)
}

func (a *api) queue(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	items := a.q.List()
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	writeJSON(w, r, http.StatusOK, items)
}

func (a *api) historyList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	items, err := a.history.List(r.Context(), history.Filter{
		Type:   r.URL.Query().Get("type"),
		Status: jobsched.Status(r.URL.Query().Get("status")),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []jobsched.ItemInfo{}
	}
	writeJSON(w, r, http.StatusOK, items)
}

func (a *api) historyItem(w http.ResponseWriter, r *http.Request) {
	info, err := a.history.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, r, http.StatusOK, info)
}

func (a *api) historyCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := a.history.Counts(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, r, http.StatusOK, counts)
}
