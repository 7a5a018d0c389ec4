package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"localcron/internal/domain"
	"localcron/internal/lint"
	"localcron/internal/queue"
	"localcron/internal/schedule"
)

const (
	defaultUpcoming = 5
	maxUpcoming     = 100
	defaultTaskList = 50
)

// Scheduler is the part of scheduler.Service the API drives.
type Scheduler interface {
	Parse(expr string) (schedule.Schedule, error)
	Validate(sch domain.Schedule) error
	Upcoming(sch domain.Schedule, n int) ([]time.Time, error)
	Add(sch domain.Schedule) error
	Remove(id string) bool
	Running() []string
}

type Server struct {
	r      *chi.Mux
	repo   queue.Repository
	sched  Scheduler
	logger zerolog.Logger
}

type Option func(*options)

type options struct {
	logger zerolog.Logger
	debug  bool
}

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.logger = l } }

// WithDebug mounts the pprof handlers under /debug/pprof.
func WithDebug(enabled bool) Option { return func(o *options) { o.debug = enabled } }

func NewServer(repo queue.Repository, sched Scheduler, opts ...Option) http.Handler {
	o := options{logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(o.logger), middleware.Recoverer)

	s := &Server{r: r, repo: repo, sched: sched, logger: o.logger}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)

		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Put("/schedules/{id}", s.updateSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)
		r.Get("/schedules/{id}/upcoming", s.upcoming)

		r.Post("/expressions/parse", s.parseExpression)
	})

	if o.debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

// requestLogger writes one zerolog line per request.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Msg("http request")
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "localcron_up 1\nlocalcron_engines %d\n", len(s.sched.Running()))
}

type submitReq struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey *string         `json:"idempotency_key"`
}

type idResp struct {
	ID string `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	id, err := s.repo.Enqueue(r.Context(), domain.Task{
		Type: req.Type, Payload: req.Payload, Priority: req.Priority,
		MaxAttempts: req.MaxAttempts, IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, idResp{ID: id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", defaultTaskList, 1000)
	if !ok {
		return
	}
	tasks, err := s.repo.ListRecentTasks(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type scheduleReq struct {
	Name        string          `json:"name"`
	CronExpr    string          `json:"cron_expr"`
	Timezone    *string         `json:"timezone"`
	TaskType    string          `json:"task_type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	Enabled     *bool           `json:"enabled"`
}

// apply copies the fields set in req onto sch.
func (req scheduleReq) apply(sch *domain.Schedule) {
	if req.Name != "" {
		sch.Name = req.Name
	}
	if req.CronExpr != "" {
		sch.CronExpr = req.CronExpr
	}
	if req.Timezone != nil {
		sch.Timezone = *req.Timezone
	}
	if req.TaskType != "" {
		sch.TaskType = req.TaskType
	}
	if req.Payload != nil {
		sch.Payload = req.Payload
	}
	if req.Priority > 0 {
		sch.Priority = req.Priority
	}
	if req.MaxAttempts > 0 {
		sch.MaxAttempts = req.MaxAttempts
	}
	if req.Enabled != nil {
		sch.Enabled = *req.Enabled
	}
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch {
	case req.Name == "":
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	case req.CronExpr == "":
		http.Error(w, "cron_expr is required", http.StatusBadRequest)
		return
	case req.TaskType == "":
		http.Error(w, "task_type is required", http.StatusBadRequest)
		return
	}

	sch := domain.Schedule{Enabled: true}
	req.apply(&sch)
	if err := s.sched.Validate(sch); err != nil {
		http.Error(w, "invalid schedule: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.repo.CreateSchedule(r.Context(), sch)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	stored, err := s.repo.GetSchedule(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if err := s.sched.Add(stored); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.repo.ListSchedules(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lookupError(w, r, err)
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.apply(&sch)
	if err := s.sched.Validate(sch); err != nil {
		http.Error(w, "invalid schedule: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.repo.UpdateSchedule(r.Context(), sch); err != nil {
		s.internalError(w, r, err)
		return
	}
	if err := s.sched.Add(sch); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.repo.DeleteSchedule(r.Context(), id); err != nil {
		s.lookupError(w, r, err)
		return
	}
	s.sched.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

type upcomingResp struct {
	ID  string      `json:"id"`
	Run []time.Time `json:"upcoming"`
}

func (s *Server) upcoming(w http.ResponseWriter, r *http.Request) {
	n, ok := intParam(w, r, "n", defaultUpcoming, maxUpcoming)
	if !ok {
		return
	}
	sch, err := s.repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lookupError(w, r, err)
		return
	}
	runs, err := s.sched.Upcoming(sch, n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, upcomingResp{ID: sch.ID, Run: runs})
}

type parseReq struct {
	Expr     string `json:"expr"`
	Timezone string `json:"timezone"`
	Count    int    `json:"count"`
}

type parseResp struct {
	Expr     string         `json:"expr"`
	Minutes  []int          `json:"minutes"`
	Hours    []int          `json:"hours"`
	Days     []int          `json:"days"`
	Months   []int          `json:"months"`
	Dows     []int          `json:"dows"`
	Warnings []lint.Warning `json:"warnings"`
	Next     []time.Time    `json:"next"`
}

func (s *Server) parseExpression(w http.ResponseWriter, r *http.Request) {
	var req parseReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	parsed, err := s.sched.Parse(req.Expr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	count := req.Count
	if count <= 0 {
		count = defaultUpcoming
	}
	if count > maxUpcoming {
		count = maxUpcoming
	}
	next, err := s.sched.Upcoming(domain.Schedule{CronExpr: req.Expr, Timezone: req.Timezone}, count)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	warnings := lint.Check(req.Expr)
	if warnings == nil {
		warnings = []lint.Warning{}
	}
	writeJSON(w, http.StatusOK, parseResp{
		Expr:     parsed.String(),
		Minutes:  parsed.Minutes(),
		Hours:    parsed.Hours(),
		Days:     parsed.Days(),
		Months:   parsed.Months(),
		Dows:     parsed.Dows(),
		Warnings: warnings,
		Next:     next,
	})
}

func (s *Server) lookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.internalError(w, r, err)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// intParam reads a positive integer query parameter, capped at limit. It
// writes a 400 and returns false when the value is malformed.
func intParam(w http.ResponseWriter, r *http.Request, name string, def, limit int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		http.Error(w, name+" must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return min(n, limit), true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
