package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/teranos/bibexport/export"
	"github.com/teranos/bibexport/library"
	"github.com/teranos/bibexport/pulse"
	"github.com/teranos/bibexport/pulse/async"
	"github.com/teranos/bibexport/worker"
)

// ExportRequest is the body of POST /api/export. Scope and Items are
// exclusive; with neither the default library is exported.
type ExportRequest struct {
	Converter   string                 `json:"converter"`
	Options     map[string]interface{} `json:"options,omitempty"`
	Scope       string                 `json:"scope,omitempty"`
	Items       []*library.Record      `json:"items,omitempty"`
	Path        string                 `json:"path,omitempty"`
	Preferences map[string]interface{} `json:"preferences,omitempty"`
	AutoExport  string                 `json:"autoexport,omitempty"`
	Wait        bool                   `json:"wait,omitempty"`
}

// ExportResponse is returned for a submitted job
type ExportResponse struct {
	JobID    string `json:"job_id"`
	Output   string `json:"output,omitempty"`
	Canceled bool   `json:"canceled,omitempty"`
}

// HealthResponse is returned by /health
type HealthResponse struct {
	Status   string        `json:"status"`
	Queued   int           `json:"queued"`
	Disabled bool          `json:"disabled"`
	Worker   worker.Health `json:"worker"`
}

// CacheStat is one converter's row in GET /api/cache
type CacheStat struct {
	Converter string `json:"converter"`
	Entries   int    `json:"entries"`
	Oldest    string `json:"oldest,omitempty"`
	Newest    string `json:"newest,omitempty"`
}

// HandleExport submits a job. With wait set the response carries the output.
func (s *Server) HandleExport(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req ExportRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.Converter == "" {
		writeError(w, http.StatusBadRequest, "converter is required")
		return
	}

	var scope *export.Scope
	switch {
	case req.Scope != "" && len(req.Items) > 0:
		writeError(w, http.StatusBadRequest, "scope and items are mutually exclusive")
		return
	case len(req.Items) > 0:
		scope = export.ItemsScope(req.Items...)
	case req.Scope != "":
		parsed, err := export.ParseScope(req.Scope)
		if err != nil {
			writeExportError(w, err)
			return
		}
		scope = parsed
	}

	job := &export.Job{
		ConverterID:    req.Converter,
		DisplayOptions: req.Options,
		Scope:          scope,
		Path:           req.Path,
		AutoExport:     req.AutoExport,
		Preferences:    req.Preferences,
	}
	future, err := s.exporter.Submit(job)
	if err != nil {
		writeExportError(w, err)
		return
	}
	s.track(job, future)
	s.logger.Infow("Export submitted", "job_id", job.ID, "converter", req.Converter, "scope", scope.String())

	if !req.Wait {
		writeJSON(w, http.StatusAccepted, ExportResponse{JobID: job.ID})
		return
	}

	select {
	case <-future.Done():
	case <-r.Context().Done():
		// client went away; the job keeps running
		return
	}
	res, err := future.Result()
	if err != nil {
		writeExportError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExportResponse{JobID: job.ID, Output: res.Output, Canceled: res.Canceled})
}

// track remembers job until it settles so it can be cancelled
func (s *Server) track(job *export.Job, future *async.Future) {
	s.active.Store(job.ID, job)
	go func() {
		select {
		case <-future.Done():
		case <-s.ctx.Done():
		}
		s.active.Delete(job.ID)
	}()
}

// cancelJob requests cancellation of an in-flight job
func (s *Server) cancelJob(id string) bool {
	v, ok := s.active.Load(id)
	if !ok {
		return false
	}
	v.(*export.Job).Cancel()
	s.logger.Infow("Export cancel requested", "job_id", id)
	return true
}

// HandleJobs lists recent jobs (GET /api/jobs?status=&limit=)
func (s *Server) HandleJobs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotFound, "job history is not enabled")
		return
	}

	var status *async.JobStatus
	if v := r.URL.Query().Get("status"); v != "" {
		if !async.IsValidStatus(v) {
			writeError(w, http.StatusBadRequest, "invalid status: "+v)
			return
		}
		st := async.JobStatus(v)
		status = &st
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+v)
			return
		}
		limit = n
	}

	jobs, err := s.history.ListJobs(status, limit)
	if err != nil {
		writeExportError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*async.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// HandleJob serves GET /api/jobs/{id} and POST /api/jobs/{id}/cancel
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if rest == "" {
		s.HandleJobs(w, r)
		return
	}

	if id, ok := strings.CutSuffix(rest, "/cancel"); ok {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if !s.cancelJob(id) {
			writeError(w, http.StatusNotFound, "no active job "+id)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
		return
	}

	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotFound, "job history is not enabled")
		return
	}
	job, err := s.history.GetJob(rest)
	if err != nil {
		writeExportError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleCacheStats reports cache entries per converter
func (s *Server) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.cache == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false, "converters": []CacheStat{}})
		return
	}
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		writeExportError(w, err)
		return
	}
	out := make([]CacheStat, 0, len(stats))
	for _, st := range stats {
		cs := CacheStat{Converter: st.Converter, Entries: st.Entries}
		if !st.Oldest.IsZero() {
			cs.Oldest = st.Oldest.UTC().Format(timeFormat)
		}
		if !st.Newest.IsZero() {
			cs.Newest = st.Newest.UTC().Format(timeFormat)
		}
		out = append(out, cs)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": s.cache.Enabled(), "converters": out})
}

const timeFormat = "2006-01-02T15:04:05Z"

// HandleHealth reports queue and worker state
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Queued:   s.exporter.Queued(),
		Disabled: s.exporter.Disabled(),
		Worker:   s.exporter.Health(),
	}
	if resp.Disabled {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleWebSocket upgrades the connection and streams bus events
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err, "origin", r.Header.Get("Origin"))
		return
	}

	c := &Client{
		server:   s,
		conn:     conn,
		send:     make(chan pulse.Event, clientSendBuffer),
		id:       uuid.NewString(),
		limiters: make(map[string]*rate.Limiter),
	}
	select {
	case s.register <- c:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
