// Package api serves fleet reports and timelines over HTTP and accepts
// collection triggers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"fleet-triage/internal/forensic"
	"fleet-triage/internal/report"
	"fleet-triage/internal/schema"
	"fleet-triage/internal/service"
	"fleet-triage/internal/timestamp"
	"fleet-triage/internal/triage"
)

// Backend is the fleet service the handler serves.
type Backend interface {
	Hosts() []string
	Running() bool
	LastRun() *service.Run
	Collect(ctx context.Context, hosts []string, window schema.Window) (*service.Run, error)
	Report(ctx context.Context, q report.Query) (*report.Report, error)
	Timeline(ctx context.Context, host string, window schema.Window) (*forensic.Timeline, error)
}

var _ Backend = (*service.Service)(nil)

// Handler serves the fleet API.
type Handler struct {
	backend    Backend
	limiter    *rate.Limiter
	maxPayload int64
	startTime  time.Time
}

// NewHandler creates a new Handler. A nil limiter leaves collection
// triggers unlimited.
func NewHandler(backend Backend, limiter *rate.Limiter) *Handler {
	return &Handler{
		backend:    backend,
		limiter:    limiter,
		maxPayload: 1 << 20, // 1MB
		startTime:  time.Now(),
	}
}

// NewLimiter allows burst collection triggers, refilled once per every.
func NewLimiter(every time.Duration, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Every(every), burst)
}

// Routes returns the API mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /v1/hosts", h.ListHosts)
	mux.HandleFunc("GET /v1/hosts/{host}/timeline", h.HostTimeline)
	mux.HandleFunc("GET /v1/report", h.Report)
	mux.HandleFunc("POST /v1/collect", h.Collect)
	mux.HandleFunc("GET /v1/runs/last", h.LastRun)
	return mux
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "healthy",
		"running":        h.backend.Running(),
		"hosts":          len(h.backend.Hosts()),
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	}
	if last := h.backend.LastRun(); last != nil {
		resp["last_run"] = last.FinishedAt
	}
	respondJSON(w, http.StatusOK, resp)
}

// HostsResponse is the response for GET /v1/hosts.
type HostsResponse struct {
	Hosts   []string `json:"hosts"`
	Running bool     `json:"running"`
}

// ListHosts handles GET /v1/hosts.
func (h *Handler) ListHosts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HostsResponse{
		Hosts:   h.backend.Hosts(),
		Running: h.backend.Running(),
	})
}

// Report handles GET /v1/report?hosts=a,b&start=&end=&policy=.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	q := r.URL.Query()

	window, err := parseWindow(q.Get("start"), q.Get("end"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	// An empty policy leaves the service default in place.
	var policy triage.Policy
	if name := q.Get("policy"); name != "" {
		if policy, err = triage.ParsePolicy(name); err != nil {
			respondError(w, http.StatusBadRequest, err.Error(), requestID)
			return
		}
	}

	rep, err := h.backend.Report(r.Context(), report.Query{
		Hosts:  splitList(q.Get("hosts")),
		Window: window,
		Policy: policy,
	})
	if err != nil {
		slog.Error("report failed", "request_id", requestID, "error", err)
		respondError(w, http.StatusInternalServerError, "report failed", requestID)
		return
	}

	respondJSON(w, http.StatusOK, rep)
}

// TimelineResponse is the JSON response for a host timeline.
type TimelineResponse struct {
	Host     string               `json:"host"`
	Records  []schema.EventRecord `json:"records"`
	Total    int                  `json:"total"`
	Batches  int                  `json:"batches"`
	Invalid  int                  `json:"invalid"`
	Skipped  []string             `json:"skipped,omitempty"`
	LastBoot *time.Time           `json:"last_boot,omitempty"`
}

// HostTimeline handles GET /v1/hosts/{host}/timeline?start=&end=&forensic=&format=.
func (h *Handler) HostTimeline(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	host := r.PathValue("host")
	q := r.URL.Query()

	window, err := parseWindow(q.Get("start"), q.Get("end"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	tl, err := h.backend.Timeline(r.Context(), host, window)
	if err != nil {
		slog.Error("timeline failed", "request_id", requestID, "host", host, "error", err)
		respondError(w, http.StatusInternalServerError, "timeline failed", requestID)
		return
	}

	records := tl.Records
	if forensicOnly, _ := strconv.ParseBool(q.Get("forensic")); forensicOnly {
		records = tl.Forensic()
	}

	if q.Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", host+"_timeline.csv"))
		if err := forensic.WriteCSV(w, records); err != nil {
			slog.Warn("failed to stream timeline", "host", host, "error", err)
		}
		return
	}

	resp := TimelineResponse{
		Host:    host,
		Records: records,
		Total:   len(records),
		Batches: tl.Batches,
		Invalid: tl.Invalid,
		Skipped: tl.Skipped,
	}
	if boot, ok := tl.LastBoot(); ok {
		resp.LastBoot = &boot
	}
	respondJSON(w, http.StatusOK, resp)
}

// CollectRequest is the request body for POST /v1/collect.
type CollectRequest struct {
	Hosts []string `json:"hosts"`
	Start string   `json:"start,omitempty"`
	End   string   `json:"end,omitempty"`
}

// Collect handles POST /v1/collect. The request blocks until the run ends.
func (h *Handler) Collect(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	if h.limiter != nil {
		res := h.limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
			respondError(w, http.StatusTooManyRequests, "collection rate limit exceeded", requestID)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var req CollectRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
			return
		}
	}

	window, err := parseWindow(req.Start, req.End)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	run, err := h.backend.Collect(r.Context(), req.Hosts, window)
	switch {
	case errors.Is(err, service.ErrRunInProgress):
		respondError(w, http.StatusConflict, err.Error(), requestID)
		return
	case errors.Is(err, service.ErrNoHosts):
		respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	case err != nil:
		slog.Error("collection failed", "request_id", requestID, "error", err)
		respondError(w, http.StatusInternalServerError, "collection failed", requestID)
		return
	}

	respondJSON(w, http.StatusOK, run)
}

// LastRun handles GET /v1/runs/last.
func (h *Handler) LastRun(w http.ResponseWriter, r *http.Request) {
	last := h.backend.LastRun()
	if last == nil {
		respondError(w, http.StatusNotFound, "no fleet run yet", uuid.New().String())
		return
	}
	respondJSON(w, http.StatusOK, last)
}

// parseWindow parses optional window bounds.
func parseWindow(start, end string) (schema.Window, error) {
	var w schema.Window
	if start != "" {
		t, ok := timestamp.Parse(start)
		if !ok {
			return w, fmt.Errorf("invalid start time %q", start)
		}
		w.Start = t
	}
	if end != "" {
		t, ok := timestamp.Parse(end)
		if !ok {
			return w, fmt.Errorf("invalid end time %q", end)
		}
		w.End = t
	}
	if !w.Start.IsZero() && !w.End.IsZero() && w.End.Before(w.Start) {
		return w, errors.New("end time is before start time")
	}
	return w, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	resp := map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	}
	respondJSON(w, status, resp)
}
