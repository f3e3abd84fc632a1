package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-governor/internal/governance"
	"github.com/polisai/polis-governor/pkg/control"
	"github.com/polisai/polis-governor/pkg/domain"
	"github.com/polisai/polis-governor/pkg/scheduler"
)

// statusClientClosedRequest is reported when the caller disconnects while queued.
const statusClientClosedRequest = 499

const defaultRetryAfter = time.Second

// Governor is the part of governance.Governor the admin API uses.
type Governor interface {
	Admit(ctx context.Context, resourceID string, priority int) error
	BucketStats(resourceID string) (domain.BucketStats, error)
	Stats() map[string]domain.BucketStats
	GateStats() governance.GateStats
}

// Config wires the handler's collaborators. Governor and Control are required.
type Config struct {
	Governor    Governor
	Prioritizer scheduler.Prioritizer
	Control     *control.State
	Metrics     http.Handler
	Logger      *slog.Logger
	// RetryAfter is advertised on hard stop responses. Defaults to one second.
	RetryAfter time.Duration
}

// Handler serves the admin API.
type Handler struct {
	governor    Governor
	prioritizer scheduler.Prioritizer
	control     *control.State
	logger      *slog.Logger
	retryAfter  time.Duration
	mux         *http.ServeMux
	now         func() time.Time
}

// AdmitResponse is returned once a caller has been admitted.
type AdmitResponse struct {
	Resource string  `json:"resource"`
	Priority int     `json:"priority"`
	Outcome  string  `json:"outcome"`
	WaitedMS float64 `json:"waited_ms"`
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Buckets map[string]domain.BucketStats `json:"buckets"`
	Gate    governance.GateStats          `json:"gate"`
}

// NewHandler builds the route table.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Governor == nil {
		return nil, errors.New("admin handler requires a governor")
	}
	if cfg.Control == nil {
		return nil, errors.New("admin handler requires control state")
	}

	h := &Handler{
		governor:    cfg.Governor,
		prioritizer: cfg.Prioritizer,
		control:     cfg.Control,
		logger:      cfg.Logger,
		retryAfter:  cfg.RetryAfter,
		mux:         http.NewServeMux(),
		now:         time.Now,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.retryAfter <= 0 {
		h.retryAfter = defaultRetryAfter
	}

	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.HandleFunc("POST /v1/admit", h.handleAdmit)
	h.mux.HandleFunc("GET /v1/stats", h.handleStats)
	h.mux.HandleFunc("GET /v1/control", h.handleGetControl)
	h.mux.HandleFunc("PUT /v1/control", h.handlePutControl)
	if cfg.Metrics != nil {
		h.mux.Handle("GET /metrics", cfg.Metrics)
	}
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleAdmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	resource, priority, explicit, err := parseAdmitQuery(query)
	if err != nil {
		h.writeRequestError(w, r, err)
		return
	}
	if !explicit && h.prioritizer != nil {
		priority = h.prioritizer.PriorityFor(ctx, resource)
	}

	start := h.now()
	err = h.governor.Admit(ctx, resource, priority)
	waited := h.now().Sub(start)

	if stats, statsErr := h.governor.BucketStats(resource); statsErr == nil {
		writeRateLimitHeaders(w, stats, h.now())
	}

	if err != nil {
		code := domain.CodeFor(err)
		switch code {
		case domain.CodeHardStop:
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(h.retryAfter.Round(time.Second)/time.Second))))
			h.writeError(w, r, http.StatusServiceUnavailable, code, "admission paused")
		case domain.CodeGovernorClosed:
			h.writeError(w, r, http.StatusServiceUnavailable, code, "governor is shutting down")
		case domain.CodeCancelled:
			h.logger.Debug("Admission abandoned by client", "resource", resource, "waited", waited.String())
			h.writeError(w, r, statusClientClosedRequest, code, "request cancelled while queued")
		default:
			h.logger.Error("Admission failed", "resource", resource, "error", err)
			h.writeError(w, r, http.StatusInternalServerError, domain.CodeInternal, "admission failed")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, AdmitResponse{
		Resource: resource,
		Priority: priority,
		Outcome:  "admitted",
		WaitedMS: float64(waited.Microseconds()) / 1000,
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if resource := strings.TrimSpace(r.URL.Query().Get("resource")); resource != "" {
		stats, err := h.governor.BucketStats(resource)
		if err != nil {
			h.writeError(w, r, http.StatusNotFound, domain.CodeFor(err), err.Error())
			return
		}
		h.writeJSON(w, http.StatusOK, StatsResponse{
			Buckets: map[string]domain.BucketStats{resource: stats},
			Gate:    h.governor.GateStats(),
		})
		return
	}

	h.writeJSON(w, http.StatusOK, StatsResponse{
		Buckets: h.governor.Stats(),
		Gate:    h.governor.GateStats(),
	})
}

func (h *Handler) handleGetControl(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.control.Current())
}

func (h *Handler) handlePutControl(w http.ResponseWriter, r *http.Request) {
	var sig control.Signal
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sig); err != nil {
		h.writeRequestError(w, r, domain.InvalidRequest("body", "invalid control signal: "+err.Error()))
		return
	}

	h.control.Publish(sig)
	h.logger.Info("Control signal updated", "paused", sig.Paused, "focus", sig.Focus)
	h.writeJSON(w, http.StatusOK, h.control.Current())
}

// parseAdmitQuery reads resource and the optional priority. explicit is false
// when the caller left the priority to the scheduler.
func parseAdmitQuery(query url.Values) (resource string, priority int, explicit bool, err error) {
	resource = strings.TrimSpace(query.Get("resource"))
	if resource == "" {
		return "", 0, false, domain.InvalidRequest("resource", "resource is required")
	}

	raw := strings.TrimSpace(query.Get("priority"))
	if raw == "" {
		return resource, domain.MinPriority, false, nil
	}
	priority, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return "", 0, false, domain.InvalidRequest("priority", "priority must be an integer")
	}
	return resource, priority, true, nil
}

func (h *Handler) writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	var domainErr *domain.DomainError
	if errors.As(err, &domainErr) {
		h.logger.Debug("Rejected admin request", "path", r.URL.Path, "code", domainErr.Code, "details", domainErr.Details)
	}
	h.writeError(w, r, http.StatusBadRequest, domain.CodeFor(err), err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var traceID string
	if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
		traceID = sc.TraceID().String()
	}
	h.writeJSON(w, status, domain.ErrorResponse{
		Code:    code,
		Message: message,
		TraceID: traceID,
	})
}
