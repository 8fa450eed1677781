package handler

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleetgate/fleetgate/internal/domain"
	"github.com/fleetgate/fleetgate/internal/errors"
	"github.com/fleetgate/fleetgate/internal/observability"
	"github.com/fleetgate/fleetgate/internal/repository"
	"github.com/fleetgate/fleetgate/internal/service"
	"github.com/fleetgate/fleetgate/pkg/logger"
)

// APIHandler exposes the control plane REST API.
type APIHandler struct {
	lbs        *repository.LoadBalancerRegistry
	groups     *repository.GroupRegistry
	router     *service.Router
	metrics    *service.MetricsStore
	events     *service.EventLog
	evaluator  *service.Evaluator
	executor   *service.Executor
	observed   *observability.Metrics
	maxRetries int
	retryDelay time.Duration
	log        *logger.Logger
	startTime  time.Time
}

// NewAPIHandler creates the API handler over the control plane services.
// maxRetries and retryDelay drive the retry behavior of the route
// endpoint on transient routing failures.
func NewAPIHandler(
	lbs *repository.LoadBalancerRegistry,
	groups *repository.GroupRegistry,
	router *service.Router,
	metrics *service.MetricsStore,
	events *service.EventLog,
	evaluator *service.Evaluator,
	executor *service.Executor,
	observed *observability.Metrics,
	maxRetries int,
	retryDelay time.Duration,
	log *logger.Logger,
) *APIHandler {
	return &APIHandler{
		lbs:        lbs,
		groups:     groups,
		router:     router,
		metrics:    metrics,
		events:     events,
		evaluator:  evaluator,
		executor:   executor,
		observed:   observed,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		log:        log.WithField("component", "api"),
		startTime:  time.Now(),
	}
}

// Register wires every route into the mux router.
func (h *APIHandler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", h.observed.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/load-balancers", h.CreateLoadBalancerHandler).Methods(http.MethodPost)
	r.HandleFunc("/load-balancers", h.ListLoadBalancersHandler).Methods(http.MethodGet)
	r.HandleFunc("/load-balancers/{id}", h.GetLoadBalancerHandler).Methods(http.MethodGet)
	r.HandleFunc("/load-balancers/{id}", h.DeleteLoadBalancerHandler).Methods(http.MethodDelete)
	r.HandleFunc("/load-balancers/{id}/status", h.SetLoadBalancerStatusHandler).Methods(http.MethodPut)
	r.HandleFunc("/load-balancers/{id}/route", h.RouteHandler).Methods(http.MethodPost)
	r.HandleFunc("/load-balancers/{id}/targets/{targetId}/health", h.SetTargetHealthHandler).Methods(http.MethodPut)
	r.HandleFunc("/load-balancers/{id}/metrics", h.LoadBalancerMetricsHandler).Methods(http.MethodGet)

	r.HandleFunc("/auto-scaling-groups", h.CreateGroupHandler).Methods(http.MethodPost)
	r.HandleFunc("/auto-scaling-groups", h.ListGroupsHandler).Methods(http.MethodGet)
	r.HandleFunc("/auto-scaling-groups/{id}", h.GetGroupHandler).Methods(http.MethodGet)
	r.HandleFunc("/auto-scaling-groups/{id}", h.DeleteGroupHandler).Methods(http.MethodDelete)
	r.HandleFunc("/auto-scaling-groups/{id}/scale", h.ScaleHandler).Methods(http.MethodPost)
	r.HandleFunc("/auto-scaling-groups/{id}/history", h.ScalingHistoryHandler).Methods(http.MethodGet)
	r.HandleFunc("/auto-scaling-groups/{id}/scaling-check", h.ScalingCheckHandler).Methods(http.MethodGet)
}

// HealthResponse reports control plane liveness and resource counts.
type HealthResponse struct {
	Status            string    `json:"status"`
	Uptime            string    `json:"uptime"`
	LoadBalancers     int       `json:"load_balancers"`
	ActiveLBs         int       `json:"active_load_balancers"`
	AutoScalingGroups int       `json:"auto_scaling_groups"`
	ActiveGroups      int       `json:"active_groups"`
	HealthyTargets    int       `json:"healthy_targets"`
	TotalTargets      int       `json:"total_targets"`
	Timestamp         time.Time `json:"timestamp"`
}

// RouteResponse is the outcome of a routing decision.
type RouteResponse struct {
	LoadBalancerID string         `json:"load_balancer_id"`
	Algorithm      string         `json:"algorithm"`
	Target         *domain.Target `json:"target"`
}

// ScaleRequest asks for a manual capacity change.
type ScaleRequest struct {
	DesiredCapacity int    `json:"desired_capacity"`
	Reason          string `json:"reason,omitempty"`
}

// TargetHealthRequest carries an external health override.
type TargetHealthRequest struct {
	Healthy bool `json:"healthy"`
}

// StatusRequest carries a lifecycle status change.
type StatusRequest struct {
	Status string `json:"status"`
}

// ErrorResponse is the JSON error body of every failed request.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Code      string                 `json:"code"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// HealthHandler handles GET /health
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	lbTotal, lbActive := h.lbs.Count()
	groupTotal, groupActive := h.groups.Count()
	healthy, total := h.lbs.TargetHealthCounts()

	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:            "healthy",
		Uptime:            time.Since(h.startTime).String(),
		LoadBalancers:     lbTotal,
		ActiveLBs:         lbActive,
		AutoScalingGroups: groupTotal,
		ActiveGroups:      groupActive,
		HealthyTargets:    healthy,
		TotalTargets:      total,
		Timestamp:         time.Now(),
	})
}

// CreateLoadBalancerHandler handles POST /load-balancers
func (h *APIHandler) CreateLoadBalancerHandler(w http.ResponseWriter, r *http.Request) {
	var lb domain.LoadBalancer
	if err := json.NewDecoder(r.Body).Decode(&lb); err != nil {
		h.writeError(w, errors.NewValidation("api", err))
		return
	}
	created, err := h.lbs.Create(&lb)
	if err != nil {
		h.writeError(w, err)
		return
	}
	snap, err := h.lbs.Snapshot(created.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, snap)
}

// ListLoadBalancersHandler handles GET /load-balancers
func (h *APIHandler) ListLoadBalancersHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.lbs.Snapshots())
}

// GetLoadBalancerHandler handles GET /load-balancers/{id}
func (h *APIHandler) GetLoadBalancerHandler(w http.ResponseWriter, r *http.Request) {
	lb, err := h.lbs.Snapshot(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lb)
}

// DeleteLoadBalancerHandler handles DELETE /load-balancers/{id}
func (h *APIHandler) DeleteLoadBalancerHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.lbs.Delete(mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetLoadBalancerStatusHandler handles PUT /load-balancers/{id}/status
func (h *APIHandler) SetLoadBalancerStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.NewValidation("api", err))
		return
	}
	status := domain.LoadBalancerStatus(req.Status)
	switch status {
	case domain.LoadBalancerActive, domain.LoadBalancerInactive,
		domain.LoadBalancerDraining, domain.LoadBalancerMaintenance:
	default:
		h.writeError(w, errors.New(errors.ErrCodeValidation, "api", "unsupported status: "+req.Status))
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.lbs.SetStatus(id, status); err != nil {
		h.writeError(w, err)
		return
	}
	lb, err := h.lbs.Snapshot(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lb)
}

// RouteHandler handles POST /load-balancers/{id}/route
func (h *APIHandler) RouteHandler(w http.ResponseWriter, r *http.Request) {
	var desc domain.RequestDescriptor
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
			h.writeError(w, errors.NewValidation("api", err))
			return
		}
	}
	if desc.ClientIP == "" {
		desc.ClientIP = r.RemoteAddr
	}

	id := mux.Vars(r)["id"]
	target, err := h.router.RouteWithRetry(r.Context(), id, &desc, h.maxRetries, h.retryDelay)
	if err != nil {
		h.writeError(w, err)
		return
	}

	lb, err := h.lbs.Get(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, RouteResponse{
		LoadBalancerID: id,
		Algorithm:      string(lb.Algorithm),
		Target:         target,
	})
}

// SetTargetHealthHandler handles PUT /load-balancers/{id}/targets/{targetId}/health
func (h *APIHandler) SetTargetHealthHandler(w http.ResponseWriter, r *http.Request) {
	var req TargetHealthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.NewValidation("api", err))
		return
	}
	vars := mux.Vars(r)
	if err := h.lbs.SetTargetHealth(vars["id"], vars["targetId"], req.Healthy); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LoadBalancerMetricsHandler handles GET /load-balancers/{id}/metrics
func (h *APIHandler) LoadBalancerMetricsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.lbs.Get(id); err != nil {
		h.writeError(w, err)
		return
	}

	q := r.URL.Query()
	if q.Get("from") == "" && q.Get("to") == "" && q.Get("granularity") == "" {
		latest := h.metrics.Latest(id)
		if latest == nil {
			h.writeJSON(w, http.StatusOK, []*domain.MetricsSnapshot{})
			return
		}
		h.writeJSON(w, http.StatusOK, latest)
		return
	}

	from, err := parseTime(q.Get("from"))
	if err != nil {
		h.writeError(w, errors.NewValidation("api", err))
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		h.writeError(w, errors.NewValidation("api", err))
		return
	}
	var granularity time.Duration
	if g := q.Get("granularity"); g != "" {
		granularity, err = time.ParseDuration(g)
		if err != nil {
			h.writeError(w, errors.NewValidation("api", err))
			return
		}
	}

	snaps := h.metrics.Query(id, from, to, granularity)
	if snaps == nil {
		snaps = []*domain.MetricsSnapshot{}
	}
	h.writeJSON(w, http.StatusOK, snaps)
}

// CreateGroupHandler handles POST /auto-scaling-groups
func (h *APIHandler) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	var g domain.AutoScalingGroup
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		h.writeError(w, errors.NewValidation("api", err))
		return
	}
	created, err := h.groups.Create(&g)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// ListGroupsHandler handles GET /auto-scaling-groups
func (h *APIHandler) ListGroupsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.groups.List())
}

// GetGroupHandler handles GET /auto-scaling-groups/{id}
func (h *APIHandler) GetGroupHandler(w http.ResponseWriter, r *http.Request) {
	g, err := h.groups.Get(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, g)
}

// DeleteGroupHandler handles DELETE /auto-scaling-groups/{id}
func (h *APIHandler) DeleteGroupHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.groups.Delete(mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ScaleHandler handles POST /auto-scaling-groups/{id}/scale
func (h *APIHandler) ScaleHandler(w http.ResponseWriter, r *http.Request) {
	var req ScaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.NewValidation("api", err))
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual scaling request"
	}

	event, err := h.executor.Scale(r.Context(), mux.Vars(r)["id"], req.DesiredCapacity, reason, domain.EventManual)
	if err != nil {
		// A failed provisioning attempt still produced an event worth
		// returning alongside the error body.
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, event)
}

// ScalingHistoryHandler handles GET /auto-scaling-groups/{id}/history
func (h *APIHandler) ScalingHistoryHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.groups.Get(id); err != nil {
		h.writeError(w, err)
		return
	}

	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		h.writeError(w, errors.NewValidation("api", err))
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		h.writeError(w, errors.NewValidation("api", err))
		return
	}
	limit := 0
	if l := q.Get("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 0 {
			h.writeError(w, errors.New(errors.ErrCodeValidation, "api", "limit must be a non-negative integer"))
			return
		}
	}

	events := h.events.Query(id, from, to, limit)
	if events == nil {
		events = []*domain.ScalingEvent{}
	}
	h.writeJSON(w, http.StatusOK, events)
}

// ScalingCheckHandler handles GET /auto-scaling-groups/{id}/scaling-check.
// It runs a dry evaluation and never triggers a scaling operation.
func (h *APIHandler) ScalingCheckHandler(w http.ResponseWriter, r *http.Request) {
	decision, err := h.evaluator.Evaluate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, decision)
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.WithError(err).Error("Failed to encode response body")
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      string(errors.GetErrorCode(err)),
		Timestamp: time.Now(),
	}
	var cpErr *errors.ControlPlaneError
	if stderrors.As(err, &cpErr) {
		resp.Metadata = cpErr.Metadata
	}
	h.writeJSON(w, errors.GetHTTPStatusCode(err), resp)
}

// parseTime parses an RFC 3339 query parameter; empty means unset.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
