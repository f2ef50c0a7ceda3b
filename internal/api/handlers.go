package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/oltfleet/coordinator/internal/config"
	"github.com/oltfleet/coordinator/internal/coordinator"
	"github.com/oltfleet/coordinator/internal/devices"
	"github.com/oltfleet/coordinator/internal/eventlog"
	"github.com/oltfleet/coordinator/internal/graph"
	"github.com/oltfleet/coordinator/internal/mode"
	"github.com/oltfleet/coordinator/internal/quota"
	"github.com/oltfleet/coordinator/internal/storage"
	"github.com/oltfleet/coordinator/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store   storage.Store
	graph   *graph.Manager
	quota   *quota.Service
	events  *eventlog.Logger
	modes   *mode.Manager
	coord   *coordinator.Coordinator
	devices devices.Registry
	config  *config.Config
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	store storage.Store,
	g *graph.Manager,
	q *quota.Service,
	ev *eventlog.Logger,
	modes *mode.Manager,
	coord *coordinator.Coordinator,
	reg devices.Registry,
	cfg *config.Config,
	logger *slog.Logger,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:   store,
		graph:   g,
		quota:   q,
		events:  ev,
		modes:   modes,
		coord:   coord,
		devices: reg,
		config:  cfg,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the store.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pending, err := h.store.CountExecutions(ctx, "", types.ExecutionPending)
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "store unhealthy", err)
		return
	}

	m, version := h.modes.Get()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "ready",
		"mode":               m,
		"mode_version":       version,
		"pending_executions": pending,
	})
}

// --- Fleet ---

// DeviceInfo is one row of GET /api/v1/devices.
type DeviceInfo struct {
	types.DeviceRef
	NodeCount int `json:"node_count"`
}

// ListDevices handles GET /api/v1/devices
func (h *Handlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := h.devices.GetEnabledDevices(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list devices", err)
		return
	}

	out := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		out = append(out, DeviceInfo{DeviceRef: d, NodeCount: len(h.graph.Nodes(d.ID))})
	}
	h.respondJSON(w, http.StatusOK, out)
}

// DeviceSummary handles GET /api/v1/devices/{id}/summary
func (h *Handlers) DeviceSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := mux.Vars(r)["id"]

	device, ok := h.devices.GetDevice(ctx, deviceID)
	if !ok {
		h.respondError(w, http.StatusNotFound, "device not found", errors.New(deviceID))
		return
	}

	trackers, err := h.quota.CurrentTrackers(ctx, deviceID)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to load trackers", err)
		return
	}

	running, err := h.store.CountExecutions(ctx, deviceID, types.ExecutionRunning)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to count executions", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"device":   device,
		"nodes":    h.graph.Nodes(deviceID),
		"edges":    h.graph.Edges(deviceID),
		"trackers": trackers,
		"running":  running,
	})
}

// --- Polling Graph ---

// ListNodes handles GET /api/v1/devices/{id}/nodes
func (h *Handlers) ListNodes(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	h.respondJSON(w, http.StatusOK, h.graph.Nodes(deviceID))
}

// CreateNode handles POST /api/v1/devices/{id}/nodes
func (h *Handlers) CreateNode(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	var node types.Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if node.Key == "" || !node.TaskClass.Valid() {
		h.respondError(w, http.StatusBadRequest, "invalid node",
			errors.New("key and a valid task_class are required"))
		return
	}

	if err := h.graph.AddNode(deviceID, node); err != nil {
		h.respondError(w, http.StatusConflict, "failed to add node", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{"device_id": deviceID, "key": node.Key})
}

// UpdateNodeRequest carries the mutable node fields. Pointers so absent
// fields are left alone.
type UpdateNodeRequest struct {
	Enabled         *bool             `json:"enabled,omitempty"`
	IntervalSeconds *int              `json:"interval_seconds,omitempty"`
	Priority        *int              `json:"priority,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
}

// UpdateNode handles PUT /api/v1/devices/{id}/nodes/{key}
func (h *Handlers) UpdateNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deviceID, key := vars["id"], vars["key"]

	var req UpdateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	err := h.graph.MutateNode(deviceID, key, func(n *types.Node) {
		if req.Enabled != nil {
			n.Enabled = *req.Enabled
		}
		if req.IntervalSeconds != nil {
			n.IntervalSeconds = *req.IntervalSeconds
		}
		if req.Priority != nil {
			n.Priority = *req.Priority
		}
		if req.Parameters != nil {
			n.Parameters = req.Parameters
		}
	})
	if err != nil {
		h.respondError(w, http.StatusNotFound, "node not found", err)
		return
	}

	node, err := h.graph.GetNode(deviceID, key)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to reload node", err)
		return
	}
	h.respondJSON(w, http.StatusOK, node)
}

// TriggerNode handles POST /api/v1/devices/{id}/nodes/{key}/trigger
func (h *Handlers) TriggerNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deviceID, key := vars["id"], vars["key"]

	if err := h.coord.TriggerNode(r.Context(), deviceID, key); err != nil {
		h.respondError(w, http.StatusConflict, "failed to trigger node", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{
		"device_id": deviceID, "key": key, "status": "dispatched",
	})
}

// CreateEdge handles POST /api/v1/devices/{id}/edges
func (h *Handlers) CreateEdge(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	var edge types.Edge
	if err := json.NewDecoder(r.Body).Decode(&edge); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := h.graph.AddEdge(deviceID, edge); err != nil {
		h.respondError(w, http.StatusConflict, "failed to add edge", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, edge)
}

// --- Templates ---

// RegisterTemplate handles POST /api/v1/templates
func (h *Handlers) RegisterTemplate(w http.ResponseWriter, r *http.Request) {
	var t types.Template
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := h.graph.RegisterTemplate(t); err != nil {
		h.respondError(w, http.StatusConflict, "failed to register template", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{"id": t.ID})
}

// ApplyTemplate handles POST /api/v1/devices/{id}/templates/{templateId}/apply
func (h *Handlers) ApplyTemplate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deviceID, templateID := vars["id"], vars["templateId"]

	if err := h.graph.ApplyTemplate(deviceID, templateID); err != nil {
		h.respondError(w, http.StatusConflict, "failed to apply template", err)
		return
	}
	h.events.Event(r.Context(), types.EventTemplateSynced, types.LogLevelInfo, deviceID, "",
		"template applied", map[string]interface{}{"template_id": templateID})
	h.respondJSON(w, http.StatusOK, map[string]string{
		"device_id": deviceID, "template_id": templateID,
	})
}

// --- Execution History ---

// ListExecutions handles GET /api/v1/executions
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.ExecutionFilter{
		DeviceID: q.Get("device_id"),
		NodeKey:  q.Get("node_key"),
		Limit:    queryInt(q.Get("limit"), 100),
	}
	if s := q.Get("status"); s != "" {
		f.Statuses = []types.ExecutionStatus{types.ExecutionStatus(s)}
	}

	execs, err := h.store.ListExecutions(r.Context(), f)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list executions", err)
		return
	}
	h.respondJSON(w, http.StatusOK, execs)
}

// GetExecution handles GET /api/v1/executions/{id}
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ex, err := h.store.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "execution not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to load execution", err)
		return
	}
	h.respondJSON(w, http.StatusOK, ex)
}

// --- Quota ---

// ListTrackers handles GET /api/v1/quota/trackers
func (h *Handlers) ListTrackers(w http.ResponseWriter, r *http.Request) {
	periodStart := h.quota.CurrentPeriod()
	if p := r.URL.Query().Get("period_start"); p != "" {
		t, err := time.Parse(time.RFC3339, p)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid period_start", err)
			return
		}
		periodStart = h.quota.PeriodStart(t)
	}

	trackers, err := h.store.ListTrackers(r.Context(), periodStart)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list trackers", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"period_start": periodStart,
		"trackers":     trackers,
	})
}

// ListViolations handles GET /api/v1/quota/violations
func (h *Handlers) ListViolations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), 100)

	violations, err := h.store.ListViolations(r.Context(), limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list violations", err)
		return
	}
	h.respondJSON(w, http.StatusOK, violations)
}

// SetRequiredRequest is the request body for POST /api/v1/quota/required.
type SetRequiredRequest struct {
	DeviceID  string          `json:"device_id"`
	TaskClass types.TaskClass `json:"task_class"`
	Required  int             `json:"required"`
	Adjusted  bool            `json:"adjusted,omitempty"`
}

// SetRequired handles POST /api/v1/quota/required
func (h *Handlers) SetRequired(w http.ResponseWriter, r *http.Request) {
	var req SetRequiredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.DeviceID == "" || !req.TaskClass.Valid() || req.Required < 0 {
		h.respondError(w, http.StatusBadRequest, "invalid quota requirement",
			errors.New("device_id, valid task_class and non-negative required are needed"))
		return
	}

	if err := h.quota.SetRequired(r.Context(), req.DeviceID, req.TaskClass, req.Required, req.Adjusted); err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to set quota", err)
		return
	}
	h.respondJSON(w, http.StatusOK, req)
}

// --- Audit Trail ---

// ListEvents handles GET /api/v1/events
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.LogFilter{
		DeviceID: q.Get("device_id"),
		Type:     types.EventType(q.Get("type")),
		Level:    types.LogLevel(q.Get("level")),
		Limit:    queryInt(q.Get("limit"), 100),
	}

	entries, err := h.events.Query(r.Context(), f)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to query events", err)
		return
	}
	h.respondJSON(w, http.StatusOK, entries)
}

// --- Global Mode ---

// GetMode handles GET /api/v1/mode
func (h *Handlers) GetMode(w http.ResponseWriter, r *http.Request) {
	m, version := h.modes.Get()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"mode":    m,
		"version": version,
	})
}

// SetModeRequest is the request body for POST /api/v1/mode.
type SetModeRequest struct {
	Mode types.Mode `json:"mode"`
}

// SetMode handles POST /api/v1/mode
func (h *Handlers) SetMode(w http.ResponseWriter, r *http.Request) {
	var req SetModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Mode != types.ModeSimulation && req.Mode != types.ModeProduction {
		h.respondError(w, http.StatusBadRequest, "invalid mode",
			errors.New("mode must be simulation or production"))
		return
	}

	changed := h.modes.Set(req.Mode)
	m, version := h.modes.Get()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"mode":    m,
		"version": version,
		"changed": changed,
	})
}

// --- Helper Methods ---

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string, err error) {
	h.logger.Error(message, "error", err, "status", status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   message,
		"details": err.Error(),
	})
}
