// Package gateway is the bridge's HTTP surface: task submission and status
// polling, manual validation runs, file sync subscriptions, health and
// metrics, plus a websocket stream of live bus events.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sandrasocial/agent-bridge/internal/audit"
	"github.com/sandrasocial/agent-bridge/internal/bus"
	"github.com/sandrasocial/agent-bridge/internal/engine"
	"github.com/sandrasocial/agent-bridge/internal/filesync"
	"github.com/sandrasocial/agent-bridge/internal/memory"
	"github.com/sandrasocial/agent-bridge/internal/persistence"
	"github.com/sandrasocial/agent-bridge/internal/task"
)

// Options wires a Server. Store and Engine are required; Memory, Registry,
// and Bus enable their endpoints when present.
type Options struct {
	Store    *persistence.Store
	Engine   *engine.Engine
	Memory   *memory.Store
	Registry *filesync.Registry
	Bus      *bus.Bus
	Logger   *slog.Logger

	// AuthToken guards every endpoint except /health. Empty disables auth,
	// the default for a loopback-only bridge.
	AuthToken string

	// ConfigFingerprint is surfaced in /health so operators can confirm
	// which configuration is loaded.
	ConfigFingerprint string

	Version string
}

type Server struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{opts: opts, logger: logger.With("component", "gateway")}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/sync/", s.handleSync)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.opts.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AuthToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// submitRequest is the POST /tasks payload.
type submitRequest struct {
	AgentName          string      `json:"agentName"`
	Instruction        string      `json:"instruction"`
	Priority           string      `json:"priority"`
	CompletionCriteria []string    `json:"completionCriteria"`
	QualityGates       []string    `json:"qualityGates"`
	EstimatedMinutes   int         `json:"estimatedMinutes"`
	Transcript         []task.Turn `json:"conversationTranscript,omitempty"`

	// ConversationID, when set, records the instruction in the context
	// store and returns the classifier's verdict alongside the task id.
	ConversationID string `json:"conversationId,omitempty"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("parse request: %v", err))
		return
	}
	t, err := task.New(req.AgentName, req.Instruction, task.Priority(req.Priority),
		req.CompletionCriteria, req.QualityGates, req.EstimatedMinutes, req.Transcript)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	resp := map[string]any{
		"success": true,
		"status":  string(task.StatusPending),
	}
	if req.ConversationID != "" && s.opts.Memory != nil {
		c := memory.Classify(req.Instruction)
		resp["contextLevel"] = string(c.Level)
		if err := s.opts.Memory.Initialize(r.Context(), req.ConversationID, req.AgentName); err != nil {
			s.logger.Warn("context initialize failed", "conversation_id", req.ConversationID, "error", err)
		} else if err := s.opts.Memory.Update(r.Context(), req.ConversationID, req.AgentName, req.Instruction); err != nil {
			s.logger.Warn("context update failed", "conversation_id", req.ConversationID, "error", err)
		}
	}

	id, err := s.opts.Engine.Submit(r.Context(), t)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	resp["taskId"] = id
	resp["estimatedCompletion"] = t.EstimatedCompletion()
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if rest == "active" {
		s.handleActive(w, r)
		return
	}
	taskID, action, _ := strings.Cut(rest, "/")
	if taskID == "" {
		writeError(w, http.StatusNotFound, "task id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleStatus(w, r, taskID)
	case action == "details" && r.Method == http.MethodGet:
		s.handleDetails(w, r, taskID)
	case action == "validate" && r.Method == http.MethodPost:
		s.handleValidate(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, "unknown task endpoint")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	t, err := s.opts.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	exec, err := s.opts.Store.GetExecution(r.Context(), taskID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	resp := map[string]any{
		"success":             true,
		"taskId":              taskID,
		"status":              string(exec.Status),
		"progress":            exec.Progress,
		"estimatedCompletion": t.EstimatedCompletion(),
	}
	if len(exec.Results) > 0 {
		resp["validationResults"] = exec.Results
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	execs, err := s.opts.Store.ListActiveExecutions(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	tasks := make([]map[string]any, 0, len(execs))
	for _, e := range execs {
		tasks = append(tasks, map[string]any{
			"taskId":   e.TaskID,
			"status":   string(e.Status),
			"progress": e.Progress,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request, taskID string) {
	t, err := s.opts.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	exec, err := s.opts.Store.GetExecution(r.Context(), taskID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	events, err := s.opts.Store.ListTaskEvents(r.Context(), taskID, 0)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"task":      t,
		"execution": exec,
		"events":    events,
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request, taskID string) {
	results, allPassed, err := s.opts.Engine.ValidateNow(r.Context(), taskID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"taskId":            taskID,
		"validationResults": results,
		"allPassed":         allPassed,
	})
}

// ackRequest is the POST /sync/{agent}/ack payload.
type ackRequest struct {
	NotificationIDs []string `json:"notificationIds"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.opts.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "file sync not configured")
		return
	}
	agentID, action, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/sync/"), "/")
	if agentID == "" {
		writeError(w, http.StatusNotFound, "agent id required")
		return
	}

	switch {
	case action == "register" && r.Method == http.MethodPost:
		s.opts.Registry.Register(agentID)
		audit.Record("sync.register", "", agentID, "")
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "agentId": agentID})
	case action == "unregister" && r.Method == http.MethodPost:
		s.opts.Registry.Unregister(agentID)
		audit.Record("sync.unregister", "", agentID, "")
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "agentId": agentID})
	case action == "notifications" && r.Method == http.MethodGet:
		if !s.opts.Registry.Registered(agentID) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("agent %s is not registered", agentID))
			return
		}
		pending := s.opts.Registry.Pending(agentID)
		if pending == nil {
			pending = []filesync.Notification{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"agentId":       agentID,
			"notifications": pending,
			"count":         len(pending),
		})
	case action == "ack" && r.Method == http.MethodPost:
		var req ackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("parse request: %v", err))
			return
		}
		s.opts.Registry.MarkDelivered(agentID, req.NotificationIDs)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "agentId": agentID})
	default:
		writeError(w, http.StatusNotFound, "unknown sync endpoint")
	}
}

// handleHealth is the unauthenticated liveness probe. Named checks follow
// the doctor pattern: each subsystem reports ok or a failure detail.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type check struct {
		Name   string `json:"name"`
		OK     bool   `json:"ok"`
		Detail string `json:"detail,omitempty"`
	}
	checks := []check{}

	dbCheck := check{Name: "database", OK: true}
	if _, _, _, err := s.opts.Store.TaskCounts(r.Context()); err != nil {
		dbCheck.OK = false
		dbCheck.Detail = err.Error()
	}
	checks = append(checks, dbCheck)

	busCheck := check{Name: "event_bus", OK: s.opts.Bus != nil}
	if s.opts.Bus == nil {
		busCheck.Detail = "event bus not configured"
	}
	checks = append(checks, busCheck)

	status := "ok"
	for _, c := range checks {
		if !c.OK {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             status,
		"version":            s.opts.Version,
		"config_fingerprint": s.opts.ConfigFingerprint,
		"checks":             checks,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	active, complete, failed, err := s.opts.Store.TaskCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{
		"success": true,
		"tasks": map[string]int64{
			"active":   active,
			"complete": complete,
			"failed":   failed,
		},
		"audit_failures": audit.FailureCount(),
	}
	if s.opts.Bus != nil {
		resp["bus_subscribers"] = s.opts.Bus.SubscriberCount()
	}
	writeJSON(w, http.StatusOK, resp)
}
