// Package gateway implements the daemon's minimum HTTP dashboard boundary:
// task submission and listing, human-approval resolution, and an SSE feed
// of lifecycle events, adapted from the teacher's gateway package — auth,
// CORS, and rate-limit middleware kept, the OpenAI-compatible proxy and
// the A2A JSON-RPC/WebSocket surface dropped (see DESIGN.md).
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaycode/cah/internal/bus"
	"github.com/relaycode/cah/internal/config"
	"github.com/relaycode/cah/internal/engine"
	"github.com/relaycode/cah/internal/queue"
	"github.com/relaycode/cah/internal/store"
	"github.com/relaycode/cah/internal/supervisor"
)

// Config wires a Server's dependencies.
type Config struct {
	Store      *store.Store
	Queue      *queue.Queue
	Engine     *engine.Engine
	Supervisor *supervisor.Supervisor
	Bus        *bus.Bus
	Auth       config.AuthConfig
	CORS       config.CORSConfig
	RateLimit  config.RateLimitConfig
	Logger     *slog.Logger
}

// Server is the daemon's HTTP dashboard boundary.
type Server struct {
	store      *store.Store
	queue      *queue.Queue
	engine     *engine.Engine
	supervisor *supervisor.Supervisor
	bus        *bus.Bus
	logger     *slog.Logger

	auth      *AuthMiddleware
	cors      func(http.Handler) http.Handler
	rateLimit *RateLimitMiddleware

	mux *http.ServeMux
}

// NewServer builds a Server and registers its routes.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:      cfg.Store,
		queue:      cfg.Queue,
		engine:     cfg.Engine,
		supervisor: cfg.Supervisor,
		bus:        cfg.Bus,
		logger:     logger,
		auth:       NewAuthMiddleware(cfg.Auth),
		cors:       NewCORSMiddleware(cfg.CORS),
		rateLimit:  NewRateLimitMiddleware(cfg.RateLimit),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler, applying CORS, rate-limiting, and
// auth in that order before dispatching to the route mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler := s.auth.Wrap(s.rateLimit.Wrap(s.mux))
	s.cors(handler).ServeHTTP(w, r)
}

func (s *Server) routes() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/tasks", s.handleTasksCollection)
	mux.HandleFunc("/api/v1/tasks/", s.handleTasksItem)
	s.mux = mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTasksCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.createTask(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTasksItem dispatches the /api/v1/tasks/{id}[/approve|/events]
// sub-routes. A single ServeMux pattern is used (rather than Go 1.22's
// method-and-wildcard patterns) to match the teacher's registration style
// for an http.ServeMux-based gateway.
func (s *Server) handleTasksItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case strings.HasSuffix(path, "/approve"):
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.approveTask(w, r, strings.TrimSuffix(path, "/approve"))
	case strings.HasSuffix(path, "/events"):
		s.handleTaskStream(w, r)
	default:
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.getTask(w, r, path)
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.GetAllTasks()
	if err != nil {
		s.logger.Error("gateway: list tasks", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// createTaskRequest is the POST /api/v1/tasks body.
type createTaskRequest struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Priority    store.TaskPriority `json:"priority"`
	Workflow    store.Workflow     `json:"workflow"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Priority == "" {
		req.Priority = store.PriorityMedium
	}

	now := time.Now().UTC()
	taskID := store.NewTaskID(now)
	req.Workflow.TaskID = taskID

	task := store.Task{
		ID:          taskID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		Status:      store.TaskPending,
		Source:      store.SourceUser,
		CreatedAt:   now,
		UpdatedAt:   now,
		WorkflowID:  taskID,
	}

	if err := s.store.CreateTask(task); err != nil {
		s.logger.Error("gateway: create task", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.store.SaveWorkflow(req.Workflow); err != nil {
		s.logger.Error("gateway: save workflow", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.store.SaveInstance(taskID, store.WorkflowInstance{
		ID:         taskID,
		WorkflowID: taskID,
		Status:     store.InstRunning,
		NodeStates: map[string]*store.NodeState{},
		Variables:  map[string]interface{}{},
		StartedAt:  now,
	}); err != nil {
		s.logger.Error("gateway: save instance", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	startNode, ok := findStartNode(req.Workflow)
	if !ok {
		http.Error(w, "workflow has no start node", http.StatusBadRequest)
		return
	}
	if err := s.queue.Enqueue(taskID, taskID, startNode); err != nil {
		s.logger.Error("gateway: enqueue start node", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if s.supervisor != nil {
		if _, err := s.supervisor.Spawn(taskID, false); err != nil {
			s.logger.Error("gateway: spawn task process", "error", err)
		}
	}
	if s.bus != nil {
		s.bus.EmitAsync(bus.TopicWorkflowStarted, bus.WorkflowEvent{TaskID: taskID, InstanceID: taskID})
	}

	writeJSON(w, http.StatusCreated, task)
}

func findStartNode(wf store.Workflow) (string, bool) {
	for _, n := range wf.Nodes {
		if n.Type == store.NodeStart {
			return n.ID, true
		}
	}
	return "", false
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, idOrPrefix string) {
	id, err := s.store.ResolveTaskID(idOrPrefix)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// approveTaskRequest is the POST /api/v1/tasks/{id}/approve body.
type approveTaskRequest struct {
	NodeID   string `json:"node_id"`
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`
}

func (s *Server) approveTask(w http.ResponseWriter, r *http.Request, idOrPrefix string) {
	var req approveTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.NodeID == "" {
		http.Error(w, "node_id is required", http.StatusBadRequest)
		return
	}

	id, err := s.store.ResolveTaskID(idOrPrefix)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if err := s.engine.ExternalTransition(r.Context(), id, req.NodeID, req.Approved, req.Note); err != nil {
		s.logger.Error("gateway: external transition", "task_id", id, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
