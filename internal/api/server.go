// Package api implements the HTTP/WebSocket control surface spec.md §6
// describes: workflow CRUD, run/cancel, execution listing, live log
// streaming, webhook ingress, and health checks. Grounded on the teacher's
// internal/infrastructure/api/rest.Server: a stdlib *http.ServeMux wired
// with Go 1.22's "METHOD /path" patterns, one method per resource.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/smilemakc/flowpilot/internal/broadcast"
	"github.com/smilemakc/flowpilot/internal/errorreport"
	"github.com/smilemakc/flowpilot/internal/parser"
	"github.com/smilemakc/flowpilot/internal/runner"
	"github.com/smilemakc/flowpilot/internal/schedule"
	"github.com/smilemakc/flowpilot/internal/store"
	"github.com/smilemakc/flowpilot/internal/trigger/webhook"
)

// Deps bundles every collaborator the control surface dispatches through.
type Deps struct {
	WorkflowsDir string
	Store        *store.Store
	Runner       *runner.Runner
	Schedule     *schedule.Manager
	Webhook      *webhook.Service
	Broadcaster  *broadcast.Broadcaster
	ErrorReports *errorreport.Registry
	// AuthSecret, when non-empty, turns on HS256 bearer-token verification
	// for every mutating route (see requireAuth). Empty leaves the control
	// API unauthenticated, matching spec.md §1's scoping of auth beyond
	// webhooks as out of core scope.
	AuthSecret string
}

// Server owns the mux and every handler.
type Server struct {
	deps     Deps
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	s.mux.ServeHTTP(w, r)
	log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("elapsed", time.Since(started)).Msg("request handled")
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/workflows", s.listWorkflows)
	s.mux.HandleFunc("POST /api/workflows", s.requireAuth(s.createWorkflow))
	s.mux.HandleFunc("GET /api/workflows/{name}", s.getWorkflow)
	s.mux.HandleFunc("PUT /api/workflows/{name}", s.requireAuth(s.updateWorkflow))
	s.mux.HandleFunc("DELETE /api/workflows/{name}", s.requireAuth(s.deleteWorkflow))
	s.mux.HandleFunc("GET /api/workflows/{name}/validate", s.validateWorkflow)
	s.mux.HandleFunc("POST /api/workflows/{name}/run", s.requireAuth(s.runWorkflow))

	s.mux.HandleFunc("GET /api/executions", s.listExecutions)
	s.mux.HandleFunc("GET /api/executions/stats", s.executionStats)
	s.mux.HandleFunc("GET /api/executions/{id}", s.getExecution)
	s.mux.HandleFunc("DELETE /api/executions/{id}", s.requireAuth(s.cancelExecution))
	s.mux.HandleFunc("GET /api/executions/{id}/logs", s.executionLogs)
	s.mux.HandleFunc("GET /api/executions/{id}/ws", s.executionWS)

	if s.deps.Webhook != nil {
		s.mux.Handle("POST /api/hooks/", http.StripPrefix("/api/hooks", s.deps.Webhook.Handler()))
	}

	s.mux.HandleFunc("GET /health", s.health)
	s.mux.HandleFunc("GET /health/ready", s.healthReady)
	s.mux.HandleFunc("GET /health/live", s.healthLive)
}

// requireAuth wraps a mutating handler with HS256 bearer verification when
// deps.AuthSecret is configured; it's a no-op pass-through otherwise, so
// disabling auth never changes route registration, only behavior.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.deps.AuthSecret == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(raw, prefix) {
			writeErr(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		tokenStr := strings.TrimPrefix(raw, prefix)
		_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return []byte(s.deps.AuthSecret), nil
		})
		if err != nil {
			writeErr(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) workflowPath(name string) string {
	return filepath.Join(s.deps.WorkflowsDir, name+".yaml")
}

// --- workflows ---

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.deps.WorkflowsDir)
	if err != nil && !os.IsNotExist(err) {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	search := strings.ToLower(r.URL.Query().Get("search"))
	page, pageSize := pagingParams(r, 1, 20)

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ext)
		if search != "" && !strings.Contains(strings.ToLower(name), search) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(names) {
		start = len(names)
	}
	if end > len(names) {
		end = len(names)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": names[start:end],
		"total":     len(names),
		"page":      page,
		"page_size": pageSize,
	})
}

func pagingParams(r *http.Request, defaultPage, defaultSize int) (int, int) {
	page := defaultPage
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	size := defaultSize
	if v, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && v > 0 {
		size = v
	}
	return page, size
}

type createWorkflowRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wf, err := parser.Parse([]byte(req.Content))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if wf.Name != req.Name {
		writeErr(w, http.StatusBadRequest, "document name does not match request name")
		return
	}

	path := s.workflowPath(req.Name)
	if _, err := os.Stat(path); err == nil {
		writeErr(w, http.StatusConflict, "workflow already exists")
		return
	}
	if err := os.MkdirAll(s.deps.WorkflowsDir, 0o755); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	wf.LoadedFrom = path

	if s.deps.Schedule != nil {
		if err := s.deps.Schedule.Register(r.Context(), wf); err != nil {
			log.Warn().Err(err).Str("workflow", wf.Name).Msg("failed to register triggers for new workflow")
		}
	}

	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	wf, err := parser.LoadFile(s.workflowPath(name))
	if err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wf, err := parser.Parse([]byte(req.Content))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if wf.Name != name {
		writeErr(w, http.StatusBadRequest, "document name does not match path")
		return
	}

	path := s.workflowPath(name)
	if _, err := os.Stat(path); err != nil {
		writeErr(w, http.StatusNotFound, "workflow does not exist")
		return
	}
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	wf.LoadedFrom = path

	if s.deps.Schedule != nil {
		if err := s.deps.Schedule.Register(r.Context(), wf); err != nil {
			log.Warn().Err(err).Str("workflow", wf.Name).Msg("failed to re-register triggers")
		}
	}

	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	path := s.workflowPath(name)
	if err := os.Remove(path); err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	if s.deps.Schedule != nil {
		_ = s.deps.Schedule.Disable(r.Context(), name)
	}
	if s.deps.Store != nil {
		_ = s.deps.Store.Schedules.Delete(r.Context(), name)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) validateWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	raw, err := os.ReadFile(s.workflowPath(name))
	if err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}

	var errs []string
	if _, err := parser.Parse(raw); err != nil {
		errs = append(errs, err.Error())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    len(errs) == 0,
		"errors":   errs,
		"warnings": []string{},
	})
}

func (s *Server) runWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	wf, err := parser.LoadFile(s.workflowPath(name))
	if err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}

	var req struct {
		Inputs map[string]any `json:"inputs"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	exec, err := s.deps.Runner.Enqueue(runner.Request{Workflow: wf, Inputs: req.Inputs, TriggerKind: "manual"})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"execution_id": exec.ID,
		"workflow":     wf.Name,
		"status":       "accepted",
	})
}

// --- executions ---

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeErr(w, http.StatusServiceUnavailable, "execution store not configured")
		return
	}
	workflow := r.URL.Query().Get("workflow")
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	offset := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}

	rows, err := s.deps.Store.Executions.ListByWorkflow(r.Context(), workflow, limit, offset)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := rows[:0]
		for _, row := range rows {
			if row.Status == status {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) executionStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeErr(w, http.StatusServiceUnavailable, "execution store not configured")
		return
	}
	stats, err := s.deps.Store.Executions.Stats(r.Context(), r.URL.Query().Get("workflow"))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeErr(w, http.StatusServiceUnavailable, "execution store not configured")
		return
	}
	id := r.PathValue("id")
	exec, nodes, err := s.deps.Store.Executions.GetByID(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"execution": exec, "nodes": nodes})
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Runner.Cancel(id) {
		writeErr(w, http.StatusBadRequest, "execution is not pending or running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) executionLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeErr(w, http.StatusServiceUnavailable, "execution store not configured")
		return
	}
	id := r.PathValue("id")
	_, nodes, err := s.deps.Store.Executions.GetByID(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusNotFound, "execution not found")
		return
	}

	page, pageSize := pagingParams(r, 1, 50)
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(nodes) {
		start = len(nodes)
	}
	if end > len(nodes) {
		end = len(nodes)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"logs":      nodes[start:end],
		"total":     len(nodes),
		"page":      page,
		"page_size": pageSize,
	})
}

// wsSubscriber adapts a gorilla/websocket connection to broadcast.Subscriber.
// Writes are serialized under a mutex since Publish may call Send from the
// runner's goroutine concurrently with the ping/pong read loop's writes.
type wsSubscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSubscriber) Send(f broadcast.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(f)
}

func (s *wsSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = s.conn.Close()
}

// executionWS upgrades to a WebSocket connection and streams live frames
// for one execution (spec.md §4.7), answering a client "ping" text message
// with "pong".
func (s *Server) executionWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Broadcaster == nil {
		writeErr(w, http.StatusServiceUnavailable, "broadcaster not configured")
		return
	}
	id := r.PathValue("id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := &wsSubscriber{conn: conn}
	unsubscribe := s.deps.Broadcaster.Subscribe(id, sub)
	defer unsubscribe()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.TextMessage && string(msg) == "ping" {
			sub.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			sub.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// --- health ---

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) healthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) healthReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.DB().PingContext(ctx); err != nil {
		writeErr(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
