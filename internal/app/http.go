package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"canvascollab/internal/collab"
	"canvascollab/internal/rbac"
	"canvascollab/internal/store"
)

// Pinger is a dependency checked by /api/ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AgentWriter registers agents so they can join sessions.
type AgentWriter interface {
	UpsertAgent(ctx context.Context, agent store.Agent) error
}

type HTTPServer struct {
	coord      *collab.Coordinator
	agents     AgentWriter
	checks     map[string]Pinger
	logger     *slog.Logger
	corsOrigin string

	tracerProvider trace.TracerProvider
	propagator     propagation.TextMapPropagator
}

// ServerOption configures an HTTPServer.
type ServerOption func(*HTTPServer)

// WithTracing overrides the global tracer provider and propagator used to
// continue incoming traces.
func WithTracing(tp trace.TracerProvider, propagator propagation.TextMapPropagator) ServerOption {
	return func(s *HTTPServer) {
		s.tracerProvider = tp
		s.propagator = propagator
	}
}

func NewHTTPServer(coord *collab.Coordinator, agents AgentWriter, checks map[string]Pinger, logger *slog.Logger, corsOrigin string, opts ...ServerOption) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HTTPServer{coord: coord, agents: agents, checks: checks, logger: logger, corsOrigin: corsOrigin}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API handler. Incoming trace context is extracted so
// coordinator spans join the caller's trace.
func (s *HTTPServer) Handler() http.Handler {
	var otelOpts []otelhttp.Option
	if s.tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(s.tracerProvider))
	}
	if s.propagator != nil {
		otelOpts = append(otelOpts, otelhttp.WithPropagators(s.propagator))
	}
	return otelhttp.NewHandler(s.withMiddleware(http.HandlerFunc(s.handle)), "canvascollab.http", otelOpts...)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 3 && parts[0] == "api" && parts[1] == "agents" {
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handlePutAgent(w, r, parts[2])
		return
	}
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "sessions" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if len(parts) == 2 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleCreateSession(w, r)
		return
	}

	s.handleSession(w, r, parts[2], parts[3:])
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}

	for name, pinger := range s.checks {
		if err := pinger.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handlePutAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	if s.agents == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	agent := store.Agent{ID: agentID, Name: strings.TrimSpace(body.Name)}
	if err := s.agents.UpsertAgent(r.Context(), agent); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": agent.ID, "name": agent.Name})
}

func (s *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CanvasID       string `json:"canvasId"`
		SessionID      string `json:"sessionId"`
		OwnerUserID    string `json:"ownerUserId"`
		Mode           string `json:"mode"`
		MaxAgents      int    `json:"maxAgents"`
		InitialAgentID string `json:"initialAgentId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.coord.CreateSession(r.Context(), collab.CreateSessionInput{
		CanvasID:       body.CanvasID,
		SessionID:      body.SessionID,
		OwnerUserID:    body.OwnerUserID,
		Mode:           store.Mode(body.Mode),
		MaxAgents:      body.MaxAgents,
		InitialAgentID: body.InitialAgentID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionJSON(session))
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, sessionID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		status, err := s.coord.GetSessionStatus(r.Context(), sessionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toSessionStatusJSON(status))

	case len(rest) == 1 && rest[0] == "complete" && r.Method == http.MethodPost:
		summary, err := s.coord.CompleteSession(r.Context(), sessionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, completionJSON{
			SessionID:    summary.SessionID,
			Participants: summary.Participants,
			TotalActions: summary.TotalActions,
			Conflicts:    summary.Conflicts,
			CompletedAt:  summary.CompletedAt,
		})

	case len(rest) >= 1 && rest[0] == "participants":
		s.handleParticipants(w, r, sessionID, rest[1:])

	case len(rest) == 2 && rest[0] == "permissions" && rest[1] == "check" && r.Method == http.MethodPost:
		var body struct {
			AgentID     string `json:"agentId"`
			Action      string `json:"action"`
			ComponentID string `json:"componentId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		decision, err := s.coord.CheckPermission(r.Context(), sessionID, body.AgentID, rbac.Action(body.Action), body.ComponentID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, decision)

	case len(rest) >= 1 && rest[0] == "conflicts":
		s.handleConflicts(w, r, sessionID, rest[1:])

	case len(rest) == 1 && rest[0] == "actions" && r.Method == http.MethodPost:
		var body struct {
			AgentID     string `json:"agentId"`
			Action      string `json:"action"`
			ComponentID string `json:"componentId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		record, err := s.coord.RecordAction(r.Context(), sessionID, body.AgentID, rbac.Action(body.Action), body.ComponentID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, activityJSON{
			AgentID:      record.AgentID,
			Action:       string(record.Action),
			ComponentID:  record.ComponentID,
			ActionsCount: record.ActionsCount,
		})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleParticipants(w http.ResponseWriter, r *http.Request, sessionID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			AgentID     string            `json:"agentId"`
			AddedBy     string            `json:"addedBy"`
			Role        string            `json:"role"`
			Permissions *rbac.Permissions `json:"permissions"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		participant, err := s.coord.AddParticipant(r.Context(), collab.AddParticipantInput{
			SessionID: sessionID,
			AgentID:   body.AgentID,
			AddedBy:   body.AddedBy,
			Role:      rbac.Role(body.Role),
			Overrides: body.Permissions,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toParticipantJSON(participant))

	case len(rest) == 1 && r.Method == http.MethodDelete:
		participant, err := s.coord.RemoveParticipant(r.Context(), sessionID, rest[0])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toParticipantJSON(participant))

	case len(rest) == 3 && rest[1] == "locks" && r.Method == http.MethodDelete:
		if err := s.coord.ReleaseLock(r.Context(), sessionID, rest[0], rest[2]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleConflicts(w http.ResponseWriter, r *http.Request, sessionID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		conflicts, err := s.coord.ListConflicts(r.Context(), sessionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items := make([]conflictJSON, 0, len(conflicts))
		for _, conflict := range conflicts {
			items = append(items, toConflictJSON(conflict))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case len(rest) == 1 && rest[0] == "check" && r.Method == http.MethodPost:
		var body struct {
			AgentID     string `json:"agentId"`
			ComponentID string `json:"componentId"`
			Action      string `json:"action"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		check, err := s.coord.CheckConflict(r.Context(), sessionID, body.AgentID, body.ComponentID, rbac.Action(body.Action))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, conflictCheckJSON{
			HasConflict:      check.HasConflict,
			ConflictType:     check.ConflictType,
			ConflictingAgent: check.ConflictingAgent,
			Reason:           check.Reason,
		})

	case len(rest) == 1 && rest[0] == "resolve" && r.Method == http.MethodPost:
		var body struct {
			AgentA      string `json:"agentA"`
			AgentB      string `json:"agentB"`
			ComponentID string `json:"componentId"`
			ActionA     string `json:"actionA"`
			ActionB     string `json:"actionB"`
			Strategy    string `json:"strategy"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		resolution, err := s.coord.ResolveConflict(r.Context(), collab.ResolveInput{
			SessionID:   sessionID,
			AgentA:      body.AgentA,
			AgentB:      body.AgentB,
			ComponentID: body.ComponentID,
			ActionA:     body.ActionA,
			ActionB:     body.ActionB,
			Strategy:    body.Strategy,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resolutionJSON{
			ConflictID:     resolution.ConflictID,
			Resolution:     string(resolution.Resolution),
			ResolvedAction: resolution.ResolvedAction,
		})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", requestIDFrom(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var collabErr *collab.Error
	if errors.As(err, &collabErr) {
		mapped := fromCollabError(collabErr)
		return mapped.Status, mapped.Code, mapped.Message, mapped.Details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
