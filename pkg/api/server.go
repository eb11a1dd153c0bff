// Package api is the local HTTP control surface: transports submit messages,
// poll and ack responses, stream events, and manage configuration.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"switchboard/pkg/bus"
	"switchboard/pkg/config"
	"switchboard/pkg/convo"
	"switchboard/pkg/logx"
	"switchboard/pkg/proto"
	"switchboard/pkg/queue"
	"switchboard/pkg/routing"
)

// Server wires the control API handlers to the queue store, conversation
// manager, config provider, and event bus.
type Server struct {
	store  *queue.Store
	cfg    *config.Provider
	convos *convo.Manager
	events *bus.Bus
	logger *logx.Logger
}

func NewServer(store *queue.Store, cfg *config.Provider, convos *convo.Manager, events *bus.Bus) *Server {
	return &Server{
		store:  store,
		cfg:    cfg,
		convos: convos,
		events: events,
		logger: logx.NewLogger("api"),
	}
}

// Handler builds the chi router with auth and localhost CORS applied to the
// /api tree. /metrics stays unauthenticated for scrapers.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/message", s.handlePostMessage)
		r.Get("/responses/pending", s.handlePendingResponses)
		r.Post("/responses/{id}/ack", s.handleAckResponse)
		r.Get("/responses", s.handleRecentResponses)
		r.Get("/messages/sent", s.handleSentMessages)
		r.Get("/queue/status", s.handleQueueStatus)
		r.Get("/logs", s.handleLogs)
		r.Get("/events/stream", s.handleEventStream)

		r.Get("/queue/dead", s.handleDeadMessages)
		r.Post("/queue/dead/{id}/retry", s.handleRetryDead)
		r.Delete("/queue/dead/{id}", s.handleDeleteDead)

		r.Get("/config", s.handleGetConfig)
		r.Put("/config/agents/{id}", s.handlePutAgent)
		r.Delete("/config/agents/{id}", s.handleDeleteAgent)
		r.Put("/config/teams/{id}", s.handlePutTeam)
		r.Delete("/config/teams/{id}", s.handleDeleteTeam)
		r.Put("/config/settings", s.handlePutSettings)

		r.Post("/agents/{id}/reset", s.handleResetAgent)
	})

	return r
}

// HTTPServer builds an http.Server bound to the configured host and port.
func (s *Server) HTTPServer() *http.Server {
	settings := s.cfg.Snapshot().Settings
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", settings.Host, settings.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// authMiddleware enforces the bearer key unless auth is disabled. The key is
// read per request so rotation through the config file takes effect without
// a restart.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		settings := s.cfg.Snapshot().Settings
		if settings.AuthDisabled || settings.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		provided := r.URL.Query().Get("api_key")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			provided = strings.TrimPrefix(h, "Bearer ")
		}
		if provided != settings.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows browser access from localhost origins only.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isLocalhostOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalhostOrigin(origin string) bool {
	for _, prefix := range []string{
		"http://localhost", "https://localhost",
		"http://127.0.0.1", "https://127.0.0.1",
	} {
		if origin == prefix || strings.HasPrefix(origin, prefix+":") {
			return true
		}
	}
	return false
}

type postMessageRequest struct {
	Message   string   `json:"message"`
	Agent     string   `json:"agent,omitempty"`
	Sender    string   `json:"sender,omitempty"`
	Channel   string   `json:"channel,omitempty"`
	SenderID  string   `json:"senderId,omitempty"`
	MessageID string   `json:"messageId,omitempty"`
	Files     []string `json:"files,omitempty"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	body := req.Message
	if req.Channel != "" && req.Sender != "" {
		body = fmt.Sprintf("[%s/%s]: %s", req.Channel, req.Sender, body)
	}

	msg := &proto.Message{
		MessageID: req.MessageID,
		Channel:   req.Channel,
		Sender:    req.Sender,
		SenderID:  req.SenderID,
		Body:      body,
		Files:     req.Files,
		Agent:     req.Agent,
	}
	if msg.MessageID == "" {
		msg.MessageID = proto.NewMessageID()
	}

	// Infer the target from a leading @token so the right agent's chain
	// claims the row directly. Team tokens stay unrouted: the dispatcher
	// resolves team context and the pipeline entry point.
	if msg.Agent == "" {
		snap := s.cfg.Snapshot()
		decision := routing.ParseAgentRouting(body, snap.Agents, snap.Teams)
		if !decision.IsTeam && decision.AgentID != proto.DefaultAgent {
			msg.Agent = decision.AgentID
			msg.Body = decision.Message
		}
	}

	if _, err := s.store.EnqueueMessage(msg); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			writeError(w, http.StatusConflict, "duplicate messageId %s", msg.MessageID)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue: %v", err)
		return
	}

	ev := proto.NewEvent(proto.EventMessageReceived)
	ev.MessageID = msg.MessageID
	ev.AgentID = msg.Agent
	s.events.Publish(ev)

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "messageId": msg.MessageID})
}

func (s *Server) handlePendingResponses(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}
	responses, err := s.store.PendingResponses(channel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"responses": emptyIfNilResponses(responses)})
}

func (s *Server) handleAckResponse(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid response id")
		return
	}
	if err := s.store.AckResponse(id); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// agentFilter merges the ?agent= and ?agents=a,b query forms.
func agentFilter(r *http.Request) []string {
	var agents []string
	if a := r.URL.Query().Get("agent"); a != "" {
		agents = append(agents, a)
	}
	if list := r.URL.Query().Get("agents"); list != "" {
		for _, a := range strings.Split(list, ",") {
			if a = strings.TrimSpace(a); a != "" {
				agents = append(agents, a)
			}
		}
	}
	return agents
}

func limitParam(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func (s *Server) handleRecentResponses(w http.ResponseWriter, r *http.Request) {
	responses, err := s.store.RecentResponses(agentFilter(r), limitParam(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"responses": emptyIfNilResponses(responses)})
}

func (s *Server) handleSentMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.store.RecentMessages(agentFilter(r), limitParam(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if messages == nil {
		messages = []*proto.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":             counts.Pending,
		"processing":          counts.Processing,
		"completed":           counts.Completed,
		"dead":                counts.Dead,
		"responsesPending":    counts.ResponsesPending,
		"activeConversations": s.convos.ActiveCount(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"logs": logx.Tail(limitParam(r, 200))})
}

// handleEventStream serves the bus as server-sent events until the client
// disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := s.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleDeadMessages(w http.ResponseWriter, r *http.Request) {
	dead, err := s.store.DeadMessages(limitParam(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if dead == nil {
		dead = []*proto.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": dead})
}

func (s *Server) handleRetryDead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	if err := s.store.RetryDead(id); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteDead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	if err := s.store.DeleteDead(id); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Snapshot()
	settings := snap.Settings
	settings.APIKey = "" // never echo the bearer key
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":   snap.Agents,
		"teams":    snap.Teams,
		"settings": settings,
	})
}

func (s *Server) handlePutAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var agent config.AgentConfig
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	agent.ID = id

	err := s.cfg.Update(func(doc *config.Document) error {
		if doc.Agents == nil {
			doc.Agents = make(map[string]config.AgentConfig)
		}
		doc.Agents[id] = agent
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.cfg.Update(func(doc *config.Document) error {
		if _, ok := doc.Agents[id]; !ok {
			return fmt.Errorf("agent %s not found", id)
		}
		delete(doc.Agents, id)
		return nil
	})
	if err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePutTeam(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var team config.TeamConfig
	if err := json.NewDecoder(r.Body).Decode(&team); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	team.ID = id
	if team.Leader == "" || !containsString(team.Members, team.Leader) {
		writeError(w, http.StatusBadRequest, "leader must be one of the members")
		return
	}

	err := s.cfg.Update(func(doc *config.Document) error {
		if doc.Teams == nil {
			doc.Teams = make(map[string]config.TeamConfig)
		}
		doc.Teams[id] = team
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteTeam(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.cfg.Update(func(doc *config.Document) error {
		if _, ok := doc.Teams[id]; !ok {
			return fmt.Errorf("team %s not found", id)
		}
		delete(doc.Teams, id)
		return nil
	})
	if err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings config.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	err := s.cfg.Update(func(doc *config.Document) error {
		// The bearer key is managed through EnsureAPIKey, not this endpoint.
		settings.APIKey = doc.Settings.APIKey
		doc.Settings = settings
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleResetAgent drops a reset flag file that the dispatcher consumes
// before the agent's next invocation.
func (s *Server) handleResetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap := s.cfg.Snapshot()
	agent, ok := snap.Agents[id]
	if !ok {
		writeError(w, http.StatusNotFound, "agent %s not found", id)
		return
	}
	if err := os.MkdirAll(agent.WorkingDir, 0755); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	flag := filepath.Join(agent.WorkingDir, "reset_flag")
	if err := os.WriteFile(flag, nil, 0644); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	s.logger.Info("Reset requested for agent %s", id)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func emptyIfNilResponses(responses []*proto.Response) []*proto.Response {
	if responses == nil {
		return []*proto.Response{}
	}
	return responses
}
