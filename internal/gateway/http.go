package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexuscore/autopilot/internal/channels"
	"github.com/nexuscore/autopilot/internal/models"
)

// ServerConfig configures the Gateway's HTTP surface (Section 6).
type ServerConfig struct {
	Dispatcher *Dispatcher
	// AuthSecret is the HMAC key bearer tokens are verified against.
	// Bearer auth is enforced only when this is non-empty, matching
	// Section 6's "present only when an auth token is configured".
	AuthSecret string
}

// Server exposes the Gateway Dispatcher over HTTP: POST /send plus the
// read-only /channels, /status, and /sessions endpoints.
type Server struct {
	cfg       ServerConfig
	mux       *http.ServeMux
	startedAt time.Time
}

// NewServer builds a Server over cfg.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{cfg: cfg, mux: http.NewServeMux(), startedAt: time.Now()}
	s.mux.HandleFunc("POST /send", s.withAuth(s.handleSend))
	s.mux.HandleFunc("GET /channels", s.withAuth(s.handleChannels))
	s.mux.HandleFunc("GET /status", s.withAuth(s.handleStatus))
	s.mux.HandleFunc("GET /sessions", s.withAuth(s.handleListSessions))
	s.mux.HandleFunc("GET /sessions/{session_id}", s.withAuth(s.handleGetSession))
	s.mux.Handle("GET /metrics", promhttp.Handler())
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// withAuth enforces bearer auth on a handler when AuthSecret is set.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.AuthSecret == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.cfg.AuthSecret), nil
		})
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next(w, r)
	}
}

type callerContextWire struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
}

type interactiveWire struct {
	Prompt         string `json:"prompt,omitempty"`
	Model          string `json:"model,omitempty"`
	Sandbox        *bool  `json:"sandbox,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Title          string `json:"title,omitempty"`
}

type sendRequestWire struct {
	Channel     string              `json:"channel"`
	Target      string              `json:"target"`
	ThreadID    string              `json:"thread_id,omitempty"`
	Text        string              `json:"text"`
	Context     []callerContextWire `json:"context,omitempty"`
	Interactive *interactiveWire    `json:"interactive,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body sendRequestWire
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Channel == "" || body.Target == "" || body.Text == "" {
		writeError(w, http.StatusBadRequest, "channel, target, and text are required")
		return
	}

	req := SendRequest{
		Channel:  models.ChannelType(body.Channel),
		Target:   body.Target,
		ThreadID: body.ThreadID,
		Text:     body.Text,
	}
	for _, c := range body.Context {
		req.Context = append(req.Context, CallerContextItem{Name: c.Name, Content: c.Content, Priority: c.Priority})
	}
	if body.Interactive != nil {
		req.Interactive = &InteractiveOptions{
			Prompt:         body.Interactive.Prompt,
			Model:          body.Interactive.Model,
			Sandbox:        body.Interactive.Sandbox,
			TimeoutSeconds: body.Interactive.TimeoutSeconds,
			Title:          body.Interactive.Title,
		}
	}

	result, err := s.cfg.Dispatcher.Send(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"delivered":  result.Delivered,
		"session_id": nilIfEmpty(result.SessionID),
		"thread_id":  nilIfEmpty(result.ThreadID),
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	type channelStatus struct {
		Channel   string `json:"channel"`
		Connected bool   `json:"connected"`
	}
	out := make([]channelStatus, 0)
	for _, adapter := range s.cfg.Dispatcher.registry.All() {
		entry := channelStatus{Channel: string(adapter.Type())}
		if health, ok := adapter.(channels.HealthAdapter); ok {
			entry.Connected = health.Status().Connected
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	d := s.cfg.Dispatcher
	d.mu.Lock()
	activeSessions := len(d.activeRuns)
	d.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"channels":        len(d.registry.All()),
		"active_sessions": activeSessions,
		"uptime_seconds":  int(time.Since(s.startedAt).Seconds()),
	})
}

type sessionSummaryWire struct {
	RoutingKey string    `json:"routing_key"`
	SessionID  string    `json:"session_id"`
	Channel    string    `json:"channel"`
	TargetKey  string    `json:"target_key"`
	Title      string    `json:"title"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.cfg.Dispatcher.store.ListRoutingMappings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	out := make([]sessionSummaryWire, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, sessionSummaryWire{
			RoutingKey: m.RoutingKey,
			SessionID:  m.SessionID,
			Channel:    string(m.DeliveryContext.Channel),
			TargetKey:  deliveryTargetKey(m.DeliveryContext),
			Title:      m.Title,
			UpdatedAt:  m.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	d := s.cfg.Dispatcher

	row, err := d.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	d.mu.Lock()
	_, active := d.activeRuns[sessionID]
	d.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": row.SessionID,
		"active":     active,
		"title":      row.Title,
		"updated_at": row.UpdatedAt,
	})
}

// deliveryTargetKey reconstructs a cached delivery context's target key for
// display, reading the platform-specific chat/channel id back out of
// ChannelMeta the same way Normalize populated it in the first place.
func deliveryTargetKey(dc models.DeliveryContext) string {
	chatType := ChatType{Kind: ChatKind(dc.ChatType), ThreadID: dc.ThreadID}
	switch dc.Channel {
	case models.ChannelTelegram:
		chatType.GroupID = stringOf(dc.ChannelMeta["chat_id"])
	case models.ChannelDiscord:
		chatType.GroupID = stringOf(dc.ChannelMeta["discord_channel_id"])
	case models.ChannelSlack:
		chatType.GroupID = stringOf(dc.ChannelMeta["slack_channel"])
	}
	return targetKey(dc.Channel, chatType, dc.PeerID)
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
