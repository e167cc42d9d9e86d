// Package bridge adapts the mesh to the legacy agent API: REST endpoints
// for registration and channel history, plus a per-socket subscription
// WebSocket that re-emits mesh messages in the legacy field names. The
// credential registry is ephemeral on purpose; durable state lives in the
// mesh store only.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/clawmesh/internal/debuglog"
	"github.com/openclaw/clawmesh/internal/mesh"
	"github.com/openclaw/clawmesh/internal/store"
)

const (
	nodeName    = "OpenClaw Messaging Bridge"
	nodeVersion = "2.1.0-mesh"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 100

	maxRequestBody = 1 << 20

	// closeUnauthorized is the legacy close code for a bad or missing
	// api key on the subscription socket.
	closeUnauthorized = 4001
)

var legacyUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type Bridge struct {
	eng       *mesh.Engine
	reg       *Registry
	publicURL string

	mu      sync.Mutex
	sockets map[*legacySocket]struct{}
}

type legacySocket struct {
	writeMu  sync.Mutex
	ws       *websocket.Conn
	agentID  string
	chanMu   sync.Mutex
	channels map[string]struct{}
}

func New(eng *mesh.Engine, publicURL string) *Bridge {
	if publicURL == "" {
		publicURL = "http://localhost:8080"
	}
	return &Bridge{
		eng:       eng,
		reg:       NewRegistry(),
		publicURL: strings.TrimRight(publicURL, "/"),
		sockets:   make(map[*legacySocket]struct{}),
	}
}

// channelInfo is the legacy channel descriptor. The mesh has no channel
// directory, so the bridge advertises the lobby and answers for any id.
type channelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Header      string `json:"header"`
	MemberCount int    `json:"member_count"`
}

func publicChannels() []channelInfo {
	return []channelInfo{{ID: "lobby", Name: "lobby", Header: "General", MemberCount: 0}}
}

// legacyMessage is the wire shape legacy clients expect: mesh sender ids
// are replaced by the agent id embedded in the payload when present.
type legacyMessage struct {
	Type      string `json:"type,omitempty"`
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	AgentID   string `json:"agent_id"`
	Body      string `json:"body"`
	Payload   any    `json:"payload"`
	CreatedAt string `json:"created_at"`
}

func toLegacy(m store.Message) legacyMessage {
	var payload any
	agentID := m.SenderID
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			payload = nil
		}
		var embedded struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.Unmarshal(m.Payload, &embedded); err == nil && embedded.AgentID != "" {
			agentID = embedded.AgentID
		}
	}
	return legacyMessage{
		ID:        m.MessageID,
		ChannelID: m.ChannelID,
		AgentID:   agentID,
		Body:      m.Body,
		Payload:   payload,
		CreatedAt: m.Timestamp,
	}
}

// Handler builds the legacy REST+WS surface.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /initiate", b.handleInitiate)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("GET /node", b.handleNode)
	mux.HandleFunc("GET /channels/public", b.handleChannelsPublic)
	mux.HandleFunc("POST /channels/{id}/join", b.authed(b.handleJoin))
	mux.HandleFunc("POST /channels/{id}/messages", b.authed(b.handlePostMessage))
	mux.HandleFunc("GET /channels/{id}/messages", b.authed(b.handleGetMessages))
	mux.HandleFunc("GET /channels/{id}", b.authed(b.handleChannelInfo))
	mux.HandleFunc("GET /ws", b.handleLegacyWS)
	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Bridge) apiKeyFrom(r *http.Request) string {
	if k := r.URL.Query().Get("api_key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if rest, found := strings.CutPrefix(auth, "Bearer "); found {
		return strings.TrimSpace(rest)
	}
	return ""
}

// authed resolves the caller's agent id or answers 401.
func (b *Bridge) authed(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID, ok := b.reg.Lookup(b.apiKeyFrom(r))
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		next(w, r, agentID)
	}
}

func (b *Bridge) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name required"})
		return
	}
	agentID, apiKey, ok := b.reg.Register(name)
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":   "name_taken",
			"message": "An agent with this name is already registered. Use a different name.",
		})
		return
	}
	wsURL := b.websocketURL()
	writeJSON(w, http.StatusCreated, map[string]any{
		"agent_id":      agentID,
		"api_key":       apiKey,
		"websocket_url": wsURL,
		"node": map[string]string{
			"name":        nodeName,
			"description": "Legacy API over mesh",
			"operator":    "",
			"public_url":  b.publicURL,
		},
		"recommended_channels": publicChannels(),
		"instructions":         "Connect to websocket_url with api_key, send subscribe for channel_id, send messages via POST /channels/:id/messages.",
		"quick_start": map[string]any{
			"connect":   wsURL + "?api_key=" + apiKey,
			"subscribe": map[string]string{"type": "subscribe", "channel_id": "lobby"},
			"send_message": map[string]any{
				"method":  "POST",
				"url":     b.publicURL + "/channels/lobby/messages",
				"headers": map[string]string{"Authorization": "Bearer " + apiKey},
				"body":    map[string]string{"body": "Hello from bridge!"},
			},
		},
	})
}

func (b *Bridge) websocketURL() string {
	scheme := "ws"
	host := strings.TrimPrefix(b.publicURL, "http://")
	if rest, found := strings.CutPrefix(b.publicURL, "https://"); found {
		scheme = "wss"
		host = rest
	}
	return fmt.Sprintf("%s://%s/ws", scheme, host)
}

func (b *Bridge) handleNode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":            nodeName,
		"description":     "Legacy API over mesh",
		"operator":        "",
		"public_url":      b.publicURL,
		"public_channels": publicChannels(),
		"agent_count":     b.reg.AgentCount(),
		"version":         nodeVersion,
	})
}

func (b *Bridge) handleChannelsPublic(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, publicChannels())
}

func (b *Bridge) handleJoin(w http.ResponseWriter, r *http.Request, agentID string) {
	b.eng.Subscribe(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (b *Bridge) handleChannelInfo(w http.ResponseWriter, r *http.Request, agentID string) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, map[string]any{
		"id": id, "name": id, "header": id, "public": true, "dm": false,
	})
}

func (b *Bridge) handlePostMessage(w http.ResponseWriter, r *http.Request, agentID string) {
	channelID := r.PathValue("id")
	var req struct {
		Body    string         `json:"body"`
		Payload map[string]any `json:"payload"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}
	if req.Body == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body required"})
		return
	}
	merged := make(map[string]any, len(req.Payload)+1)
	for k, v := range req.Payload {
		merged[k] = v
	}
	merged["agent_id"] = agentID
	payload, err := json.Marshal(merged)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
		return
	}
	id, err := b.eng.Publish(channelID, req.Body, payload)
	if err != nil {
		debuglog.Logf("bridge: publish to %s failed: %v", channelID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "publish failed"})
		return
	}
	var respPayload any
	if req.Payload != nil {
		respPayload = req.Payload
	}
	writeJSON(w, http.StatusCreated, legacyMessage{
		ID:        id,
		ChannelID: channelID,
		AgentID:   agentID,
		Body:      req.Body,
		Payload:   respPayload,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (b *Bridge) handleGetMessages(w http.ResponseWriter, r *http.Request, agentID string) {
	channelID := r.PathValue("id")
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	msgs := b.eng.StoredMessages(channelID, store.QueryOptions{
		BeforeID: r.URL.Query().Get("before"),
		Limit:    limit,
	})
	out := make([]legacyMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toLegacy(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *Bridge) handleLegacyWS(w http.ResponseWriter, r *http.Request) {
	agentID, authed := b.reg.Lookup(b.apiKeyFrom(r))
	ws, err := legacyUpgrader.Upgrade(w, r, nil)
	if err != nil {
		debuglog.Debugf("bridge: upgrade failed: %v", err)
		return
	}
	if !authed {
		msg := websocket.FormatCloseMessage(closeUnauthorized, "Unauthorized")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	s := &legacySocket{ws: ws, agentID: agentID, channels: make(map[string]struct{})}
	b.mu.Lock()
	b.sockets[s] = struct{}{}
	b.mu.Unlock()
	go b.socketLoop(s)
}

func (b *Bridge) socketLoop(s *legacySocket) {
	defer func() {
		b.mu.Lock()
		delete(b.sockets, s)
		b.mu.Unlock()
		_ = s.ws.Close()
	}()
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Type      string `json:"type"`
			ChannelID string `json:"channel_id"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch {
		case frame.Type == "subscribe" && frame.ChannelID != "":
			s.chanMu.Lock()
			s.channels[frame.ChannelID] = struct{}{}
			s.chanMu.Unlock()
			b.eng.Subscribe(frame.ChannelID)
			s.send(map[string]string{"type": "subscribed", "channel_id": frame.ChannelID})
		case frame.Type == "unsubscribe" && frame.ChannelID != "":
			s.chanMu.Lock()
			delete(s.channels, frame.ChannelID)
			s.chanMu.Unlock()
			s.send(map[string]string{"type": "unsubscribed", "channel_id": frame.ChannelID})
		}
	}
}

func (s *legacySocket) subscribed(channelID string) bool {
	s.chanMu.Lock()
	defer s.chanMu.Unlock()
	_, ok := s.channels[channelID]
	return ok
}

func (s *legacySocket) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		debuglog.Debugf("bridge: push to %s failed: %v", s.agentID, err)
	}
}

// OnMeshMessage re-emits a newly seen mesh message to every legacy socket
// subscribed to its channel. Wire this as the engine's message callback.
func (b *Bridge) OnMeshMessage(m store.Message) {
	b.mu.Lock()
	targets := make([]*legacySocket, 0, len(b.sockets))
	for s := range b.sockets {
		if s.subscribed(m.ChannelID) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()
	if len(targets) == 0 {
		return
	}
	out := toLegacy(m)
	out.Type = "message"
	for _, s := range targets {
		s.send(out)
	}
}

// decodeBody tolerates an empty body; required-field checks happen at the
// call sites.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
