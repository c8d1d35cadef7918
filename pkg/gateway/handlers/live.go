package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/apsara-ai/apsara/pkg/core"
	"github.com/apsara-ai/apsara/pkg/gateway/config"
	"github.com/apsara-ai/apsara/pkg/gateway/lifecycle"
	"github.com/apsara-ai/apsara/pkg/gateway/live/capability"
	"github.com/apsara-ai/apsara/pkg/gateway/live/params"
	"github.com/apsara-ai/apsara/pkg/gateway/live/protocol"
	"github.com/apsara-ai/apsara/pkg/gateway/live/resume"
	"github.com/apsara-ai/apsara/pkg/gateway/live/session"
	"github.com/apsara-ai/apsara/pkg/gateway/live/sessions"
	"github.com/apsara-ai/apsara/pkg/gateway/principal"
	"github.com/apsara-ai/apsara/pkg/gateway/tools"
	"github.com/apsara-ai/apsara/pkg/gateway/upstream"
)

// LiveHandler handles /v1/live websocket sessions.
type LiveHandler struct {
	Config       config.Config
	Logger       *slog.Logger
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
	Upstream     upstream.Opener
	Tools        *tools.Registry
	Capabilities *capability.Table
	Resume       *resume.Manager
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	if r.Method != http.MethodGet {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrOverloaded, Message: "gateway is draining", Code: "draining"}, 529)
		return
	}
	if !h.originAllowed(r) {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrPermission, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	p, err := principal.Resolve(r, h.Config)
	if err != nil {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrAuthentication, Message: err.Error()}, http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := "s_" + uuid.NewString()
	h.writeEvent(conn, protocol.BackendConnected(sessionID))

	cfg := params.Resolve(r.URL.Query(), h.Logger)
	owner := ownerOf(p)

	resumed := cfg.Resume()
	if resumed {
		// A direct handle may match a stored snapshot; clear it so the
		// saved list does not offer a handle the upstream already burned.
		if _, err := h.Resume.ConsumeByHandle(r.Context(), owner, cfg.ResumeHandle); err != nil {
			h.Logger.Warn("clear saved session", "session_id", sessionID, "error", err)
		}
	} else if savedID := strings.TrimSpace(r.URL.Query().Get("savedSession")); savedID != "" {
		rec, err := h.Resume.Consume(r.Context(), owner, savedID)
		if errors.Is(err, resume.ErrNoRecord) {
			h.closeWithError(conn, "saved session not found")
			return
		}
		if err != nil {
			h.closeWithError(conn, "failed to load saved session")
			return
		}
		cfg.ResumeHandle = rec.Handle
		resumed = true
	}

	declared := h.Capabilities.Declare(cfg.Model, p.Authorized, h.Tools)

	state := h.Resume.Track(owner, resume.Record{
		SessionID: sessionID,
		Model:     cfg.Model,
		Modality:  string(cfg.Modality),
		Voice:     cfg.Voice,
	})

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    h.Logger,
		Upstream:  h.Upstream,
		Params:    cfg,
		Declared:  declared,
		Tools:     h.Tools,
		Caller:    tools.Caller{Authorized: p.Authorized, Identity: p.Identity},
		Resume:    state,
		SessionID: sessionID,
		RequestID: reqID,
		Resumed:   resumed,
		Config: session.Config{
			MaxMessageBytes:   h.Config.LiveMaxMessageBytes,
			PingInterval:      h.Config.LiveWSPingInterval,
			WriteTimeout:      h.Config.LiveWSWriteTimeout,
			ReadTimeout:       h.Config.LiveWSReadTimeout,
			ToolTimeout:       h.Config.LiveToolTimeout,
			OutboundQueueSize: h.Config.LiveOutboundQueue,
		},
	})
	if err != nil {
		h.closeWithError(conn, "failed to initialize live session")
		return
	}

	unregister := func() {}
	if h.LiveSessions != nil {
		unregister = h.LiveSessions.Register(sessions.Handle{
			Info: sessions.Info{
				ID:        sessionID,
				Model:     cfg.Model,
				Modality:  string(cfg.Modality),
				Identity:  owner,
				StartedAt: time.Now(),
			},
			Cancel: s.Cancel,
			Warn:   s.SendGoAway,
		})
	}
	defer unregister()

	if err := s.Run(); err != nil {
		h.Logger.Warn("live session ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h LiveHandler) writeEvent(conn *websocket.Conn, payload []byte) {
	timeout := h.Config.LiveWSWriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	_ = conn.WriteMessage(websocket.TextMessage, payload)
	_ = conn.SetWriteDeadline(time.Time{})
}

// closeWithError rejects a connection after the upgrade but before the
// session loop owns the socket.
func (h LiveHandler) closeWithError(conn *websocket.Conn, message string) {
	h.writeEvent(conn, protocol.ErrorEvent(message))
	h.writeEvent(conn, protocol.Closed(websocket.ClosePolicyViolation, message))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message),
		time.Now().Add(2*time.Second))
}

// ownerOf picks the key resumption records are stored under. Authorized
// callers get their stable identity; anonymous callers share an IP bucket.
func ownerOf(p principal.Principal) string {
	if p.Identity != "" {
		return p.Identity
	}
	if p.Key != "" {
		return p.Key
	}
	return "anonymous"
}
