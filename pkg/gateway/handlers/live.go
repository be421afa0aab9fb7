package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/voicegw/pkg/core"
	"github.com/vango-go/voicegw/pkg/gateway/apierror"
	"github.com/vango-go/voicegw/pkg/gateway/auth"
	"github.com/vango-go/voicegw/pkg/gateway/config"
	"github.com/vango-go/voicegw/pkg/gateway/live/manager"
	"github.com/vango-go/voicegw/pkg/gateway/live/pipeline"
	"github.com/vango-go/voicegw/pkg/gateway/live/protocol"
	"github.com/vango-go/voicegw/pkg/gateway/live/session"
	"github.com/vango-go/voicegw/pkg/gateway/live/sessions"
	"github.com/vango-go/voicegw/pkg/gateway/mw"
	"github.com/vango-go/voicegw/pkg/gateway/principal"
	"github.com/vango-go/voicegw/pkg/gateway/ratelimit"
	"github.com/vango-go/voicegw/pkg/gateway/telemetry"
)

const closeWriteWait = 2 * time.Second

// LiveHandler handles /ws and /v1/live websocket connections.
type LiveHandler struct {
	Config       config.Config
	Logger       *slog.Logger
	Auth         *auth.Authenticator
	Manager      *manager.Manager
	Transcripts  pipeline.Transcripts
	Responses    pipeline.Responses
	Limiter      *ratelimit.Limiter
	LiveSessions *sessions.Tracker
	Metrics      *telemetry.Metrics
	Tracer       trace.Tracer
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Body{Code: "method_not_allowed", Message: "method not allowed", RequestID: reqID})
		return
	}
	if h.LiveSessions.Draining() {
		apierror.WriteError(w, core.NewOverloadedError("gateway is draining"), reqID)
		return
	}
	if !h.originAllowed(r) {
		apierror.Write(w, http.StatusForbidden, &apierror.Body{Code: "forbidden", Message: "origin is not allowed", Param: "Origin", RequestID: reqID})
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "request_id", reqID, "error", err)
		return
	}
	defer conn.Close()

	token, _ := auth.TokenFromRequest(r)
	p, err := h.authenticator().Authenticate(token)
	if err != nil {
		h.reject(conn, "unauthorized", "")
		return
	}

	var audio *ratelimit.AudioBudget
	if h.Limiter != nil {
		key := principal.ForUser(r, h.Config, p.UserID).Key
		grant := h.Limiter.AcquireConnection(key, time.Now())
		if !grant.Allowed {
			h.reject(conn, "too many active connections", protocol.CodeRateLimited)
			return
		}
		defer grant.Permit.Release()
		audio = grant.Audio
	}

	connID := "c_" + uuid.NewString()
	logger = logger.With("conn_id", connID, "request_id", reqID)

	deps := session.Dependencies{
		Conn:        conn,
		Logger:      logger,
		Manager:     h.Manager,
		Transcripts: h.Transcripts,
		Responses:   h.Responses,
		UserID:      p.UserID,
		ConnID:      connID,
		Config:      sessionConfig(h.Config),
		Tracer:      h.Tracer,
		Audio:       audio,
	}
	if h.Metrics != nil {
		deps.Observer = h.Metrics
	}
	s, err := session.New(deps)
	if err != nil {
		logger.Error("failed to initialize live session", "error", err)
		h.reject(conn, "internal error", "")
		return
	}

	unregister := h.LiveSessions.Register(connID, sessions.Handle{
		UserID: p.UserID,
		Cancel: s.Cancel,
		Notify: s.Notify,
	})
	defer unregister()

	startedAt := time.Now()
	if h.Metrics != nil {
		h.Metrics.RecordConnectionStart()
	}
	logger.Info("live connection opened", "user_id", p.UserID)

	status := "ok"
	if err := s.Run(); err != nil {
		status = "error"
		logger.Warn("live connection ended with error", "error", err)
	}
	if h.Metrics != nil {
		h.Metrics.RecordConnectionEnd(status, time.Since(startedAt))
	}
	logger.Info("live connection closed", "duration_ms", time.Since(startedAt).Milliseconds())
}

func (h LiveHandler) authenticator() *auth.Authenticator {
	if h.Auth != nil {
		return h.Auth
	}
	return auth.NewAuthenticator(h.Config)
}

// originAllowed admits non-browser clients, which send no Origin, and
// browsers on the CORS allowlist.
func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	return origin == "" || mw.OriginAllowed(h.Config, origin)
}

// reject closes a connection before the session loop starts. When code is
// set, an error frame precedes the policy-violation close.
func (h LiveHandler) reject(conn *websocket.Conn, reason, code string) {
	if h.Metrics != nil {
		rejected := code
		if rejected == "" {
			rejected = reason
		}
		h.Metrics.RecordRejected(rejected)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(closeWriteWait))
	if code != "" {
		_ = conn.WriteJSON(protocol.NewError(code, reason, ""))
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(closeWriteWait))
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		MaxJSONMessageBytes:  cfg.MaxJSONMessageBytes,
		AudioChunksPerSecond: cfg.AudioChunksPerSecond,
		AudioBytesPerSecond:  cfg.AudioBytesPerSecond,
		InboundBurstSeconds:  cfg.InboundBurstSeconds,
		PingInterval:         cfg.WSPingInterval,
		WriteTimeout:         cfg.WSWriteTimeout,
		IdleTimeout:          cfg.WSIdleTimeout,
		MaxSessionDuration:   cfg.WSMaxDuration,
		ProducerTimeout:      cfg.ProducerTimeout,
		OutboundQueueSize:    cfg.OutboundQueueSize,
	}
}
