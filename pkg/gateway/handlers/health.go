package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/voicegw/pkg/gateway/config"
	"github.com/vango-go/voicegw/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config       config.Config
	LiveSessions *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK              bool     `json:"ok"`
		Draining        bool     `json:"draining"`
		AuthMode        string   `json:"auth_mode"`
		STTEngine       string   `json:"stt_engine"`
		LLMEngine       string   `json:"llm_engine"`
		ArchiveDriver   string   `json:"archive_driver"`
		LimitsEnabled   bool     `json:"limits_enabled"`
		LiveConnections int      `json:"live_connections"`
		Issues          []string `json:"issues,omitempty"`
	}

	var issues []string
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	draining := h.LiveSessions.Draining()
	if draining {
		issues = append(issues, "draining")
	}

	limitsEnabled := (h.Config.LimitRPS > 0 && h.Config.LimitBurst > 0) ||
		(h.Config.LimitMaxConcurrentRequests > 0) ||
		(h.Config.WSMaxConnectionsPerPrincipal > 0)

	ok := len(issues) == 0
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:              ok,
		Draining:        draining,
		AuthMode:        string(h.Config.AuthMode),
		STTEngine:       h.Config.STTEngine,
		LLMEngine:       h.Config.LLMEngine,
		ArchiveDriver:   h.Config.ArchiveDriver,
		LimitsEnabled:   limitsEnabled,
		LiveConnections: h.LiveSessions.Count(),
		Issues:          issues,
	})
}
