package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/voicegw/pkg/core"
	"github.com/vango-go/voicegw/pkg/gateway/apierror"
	"github.com/vango-go/voicegw/pkg/gateway/auth"
	"github.com/vango-go/voicegw/pkg/gateway/live/manager"
	"github.com/vango-go/voicegw/pkg/gateway/mw"
)

// SummaryHandler serves GET /v1/sessions/{id}/summary.
type SummaryHandler struct {
	Manager *manager.Manager
	Logger  *slog.Logger
}

func (h SummaryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Body{Code: "method_not_allowed", Message: "method not allowed", RequestID: reqID})
		return
	}

	sessionID := strings.TrimSpace(r.PathValue("id"))
	if sessionID == "" {
		apierror.WriteError(w, core.NewInvalidRequestErrorWithParam("session id is required", "id"), reqID)
		return
	}

	userID := ""
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		userID = p.UserID
	}

	summary, err := h.Manager.Summary(r.Context(), userID, sessionID)
	if err != nil {
		if !core.IsType(err, core.ErrNotFound) && h.Logger != nil {
			h.Logger.Error("summary lookup failed", "request_id", reqID, "session_id", sessionID, "error", err)
		}
		apierror.WriteError(w, err, reqID)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summary)
}
