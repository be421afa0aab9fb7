// Package apierror renders errors as the REST error envelope
// {"error":{"code","message","param","request_id"}}.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vango-go/voicegw/pkg/core"
)

type Body struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Param      string `json:"param,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter *int   `json:"retry_after,omitempty"`
}

type Envelope struct {
	Error *Body `json:"error"`
}

// FromError maps err to a client-safe body and HTTP status.
func FromError(err error, requestID string) (*Body, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Body{Code: "timeout", Message: "request timeout", RequestID: requestID}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Body{Code: "cancelled", Message: "request cancelled", RequestID: requestID}, http.StatusRequestTimeout
	}

	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		body := &Body{
			Code:       string(coreErr.Type),
			Message:    coreErr.Message,
			Param:      coreErr.Param,
			RequestID:  requestID,
			RetryAfter: coreErr.RetryAfter,
		}
		switch coreErr.Type {
		case core.ErrNotFound:
			// Session ids are not echoed back.
			body.Message = "Session not found"
			body.Param = ""
		case core.ErrInternal:
			body.Message = "internal error"
		}
		return body, statusFromType(coreErr.Type)
	}

	// Unknown errors: do not leak details.
	return &Body{Code: string(core.ErrInternal), Message: "internal error", RequestID: requestID}, http.StatusInternalServerError
}

func statusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest, core.ErrDecode, core.ErrSequence, core.ErrUnknownMessageType:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrConflict, core.ErrIllegalTransition, core.ErrAudioClosed:
		return http.StatusConflict
	case core.ErrCapacityExceeded:
		return http.StatusRequestEntityTooLarge
	case core.ErrRateLimit:
		return http.StatusTooManyRequests
	case core.ErrOverloaded:
		return http.StatusServiceUnavailable
	case core.ErrProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Write renders body with status.
func Write(w http.ResponseWriter, status int, body *Body) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: body})
}

// WriteError maps err and renders it.
func WriteError(w http.ResponseWriter, err error, requestID string) {
	body, status := FromError(err, requestID)
	Write(w, status, body)
}
