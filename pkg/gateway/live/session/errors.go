package session

import (
	"context"
	"errors"

	"github.com/vango-go/voicegw/pkg/core"
	"github.com/vango-go/voicegw/pkg/gateway/live/protocol"
)

const genericErrorMessage = "request could not be processed"

// errorFrame maps err to the error payload sent to the client. Domain errors
// become bad_request with the taxonomy name as reason; errors outside the
// taxonomy are reported without detail.
func errorFrame(err error) protocol.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.Error{Code: protocol.CodeTimeout, Message: "processing timed out"}
	}

	var cerr *core.Error
	if !errors.As(err, &cerr) {
		return protocol.Error{Code: protocol.CodeBadRequest, Message: genericErrorMessage, Reason: string(core.ErrInternal)}
	}
	switch cerr.Type {
	case core.ErrUnknownMessageType:
		return protocol.Error{Code: protocol.CodeUnknownType, Message: cerr.Message}
	case core.ErrRateLimit:
		return protocol.Error{Code: protocol.CodeRateLimited, Message: cerr.Message}
	case core.ErrProvider:
		return protocol.Error{Code: protocol.CodeProducerError, Message: cerr.Message}
	case core.ErrInternal:
		return protocol.Error{Code: protocol.CodeBadRequest, Message: genericErrorMessage, Reason: string(core.ErrInternal)}
	default:
		return protocol.Error{Code: protocol.CodeBadRequest, Message: cerr.Message, Reason: string(cerr.Type)}
	}
}
