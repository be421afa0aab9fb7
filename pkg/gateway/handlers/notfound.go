package handlers

import (
	"net/http"

	"github.com/vango-go/voicegw/pkg/gateway/apierror"
	"github.com/vango-go/voicegw/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, http.StatusNotFound, &apierror.Body{Code: "not_found", Message: "not found", RequestID: reqID})
}
