package api

import (
	"encoding/json"
	"net/http"

	"digital.vasic.nexuscloud/pkg/remoteerr"
)

// KindInvalidRequest marks malformed API input. It never comes from an adapter.
const KindInvalidRequest remoteerr.Kind = "InvalidRequest"

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Kind  remoteerr.Kind `json:"kind"`
	Error string         `json:"error"`
}

var statusByKind = map[remoteerr.Kind]int{
	remoteerr.KindNotFound:             http.StatusNotFound,
	remoteerr.KindPermissionDenied:     http.StatusForbidden,
	remoteerr.KindAuthenticationFailed: http.StatusUnauthorized,
	remoteerr.KindHostUnreachable:      http.StatusBadGateway,
	remoteerr.KindTimeout:              http.StatusGatewayTimeout,
	remoteerr.KindUnsupportedOperation: http.StatusNotImplemented,
	remoteerr.KindConflict:             http.StatusConflict,
	remoteerr.KindCancelled:            http.StatusConflict,
	remoteerr.KindUnknown:              http.StatusInternalServerError,
	KindInvalidRequest:                 http.StatusBadRequest,
}

// StatusFor maps an error kind to an HTTP status code.
func StatusFor(kind remoteerr.Kind) int {
	if code, ok := statusByKind[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	kind := remoteerr.KindOf(err)
	writeJSON(w, StatusFor(kind), ErrorResponse{Kind: kind, Error: remoteerr.Detail(err)})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Kind: KindInvalidRequest, Error: message})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
