// Package apierr is the single place that knows how a client-visible error
// is shaped — every HTTP-facing package formats through here so there is
// exactly one OpenAI-compatible error vocabulary in the whole gateway.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Kind is the fixed, client-visible error taxonomy (component 4.7).
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindAuthentication      Kind = "authentication_error"
	KindPermission          Kind = "permission_error"
	KindNotFound            Kind = "not_found"
	KindRateLimit           Kind = "rate_limit_exceeded"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindStreaming           Kind = "streaming_error"
	KindInternal            Kind = "internal_error"
)

var statusFor = map[Kind]int{
	KindValidation:          http.StatusBadRequest,
	KindAuthentication:      http.StatusUnauthorized,
	KindPermission:          http.StatusForbidden,
	KindNotFound:            http.StatusNotFound,
	KindRateLimit:           http.StatusTooManyRequests,
	KindQuotaExceeded:       http.StatusTooManyRequests,
	KindUpstreamUnavailable: http.StatusBadGateway,
	KindStreaming:           http.StatusOK, // only ever sent as an SSE event, not a status line
	KindInternal:            http.StatusInternalServerError,
}

type errorBody struct {
	Error errorFields `json:"error"`
}

type errorFields struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// StatusFor returns the HTTP status code for a kind.
func StatusFor(kind Kind) int {
	if s, ok := statusFor[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Body renders the OpenAI-shaped {"error":{...}} JSON body for kind/message.
func Body(kind Kind, message string) []byte {
	status := StatusFor(kind)
	data, _ := json.Marshal(errorBody{Error: errorFields{Message: message, Type: string(kind), Code: status}})
	return data
}

// Write sets the status and writes the error body to w.
func Write(w http.ResponseWriter, kind Kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(kind))
	_, _ = w.Write(Body(kind, message))
}

// SSEEvent wraps an error as a terminal "event: error" SSE record.
func SSEEvent(kind Kind, message string) string {
	return "event: error\ndata: " + string(Body(kind, message)) + "\n\n"
}
