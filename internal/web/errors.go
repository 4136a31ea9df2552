package web

// errors.go provides unified error responses for the API. The technical
// error is logged with the request id; the client gets the mapped user
// message and code from core.MapError.

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/csvrouter/internal/core"
	"github.com/JonMunkholm/csvrouter/internal/ledger"
	"github.com/JonMunkholm/csvrouter/internal/logging"
	"github.com/JonMunkholm/csvrouter/internal/trigger"
)

// errBadRequest marks client input errors.
var errBadRequest = errors.New("bad request")

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Action    string `json:"action,omitempty"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// respondError logs err and writes a JSON error with a status derived from
// it.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := core.MapError(err)
	requestID := middleware.GetReqID(r.Context())

	log := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request error", "path", r.URL.Path, "method", r.Method, "status", status, "error", err, "code", msg.Code)
	} else {
		log.Warn("request rejected", "path", r.URL.Path, "method", r.Method, "status", status, "error", err, "code", msg.Code)
	}

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "30")
	}

	message := msg.Message
	if errors.Is(err, errBadRequest) || errors.Is(err, trigger.ErrMalformedEvent) {
		// Input errors are the client's own data; echo them.
		message = err.Error()
	}
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		Message:   msg.Message,
		Action:    msg.Action,
		Code:      msg.Code,
		RequestID: requestID,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, trigger.ErrMalformedEvent):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrTooManyRuns):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrRunNotFound), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// resultStatus is the status of a synchronous run response. The body is
// always the full result.
func resultStatus(result *core.RunResult) int {
	switch result.ErrorCode {
	case "":
		return http.StatusOK
	case "SRC001":
		return http.StatusNotFound
	case "FMT001":
		return http.StatusUnprocessableEntity
	case "RUN003":
		return http.StatusConflict
	case "RUN004":
		return http.StatusGatewayTimeout
	case "SNK001", "SNK002", "SRC002", "NET001", "AUTH001":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
