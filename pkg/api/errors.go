package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/cuemby/infusion/pkg/controller"
)

// Error codes carried in ErrorResponse.Code
const (
	CodeInvalidRequest = "invalid_request"
	CodeBusy           = "busy"
	CodeConflict       = "conflict"
	CodeUnconfirmed    = "unconfirmed"
	CodeDeviceError    = "device_error"
	CodeDeviceFault    = "device_fault"
	CodeTimeout        = "timeout"
	CodeNotFound       = "not_found"
	CodeInternal       = "internal"
)

// ErrorResponse is the body of every non-2xx API reply
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	CommandID string `json:"command_id,omitempty"`
}

// statusOf maps a controller error to an HTTP status and error code.
//
// An uncertain command is 202: the request was accepted and may have been
// delivered, and the client must not retry it. ErrUnconfirmed is 503
// because nothing was sent and the same request can succeed once the device
// answers again.
func statusOf(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error()}

	var (
		ue *controller.UncertainError
		ce *controller.CommError
	)
	switch {
	case errors.As(err, &ue):
		resp.Code = CodeUnconfirmed
		resp.CommandID = ue.CommandID
		return http.StatusAccepted, resp
	case controller.IsValidation(err):
		resp.Code = CodeInvalidRequest
		return http.StatusBadRequest, resp
	case errors.Is(err, controller.ErrBusy):
		resp.Code = CodeBusy
		return http.StatusConflict, resp
	case errors.Is(err, controller.ErrSuspended),
		errors.Is(err, controller.ErrNotSuspended),
		errors.Is(err, controller.ErrNoActiveDose):
		resp.Code = CodeConflict
		return http.StatusConflict, resp
	case errors.Is(err, controller.ErrUnconfirmed):
		resp.Code = CodeUnconfirmed
		return http.StatusServiceUnavailable, resp
	case errors.As(err, &ce):
		resp.Code = CodeDeviceError
		if !ce.Recoverable {
			resp.Code = CodeDeviceFault
		}
		return http.StatusBadGateway, resp
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		resp.Code = CodeTimeout
		return http.StatusGatewayTimeout, resp
	default:
		resp.Code = CodeInternal
		return http.StatusInternalServerError, resp
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code, resp := statusOf(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", code).Msg("Request failed")
	}
	writeJSON(w, code, resp)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: CodeInvalidRequest})
}
