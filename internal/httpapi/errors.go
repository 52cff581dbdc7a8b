package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"docconv/internal/converter"
	"docconv/internal/storage"
	"docconv/internal/task"
	"docconv/internal/task/engine"
)

const (
	codeInvalidFile     = "INVALID_FILE"
	codeEmptyFile       = "EMPTY_FILE"
	codeUnsupportedType = "UNSUPPORTED_TYPE"
	codeTooLarge        = "FILE_TOO_LARGE"
	codeQueueFull       = "QUEUE_FULL"
	codeStopping        = "SERVICE_STOPPING"
	codeNotFound        = "TASK_NOT_FOUND"
	codeParse           = "PARSE_ERROR"
	codeRateLimited     = "RATE_LIMITED"
	codeUnauthorized    = "UNAUTHORIZED"
	codeInvalidParam    = "INVALID_PARAMETER"
	codeTimeout         = "TIMEOUT"
	codeRequestTimeout  = "REQUEST_TIMEOUT"
	codeClientClosed    = "CLIENT_CLOSED_REQUEST"
	codeCacheDisabled   = "CACHE_DISABLED"
	codeInternal        = "INTERNAL_ERROR"
)

// statusClientClosedRequest is the nginx convention for a request the
// client abandoned; the body is only seen in access logs.
const statusClientClosedRequest = 499

var errMissingFile = errors.New(`multipart field "file" is required`)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// classify maps engine and converter errors onto a status and code.
func classify(err error) (int, string, any) {
	var unsupported *converter.UnsupportedTypeError
	var tooLarge *engine.TooLargeError
	var parse *converter.ParseError
	switch {
	case errors.As(err, &unsupported):
		return http.StatusUnsupportedMediaType, codeUnsupportedType, map[string]any{
			"extension":            unsupported.Ext,
			"supported_extensions": unsupported.Supported,
		}
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, codeTooLarge, map[string]any{"max_bytes": tooLarge.Limit}
	case errors.As(err, &parse):
		return http.StatusUnprocessableEntity, codeParse, map[string]any{"converter": parse.Converter}
	case errors.Is(err, engine.ErrEmptyFile):
		return http.StatusUnprocessableEntity, codeEmptyFile, nil
	case errors.Is(err, engine.ErrInvalidFilename), errors.Is(err, errMissingFile), errors.Is(err, http.ErrNotMultipart):
		return http.StatusUnprocessableEntity, codeInvalidFile, nil
	case errors.Is(err, engine.ErrQueueFull):
		return http.StatusServiceUnavailable, codeQueueFull, nil
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping):
		return http.StatusServiceUnavailable, codeStopping, nil
	case errors.Is(err, task.ErrTaskNotFound):
		return http.StatusNotFound, codeNotFound, nil
	case errors.Is(err, storage.ErrDisabled):
		return http.StatusConflict, codeCacheDisabled, nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, codeRequestTimeout, nil
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, codeClientClosed, nil
	default:
		return http.StatusInternalServerError, codeInternal, nil
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status, code, detail := classify(err)
	writeError(w, status, code, err.Error(), detail)
}

func writeError(w http.ResponseWriter, status int, code, msg string, detail any) {
	writeJSON(w, status, errorBody{Code: code, Message: msg, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
