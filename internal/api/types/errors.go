package types

import (
	"errors"
	"net/http"

	appErr "github.com/skystack/engine/pkg/errors"
)

func FromAppError(err error) *APIError {
	if err == nil {
		return nil
	}
	var e *appErr.AppError
	if errors.As(err, &e) {
		return &APIError{Code: string(e.Code), Message: e.Message}
	}
	return &APIError{Code: string(appErr.CodeUnknown), Message: err.Error()}
}

// HTTPStatus maps an error's code to the response status.
func HTTPStatus(err error) int {
	var e *appErr.AppError
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case appErr.CodeNotFound:
		return http.StatusNotFound
	case appErr.CodeValidation, appErr.CodeInvalid:
		return http.StatusBadRequest
	case appErr.CodeConfiguration:
		return http.StatusUnprocessableEntity
	case appErr.CodeConflict, appErr.CodeAlreadyExists:
		return http.StatusConflict
	case appErr.CodeUnavailable:
		return http.StatusServiceUnavailable
	case appErr.CodeCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
