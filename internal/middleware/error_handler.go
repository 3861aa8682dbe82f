package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"orderflow_billing/internal/apperr"
)

// ErrorBody is the JSON shape of every error response
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// JSONErrorHandler creates an echo error handler that renders apperr and echo errors as
// ErrorBody. Internal error details are logged, never returned.
func JSONErrorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		detail := ErrorDetail{Kind: apperr.KindInternal, Message: "Something went wrong. Please try again later."}

		var appErr *apperr.Error
		var he *echo.HTTPError
		switch {
		case errors.As(err, &appErr):
			code = apperr.HTTPStatus(appErr)
			detail.Kind = appErr.Kind
			if appErr.Kind != apperr.KindInternal {
				detail.Message = appErr.Message
			}
		case errors.As(err, &he):
			code = he.Code
			detail.Kind = kindForStatus(code)
			if msg, ok := he.Message.(string); ok && msg != "" {
				detail.Message = msg
			} else if he.Message != nil {
				detail.Message = fmt.Sprint(he.Message)
			}
		}

		fields := []zap.Field{
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Int("status", code),
			zap.String("kind", string(detail.Kind)),
			zap.Error(err),
		}
		if code >= http.StatusInternalServerError {
			log.Error("request failed", fields...)
		} else {
			log.Debug("request rejected", fields...)
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(code)
		} else {
			writeErr = c.JSON(code, ErrorBody{Error: detail})
		}
		if writeErr != nil {
			log.Error("failed to write error response", zap.Error(writeErr))
		}
	}
}

func kindForStatus(code int) apperr.Kind {
	switch code {
	case http.StatusNotFound:
		return apperr.KindNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.KindUnauthorized
	case http.StatusConflict:
		return apperr.KindConflict
	case http.StatusServiceUnavailable:
		return apperr.KindProviderUnavailable
	}
	if code >= http.StatusBadRequest && code < http.StatusInternalServerError {
		return apperr.KindValidation
	}
	return apperr.KindInternal
}
