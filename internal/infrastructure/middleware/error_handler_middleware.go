package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"meshsfu/internal/core/domain"
	"meshsfu/pkg/errors"
	pkglogger "meshsfu/pkg/logger"
)

// DomainErrorMappings renders domain sentinels on the HTTP surface.
var DomainErrorMappings = []errors.Mapping{
	{Target: domain.ErrNotFound, Code: errors.ErrCodeNotFound, HTTPStatus: http.StatusNotFound},
	{Target: domain.ErrAlreadyExists, Code: errors.ErrCodeConflict, HTTPStatus: http.StatusConflict},
	{Target: domain.ErrInvalidParameters, Code: errors.ErrCodeInvalidInput, HTTPStatus: http.StatusBadRequest},
	{Target: domain.ErrCapacityExhausted, Code: errors.ErrCodeCapacityExhausted, HTTPStatus: http.StatusServiceUnavailable},
	{Target: domain.ErrIncompatibleCapabilities, Code: errors.ErrCodeIncompatibleCapabilities, HTTPStatus: http.StatusUnprocessableEntity},
	{Target: domain.ErrPeerUnreachable, Code: errors.ErrCodePeerUnreachable, HTTPStatus: http.StatusBadGateway},
	{Target: domain.ErrInvariantViolation, Code: errors.ErrCodeInternal, HTTPStatus: http.StatusInternalServerError},
}

// SentinelFor returns the domain sentinel rendered with code, if any.
func SentinelFor(code errors.ErrorCode) (error, bool) {
	for _, m := range DomainErrorMappings {
		if m.Code == code && m.Code != errors.ErrCodeInternal {
			return m.Target, true
		}
	}
	return nil, false
}

// ErrorHandlerMiddleware renders the last error attached with c.Error.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	ctxLogger := pkglogger.NewContextLogger(logger)
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		appErr := errors.Translate(c.Errors.Last().Err, DomainErrorMappings)
		fields := []interface{}{
			"code", appErr.Code,
			"message", appErr.Message,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		}
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			ctxLogger.LogError(c.Request.Context(), c.Errors.Last().Err, "Request failed", fields...)
		} else {
			ctxLogger.WithContext(c.Request.Context()).Debugw("Request rejected", fields...)
		}

		c.JSON(appErr.HTTPStatus, errorBody(appErr))
	}
}

func errorBody(appErr *errors.AppError) gin.H {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	return body
}

// abortWith stops the chain and renders appErr the way ErrorHandlerMiddleware does.
func abortWith(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, errorBody(appErr))
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	ctxLogger := pkglogger.NewContextLogger(logger)
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				ctxLogger.WithContext(c.Request.Context()).Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				abortWith(c, errors.NewInternalError("Internal server error"))
			}
		}()

		c.Next()
	}
}
