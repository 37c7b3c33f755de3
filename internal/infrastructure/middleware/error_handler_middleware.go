package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agentstream/internal/core/domain"
	apperrors "agentstream/pkg/errors"
)

// ErrorHandlerMiddleware renders the last handler error as a JSON body.
// Session sentinels map to client errors; AppErrors keep their own status.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		appErr := toAppError(err)

		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("Request failed",
				"code", appErr.Code,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"error", err,
			)
		} else {
			logger.Infow("Request rejected",
				"code", appErr.Code,
				"path", c.Request.URL.Path,
				"error", err,
			)
		}

		c.JSON(appErr.HTTPStatus, gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
			"details": appErr.Context,
		})
	}
}

func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		// Upstream failures surface as a bad gateway, not as our own 4xx.
		if status < http.StatusInternalServerError && appErr.Code != apperrors.ErrCodeInvalidInput {
			status = http.StatusBadGateway
		}
		return &apperrors.AppError{Code: appErr.Code, Message: appErr.Message, HTTPStatus: status, Context: appErr.Context}
	}

	switch {
	case errors.Is(err, domain.ErrNoActiveSession), errors.Is(err, domain.ErrChannelNotReady):
		return apperrors.NewAppError(apperrors.ErrCodeInvalidSession, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrSessionActive), errors.Is(err, domain.ErrInterruptUnavailable):
		return apperrors.NewAppError(apperrors.ErrCodeInvalidInput, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidScript), errors.Is(err, domain.ErrInvalidMessage):
		return apperrors.NewAppError(apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrMaintenance), errors.Is(err, domain.ErrSessionClosed):
		return apperrors.NewAppError(apperrors.ErrCodeServiceUnavailable, err.Error(), http.StatusServiceUnavailable)
	}
	return apperrors.NewInternalError(err.Error())
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   string(apperrors.ErrCodeInternal),
					"message": "Internal server error",
				})
				c.Abort()
			}
		}()

		c.Next()
	}
}
