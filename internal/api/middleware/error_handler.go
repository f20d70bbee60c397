// Package middleware provides HTTP middleware for the operator API.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "corebank.io/platform/internal/pkg/errors"
	"corebank.io/platform/internal/pkg/logger"
)

// ErrorHandler is a Gin middleware that provides centralized error handling.
// It captures errors added via c.Error() and returns a consistent JSON response.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		rid := zap.String("request_id", GetRequestID(c.Request.Context()))

		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			logger.Warn("Request error",
				rid,
				zap.String("code", appErr.Code),
				zap.String("message", appErr.Message),
				zap.Int("status", appErr.HTTPStatus),
				zap.Error(appErr.Err),
			)
			c.JSON(appErr.HTTPStatus, gin.H{
				"code":    appErr.Code,
				"message": appErr.Message,
			})
			return
		}

		// Bare sentinels still map to their status.
		switch status := apperrors.StatusFor(err); status {
		case http.StatusNotFound:
			c.JSON(status, gin.H{"code": "NOT_FOUND", "message": err.Error()})
			return
		case http.StatusConflict:
			c.JSON(status, gin.H{"code": apperrors.CodeConcurrentModification, "message": err.Error()})
			return
		}

		logger.Error("Unhandled request error", rid, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    apperrors.CodeInternalError,
			"message": "An internal error occurred",
		})
	}
}
