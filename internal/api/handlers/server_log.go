package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "corebank.io/platform/internal/pkg/errors"
	"corebank.io/platform/internal/pkg/logger"
)

// LogLevel is the body of the log level endpoints.
type LogLevel struct {
	Level string `json:"level" binding:"required"`
}

// GetLogLevel handles GET /ops/log/level.
func (s *Server) GetLogLevel(c *gin.Context) {
	c.JSON(http.StatusOK, LogLevel{Level: logger.GetLevel().String()})
}

// PutLogLevel handles PUT /ops/log/level.
func (s *Server) PutLogLevel(c *gin.Context) {
	var req LogLevel
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequest, "body must be {\"level\": \"...\"}"))
		return
	}

	previous := logger.GetLevel().String()
	if err := logger.SetLevel(req.Level); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidLogLevel, err.Error()))
		return
	}
	logger.Info("Log level changed",
		zap.String("from", previous),
		zap.String("to", logger.GetLevel().String()),
	)
	c.JSON(http.StatusOK, LogLevel{Level: logger.GetLevel().String()})
}
