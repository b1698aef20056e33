package api

import (
	"errors"
	"net/http"

	"trade-service/internal/apperror"
	"trade-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   apperror.Kind `json:"error"`
	Message string        `json:"message"`
}

var kindStatus = map[apperror.Kind]int{
	apperror.KindUnauthorized:      http.StatusForbidden,
	apperror.KindForbidden:         http.StatusForbidden,
	apperror.KindNotFound:          http.StatusNotFound,
	apperror.KindInvalidTransition: http.StatusConflict,
	apperror.KindAlreadyTerminal:   http.StatusConflict,
	apperror.KindConflict:          http.StatusConflict,
	apperror.KindDegraded:          http.StatusServiceUnavailable,
	apperror.KindValidation:        http.StatusBadRequest,
	apperror.KindRateLimited:       http.StatusTooManyRequests,
	apperror.KindInternal:          http.StatusInternalServerError,
}

// StatusFor returns the HTTP status a kind is reported with
func StatusFor(kind apperror.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	kind := apperror.KindOf(err)
	message := "internal error"

	var appErr *apperror.Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		message = appErr.Message
	}

	if kind == apperror.KindInternal {
		util.GetLogger().Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	c.AbortWithStatusJSON(StatusFor(kind), ErrorResponse{Error: kind, Message: message})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:   apperror.KindValidation,
		Message: "invalid request body: " + err.Error(),
	})
}
