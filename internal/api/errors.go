package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
)

// ErrorBody is the JSON shape of every failed response.
type ErrorBody struct {
	OK      bool        `json:"ok"`
	Error   apperr.Code `json:"error"`
	Message string      `json:"message,omitempty"`
	Detail  any         `json:"detail,omitempty"`
}

func abortWithError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	body := ErrorBody{Error: code, Message: err.Error(), Detail: apperr.DetailOf(err)}
	var e *apperr.Error
	if errors.As(err, &e) {
		body.Message = e.Message
	}
	c.Error(err)
	c.AbortWithStatusJSON(apperr.HTTPStatus(code), body)
}

// fail renders err and logs INTERNAL failures with request context.
func fail(c *gin.Context, logger *slog.Logger, err error) {
	if apperr.CodeOf(err) == apperr.Internal {
		logger.Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
	}
	abortWithError(c, err)
}

func badRequest(c *gin.Context, err error) {
	abortWithError(c, apperr.Wrap(apperr.BadRequest, err, "invalid request body"))
}

func ok(c *gin.Context, fields gin.H) {
	if fields == nil {
		fields = gin.H{}
	}
	fields["ok"] = true
	c.JSON(http.StatusOK, fields)
}
