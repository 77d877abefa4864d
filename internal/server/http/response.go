package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// JSON-RPC-style error codes carried in every error body.
const (
	codeInvalidParams = -32602
	codeNotFound      = -32001
	codeInternal      = -32603
)

// APIError is the structured error shape of the HTTP API.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, APIError{Code: codeInvalidParams, Message: message})
}

func notFound(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusNotFound, APIError{Code: codeNotFound, Message: message})
}

func internalError(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, APIError{Code: codeInternal, Message: message})
}
