// Package response provides the minimal JSON envelope used by the
// orchestrator's admin HTTP surface (health checks; no kernel CRUD is
// exposed over HTTP).
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDKey is the header/context key carrying the request ID.
const RequestIDKey = "X-Request-ID"

// Response is the standard envelope for a successful response.
type Response struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"requestId"`
}

// ErrorResponse is the standard envelope for an error response.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

// GetRequestID retrieves the request ID from context, header, or mints one.
func GetRequestID(c *gin.Context) string {
	if v, exists := c.Get(RequestIDKey); exists {
		if id, ok := v.(string); ok && id != "" {
			return id
		}
	}
	if id := c.GetHeader(RequestIDKey); id != "" {
		return id
	}
	return "req-" + uuid.New().String()
}

// Success sends a 200 response.
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: "SUCCESS", Message: "success", Data: data, RequestID: GetRequestID(c)})
}

// Error sends an error response with the given HTTP status and code.
func Error(c *gin.Context, httpStatus int, code string, message string) {
	c.JSON(httpStatus, ErrorResponse{Code: code, Message: message, RequestID: GetRequestID(c)})
}
