// Package handlers provides the HTTP status API of a running client.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-sandbox/client/internal/model"
)

// SessionSource is the part of a session the status API reads and drives.
type SessionSource interface {
	Snapshot() model.Snapshot
	Retry() error
}

// SessionHandler handles HTTP requests about the client session.
type SessionHandler struct {
	session SessionSource
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(session SessionSource) *SessionHandler {
	return &SessionHandler{session: session}
}

// SessionResponse represents the session in API responses.
type SessionResponse struct {
	State     string       `json:"state"`
	ClientID  *int64       `json:"clientId"`
	Connected bool         `json:"connected"`
	LastError *ErrorDetail `json:"lastError,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// toSessionResponse converts a snapshot to SessionResponse.
func toSessionResponse(s model.Snapshot) *SessionResponse {
	resp := &SessionResponse{
		State:     s.State.String(),
		Connected: s.Connected,
	}
	if s.HasIdentity() {
		id := int64(s.Identity)
		resp.ClientID = &id
	}
	if s.LastError != nil {
		resp.LastError = &ErrorDetail{
			Code:    errorCode(s.LastError),
			Message: s.LastError.Error(),
		}
	}
	return resp
}

// errorCode maps an error to its API code by category.
func errorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrTransport):
		return "TRANSPORT_ERROR"
	case errors.Is(err, model.ErrAuthentication):
		return "AUTHENTICATION_ERROR"
	case errors.Is(err, model.ErrIdentityInvalidated):
		return "IDENTITY_INVALIDATED"
	case errors.Is(err, model.ErrExecutionRuntime):
		return "EXECUTION_RUNTIME_ERROR"
	case errors.Is(err, model.ErrProtocol):
		return "PROTOCOL_ERROR"
	case errors.Is(err, model.ErrLocalPrecondition):
		return "INVALID_STATE"
	default:
		return "INTERNAL_ERROR"
	}
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// Get handles GET /api/session - reports state, identity and last error.
func (h *SessionHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, toSessionResponse(h.session.Snapshot()))
}

// Retry handles POST /api/session/retry - restarts a failed registration.
func (h *SessionHandler) Retry(c *gin.Context) {
	if err := h.session.Retry(); err != nil {
		switch {
		case errors.Is(err, model.ErrClosed):
			sendError(c, http.StatusServiceUnavailable, "SESSION_CLOSED", err.Error())
		case errors.Is(err, model.ErrNotReady):
			sendError(c, http.StatusConflict, "INVALID_STATE", "Registration has not failed: "+h.session.Snapshot().State.String())
		default:
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to retry registration: "+err.Error())
		}
		return
	}

	c.JSON(http.StatusAccepted, toSessionResponse(h.session.Snapshot()))
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	session := rg.Group("/session")
	{
		session.GET("", h.Get)
		session.POST("/retry", h.Retry)
	}
}
