// Package response writes the JSON envelope shared by every API endpoint:
// {success, message, setupRequired, data?, code?}.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/robcowart/ocm-ca/internal/service"
)

// Body is the envelope of every JSON response
type Body struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	Data          any    `json:"data,omitempty"`
	Code          string `json:"code,omitempty"`
	SetupRequired bool   `json:"setupRequired"`
}

// StatusFor maps an error kind to its HTTP status
func StatusFor(kind service.Kind) int {
	switch kind {
	case service.KindInvalidRequest:
		return http.StatusBadRequest
	case service.KindUnauthenticated, service.KindSetupRequired:
		return http.StatusUnauthorized
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindConflict:
		return http.StatusConflict
	case service.KindKeyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// OK writes a successful response
func OK(c *gin.Context, status int, message string, data any) {
	c.JSON(status, Body{Success: true, Message: message, Data: data})
}

// Fail writes a failure of the given kind and aborts the handler chain
func Fail(c *gin.Context, kind service.Kind, message string) {
	c.AbortWithStatusJSON(StatusFor(kind), Body{
		Success:       false,
		Message:       message,
		Code:          string(kind),
		SetupRequired: kind == service.KindSetupRequired,
	})
}

// Error writes err using its service kind. Internal details never reach the client.
func Error(c *gin.Context, err error) {
	Fail(c, service.KindOf(err), service.MessageOf(err))
}

// BadRequest writes an invalid_request failure
func BadRequest(c *gin.Context, message string) {
	Fail(c, service.KindInvalidRequest, message)
}
