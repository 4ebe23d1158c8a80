// Package middleware provides HTTP middleware functions for the OCM CA API server.
// It includes session authentication, request logging, CORS handling, login
// rate limiting and request deadlines applied before requests reach the handlers.
package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/api/response"
	"github.com/robcowart/ocm-ca/internal/service"
)

const principalKey = "principal"

// SessionValidator resolves session cookies to principals
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (*service.Principal, error)
	CheckSetupRequired(ctx context.Context) (bool, error)
}

// AuthMiddleware requires a valid session cookie. Requests without one are
// rejected with 401; while no admin account exists the rejection is marked
// setup_required so clients can route to setup instead of login.
func AuthMiddleware(sessions SessionValidator, cookieName string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		required, err := sessions.CheckSetupRequired(ctx)
		if err != nil {
			logger.Error("Failed to check setup status", zap.Error(err))
			response.Error(c, err)
			return
		}
		if required {
			response.Fail(c, service.KindSetupRequired, "Setup required")
			return
		}

		token, err := c.Cookie(cookieName)
		if err != nil || token == "" {
			response.Fail(c, service.KindUnauthenticated, "Authentication required")
			return
		}

		principal, err := sessions.ValidateSession(ctx, token)
		if err != nil {
			if service.KindOf(err) == service.KindInternal {
				logger.Error("Session validation failed", zap.Error(err))
			}
			response.Error(c, err)
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireRole rejects principals without role. Admins pass every check.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := PrincipalFrom(c)
		if principal == nil {
			response.Fail(c, service.KindUnauthenticated, "Authentication required")
			return
		}
		if principal.Role != role && principal.Role != "admin" {
			c.AbortWithStatusJSON(http.StatusForbidden, response.Body{Success: false, Message: "Insufficient permissions", Code: "forbidden"})
			return
		}
		c.Next()
	}
}

// PrincipalFrom returns the authenticated principal, or nil on public routes
func PrincipalFrom(c *gin.Context) *service.Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*service.Principal)
	return p
}

// SetPrincipal stores principal on the request context
func SetPrincipal(c *gin.Context, principal *service.Principal) {
	c.Set(principalKey, principal)
}
