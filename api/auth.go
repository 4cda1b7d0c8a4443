package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Authenticator resolves the calling user's identity from a request.
// Token issuance and verification live in the upstream auth service;
// this server only needs a trusted user id per request.
type Authenticator interface {
	ResolveUserID(c *gin.Context) (uuid.UUID, error)
}

var errUnauthenticated = errors.New("missing or invalid credentials")

// UpstreamAuthenticator trusts the X-User-ID header injected by the
// authenticating reverse proxy in front of this service.
type UpstreamAuthenticator struct{}

func (UpstreamAuthenticator) ResolveUserID(c *gin.Context) (uuid.UUID, error) {
	raw := c.GetHeader("X-User-ID")
	if raw == "" {
		return uuid.Nil, errUnauthenticated
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errUnauthenticated
	}
	return userID, nil
}

// identityMiddleware returns a middleware that resolves and stores the
// caller's user id in the request context.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := s.auth.ResolveUserID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}
		c.Set("userID", userID.String())
		c.Next()
	}
}

// currentUserID reads the user id stored by identityMiddleware.
func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.GetString("userID")
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return userID, true
}
