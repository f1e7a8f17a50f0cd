package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/hivemesh/fabric/internal/rbac"
)

const (
	// Context keys set by the auth middleware
	ContextUserID    = "userID"
	ContextAuthToken = "authToken"
)

// BearerAuth resolves the Authorization header to a user id through
// the token validator and aborts unauthenticated requests. The raw
// token stays in the context; join forwards it to signaling.
func BearerAuth(tokens rbac.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing bearer token",
			})
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		userID, err := tokens.Validate(token)
		if err != nil {
			log.Warn().Err(err).Str("client_ip", c.ClientIP()).Msg("Rejected API token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid bearer token",
			})
			return
		}

		c.Set(ContextUserID, userID)
		c.Set(ContextAuthToken, token)
		c.Next()
	}
}

// authedUser returns the user id set by BearerAuth
func authedUser(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// authedToken returns the raw bearer token set by BearerAuth
func authedToken(c *gin.Context) string {
	return c.GetString(ContextAuthToken)
}
