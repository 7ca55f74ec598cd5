package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SubjectKey is the gin context key under which RequireAuth stores the
// authenticated subject.
const SubjectKey = "auth_subject"

// RequireAuth rejects requests that do not carry a verifiable credential.
// The credential is resolved per ResolveBearer; a null identity gets a 401.
func RequireAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ResolveBearer(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		claims, err := ValidateToken(token, secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		c.Set(SubjectKey, claims.Subject)
		c.Next()
	}
}
