package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/examgate/examgate/internal/response"
	"github.com/examgate/examgate/internal/service"
)

// CheckSingleDeviceSession enforces one active device per student: the
// token's JTI must match the session recorded in Redis at login. A login
// from another device rotates the JTI and invalidates this token.
// Proctor tokens pass through untouched.
func CheckSingleDeviceSession(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		if claims.TokenType != service.TokenTypeStudent {
			c.Next()
			return
		}

		if err := authService.ValidateStudentSession(c.Request.Context(), claims.UserID, claims.ID); err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrSessionInvalidated)
			return
		}
		c.Next()
	}
}
