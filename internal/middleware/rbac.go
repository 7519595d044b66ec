package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/examgate/examgate/internal/response"
)

// RequirePermission gates a route on one permission code carried in the
// proctor's JWT claims.
func RequirePermission(code string) gin.HandlerFunc {
	return RequireAnyPermission(code)
}

// RequireAnyPermission passes when the claims hold at least one of the
// given codes. Must run after a JWT guard.
func RequireAnyPermission(codes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		for _, held := range claims.Permissions {
			for _, code := range codes {
				if held == code {
					c.Next()
					return
				}
			}
		}

		response.AbortFail(c, http.StatusForbidden, response.ErrPermissionDenied)
	}
}
