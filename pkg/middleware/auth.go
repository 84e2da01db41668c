package middleware

import (
	"ticketteller/pkg/auth"

	"github.com/gin-gonic/gin"
)

// Auth authorizes the request once before dispatch and hands the resolved
// role to handlers through the request context.
func Auth(a *auth.Authorizer, header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, err := a.Authorize(c.GetHeader(header), c.Request.URL.Path, c.Request.Method)
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		c.Request = c.Request.WithContext(auth.WithRole(c.Request.Context(), role))
		c.Next()
	}
}
