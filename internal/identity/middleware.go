package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxTokenClaims = "settlement_token_claims"

// RequireToken returns a Gin middleware that enforces a valid Bearer ops
// token. On success the *OpsTokenClaims are stored in the context.
func RequireToken(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
			})
			return
		}
		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
			})
			return
		}
		c.Set(ctxTokenClaims, claims)
		c.Next()
	}
}

// RequireScope returns a Gin middleware that rejects tokens without scope.
// It must run after RequireToken.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasScope(ClaimsFromCtx(c), scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "scope required: " + scope,
			})
			return
		}
		c.Next()
	}
}

// ClaimsFromCtx retrieves the claims stored by RequireToken, or nil.
func ClaimsFromCtx(c *gin.Context) *OpsTokenClaims {
	v, _ := c.Get(ctxTokenClaims)
	claims, _ := v.(*OpsTokenClaims)
	return claims
}

// TenantFromCtx returns the authenticated tenant, or "" when the route is
// unauthenticated.
func TenantFromCtx(c *gin.Context) string {
	if claims := ClaimsFromCtx(c); claims != nil {
		return claims.TenantID
	}
	return ""
}
