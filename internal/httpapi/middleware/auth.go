package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/tenant-chat/internal/auth"
	"github.com/suPer8Hu/tenant-chat/internal/common"
	"github.com/suPer8Hu/tenant-chat/internal/identity"
)

const IdentityKey = "identity"

// Anonymous configures the demo fallback used when no token is sent.
type Anonymous struct {
	Enabled  bool
	TenantID string
	UserID   string
}

// Auth resolves the caller once per request. A bearer token must be valid; a missing token
// becomes the anonymous demo identity only when that mode is enabled.
func Auth(jwtSecret string, anon Anonymous) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" {
			if !anon.Enabled || anon.TenantID == "" || anon.UserID == "" {
				common.AbortFail(c, http.StatusUnauthorized, 40101, "unauthorized")
				return
			}
			c.Set(IdentityKey, identity.NewAnonymous(anon.TenantID, anon.UserID))
			c.Next()
			return
		}

		token, found := strings.CutPrefix(h, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			common.AbortFail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		tenantID, userID, err := auth.ParseJWT(strings.TrimSpace(token), jwtSecret)
		if err != nil {
			common.AbortFail(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}
		c.Set(IdentityKey, identity.NewAuthenticated(tenantID, userID))
		c.Next()
	}
}

func IdentityFrom(c *gin.Context) (identity.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return identity.Identity{}, false
	}
	id, ok := v.(identity.Identity)
	return id, ok && id.Valid()
}
