package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hivegate/hivegate/internal/core"
	"github.com/hivegate/hivegate/internal/errors"
)

// Context key for the authenticated user.
const userContextKey = "hivegate.user"

// OptionalAuth resolves the caller identity for every request. A missing
// bearer yields a fresh anonymous user; an invalid one aborts with 401.
// Admin callers may simulate another user through the user_id, email and
// roles query parameters.
func OptionalAuth(manager *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authorization := c.GetHeader("Authorization")
		if authorization == "" {
			c.Set(userContextKey, AnonymousUser())
			c.Next()
			return
		}
		user, err := manager.ValidToken(authorization)
		if err != nil {
			abortWithError(c, err)
			return
		}
		applySimulatedUser(c, user)
		c.Set(userContextKey, user)
		c.Next()
	}
}

// RequireAuth is OptionalAuth minus the anonymous fallback.
func RequireAuth(manager *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := manager.ValidToken(c.GetHeader("Authorization"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		applySimulatedUser(c, user)
		c.Set(userContextKey, user)
		c.Next()
	}
}

// applySimulatedUser lets admin tokens override the decoded subject with
// simulated-user query parameters.
func applySimulatedUser(c *gin.Context, user *core.UserInfo) {
	if !user.HasRole("admin") {
		return
	}
	if uid := c.Query("user_id"); uid != "" {
		user.ID = uid
	}
	if email := c.Query("email"); email != "" {
		user.Email = email
	}
	if roles := c.Query("roles"); roles != "" {
		user.Roles = strings.Split(roles, ",")
	}
}

// CurrentUser returns the identity resolved by the middleware.
func CurrentUser(c *gin.Context) *core.UserInfo {
	if v, ok := c.Get(userContextKey); ok {
		if user, ok := v.(*core.UserInfo); ok {
			return user
		}
	}
	return AnonymousUser()
}

func abortWithError(c *gin.Context, err error) {
	if appErr, ok := err.(*errors.AppError); ok {
		c.AbortWithStatusJSON(appErr.StatusCode, appErr.ToResponse())
		return
	}
	c.AbortWithStatusJSON(401, errors.Unauthorized(err.Error()).ToResponse())
}
