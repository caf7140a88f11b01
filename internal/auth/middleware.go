package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	visitorIDContextKey = "visitor_id"
	authTokenContextKey = "visitor_token"
)

// Middleware validates the visitor token and stores the visitor in the context.
// Tokens sent through the cookie must be paired with a matching CSRF header on unsafe methods.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, fromCookie := s.extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "visitor session required"})
			return
		}
		if fromCookie && unsafeMethod(c.Request.Method) && !s.csrfMatches(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid csrf token"})
			return
		}
		visitorID, err := s.ValidateToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(visitorIDContextKey, visitorID)
		c.Set(authTokenContextKey, token)
		c.Next()
	}
}

// VisitorIDFromContext retrieves the authenticated visitor id from the gin context.
func VisitorIDFromContext(c *gin.Context) (int64, bool) {
	visitorID, ok := c.Get(visitorIDContextKey)
	if !ok {
		return 0, false
	}
	id, ok := visitorID.(int64)
	return id, ok
}

// AuthTokenFromContext retrieves the token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	return c.GetString(authTokenContextKey), c.GetString(authTokenContextKey) != ""
}

func (s *Service) extractToken(c *gin.Context) (token string, fromCookie bool) {
	header := c.GetHeader(s.headerName)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:]), false
	}
	if cookie, err := c.Cookie(s.cookieName); err == nil && cookie != "" {
		return cookie, true
	}
	return "", false
}

// double-submit check
func (s *Service) csrfMatches(c *gin.Context) bool {
	header := c.GetHeader(s.csrfHeaderName)
	cookie, err := c.Cookie(s.csrfCookieName)
	return err == nil && header != "" && header == cookie
}

func unsafeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}
