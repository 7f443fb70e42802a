package devapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-authgate/authfetch/session"
	"go.uber.org/zap"
)

const claimsContextKey = "access_claims"

// requireAccess validates the bearer token, falling back to the accessToken
// cookie, and injects its claims.
func (s *Server) requireAccess(contextGin *gin.Context) {
	raw, ok := strings.CutPrefix(contextGin.GetHeader("Authorization"), "Bearer ")
	if !ok || raw == "" {
		cookie, err := contextGin.Request.Cookie(accessCookieName)
		if err != nil || cookie.Value == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
			return
		}
		raw = cookie.Value
	}

	claims, err := parseAccessToken(s.cfg, raw)
	if err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
		return
	}
	contextGin.Set(claimsContextKey, claims)
	contextGin.Next()
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("request_id", contextGin.GetHeader(session.RequestIDHeader)),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}
