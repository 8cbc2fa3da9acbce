package gateway

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/m4xw311/nexus/auth"
	"github.com/m4xw311/nexus/metrics"
)

const (
	identityKey = "nexus_identity"
	loggerKey   = "nexus_logger"
)

func setIdentity(c *gin.Context, id *auth.Identity) {
	c.Set(identityKey, id)
}

// identity returns the caller set by AuthMiddleware.
func identity(c *gin.Context) *auth.Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(*auth.Identity); ok {
			return id
		}
	}
	return &auth.Identity{}
}

// requestLogger returns the request-scoped logger set by RequestLogger.
func requestLogger(c *gin.Context, fallback *slog.Logger) *slog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(*slog.Logger); ok {
			return l
		}
	}
	return fallback
}

// RequestLogger attaches a child logger carrying a fresh request id and
// records the request in m once it completes.
func RequestLogger(logger *slog.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Header("X-Request-Id", id)
		c.Set(loggerKey, logger.With("request_id", id))
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.Request(route, c.Writer.Status())
	}
}

// CORS sets the cross-origin headers on every response and answers
// preflight requests directly.
func CORS(allowOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", allowOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// AuthMiddleware rejects requests whose bearer token does not verify. When
// allowQuery is set, the token may also come from the access_token query
// parameter, which browsers need for WebSocket upgrades.
func AuthMiddleware(provider auth.Authenticator, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if token == "" && allowQuery {
			token = c.Query("access_token")
		}

		id, err := provider.Authenticate(c.Request.Context(), token)
		if err != nil {
			requestLogger(c, slog.Default()).Info("request rejected", "reason", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errTextUnauthorized})
			return
		}

		setIdentity(c, id)
		c.Set(loggerKey, requestLogger(c, slog.Default()).With("subject", id.Subject))
		c.Next()
	}
}
