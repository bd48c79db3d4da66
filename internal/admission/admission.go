// Package admission gates every client-facing API call behind key validation
// and quota enforcement before it reaches the backend relay.
package admission

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/llmgate/llmgate/internal/keystore"
	"github.com/llmgate/llmgate/internal/model"
)

// ContextKey is the gin context key under which the admitted key record is
// stored for downstream handlers.
const ContextKey = "admittedAPIKey"

// ExtractKey pulls the presented credential from the request headers,
// checking the custom header first and the bearer authorization second.
func ExtractKey(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// KeyMiddleware validates the presented key and consumes one request of its
// quota. Unknown and inactive keys produce the same response so clients
// cannot probe which keys exist.
func KeyMiddleware(store *keystore.Store, logger *slog.Logger) gin.HandlerFunc {
	log := logger.With("component", "admission")
	return func(c *gin.Context) {
		key := ExtractKey(c.Request)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing API key. Use X-Api-Key header or Authorization: Bearer",
			})
			return
		}

		record, err := store.TryAdmit(key)
		if err != nil {
			var quotaErr *keystore.QuotaExceededError
			switch {
			case errors.As(err, &quotaErr):
				retryAfter := int(math.Ceil(quotaErr.RetryAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				c.Header("Retry-After", strconv.Itoa(retryAfter))
				store.LogUsage(quotaErr.KeyID, c.Request.URL.Path, 0, model.OutcomeRejected)
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error": "Daily quota exceeded. Retry after the window resets.",
				})
			case errors.Is(err, keystore.ErrKeyNotFound), errors.Is(err, keystore.ErrKeyInactive):
				// Identical body for unknown and inactive keys.
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "Invalid API key",
				})
			default:
				log.Error("Admission failed", "error", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "Internal error",
				})
			}
			return
		}

		c.Set(ContextKey, record)
		c.Next()
	}
}

// AdmittedKey returns the key record stored by KeyMiddleware, or nil if the
// request was not admitted.
func AdmittedKey(c *gin.Context) *model.APIKey {
	value, ok := c.Get(ContextKey)
	if !ok {
		return nil
	}
	record, ok := value.(*model.APIKey)
	if !ok {
		return nil
	}
	return record
}

// AdminAuthMiddleware protects the key-management surface with basic auth.
func AdminAuthMiddleware(adminPassword string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, password, hasAuth := c.Request.BasicAuth()
		if !hasAuth || user != "admin" || password != adminPassword {
			c.Header("WWW-Authenticate", `Basic realm="Restricted"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}
