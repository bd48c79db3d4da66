package admin

import (
	"github.com/gin-gonic/gin"

	"github.com/llmgate/llmgate/internal/admission"
	"github.com/llmgate/llmgate/internal/config"
	"github.com/llmgate/llmgate/internal/keystore"
)

// SetupRoutes registers the key-management surface behind basic auth.
func SetupRoutes(router *gin.Engine, store *keystore.Store, cfg *config.GatewayConfig) {
	handler := NewHandler(store)

	adminGroup := router.Group("/admin")
	adminGroup.Use(admission.AdminAuthMiddleware(cfg.Admin.Password))
	{
		keysGroup := adminGroup.Group("/keys")
		{
			keysGroup.GET("", handler.ListKeysHandler)
			keysGroup.POST("", handler.CreateKeyHandler)
			keysGroup.GET("/:id", handler.GetKeyHandler)
			keysGroup.PUT("/:id", handler.UpdateKeyHandler)
			keysGroup.DELETE("/:id", handler.DeactivateKeyHandler)
		}
		adminGroup.GET("/stats", handler.StatsHandler)
	}
}
