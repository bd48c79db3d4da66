package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/llmgate/llmgate/internal/keystore"
	"github.com/llmgate/llmgate/internal/model"
)

// Handler serves the key-management surface.
type Handler struct {
	store *keystore.Store
}

func NewHandler(store *keystore.Store) *Handler {
	return &Handler{store: store}
}

// CreateKeyRequest is the body of a key-issuance request.
type CreateKeyRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	DailyQuota int    `json:"daily_quota"`
}

// UpdateKeyRequest is the body of a key-update request.
type UpdateKeyRequest struct {
	Name       *string `json:"name"`
	Email      *string `json:"email"`
	DailyQuota *int    `json:"daily_quota"`
	Active     *bool   `json:"active"`
}

func (h *Handler) ListKeysHandler(c *gin.Context) {
	keys, err := h.store.ListKeys()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (h *Handler) CreateKeyHandler(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Name == "" {
		req.Name = "Unnamed Key"
	}

	record, err := h.store.IssueKey(req.Name, req.Email, req.DailyQuota)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          record.ID,
		"name":        record.Name,
		"email":       record.Email,
		"api_key":     record.Key,
		"daily_quota": record.DailyQuota,
		"message":     "API key created successfully",
	})
}

func (h *Handler) GetKeyHandler(c *gin.Context) {
	record, err := h.store.GetKey(c.Param("id"))
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load key"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handler) UpdateKeyHandler(c *gin.Context) {
	record, err := h.store.GetKey(c.Param("id"))
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load key"})
		return
	}

	var req UpdateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	applyUpdate(record, &req)

	if err := h.store.UpdateKey(record); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "API key updated successfully"})
}

// DeactivateKeyHandler retires a key. Records stay durable for historical
// usage; deactivation, not deletion, is the retirement path.
func (h *Handler) DeactivateKeyHandler(c *gin.Context) {
	if err := h.store.DeactivateKey(c.Param("id")); err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to deactivate key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "API key deactivated successfully"})
}

func (h *Handler) StatsHandler(c *gin.Context) {
	stats, err := h.store.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func applyUpdate(record *model.APIKey, req *UpdateKeyRequest) {
	if req.Name != nil {
		record.Name = *req.Name
	}
	if req.Email != nil {
		record.Email = *req.Email
	}
	if req.DailyQuota != nil && *req.DailyQuota > 0 {
		record.DailyQuota = *req.DailyQuota
	}
	if req.Active != nil {
		record.Active = *req.Active
	}
}
