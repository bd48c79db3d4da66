package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgate/llmgate/internal/config"
	"github.com/llmgate/llmgate/internal/db"
	"github.com/llmgate/llmgate/internal/keystore"
)

func setupAdmin(t *testing.T) (*gin.Engine, *keystore.Store) {
	gin.SetMode(gin.TestMode)

	service, err := db.NewService(config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	sqlDB, err := service.GetDB().DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	store := keystore.NewStore(service, logger)

	router := gin.New()
	cfg := &config.GatewayConfig{Admin: config.AdminConfig{Password: "secret"}}
	SetupRoutes(router, store, cfg)
	return router, store
}

func adminRequest(method, path, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.SetBasicAuth("admin", "secret")
	return req
}

func TestAdminRoutes_RequireAuth(t *testing.T) {
	router, _ := setupAdmin(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCreateAndListKeys(t *testing.T) {
	router, _ := setupAdmin(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodPost, "/admin/keys",
		`{"name": "tenant-a", "email": "a@example.com", "daily_quota": 50}`))
	require.Equal(t, http.StatusOK, rr.Code)

	var created struct {
		ID     string `json:"id"`
		APIKey string `json:"api_key"`
		Quota  int    `json:"daily_quota"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.True(t, strings.HasPrefix(created.APIKey, "vllm_"))
	assert.Equal(t, 50, created.Quota)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/admin/keys", ""))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "tenant-a")
	// The raw credential appears only in the issuance response.
	assert.NotContains(t, rr.Body.String(), created.APIKey)
}

func TestGetKey(t *testing.T) {
	router, store := setupAdmin(t)
	record, err := store.IssueKey("tenant-b", "", 10)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/admin/keys/"+record.ID, ""))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "tenant-b")
	assert.NotContains(t, rr.Body.String(), record.Key)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/admin/keys/missing", ""))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUpdateKey(t *testing.T) {
	router, store := setupAdmin(t)
	record, err := store.IssueKey("tenant-c", "", 10)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodPut, "/admin/keys/"+record.ID,
		`{"daily_quota": 500, "name": "renamed"}`))
	assert.Equal(t, http.StatusOK, rr.Code)

	updated, err := store.GetKey(record.ID)
	require.NoError(t, err)
	assert.Equal(t, 500, updated.DailyQuota)
	assert.Equal(t, "renamed", updated.Name)
	assert.True(t, updated.Active)
}

func TestDeactivateKey(t *testing.T) {
	router, store := setupAdmin(t)
	record, err := store.IssueKey("tenant-d", "", 10)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodDelete, "/admin/keys/"+record.ID, ""))
	assert.Equal(t, http.StatusOK, rr.Code)

	// The record survives; only the active flag changes.
	retired, err := store.GetKey(record.ID)
	require.NoError(t, err)
	assert.False(t, retired.Active)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodDelete, "/admin/keys/missing", ""))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStats(t *testing.T) {
	router, store := setupAdmin(t)
	_, err := store.IssueKey("tenant-e", "", 10)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodGet, "/admin/stats", ""))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"total_keys":1`)
	assert.Contains(t, rr.Body.String(), `"active_keys":1`)
}

func TestCreateKey_InvalidBody(t *testing.T) {
	router, _ := setupAdmin(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, adminRequest(http.MethodPost, "/admin/keys", "not json"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
