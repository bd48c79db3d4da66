package admission

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgate/llmgate/internal/config"
	"github.com/llmgate/llmgate/internal/db"
	"github.com/llmgate/llmgate/internal/keystore"
	"github.com/llmgate/llmgate/internal/model"
)

func setupRouter(t *testing.T) (*gin.Engine, db.Service) {
	gin.SetMode(gin.TestMode)

	service, err := db.NewService(config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	sqlDB, err := service.GetDB().DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	store := keystore.NewStore(service, logger)

	router := gin.New()
	router.Use(KeyMiddleware(store, logger))
	router.GET("/", func(c *gin.Context) {
		record := AdmittedKey(c)
		require.NotNil(t, record)
		c.JSON(http.StatusOK, gin.H{"key_id": record.ID})
	})
	return router, service
}

func seedKey(t *testing.T, service db.Service, key string, quota int, active bool) {
	require.NoError(t, service.CreateAPIKey(&model.APIKey{
		ID:         "id-" + key,
		Name:       "tester",
		Key:        key,
		DailyQuota: quota,
		Active:     active,
	}))
}

func TestKeyMiddleware_MissingKey(t *testing.T) {
	router, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "Missing API key")
}

func TestKeyMiddleware_HeaderConventions(t *testing.T) {
	router, service := setupRouter(t)
	seedKey(t, service, "vllm_valid", 10, true)

	t.Run("custom header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Api-Key", "vllm_valid")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("bearer authorization", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer vllm_valid")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("custom header checked first", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Api-Key", "vllm_valid")
		req.Header.Set("Authorization", "Bearer vllm_bogus")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

// Unknown and inactive keys must be indistinguishable to the client.
func TestKeyMiddleware_NoKeyEnumeration(t *testing.T) {
	router, service := setupRouter(t)
	seedKey(t, service, "vllm_retired", 10, false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Api-Key", "vllm_unknown")
	unknownRR := httptest.NewRecorder()
	router.ServeHTTP(unknownRR, req)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Api-Key", "vllm_retired")
	inactiveRR := httptest.NewRecorder()
	router.ServeHTTP(inactiveRR, req)

	assert.Equal(t, http.StatusUnauthorized, unknownRR.Code)
	assert.Equal(t, http.StatusUnauthorized, inactiveRR.Code)
	assert.Equal(t, unknownRR.Body.String(), inactiveRR.Body.String())
}

func TestKeyMiddleware_QuotaExceeded(t *testing.T) {
	router, service := setupRouter(t)
	seedKey(t, service, "vllm_small", 1, true)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Api-Key", "vllm_small")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.Contains(t, rr.Body.String(), "quota")

	// The rejection leaves an audit row.
	var logs []model.UsageLog
	service.GetDB().Where("outcome = ?", model.OutcomeRejected).Find(&logs)
	require.Len(t, logs, 1)
	assert.Equal(t, "id-vllm_small", logs[0].KeyID)
}

func TestExtractKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", ExtractKey(req))

	req.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", ExtractKey(req))

	req.Header.Set("X-Api-Key", "xyz")
	assert.Equal(t, "xyz", ExtractKey(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", ExtractKey(req))
}

func TestAdminAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(AdminAuthMiddleware("secret"))
	router.GET("/", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req.SetBasicAuth("admin", "wrong")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req.SetBasicAuth("admin", "secret")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
