package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/llmgate/llmgate/internal/config"
	"github.com/llmgate/llmgate/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// ErrKeyNotFound is returned when no API key record matches the query.
var ErrKeyNotFound = errors.New("api key not found")

// Service defines the persistence operations of the key store.
// This allows for mocking in tests and decouples callers from gorm.
type Service interface {
	GetAPIKeyByKey(key string) (*model.APIKey, error)
	GetAPIKeyByID(id string) (*model.APIKey, error)
	ListAPIKeys() ([]model.APIKey, error)
	CreateAPIKey(key *model.APIKey) error
	UpdateAPIKey(key *model.APIKey) error
	SaveAPIKeyCounters(key *model.APIKey) error
	AppendUsageLog(entry *model.UsageLog) error
	PruneUsageLogs(olderThan time.Time) (int64, error)
	KeyStats() (*Stats, error)
	Ping() error
	GetDB() *gorm.DB
}

// Stats aggregates key-store counters for the admin surface.
type Stats struct {
	TotalKeys     int64 `json:"total_keys"`
	ActiveKeys    int64 `json:"active_keys"`
	TotalRequests int64 `json:"total_requests"`
	TotalTokens   int64 `json:"total_tokens"`
}

type gormService struct {
	db *gorm.DB
}

// NewService initializes the database connection based on the provided
// configuration and migrates the schema.
func NewService(cfg config.DatabaseConfig) (Service, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&model.APIKey{}, &model.UsageLog{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	return &gormService{db: db}, nil
}

func (s *gormService) GetDB() *gorm.DB {
	return s.db
}

func (s *gormService) GetAPIKeyByKey(key string) (*model.APIKey, error) {
	var record model.APIKey
	if err := s.db.Where("key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return &record, nil
}

func (s *gormService) GetAPIKeyByID(id string) (*model.APIKey, error) {
	var record model.APIKey
	if err := s.db.Where("id = ?", id).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to look up api key by id: %w", err)
	}
	return &record, nil
}

func (s *gormService) ListAPIKeys() ([]model.APIKey, error) {
	var keys []model.APIKey
	if err := s.db.Order("created_at desc").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	return keys, nil
}

func (s *gormService) CreateAPIKey(key *model.APIKey) error {
	if err := s.db.Create(key).Error; err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

func (s *gormService) UpdateAPIKey(key *model.APIKey) error {
	result := s.db.Model(&model.APIKey{}).Where("id = ?", key.ID).Updates(map[string]interface{}{
		"name":        key.Name,
		"email":       key.Email,
		"daily_quota": key.DailyQuota,
		"active":      key.Active,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update api key %s: %w", key.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// SaveAPIKeyCounters persists only the usage counters and window of a key.
// Callers serialize access per key; see the keystore package.
func (s *gormService) SaveAPIKeyCounters(key *model.APIKey) error {
	result := s.db.Model(&model.APIKey{}).Where("id = ?", key.ID).Updates(map[string]interface{}{
		"requests_used": key.RequestsUsed,
		"tokens_used":   key.TokensUsed,
		"window_start":  key.WindowStart,
		"last_used_at":  key.LastUsedAt,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to save counters for api key %s: %w", key.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *gormService) AppendUsageLog(entry *model.UsageLog) error {
	if err := s.db.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append usage log: %w", err)
	}
	return nil
}

// PruneUsageLogs deletes audit rows older than the given cutoff and returns
// the number of rows removed.
func (s *gormService) PruneUsageLogs(olderThan time.Time) (int64, error) {
	result := s.db.Where("created_at < ?", olderThan).Delete(&model.UsageLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune usage logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *gormService) KeyStats() (*Stats, error) {
	var stats Stats
	if err := s.db.Model(&model.APIKey{}).Count(&stats.TotalKeys).Error; err != nil {
		return nil, fmt.Errorf("failed to count api keys: %w", err)
	}
	if err := s.db.Model(&model.APIKey{}).Where("active = ?", true).Count(&stats.ActiveKeys).Error; err != nil {
		return nil, fmt.Errorf("failed to count active api keys: %w", err)
	}
	row := s.db.Model(&model.APIKey{}).
		Select("COALESCE(SUM(requests_used), 0), COALESCE(SUM(tokens_used), 0)").
		Row()
	if err := row.Scan(&stats.TotalRequests, &stats.TotalTokens); err != nil {
		return nil, fmt.Errorf("failed to aggregate key usage: %w", err)
	}
	return &stats, nil
}

// Ping verifies database reachability for the liveness probe.
func (s *gormService) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to access underlying connection: %w", err)
	}
	return sqlDB.Ping()
}
