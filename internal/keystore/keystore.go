// Package keystore implements the durable store of issued API keys and the
// atomic quota-admission operation that guards every client request.
//
// Quota accounting is by request count over a fixed 24-hour window anchored
// to the first admitted request of the window. The rollover is evaluated
// lazily inside TryAdmit, so an idle key resets on its next use. Token
// counters are recorded for reporting but do not gate admission.
package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmgate/llmgate/internal/db"
	"github.com/llmgate/llmgate/internal/model"
)

// WindowLength is the span over which a key's usage counters accumulate
// before resetting.
const WindowLength = 24 * time.Hour

// Sentinel errors returned by admission.
var (
	ErrKeyNotFound   = db.ErrKeyNotFound
	ErrKeyInactive   = errors.New("api key is inactive")
	ErrQuotaExceeded = errors.New("daily quota exceeded")
)

// QuotaExceededError carries the time until the key's window resets. It
// matches ErrQuotaExceeded under errors.Is.
type QuotaExceededError struct {
	KeyID      string
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily quota exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Store serializes quota admission per key on top of the persistence layer.
// Two distinct keys never contend on the same lock.
type Store struct {
	db      db.Service
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
	keyLock map[string]*sync.Mutex
}

// NewStore creates a key store backed by the given persistence service.
func NewStore(dbService db.Service, logger *slog.Logger) *Store {
	return &Store{
		db:      dbService,
		logger:  logger.With("component", "keystore"),
		now:     time.Now,
		keyLock: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing operations on one key id. Locks are
// created on demand and retained; the table is bounded by the number of
// issued keys.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLock[id]
	if !ok {
		l = &sync.Mutex{}
		s.keyLock[id] = l
	}
	return l
}

// Lookup resolves the presented credential to its record. Inactive keys
// resolve to ErrKeyInactive.
func (s *Store) Lookup(key string) (*model.APIKey, error) {
	record, err := s.db.GetAPIKeyByKey(key)
	if err != nil {
		return nil, err
	}
	if !record.Active {
		return nil, ErrKeyInactive
	}
	return record, nil
}

// TryAdmit performs the window rollover check, the quota comparison and the
// request-counter increment as one serialized operation per key, so that no
// two concurrent requests can together exceed the daily quota. It returns
// the admitted record with counters already advanced.
func (s *Store) TryAdmit(key string) (*model.APIKey, error) {
	// Resolve the credential to an id first so the critical section is
	// keyed on the immutable id rather than the presented string.
	record, err := s.Lookup(key)
	if err != nil {
		return nil, err
	}

	lock := s.lockFor(record.ID)
	lock.Lock()
	defer lock.Unlock()

	// Reload under the lock; another admission may have advanced the
	// counters between the lookup and here.
	record, err = s.db.GetAPIKeyByID(record.ID)
	if err != nil {
		return nil, err
	}
	if !record.Active {
		return nil, ErrKeyInactive
	}

	now := s.now()
	if record.WindowStart.IsZero() || !now.Before(record.WindowStart.Add(WindowLength)) {
		record.WindowStart = now
		record.RequestsUsed = 0
		record.TokensUsed = 0
	}

	if record.RequestsUsed >= record.DailyQuota {
		return nil, &QuotaExceededError{
			KeyID:      record.ID,
			RetryAfter: record.WindowStart.Add(WindowLength).Sub(now),
		}
	}

	record.RequestsUsed++
	record.LastUsedAt = now
	if err := s.db.SaveAPIKeyCounters(record); err != nil {
		return nil, fmt.Errorf("failed to persist admission: %w", err)
	}
	return record, nil
}

// RecordUsage adds tokens consumed by a completed relay to the key's window
// counters. Token counts are reporting-only; a failed update is logged, not
// surfaced to the client.
func (s *Store) RecordUsage(keyID string, tokens int64) {
	if tokens <= 0 {
		return
	}

	lock := s.lockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.db.GetAPIKeyByID(keyID)
	if err != nil {
		s.logger.Warn("Failed to load key for usage recording", "key_id", keyID, "error", err)
		return
	}
	record.TokensUsed += tokens
	if err := s.db.SaveAPIKeyCounters(record); err != nil {
		s.logger.Warn("Failed to persist token usage", "key_id", keyID, "error", err)
	}
}

// LogUsage appends one audit row for a call attributable to a key.
func (s *Store) LogUsage(keyID, endpoint string, tokens int64, outcome string) {
	entry := &model.UsageLog{
		KeyID:      keyID,
		Endpoint:   endpoint,
		TokensUsed: tokens,
		Outcome:    outcome,
	}
	if err := s.db.AppendUsageLog(entry); err != nil {
		s.logger.Warn("Failed to append usage log", "key_id", keyID, "error", err)
	}
}

// IssueKey creates and persists a new key with the given quota. The returned
// record contains the generated credential; it is shown to the caller once.
func (s *Store) IssueKey(name, email string, dailyQuota int) (*model.APIKey, error) {
	if dailyQuota <= 0 {
		dailyQuota = 100
	}
	secret, err := generateKey()
	if err != nil {
		return nil, err
	}
	record := &model.APIKey{
		ID:         uuid.New().String(),
		Name:       name,
		Email:      email,
		Key:        secret,
		DailyQuota: dailyQuota,
		Active:     true,
	}
	if err := s.db.CreateAPIKey(record); err != nil {
		return nil, err
	}
	s.logger.Info("Issued new api key", "key_id", record.ID, "name", name, "daily_quota", dailyQuota)
	return record, nil
}

// UpdateKey applies admin-mutable fields of the given record.
func (s *Store) UpdateKey(record *model.APIKey) error {
	return s.db.UpdateAPIKey(record)
}

// DeactivateKey retires a key. Records are never deleted while referenced by
// historical usage; deactivation is the retirement path.
func (s *Store) DeactivateKey(id string) error {
	record, err := s.db.GetAPIKeyByID(id)
	if err != nil {
		return err
	}
	record.Active = false
	if err := s.db.UpdateAPIKey(record); err != nil {
		return err
	}
	s.logger.Info("Deactivated api key", "key_id", id)
	return nil
}

// GetKey returns one record by id.
func (s *Store) GetKey(id string) (*model.APIKey, error) {
	return s.db.GetAPIKeyByID(id)
}

// ListKeys returns all issued keys, newest first.
func (s *Store) ListKeys() ([]model.APIKey, error) {
	return s.db.ListAPIKeys()
}

// Stats returns aggregate counters for the admin surface.
func (s *Store) Stats() (*db.Stats, error) {
	return s.db.KeyStats()
}

// generateKey produces a new client credential with the vllm_ prefix.
func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	return "vllm_" + base64.RawURLEncoding.EncodeToString(buf), nil
}
