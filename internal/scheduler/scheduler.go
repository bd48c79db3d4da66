// Package scheduler runs the daily usage-log retention job. Quota windows
// themselves reset lazily inside the keystore; only the audit trail needs
// periodic pruning.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/llmgate/llmgate/internal/db"
)

type Scheduler struct {
	db            db.Service
	c             *cron.Cron
	retentionDays int
	logger        *slog.Logger
}

func NewScheduler(dbService db.Service, retentionDays int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		db:            dbService,
		c:             cron.New(),
		retentionDays: retentionDays,
		logger:        logger.With("component", "scheduler"),
	}
}

func (s *Scheduler) Start() error {
	_, err := s.c.AddFunc("@daily", s.PruneUsageLogs)
	if err != nil {
		return err
	}
	s.c.Start()
	return nil
}

// PruneUsageLogs removes audit rows older than the retention window.
func (s *Scheduler) PruneUsageLogs() {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	removed, err := s.db.PruneUsageLogs(cutoff)
	if err != nil {
		s.logger.Error("Failed to prune usage logs", "error", err)
		return
	}
	s.logger.Info("Pruned usage logs", "removed", removed, "cutoff", cutoff)
}

func (s *Scheduler) Stop() {
	s.c.Stop()
}
