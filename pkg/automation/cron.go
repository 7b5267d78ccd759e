package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/khoj-ai/pipali/pkg/models"
	"github.com/khoj-ai/pipali/pkg/storage"
)

// CronScheduler fires time-triggered automations. One cron entry per active
// cron automation; the entry is recreated on reload from the DB.
type CronScheduler struct {
	cron        *cron.Cron
	executor    *Executor
	automations *storage.AutomationRepo
	logger      *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewCronScheduler creates a scheduler using standard 5-field cron
// expressions. Per-automation time zones are honored via CRON_TZ.
func NewCronScheduler(executor *Executor, automations *storage.AutomationRepo, logger *slog.Logger) *CronScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CronScheduler{
		cron:        cron.New(),
		executor:    executor,
		automations: automations,
		logger:      logger.With("component", "cron_scheduler"),
		entries:     make(map[string]cron.EntryID),
	}
}

// Start begins firing scheduled entries.
func (s *CronScheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for a running fire callback to return.
func (s *CronScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Schedule installs (or replaces) the cron entry for an automation and
// persists its next fire time. A parse failure leaves the automation active
// but untriggered.
func (s *CronScheduler) Schedule(ctx context.Context, a *models.Automation) error {
	var cfg models.CronTriggerConfig
	if err := json.Unmarshal(a.TriggerConfig, &cfg); err != nil {
		return fmt.Errorf("decoding cron trigger config: %w", err)
	}
	spec := cfg.Schedule
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
		spec = "CRON_TZ=" + cfg.Timezone + " " + spec
	}

	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", cfg.Schedule, err)
	}

	s.Remove(a.ID)

	automationID := a.ID
	entryID := s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(automationID) }))
	s.mu.Lock()
	s.entries[automationID] = entryID
	s.mu.Unlock()

	next := schedule.Next(time.Now())
	if err := s.automations.SetSchedule(ctx, a.ID, &next); err != nil {
		s.logger.Error("Failed to persist next fire time", "automation_id", a.ID, "error", err)
	}

	s.logger.Info("Cron entry installed",
		"automation_id", a.ID, "schedule", cfg.Schedule, "timezone", cfg.Timezone, "next", next)
	return nil
}

// Remove uninstalls an automation's cron entry.
func (s *CronScheduler) Remove(automationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[automationID]; ok {
		s.cron.Remove(id)
		delete(s.entries, automationID)
	}
}

// Reload drops all entries and reinstalls them from active cron automations
// in the DB.
func (s *CronScheduler) Reload(ctx context.Context) error {
	s.mu.Lock()
	for id, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	active, err := s.automations.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, a := range active {
		if a.TriggerType == nil || *a.TriggerType != models.TriggerCron {
			continue
		}
		if err := s.Schedule(ctx, a); err != nil {
			s.logger.Error("Failed to schedule automation", "automation_id", a.ID, "error", err)
		}
	}
	return nil
}

func (s *CronScheduler) fire(automationID string) {
	ctx := context.Background()
	trigger, _ := json.Marshal(map[string]any{
		"trigger":  "cron",
		"fired_at": time.Now().UTC().Format(time.RFC3339),
	})
	if _, err := s.executor.Enqueue(ctx, automationID, trigger); err != nil {
		s.logger.Warn("Cron fire not queued", "automation_id", automationID, "error", err)
	}

	// Roll the persisted next fire time forward.
	s.mu.Lock()
	entryID, ok := s.entries[automationID]
	s.mu.Unlock()
	if ok {
		entry := s.cron.Entry(entryID)
		if !entry.Next.IsZero() {
			next := entry.Next
			if err := s.automations.SetSchedule(ctx, automationID, &next); err != nil {
				s.logger.Error("Failed to persist next fire time", "automation_id", automationID, "error", err)
			}
		}
	}
}
