package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ryelan/ghostwrite/pkg/ghostwrite/persist"
)

// ringIdleAge is how long a chat may sit untouched before the hourly
// sweep drops it from the history ring.
const ringIdleAge = 24 * time.Hour

// Maintenance runs the periodic background work: the persistence flush,
// the idle-chat sweep and the session health sweep.
type Maintenance struct {
	queue    *persist.Queue
	registry *Registry
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewMaintenance wires the maintenance runner.
func NewMaintenance(queue *persist.Queue, registry *Registry, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		queue:    queue,
		registry: registry,
		logger:   logger.With("component", "maintenance"),
		cron:     cron.New(),
	}
}

// Start schedules the periodic jobs.
func (m *Maintenance) Start() error {
	if _, err := m.cron.AddFunc("@every 30s", m.flush); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc("@every 1h", m.sweepRings); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc("@every 5m", m.healthSweep); err != nil {
		return err
	}
	m.cron.Start()
	m.logger.Info("maintenance jobs scheduled")
	return nil
}

// Stop halts the schedules and waits for running jobs.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

func (m *Maintenance) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()
	if err := m.queue.Flush(ctx); err != nil {
		m.logger.Warn("periodic flush failed", "error", err)
	}
}

func (m *Maintenance) sweepRings() {
	total := 0
	for _, s := range m.registry.List() {
		total += s.Ring().SweepIdle(ringIdleAge)
	}
	if total > 0 {
		m.logger.Debug("swept idle chats", "chats", total)
	}
}

func (m *Maintenance) healthSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	m.registry.HealthSweep(ctx)
}
