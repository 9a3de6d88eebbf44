// Package health periodically inspects workers and collects process
// metrics. The checker's one hard rule: a worker carrying broker-side
// exposure is never culled, whatever its job state claims.
package health

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_futures/internal/models"
	"github.com/eddiefleurent/schrute_futures/internal/orchestrator"
)

// WorkerRegistry is the orchestrator surface the checker sweeps.
type WorkerRegistry interface {
	Workers() []orchestrator.WorkerStatus
	Remove(userID string) bool
}

// Checker sweeps the worker registry on an interval and culls workers
// that finished a graceful shutdown.
type Checker struct {
	registry WorkerRegistry
	interval time.Duration
	logger   *logrus.Entry

	now func() time.Time
}

// NewChecker builds a checker sweeping every interval.
func NewChecker(registry WorkerRegistry, interval time.Duration, logger *logrus.Logger) *Checker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Checker{
		registry: registry,
		interval: interval,
		logger:   logger.WithField("component", "health"),
		now:      time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep culls eligible workers and returns how many were removed.
// Eligible means: job state is stopped after a graceful shutdown, the
// lifecycle carries no exposure, and no cooldown window is open. Failed
// workers stay visible for the operator.
func (c *Checker) Sweep() int {
	culled := 0
	for _, w := range c.registry.Workers() {
		if w.State != models.JobStopped {
			continue
		}
		if w.Lifecycle.InTrade() {
			c.logger.WithFields(logrus.Fields{
				"user_id":   w.UserID,
				"lifecycle": w.Lifecycle,
			}).Warn("stopped worker still carries exposure; keeping it tracked")
			continue
		}
		if !w.CooldownUntil.IsZero() && c.now().Before(w.CooldownUntil) {
			continue
		}
		if c.registry.Remove(w.UserID) {
			culled++
			c.logger.WithField("user_id", w.UserID).Debug("culled stopped worker")
		}
	}
	return culled
}

// Status is the /health payload.
type Status struct {
	Status        string    `json:"status"` // ok | degraded
	UptimeSeconds float64   `json:"uptime_seconds"`
	Workers       int       `json:"workers"`
	DegradedUsers []string  `json:"degraded_users,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Check summarizes worker health for the /health endpoint.
func (c *Checker) Check(start time.Time) Status {
	s := Status{
		Status:    "ok",
		CheckedAt: c.now().UTC(),
	}
	s.UptimeSeconds = c.now().Sub(start).Seconds()
	for _, w := range c.registry.Workers() {
		s.Workers++
		if w.Degraded || w.State == models.JobFailed {
			s.Status = "degraded"
			s.DegradedUsers = append(s.DegradedUsers, w.UserID)
		}
	}
	return s
}
