// Package orchestrator queues and supervises per-user strategy runners.
// Start requests pass an entitlement gate, enter a FIFO queue, and are
// launched by the dispatcher; each runner owns exactly one user session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_futures/internal/lifecycle"
	"github.com/eddiefleurent/schrute_futures/internal/models"
)

var (
	// ErrEntitlementExceeded means the user already runs as many workers
	// as their tier allows.
	ErrEntitlementExceeded = errors.New("entitlement exceeded")
	// ErrQueueFull means the dispatch queue cannot accept more jobs.
	ErrQueueFull = errors.New("job queue full")
	// ErrNoRunner means no active runner exists for the user.
	ErrNoRunner = errors.New("no active runner for user")
	// ErrShuttingDown rejects new starts during shutdown.
	ErrShuttingDown = errors.New("orchestrator shutting down")
)

// Runner is the executor surface the orchestrator drives.
type Runner interface {
	Run(ctx context.Context) error
	SetFlatten(v bool)
	Degraded() bool
	CooldownUntil() time.Time
	RecoveryTime() time.Duration
}

// Factory builds the runner and its lifecycle manager for one job. The
// orchestrator owns neither; it only supervises them.
type Factory func(job models.WorkerJob) (Runner, *lifecycle.Manager, error)

// Entitlements resolves the per-user concurrent worker budget.
type Entitlements interface {
	MaxWorkers(userID string) int
}

// StaticEntitlements is a map-backed entitlement source with a default.
type StaticEntitlements struct {
	Default int
	PerUser map[string]int
}

func (s StaticEntitlements) MaxWorkers(userID string) int {
	if n, ok := s.PerUser[userID]; ok {
		return n
	}
	return s.Default
}

// WorkerStatus is the externally visible state of one worker.
type WorkerStatus struct {
	JobID         string                `json:"job_id"`
	UserID        string                `json:"user_id"`
	StrategyName  string                `json:"strategy_name"`
	Instrument    string                `json:"instrument"`
	State         models.WorkerJobState `json:"state"`
	Lifecycle     models.LifecycleState `json:"lifecycle"`
	Degraded      bool                  `json:"degraded"`
	CooldownUntil time.Time             `json:"cooldown_until,omitempty"`
	StartedAt     time.Time             `json:"started_at,omitempty"`
	Error         string                `json:"error,omitempty"`
}

type worker struct {
	job       models.WorkerJob
	runner    Runner
	lifecycle *lifecycle.Manager
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	mu    sync.Mutex
	state models.WorkerJobState
	err   error
}

func (w *worker) setState(s models.WorkerJobState, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
	if err != nil {
		w.err = err
	}
}

func (w *worker) snapshot() (models.WorkerJobState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.err
}

// Orchestrator supervises all runners. One worker per user at a time.
type Orchestrator struct {
	factory Factory
	ents    Entitlements
	env     string
	logger  *logrus.Entry

	queue chan *worker

	mu       sync.Mutex
	workers  map[string]*worker // keyed by user id
	crashes  int64
	closed   bool
	wg       sync.WaitGroup
	runOnce  sync.Once
	baseCtx  context.Context
	baseStop context.CancelFunc
}

// New builds an orchestrator with the given queue capacity. env is the
// venue environment recorded on each started lifecycle.
func New(factory Factory, ents Entitlements, queueSize int, env string, logger *logrus.Logger) *Orchestrator {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Orchestrator{
		factory: factory,
		ents:    ents,
		env:     env,
		logger:  logger.WithField("component", "orchestrator"),
		queue:   make(chan *worker, queueSize),
		workers: make(map[string]*worker),
	}
}

// Run dispatches queued jobs until ctx is cancelled, then stops all
// workers without flattening.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.runOnce.Do(func() {
		base, stop := context.WithCancel(context.Background())
		o.mu.Lock()
		o.baseCtx, o.baseStop = base, stop
		o.mu.Unlock()
	})

	for {
		select {
		case <-ctx.Done():
			o.mu.Lock()
			o.closed = true
			o.mu.Unlock()
			o.StopAll(false)
			o.baseStop()
			return ctx.Err()
		case w := <-o.queue:
			o.launch(w)
		}
	}
}

// StartRunner validates a job against the entitlement gate and enqueues
// it. The returned job id can be polled through Status.
func (o *Orchestrator) StartRunner(userID, strategyName, instrument, brokerName string, params map[string]float64) (string, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrShuttingDown
	}

	active := 0
	if w, ok := o.workers[userID]; ok {
		if st, _ := w.snapshot(); st != models.JobStopped && st != models.JobFailed {
			active++
		}
	}
	if max := o.ents.MaxWorkers(userID); active >= max {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %d active, %d allowed", ErrEntitlementExceeded, active, max)
	}

	job := models.WorkerJob{
		JobID:        uuid.NewString(),
		UserID:       userID,
		StrategyName: strategyName,
		Instrument:   instrument,
		Broker:       brokerName,
		Config:       params,
		CreatedAt:    time.Now().UTC(),
		State:        models.JobQueued,
	}
	w := &worker{job: job, state: models.JobQueued, done: make(chan struct{})}
	o.workers[userID] = w
	o.mu.Unlock()

	select {
	case o.queue <- w:
		o.logger.WithFields(logrus.Fields{
			"job_id":   job.JobID,
			"user_id":  userID,
			"strategy": strategyName,
		}).Info("runner queued")
		return job.JobID, nil
	default:
		o.mu.Lock()
		if o.workers[userID] == w {
			delete(o.workers, userID)
		}
		o.mu.Unlock()
		close(w.done)
		return "", ErrQueueFull
	}
}

// launch builds and runs one worker in its own goroutine.
func (o *Orchestrator) launch(w *worker) {
	w.setState(models.JobStarting, nil)

	runner, lm, err := o.factory(w.job)
	if err != nil {
		o.failWorker(w, fmt.Errorf("building runner: %w", err))
		return
	}
	w.runner = runner
	w.lifecycle = lm

	// A fresh session starts from idle; a session resuming the same
	// strategy after a restart keeps its persisted state for the
	// reconciler to settle.
	if lm.Current() == models.StateIdle {
		if err := lm.Start(w.job.StrategyName, w.job.Instrument, w.job.Broker, o.env); err != nil {
			o.failWorker(w, err)
			return
		}
	} else if lm.State().StrategyName != w.job.StrategyName {
		o.failWorker(w, fmt.Errorf("%w: lifecycle bound to %s",
			lifecycle.ErrSingleStrategyViolation, lm.State().StrategyName))
		return
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	w.cancel = cancel
	w.startedAt = time.Now().UTC()
	w.setState(models.JobRunning, nil)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(w.done)
		err := runner.Run(ctx)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			o.recordCrash()
			w.setState(models.JobFailed, err)
			o.logger.WithError(err).WithField("job_id", w.job.JobID).Error("runner failed")
			return
		}
		w.setState(models.JobStopped, nil)
		o.logger.WithField("job_id", w.job.JobID).Info("runner stopped")
	}()
}

func (o *Orchestrator) failWorker(w *worker, err error) {
	o.recordCrash()
	w.setState(models.JobFailed, err)
	close(w.done)
	o.logger.WithError(err).WithField("job_id", w.job.JobID).Error("runner launch failed")
}

// StopRunner cooperatively stops the user's runner. With flatten the
// runner emergency-closes its position before exiting.
func (o *Orchestrator) StopRunner(userID string, flatten bool) error {
	o.mu.Lock()
	w, ok := o.workers[userID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRunner, userID)
	}
	st, _ := w.snapshot()
	if st == models.JobStopped || st == models.JobFailed {
		return fmt.Errorf("%w: %s", ErrNoRunner, userID)
	}

	w.setState(models.JobStopping, nil)
	if w.runner != nil {
		w.runner.SetFlatten(flatten)
	}
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
	return nil
}

// StopAll stops every active runner and waits for them to finish.
func (o *Orchestrator) StopAll(flatten bool) {
	o.mu.Lock()
	users := make([]string, 0, len(o.workers))
	for u := range o.workers {
		users = append(users, u)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			if err := o.StopRunner(user, flatten); err != nil && !errors.Is(err, ErrNoRunner) {
				o.logger.WithError(err).WithField("user_id", user).Error("failed to stop runner")
			}
		}(u)
	}
	wg.Wait()
	o.wg.Wait()
}

// Status reports the user's worker, or ErrNoRunner.
func (o *Orchestrator) Status(userID string) (WorkerStatus, error) {
	o.mu.Lock()
	w, ok := o.workers[userID]
	o.mu.Unlock()
	if !ok {
		return WorkerStatus{}, fmt.Errorf("%w: %s", ErrNoRunner, userID)
	}
	return o.statusOf(w), nil
}

// Workers lists all tracked workers sorted by user id.
func (o *Orchestrator) Workers() []WorkerStatus {
	o.mu.Lock()
	ws := make([]*worker, 0, len(o.workers))
	for _, w := range o.workers {
		ws = append(ws, w)
	}
	o.mu.Unlock()

	out := make([]WorkerStatus, 0, len(ws))
	for _, w := range ws {
		out = append(out, o.statusOf(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (o *Orchestrator) statusOf(w *worker) WorkerStatus {
	st, err := w.snapshot()
	s := WorkerStatus{
		JobID:        w.job.JobID,
		UserID:       w.job.UserID,
		StrategyName: w.job.StrategyName,
		Instrument:   w.job.Instrument,
		State:        st,
		StartedAt:    w.startedAt,
	}
	if err != nil {
		s.Error = err.Error()
	}
	if w.lifecycle != nil {
		s.Lifecycle = w.lifecycle.Current()
	}
	if w.runner != nil {
		s.Degraded = w.runner.Degraded()
		s.CooldownUntil = w.runner.CooldownUntil()
	}
	return s
}

// Remove drops a terminal worker from tracking. Active workers are never
// removed; the health checker decides eligibility.
func (o *Orchestrator) Remove(userID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workers[userID]
	if !ok {
		return false
	}
	if st, _ := w.snapshot(); st != models.JobStopped && st != models.JobFailed {
		return false
	}
	delete(o.workers, userID)
	return true
}

// OpenPositions counts workers whose lifecycle carries exposure.
func (o *Orchestrator) OpenPositions() int {
	n := 0
	for _, s := range o.Workers() {
		if s.Lifecycle.InTrade() {
			n++
		}
	}
	return n
}

// Crashes reports the number of failed runner launches and exits.
func (o *Orchestrator) Crashes() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.crashes
}

func (o *Orchestrator) recordCrash() {
	o.mu.Lock()
	o.crashes++
	o.mu.Unlock()
}

// LastRecovery reports the longest startup reconciliation among active
// runners, as a degraded-recovery indicator.
func (o *Orchestrator) LastRecovery() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	var max time.Duration
	for _, w := range o.workers {
		if w.runner == nil {
			continue
		}
		if d := w.runner.RecoveryTime(); d > max {
			max = d
		}
	}
	return max
}
