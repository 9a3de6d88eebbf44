// Package lifecycle owns the per-user strategy state machine. Every
// transition is validated against the edge table and persisted atomically
// before observers are notified.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_futures/internal/models"
	"github.com/eddiefleurent/schrute_futures/internal/statestore"
)

// ErrSingleStrategyViolation guards the one-strategy-per-user invariant:
// starting is only legal from idle.
var ErrSingleStrategyViolation = errors.New("a strategy is already active for this user")

// Event is emitted to observers after a transition has been persisted.
type Event struct {
	UserID string
	From   models.LifecycleState
	To     models.LifecycleState
	Reason string
	State  models.StrategyState
	At     time.Time
}

// eventBuffer sizes each subscriber channel. Slow subscribers lose events
// rather than stall the executor.
const eventBuffer = 16

// Manager is the single writer for one user's strategy state.
type Manager struct {
	mu     sync.Mutex
	store  statestore.Store
	logger *logrus.Entry
	state  *models.StrategyState

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// NewManager loads the user's persisted state or starts from idle.
func NewManager(userID string, store statestore.Store, logger *logrus.Logger) (*Manager, error) {
	state, err := store.Load(userID)
	if errors.Is(err, statestore.ErrNotFound) {
		state = models.NewStrategyState(userID)
		if err := store.Save(state); err != nil {
			return nil, fmt.Errorf("persisting initial state: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("loading state for %s: %w", userID, err)
	}
	return &Manager{
		store:  store,
		logger: logger.WithField("component", "lifecycle").WithField("user_id", userID),
		state:  state,
		subs:   make(map[int]chan Event),
	}, nil
}

// State returns a copy of the current state.
func (m *Manager) State() models.StrategyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.state.Copy()
}

// Current returns the current lifecycle state.
func (m *Manager) Current() models.LifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Lifecycle
}

// Subscribe registers an observer. The returned cancel function removes
// the subscription and closes the channel; callers own calling it.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Event, eventBuffer)
	m.subs[id] = ch
	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (m *Manager) notify(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind; drop rather than block the executor.
		}
	}
}

// transition validates the edge, applies mutate to a copy, persists, and
// only then commits and notifies. A failed save leaves state untouched.
func (m *Manager) transition(to models.LifecycleState, reason string, mutate func(*models.StrategyState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state.Lifecycle
	if err := models.IsValidTransition(from, to, reason); err != nil {
		m.logger.WithFields(logrus.Fields{
			"from": from, "to": to, "reason": reason,
		}).Error("rejected state transition")
		return err
	}

	next := m.state.Copy()
	if mutate != nil {
		mutate(next)
	}
	now := time.Now().UTC()
	next.Lifecycle = to
	next.LastTransition = now
	next.LastAction = reason

	if err := m.store.Save(next); err != nil {
		return fmt.Errorf("persisting transition %s -> %s: %w", from, to, err)
	}
	m.state = next

	m.logger.WithFields(logrus.Fields{
		"from": from, "to": to, "reason": reason,
	}).Info("state transition")

	m.notify(Event{
		UserID: next.UserID,
		From:   from,
		To:     to,
		Reason: reason,
		State:  *next.Copy(),
		At:     now,
	})
	return nil
}

// Start binds a strategy to the user and moves idle -> analyzing. Only
// one strategy may be active per user.
func (m *Manager) Start(strategyName, instrument, broker, environment string) error {
	m.mu.Lock()
	current := m.state.Lifecycle
	m.mu.Unlock()
	if current != models.StateIdle {
		return fmt.Errorf("%w: lifecycle is %s", ErrSingleStrategyViolation, current)
	}
	return m.transition(models.StateAnalyzing, models.ReasonStartStrategy, func(s *models.StrategyState) {
		s.StrategyName = strategyName
		s.Instrument = instrument
		s.Broker = broker
		s.Environment = environment
		s.StartedAt = time.Now().UTC()
		s.AutoReconnect = true
		s.ErrorCount = 0
		s.ErrorMessage = ""
	})
}

// OnSignalDetected moves analyzing -> signal_detected.
func (m *Manager) OnSignalDetected() error {
	return m.transition(models.StateSignalDetected, models.ReasonSignalDetected, nil)
}

// OnEnteringPosition moves signal_detected -> entering_position.
func (m *Manager) OnEnteringPosition() error {
	return m.transition(models.StateEnteringPosition, models.ReasonEnteringPosition, nil)
}

// OnSizingRejected returns to analyzing after a sizing failure.
func (m *Manager) OnSizingRejected(reason string) error {
	return m.transition(models.StateAnalyzing, models.ReasonSizingRejected, func(s *models.StrategyState) {
		s.Metadata = withMeta(s.Metadata, "last_sizing_rejection", reason)
	})
}

// OnEntryTimeout returns to analyzing after an unfilled entry was cancelled.
func (m *Manager) OnEntryTimeout() error {
	return m.transition(models.StateAnalyzing, models.ReasonEntryTimeout, nil)
}

// OnPositionOpened records the fill and moves entering_position -> position_open.
func (m *Manager) OnPositionOpened(entryPrice, size float64, side models.PositionSide) error {
	return m.transition(models.StatePositionOpen, models.ReasonPositionOpened, func(s *models.StrategyState) {
		s.PositionEntryPrice = entryPrice
		s.PositionSize = size
		s.PositionSide = side
	})
}

// OnPositionClosing moves position_open -> closing.
func (m *Manager) OnPositionClosing() error {
	return m.transition(models.StateClosing, models.ReasonPositionClosing, nil)
}

// OnPositionClosed clears the position and resumes analyzing.
func (m *Manager) OnPositionClosed() error {
	return m.transition(models.StateAnalyzing, models.ReasonPositionClosed, func(s *models.StrategyState) {
		s.ClearPosition()
	})
}

// AdoptPosition is the reconciliation-forced edge onto position_open,
// used when the venue reports a position the state does not know about.
// From idle it also binds the strategy fields, since idle carries none.
func (m *Manager) AdoptPosition(strategyName, instrument string, entryPrice, size float64, side models.PositionSide) error {
	return m.transition(models.StatePositionOpen, models.ReasonReconciled, func(s *models.StrategyState) {
		if s.StrategyName == "" {
			s.StrategyName = strategyName
		}
		if s.Instrument == "" {
			s.Instrument = instrument
		}
		s.PositionEntryPrice = entryPrice
		s.PositionSize = size
		s.PositionSide = side
	})
}

// DropPosition is the reconciliation-forced edge off position_open, used
// when the venue reports the position gone (ghost trade).
func (m *Manager) DropPosition() error {
	return m.transition(models.StateAnalyzing, models.ReasonReconciled, func(s *models.StrategyState) {
		s.ClearPosition()
	})
}

// Stop unbinds the strategy and returns to idle. Explicit stops disable
// auto-reconnect so recovery does not resurrect the worker.
func (m *Manager) Stop() error {
	return m.transition(models.StateIdle, models.ReasonStopStrategy, func(s *models.StrategyState) {
		s.StrategyName = ""
		s.Instrument = ""
		s.ClearPosition()
		s.AutoReconnect = false
	})
}

// Fail escalates to the error state after persistent failures. The
// strategy stays bound for diagnosis; only manual intervention resumes.
func (m *Manager) Fail(message string) error {
	return m.transition(models.StateError, models.ReasonFatalError, func(s *models.StrategyState) {
		s.ErrorCount++
		s.ErrorMessage = message
		s.ClearPosition()
	})
}

func withMeta(meta map[string]string, key, value string) map[string]string {
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta[key] = value
	return meta
}
