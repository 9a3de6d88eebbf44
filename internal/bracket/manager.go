// Package bracket places and verifies the protective SL/TP pair around a
// filled entry. This is the most incident-prone surface in the daemon:
// every step re-verifies venue state instead of trusting the caller.
package bracket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_futures/internal/broker"
	"github.com/eddiefleurent/schrute_futures/internal/models"
	"github.com/eddiefleurent/schrute_futures/internal/util"
)

var (
	// ErrEntryNotFilled means the entry order the caller handed over is
	// not in the filled state at the venue.
	ErrEntryNotFilled = errors.New("entry order not filled")
	// ErrNoPosition means the venue reports no position for the
	// instrument; there is nothing to protect.
	ErrNoPosition = errors.New("no position at venue")
	// ErrTriggerBudgetExceeded means placing both legs would exceed the
	// venue's conditional order limit.
	ErrTriggerBudgetExceeded = errors.New("venue trigger budget exceeded")
	// ErrBracketsFailed means all placement attempts were exhausted. No
	// legs from this attempt remain at the venue; the caller must
	// emergency-close.
	ErrBracketsFailed = errors.New("bracket placement failed after retries")
)

// DefaultMaxRetries is the number of full SL/TP pair retries.
const DefaultMaxRetries = 2

// Params describes one bracket attachment.
type Params struct {
	Instrument    models.Instrument
	EntryOrderID  string
	Side          models.PositionSide
	Amount        float64
	StopLoss      float64
	TakeProfit    float64
	TriggerBudget int
	Label         string
}

// Result carries the ids of the two live protective orders.
type Result struct {
	SLOrderID string
	TPOrderID string
}

// Manager drives bracket placement over a broker session. One manager is
// owned by one executor; it holds no cross-call state.
type Manager struct {
	broker      broker.Broker
	logger      *logrus.Entry
	settleDelay time.Duration
	baseBackoff time.Duration
	cancelPause time.Duration
}

// NewManager builds a manager with production timings.
func NewManager(b broker.Broker, logger *logrus.Logger) *Manager {
	return &Manager{
		broker:      b,
		logger:      logger.WithField("component", "bracket"),
		settleDelay: 500 * time.Millisecond,
		baseBackoff: 500 * time.Millisecond,
		cancelPause: 200 * time.Millisecond,
	}
}

// AttachBrackets places the SL and TP pair for a filled entry. On success
// both returned order ids are live open orders at the venue. On failure no
// trigger order from this attempt survives.
func (m *Manager) AttachBrackets(ctx context.Context, p Params, maxRetries int) (Result, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	// Step 1: the entry must actually be filled, whatever the caller says.
	// Adopted positions have no entry order; step 2 still requires the
	// position to exist.
	if p.EntryOrderID != "" {
		entry, err := m.broker.GetOrderState(ctx, p.EntryOrderID)
		if err != nil {
			return Result{}, fmt.Errorf("verifying entry %s: %w", p.EntryOrderID, err)
		}
		if entry.State != models.OrderFilled {
			return Result{}, fmt.Errorf("%w: entry %s is %s", ErrEntryNotFilled, p.EntryOrderID, entry.State)
		}
	}

	// Step 2: the position must exist with non-zero size.
	if err := m.verifyPosition(ctx, p.Instrument); err != nil {
		return Result{}, err
	}

	// Step 3: stale triggers from a previous attempt would double-cover
	// the position; cancel them and let the venue settle.
	if err := m.cleanupStaleTriggers(ctx, p.Instrument.Symbol); err != nil {
		return Result{}, err
	}

	// Step 4: both legs must fit the venue's conditional order budget.
	// The budget is account-wide, so count triggers across instruments.
	if p.TriggerBudget > 0 {
		open, err := m.broker.GetOpenOrders(ctx, "")
		if err != nil {
			return Result{}, fmt.Errorf("checking trigger budget: %w", err)
		}
		triggers := 0
		for _, o := range open {
			if o.Type.IsTrigger() {
				triggers++
			}
		}
		if triggers >= p.TriggerBudget-2 {
			return Result{}, fmt.Errorf("%w: %d triggers open, budget %d",
				ErrTriggerBudgetExceeded, triggers, p.TriggerBudget)
		}
	}

	// Steps 5-8: place the pair, retrying as a unit. maxRetries counts
	// retries after the initial attempt; retry n backs off 500ms*2^(n-1).
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := m.baseBackoff * time.Duration(1<<(attempt-1))
			if err := sleepCtx(ctx, backoff); err != nil {
				return Result{}, err
			}
		}
		res, err := m.placePair(ctx, p)
		if err == nil {
			m.logger.WithFields(logrus.Fields{
				"instrument": p.Instrument.Symbol,
				"sl_order":   res.SLOrderID,
				"tp_order":   res.TPOrderID,
				"attempt":    attempt,
			}).Info("brackets attached")
			return res, nil
		}
		lastErr = err
		m.logger.WithError(err).WithField("attempt", attempt).Warn("bracket pair placement failed")
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
	}
	return Result{}, fmt.Errorf("%w: %v", ErrBracketsFailed, lastErr)
}

// placePair places SL then TP and verifies both. Any partial result is
// cancelled before returning an error.
func (m *Manager) placePair(ctx context.Context, p Params) (Result, error) {
	closing := p.Side.ClosingSide()
	tick := p.Instrument.TickSize

	// SL first; it is the safety-critical leg.
	sl, err := m.broker.PlaceOrder(ctx, broker.OrderRequest{
		Instrument:   p.Instrument.Symbol,
		Side:         closing,
		Type:         models.OrderTypeStopMarket,
		Amount:       p.Amount,
		TriggerPrice: util.RoundToTick(p.StopLoss, tick),
		ReduceOnly:   true,
		Label:        p.Label + "-sl",
	})
	if err != nil {
		return Result{}, fmt.Errorf("placing stop loss: %w", err)
	}
	if err := m.verifyOpen(ctx, sl.ID); err != nil {
		m.cancelQuietly(ctx, sl.ID)
		return Result{}, fmt.Errorf("stop loss %s: %w", sl.ID, err)
	}

	tp, err := m.broker.PlaceOrder(ctx, broker.OrderRequest{
		Instrument: p.Instrument.Symbol,
		Side:       closing,
		Type:       models.OrderTypeLimit,
		Amount:     p.Amount,
		Price:      util.RoundToTick(p.TakeProfit, tick),
		ReduceOnly: true,
		Label:      p.Label + "-tp",
	})
	if err != nil {
		m.cancelQuietly(ctx, sl.ID)
		return Result{}, fmt.Errorf("placing take profit: %w", err)
	}
	if err := m.verifyOpen(ctx, tp.ID); err != nil {
		m.cancelQuietly(ctx, tp.ID)
		m.cancelQuietly(ctx, sl.ID)
		return Result{}, fmt.Errorf("take profit %s: %w", tp.ID, err)
	}

	return Result{SLOrderID: sl.ID, TPOrderID: tp.ID}, nil
}

// verifyOpen re-reads an order and treats anything but open as a
// placement failure. Cancelled and rejected mean the venue dropped it.
func (m *Manager) verifyOpen(ctx context.Context, orderID string) error {
	state, err := m.broker.GetOrderState(ctx, orderID)
	if err != nil {
		return fmt.Errorf("verifying: %w", err)
	}
	if state.State != models.OrderOpen {
		return fmt.Errorf("order is %s after placement", state.State)
	}
	return nil
}

func (m *Manager) verifyPosition(ctx context.Context, inst models.Instrument) error {
	positions, err := m.broker.GetPositions(ctx, inst.QuoteCurrency)
	if err != nil {
		return fmt.Errorf("verifying position: %w", err)
	}
	for _, pos := range positions {
		if pos.InstrumentName == inst.Symbol && pos.Size != 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNoPosition, inst.Symbol)
}

// cleanupStaleTriggers cancels leftover reduce-only triggers for the
// instrument and waits for the venue to settle the cancels.
func (m *Manager) cleanupStaleTriggers(ctx context.Context, symbol string) error {
	open, err := m.broker.GetOpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("listing open orders: %w", err)
	}
	cancelled := 0
	for _, o := range open {
		if !o.Type.IsTrigger() {
			continue
		}
		if err := m.broker.CancelOrder(ctx, o.ID); err != nil {
			return fmt.Errorf("cancelling stale trigger %s: %w", o.ID, err)
		}
		cancelled++
	}
	if cancelled > 0 {
		m.logger.WithFields(logrus.Fields{"instrument": symbol, "count": cancelled}).
			Warn("cancelled stale trigger orders")
		return sleepCtx(ctx, m.settleDelay)
	}
	return nil
}

func (m *Manager) cancelQuietly(ctx context.Context, orderID string) {
	if err := m.broker.CancelOrder(ctx, orderID); err != nil {
		m.logger.WithError(err).WithField("order_id", orderID).
			Error("failed to cancel bracket leg; manual check required")
	}
}

// CancelAllOrders cancels every open order for the instrument with up to
// 3 tries per order. Already-cancelled orders count as success.
func (m *Manager) CancelAllOrders(ctx context.Context, symbol string) error {
	open, err := m.broker.GetOpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("listing open orders: %w", err)
	}
	for _, o := range open {
		var lastErr error
		for try := 0; try < 3; try++ {
			if try > 0 {
				if err := sleepCtx(ctx, m.cancelPause); err != nil {
					return err
				}
			}
			if lastErr = m.broker.CancelOrder(ctx, o.ID); lastErr == nil {
				break
			}
		}
		if lastErr != nil {
			return fmt.Errorf("cancelling order %s: %w", o.ID, lastErr)
		}
	}
	return nil
}

// EmergencyClose flattens a position with a reduce-only market order in
// the closing direction. It never panics; all failure is in the error.
func (m *Manager) EmergencyClose(ctx context.Context, symbol string, side models.PositionSide, qty float64, reason string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("emergency close panicked: %v", r)
		}
	}()

	m.logger.WithFields(logrus.Fields{
		"instrument": symbol,
		"side":       side,
		"qty":        qty,
		"reason":     reason,
	}).Warn("emergency closing position")

	order, err := m.broker.PlaceOrder(ctx, broker.OrderRequest{
		Instrument: symbol,
		Side:       side.ClosingSide(),
		Type:       models.OrderTypeMarket,
		Amount:     qty,
		ReduceOnly: true,
		Label:      "emergency-close",
	})
	if err != nil {
		return fmt.Errorf("emergency close order failed: %w", err)
	}
	m.logger.WithField("order_id", order.ID).Info("emergency close order placed")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
