// Package reconcile aligns persisted trade state with the venue's
// authoritative view: ghost trades are closed, orphan positions adopted.
// It runs at executor startup and on every heartbeat, and is idempotent.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_futures/internal/broker"
	"github.com/eddiefleurent/schrute_futures/internal/history"
	"github.com/eddiefleurent/schrute_futures/internal/lifecycle"
	"github.com/eddiefleurent/schrute_futures/internal/models"
)

// ErrRecoveryTimeout means reconciliation did not finish inside the
// deadline. The executor must refuse to trade and surface degraded health.
var ErrRecoveryTimeout = errors.New("recovery did not complete in time")

// DefaultTimeout bounds one reconciliation pass.
const DefaultTimeout = 30 * time.Second

// Case labels the row of the reconciliation table that applied.
type Case string

const (
	CaseValid  Case = "valid"
	CaseGhost  Case = "ghost"
	CaseOrphan Case = "orphan"
	CaseClean  Case = "clean"
)

// Outcome reports what a pass did. NeedsBrackets is set when an orphan
// position was adopted and the executor must attach protection now.
type Outcome struct {
	Case          Case
	TradeID       string
	NeedsBrackets bool
	Position      *models.Position
}

// Reconciler compares one user's persisted state against the venue.
type Reconciler struct {
	broker    broker.Broker
	history   history.Store
	lifecycle *lifecycle.Manager
	logger    *logrus.Entry
	timeout   time.Duration

	// lastTick supplies the most recent locally seen price as the
	// fallback exit price for ghost closes. May be nil.
	lastTick func() float64
}

// New builds a reconciler with the default 30s deadline.
func New(b broker.Broker, hist history.Store, lm *lifecycle.Manager, lastTick func() float64, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		broker:    b,
		history:   hist,
		lifecycle: lm,
		logger:    logger.WithField("component", "reconcile"),
		timeout:   DefaultTimeout,
		lastTick:  lastTick,
	}
}

// Run executes one reconciliation pass under the deadline.
func (r *Reconciler) Run(ctx context.Context) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	outcome, err := r.reconcile(ctx)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil) {
		return Outcome{}, fmt.Errorf("%w: %v", ErrRecoveryTimeout, err)
	}
	return outcome, err
}

func (r *Reconciler) reconcile(ctx context.Context) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	state := r.lifecycle.State()

	dbTrade, hasDB, err := r.openTrade(ctx, state)
	if err != nil {
		return Outcome{}, err
	}

	instrument := state.Instrument
	if instrument == "" && hasDB {
		instrument = dbTrade.Instrument
	}
	pos, hasPos, err := r.venuePosition(ctx, instrument)
	if err != nil {
		return Outcome{}, err
	}

	switch {
	case hasDB && hasPos:
		return r.caseValid(ctx, dbTrade, pos)
	case hasDB && !hasPos:
		return r.caseGhost(ctx, dbTrade)
	case !hasDB && hasPos:
		return r.caseOrphan(ctx, state, pos)
	default:
		return r.caseClean()
	}
}

func (r *Reconciler) openTrade(ctx context.Context, state models.StrategyState) (models.TradeRecord, bool, error) {
	q := history.Query{
		UserID: state.UserID,
		Status: models.TradeOpen,
		Limit:  1,
	}
	if state.StrategyName != "" {
		q.Strategy = state.StrategyName
	}
	trades, err := r.history.Query(ctx, q)
	if err != nil {
		return models.TradeRecord{}, false, fmt.Errorf("querying open trades: %w", err)
	}
	if len(trades) == 0 {
		return models.TradeRecord{}, false, nil
	}
	return trades[0], true, nil
}

func (r *Reconciler) venuePosition(ctx context.Context, instrument string) (models.Position, bool, error) {
	if instrument == "" {
		return models.Position{}, false, nil
	}
	positions, err := r.broker.GetPositions(ctx, "")
	if err != nil {
		return models.Position{}, false, fmt.Errorf("fetching venue positions: %w", err)
	}
	for _, p := range positions {
		if p.InstrumentName == instrument && p.Size != 0 {
			return p, true, nil
		}
	}
	return models.Position{}, false, nil
}

// caseValid trusts the venue for entry price and size; the DB follows.
func (r *Reconciler) caseValid(ctx context.Context, trade models.TradeRecord, pos models.Position) (Outcome, error) {
	venueAmount := pos.AbsSize()
	if trade.EntryPrice != pos.AveragePrice || trade.Amount != venueAmount {
		r.logger.WithFields(logrus.Fields{
			"trade_id":    trade.ID,
			"db_entry":    trade.EntryPrice,
			"venue_entry": pos.AveragePrice,
			"db_amount":   trade.Amount,
			"venue_size":  venueAmount,
		}).Warn("trade record drifted from venue; updating to venue values")

		if err := r.history.Update(ctx, trade.ID, history.Patch{
			EntryPrice: &pos.AveragePrice,
			Amount:     &venueAmount,
		}); err != nil {
			return Outcome{}, fmt.Errorf("correcting trade %s: %w", trade.ID, err)
		}
	}

	if r.lifecycle.Current() != models.StatePositionOpen {
		err := r.lifecycle.AdoptPosition(trade.StrategyName, trade.Instrument,
			pos.AveragePrice, venueAmount, pos.Side())
		if err != nil {
			return Outcome{}, fmt.Errorf("forcing lifecycle to position_open: %w", err)
		}
	}
	return Outcome{Case: CaseValid, TradeID: trade.ID, Position: &pos}, nil
}

// caseGhost closes a DB trade whose position no longer exists: SL or TP
// already fired, or the position was closed out of band.
func (r *Reconciler) caseGhost(ctx context.Context, trade models.TradeRecord) (Outcome, error) {
	exitPrice := r.exitPrice(ctx, trade)

	closed := trade
	closed.ClosedBy(exitPrice, time.Now().UTC(), models.ExitAutoOrphan)
	if err := r.history.Update(ctx, trade.ID, history.Patch{
		ExitPrice:  &closed.ExitPrice,
		ExitTime:   &closed.ExitTime,
		ExitReason: &closed.ExitReason,
		PnL:        &closed.PnL,
		PnLPercent: &closed.PnLPercent,
		Status:     &closed.Status,
	}); err != nil {
		return Outcome{}, fmt.Errorf("closing ghost trade %s: %w", trade.ID, err)
	}

	// Lingering protective orders reference a dead position.
	for _, orderID := range []string{trade.SLOrderID, trade.TPOrderID} {
		if orderID == "" {
			continue
		}
		if err := r.broker.CancelOrder(ctx, orderID); err != nil {
			r.logger.WithError(err).WithField("order_id", orderID).
				Warn("failed to cancel lingering bracket order")
		}
	}

	if err := r.settleLifecycle(); err != nil {
		return Outcome{}, fmt.Errorf("settling lifecycle after ghost close: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"trade_id":   trade.ID,
		"exit_price": exitPrice,
		"pnl":        closed.PnL,
	}).Warn("closed ghost trade")
	return Outcome{Case: CaseGhost, TradeID: trade.ID}, nil
}

// exitPrice picks the venue's last trade price, falling back to the last
// locally seen tick, then the entry price (zero PnL) as a last resort.
func (r *Reconciler) exitPrice(ctx context.Context, trade models.TradeRecord) float64 {
	if price, err := r.broker.LastTradePrice(ctx, trade.Instrument); err == nil && price > 0 {
		return price
	}
	if r.lastTick != nil {
		if price := r.lastTick(); price > 0 {
			return price
		}
	}
	r.logger.WithField("trade_id", trade.ID).
		Warn("no exit price source available; closing ghost at entry price")
	return trade.EntryPrice
}

// caseOrphan adopts a venue position the DB knows nothing about. SL/TP
// are not synthesized here; the executor attaches brackets immediately.
func (r *Reconciler) caseOrphan(ctx context.Context, state models.StrategyState, pos models.Position) (Outcome, error) {
	rec := models.TradeRecord{
		ID:           uuid.NewString(),
		UserID:       state.UserID,
		StrategyName: state.StrategyName,
		Instrument:   pos.InstrumentName,
		Side:         pos.Side().EntrySide(),
		EntryPrice:   pos.AveragePrice,
		Amount:       pos.AbsSize(),
		EntryTime:    time.Now().UTC(),
		Status:       models.TradeOpen,
	}
	if rec.StrategyName == "" {
		rec.StrategyName = "adopted"
	}
	if err := r.history.Add(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("recording orphan position: %w", err)
	}

	if r.lifecycle.Current() != models.StatePositionOpen {
		err := r.lifecycle.AdoptPosition(rec.StrategyName, pos.InstrumentName,
			pos.AveragePrice, rec.Amount, pos.Side())
		if err != nil {
			return Outcome{}, fmt.Errorf("adopting orphan position: %w", err)
		}
	}

	r.logger.WithFields(logrus.Fields{
		"trade_id":   rec.ID,
		"instrument": pos.InstrumentName,
		"size":       pos.Size,
	}).Warn("adopted orphan venue position")
	return Outcome{Case: CaseOrphan, TradeID: rec.ID, NeedsBrackets: true, Position: &pos}, nil
}

// caseClean settles the lifecycle when neither side has a position.
func (r *Reconciler) caseClean() (Outcome, error) {
	if err := r.settleLifecycle(); err != nil {
		return Outcome{}, fmt.Errorf("clearing stale lifecycle position: %w", err)
	}
	return Outcome{Case: CaseClean}, nil
}

// settleLifecycle walks a position-bearing lifecycle back to analyzing.
func (r *Reconciler) settleLifecycle() error {
	switch r.lifecycle.Current() {
	case models.StatePositionOpen:
		return r.lifecycle.DropPosition()
	case models.StateClosing:
		return r.lifecycle.OnPositionClosed()
	default:
		return nil
	}
}
