// Package executor runs one user's strategy session: market data in,
// lifecycle transitions and orders out. The executor exclusively owns its
// broker session, lifecycle state, and bracket manager.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_futures/internal/alert"
	"github.com/eddiefleurent/schrute_futures/internal/bracket"
	"github.com/eddiefleurent/schrute_futures/internal/broker"
	"github.com/eddiefleurent/schrute_futures/internal/history"
	"github.com/eddiefleurent/schrute_futures/internal/lifecycle"
	"github.com/eddiefleurent/schrute_futures/internal/models"
	"github.com/eddiefleurent/schrute_futures/internal/reconcile"
	"github.com/eddiefleurent/schrute_futures/internal/risk"
	"github.com/eddiefleurent/schrute_futures/internal/strategy"
)

var (
	// ErrDegraded means the executor hit a condition requiring operator
	// attention and refuses to continue trading.
	ErrDegraded = errors.New("executor degraded")
	// ErrTooManyErrors means transient failures persisted past the
	// configured window and the executor escalated to the error state.
	ErrTooManyErrors = errors.New("persistent broker errors")
)

// Config times and bounds one executor.
type Config struct {
	UserID     string
	Instrument string
	Timeframe  time.Duration

	RiskMode       risk.Mode
	RiskValue      float64
	WarnLeverage   float64
	MaxLeverageCap float64

	FillTimeout          time.Duration
	ReconcileInterval    time.Duration
	Cooldown             time.Duration
	TriggerBudget        int
	MaxConsecutiveErrors int
	ErrorWindow          time.Duration

	// Fallback protection distances for adopted orphan positions, as a
	// percent of entry. Zero means flatten instead of protecting.
	FallbackStopLossPct   float64
	FallbackTakeProfitPct float64
}

// Executor drives the strategy loop for one user.
type Executor struct {
	cfg        Config
	strat      strategy.Strategy
	broker     broker.Broker
	lifecycle  *lifecycle.Manager
	history    history.Store
	brackets   *bracket.Manager
	reconciler *reconcile.Reconciler
	notifier   alert.Notifier
	logger     *logrus.Entry

	instrument models.Instrument

	mu            sync.Mutex
	lastPrice     float64
	cooldownUntil time.Time
	openTradeID   string
	slOrderID     string
	tpOrderID     string
	degraded      bool
	flatten       bool
	errTimes      []time.Time
	recoveryTime  time.Duration

	builder candleBuilder
}

// New wires an executor. The reconciler is built here so its ghost-close
// fallback price comes from this executor's tick feed.
func New(cfg Config, strat strategy.Strategy, b broker.Broker, lm *lifecycle.Manager,
	hist history.Store, notifier alert.Notifier, logger *logrus.Logger) *Executor {

	e := &Executor{
		cfg:       cfg,
		strat:     strat,
		broker:    b,
		lifecycle: lm,
		history:   hist,
		brackets:  bracket.NewManager(b, logger),
		notifier:  notifier,
		logger: logger.WithFields(logrus.Fields{
			"component": "executor",
			"user_id":   cfg.UserID,
			"strategy":  strat.Name(),
		}),
		builder: candleBuilder{interval: cfg.Timeframe},
	}
	e.reconciler = reconcile.New(b, hist, lm, e.LastPrice, logger)
	return e
}

// LastPrice is the most recent tick price seen on this session.
func (e *Executor) LastPrice() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPrice
}

// Degraded reports whether the executor requires operator attention.
func (e *Executor) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// RecoveryTime reports how long startup reconciliation took.
func (e *Executor) RecoveryTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recoveryTime
}

// CooldownUntil reports the end of the current signal cooldown window.
func (e *Executor) CooldownUntil() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cooldownUntil
}

// SetFlatten arms emergency-close-on-stop. The orchestrator sets this
// before cancelling the executor's context.
func (e *Executor) SetFlatten(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flatten = v
}

func (e *Executor) setDegraded() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.degraded = true
}

// Run executes the main loop until ctx is cancelled or a fatal condition
// stops the session.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.broker.Connect(ctx); err != nil {
		if errors.Is(err, broker.ErrAuth) {
			e.failSafe("broker rejected credentials")
		}
		return fmt.Errorf("connecting broker session: %w", err)
	}
	defer e.broker.Close()

	inst, err := e.broker.GetInstrument(ctx, e.cfg.Instrument)
	if err != nil {
		return fmt.Errorf("resolving instrument %s: %w", e.cfg.Instrument, err)
	}
	if e.cfg.MaxLeverageCap > 0 && (inst.MaxLeverage == 0 || e.cfg.MaxLeverageCap < inst.MaxLeverage) {
		inst.MaxLeverage = e.cfg.MaxLeverageCap
	}
	e.instrument = inst

	if err := e.warmup(ctx); err != nil {
		return err
	}

	recoveryStart := time.Now()
	outcome, err := e.reconciler.Run(ctx)
	if err != nil {
		// RecoveryTimeout and friends: refuse to trade.
		e.setDegraded()
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	e.mu.Lock()
	e.recoveryTime = time.Since(recoveryStart)
	e.mu.Unlock()
	if err := e.applyReconcile(ctx, outcome); err != nil {
		return err
	}

	ticks, err := e.broker.SubscribeTicker(ctx, e.cfg.Instrument)
	if err != nil {
		return fmt.Errorf("subscribing ticker: %w", err)
	}

	heartbeat := time.NewTicker(e.cfg.ReconcileInterval)
	defer heartbeat.Stop()

	e.logger.WithField("instrument", inst.Symbol).Info("executor running")
	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		case tick, ok := <-ticks:
			if !ok {
				return e.shutdown()
			}
			if err := e.onTick(ctx, tick); err != nil {
				return err
			}
		case <-heartbeat.C:
			outcome, err := e.reconciler.Run(ctx)
			if err != nil {
				if rerr := e.recordError(err); rerr != nil {
					return rerr
				}
				continue
			}
			if err := e.applyReconcile(ctx, outcome); err != nil {
				return err
			}
		}
	}
}

// warmup feeds historical candles so indicators are live before the
// first real tick.
func (e *Executor) warmup(ctx context.Context) error {
	need := e.strat.RequiredWarmup()
	if need <= 0 {
		return nil
	}
	timeframe := fmt.Sprintf("%d", int(e.cfg.Timeframe.Minutes()))
	candles, err := e.broker.GetCandles(ctx, e.cfg.Instrument, timeframe, need)
	if err != nil {
		return fmt.Errorf("fetching warmup candles: %w", err)
	}
	for _, c := range candles {
		// Warmup signals are stale by definition.
		_ = e.strat.OnCandle(c)
	}
	e.logger.WithField("candles", len(candles)).Debug("strategy warmed up")
	return nil
}

// applyReconcile acts on a reconciliation outcome: orphan adoptions need
// protection now, ghosts invalidate locally tracked order ids.
func (e *Executor) applyReconcile(ctx context.Context, out reconcile.Outcome) error {
	switch out.Case {
	case reconcile.CaseGhost:
		e.mu.Lock()
		e.openTradeID, e.slOrderID, e.tpOrderID = "", "", ""
		e.mu.Unlock()
	case reconcile.CaseOrphan:
		e.mu.Lock()
		e.openTradeID = out.TradeID
		e.mu.Unlock()
		return e.protectAdopted(ctx, out)
	case reconcile.CaseValid:
		e.mu.Lock()
		e.openTradeID = out.TradeID
		e.mu.Unlock()
	}
	return nil
}

// protectAdopted attaches fallback brackets to an adopted orphan. With no
// live signal, distances come from configured fallback percentages; if
// none are configured the position is flattened rather than left naked.
func (e *Executor) protectAdopted(ctx context.Context, out reconcile.Outcome) error {
	pos := out.Position
	if e.cfg.FallbackStopLossPct <= 0 {
		e.logger.Warn("no fallback protection configured; flattening adopted position")
		if err := e.brackets.EmergencyClose(ctx, pos.InstrumentName, pos.Side(), pos.AbsSize(), "unprotected orphan"); err != nil {
			return e.emergencyCloseFailed(ctx, out.TradeID, err)
		}
		exit := pos.AveragePrice
		if p, err := e.broker.LastTradePrice(ctx, pos.InstrumentName); err == nil && p > 0 {
			exit = p
		}
		return e.closeTradeAndResume(ctx, out.TradeID, exit, models.ExitAutoOrphan)
	}

	entry := pos.AveragePrice
	slDist := entry * e.cfg.FallbackStopLossPct / 100
	tpDist := entry * e.cfg.FallbackTakeProfitPct / 100
	if tpDist == 0 {
		tpDist = 2 * slDist
	}
	stop, take := entry-slDist, entry+tpDist
	if pos.Side() == models.PositionShort {
		stop, take = entry+slDist, entry-tpDist
	}
	return e.attachProtection(ctx, out.TradeID, pos.Side(), pos.AbsSize(), stop, take)
}

func (e *Executor) onTick(ctx context.Context, tick models.Tick) error {
	price := tick.Price
	if price == 0 {
		price = tick.MarkPrice
	}
	e.mu.Lock()
	e.lastPrice = price
	e.mu.Unlock()

	e.strat.OnTick(tick)

	if e.lifecycle.Current() == models.StatePositionOpen {
		if err := e.checkPositionAlive(ctx); err != nil {
			return err
		}
	}

	if closed, ok := e.builder.update(tick); ok {
		if err := e.onClosedCandle(ctx, closed); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) onClosedCandle(ctx context.Context, c models.Candle) error {
	sig := e.strat.OnCandle(c)
	if sig.Kind == models.SignalNone {
		return nil
	}
	if e.lifecycle.Current() != models.StateAnalyzing {
		return nil
	}
	if time.Now().Before(e.CooldownUntil()) {
		e.logger.WithField("kind", sig.Kind).Debug("signal suppressed by cooldown")
		return nil
	}
	return e.enterPosition(ctx, sig)
}

// enterPosition walks a signal through sizing, entry, and protection.
func (e *Executor) enterPosition(ctx context.Context, sig models.Signal) error {
	if err := e.lifecycle.OnSignalDetected(); err != nil {
		return err
	}

	balance, err := e.broker.GetBalance(ctx, e.instrument.QuoteCurrency)
	if err != nil {
		if rerr := e.recordError(err); rerr != nil {
			return rerr
		}
		return e.rejectSizing(fmt.Sprintf("balance unavailable: %v", err))
	}

	sizing, err := risk.Size(risk.Input{
		Equity:       balance.Equity,
		RiskMode:     e.cfg.RiskMode,
		RiskValue:    e.cfg.RiskValue,
		Entry:        sig.Entry,
		Stop:         sig.Stop,
		MarkPrice:    e.LastPrice(),
		Instrument:   e.instrument,
		WarnLeverage: e.cfg.WarnLeverage,
	})
	if err != nil {
		e.logger.WithError(err).Info("signal rejected by sizing")
		return e.rejectSizing(err.Error())
	}
	for _, w := range sizing.Warnings {
		e.logger.Warn(w)
	}

	if err := e.lifecycle.OnEnteringPosition(); err != nil {
		return err
	}

	side := sig.Side()
	order, err := e.broker.PlaceOrder(ctx, broker.OrderRequest{
		Instrument: e.instrument.Symbol,
		Side:       side.EntrySide(),
		Type:       models.OrderTypeMarket,
		Amount:     sizing.Quantity,
		Label:      e.strat.Name() + "-entry",
	})
	if err != nil {
		e.logger.WithError(err).Error("entry order rejected")
		return e.abortEntry()
	}

	state, err := e.awaitFill(ctx, order.ID)
	if err != nil {
		e.logger.WithError(err).Warn("entry did not fill in time; cancelling")
		if cerr := e.broker.CancelOrder(ctx, order.ID); cerr != nil {
			e.logger.WithError(cerr).Error("failed to cancel stale entry order")
		}
		return e.abortEntry()
	}

	entryPrice := state.AveragePrice
	if err := e.lifecycle.OnPositionOpened(entryPrice, sizing.Quantity, side); err != nil {
		return err
	}

	rec := models.TradeRecord{
		ID:           uuid.NewString(),
		UserID:       e.cfg.UserID,
		StrategyName: e.strat.Name(),
		Instrument:   e.instrument.Symbol,
		Side:         side.EntrySide(),
		EntryOrderID: order.ID,
		EntryPrice:   entryPrice,
		Amount:       sizing.Quantity,
		StopLoss:     sig.Stop,
		TakeProfit:   sig.TakeProfit,
		EntryTime:    time.Now().UTC(),
		Status:       models.TradeOpen,
	}
	if err := e.history.Add(ctx, rec); err != nil {
		e.logger.WithError(err).Error("failed to record trade open")
	}
	e.mu.Lock()
	e.openTradeID = rec.ID
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"trade_id": rec.ID,
		"entry":    entryPrice,
		"amount":   sizing.Quantity,
		"side":     side,
		"leverage": sizing.Leverage,
	}).Info("position opened")

	return e.attachProtection(ctx, rec.ID, side, sizing.Quantity, sig.Stop, sig.TakeProfit)
}

// attachProtection places the bracket pair and handles the exhaustion
// policy: emergency close, record closure, idle + degraded.
func (e *Executor) attachProtection(ctx context.Context, tradeID string, side models.PositionSide, qty, stop, take float64) error {
	res, err := e.brackets.AttachBrackets(ctx, bracket.Params{
		Instrument:    e.instrument,
		EntryOrderID:  e.entryOrderID(ctx, tradeID),
		Side:          side,
		Amount:        qty,
		StopLoss:      stop,
		TakeProfit:    take,
		TriggerBudget: e.cfg.TriggerBudget,
		Label:         e.strat.Name(),
	}, bracket.DefaultMaxRetries)
	if err == nil {
		e.mu.Lock()
		e.slOrderID, e.tpOrderID = res.SLOrderID, res.TPOrderID
		e.mu.Unlock()
		if uerr := e.history.Update(ctx, tradeID, history.Patch{
			SLOrderID:  &res.SLOrderID,
			TPOrderID:  &res.TPOrderID,
			StopLoss:   &stop,
			TakeProfit: &take,
		}); uerr != nil {
			e.logger.WithError(uerr).Error("failed to record bracket ids")
		}
		return nil
	}

	e.logger.WithError(err).Error("bracket placement exhausted; emergency closing")
	if ecErr := e.brackets.EmergencyClose(ctx, e.instrument.Symbol, side, qty, "bracket placement failed"); ecErr != nil {
		return e.emergencyCloseFailed(ctx, tradeID, ecErr)
	}

	if cerr := e.closeTrade(ctx, tradeID, e.LastPrice(), models.ExitError); cerr != nil {
		e.logger.WithError(cerr).Error("failed to close trade record after emergency close")
	}
	e.setDegraded()
	if serr := e.lifecycle.Stop(); serr != nil {
		e.logger.WithError(serr).Error("failed to idle lifecycle after emergency close")
	}
	return fmt.Errorf("%w: brackets failed, position emergency closed", ErrDegraded)
}

// emergencyCloseFailed is the fatal-per-user path: audit, alert, error
// state, stop.
func (e *Executor) emergencyCloseFailed(ctx context.Context, tradeID string, cause error) error {
	e.logger.WithError(cause).Error("EMERGENCY CLOSE FAILED; manual intervention required")
	e.setDegraded()

	if e.notifier != nil {
		if nerr := e.notifier.Notify(ctx, alert.Alert{
			Severity: alert.SeverityCritical,
			Event:    "emergency_close_failed",
			UserID:   e.cfg.UserID,
			Message:  "reduce-only close order failed; position is unprotected",
			Fields: map[string]string{
				"instrument": e.instrument.Symbol,
				"trade_id":   tradeID,
				"cause":      cause.Error(),
			},
		}); nerr != nil {
			e.logger.WithError(nerr).Error("failed to deliver operator alert")
		}
	}
	if ferr := e.failSafe("emergency close failed: " + cause.Error()); ferr != nil {
		e.logger.WithError(ferr).Error("failed to escalate lifecycle")
	}
	return fmt.Errorf("%w: emergency close failed: %v", ErrDegraded, cause)
}

func (e *Executor) failSafe(msg string) error {
	return e.lifecycle.Fail(msg)
}

// rejectSizing returns to analyzing and opens the cooldown window.
func (e *Executor) rejectSizing(reason string) error {
	e.mu.Lock()
	e.cooldownUntil = time.Now().Add(e.cfg.Cooldown)
	e.mu.Unlock()
	return e.lifecycle.OnSizingRejected(reason)
}

func (e *Executor) abortEntry() error {
	e.mu.Lock()
	e.cooldownUntil = time.Now().Add(e.cfg.Cooldown)
	e.mu.Unlock()
	return e.lifecycle.OnEntryTimeout()
}

// awaitFill polls order state with exponential backoff until filled or
// the fill timeout lapses.
func (e *Executor) awaitFill(ctx context.Context, orderID string) (models.OrderState, error) {
	deadline := time.Now().Add(e.cfg.FillTimeout)
	delay := 100 * time.Millisecond
	for {
		state, err := e.broker.GetOrderState(ctx, orderID)
		if err == nil {
			switch state.State {
			case models.OrderFilled:
				return state, nil
			case models.OrderCancelled, models.OrderRejected:
				return state, fmt.Errorf("entry order %s is %s", orderID, state.State)
			}
		} else if !broker.IsTransient(err) {
			return models.OrderState{}, err
		}

		if time.Now().After(deadline) {
			return models.OrderState{}, fmt.Errorf("order %s not filled within %s", orderID, e.cfg.FillTimeout)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return models.OrderState{}, ctx.Err()
		case <-timer.C:
		}
		if delay < 2*time.Second {
			delay *= 2
		}
	}
}

// checkPositionAlive detects SL/TP fills: the position disappearing from
// the venue while we are position_open means an exit leg fired.
func (e *Executor) checkPositionAlive(ctx context.Context) error {
	positions, err := e.broker.GetPositions(ctx, e.instrument.QuoteCurrency)
	if err != nil {
		return e.recordError(err)
	}
	e.resetErrors()

	for _, p := range positions {
		if p.InstrumentName == e.instrument.Symbol && p.Size != 0 {
			return nil
		}
	}
	return e.onPositionGone(ctx)
}

// onPositionGone attributes the exit, cancels the surviving leg, closes
// the trade record, and resumes analyzing.
func (e *Executor) onPositionGone(ctx context.Context) error {
	if err := e.lifecycle.OnPositionClosing(); err != nil {
		return err
	}

	e.mu.Lock()
	tradeID, slID, tpID := e.openTradeID, e.slOrderID, e.tpOrderID
	e.mu.Unlock()

	exitPrice := e.LastPrice()
	reason := models.ExitManual

	if slID != "" {
		if st, err := e.broker.GetOrderState(ctx, slID); err == nil && st.State == models.OrderFilled {
			reason = models.ExitStopLossHit
			if st.AveragePrice > 0 {
				exitPrice = st.AveragePrice
			}
		}
	}
	if reason == models.ExitManual && tpID != "" {
		if st, err := e.broker.GetOrderState(ctx, tpID); err == nil && st.State == models.OrderFilled {
			reason = models.ExitTakeProfitHit
			if st.AveragePrice > 0 {
				exitPrice = st.AveragePrice
			}
		}
	}

	// Cancel whichever protective leg survived.
	for _, id := range []string{slID, tpID} {
		if id == "" {
			continue
		}
		if err := e.broker.CancelOrder(ctx, id); err != nil {
			e.logger.WithError(err).WithField("order_id", id).Warn("failed to cancel surviving bracket leg")
		}
	}

	if tradeID != "" {
		if err := e.closeTrade(ctx, tradeID, exitPrice, reason); err != nil {
			e.logger.WithError(err).Error("failed to close trade record")
		}
	}

	e.mu.Lock()
	e.openTradeID, e.slOrderID, e.tpOrderID = "", "", ""
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"trade_id":   tradeID,
		"exit_price": exitPrice,
		"reason":     reason,
	}).Info("position closed")
	return e.lifecycle.OnPositionClosed()
}

// closeTrade finalizes a trade record with computed PnL.
func (e *Executor) closeTrade(ctx context.Context, tradeID string, exitPrice float64, reason models.ExitReason) error {
	rec, err := e.history.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if rec.Status == models.TradeClosed {
		return nil
	}
	rec.ClosedBy(exitPrice, time.Now().UTC(), reason)
	return e.history.Update(ctx, tradeID, history.Patch{
		ExitPrice:  &rec.ExitPrice,
		ExitTime:   &rec.ExitTime,
		ExitReason: &rec.ExitReason,
		PnL:        &rec.PnL,
		PnLPercent: &rec.PnLPercent,
		Status:     &rec.Status,
	})
}

// closeTradeAndResume closes the record and walks the lifecycle back to
// analyzing from position_open.
func (e *Executor) closeTradeAndResume(ctx context.Context, tradeID string, exitPrice float64, reason models.ExitReason) error {
	if err := e.closeTrade(ctx, tradeID, exitPrice, reason); err != nil {
		e.logger.WithError(err).Error("failed to close trade record")
	}
	e.mu.Lock()
	e.openTradeID, e.slOrderID, e.tpOrderID = "", "", ""
	e.mu.Unlock()
	if e.lifecycle.Current() == models.StatePositionOpen {
		return e.lifecycle.DropPosition()
	}
	return nil
}

func (e *Executor) entryOrderID(ctx context.Context, tradeID string) string {
	rec, err := e.history.Get(ctx, tradeID)
	if err != nil {
		return ""
	}
	return rec.EntryOrderID
}

// recordError tracks transient failures; a burst inside the error window
// escalates to the error state. Non-transient failures escalate at once.
func (e *Executor) recordError(err error) error {
	if errors.Is(err, broker.ErrAuth) {
		e.failSafe("broker rejected credentials")
		return fmt.Errorf("%w: %v", ErrTooManyErrors, err)
	}
	if !broker.IsTransient(err) {
		e.logger.WithError(err).Error("non-transient broker error")
	} else {
		e.logger.WithError(err).Debug("transient broker error; skipping tick")
	}

	now := time.Now()
	e.mu.Lock()
	e.errTimes = append(e.errTimes, now)
	cutoff := now.Add(-e.cfg.ErrorWindow)
	kept := e.errTimes[:0]
	for _, t := range e.errTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.errTimes = kept
	count := len(kept)
	e.mu.Unlock()

	if e.cfg.MaxConsecutiveErrors > 0 && count >= e.cfg.MaxConsecutiveErrors {
		e.logger.WithField("count", count).Error("persistent broker errors; stopping strategy")
		e.failSafe(fmt.Sprintf("%d broker errors within %s", count, e.cfg.ErrorWindow))
		return fmt.Errorf("%w: %d errors within %s", ErrTooManyErrors, count, e.cfg.ErrorWindow)
	}
	return nil
}

func (e *Executor) resetErrors() {
	e.mu.Lock()
	e.errTimes = e.errTimes[:0]
	e.mu.Unlock()
}

// shutdown runs the cooperative stop path. The parent context is already
// cancelled, so venue calls get a short independent deadline.
func (e *Executor) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.mu.Lock()
	flatten := e.flatten
	tradeID := e.openTradeID
	e.mu.Unlock()

	if flatten {
		positions, err := e.broker.GetPositions(ctx, e.instrument.QuoteCurrency)
		if err != nil {
			e.logger.WithError(err).Error("flatten: failed to list positions")
		}
		for _, p := range positions {
			if p.InstrumentName != e.instrument.Symbol || p.Size == 0 {
				continue
			}
			if err := e.brackets.EmergencyClose(ctx, p.InstrumentName, p.Side(), p.AbsSize(), "stop with flatten"); err != nil {
				return e.emergencyCloseFailed(ctx, tradeID, err)
			}
			if err := e.brackets.CancelAllOrders(ctx, e.instrument.Symbol); err != nil {
				e.logger.WithError(err).Warn("flatten: failed to cancel open orders")
			}
			if tradeID != "" {
				if err := e.closeTrade(ctx, tradeID, e.LastPrice(), models.ExitStrategyStop); err != nil {
					e.logger.WithError(err).Error("flatten: failed to close trade record")
				}
			}
		}
	}

	if err := e.lifecycle.Stop(); err != nil {
		e.logger.WithError(err).Error("failed to idle lifecycle on shutdown")
	}
	e.logger.Info("executor stopped")
	return nil
}

// candleBuilder folds ticks into fixed-interval candles. A candle closes
// when the first tick of the next interval arrives.
type candleBuilder struct {
	interval time.Duration
	cur      models.Candle
	bucket   int64
	started  bool
}

func (b *candleBuilder) update(t models.Tick) (models.Candle, bool) {
	ms := b.interval.Milliseconds()
	if ms <= 0 {
		return models.Candle{}, false
	}
	bucket := t.Timestamp - t.Timestamp%ms

	if !b.started {
		b.started = true
		b.bucket = bucket
		b.cur = models.Candle{Time: bucket, Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price}
		return models.Candle{}, false
	}

	if bucket == b.bucket {
		if t.Price > b.cur.High {
			b.cur.High = t.Price
		}
		if t.Price < b.cur.Low {
			b.cur.Low = t.Price
		}
		b.cur.Close = t.Price
		return models.Candle{}, false
	}

	closed := b.cur
	b.bucket = bucket
	b.cur = models.Candle{Time: bucket, Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price}
	return closed, true
}
