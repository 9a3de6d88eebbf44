package executor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/schrute_futures/internal/alert"
	"github.com/eddiefleurent/schrute_futures/internal/broker"
	"github.com/eddiefleurent/schrute_futures/internal/history"
	"github.com/eddiefleurent/schrute_futures/internal/lifecycle"
	"github.com/eddiefleurent/schrute_futures/internal/mock"
	"github.com/eddiefleurent/schrute_futures/internal/models"
	"github.com/eddiefleurent/schrute_futures/internal/risk"
	"github.com/eddiefleurent/schrute_futures/internal/statestore"
)

// scriptStrategy emits pre-scripted signals, one per closed candle.
type scriptStrategy struct {
	mu      sync.Mutex
	signals []models.Signal
	warmed  int
}

func (s *scriptStrategy) Name() string                       { return "scripted" }
func (s *scriptStrategy) Configure(map[string]float64) error { return nil }
func (s *scriptStrategy) RequiredWarmup() int                { return 0 }
func (s *scriptStrategy) OnTick(models.Tick)                 {}

func (s *scriptStrategy) OnCandle(models.Candle) models.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warmed++
	if len(s.signals) == 0 {
		return models.Signal{Kind: models.SignalNone}
	}
	sig := s.signals[0]
	s.signals = s.signals[1:]
	return sig
}

// spyNotifier records delivered alerts.
type spyNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (n *spyNotifier) Notify(_ context.Context, a alert.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *spyNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type fixture struct {
	broker   *mock.Broker
	lm       *lifecycle.Manager
	hist     *history.MemoryStore
	strat    *scriptStrategy
	notifier *spyNotifier
	exec     *Executor
}

func testConfig() Config {
	return Config{
		UserID:     "u1",
		Instrument: "BTC-USD-PERP",
		Timeframe:  time.Minute,

		RiskMode:     risk.ModePercent,
		RiskValue:    5,
		WarnLeverage: 10,

		FillTimeout:          2 * time.Second,
		ReconcileInterval:    time.Hour,
		Cooldown:             time.Minute,
		TriggerBudget:        10,
		MaxConsecutiveErrors: 5,
		ErrorWindow:          time.Minute,

		FallbackStopLossPct:   1,
		FallbackTakeProfitPct: 2,
	}
}

func newFixture(t *testing.T, cfg Config, signals []models.Signal) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := statestore.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)
	lm, err := lifecycle.NewManager(cfg.UserID, store, logger)
	require.NoError(t, err)

	b := mock.NewBroker()
	b.Instrument = models.Instrument{
		Symbol:         cfg.Instrument,
		QuoteCurrency:  "USD",
		TickSize:       0.5,
		MinTradeAmount: 10,
		LotSize:        1,
		MaxLeverage:    50,
	}
	b.Balances["USD"] = models.Balance{Currency: "USD", Equity: 1000, Available: 1000}
	b.LastPrice = 60000
	b.FillMarket = true

	f := &fixture{
		broker:   b,
		lm:       lm,
		hist:     history.NewMemoryStore(),
		strat:    &scriptStrategy{signals: signals},
		notifier: &spyNotifier{},
	}
	f.exec = New(cfg, f.strat, b, lm, f.hist, f.notifier, logger)
	return f
}

// start runs the executor and returns a channel carrying Run's error.
func (f *fixture) start(ctx context.Context, t *testing.T) <-chan error {
	t.Helper()
	require.NoError(t, f.lm.Start("scripted", "BTC-USD-PERP", "mock", "testnet"))
	errCh := make(chan error, 1)
	go func() { errCh <- f.exec.Run(ctx) }()
	return errCh
}

func (f *fixture) tick(ts int64, price float64) {
	f.broker.PushTick(models.Tick{Instrument: "BTC-USD-PERP", Price: price, Timestamp: ts})
}

func (f *fixture) openTrade(t *testing.T) models.TradeRecord {
	t.Helper()
	trades, err := f.hist.Query(context.Background(), history.Query{UserID: "u1", Status: models.TradeOpen})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	return trades[0]
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("executor did not stop in time")
		return nil
	}
}

func longSignal() models.Signal {
	return models.Signal{
		Kind:       models.SignalEnterLong,
		Entry:      60000,
		Stop:       59400,
		TakeProfit: 61200,
		Reasons:    []string{"test"},
	}
}

func TestEntryThenStopLossExit(t *testing.T) {
	f := newFixture(t, testConfig(), []models.Signal{longSignal()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := f.start(ctx, t)

	// First tick opens a candle; the next interval's tick closes it and
	// delivers the signal.
	f.tick(1_000, 60000)
	f.tick(61_000, 60000)

	require.Eventually(t, func() bool {
		if f.lm.Current() != models.StatePositionOpen {
			return false
		}
		trades, _ := f.hist.Query(ctx, history.Query{UserID: "u1", Status: models.TradeOpen})
		return len(trades) == 1 && trades[0].SLOrderID != ""
	}, 5*time.Second, 10*time.Millisecond, "position should open with brackets attached")

	rec := f.openTrade(t)
	// 5% of 1000 equity risked over a 1% stop distance sizes 5000 USD.
	assert.InDelta(t, 5000.0, rec.Amount, 1e-9)
	assert.InDelta(t, 60000.0, rec.EntryPrice, 1e-9)
	assert.Equal(t, models.SideBuy, rec.Side)
	assert.NotEmpty(t, rec.TPOrderID)

	positions, err := f.broker.GetPositions(ctx, "USD")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 5000.0, positions[0].Size, 1e-9)

	// The stop fires: venue fills the SL leg and the position disappears.
	f.broker.SetOrderState(rec.SLOrderID, models.OrderFilled, rec.Amount, 59400)
	f.broker.ClearPosition("BTC-USD-PERP")
	f.tick(62_000, 59400)

	require.Eventually(t, func() bool {
		return f.lm.Current() == models.StateAnalyzing
	}, 5*time.Second, 10*time.Millisecond, "lifecycle should resume analyzing after exit")

	closed, err := f.hist.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeClosed, closed.Status)
	assert.Equal(t, models.ExitStopLossHit, closed.ExitReason)
	assert.InDelta(t, 59400.0, closed.ExitPrice, 1e-9)
	assert.InDelta(t, -50.0, closed.PnL, 1e-9)

	cancel()
	require.NoError(t, waitErr(t, errCh))

	// The surviving TP leg was cancelled when the position closed.
	assert.Contains(t, f.broker.Cancelled, rec.TPOrderID)
}

func TestSizingRejectionCoolsDown(t *testing.T) {
	bad := longSignal()
	bad.Stop = bad.Entry // zero stop distance
	f := newFixture(t, testConfig(), []models.Signal{bad, longSignal()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := f.start(ctx, t)

	f.tick(1_000, 60000)
	f.tick(61_000, 60000)

	require.Eventually(t, func() bool {
		return !f.exec.CooldownUntil().IsZero()
	}, 5*time.Second, 10*time.Millisecond, "rejection should open the cooldown window")
	assert.Equal(t, models.StateAnalyzing, f.lm.Current())

	// The second, valid signal lands inside the cooldown and is dropped.
	f.tick(121_000, 60000)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, models.StateAnalyzing, f.lm.Current())

	cancel()
	require.NoError(t, waitErr(t, errCh))

	assert.Empty(t, f.broker.Placed, "no orders may reach the venue")
	trades, err := f.hist.Query(context.Background(), history.Query{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestEntryFillTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.FillTimeout = 300 * time.Millisecond
	f := newFixture(t, cfg, []models.Signal{longSignal()})
	f.broker.FillMarket = false // entry order rests unfilled

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := f.start(ctx, t)

	f.tick(1_000, 60000)
	f.tick(61_000, 60000)

	require.Eventually(t, func() bool {
		return f.lm.Current() == models.StateAnalyzing && !f.exec.CooldownUntil().IsZero()
	}, 5*time.Second, 10*time.Millisecond, "timed-out entry should return to analyzing")

	cancel()
	require.NoError(t, waitErr(t, errCh))

	require.Len(t, f.broker.Placed, 1)
	assert.Equal(t, models.OrderTypeMarket, f.broker.Placed[0].Type)
	assert.Len(t, f.broker.Cancelled, 1, "the stale entry order must be cancelled")

	trades, err := f.hist.Query(context.Background(), history.Query{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, trades, "no trade record for an unfilled entry")
}

func TestBracketFailureEmergencyCloses(t *testing.T) {
	f := newFixture(t, testConfig(), []models.Signal{longSignal()})
	// Every SL attempt (initial + 2 retries) is rejected.
	f.broker.FailNextPlace(models.OrderTypeStopMarket, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := f.start(ctx, t)

	f.tick(1_000, 60000)
	f.tick(61_000, 60000)

	err := waitErr(t, errCh)
	require.ErrorIs(t, err, ErrDegraded)
	assert.True(t, f.exec.Degraded())
	assert.Equal(t, models.StateIdle, f.lm.Current())

	positions, perr := f.broker.GetPositions(context.Background(), "USD")
	require.NoError(t, perr)
	assert.Empty(t, positions, "position must be flattened")

	trades, herr := f.hist.Query(context.Background(), history.Query{UserID: "u1"})
	require.NoError(t, herr)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeClosed, trades[0].Status)
	assert.Equal(t, models.ExitError, trades[0].ExitReason)
}

func TestOrphanAdoptedWithFallbackBrackets(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	// A position exists at the venue with no matching trade record.
	f.broker.SetPosition("BTC-USD-PERP", 5000, 60000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := f.start(ctx, t)

	require.Eventually(t, func() bool {
		trades, _ := f.hist.Query(ctx, history.Query{UserID: "u1", Status: models.TradeOpen})
		return len(trades) == 1 && trades[0].SLOrderID != ""
	}, 5*time.Second, 10*time.Millisecond, "orphan should be adopted and protected")

	rec := f.openTrade(t)
	assert.Equal(t, models.SideBuy, rec.Side)
	assert.InDelta(t, 60000.0, rec.EntryPrice, 1e-9)
	// Fallback distances: 1% stop, 2% take profit.
	assert.InDelta(t, 59400.0, rec.StopLoss, 1e-9)
	assert.InDelta(t, 61200.0, rec.TakeProfit, 1e-9)
	assert.Equal(t, models.StatePositionOpen, f.lm.Current())

	cancel()
	require.NoError(t, waitErr(t, errCh))
}

func TestUnprotectedOrphanIsFlattened(t *testing.T) {
	cfg := testConfig()
	cfg.FallbackStopLossPct = 0
	f := newFixture(t, cfg, nil)
	f.broker.SetPosition("BTC-USD-PERP", 5000, 60000)
	f.broker.LastPrice = 60600

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := f.start(ctx, t)

	require.Eventually(t, func() bool {
		positions, _ := f.broker.GetPositions(ctx, "USD")
		return len(positions) == 0 && f.lm.Current() == models.StateAnalyzing
	}, 5*time.Second, 10*time.Millisecond, "unprotectable orphan should be flattened")

	trades, err := f.hist.Query(ctx, history.Query{UserID: "u1", Status: models.TradeClosed})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.ExitAutoOrphan, trades[0].ExitReason)
	assert.InDelta(t, 60600.0, trades[0].ExitPrice, 1e-9)
	assert.InDelta(t, 50.0, trades[0].PnL, 1e-9)

	cancel()
	require.NoError(t, waitErr(t, errCh))
}

func TestEmergencyCloseFailureAlertsAndFails(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	require.NoError(t, f.lm.Start("scripted", "BTC-USD-PERP", "mock", "testnet"))

	err := f.exec.emergencyCloseFailed(context.Background(), "trade-1", errors.New("venue refused"))
	require.ErrorIs(t, err, ErrDegraded)
	assert.True(t, f.exec.Degraded())
	assert.Equal(t, models.StateError, f.lm.Current())

	require.Equal(t, 1, f.notifier.count())
	a := f.notifier.alerts[0]
	assert.Equal(t, alert.SeverityCritical, a.Severity)
	assert.Equal(t, "emergency_close_failed", a.Event)
	assert.Equal(t, "u1", a.UserID)
	assert.Equal(t, "trade-1", a.Fields["trade_id"])
}

func TestPersistentErrorsEscalate(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveErrors = 3
	f := newFixture(t, cfg, nil)
	require.NoError(t, f.lm.Start("scripted", "BTC-USD-PERP", "mock", "testnet"))

	transient := broker.ErrTransient
	assert.NoError(t, f.exec.recordError(transient))
	assert.NoError(t, f.exec.recordError(transient))

	err := f.exec.recordError(transient)
	require.ErrorIs(t, err, ErrTooManyErrors)
	assert.Equal(t, models.StateError, f.lm.Current())
}

func TestAuthErrorEscalatesImmediately(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	require.NoError(t, f.lm.Start("scripted", "BTC-USD-PERP", "mock", "testnet"))

	err := f.exec.recordError(broker.ErrAuth)
	require.ErrorIs(t, err, ErrTooManyErrors)
	assert.Equal(t, models.StateError, f.lm.Current())
}

func TestErrorWindowSlides(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveErrors = 3
	cfg.ErrorWindow = 50 * time.Millisecond
	f := newFixture(t, cfg, nil)
	require.NoError(t, f.lm.Start("scripted", "BTC-USD-PERP", "mock", "testnet"))

	assert.NoError(t, f.exec.recordError(broker.ErrTransient))
	assert.NoError(t, f.exec.recordError(broker.ErrTransient))
	time.Sleep(80 * time.Millisecond)
	// Earlier failures aged out of the window.
	assert.NoError(t, f.exec.recordError(broker.ErrTransient))
	assert.NotEqual(t, models.StateError, f.lm.Current())
}

func TestStopWithFlatten(t *testing.T) {
	f := newFixture(t, testConfig(), []models.Signal{longSignal()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := f.start(ctx, t)

	f.tick(1_000, 60000)
	f.tick(61_000, 60000)

	require.Eventually(t, func() bool {
		trades, _ := f.hist.Query(ctx, history.Query{UserID: "u1", Status: models.TradeOpen})
		return len(trades) == 1 && trades[0].SLOrderID != ""
	}, 5*time.Second, 10*time.Millisecond)

	rec := f.openTrade(t)

	f.exec.SetFlatten(true)
	cancel()
	require.NoError(t, waitErr(t, errCh))

	positions, err := f.broker.GetPositions(context.Background(), "USD")
	require.NoError(t, err)
	assert.Empty(t, positions, "flatten must close the position")
	assert.Equal(t, models.StateIdle, f.lm.Current())

	closed, err := f.hist.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeClosed, closed.Status)
	assert.Equal(t, models.ExitStrategyStop, closed.ExitReason)
}

func TestStopWithoutFlattenLeavesPosition(t *testing.T) {
	f := newFixture(t, testConfig(), []models.Signal{longSignal()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := f.start(ctx, t)

	f.tick(1_000, 60000)
	f.tick(61_000, 60000)

	require.Eventually(t, func() bool {
		trades, _ := f.hist.Query(ctx, history.Query{UserID: "u1", Status: models.TradeOpen})
		return len(trades) == 1 && trades[0].SLOrderID != ""
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, waitErr(t, errCh))

	positions, err := f.broker.GetPositions(context.Background(), "USD")
	require.NoError(t, err)
	assert.Len(t, positions, 1, "position and brackets stay at the venue")
	assert.Equal(t, models.StateIdle, f.lm.Current())
}

func TestCandleBuilder(t *testing.T) {
	b := candleBuilder{interval: time.Minute}

	_, ok := b.update(models.Tick{Timestamp: 5_000, Price: 100})
	assert.False(t, ok, "first tick only opens a candle")
	_, ok = b.update(models.Tick{Timestamp: 20_000, Price: 110})
	assert.False(t, ok)
	_, ok = b.update(models.Tick{Timestamp: 40_000, Price: 95})
	assert.False(t, ok)

	closed, ok := b.update(models.Tick{Timestamp: 61_000, Price: 105})
	require.True(t, ok, "tick in the next interval closes the candle")
	assert.Equal(t, int64(0), closed.Time)
	assert.Equal(t, 100.0, closed.Open)
	assert.Equal(t, 110.0, closed.High)
	assert.Equal(t, 95.0, closed.Low)
	assert.Equal(t, 95.0, closed.Close)

	closed, ok = b.update(models.Tick{Timestamp: 121_000, Price: 106})
	require.True(t, ok)
	assert.Equal(t, int64(60_000), closed.Time)
	assert.Equal(t, 105.0, closed.Open)
}
