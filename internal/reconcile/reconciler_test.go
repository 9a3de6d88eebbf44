package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/schrute_futures/internal/history"
	"github.com/eddiefleurent/schrute_futures/internal/lifecycle"
	"github.com/eddiefleurent/schrute_futures/internal/mock"
	"github.com/eddiefleurent/schrute_futures/internal/models"
	"github.com/eddiefleurent/schrute_futures/internal/statestore"
)

type fixture struct {
	rec   *Reconciler
	mb    *mock.Broker
	hist  history.Store
	lm    *lifecycle.Manager
	price float64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	store, err := statestore.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)
	lm, err := lifecycle.NewManager("u1", store, logger)
	require.NoError(t, err)

	f := &fixture{
		mb:   mock.NewBroker(),
		hist: history.NewMemoryStore(),
		lm:   lm,
	}
	f.rec = New(f.mb, f.hist, f.lm, func() float64 { return f.price }, logger)
	return f
}

func (f *fixture) startStrategy(t *testing.T, instrument string) {
	t.Helper()
	require.NoError(t, f.lm.Start("razor", instrument, "deriv", "testnet"))
}

func (f *fixture) addOpenTrade(t *testing.T, id, instrument string, entry, amount float64) {
	t.Helper()
	require.NoError(t, f.hist.Add(context.Background(), models.TradeRecord{
		ID:           id,
		UserID:       "u1",
		StrategyName: "razor",
		Instrument:   instrument,
		Side:         models.SideBuy,
		EntryOrderID: "ord-entry",
		SLOrderID:    "ord-sl",
		TPOrderID:    "ord-tp",
		EntryPrice:   entry,
		Amount:       amount,
		StopLoss:     entry * 0.99,
		TakeProfit:   entry * 1.02,
		EntryTime:    time.Now().UTC().Add(-time.Hour),
		Status:       models.TradeOpen,
	}))
}

func TestCleanStateNoPosition(t *testing.T) {
	f := newFixture(t)
	f.startStrategy(t, "BTC-USD-PERP")

	out, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CaseClean, out.Case)
	assert.Equal(t, models.StateAnalyzing, f.lm.Current())
}

func TestValidStateDriftCorrectedFromVenue(t *testing.T) {
	f := newFixture(t)
	f.startStrategy(t, "BTC-USD-PERP")
	f.addOpenTrade(t, "t1", "BTC-USD-PERP", 59900, 4000)
	f.mb.SetPosition("BTC-USD-PERP", 5000, 60000)

	out, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CaseValid, out.Case)

	// Venue wins on entry price and amount.
	trade, err := f.hist.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 60000.0, trade.EntryPrice)
	assert.Equal(t, 5000.0, trade.Amount)

	// Lifecycle forced onto the position.
	assert.Equal(t, models.StatePositionOpen, f.lm.Current())
}

func TestGhostTradeClosedAtVenuePrice(t *testing.T) {
	f := newFixture(t)
	f.startStrategy(t, "ETH-USD-PERP")
	f.addOpenTrade(t, "t1", "ETH-USD-PERP", 3000, 2000)
	f.mb.LastPrice = 3090
	// No venue position: SL or TP already fired.

	start := time.Now().UTC()
	out, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CaseGhost, out.Case)
	assert.Less(t, time.Since(start), 30*time.Second)

	trade, err := f.hist.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TradeClosed, trade.Status)
	assert.Equal(t, models.ExitAutoOrphan, trade.ExitReason)
	assert.Equal(t, 3090.0, trade.ExitPrice)
	// 2000 * (3090-3000)/3000 = 60
	assert.InDelta(t, 60, trade.PnL, 1e-9)

	// Lingering triggers cancelled best-effort.
	assert.Contains(t, f.mb.Cancelled, "ord-sl")
	assert.Contains(t, f.mb.Cancelled, "ord-tp")
	assert.Equal(t, models.StateAnalyzing, f.lm.Current())
}

func TestGhostFallsBackToLastTick(t *testing.T) {
	f := newFixture(t)
	f.startStrategy(t, "ETH-USD-PERP")
	f.addOpenTrade(t, "t1", "ETH-USD-PERP", 3000, 2000)
	f.mb.LastPrice = 0 // venue gives nothing useful
	f.price = 3030

	_, err := f.rec.Run(context.Background())
	require.NoError(t, err)

	trade, err := f.hist.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 3030.0, trade.ExitPrice)
	assert.InDelta(t, 20, trade.PnL, 1e-9)
}

func TestGhostWithLifecycleInPositionOpen(t *testing.T) {
	f := newFixture(t)
	f.startStrategy(t, "ETH-USD-PERP")
	require.NoError(t, f.lm.AdoptPosition("razor", "ETH-USD-PERP", 3000, 2000, models.PositionLong))
	f.addOpenTrade(t, "t1", "ETH-USD-PERP", 3000, 2000)
	f.mb.LastPrice = 2940

	out, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CaseGhost, out.Case)
	assert.Equal(t, models.StateAnalyzing, f.lm.Current())
	st := f.lm.State()
	assert.False(t, st.HasPosition())
}

func TestOrphanPositionAdopted(t *testing.T) {
	f := newFixture(t)
	f.startStrategy(t, "BTC-USD-PERP")
	f.mb.SetPosition("BTC-USD-PERP", -5000, 61000) // venue short we know nothing about

	out, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CaseOrphan, out.Case)
	assert.True(t, out.NeedsBrackets, "orphan adoption must request an immediate bracket attempt")
	require.NotEmpty(t, out.TradeID)

	trade, err := f.hist.Get(context.Background(), out.TradeID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeOpen, trade.Status)
	assert.Equal(t, models.SideSell, trade.Side)
	assert.Equal(t, 61000.0, trade.EntryPrice)
	assert.Equal(t, 5000.0, trade.Amount)
	// No synthesized protection.
	assert.Empty(t, trade.SLOrderID)
	assert.Empty(t, trade.TPOrderID)

	st := f.lm.State()
	assert.Equal(t, models.StatePositionOpen, st.Lifecycle)
	assert.Equal(t, models.PositionShort, st.PositionSide)
}

func TestReconcileIdempotent(t *testing.T) {
	f := newFixture(t)
	f.startStrategy(t, "BTC-USD-PERP")
	f.mb.SetPosition("BTC-USD-PERP", 5000, 60000)

	first, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CaseOrphan, first.Case)

	// Second pass sees the adopted trade and the venue agreeing.
	second, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CaseValid, second.Case)
	assert.Equal(t, first.TradeID, second.TradeID)

	trades, err := f.hist.Query(context.Background(), history.Query{UserID: "u1", Status: models.TradeOpen})
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestRecoveryTimeout(t *testing.T) {
	f := newFixture(t)
	f.startStrategy(t, "BTC-USD-PERP")
	f.rec.timeout = time.Nanosecond

	_, err := f.rec.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecoveryTimeout)
}
