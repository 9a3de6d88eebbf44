package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/schrute_futures/internal/models"
)

func candle(i int, close float64) models.Candle {
	return models.Candle{
		Time:  int64(i) * 60_000,
		Open:  close,
		High:  close + 50,
		Low:   close - 50,
		Close: close,
	}
}

// feed runs closes through the strategy and returns the first non-none
// signal, if any.
func feed(s Strategy, closes []float64) (models.Signal, bool) {
	for i, c := range closes {
		sig := s.OnCandle(candle(i, c))
		if sig.Kind != models.SignalNone {
			return sig, true
		}
	}
	return models.Signal{}, false
}

func TestRegistryBuildsRazor(t *testing.T) {
	s, err := New("razor")
	require.NoError(t, err)
	assert.Equal(t, "razor", s.Name())
	assert.Contains(t, Names(), "razor")

	_, err = New("nonexistent")
	assert.Error(t, err)
}

func TestRazorConfigureValidation(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]float64
		ok     bool
	}{
		{"defaults untouched", nil, true},
		{"custom periods", map[string]float64{"ema_fast": 5, "ema_slow": 13}, true},
		{"unknown key", map[string]float64{"lookback": 20}, false},
		{"fast not below slow", map[string]float64{"ema_fast": 21, "ema_slow": 9}, false},
		{"negative multiple", map[string]float64{"stop_atr": -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRazor().Configure(tt.params)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRazorWarmupSuppressesSignals(t *testing.T) {
	r := NewRazor()
	require.NoError(t, r.Configure(map[string]float64{"ema_fast": 3, "ema_slow": 5, "atr_period": 3}))

	// A hard reversal inside the warmup window must stay silent.
	closes := []float64{100, 90, 80, 120}
	require.Less(t, len(closes), r.RequiredWarmup())
	_, found := feed(r, closes)
	assert.False(t, found)
}

func TestRazorLongSignalOnCrossUp(t *testing.T) {
	r := NewRazor()
	require.NoError(t, r.Configure(map[string]float64{"ema_fast": 3, "ema_slow": 5, "atr_period": 3}))

	// Decline pushes fast below slow, then a rally crosses it back up.
	closes := []float64{
		60000, 59800, 59600, 59400, 59200, 59000, 58800,
		59600, 60400, 61200, 62000,
	}
	sig, found := feed(r, closes)
	require.True(t, found, "expected a signal after the rally")
	assert.Equal(t, models.SignalEnterLong, sig.Kind)
	assert.Greater(t, sig.Entry, 0.0)
	assert.Less(t, sig.Stop, sig.Entry)
	assert.Greater(t, sig.TakeProfit, sig.Entry)
	assert.NotEmpty(t, sig.Reasons)
}

func TestRazorShortSignalOnCrossDown(t *testing.T) {
	r := NewRazor()
	require.NoError(t, r.Configure(map[string]float64{"ema_fast": 3, "ema_slow": 5, "atr_period": 3}))

	closes := []float64{
		60000, 60200, 60400, 60600, 60800, 61000, 61200,
		60400, 59600, 58800, 58000,
	}
	sig, found := feed(r, closes)
	require.True(t, found, "expected a signal after the selloff")
	assert.Equal(t, models.SignalEnterShort, sig.Kind)
	assert.Greater(t, sig.Stop, sig.Entry)
	assert.Less(t, sig.TakeProfit, sig.Entry)
}

func TestRazorFlatMarketStaysSilent(t *testing.T) {
	r := NewRazor()
	require.NoError(t, r.Configure(map[string]float64{"ema_fast": 3, "ema_slow": 5, "atr_period": 3}))

	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 60000
	}
	_, found := feed(r, closes)
	assert.False(t, found)
}

func TestRazorStopTakeProfitScaleWithATR(t *testing.T) {
	r := NewRazor()
	require.NoError(t, r.Configure(map[string]float64{
		"ema_fast": 3, "ema_slow": 5, "atr_period": 3,
		"stop_atr": 1.0, "tp_atr": 2.0,
	}))

	closes := []float64{
		60000, 59800, 59600, 59400, 59200, 59000, 58800,
		59600, 60400, 61200, 62000,
	}
	sig, found := feed(r, closes)
	require.True(t, found)
	stopDist := sig.Entry - sig.Stop
	tpDist := sig.TakeProfit - sig.Entry
	assert.InDelta(t, 2*stopDist, tpDist, 1e-9)
}

func TestRazorIndicatorsExposed(t *testing.T) {
	r := NewRazor()
	r.OnCandle(candle(0, 60000))
	r.OnTick(models.Tick{MarkPrice: 60100})
	ind := r.Indicators()
	assert.InDelta(t, 60000, ind["ema_fast"], 1e-9)
	assert.InDelta(t, 60000, ind["close"], 1e-9)
}
