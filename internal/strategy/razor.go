package strategy

import (
	"fmt"
	"math"

	"github.com/eddiefleurent/schrute_futures/internal/models"
)

func init() {
	Register("razor", func() Strategy { return NewRazor() })
}

// Razor is an EMA-crossover momentum strategy. A fast EMA crossing the
// slow EMA opens in the cross direction; stop and take-profit are placed
// at ATR multiples from entry.
type Razor struct {
	fastPeriod int
	slowPeriod int
	atrPeriod  int
	stopATR    float64
	tpATR      float64

	fast      ema
	slow      ema
	atr       atr
	prevDiff  float64
	hasPrev   bool
	candles   int
	lastClose float64
	lastMark  float64
}

// NewRazor returns a razor with the default parameters.
func NewRazor() *Razor {
	r := &Razor{
		fastPeriod: 9,
		slowPeriod: 21,
		atrPeriod:  14,
		stopATR:    1.5,
		tpATR:      3.0,
	}
	r.reset()
	return r
}

func (r *Razor) Name() string { return "razor" }

// Configure accepts ema_fast, ema_slow, atr_period, stop_atr, tp_atr.
// Unknown keys are rejected so typos fail loudly at start time.
func (r *Razor) Configure(params map[string]float64) error {
	for key, v := range params {
		switch key {
		case "ema_fast":
			r.fastPeriod = int(v)
		case "ema_slow":
			r.slowPeriod = int(v)
		case "atr_period":
			r.atrPeriod = int(v)
		case "stop_atr":
			r.stopATR = v
		case "tp_atr":
			r.tpATR = v
		default:
			return fmt.Errorf("razor: unknown parameter %q", key)
		}
	}
	if r.fastPeriod < 2 || r.slowPeriod < 2 || r.atrPeriod < 1 {
		return fmt.Errorf("razor: periods must be positive (fast=%d slow=%d atr=%d)",
			r.fastPeriod, r.slowPeriod, r.atrPeriod)
	}
	if r.fastPeriod >= r.slowPeriod {
		return fmt.Errorf("razor: ema_fast %d must be below ema_slow %d", r.fastPeriod, r.slowPeriod)
	}
	if r.stopATR <= 0 || r.tpATR <= 0 {
		return fmt.Errorf("razor: stop_atr and tp_atr must be positive")
	}
	r.reset()
	return nil
}

func (r *Razor) reset() {
	r.fast = ema{period: r.fastPeriod}
	r.slow = ema{period: r.slowPeriod}
	r.atr = atr{period: r.atrPeriod}
	r.hasPrev = false
	r.candles = 0
}

// RequiredWarmup is the candle count needed before signals are meaningful.
func (r *Razor) RequiredWarmup() int {
	warmup := r.slowPeriod
	if r.atrPeriod+1 > warmup {
		warmup = r.atrPeriod + 1
	}
	return warmup
}

func (r *Razor) OnCandle(c models.Candle) models.Signal {
	r.candles++
	r.lastClose = c.Close
	fast := r.fast.update(c.Close)
	slow := r.slow.update(c.Close)
	rangeATR := r.atr.update(c)

	diff := fast - slow
	defer func() {
		r.prevDiff = diff
		r.hasPrev = true
	}()

	if !r.hasPrev || r.candles < r.RequiredWarmup() || rangeATR <= 0 {
		return models.Signal{Kind: models.SignalNone}
	}

	crossedUp := r.prevDiff <= 0 && diff > 0
	crossedDown := r.prevDiff >= 0 && diff < 0
	if !crossedUp && !crossedDown {
		return models.Signal{Kind: models.SignalNone}
	}

	entry := c.Close
	stopDist := r.stopATR * rangeATR
	tpDist := r.tpATR * rangeATR
	if crossedUp {
		return models.Signal{
			Kind:       models.SignalEnterLong,
			Entry:      entry,
			Stop:       entry - stopDist,
			TakeProfit: entry + tpDist,
			Reasons: []string{
				fmt.Sprintf("ema%d crossed above ema%d", r.fastPeriod, r.slowPeriod),
				fmt.Sprintf("atr %.2f", rangeATR),
			},
		}
	}
	return models.Signal{
		Kind:       models.SignalEnterShort,
		Entry:      entry,
		Stop:       entry + stopDist,
		TakeProfit: entry - tpDist,
		Reasons: []string{
			fmt.Sprintf("ema%d crossed below ema%d", r.fastPeriod, r.slowPeriod),
			fmt.Sprintf("atr %.2f", rangeATR),
		},
	}
}

// OnTick keeps the latest mark for diagnostics; razor does not trail.
func (r *Razor) OnTick(t models.Tick) {
	r.lastMark = t.MarkPrice
}

// Indicators exposes the current indicator values for the status surface.
func (r *Razor) Indicators() map[string]float64 {
	return map[string]float64{
		"ema_fast": r.fast.value,
		"ema_slow": r.slow.value,
		"atr":      r.atr.value,
		"close":    r.lastClose,
	}
}

// ema is an exponential moving average seeded with an SMA of the first
// period values.
type ema struct {
	period int
	value  float64
	seen   int
	seedSum  float64
}

func (e *ema) update(price float64) float64 {
	e.seen++
	if e.seen <= e.period {
		e.seedSum += price
		e.value = e.seedSum / float64(e.seen)
		return e.value
	}
	k := 2.0 / (float64(e.period) + 1)
	e.value = price*k + e.value*(1-k)
	return e.value
}

// atr is Wilder's average true range.
type atr struct {
	period    int
	value     float64
	prevClose float64
	seen      int
}

func (a *atr) update(c models.Candle) float64 {
	tr := c.High - c.Low
	if a.seen > 0 {
		tr = math.Max(tr, math.Max(
			math.Abs(c.High-a.prevClose),
			math.Abs(c.Low-a.prevClose),
		))
	}
	a.seen++
	a.prevClose = c.Close

	if a.seen == 1 {
		// First candle has no prior close; start the average at its range.
		a.value = tr
		return a.value
	}
	if a.seen <= a.period {
		a.value = (a.value*float64(a.seen-1) + tr) / float64(a.seen)
		return a.value
	}
	a.value = (a.value*float64(a.period-1) + tr) / float64(a.period)
	return a.value
}
