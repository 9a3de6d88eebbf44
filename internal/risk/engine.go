// Package risk turns a risk budget and a stop distance into a position
// size, leverage, and margin requirement for USD-quoted perpetuals.
package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/eddiefleurent/schrute_futures/internal/models"
	"github.com/eddiefleurent/schrute_futures/internal/util"
)

// Sizing failures. Callers classify with errors.Is and decide whether to
// cool down (min size, margin) or reject the signal outright (stop loss).
var (
	ErrInvalidStopLoss     = errors.New("stop loss too close to entry")
	ErrBelowMinimumSize    = errors.New("position below minimum trade size")
	ErrLeverageExceeded    = errors.New("leverage exceeds instrument maximum")
	ErrInsufficientBalance = errors.New("insufficient balance for required margin")
)

// Mode selects how the risk budget is derived from equity.
type Mode string

const (
	// ModePercent risks a percentage of account equity per trade.
	ModePercent Mode = "percent"
	// ModeFixed risks a fixed USD amount per trade.
	ModeFixed Mode = "fixed"
)

// minStopRatio rejects stops closer than 1 bp to entry; the implied size
// would be effectively unbounded.
const minStopRatio = 1e-4

// DefaultWarnLeverage is the leverage above which sizing succeeds but
// carries a warning.
const DefaultWarnLeverage = 10.0

// Input is everything Size needs. Equity is USD account equity.
type Input struct {
	Equity       float64
	RiskMode     Mode
	RiskValue    float64
	Entry        float64
	Stop         float64
	MarkPrice    float64
	Instrument   models.Instrument
	WarnLeverage float64
}

// Sizing is the computed position. Quantity is USD notional for
// USD-quoted perpetuals, floored to the instrument lot size.
type Sizing struct {
	Quantity   float64
	Notional   float64
	Leverage   float64
	MarginUSD  float64
	MarginBase float64
	RiskAmount float64
	Warnings   []string
}

// Size computes the position size for a signal. Pure and deterministic:
// equal inputs produce equal outputs.
func Size(in Input) (Sizing, error) {
	if in.Equity <= 0 {
		return Sizing{}, fmt.Errorf("%w: equity %.2f", ErrInsufficientBalance, in.Equity)
	}
	if in.Entry <= 0 {
		return Sizing{}, fmt.Errorf("%w: entry %.2f", ErrInvalidStopLoss, in.Entry)
	}

	riskAmount := in.RiskValue
	if in.RiskMode == ModePercent {
		riskAmount = in.Equity * in.RiskValue / 100
	}
	if riskAmount > in.Equity {
		riskAmount = in.Equity
	}

	stopDistance := math.Abs(in.Entry - in.Stop)
	if stopDistance/in.Entry < minStopRatio {
		return Sizing{}, fmt.Errorf("%w: entry %.2f stop %.2f", ErrInvalidStopLoss, in.Entry, in.Stop)
	}

	// USD-notional perpetual: qty in USD, so a stop hit loses exactly
	// qty * stopDistance / entry = riskAmount.
	qty := riskAmount * in.Entry / stopDistance
	lot := in.Instrument.LotSize
	if lot <= 0 {
		lot = in.Instrument.MinTradeAmount
	}
	qty = util.FloorToLot(qty, lot)

	notional := qty
	leverage := notional / in.Equity

	maxLev := in.Instrument.MaxLeverage
	if maxLev > 0 && leverage > maxLev {
		return Sizing{}, fmt.Errorf("%w: %.2fx > %.2fx", ErrLeverageExceeded, leverage, maxLev)
	}

	if qty < in.Instrument.MinTradeAmount {
		return Sizing{}, fmt.Errorf("%w: %.2f < %.2f", ErrBelowMinimumSize, qty, in.Instrument.MinTradeAmount)
	}

	marginUSD := notional
	if maxLev > 0 {
		marginUSD = notional / maxLev
	}
	if marginUSD > in.Equity {
		return Sizing{}, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientBalance, marginUSD, in.Equity)
	}

	s := Sizing{
		Quantity:   qty,
		Notional:   notional,
		Leverage:   leverage,
		MarginUSD:  marginUSD,
		RiskAmount: riskAmount,
	}
	if in.MarkPrice > 0 {
		s.MarginBase = marginUSD / in.MarkPrice
	}

	warn := in.WarnLeverage
	if warn <= 0 {
		warn = DefaultWarnLeverage
	}
	if leverage > warn {
		s.Warnings = append(s.Warnings, fmt.Sprintf("leverage %.1fx above warn threshold %.1fx", leverage, warn))
	}
	return s, nil
}
