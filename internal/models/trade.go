package models

import (
	"fmt"
	"time"
)

// TradeStatus is the lifecycle of a trade record.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

// ExitReason records why a trade was closed.
type ExitReason string

const (
	ExitStopLossHit   ExitReason = "sl_hit"
	ExitTakeProfitHit ExitReason = "tp_hit"
	ExitManual        ExitReason = "manual"
	ExitStrategyStop  ExitReason = "strategy_stop"
	ExitError         ExitReason = "error"
	ExitAutoOrphan    ExitReason = "auto_closed_orphan"
)

// Valid reports whether the exit reason is one of the defined constants.
func (r ExitReason) Valid() bool {
	switch r {
	case ExitStopLossHit, ExitTakeProfitHit, ExitManual, ExitStrategyStop, ExitError, ExitAutoOrphan:
		return true
	default:
		return false
	}
}

// TradeRecord is one durable position open/close entry. Amount is the
// position notional in the quote currency (USD for USD-quoted perps).
type TradeRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	StrategyName string    `json:"strategy_name"`
	Instrument   string    `json:"instrument"`
	Side         OrderSide `json:"side"`

	EntryOrderID string `json:"entry_order_id"`
	SLOrderID    string `json:"sl_order_id,omitempty"`
	TPOrderID    string `json:"tp_order_id,omitempty"`

	EntryPrice float64   `json:"entry_price"`
	Amount     float64   `json:"amount"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	EntryTime  time.Time `json:"entry_time"`

	ExitPrice  float64    `json:"exit_price,omitempty"`
	ExitTime   time.Time  `json:"exit_time,omitempty"`
	ExitReason ExitReason `json:"exit_reason,omitempty"`
	PnL        float64    `json:"pnl,omitempty"`
	PnLPercent float64    `json:"pnl_percent,omitempty"`

	Status TradeStatus `json:"status"`
}

// Validate enforces the trade record invariants: closed records carry the
// full exit set and exit time never precedes entry time.
func (t *TradeRecord) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("trade: id is required")
	}
	if t.Side != SideBuy && t.Side != SideSell {
		return fmt.Errorf("trade %s: invalid side %q", t.ID, t.Side)
	}
	switch t.Status {
	case TradeOpen:
		if t.ExitReason != "" || !t.ExitTime.IsZero() {
			return fmt.Errorf("trade %s: open record must not carry exit fields", t.ID)
		}
	case TradeClosed:
		if t.ExitPrice == 0 && t.PnL == 0 && t.ExitReason == "" {
			return fmt.Errorf("trade %s: closed record missing exit fields", t.ID)
		}
		if !t.ExitReason.Valid() {
			return fmt.Errorf("trade %s: invalid exit reason %q", t.ID, t.ExitReason)
		}
		if t.ExitTime.IsZero() {
			return fmt.Errorf("trade %s: closed record requires exit_time", t.ID)
		}
		if t.ExitTime.Before(t.EntryTime) {
			return fmt.Errorf("trade %s: exit_time %v precedes entry_time %v", t.ID, t.ExitTime, t.EntryTime)
		}
	default:
		return fmt.Errorf("trade %s: invalid status %q", t.ID, t.Status)
	}
	return nil
}

// ComputePnL returns the realized PnL in quote currency for a USD-notional
// position: amount * (exit-entry)/entry, sign-flipped for shorts.
func ComputePnL(side OrderSide, entryPrice, exitPrice, amount float64) float64 {
	if entryPrice == 0 {
		return 0
	}
	pnl := amount * (exitPrice - entryPrice) / entryPrice
	if side == SideSell {
		pnl = -pnl
	}
	return pnl
}

// ClosedBy fills the exit fields and flips the record to closed.
func (t *TradeRecord) ClosedBy(exitPrice float64, at time.Time, reason ExitReason) {
	t.ExitPrice = exitPrice
	t.ExitTime = at
	t.ExitReason = reason
	t.PnL = ComputePnL(t.Side, t.EntryPrice, exitPrice, t.Amount)
	if t.Amount != 0 {
		t.PnLPercent = t.PnL / t.Amount * 100
	}
	t.Status = TradeClosed
}

// WorkerJobState tracks an orchestrator job through its lifetime.
type WorkerJobState string

const (
	JobQueued   WorkerJobState = "queued"
	JobStarting WorkerJobState = "starting"
	JobRunning  WorkerJobState = "running"
	JobStopping WorkerJobState = "stopping"
	JobStopped  WorkerJobState = "stopped"
	JobFailed   WorkerJobState = "failed"
)

// WorkerJob is a start-runner request queued for execution.
type WorkerJob struct {
	JobID        string             `json:"job_id"`
	UserID       string             `json:"user_id"`
	StrategyName string             `json:"strategy_name"`
	Instrument   string             `json:"instrument"`
	Broker       string             `json:"broker"`
	Config       map[string]float64 `json:"config,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	State        WorkerJobState     `json:"state"`
}

// Entitlement is the per-user concurrency budget. Tier is treated as an
// integer budget of concurrent workers by the core.
type Entitlement struct {
	UserID     string    `json:"user_id"`
	Tier       int       `json:"tier"`
	MaxWorkers int       `json:"max_workers"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the entitlement has lapsed.
func (e Entitlement) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}
