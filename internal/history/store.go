// Package history persists trade records and computes aggregate stats.
// Backends are pluggable: in-memory for tests, sqlite for production.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/eddiefleurent/schrute_futures/internal/models"
)

var (
	// ErrNotFound is returned when no record matches the given id.
	ErrNotFound = errors.New("trade record not found")
	// ErrDuplicateOpenTrade guards the single-open-trade invariant per
	// user+strategy+instrument.
	ErrDuplicateOpenTrade = errors.New("open trade already exists for strategy and instrument")
)

// Query filters and pages trade records. Zero values mean "any".
// Results are ordered newest-first by entry time.
type Query struct {
	UserID     string
	Strategy   string
	Instrument string
	Status     models.TradeStatus
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	SLOrderID  *string
	TPOrderID  *string
	EntryPrice *float64
	Amount     *float64
	StopLoss   *float64
	TakeProfit *float64
	ExitPrice  *float64
	ExitTime   *time.Time
	ExitReason *models.ExitReason
	PnL        *float64
	PnLPercent *float64
	Status     *models.TradeStatus
}

// Stats summarizes closed trades only; open records never count.
type Stats struct {
	Total    int     `json:"total"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	WinRate  float64 `json:"win_rate"`
	TotalPnL float64 `json:"total_pnl"`
	MeanPnL  float64 `json:"mean_pnl"`
	Best     float64 `json:"best"`
	Worst    float64 `json:"worst"`
	SLHits   int     `json:"sl_hits"`
	TPHits   int     `json:"tp_hits"`
}

// Store is the trade history port.
type Store interface {
	Add(ctx context.Context, rec models.TradeRecord) error
	Update(ctx context.Context, id string, p Patch) error
	Get(ctx context.Context, id string) (models.TradeRecord, error)
	Query(ctx context.Context, q Query) ([]models.TradeRecord, error)
	Stats(ctx context.Context, q Query) (Stats, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// apply folds a patch into a record.
func (p Patch) apply(rec *models.TradeRecord) {
	if p.SLOrderID != nil {
		rec.SLOrderID = *p.SLOrderID
	}
	if p.TPOrderID != nil {
		rec.TPOrderID = *p.TPOrderID
	}
	if p.EntryPrice != nil {
		rec.EntryPrice = *p.EntryPrice
	}
	if p.Amount != nil {
		rec.Amount = *p.Amount
	}
	if p.StopLoss != nil {
		rec.StopLoss = *p.StopLoss
	}
	if p.TakeProfit != nil {
		rec.TakeProfit = *p.TakeProfit
	}
	if p.ExitPrice != nil {
		rec.ExitPrice = *p.ExitPrice
	}
	if p.ExitTime != nil {
		rec.ExitTime = *p.ExitTime
	}
	if p.ExitReason != nil {
		rec.ExitReason = *p.ExitReason
	}
	if p.PnL != nil {
		rec.PnL = *p.PnL
	}
	if p.PnLPercent != nil {
		rec.PnLPercent = *p.PnLPercent
	}
	if p.Status != nil {
		rec.Status = *p.Status
	}
}

// matches reports whether a record satisfies the query filters.
func (q Query) matches(rec *models.TradeRecord) bool {
	if q.UserID != "" && rec.UserID != q.UserID {
		return false
	}
	if q.Strategy != "" && rec.StrategyName != q.Strategy {
		return false
	}
	if q.Instrument != "" && rec.Instrument != q.Instrument {
		return false
	}
	if q.Status != "" && rec.Status != q.Status {
		return false
	}
	if !q.From.IsZero() && rec.EntryTime.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && rec.EntryTime.After(q.To) {
		return false
	}
	return true
}

// statsOf aggregates closed records. Shared by both backends so the
// two stay numerically identical.
func statsOf(records []models.TradeRecord) Stats {
	var s Stats
	for i := range records {
		rec := &records[i]
		if rec.Status != models.TradeClosed {
			continue
		}
		s.Total++
		s.TotalPnL += rec.PnL
		if rec.PnL > 0 {
			s.Wins++
		} else if rec.PnL < 0 {
			s.Losses++
		}
		if s.Total == 1 || rec.PnL > s.Best {
			s.Best = rec.PnL
		}
		if s.Total == 1 || rec.PnL < s.Worst {
			s.Worst = rec.PnL
		}
		switch rec.ExitReason {
		case models.ExitStopLossHit:
			s.SLHits++
		case models.ExitTakeProfitHit:
			s.TPHits++
		}
	}
	if s.Total > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Total) * 100
		s.MeanPnL = s.TotalPnL / float64(s.Total)
	}
	return s
}
