package broker

import (
	"context"
	"fmt"

	"github.com/eddiefleurent/schrute_futures/internal/models"
)

// Stub is the adapter for venues that are declared but not implemented.
// It refuses to connect and errors on every call: a stub must never
// silently no-op an order placement, a cancel, or an emergency close.
type Stub struct {
	venue string
}

var _ Broker = (*Stub)(nil)

// NewStub returns a fail-fast adapter for the named venue.
func NewStub(venue string) *Stub {
	return &Stub{venue: venue}
}

func (s *Stub) err() error {
	return fmt.Errorf("%w: %s", ErrVenueNotImplemented, s.venue)
}

func (s *Stub) Connect(context.Context) error { return s.err() }

func (s *Stub) GetBalance(context.Context, string) (models.Balance, error) {
	return models.Balance{}, s.err()
}

func (s *Stub) GetInstrument(context.Context, string) (models.Instrument, error) {
	return models.Instrument{}, s.err()
}

func (s *Stub) GetCandles(context.Context, string, string, int) ([]models.Candle, error) {
	return nil, s.err()
}

func (s *Stub) LastTradePrice(context.Context, string) (float64, error) { return 0, s.err() }

func (s *Stub) SubscribeTicker(context.Context, string) (<-chan models.Tick, error) {
	return nil, s.err()
}

func (s *Stub) GetPositions(context.Context, string) ([]models.Position, error) {
	return nil, s.err()
}

func (s *Stub) GetOpenOrders(context.Context, string) ([]models.Order, error) { return nil, s.err() }

func (s *Stub) PlaceOrder(context.Context, OrderRequest) (models.Order, error) {
	return models.Order{}, s.err()
}

func (s *Stub) GetOrderState(context.Context, string) (models.OrderState, error) {
	return models.OrderState{}, s.err()
}

func (s *Stub) CancelOrder(context.Context, string) error { return s.err() }

func (s *Stub) Close() error { return nil }
