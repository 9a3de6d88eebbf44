// Package mock provides a scriptable in-memory broker for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/eddiefleurent/schrute_futures/internal/broker"
	"github.com/eddiefleurent/schrute_futures/internal/models"
)

// Broker is an in-memory implementation of the broker port. Tests script
// venue behavior through exported knobs: seeded balances, instruments,
// positions, and per-order-type failure injection.
type Broker struct {
	mu sync.Mutex

	ConnectErr error
	Balances   map[string]models.Balance
	Instrument models.Instrument
	Candles    []models.Candle
	LastPrice  float64

	// FillMarket makes market orders fill immediately at FillPrice
	// (or LastPrice when zero) and mutates the venue position.
	FillMarket bool
	FillPrice  float64

	// placeFailures holds the number of upcoming placements per order
	// type that fail with ErrOrderRejected.
	placeFailures map[models.OrderType]int
	// cancelFailures fails the next N cancels.
	cancelFailures int

	positions map[string]*models.Position
	orders    map[string]*models.Order
	states    map[string]*models.OrderState
	nextID    int

	Placed    []broker.OrderRequest
	Cancelled []string

	tickCh chan models.Tick
}

var _ broker.Broker = (*Broker)(nil)

// NewBroker returns an empty scriptable broker.
func NewBroker() *Broker {
	return &Broker{
		Balances:      make(map[string]models.Balance),
		placeFailures: make(map[models.OrderType]int),
		positions:     make(map[string]*models.Position),
		orders:        make(map[string]*models.Order),
		states:        make(map[string]*models.OrderState),
		tickCh:        make(chan models.Tick, 64),
	}
}

// FailNextPlace makes the next n placements of the given type fail.
func (b *Broker) FailNextPlace(t models.OrderType, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeFailures[t] = n
}

// FailNextCancel makes the next n cancels fail.
func (b *Broker) FailNextCancel(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelFailures = n
}

// SetPosition seeds a venue position. Size is signed.
func (b *Broker) SetPosition(instrument string, size, avgPrice float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size == 0 {
		delete(b.positions, instrument)
		return
	}
	b.positions[instrument] = &models.Position{
		InstrumentName: instrument,
		Size:           size,
		AveragePrice:   avgPrice,
		MarkPrice:      b.LastPrice,
	}
}

// ClearPosition removes the venue position, as after an SL/TP fill.
func (b *Broker) ClearPosition(instrument string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, instrument)
}

// SetOrderState overrides the reported state of an order, e.g. to
// simulate a trigger firing.
func (b *Broker) SetOrderState(orderID string, state models.OrderStatus, filled, avgPrice float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[orderID] = &models.OrderState{
		OrderID:      orderID,
		State:        state,
		FilledAmount: filled,
		AveragePrice: avgPrice,
	}
	if o, ok := b.orders[orderID]; ok {
		o.Status = state
	}
}

// PushTick delivers a tick to the active subscription.
func (b *Broker) PushTick(t models.Tick) {
	b.tickCh <- t
}

// OpenOrderCount reports how many orders are currently open.
func (b *Broker) OpenOrderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, o := range b.orders {
		if o.Status == models.OrderOpen {
			n++
		}
	}
	return n
}

func (b *Broker) Connect(context.Context) error { return b.ConnectErr }

func (b *Broker) GetBalance(_ context.Context, currency string) (models.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bal, ok := b.Balances[currency]
	if !ok {
		return models.Balance{Currency: currency}, nil
	}
	return bal, nil
}

func (b *Broker) GetInstrument(context.Context, string) (models.Instrument, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Instrument, nil
}

func (b *Broker) GetCandles(context.Context, string, string, int) ([]models.Candle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Candle, len(b.Candles))
	copy(out, b.Candles)
	return out, nil
}

func (b *Broker) LastTradePrice(context.Context, string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.LastPrice, nil
}

func (b *Broker) SubscribeTicker(ctx context.Context, _ string) (<-chan models.Tick, error) {
	return b.tickCh, nil
}

func (b *Broker) GetPositions(context.Context, string) ([]models.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (b *Broker) GetOpenOrders(_ context.Context, symbol string) ([]models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Order, 0)
	for _, o := range b.orders {
		if o.Status == models.OrderOpen && (symbol == "" || o.Instrument == symbol) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (b *Broker) PlaceOrder(_ context.Context, req broker.OrderRequest) (models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.Placed = append(b.Placed, req)

	if n := b.placeFailures[req.Type]; n > 0 {
		b.placeFailures[req.Type] = n - 1
		return models.Order{}, fmt.Errorf("%w: injected failure for %s", broker.ErrOrderRejected, req.Type)
	}

	b.nextID++
	id := fmt.Sprintf("ord-%d", b.nextID)
	order := &models.Order{
		ID:           id,
		Instrument:   req.Instrument,
		Side:         req.Side,
		Type:         req.Type,
		Amount:       req.Amount,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		ReduceOnly:   req.ReduceOnly,
		Status:       models.OrderOpen,
		Label:        req.Label,
	}
	state := &models.OrderState{OrderID: id, State: models.OrderOpen}

	if req.Type == models.OrderTypeMarket && b.FillMarket {
		price := b.FillPrice
		if price == 0 {
			price = b.LastPrice
		}
		order.Status = models.OrderFilled
		state.State = models.OrderFilled
		state.FilledAmount = req.Amount
		state.AveragePrice = price
		b.applyFill(req, price)
	}

	b.orders[id] = order
	b.states[id] = state
	return *order, nil
}

// applyFill mutates the venue position for a filled market order.
func (b *Broker) applyFill(req broker.OrderRequest, price float64) {
	delta := req.Amount
	if req.Side == models.SideSell {
		delta = -delta
	}
	pos, ok := b.positions[req.Instrument]
	if !ok {
		if req.ReduceOnly {
			return
		}
		b.positions[req.Instrument] = &models.Position{
			InstrumentName: req.Instrument,
			Size:           delta,
			AveragePrice:   price,
			MarkPrice:      price,
		}
		return
	}
	next := pos.Size + delta
	if req.ReduceOnly {
		// Reduce-only may never flip the sign.
		if (pos.Size > 0 && next < 0) || (pos.Size < 0 && next > 0) {
			next = 0
		}
	}
	if next == 0 {
		delete(b.positions, req.Instrument)
		return
	}
	pos.Size = next
}

func (b *Broker) GetOrderState(_ context.Context, orderID string) (models.OrderState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[orderID]
	if !ok {
		return models.OrderState{}, fmt.Errorf("%w: %s", broker.ErrOrderNotFound, orderID)
	}
	return *st, nil
}

func (b *Broker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelFailures > 0 {
		b.cancelFailures--
		return fmt.Errorf("%w: injected cancel failure", broker.ErrTransient)
	}
	b.Cancelled = append(b.Cancelled, orderID)
	if o, ok := b.orders[orderID]; ok && o.Status == models.OrderOpen {
		o.Status = models.OrderCancelled
		b.states[orderID].State = models.OrderCancelled
	}
	// Unknown or already-cancelled orders succeed: cancel is idempotent.
	return nil
}

func (b *Broker) Close() error { return nil }
