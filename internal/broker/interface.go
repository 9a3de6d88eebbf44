// Package broker defines the uniform capability surface for a derivatives
// venue and the adapters that implement it.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/schrute_futures/internal/models"
)

// Credentials are the opaque per-user venue credentials. They arrive
// decrypted at connect time and are never logged.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// OrderRequest is a place-order call. Price is required for limit and
// take_limit, TriggerPrice for stop_market and take_limit trigger legs.
type OrderRequest struct {
	Instrument   string
	Side         models.OrderSide
	Type         models.OrderType
	Amount       float64
	Price        float64
	TriggerPrice float64
	ReduceOnly   bool
	PostOnly     bool
	Label        string
}

// Broker is the port the core trades through. Implementations must be
// safe for use by the single executor goroutine that owns the session;
// concurrent use across executors is disallowed.
type Broker interface {
	// Connect authenticates the session. Idempotent: at most one open
	// session per user; a second call on a live session is a no-op.
	Connect(ctx context.Context) error

	// Account and market data
	GetBalance(ctx context.Context, currency string) (models.Balance, error)
	GetInstrument(ctx context.Context, symbol string) (models.Instrument, error)
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error)
	LastTradePrice(ctx context.Context, symbol string) (float64, error)

	// SubscribeTicker streams ticks until ctx is cancelled. Delivery is
	// lossy but monotone in venue timestamp.
	SubscribeTicker(ctx context.Context, symbol string) (<-chan models.Tick, error)

	// Positions and orders
	GetPositions(ctx context.Context, currency string) ([]models.Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (models.Order, error)
	GetOrderState(ctx context.Context, orderID string) (models.OrderState, error)
	// CancelOrder is idempotent: cancelling an already-cancelled or
	// unknown order succeeds.
	CancelOrder(ctx context.Context, orderID string) error

	Close() error
}

// Factory builds a broker adapter for a provider name. Unknown providers
// get a fail-fast stub so misconfiguration surfaces at connect time
// instead of silently no-opping placements.
func New(provider string, creds Credentials, testnet bool, logger *logrus.Logger) Broker {
	switch provider {
	case "deriv", "":
		return NewDerivClient(creds, testnet, logger)
	default:
		return NewStub(provider)
	}
}

// CircuitBreakerSettings configures the breaker around a broker session.
type CircuitBreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
// so a flapping venue cannot hammer every executor tick.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure decorator satisfies the port at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// NewCircuitBreaker wraps broker with sensible defaults.
func NewCircuitBreaker(b Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerWithSettings(b, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerWithSettings wraps broker with custom settings.
func NewCircuitBreakerWithSettings(b Broker, logger *logrus.Logger, s CircuitBreakerSettings) *CircuitBreakerBroker {
	gb := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < s.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
					Warn("circuit breaker state changed")
			}
		},
	}
	return &CircuitBreakerBroker{broker: b, breaker: gobreaker.NewCircuitBreaker(gb)}
}

// execBreaker is a generic helper for breaker-wrapped calls.
func execBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := cb.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

func (c *CircuitBreakerBroker) Connect(ctx context.Context) error {
	_, err := execBreaker(c.breaker, func() (struct{}, error) { return struct{}{}, c.broker.Connect(ctx) })
	return err
}

func (c *CircuitBreakerBroker) GetBalance(ctx context.Context, currency string) (models.Balance, error) {
	return execBreaker(c.breaker, func() (models.Balance, error) { return c.broker.GetBalance(ctx, currency) })
}

func (c *CircuitBreakerBroker) GetInstrument(ctx context.Context, symbol string) (models.Instrument, error) {
	return execBreaker(c.breaker, func() (models.Instrument, error) { return c.broker.GetInstrument(ctx, symbol) })
}

func (c *CircuitBreakerBroker) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	return execBreaker(c.breaker, func() ([]models.Candle, error) {
		return c.broker.GetCandles(ctx, symbol, timeframe, limit)
	})
}

func (c *CircuitBreakerBroker) LastTradePrice(ctx context.Context, symbol string) (float64, error) {
	return execBreaker(c.breaker, func() (float64, error) { return c.broker.LastTradePrice(ctx, symbol) })
}

// SubscribeTicker is passed through unwrapped: the stream carries its own
// reconnect handling and a breaker around a long-lived subscription would
// trip on every quiet market.
func (c *CircuitBreakerBroker) SubscribeTicker(ctx context.Context, symbol string) (<-chan models.Tick, error) {
	return c.broker.SubscribeTicker(ctx, symbol)
}

func (c *CircuitBreakerBroker) GetPositions(ctx context.Context, currency string) ([]models.Position, error) {
	return execBreaker(c.breaker, func() ([]models.Position, error) { return c.broker.GetPositions(ctx, currency) })
}

func (c *CircuitBreakerBroker) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	return execBreaker(c.breaker, func() ([]models.Order, error) { return c.broker.GetOpenOrders(ctx, symbol) })
}

func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (models.Order, error) {
	return execBreaker(c.breaker, func() (models.Order, error) { return c.broker.PlaceOrder(ctx, req) })
}

func (c *CircuitBreakerBroker) GetOrderState(ctx context.Context, orderID string) (models.OrderState, error) {
	return execBreaker(c.breaker, func() (models.OrderState, error) { return c.broker.GetOrderState(ctx, orderID) })
}

func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execBreaker(c.breaker, func() (struct{}, error) { return struct{}{}, c.broker.CancelOrder(ctx, orderID) })
	return err
}

func (c *CircuitBreakerBroker) Close() error { return c.broker.Close() }
