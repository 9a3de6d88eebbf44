package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_futures/internal/models"
	"github.com/eddiefleurent/schrute_futures/internal/retry"
)

const (
	derivLiveURL    = "https://api.deriv.exchange"
	derivTestnetURL = "https://testnet.deriv.exchange"
	derivLiveWS     = "wss://api.deriv.exchange/ws/v2"
	derivTestnetWS  = "wss://testnet.deriv.exchange/ws/v2"

	derivRequestTimeout = 30 * time.Second
	derivConnectTimeout = 10 * time.Second
	wsReconnectDelay    = 2 * time.Second
	tickBufferSize      = 64
)

// DerivClient is the production derivatives venue adapter. It speaks a
// JSON-RPC-over-HTTP dialect for account/order calls and a WebSocket
// channel subscription for ticker streams.
type DerivClient struct {
	http    *resty.Client
	wsURL   string
	creds   Credentials
	logger  *logrus.Logger
	testnet bool

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
	connected   bool
}

var _ Broker = (*DerivClient)(nil)

// NewDerivClient builds an adapter against the live or testnet endpoint.
func NewDerivClient(creds Credentials, testnet bool, logger *logrus.Logger) *DerivClient {
	base := derivLiveURL
	ws := derivLiveWS
	if testnet {
		base = derivTestnetURL
		ws = derivTestnetWS
	}
	if logger == nil {
		logger = logrus.New()
	}
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(derivRequestTimeout).
		SetHeader("Content-Type", "application/json")

	return &DerivClient{
		http:    client,
		wsURL:   ws,
		creds:   creds,
		logger:  logger,
		testnet: testnet,
	}
}

// rpcEnvelope is the venue's JSON-RPC response wrapper.
type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call performs one RPC and decodes result into out.
func (d *DerivClient) call(ctx context.Context, method string, params map[string]any, out any, private bool) error {
	req := d.http.R().SetContext(ctx)
	if private {
		token, err := d.token(ctx)
		if err != nil {
			return err
		}
		req.SetHeader("Authorization", "Bearer "+token)
	}
	for k, v := range params {
		req.SetQueryParam(k, fmt.Sprint(v))
	}

	resp, err := req.Get("/api/v2/" + method)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransient, method, err)
	}

	var env rpcEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if resp.IsError() || env.Error != nil {
		apiErr := &APIError{Status: resp.StatusCode()}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		} else {
			apiErr.Message = resp.Status()
		}
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

// callIdempotent retries transient failures of a side-effect-free RPC.
// Order placement never goes through here.
func (d *DerivClient) callIdempotent(ctx context.Context, method string, params map[string]any, out any, private bool) error {
	return retry.Do(ctx, retry.DefaultPolicy, IsTransient, func() error {
		return d.call(ctx, method, params, out, private)
	})
}

// token returns a valid access token, refreshing via client_credentials
// when missing or within a minute of expiry.
func (d *DerivClient) token(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.accessToken != "" && time.Until(d.tokenExpiry) > time.Minute {
		return d.accessToken, nil
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	authCtx, cancel := context.WithTimeout(ctx, derivConnectTimeout)
	defer cancel()

	resp, err := d.http.R().
		SetContext(authCtx).
		SetQueryParams(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     d.creds.ClientID,
			"client_secret": d.creds.ClientSecret,
		}).
		Get("/api/v2/public/auth")
	if err != nil {
		return "", fmt.Errorf("%w: auth: %v", ErrTransient, err)
	}
	var env rpcEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return "", fmt.Errorf("decoding auth response: %w", err)
	}
	if resp.IsError() || env.Error != nil {
		if resp.StatusCode() == 401 || resp.StatusCode() == 403 || (env.Error != nil && env.Error.Code == 13004) {
			return "", fmt.Errorf("%w: invalid credentials", ErrAuth)
		}
		return "", &APIError{Status: resp.StatusCode(), Message: resp.Status()}
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return "", fmt.Errorf("decoding auth result: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrAuth)
	}
	d.accessToken = result.AccessToken
	d.tokenExpiry = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	return d.accessToken, nil
}

// Connect authenticates the session. Idempotent: a second call on an
// authenticated session only revalidates the token.
func (d *DerivClient) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, derivConnectTimeout)
	defer cancel()
	if _, err := d.token(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

func (d *DerivClient) ensureConnected() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return ErrNotConnected
	}
	return nil
}

func (d *DerivClient) GetBalance(ctx context.Context, currency string) (models.Balance, error) {
	if err := d.ensureConnected(); err != nil {
		return models.Balance{}, err
	}
	var result struct {
		Currency       string  `json:"currency"`
		Equity         float64 `json:"equity"`
		AvailableFunds float64 `json:"available_funds"`
	}
	err := d.callIdempotent(ctx, "private/get_account_summary", map[string]any{"currency": currency}, &result, true)
	if err != nil {
		return models.Balance{}, err
	}
	return models.Balance{Currency: result.Currency, Equity: result.Equity, Available: result.AvailableFunds}, nil
}

func (d *DerivClient) GetInstrument(ctx context.Context, symbol string) (models.Instrument, error) {
	var result struct {
		InstrumentName string  `json:"instrument_name"`
		QuoteCurrency  string  `json:"quote_currency"`
		TickSize       float64 `json:"tick_size"`
		MinTradeAmount float64 `json:"min_trade_amount"`
		LotSize        float64 `json:"lot_size"`
		MaxLeverage    float64 `json:"max_leverage"`
		ContractSize   float64 `json:"contract_size"`
	}
	err := d.callIdempotent(ctx, "public/get_instrument", map[string]any{"instrument_name": symbol}, &result, false)
	if err != nil {
		return models.Instrument{}, err
	}
	return models.Instrument{
		Symbol:         result.InstrumentName,
		QuoteCurrency:  result.QuoteCurrency,
		TickSize:       result.TickSize,
		MinTradeAmount: result.MinTradeAmount,
		LotSize:        result.LotSize,
		MaxLeverage:    result.MaxLeverage,
		ContractSize:   result.ContractSize,
	}, nil
}

func (d *DerivClient) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	var result struct {
		Ticks  []int64   `json:"ticks"`
		Open   []float64 `json:"open"`
		High   []float64 `json:"high"`
		Low    []float64 `json:"low"`
		Close  []float64 `json:"close"`
		Volume []float64 `json:"volume"`
	}
	err := d.callIdempotent(ctx, "public/get_chart_data", map[string]any{
		"instrument_name": symbol,
		"resolution":      timeframe,
		"limit":           limit,
	}, &result, false)
	if err != nil {
		return nil, err
	}
	n := len(result.Ticks)
	candles := make([]models.Candle, 0, n)
	for i := 0; i < n; i++ {
		candles = append(candles, models.Candle{
			Time:   result.Ticks[i],
			Open:   result.Open[i],
			High:   result.High[i],
			Low:    result.Low[i],
			Close:  result.Close[i],
			Volume: result.Volume[i],
		})
	}
	// Venue returns newest-last already; keep the contract explicit.
	return candles, nil
}

func (d *DerivClient) LastTradePrice(ctx context.Context, symbol string) (float64, error) {
	var result struct {
		LastPrice float64 `json:"last_price"`
	}
	err := d.callIdempotent(ctx, "public/ticker", map[string]any{"instrument_name": symbol}, &result, false)
	if err != nil {
		return 0, err
	}
	return result.LastPrice, nil
}

func (d *DerivClient) GetPositions(ctx context.Context, currency string) ([]models.Position, error) {
	if err := d.ensureConnected(); err != nil {
		return nil, err
	}
	var result []struct {
		InstrumentName string  `json:"instrument_name"`
		Size           float64 `json:"size"`
		AveragePrice   float64 `json:"average_price"`
		MarkPrice      float64 `json:"mark_price"`
	}
	err := d.callIdempotent(ctx, "private/get_positions", map[string]any{"currency": currency, "kind": "future"}, &result, true)
	if err != nil {
		return nil, err
	}
	positions := make([]models.Position, 0, len(result))
	for _, p := range result {
		if p.Size == 0 {
			continue
		}
		positions = append(positions, models.Position{
			InstrumentName: p.InstrumentName,
			Size:           p.Size,
			AveragePrice:   p.AveragePrice,
			MarkPrice:      p.MarkPrice,
		})
	}
	return positions, nil
}

type derivOrder struct {
	OrderID      string  `json:"order_id"`
	Instrument   string  `json:"instrument_name"`
	Direction    string  `json:"direction"`
	OrderType    string  `json:"order_type"`
	Amount       float64 `json:"amount"`
	Price        float64 `json:"price"`
	TriggerPrice float64 `json:"trigger_price"`
	ReduceOnly   bool    `json:"reduce_only"`
	OrderState   string  `json:"order_state"`
	FilledAmount float64 `json:"filled_amount"`
	AveragePrice float64 `json:"average_price"`
	Label        string  `json:"label"`
}

func (o derivOrder) toModel() models.Order {
	return models.Order{
		ID:           o.OrderID,
		Instrument:   o.Instrument,
		Side:         models.OrderSide(o.Direction),
		Type:         models.OrderType(o.OrderType),
		Amount:       o.Amount,
		Price:        o.Price,
		TriggerPrice: o.TriggerPrice,
		ReduceOnly:   o.ReduceOnly,
		Status:       normalizeOrderState(o.OrderState),
		Label:        o.Label,
	}
}

// normalizeOrderState maps venue states onto the port's four states.
func normalizeOrderState(s string) models.OrderStatus {
	switch strings.ToLower(s) {
	case "open", "untriggered", "triggered", "pending":
		return models.OrderOpen
	case "filled":
		return models.OrderFilled
	case "cancelled", "canceled":
		return models.OrderCancelled
	case "rejected":
		return models.OrderRejected
	default:
		return models.OrderOpen
	}
}

func (d *DerivClient) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	if err := d.ensureConnected(); err != nil {
		return nil, err
	}
	var result []derivOrder
	err := d.callIdempotent(ctx, "private/get_open_orders_by_instrument", map[string]any{"instrument_name": symbol}, &result, true)
	if err != nil {
		return nil, err
	}
	orders := make([]models.Order, 0, len(result))
	for _, o := range result {
		orders = append(orders, o.toModel())
	}
	return orders, nil
}

func (d *DerivClient) PlaceOrder(ctx context.Context, req OrderRequest) (models.Order, error) {
	if err := d.ensureConnected(); err != nil {
		return models.Order{}, err
	}
	method := "private/buy"
	if req.Side == models.SideSell {
		method = "private/sell"
	}
	params := map[string]any{
		"instrument_name": req.Instrument,
		"amount":          req.Amount,
		"type":            string(req.Type),
		"reduce_only":     req.ReduceOnly,
	}
	if req.Price > 0 {
		params["price"] = req.Price
	}
	if req.TriggerPrice > 0 {
		params["trigger_price"] = req.TriggerPrice
		params["trigger"] = "mark_price"
	}
	if req.PostOnly {
		params["post_only"] = true
	}
	if req.Label != "" {
		params["label"] = req.Label
	}

	var result struct {
		Order derivOrder `json:"order"`
	}
	if err := d.call(ctx, method, params, &result, true); err != nil {
		var apiErr *APIError
		if asAPIError(err, &apiErr) && apiErr.Status == 400 {
			return models.Order{}, fmt.Errorf("%w: %s", ErrOrderRejected, apiErr.Message)
		}
		return models.Order{}, err
	}
	order := result.Order.toModel()
	if order.Status == models.OrderRejected {
		return order, fmt.Errorf("%w: %s", ErrOrderRejected, order.ID)
	}
	return order, nil
}

func (d *DerivClient) GetOrderState(ctx context.Context, orderID string) (models.OrderState, error) {
	if err := d.ensureConnected(); err != nil {
		return models.OrderState{}, err
	}
	var result derivOrder
	err := d.callIdempotent(ctx, "private/get_order_state", map[string]any{"order_id": orderID}, &result, true)
	if err != nil {
		return models.OrderState{}, err
	}
	return models.OrderState{
		OrderID:      result.OrderID,
		State:        normalizeOrderState(result.OrderState),
		FilledAmount: result.FilledAmount,
		AveragePrice: result.AveragePrice,
	}, nil
}

func (d *DerivClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := d.ensureConnected(); err != nil {
		return err
	}
	err := d.callIdempotent(ctx, "private/cancel", map[string]any{"order_id": orderID}, nil, true)
	if err != nil {
		// Already-gone orders keep cancel idempotent.
		var apiErr *APIError
		if asAPIError(err, &apiErr) && (apiErr.Code == 11044 || apiErr.Status == 404) {
			return nil
		}
		return err
	}
	return nil
}

// SubscribeTicker opens a WebSocket channel subscription and streams
// ticks until ctx is cancelled. The stream reconnects on transport
// failures; stale or out-of-order ticks are dropped so delivery stays
// monotone in venue timestamp. The channel buffer is bounded: when the
// consumer lags, the oldest buffered tick is discarded.
func (d *DerivClient) SubscribeTicker(ctx context.Context, symbol string) (<-chan models.Tick, error) {
	if err := d.ensureConnected(); err != nil {
		return nil, err
	}
	out := make(chan models.Tick, tickBufferSize)
	go d.runTickerStream(ctx, symbol, out)
	return out, nil
}

func (d *DerivClient) runTickerStream(ctx context.Context, symbol string, out chan models.Tick) {
	defer close(out)
	var lastTS int64

	for ctx.Err() == nil {
		if err := d.streamOnce(ctx, symbol, out, &lastTS); err != nil && ctx.Err() == nil {
			d.logger.WithError(err).WithField("instrument", symbol).Warn("ticker stream dropped, reconnecting")
			select {
			case <-time.After(wsReconnectDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *DerivClient) streamOnce(ctx context.Context, symbol string, out chan models.Tick, lastTS *int64) error {
	dialer := websocket.Dialer{HandshakeTimeout: derivConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, d.wsURL, nil)
	if err != nil {
		return fmt.Errorf("ws dial: %w", err)
	}
	defer conn.Close()

	sub := map[string]any{
		"method": "public/subscribe",
		"params": map[string]any{"channels": []string{"ticker." + symbol + ".100ms"}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("ws subscribe: %w", err)
	}

	// Unblock ReadMessage when the executor goes away.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		var msg struct {
			Params struct {
				Channel string `json:"channel"`
				Data    struct {
					InstrumentName string  `json:"instrument_name"`
					LastPrice      float64 `json:"last_price"`
					MarkPrice      float64 `json:"mark_price"`
					Timestamp      int64   `json:"timestamp"`
				} `json:"data"`
			} `json:"params"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ws read: %w", err)
		}
		data := msg.Params.Data
		if data.InstrumentName == "" || data.Timestamp <= *lastTS {
			continue
		}
		*lastTS = data.Timestamp
		tick := models.Tick{
			Instrument: data.InstrumentName,
			Price:      data.LastPrice,
			MarkPrice:  data.MarkPrice,
			Timestamp:  data.Timestamp,
		}
		select {
		case out <- tick:
		default:
			// Consumer lagging: drop the oldest buffered tick.
			select {
			case <-out:
			default:
			}
			select {
			case out <- tick:
			default:
			}
		}
	}
}

func (d *DerivClient) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.accessToken = ""
	return nil
}

// asAPIError is a small errors.As wrapper kept for call-site brevity.
func asAPIError(err error, target **APIError) bool {
	for err != nil {
		if e, ok := err.(*APIError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
