package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/schrute_futures/internal/auth"
	"github.com/eddiefleurent/schrute_futures/internal/config"
	"github.com/eddiefleurent/schrute_futures/internal/health"
	"github.com/eddiefleurent/schrute_futures/internal/history"
	"github.com/eddiefleurent/schrute_futures/internal/models"
	"github.com/eddiefleurent/schrute_futures/internal/orchestrator"
	_ "github.com/eddiefleurent/schrute_futures/internal/strategy"
)

// fakeRunners scripts the orchestrator surface.
type fakeRunners struct {
	startErr error
	stopErr  error
	statuses map[string]orchestrator.WorkerStatus
	started  []string
	stopped  []bool
}

func (f *fakeRunners) StartRunner(userID, strategyName, instrument, brokerName string, params map[string]float64) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, userID+"/"+strategyName+"/"+instrument)
	return "job-1", nil
}

func (f *fakeRunners) StopRunner(userID string, flatten bool) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, flatten)
	return nil
}

func (f *fakeRunners) Status(userID string) (orchestrator.WorkerStatus, error) {
	st, ok := f.statuses[userID]
	if !ok {
		return orchestrator.WorkerStatus{}, orchestrator.ErrNoRunner
	}
	return st, nil
}

func (f *fakeRunners) Workers() []orchestrator.WorkerStatus {
	out := make([]orchestrator.WorkerStatus, 0, len(f.statuses))
	for _, st := range f.statuses {
		out = append(out, st)
	}
	return out
}

type registryAdapter struct{ runners *fakeRunners }

func (r registryAdapter) Workers() []orchestrator.WorkerStatus { return r.runners.Workers() }
func (r registryAdapter) Remove(string) bool                   { return false }

type fixture struct {
	server  *Server
	ts      *httptest.Server
	runners *fakeRunners
	users   *auth.Store
	hist    *history.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	users, err := auth.NewStore(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { users.Close() })

	runners := &fakeRunners{statuses: make(map[string]orchestrator.WorkerStatus)}
	checker := health.NewChecker(registryAdapter{runners}, time.Second, logger)
	metrics := health.NewCollector(nil, nil, nil, nil)
	hist := history.NewMemoryStore()

	srv := NewServer(
		config.ServerConfig{ListenAddr: ":0", JWTSecret: "0123456789abcdef0123456789abcdef", WSConnsPerIP: 5},
		users, auth.NewIssuer("0123456789abcdef0123456789abcdef"),
		runners, hist, checker, metrics, logger,
	)

	f := &fixture{server: srv, runners: runners, users: users, hist: hist}
	f.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// registerAndLogin creates an account and returns its token and user id.
func (f *fixture) registerAndLogin(t *testing.T, username string) (token, userID string) {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/auth/register", "",
		map[string]string{"username": username, "password": "beet-farm-rules"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/auth/login", "",
		map[string]string{"username": username, "password": "beet-farm-rules"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Token string    `json:"token"`
		User  auth.User `json:"user"`
	}
	decodeBody(t, resp, &out)
	require.NotEmpty(t, out.Token)
	return out.Token, out.User.ID
}

func TestRegisterAndLoginFlow(t *testing.T) {
	f := newFixture(t)
	token, userID := f.registerAndLogin(t, "dwight")
	assert.NotEmpty(t, token)
	assert.NotEmpty(t, userID)

	// Duplicate username conflicts.
	resp := f.do(t, http.MethodPost, "/auth/register", "",
		map[string]string{"username": "dwight", "password": "beet-farm-rules"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Wrong password is unauthorized.
	resp = f.do(t, http.MethodPost, "/auth/login", "",
		map[string]string{"username": "dwight", "password": "nope-nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Unknown fields are rejected.
	resp = f.do(t, http.MethodPost, "/auth/register", "",
		map[string]string{"username": "jim", "password": "pranks4ever", "role": "admin"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStrategyEndpointsRequireAuth(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/strategy/start", "/strategy/stop"} {
		resp := f.do(t, http.MethodPost, path, "", map[string]string{})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		resp.Body.Close()
	}
	resp := f.do(t, http.MethodGet, "/strategy/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestStrategyStart(t *testing.T) {
	f := newFixture(t)
	token, userID := f.registerAndLogin(t, "dwight")

	resp := f.do(t, http.MethodPost, "/strategy/start", token, startRequest{
		StrategyName: "razor", Instrument: "BTC-USD-PERP",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out map[string]string
	decodeBody(t, resp, &out)
	assert.Equal(t, "job-1", out["job_id"])
	require.Len(t, f.runners.started, 1)
	assert.Equal(t, userID+"/razor/BTC-USD-PERP", f.runners.started[0])
}

func TestStrategyStartValidation(t *testing.T) {
	f := newFixture(t)
	token, _ := f.registerAndLogin(t, "dwight")

	tests := []struct {
		name string
		req  startRequest
		code int
	}{
		{"bad strategy name", startRequest{StrategyName: "has space", Instrument: "BTC-USD-PERP"}, http.StatusBadRequest},
		{"bad instrument", startRequest{StrategyName: "razor", Instrument: "btcusd"}, http.StatusBadRequest},
		{"unknown strategy", startRequest{StrategyName: "martingale", Instrument: "BTC-USD-PERP"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/strategy/start", token, tt.req)
			assert.Equal(t, tt.code, resp.StatusCode)
			resp.Body.Close()
		})
	}
}

func TestStrategyStartEntitlementConflict(t *testing.T) {
	f := newFixture(t)
	token, _ := f.registerAndLogin(t, "dwight")
	f.runners.startErr = fmt.Errorf("%w: 1 active, 1 allowed", orchestrator.ErrEntitlementExceeded)

	resp := f.do(t, http.MethodPost, "/strategy/start", token, startRequest{
		StrategyName: "razor", Instrument: "BTC-USD-PERP",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestStrategyStopAndStatus(t *testing.T) {
	f := newFixture(t)
	token, userID := f.registerAndLogin(t, "dwight")

	// No runner yet.
	resp := f.do(t, http.MethodGet, "/strategy/status", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	f.runners.statuses[userID] = orchestrator.WorkerStatus{
		JobID: "job-1", UserID: userID, StrategyName: "razor",
		State: models.JobRunning, Lifecycle: models.StatePositionOpen,
	}
	resp = f.do(t, http.MethodGet, "/strategy/status", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st orchestrator.WorkerStatus
	decodeBody(t, resp, &st)
	assert.Equal(t, models.StatePositionOpen, st.Lifecycle)

	resp = f.do(t, http.MethodPost, "/strategy/stop", token, stopRequest{Flatten: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.Len(t, f.runners.stopped, 1)
	assert.True(t, f.runners.stopped[0])

	f.runners.stopErr = orchestrator.ErrNoRunner
	resp = f.do(t, http.MethodPost, "/strategy/stop", token, stopRequest{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestTradeHistory(t *testing.T) {
	f := newFixture(t)
	token, userID := f.registerAndLogin(t, "dwight")

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		rec := models.TradeRecord{
			ID: fmt.Sprintf("t%d", i), UserID: userID, StrategyName: "razor",
			Instrument: "BTC-USD-PERP", Side: models.SideBuy,
			EntryPrice: 60000, Amount: 5000, EntryTime: base.Add(time.Duration(i) * time.Minute),
			Status: models.TradeOpen,
		}
		if i < 2 {
			rec.ClosedBy(60600, rec.EntryTime.Add(time.Minute), models.ExitTakeProfitHit)
		}
		require.NoError(t, f.hist.Add(context.Background(), rec))
	}

	resp := f.do(t, http.MethodGet, "/trades/history?limit=2", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Trades []models.TradeRecord `json:"trades"`
		Stats  history.Stats        `json:"stats"`
	}
	decodeBody(t, resp, &out)
	assert.Len(t, out.Trades, 2)
	assert.Equal(t, "t2", out.Trades[0].ID, "newest first")
	assert.Equal(t, 2, out.Stats.Total, "stats cover closed trades only")
	assert.Equal(t, 2, out.Stats.Wins)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st health.Status
	decodeBody(t, resp, &st)
	assert.Equal(t, "ok", st.Status)

	f.runners.statuses["u1"] = orchestrator.WorkerStatus{
		UserID: "u1", State: models.JobFailed, Lifecycle: models.StateError,
	}
	resp = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "schrute_uptime_seconds")
	assert.Contains(t, string(body), "schrute_trades_total 0")
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestWebsocketAnalysisFeed(t *testing.T) {
	f := newFixture(t)
	token, userID := f.registerAndLogin(t, "dwight")
	f.runners.statuses[userID] = orchestrator.WorkerStatus{
		UserID: userID, StrategyName: "razor", State: models.JobRunning,
		Lifecycle: models.StateAnalyzing,
	}

	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "/ws/analysis"), header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool { return f.server.hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	f.server.hub.Broadcast(StrategyUpdate{
		Type: "strategyUpdate", At: time.Now().UTC(), Workers: f.runners.Workers(),
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var update StrategyUpdate
	require.NoError(t, json.Unmarshal(data, &update))
	assert.Equal(t, "strategyUpdate", update.Type)
	require.Len(t, update.Workers, 1)
	assert.Equal(t, "razor", update.Workers[0].StrategyName)
}

func TestWebsocketRejectsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "/ws/analysis"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocketPerIPConnectionCap(t *testing.T) {
	f := newFixture(t)
	token, _ := f.registerAndLogin(t, "dwight")
	header := http.Header{"Authorization": {"Bearer " + token}}

	var conns []*websocket.Conn
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < 5; i++ {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "/ws/analysis"), header)
		require.NoError(t, err, "connection %d within the cap", i)
		if resp != nil {
			resp.Body.Close()
		}
		conns = append(conns, conn)
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts, "/ws/analysis"), header)
	require.Error(t, err, "sixth connection exceeds the per-IP cap")
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
