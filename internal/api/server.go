// Package api exposes the daemon over HTTP: account endpoints, strategy
// control, trade history, health, metrics, and a websocket analysis feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_futures/internal/auth"
	"github.com/eddiefleurent/schrute_futures/internal/config"
	"github.com/eddiefleurent/schrute_futures/internal/health"
	"github.com/eddiefleurent/schrute_futures/internal/history"
	"github.com/eddiefleurent/schrute_futures/internal/models"
	"github.com/eddiefleurent/schrute_futures/internal/orchestrator"
	"github.com/eddiefleurent/schrute_futures/internal/strategy"
)

const maxBodyBytes = 1 << 20

// Runners is the orchestrator surface the API drives.
type Runners interface {
	StartRunner(userID, strategyName, instrument, brokerName string, params map[string]float64) (string, error)
	StopRunner(userID string, flatten bool) error
	Status(userID string) (orchestrator.WorkerStatus, error)
	Workers() []orchestrator.WorkerStatus
}

// Server is the HTTP surface.
type Server struct {
	listenAddr string
	users      *auth.Store
	issuer     *auth.Issuer
	runners    Runners
	hist       history.Store
	checker    *health.Checker
	metrics    *health.Collector
	hub        *Hub
	logger     *logrus.Entry
	router     chi.Router
}

// NewServer wires the router. The hub must still be run (see Run).
func NewServer(cfg config.ServerConfig, users *auth.Store, issuer *auth.Issuer,
	runners Runners, hist history.Store, checker *health.Checker,
	metrics *health.Collector, logger *logrus.Logger) *Server {

	s := &Server{
		listenAddr: cfg.ListenAddr,
		users:      users,
		issuer:     issuer,
		runners:    runners,
		hist:       hist,
		checker:    checker,
		metrics:    metrics,
		hub:        NewHub(cfg.WSConnsPerIP, logger),
		logger:     logger.WithField("component", "api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Group(func(r chi.Router) {
		r.Use(s.issuer.Middleware)
		r.Post("/strategy/start", s.handleStrategyStart)
		r.Post("/strategy/stop", s.handleStrategyStop)
		r.Get("/strategy/status", s.handleStrategyStatus)
		r.Get("/trades/history", s.handleTradeHistory)
		r.Get("/ws/analysis", s.hub.HandleConnect)
	})
	return r
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves HTTP and broadcasts worker snapshots at 1Hz until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.broadcastLoop(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.logger.WithField("addr", s.listenAddr).Info("http server listening")
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		s.hub.CloseAll()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// broadcastLoop pushes a strategyUpdate message to every websocket
// client once per second.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.Broadcast(StrategyUpdate{
				Type:    "strategyUpdate",
				At:      time.Now().UTC(),
				Workers: s.runners.Workers(),
			})
		}
	}
}

// --- auth handlers ---

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	u, err := s.users.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			s.fail(w, http.StatusConflict, err.Error())
			return
		}
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respond(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	u, err := s.users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.fail(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.WithError(err).Error("login failed")
		s.fail(w, http.StatusInternalServerError, "internal error")
		return
	}
	token, err := s.issuer.Issue(u.ID, u.Username)
	if err != nil {
		s.logger.WithError(err).Error("token issuance failed")
		s.fail(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"token": token, "user": u})
}

// --- strategy handlers ---

type startRequest struct {
	StrategyName string             `json:"strategy_name"`
	Instrument   string             `json:"instrument"`
	Broker       string             `json:"broker,omitempty"`
	Params       map[string]float64 `json:"params,omitempty"`
}

func (s *Server) handleStrategyStart(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !config.ValidStrategyName(req.StrategyName) {
		s.fail(w, http.StatusBadRequest, "invalid strategy name")
		return
	}
	if !config.ValidInstrument(req.Instrument) {
		s.fail(w, http.StatusBadRequest, "invalid instrument symbol")
		return
	}
	if !knownStrategy(req.StrategyName) {
		s.fail(w, http.StatusNotFound, "unknown strategy")
		return
	}

	jobID, err := s.runners.StartRunner(userID, req.StrategyName, req.Instrument, req.Broker, req.Params)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrEntitlementExceeded):
			s.fail(w, http.StatusConflict, err.Error())
		case errors.Is(err, orchestrator.ErrQueueFull), errors.Is(err, orchestrator.ErrShuttingDown):
			s.fail(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.WithError(err).Error("start runner failed")
			s.fail(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

type stopRequest struct {
	Flatten bool `json:"flatten"`
}

func (s *Server) handleStrategyStop(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var req stopRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.runners.StopRunner(userID, req.Flatten); err != nil {
		if errors.Is(err, orchestrator.ErrNoRunner) {
			s.fail(w, http.StatusNotFound, "no active runner")
			return
		}
		s.logger.WithError(err).Error("stop runner failed")
		s.fail(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleStrategyStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	st, err := s.runners.Status(userID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoRunner) {
			s.fail(w, http.StatusNotFound, "no runner for user")
			return
		}
		s.logger.WithError(err).Error("status lookup failed")
		s.fail(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respond(w, http.StatusOK, st)
}

// --- history ---

func (s *Server) handleTradeHistory(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	q := history.Query{UserID: userID, Limit: 50}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v, 500); err == nil {
			q.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := parsePositiveInt(v, 1<<30); err == nil {
			q.Offset = n
		}
	}
	if v := r.URL.Query().Get("status"); v != "" {
		q.Status = models.TradeStatus(v)
	}
	if v := r.URL.Query().Get("strategy"); v != "" {
		q.Strategy = v
	}

	trades, err := s.hist.Query(r.Context(), q)
	if err != nil {
		s.logger.WithError(err).Error("history query failed")
		s.fail(w, http.StatusInternalServerError, "internal error")
		return
	}
	stats, err := s.hist.Stats(r.Context(), history.Query{UserID: userID, Strategy: q.Strategy})
	if err != nil {
		s.logger.WithError(err).Error("history stats failed")
		s.fail(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"trades": trades, "stats": stats})
}

// --- operational ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.checker.Check(s.metrics.Start())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	s.respond(w, code, status)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.Render(r.Context())))
}

// --- helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.fail(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}

func (s *Server) fail(w http.ResponseWriter, code int, msg string) {
	s.respond(w, code, map[string]string{"error": msg})
}

func knownStrategy(name string) bool {
	for _, n := range strategy.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func parsePositiveInt(v string, max int) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > max {
		return 0, errors.New("out of range")
	}
	return n, nil
}
