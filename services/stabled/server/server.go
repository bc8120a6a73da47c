// Package server exposes the settlement engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stablecore/core/events"
	"stablecore/native/stable"
	"stablecore/services/stabled/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	// SettlementWait bounds how long a settlement request blocks before it is
	// answered with 202 and a settlement id.
	SettlementWait time.Duration
	// BaseDecimals is the precision of the base asset.
	BaseDecimals uint8
	RateLimit    RateLimit
}

// Journal tracks settlements whose chains may outlive the request.
type Journal interface {
	CreateSettlement(ctx context.Context, kind storage.SettlementKind, account, recipient string, amount *big.Int) (storage.Settlement, error)
	CompleteSettlement(ctx context.Context, id string, result *big.Int, cause error) error
	Settlement(ctx context.Context, id string) (storage.Settlement, error)
}

// Server hosts the public and admin API of stabled.
type Server struct {
	cfg      Config
	engine   *stable.Engine
	journal  Journal
	auth     *Authenticator
	limiter  *RateLimiter
	recorder *events.Recorder
	health   func(context.Context) error
	logger   *slog.Logger
}

// Option customises the server.
type Option func(*Server)

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEventRecorder exposes recently emitted events on /v1/events.
func WithEventRecorder(r *events.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithHealthCheck makes /healthz report fn's result.
func WithHealthCheck(fn func(context.Context) error) Option {
	return func(s *Server) { s.health = fn }
}

// New constructs a new HTTP server.
func New(cfg Config, engine *stable.Engine, journal Journal, auth *Authenticator, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if journal == nil {
		return nil, fmt.Errorf("settlement journal required")
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if cfg.SettlementWait <= 0 {
		cfg.SettlementWait = 5 * time.Second
	}
	if cfg.BaseDecimals == 0 {
		cfg.BaseDecimals = 24
	}
	srv := &Server{
		cfg:     cfg,
		engine:  engine,
		journal: journal,
		auth:    auth,
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(srv)
		}
	}
	srv.logger = srv.logger.With("component", "stabled/server")
	return srv, nil
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(observe)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Use(s.limiter.Middleware("api"))

		r.Route("/v1", func(r chi.Router) {
			r.Post("/buy", s.handleBuy)
			r.Post("/sell", s.handleSell)
			r.Post("/liquidity", s.handleLiquidity)
			r.Get("/settlements/{id}", s.handleSettlement)
			r.Get("/rate", s.handleRate)
			r.Get("/spread", s.handleSpread)
			r.Get("/status", s.handleStatus)
			r.Get("/supply", s.handleSupply)
			r.Get("/balance/{account}", s.handleBalance)
			r.Get("/blacklist/{account}", s.handleBlacklistStatus)
			r.Get("/events", s.handleEvents)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Put("/spread", s.handleSetFixedSpread)
			r.Delete("/spread", s.handleSetAdaptiveSpread)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Put("/blacklist/{account}", s.handleBan)
			r.Delete("/blacklist/{account}", s.handleUnban)
			r.Post("/blacklist/{account}/destroy", s.handleDestroy)
			r.Post("/guardians", s.handleExtendGuardians)
			r.Delete("/guardians", s.handleRemoveGuardians)
		})
	})
	return otelhttp.NewHandler(r, "stabled")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "address", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "contract": s.engine.Status().String()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps an engine error onto its HTTP status.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "reason": stable.Reason(err)})
}

func errorStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, stable.ErrRefundFailed), errors.Is(err, stable.ErrTransferFailed),
		errors.Is(err, stable.ErrInsufficientDeposit), errors.Is(err, stable.ErrUnexpectedPoolToken):
		return http.StatusBadGateway
	case errors.Is(err, stable.ErrPaymentNotVerified), errors.Is(err, stable.ErrPaymentMismatch):
		return http.StatusPaymentRequired
	case errors.Is(err, stable.ErrPaymentUsed):
		return http.StatusConflict
	case errors.Is(err, stable.ErrUnauthorized), errors.Is(err, stable.ErrBanned), errors.Is(err, stable.ErrNotGuardian):
		return http.StatusForbidden
	case errors.Is(err, stable.ErrPaused), errors.Is(err, stable.ErrStalePriceFeed), errors.Is(err, stable.ErrInvalidPrice):
		return http.StatusServiceUnavailable
	case errors.Is(err, stable.ErrZeroInput), errors.Is(err, stable.ErrDepositRequired),
		errors.Is(err, stable.ErrBelowMinimumDeposit), errors.Is(err, stable.ErrSpreadTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, stable.ErrSlippageExceeded), errors.Is(err, stable.ErrZeroOutput),
		errors.Is(err, stable.ErrOverflow), errors.Is(err, stable.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, stable.ErrNotBanned), errors.Is(err, stable.ErrNoBalance):
		return http.StatusConflict
	case errors.Is(err, stable.ErrNotConfigured):
		return http.StatusNotImplemented
	case errors.Is(err, storage.ErrSettlementNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
