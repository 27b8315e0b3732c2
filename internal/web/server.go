// Package web exposes the HTTP surface: trade and balance endpoints plus
// the websocket subscriber endpoint feeding off the distribution hub.
package web

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vadiminshakov/stocksim/internal/services/hub"
	"github.com/vadiminshakov/stocksim/internal/services/settlement"
	"github.com/vadiminshakov/stocksim/internal/storage/ledger"
)

// Server wires the settlement engine, ledger reads and the hub into an
// HTTP server.
type Server struct {
	addr   string
	engine *settlement.Engine
	ledger *ledger.Ledger
	hub    *hub.Hub
	logger *zap.Logger
}

// NewServer creates a web server instance.
func NewServer(addr string, engine *settlement.Engine, l *ledger.Ledger, h *hub.Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		addr:   addr,
		engine: engine,
		ledger: l,
		hub:    h,
		logger: logger,
	}
}

// Router builds the chi router with all routes registered.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestLogging)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/trades/buy", s.handleBuy)
	r.Post("/trades/sell", s.handleSell)
	r.Post("/balance/deposit", s.handleDeposit)
	r.Post("/balance/withdraw", s.handleWithdraw)
	r.Get("/balance", s.handleBalance)
	r.Get("/holdings", s.handleHoldings)
	r.Get("/transactions", s.handleTransactions)

	r.Get("/ws", s.handleWS)

	return r
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestLogging logs each request's method, path, status and duration.
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Hijack is required for the websocket upgrade to work through the
// logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}
