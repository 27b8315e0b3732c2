// Command stocksim runs the stock trading simulator: it ingests the
// external price stream, serves trade/balance endpoints and fans price
// updates out to websocket subscribers.
//
// Usage:
//
//	stocksim --config config.yaml
//	stocksim --listen :8080 --feed ws://feed:9000/prices --waldir ./wal/ledger
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vadiminshakov/stocksim/config"
	"github.com/vadiminshakov/stocksim/internal/services/feed"
	"github.com/vadiminshakov/stocksim/internal/services/hub"
	"github.com/vadiminshakov/stocksim/internal/services/pricecache"
	"github.com/vadiminshakov/stocksim/internal/services/settlement"
	"github.com/vadiminshakov/stocksim/internal/storage/ledger"
	"github.com/vadiminshakov/stocksim/internal/web"
)

func main() {
	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledgerStore, err := ledger.New(cfg.WalDir, logger, ledger.WithBusyTimeout(cfg.BusyTimeout))
	if err != nil {
		logger.Fatal("failed to open ledger", zap.Error(err))
	}
	defer ledgerStore.Close()

	cache := pricecache.New()
	distributor := hub.New(logger,
		hub.WithQueueDepth(cfg.HubQueueDepth),
		hub.WithDropLimit(cfg.HubDropLimit))

	engine := settlement.New(ledgerStore, cache, logger,
		settlement.WithMaxQuoteAge(cfg.QuoteMaxAge))

	feedClient := feed.New(cfg.FeedURL, cache, distributor, logger,
		feed.WithBackoff(cfg.ReconnectMin, cfg.ReconnectMax))
	go func() {
		if err := feedClient.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("price feed ingestion stopped", zap.Error(err))
		}
	}()

	server := web.NewServer(cfg.ListenAddr, engine, ledgerStore, distributor, logger)
	if err := server.Start(ctx); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}
