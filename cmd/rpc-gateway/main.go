// Command rpc-gateway runs the multi-tenant JSON-RPC gateway: the HTTP
// and WebSocket proxy surface, the weight refresher, and, when a
// database is configured, the exchange buy flow with its reconciliation
// loop.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chaingate/rpc-gateway/internal/analytics"
	"github.com/chaingate/rpc-gateway/internal/cache"
	"github.com/chaingate/rpc-gateway/internal/config"
	"github.com/chaingate/rpc-gateway/internal/exchange"
	"github.com/chaingate/rpc-gateway/internal/gate"
	"github.com/chaingate/rpc-gateway/internal/ledger"
	"github.com/chaingate/rpc-gateway/internal/provider"
	"github.com/chaingate/rpc-gateway/internal/proxy"
	"github.com/chaingate/rpc-gateway/internal/reconciler"
	"github.com/chaingate/rpc-gateway/internal/relay"
	"github.com/chaingate/rpc-gateway/internal/selector"
	"github.com/chaingate/rpc-gateway/internal/server"
	"github.com/chaingate/rpc-gateway/internal/weights"
)

const (
	maxAttempts     = 3
	shutdownTimeout = 15 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "rpc-gateway:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	registry, err := provider.NewRegistry(providers, logger)
	if err != nil {
		return err
	}

	table := weights.NewTable(registry.ChainIndex())
	avail := weights.NewAvailability(registry.ChainIndex(), nil)
	updater := weights.NewUpdater(table, avail, 0, logger)
	sel := selector.New(registry, table, maxAttempts)

	respCache, err := cache.New(0)
	if err != nil {
		return err
	}

	g, err := buildGate(cfg, logger)
	if err != nil {
		return err
	}

	flusher := analytics.NopFlusher()
	if cfg.AnalyticsPath != "" {
		ff, err := analytics.NewFileFlusher(cfg.AnalyticsPath)
		if err != nil {
			return err
		}
		defer ff.Close()
		flusher = ff
		logger.Info("analytics file enabled", zap.String("path", cfg.AnalyticsPath))
	}
	sink := analytics.New(flusher, 0, nil, logger)
	sinkCtx, stopSink := context.WithCancel(context.Background())
	defer stopSink()
	sink.Start(sinkCtx)

	engine := proxy.New(sel, registry, respCache, g, sink, avail, proxy.DefaultConfig(), nil, logger)
	rel := relay.New(sel, g, sink, nil, logger)

	exchanges := exchange.ByID(buildExchanges(cfg))

	var exchangeAPI *server.ExchangeAPI
	if cfg.PostgresURI != "" {
		pool, err := ledger.Connect(ctx, cfg.PostgresURI, int32(cfg.PostgresMaxConnections), logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		store := ledger.NewStore(pool, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}

		exchangeAPI = server.NewExchangeAPI(store, exchanges, g, logger)
		loop := reconciler.New(store, exchanges, sink, reconciler.Config{}, nil, logger)
		loop.Start(ctx)
		defer loop.Shutdown()
		logger.Info("exchange reconciliation enabled", zap.Int("exchanges", len(exchanges)))
	}

	srv := server.New(engine, rel, registry, exchangeAPI, nil, logger)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		updater.Start(gctx)
		return nil
	})
	group.Go(func() error {
		logger.Info("gateway listening", zap.String("addr", cfg.ListenAddr()))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = group.Wait()

	// Let the sink drain what the handlers already recorded.
	stopSink()
	sink.Wait()
	return err
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

// buildProviders assembles the vendor catalog from whichever credentials
// are present.
func buildProviders(cfg *config.Config) ([]*provider.Provider, error) {
	client := provider.NewHTTPClient()
	var out []*provider.Provider

	if cfg.InfuraProjectID != "" {
		out = append(out, provider.Infura(cfg.InfuraProjectID, client))
	}
	if cfg.PoktProjectID != "" {
		out = append(out, provider.Pokt(cfg.PoktProjectID, client))
	}
	if cfg.QuicknodeAPIToken != "" {
		out = append(out, provider.Quicknode(cfg.QuicknodeAPIToken, client))
	}
	if cfg.AllnodesAPIKey != "" {
		out = append(out, provider.Allnodes(cfg.AllnodesAPIKey, client))
	}
	if cfg.GetBlockAccessTokensJSON != "" {
		var tokens map[string]string
		if err := json.Unmarshal([]byte(cfg.GetBlockAccessTokensJSON), &tokens); err != nil {
			return nil, fmt.Errorf("getblock access tokens json: %w", err)
		}
		p, err := provider.GetBlock(tokens, client)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if cfg.GenericProvidersJSON != "" {
		generics, err := provider.ParseGenericProviders(cfg.GenericProvidersJSON, client)
		if err != nil {
			return nil, err
		}
		out = append(out, generics...)
	}

	if len(out) == 0 {
		return nil, errors.New("no providers configured")
	}
	return out, nil
}

func buildGate(cfg *config.Config, logger *zap.Logger) (*gate.Gate, error) {
	if cfg.DisableProjectValidation {
		logger.Warn("project validation disabled")
		return gate.New(nil, true, logger), nil
	}
	store, err := gate.ParseStaticProjects(cfg.ProjectsJSON)
	if err != nil {
		return nil, err
	}
	return gate.New(store, false, logger), nil
}

func buildExchanges(cfg *config.Config) []exchange.Exchange {
	var out []exchange.Exchange
	if cfg.CoinbaseAppID != "" {
		out = append(out, exchange.NewCoinbase(exchange.CoinbaseConfig{AppID: cfg.CoinbaseAppID}))
	}
	if cfg.BinanceMerchantCode != "" {
		out = append(out, exchange.NewBinance(exchange.BinanceConfig{
			MerchantCode: cfg.BinanceMerchantCode,
			APIKey:       cfg.BinanceAPIKey,
			APISecret:    cfg.BinanceAPISecret,
		}))
	}
	if cfg.EnableTestExchange {
		out = append(out, exchange.NewTestExchange())
	}
	return out
}
