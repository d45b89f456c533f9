package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"levloop/config"
	nativecommon "levloop/native/common"
	"levloop/native/leverage"
	"levloop/native/leverage/sim"
	"levloop/observability/logging"
	"levloop/observability/otel"
	"levloop/rpc"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./config.toml", "path to levloopd config file")
	flag.Parse()

	env := os.Getenv("LEVLOOP_ENV")
	if env == "" {
		env = "development"
	}
	logger := logging.Setup("levloopd", env)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "levloopd",
			Environment: env,
			Endpoint:    endpoint,
			Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
			Headers:     otel.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		})
		if err != nil {
			logger.Error("otel init", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("otel shutdown", "error", err)
			}
		}()
	}

	engine, err := buildEngine(cfg)
	if err != nil {
		logger.Error("wire engine", "error", err)
		os.Exit(1)
	}

	server := rpc.NewServer(engine, cfg.RPC.AuthToken, logger)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Method(http.MethodPost, "/rpc", server.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.RPC.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rpc listening", "addr", cfg.RPC.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("rpc server", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
}

// buildEngine stands up the paper-mode market and venues described by the
// config and wires the leverage engine on top of them.
func buildEngine(cfg config.Config) (*leverage.Engine, error) {
	marketAddr, err := parseAddress("engine.Market", cfg.Engine.Market)
	if err != nil {
		return nil, err
	}
	engineAddr, err := parseAddress("engine.EngineAccount", cfg.Engine.EngineAccount)
	if err != nil {
		return nil, err
	}
	operators := make([]common.Address, 0, len(cfg.Engine.Operators))
	for i, raw := range cfg.Engine.Operators {
		addr, err := parseAddress(fmt.Sprintf("engine.Operators[%d]", i), raw)
		if err != nil {
			return nil, err
		}
		operators = append(operators, addr)
	}

	market := sim.NewMarket(marketAddr, cfg.Sim.FlashLoanFeeBps)
	market.Bind(engineAddr)

	for i, asset := range cfg.Sim.Assets {
		addr, err := parseAddress(fmt.Sprintf("sim.assets[%d].Address", i), asset.Address)
		if err != nil {
			return nil, err
		}
		price, err := parseAmount(fmt.Sprintf("sim.assets[%d].Price", i), asset.Price)
		if err != nil {
			return nil, err
		}
		market.SetPrice(addr, price)
		market.SetRiskParams(addr, asset.LTVBps, asset.LiquidationThresholdBps)
		if asset.PoolLiquidity != "" {
			liquidity, err := parseAmount(fmt.Sprintf("sim.assets[%d].PoolLiquidity", i), asset.PoolLiquidity)
			if err != nil {
				return nil, err
			}
			market.Mint(marketAddr, addr, liquidity)
		}
	}

	constProduct := sim.NewConstProductVenue(market, engineAddr)
	stableSwap := sim.NewStableSwapVenue(market, engineAddr)
	for i, p := range cfg.Sim.Pools {
		poolAddr, err := parseAddress(fmt.Sprintf("sim.pools[%d].Address", i), p.Address)
		if err != nil {
			return nil, err
		}
		assetA, err := parseAddress(fmt.Sprintf("sim.pools[%d].AssetA", i), p.AssetA)
		if err != nil {
			return nil, err
		}
		assetB, err := parseAddress(fmt.Sprintf("sim.pools[%d].AssetB", i), p.AssetB)
		if err != nil {
			return nil, err
		}
		reserveA, err := parseAmount(fmt.Sprintf("sim.pools[%d].ReserveA", i), p.ReserveA)
		if err != nil {
			return nil, err
		}
		reserveB, err := parseAmount(fmt.Sprintf("sim.pools[%d].ReserveB", i), p.ReserveB)
		if err != nil {
			return nil, err
		}
		switch p.Venue {
		case "constProduct":
			constProduct.AddPool(p.ID, poolAddr, assetA, assetB, reserveA, reserveB, p.FeeBps)
		case "stableSwap":
			stableSwap.AddPool(p.ID, poolAddr, assetA, assetB, reserveA, reserveB, p.FeeBps)
		}
	}

	for i, credit := range cfg.Sim.Accounts {
		owner, err := parseAddress(fmt.Sprintf("sim.accounts[%d].Address", i), credit.Address)
		if err != nil {
			return nil, err
		}
		asset, err := parseAddress(fmt.Sprintf("sim.accounts[%d].Asset", i), credit.Asset)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount(fmt.Sprintf("sim.accounts[%d].Amount", i), credit.Amount)
		if err != nil {
			return nil, err
		}
		market.Mint(owner, asset, amount)
	}

	registry := leverage.NewRouterRegistry()
	registry.Register(leverage.VenueConstProduct, constProduct)
	registry.Register(leverage.VenueStableSwap, stableSwap)

	engine, err := leverage.NewEngine(leverage.Config{
		Market:          marketAddr,
		EngineAccount:   engineAddr,
		Operators:       operators,
		SafetyMarginBps: cfg.Engine.SafetyMarginBps,
		MaxSlippageBps:  cfg.Engine.MaxSlippageBps,
	}, market, registry, market)
	if err != nil {
		return nil, err
	}
	engine.SetExecutor(sim.NewExecutor(market))
	if cfg.Engine.Paused {
		engine.SetPauses(nativecommon.StaticPauses{"leverage": true})
	}
	return engine, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, raw)
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", field, raw)
	}
	return amount, nil
}
