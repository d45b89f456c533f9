package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the daemon's runtime configuration.
type Config struct {
	Engine EngineConfig `toml:"engine"`
	RPC    RPCConfig    `toml:"rpc"`
	Sim    SimConfig    `toml:"sim"`
}

// EngineConfig wires the leverage engine.
type EngineConfig struct {
	Market          string   `toml:"Market"`
	EngineAccount   string   `toml:"EngineAccount"`
	Operators       []string `toml:"Operators"`
	SafetyMarginBps uint64   `toml:"SafetyMarginBps"`
	MaxSlippageBps  uint64   `toml:"MaxSlippageBps"`
	Paused          bool     `toml:"Paused"`
}

// RPCConfig controls the HTTP listener.
type RPCConfig struct {
	Listen    string `toml:"Listen"`
	AuthToken string `toml:"AuthToken"`
}

// SimConfig seeds the paper-mode lending market and venues.
type SimConfig struct {
	FlashLoanFeeBps uint64      `toml:"FlashLoanFeeBps"`
	Assets          []SimAsset  `toml:"assets"`
	Pools           []SimPool   `toml:"pools"`
	Accounts        []SimCredit `toml:"accounts"`
}

// SimAsset declares an asset with its oracle price and risk parameters.
type SimAsset struct {
	Address                 string `toml:"Address"`
	Price                   string `toml:"Price"`
	LTVBps                  uint64 `toml:"LTVBps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
	PoolLiquidity           string `toml:"PoolLiquidity"`
}

// SimPool declares a swap pool on one of the venues.
type SimPool struct {
	ID       string `toml:"ID"`
	Venue    string `toml:"Venue"`
	Address  string `toml:"Address"`
	AssetA   string `toml:"AssetA"`
	AssetB   string `toml:"AssetB"`
	ReserveA string `toml:"ReserveA"`
	ReserveB string `toml:"ReserveB"`
	FeeBps   uint64 `toml:"FeeBps"`
}

// SimCredit seeds an account balance.
type SimCredit struct {
	Address string `toml:"Address"`
	Asset   string `toml:"Asset"`
	Amount  string `toml:"Amount"`
}

// Load reads the TOML configuration from disk and validates it.
func Load(path string) (Config, error) {
	cfg := Config{
		RPC: RPCConfig{Listen: ":8648"},
	}
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.RPC.Listen = strings.TrimSpace(cfg.RPC.Listen)
	if cfg.RPC.Listen == "" {
		cfg.RPC.Listen = ":8648"
	}
	cfg.RPC.AuthToken = strings.TrimSpace(cfg.RPC.AuthToken)
	cfg.Engine.Market = strings.TrimSpace(cfg.Engine.Market)
	cfg.Engine.EngineAccount = strings.TrimSpace(cfg.Engine.EngineAccount)
}

// Validate rejects configurations the daemon could not start with.
func (cfg Config) Validate() error {
	if cfg.Engine.Market == "" {
		return fmt.Errorf("engine: Market address required")
	}
	if cfg.Engine.EngineAccount == "" {
		return fmt.Errorf("engine: EngineAccount address required")
	}
	if cfg.Engine.SafetyMarginBps >= 10_000 {
		return fmt.Errorf("engine: SafetyMarginBps must be below 10000")
	}
	if cfg.Engine.MaxSlippageBps >= 10_000 {
		return fmt.Errorf("engine: MaxSlippageBps must be below 10000")
	}
	for i, pool := range cfg.Sim.Pools {
		switch pool.Venue {
		case "constProduct", "stableSwap":
		default:
			return fmt.Errorf("sim: pool %d has unknown venue %q", i, pool.Venue)
		}
	}
	return nil
}
