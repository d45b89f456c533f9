package leverage_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "levloop/native/common"
	"levloop/native/leverage"
	"levloop/native/leverage/sim"
)

var (
	marketAddr   = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	engineAddr   = common.HexToAddress("0x00000000000000000000000000000000000000E1")
	callerAddr   = common.HexToAddress("0x00000000000000000000000000000000000000CA")
	wethAddr     = common.HexToAddress("0x0000000000000000000000000000000000000C01")
	usdAddr      = common.HexToAddress("0x0000000000000000000000000000000000000B01")
	poolAddr     = common.HexToAddress("0x0000000000000000000000000000000000000F01")
	thinPoolAddr = common.HexToAddress("0x0000000000000000000000000000000000000F02")
)

func mustBig(t *testing.T, value string) *big.Int {
	t.Helper()
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		t.Fatalf("invalid big integer literal %q", value)
	}
	return parsed
}

type env struct {
	market *sim.Market
	amm    *sim.ConstProductVenue
	engine *leverage.Engine
}

// newEnv stands up a market where WETH trades at 2000 reference units with an
// 80% LTV, a deep constant-product pool priced at the oracle, and a caller
// holding one WETH of principal.
func newEnv(t *testing.T, flashFeeBps uint64, mutate func(*leverage.Config)) *env {
	t.Helper()

	market := sim.NewMarket(marketAddr, flashFeeBps)
	market.Bind(engineAddr)
	market.SetPrice(wethAddr, big.NewInt(200_000_000_000))
	market.SetPrice(usdAddr, big.NewInt(100_000_000))
	market.SetRiskParams(wethAddr, 8000, 8500)
	market.SetRiskParams(usdAddr, 7000, 7500)
	market.Mint(marketAddr, usdAddr, mustBig(t, "1000000000000000000000000"))
	market.Mint(marketAddr, wethAddr, mustBig(t, "1000000000000000000000"))
	market.Mint(callerAddr, wethAddr, mustBig(t, "1000000000000000000"))

	amm := sim.NewConstProductVenue(market, engineAddr)
	amm.AddPool("weth-usd", poolAddr, wethAddr, usdAddr,
		mustBig(t, "1000000000000000000000000"),
		mustBig(t, "2000000000000000000000000000"), 0)

	registry := leverage.NewRouterRegistry()
	registry.Register(leverage.VenueConstProduct, amm)

	cfg := leverage.Config{
		Market:         marketAddr,
		EngineAccount:  engineAddr,
		MaxSlippageBps: 100,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := leverage.NewEngine(cfg, market, registry, market)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	engine.SetExecutor(sim.NewExecutor(market))
	return &env{market: market, amm: amm, engine: engine}
}

func (e *env) openParams(t *testing.T) leverage.OpenParams {
	t.Helper()
	return leverage.OpenParams{
		CollateralAsset:  wethAddr,
		BorrowAsset:      usdAddr,
		CollateralAmount: mustBig(t, "1000000000000000000"),
		BorrowAmount:     mustBig(t, "1000000000000000000000"),
		MinHealthFactor:  mustBig(t, "2000000000000000000"),
		Leg: leverage.SwapLeg{
			Direction:    leverage.DirectionBorrowToCollateral,
			AmountOutMin: mustBig(t, "495000000000000000"),
			Route:        leverage.Route{Venue: leverage.VenueConstProduct, ConstProduct: &leverage.ConstProductRoute{PoolID: "weth-usd"}},
		},
	}
}

func (e *env) balance(t *testing.T, asset, owner common.Address) *big.Int {
	t.Helper()
	balance, err := e.market.Balance(asset, owner)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return balance
}

func (e *env) requireUntouched(t *testing.T) {
	t.Helper()
	if got := e.balance(t, wethAddr, callerAddr); got.Cmp(mustBig(t, "1000000000000000000")) != 0 {
		t.Fatalf("caller collateral disturbed, balance %s", got)
	}
	if debt, _ := e.market.Debt(callerAddr, usdAddr); debt.Sign() != 0 {
		t.Fatalf("caller acquired debt %s", debt)
	}
	if got := e.balance(t, usdAddr, marketAddr); got.Cmp(mustBig(t, "1000000000000000000000000")) != 0 {
		t.Fatalf("market liquidity disturbed, balance %s", got)
	}
	if got := e.balance(t, usdAddr, engineAddr); got.Sign() != 0 {
		t.Fatalf("engine retained %s borrow asset", got)
	}
	if got := e.balance(t, wethAddr, engineAddr); got.Sign() != 0 {
		t.Fatalf("engine retained %s collateral", got)
	}
}

func TestOpenLeversPosition(t *testing.T) {
	e := newEnv(t, 0, nil)

	if err := e.engine.Open(callerAddr, e.openParams(t)); err != nil {
		t.Fatalf("Open: %v", err)
	}

	debt, err := e.market.Debt(callerAddr, usdAddr)
	if err != nil {
		t.Fatalf("Debt: %v", err)
	}
	if want := mustBig(t, "1000000000000000000000"); debt.Cmp(want) != 0 {
		t.Fatalf("debt = %s, want %s", debt, want)
	}

	health, err := e.market.AccountHealth(callerAddr)
	if err != nil {
		t.Fatalf("AccountHealth: %v", err)
	}
	// Principal plus the swapped loan, within the 1% slippage allowance.
	if floor := mustBig(t, "2990000000000000000000"); health.CollateralValue.Cmp(floor) < 0 {
		t.Fatalf("collateral value %s below %s", health.CollateralValue, floor)
	}
	if health.HealthFactor == nil || health.HealthFactor.Cmp(mustBig(t, "2000000000000000000")) < 0 {
		t.Fatalf("health factor %s below requested minimum", health.HealthFactor)
	}

	// The engine holds nothing once the workflow returns.
	if got := e.balance(t, wethAddr, engineAddr); got.Sign() != 0 {
		t.Fatalf("engine retained %s collateral", got)
	}
	if got := e.balance(t, usdAddr, engineAddr); got.Sign() != 0 {
		t.Fatalf("engine retained %s borrow asset", got)
	}
	if got := e.balance(t, wethAddr, callerAddr); got.Sign() != 0 {
		t.Fatalf("caller kept %s unpulled collateral", got)
	}
	// The market is down exactly the borrowed principal.
	if want := mustBig(t, "999000000000000000000000"); e.balance(t, usdAddr, marketAddr).Cmp(want) != 0 {
		t.Fatalf("market liquidity = %s, want %s", e.balance(t, usdAddr, marketAddr), want)
	}
}

func TestCloseUnwindsPosition(t *testing.T) {
	e := newEnv(t, 0, nil)
	if err := e.engine.Open(callerAddr, e.openParams(t)); err != nil {
		t.Fatalf("Open: %v", err)
	}
	health, err := e.market.AccountHealth(callerAddr)
	if err != nil {
		t.Fatalf("AccountHealth: %v", err)
	}
	// WETH values divide evenly by the 2000 price, so this recovers the exact
	// collateral amount on the books.
	collateralAmount := new(big.Int).Quo(health.CollateralValue, big.NewInt(2000))

	swapIn := mustBig(t, "550000000000000000")
	err = e.engine.Close(callerAddr, leverage.CloseParams{
		CollateralAsset:  wethAddr,
		BorrowAsset:      usdAddr,
		CollateralAmount: collateralAmount,
		Leg: leverage.SwapLeg{
			Direction:    leverage.DirectionCollateralToBorrow,
			AmountIn:     swapIn,
			AmountOutMin: mustBig(t, "1089000000000000000000"),
			Route:        leverage.Route{Venue: leverage.VenueConstProduct, ConstProduct: &leverage.ConstProductRoute{PoolID: "weth-usd"}},
		},
	})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	if debt, _ := e.market.Debt(callerAddr, usdAddr); debt.Sign() != 0 {
		t.Fatalf("debt %s survived close", debt)
	}
	health, err = e.market.AccountHealth(callerAddr)
	if err != nil {
		t.Fatalf("AccountHealth: %v", err)
	}
	if health.CollateralValue.Sign() != 0 || health.DebtValue.Sign() != 0 {
		t.Fatalf("position survived close: collateral %s debt %s", health.CollateralValue, health.DebtValue)
	}

	// Unswapped flash-loaned collateral comes back to the caller exactly.
	wantWeth := new(big.Int).Sub(collateralAmount, swapIn)
	if got := e.balance(t, wethAddr, callerAddr); got.Cmp(wantWeth) != 0 {
		t.Fatalf("caller collateral residue = %s, want %s", got, wantWeth)
	}
	// Swap proceeds beyond the repaid debt come back too.
	if got := e.balance(t, usdAddr, callerAddr); got.Sign() <= 0 {
		t.Fatalf("caller borrow-asset residue = %s, want positive", got)
	}
	if got := e.balance(t, wethAddr, engineAddr); got.Sign() != 0 {
		t.Fatalf("engine retained %s collateral", got)
	}
	if got := e.balance(t, usdAddr, engineAddr); got.Sign() != 0 {
		t.Fatalf("engine retained %s borrow asset", got)
	}
}

func TestCloseSlippageLeavesPositionIntact(t *testing.T) {
	e := newEnv(t, 0, nil)
	if err := e.engine.Open(callerAddr, e.openParams(t)); err != nil {
		t.Fatalf("Open: %v", err)
	}
	before, err := e.market.AccountHealth(callerAddr)
	if err != nil {
		t.Fatalf("AccountHealth: %v", err)
	}
	debtBefore, _ := e.market.Debt(callerAddr, usdAddr)
	collateralAmount := new(big.Int).Quo(before.CollateralValue, big.NewInt(2000))

	// Two WETH of depth at the oracle price: the leg floor passes but swapping
	// half a WETH moves the pool well past the minimum output.
	e.amm.AddPool("weth-usd-thin", thinPoolAddr, wethAddr, usdAddr,
		mustBig(t, "2000000000000000000"),
		mustBig(t, "4000000000000000000000"), 0)

	err = e.engine.Close(callerAddr, leverage.CloseParams{
		CollateralAsset:  wethAddr,
		BorrowAsset:      usdAddr,
		CollateralAmount: collateralAmount,
		Leg: leverage.SwapLeg{
			Direction:    leverage.DirectionCollateralToBorrow,
			AmountIn:     mustBig(t, "550000000000000000"),
			AmountOutMin: mustBig(t, "1089000000000000000000"),
			Route:        leverage.Route{Venue: leverage.VenueConstProduct, ConstProduct: &leverage.ConstProductRoute{PoolID: "weth-usd-thin"}},
		},
	})
	if !errors.Is(err, leverage.ErrSlippageExceeded) {
		t.Fatalf("Close = %v, want ErrSlippageExceeded", err)
	}

	after, err := e.market.AccountHealth(callerAddr)
	if err != nil {
		t.Fatalf("AccountHealth: %v", err)
	}
	if after.CollateralValue.Cmp(before.CollateralValue) != 0 {
		t.Fatalf("collateral value changed: %s -> %s", before.CollateralValue, after.CollateralValue)
	}
	debtAfter, _ := e.market.Debt(callerAddr, usdAddr)
	if debtAfter.Cmp(debtBefore) != 0 {
		t.Fatalf("debt changed: %s -> %s", debtBefore, debtAfter)
	}
	if got := e.balance(t, wethAddr, engineAddr); got.Sign() != 0 {
		t.Fatalf("engine retained %s collateral", got)
	}
	if got := e.balance(t, usdAddr, engineAddr); got.Sign() != 0 {
		t.Fatalf("engine retained %s borrow asset", got)
	}
	if got := e.balance(t, wethAddr, callerAddr); got.Sign() != 0 {
		t.Fatalf("caller gained %s collateral from a failed close", got)
	}
}

func TestCloseSettlementShortfallRollsBack(t *testing.T) {
	e := newEnv(t, 10, nil)
	if err := e.engine.Open(callerAddr, e.openParams(t)); err != nil {
		t.Fatalf("Open: %v", err)
	}
	before, err := e.market.AccountHealth(callerAddr)
	if err != nil {
		t.Fatalf("AccountHealth: %v", err)
	}
	debtBefore, _ := e.market.Debt(callerAddr, usdAddr)
	collateralAmount := new(big.Int).Quo(before.CollateralValue, big.NewInt(2000))

	// The whole loaned collateral goes through the swap, so nothing is left to
	// cover the flash fee when the loan settles.
	floor, err := leverage.MinOutFromSlippage(collateralAmount, big.NewInt(200_000_000_000), 100)
	if err != nil {
		t.Fatalf("MinOutFromSlippage: %v", err)
	}
	err = e.engine.Close(callerAddr, leverage.CloseParams{
		CollateralAsset:  wethAddr,
		BorrowAsset:      usdAddr,
		CollateralAmount: collateralAmount,
		Leg: leverage.SwapLeg{
			Direction:    leverage.DirectionCollateralToBorrow,
			AmountIn:     collateralAmount,
			AmountOutMin: floor,
			Route:        leverage.Route{Venue: leverage.VenueConstProduct, ConstProduct: &leverage.ConstProductRoute{PoolID: "weth-usd"}},
		},
	})
	if !errors.Is(err, leverage.ErrFlashLoanSettlementFailed) {
		t.Fatalf("Close = %v, want ErrFlashLoanSettlementFailed", err)
	}

	after, err := e.market.AccountHealth(callerAddr)
	if err != nil {
		t.Fatalf("AccountHealth: %v", err)
	}
	if after.CollateralValue.Cmp(before.CollateralValue) != 0 {
		t.Fatalf("collateral value changed: %s -> %s", before.CollateralValue, after.CollateralValue)
	}
	debtAfter, _ := e.market.Debt(callerAddr, usdAddr)
	if debtAfter.Cmp(debtBefore) != 0 {
		t.Fatalf("debt changed: %s -> %s", debtBefore, debtAfter)
	}
	if got := e.balance(t, usdAddr, callerAddr); got.Sign() != 0 {
		t.Fatalf("caller gained %s borrow asset from a failed close", got)
	}
	if got := e.balance(t, wethAddr, engineAddr); got.Sign() != 0 {
		t.Fatalf("engine retained %s collateral", got)
	}
}

func TestOpenRejectsBorrowBeyondLTV(t *testing.T) {
	e := newEnv(t, 0, nil)
	params := e.openParams(t)
	// 1700 reference units against a 1600 limit.
	params.BorrowAmount = mustBig(t, "1700000000000000000000")
	params.Leg.AmountOutMin = mustBig(t, "841500000000000000")

	if err := e.engine.Open(callerAddr, params); !errors.Is(err, leverage.ErrInvalidParameter) {
		t.Fatalf("Open = %v, want ErrInvalidParameter", err)
	}
	e.requireUntouched(t)
}

func TestOpenSlippageRollsBack(t *testing.T) {
	e := newEnv(t, 0, nil)
	// A thin pool priced 5% off the oracle: the leg floor passes but execution
	// lands under the minimum output.
	e.amm.AddPool("weth-usd-thin", thinPoolAddr, wethAddr, usdAddr,
		mustBig(t, "1000000000000000000000"),
		mustBig(t, "2100000000000000000000000"), 0)
	params := e.openParams(t)
	params.Leg.Route.ConstProduct.PoolID = "weth-usd-thin"

	if err := e.engine.Open(callerAddr, params); !errors.Is(err, leverage.ErrSlippageExceeded) {
		t.Fatalf("Open = %v, want ErrSlippageExceeded", err)
	}
	e.requireUntouched(t)
}

func TestOpenHealthFactorBoundRollsBack(t *testing.T) {
	e := newEnv(t, 0, nil)
	params := e.openParams(t)
	params.MinHealthFactor = mustBig(t, "3000000000000000000")

	if err := e.engine.Open(callerAddr, params); !errors.Is(err, leverage.ErrHealthFactorTooLow) {
		t.Fatalf("Open = %v, want ErrHealthFactorTooLow", err)
	}
	// The flash loan settled cleanly; the rollback happens a layer further out.
	e.requireUntouched(t)
}

func TestOpenLegFloorRejectsLooseMinimum(t *testing.T) {
	e := newEnv(t, 0, nil)
	params := e.openParams(t)
	params.Leg.AmountOutMin = mustBig(t, "400000000000000000")

	if err := e.engine.Open(callerAddr, params); !errors.Is(err, leverage.ErrInvalidParameter) {
		t.Fatalf("Open = %v, want ErrInvalidParameter", err)
	}
	e.requireUntouched(t)
}

func TestOpenPaused(t *testing.T) {
	e := newEnv(t, 0, nil)
	e.engine.SetPauses(nativecommon.StaticPauses{"leverage": true})

	if err := e.engine.Open(callerAddr, e.openParams(t)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("Open = %v, want ErrModulePaused", err)
	}
}

func TestOpenUnauthorizedCaller(t *testing.T) {
	operator := common.HexToAddress("0x00000000000000000000000000000000000000DD")
	e := newEnv(t, 0, func(cfg *leverage.Config) {
		cfg.Operators = []common.Address{operator}
	})

	if err := e.engine.Open(callerAddr, e.openParams(t)); !errors.Is(err, leverage.ErrUnauthorized) {
		t.Fatalf("Open = %v, want ErrUnauthorized", err)
	}
}

func TestFlashLoanFeeBecomesDebt(t *testing.T) {
	e := newEnv(t, 10, nil)

	if err := e.engine.Open(callerAddr, e.openParams(t)); err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Principal plus the 10 bps flash fee is borrowed to settle.
	debt, _ := e.market.Debt(callerAddr, usdAddr)
	if want := mustBig(t, "1001000000000000000000"); debt.Cmp(want) != 0 {
		t.Fatalf("debt = %s, want %s", debt, want)
	}
}

func TestCallbackRequiresArmedWindow(t *testing.T) {
	e := newEnv(t, 0, nil)
	ctx := &leverage.FlashLoanContext{Phase: leverage.PhaseOpen, Caller: callerAddr}

	err := e.engine.HandleFlashLoan(marketAddr, usdAddr, big.NewInt(1), big.NewInt(0), ctx)
	if !errors.Is(err, leverage.ErrUnauthorizedCallback) {
		t.Fatalf("HandleFlashLoan = %v, want ErrUnauthorizedCallback", err)
	}
}

// venueSpoofingMarket relays the flash loan callback with a venue address the
// engine was not configured to trust.
type venueSpoofingMarket struct {
	*sim.Market
	venue common.Address
}

func (m *venueSpoofingMarket) FlashLoan(receiver leverage.FlashBorrower, asset common.Address, amount *big.Int, ctx *leverage.FlashLoanContext) error {
	return receiver.HandleFlashLoan(m.venue, asset, amount, big.NewInt(0), ctx)
}

func TestCallbackRejectsForeignVenue(t *testing.T) {
	e := newEnv(t, 0, nil)
	spoofed := &venueSpoofingMarket{
		Market: e.market,
		venue:  common.HexToAddress("0x000000000000000000000000000000000000F00D"),
	}
	registry := leverage.NewRouterRegistry()
	registry.Register(leverage.VenueConstProduct, e.amm)
	engine, err := leverage.NewEngine(leverage.Config{
		Market:         marketAddr,
		EngineAccount:  engineAddr,
		MaxSlippageBps: 100,
	}, spoofed, registry, e.market)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	engine.SetExecutor(sim.NewExecutor(e.market))

	if err := engine.Open(callerAddr, e.openParams(t)); !errors.Is(err, leverage.ErrUnauthorizedCallback) {
		t.Fatalf("Open = %v, want ErrUnauthorizedCallback", err)
	}
}

// reentrantRouter attempts a nested callback from inside the swap leg.
type reentrantRouter struct {
	engine *leverage.Engine
	venue  common.Address
}

func (r *reentrantRouter) SwapExactIn(assetIn, _ common.Address, amountIn, _ *big.Int, _ leverage.Route) (*big.Int, error) {
	if err := r.engine.HandleFlashLoan(r.venue, assetIn, amountIn, big.NewInt(0), nil); err != nil {
		return nil, err
	}
	return amountIn, nil
}

func TestCallbackRejectsReentry(t *testing.T) {
	e := newEnv(t, 0, nil)
	router := &reentrantRouter{venue: marketAddr}
	registry := leverage.NewRouterRegistry()
	registry.Register(leverage.VenueConstProduct, router)
	engine, err := leverage.NewEngine(leverage.Config{
		Market:         marketAddr,
		EngineAccount:  engineAddr,
		MaxSlippageBps: 100,
	}, e.market, registry, e.market)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	engine.SetExecutor(sim.NewExecutor(e.market))
	router.engine = engine

	if err := engine.Open(callerAddr, e.openParams(t)); !errors.Is(err, leverage.ErrUnauthorizedCallback) {
		t.Fatalf("Open = %v, want ErrUnauthorizedCallback", err)
	}
	e.requireUntouched(t)
}

// nestedOpenRouter retriggers Open from inside the swap leg.
type nestedOpenRouter struct {
	engine *leverage.Engine
	params leverage.OpenParams
}

func (r *nestedOpenRouter) SwapExactIn(_, _ common.Address, amountIn, _ *big.Int, _ leverage.Route) (*big.Int, error) {
	if err := r.engine.Open(callerAddr, r.params); err != nil {
		return nil, err
	}
	return amountIn, nil
}

func TestOpenWhileInFlight(t *testing.T) {
	e := newEnv(t, 0, nil)
	router := &nestedOpenRouter{}
	registry := leverage.NewRouterRegistry()
	registry.Register(leverage.VenueConstProduct, router)
	engine, err := leverage.NewEngine(leverage.Config{
		Market:         marketAddr,
		EngineAccount:  engineAddr,
		MaxSlippageBps: 100,
	}, e.market, registry, e.market)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	engine.SetExecutor(sim.NewExecutor(e.market))
	router.engine = engine
	router.params = e.openParams(t)

	if err := engine.Open(callerAddr, e.openParams(t)); !errors.Is(err, leverage.ErrOperationInFlight) {
		t.Fatalf("Open = %v, want ErrOperationInFlight", err)
	}
	e.requireUntouched(t)
}

func TestCloseRejectsMinimumBelowDebt(t *testing.T) {
	e := newEnv(t, 0, nil)
	if err := e.engine.Open(callerAddr, e.openParams(t)); err != nil {
		t.Fatalf("Open: %v", err)
	}

	err := e.engine.Close(callerAddr, leverage.CloseParams{
		CollateralAsset:  wethAddr,
		BorrowAsset:      usdAddr,
		CollateralAmount: mustBig(t, "1400000000000000000"),
		Leg: leverage.SwapLeg{
			Direction:    leverage.DirectionCollateralToBorrow,
			AmountIn:     mustBig(t, "550000000000000000"),
			AmountOutMin: mustBig(t, "999000000000000000000"),
			Route:        leverage.Route{Venue: leverage.VenueConstProduct, ConstProduct: &leverage.ConstProductRoute{PoolID: "weth-usd"}},
		},
	})
	if !errors.Is(err, leverage.ErrInvalidParameter) {
		t.Fatalf("Close = %v, want ErrInvalidParameter", err)
	}
}

func TestCloseWithoutDebt(t *testing.T) {
	e := newEnv(t, 0, nil)

	err := e.engine.Close(callerAddr, leverage.CloseParams{
		CollateralAsset:  wethAddr,
		BorrowAsset:      usdAddr,
		CollateralAmount: mustBig(t, "1000000000000000000"),
		Leg: leverage.SwapLeg{
			Direction:    leverage.DirectionCollateralToBorrow,
			AmountIn:     mustBig(t, "500000000000000000"),
			AmountOutMin: mustBig(t, "1000000000000000000000"),
			Route:        leverage.Route{Venue: leverage.VenueConstProduct, ConstProduct: &leverage.ConstProductRoute{PoolID: "weth-usd"}},
		},
	})
	if !errors.Is(err, leverage.ErrInvalidParameter) {
		t.Fatalf("Close = %v, want ErrInvalidParameter", err)
	}
}

func TestMaxFlashLoanQuote(t *testing.T) {
	e := newEnv(t, 0, nil)

	quote, err := e.engine.MaxFlashLoan(wethAddr, mustBig(t, "1000000000000000000"))
	if err != nil {
		t.Fatalf("MaxFlashLoan: %v", err)
	}
	if want := mustBig(t, "1600000000000000000000"); quote.MaxBorrowValue.Cmp(want) != 0 {
		t.Fatalf("MaxBorrowValue = %s, want %s", quote.MaxBorrowValue, want)
	}
	if quote.LTVBps != 8000 {
		t.Fatalf("LTVBps = %d, want 8000", quote.LTVBps)
	}
	if want := mustBig(t, "5000000000000000000"); quote.MaxLeverage.Cmp(want) != 0 {
		t.Fatalf("MaxLeverage = %s, want %s", quote.MaxLeverage, want)
	}
}

func TestMaxFlashLoanAppliesSafetyMargin(t *testing.T) {
	e := newEnv(t, 0, func(cfg *leverage.Config) {
		cfg.SafetyMarginBps = 500
	})

	quote, err := e.engine.MaxFlashLoan(wethAddr, mustBig(t, "1000000000000000000"))
	if err != nil {
		t.Fatalf("MaxFlashLoan: %v", err)
	}
	if quote.LTVBps != 7500 {
		t.Fatalf("effective LTVBps = %d, want 7500", quote.LTVBps)
	}
	if want := mustBig(t, "1500000000000000000000"); quote.MaxBorrowValue.Cmp(want) != 0 {
		t.Fatalf("MaxBorrowValue = %s, want %s", quote.MaxBorrowValue, want)
	}
	if want := mustBig(t, "4000000000000000000"); quote.MaxLeverage.Cmp(want) != 0 {
		t.Fatalf("MaxLeverage = %s, want %s", quote.MaxLeverage, want)
	}
}
