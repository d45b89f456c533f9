package leverage

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	nativecommon "levloop/native/common"
	"levloop/observability/metrics"
)

const moduleName = "leverage"

// MarketClient is the thin adapter the engine consumes against a lending
// venue. Amounts are denominated in the asset's smallest unit; prices come
// back in the market's reference unit scaled by 1e8.
type MarketClient interface {
	AccountHealth(user common.Address) (AccountHealth, error)
	RiskParams(asset common.Address) (ltvBps, liquidationThresholdBps uint64, err error)
	Price(asset common.Address) (*big.Int, error)
	Supply(asset common.Address, amount *big.Int, onBehalfOf common.Address) error
	Borrow(asset common.Address, amount *big.Int, onBehalfOf common.Address) error
	Repay(asset common.Address, amount *big.Int, onBehalfOf common.Address) (*big.Int, error)
	Withdraw(asset common.Address, amount *big.Int, onBehalfOf, to common.Address) (*big.Int, error)
	Debt(user, asset common.Address) (*big.Int, error)
	// FlashLoan credits the receiver with amount of asset, synchronously
	// invokes its callback and enforces repayment of principal plus fee before
	// returning. A failed callback or settlement reverts every state change
	// made inside the loan.
	FlashLoan(receiver FlashBorrower, asset common.Address, amount *big.Int, ctx *FlashLoanContext) error
}

// FlashBorrower receives the flash-loan callback from the lending venue.
type FlashBorrower interface {
	HandleFlashLoan(venue, asset common.Address, amount, fee *big.Int, ctx *FlashLoanContext) error
}

// SwapRouter executes an exact-input swap against a liquidity venue. It must
// fail with ErrInsufficientOutput when the output lands below amountOutMin.
type SwapRouter interface {
	SwapExactIn(assetIn, assetOut common.Address, amountIn, amountOutMin *big.Int, route Route) (*big.Int, error)
}

// Funds moves token balances between accounts on the execution environment.
type Funds interface {
	Transfer(asset, from, to common.Address, amount *big.Int) error
	Balance(asset, owner common.Address) (*big.Int, error)
}

// Executor provides the all-or-nothing execution scope an open or close runs
// inside. Implementations revert every external state change when the wrapped
// function returns an error.
type Executor interface {
	Execute(fn func() error) error
}

// NopExecutor runs the function directly, for environments that already
// guarantee atomicity around the engine's entry points.
type NopExecutor struct{}

// Execute implements Executor.
func (NopExecutor) Execute(fn func() error) error { return fn() }

// flashWindow is the in-progress flag guarding the callback. It exists from
// entry-point start to entry-point end; armed is only true while the flash
// loan request is outstanding.
type flashWindow struct {
	nonce   uuid.UUID
	caller  common.Address
	phase   Phase
	armed   bool
	entered bool
}

// Engine drives the open and close workflows for leveraged positions. All
// position state lives in the lending market; the engine only holds balances
// transiently inside a single call.
type Engine struct {
	cfg     Config
	market  MarketClient
	router  SwapRouter
	funds   Funds
	exec    Executor
	pauses  nativecommon.PauseView
	metrics *metrics.LeverageMetrics

	mu     sync.Mutex
	window *flashWindow
}

// NewEngine constructs an engine wired to its market, router and funds
// collaborators.
func NewEngine(cfg Config, market MarketClient, router SwapRouter, funds Funds) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if market == nil || router == nil || funds == nil {
		return nil, fmt.Errorf("%w: market, router and funds are required", ErrInvalidParameter)
	}
	return &Engine{
		cfg:     cfg,
		market:  market,
		router:  router,
		funds:   funds,
		exec:    NopExecutor{},
		metrics: metrics.Leverage(),
	}, nil
}

// SetExecutor overrides the execution scope used for open and close.
func (e *Engine) SetExecutor(exec Executor) {
	if e == nil || exec == nil {
		return
	}
	e.exec = exec
}

// SetPauses wires the module pause switchboard.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// Open levers a position up: it pulls the caller's collateral, flash-loans the
// borrow asset, swaps it into additional collateral inside the callback,
// supplies the total as lending-market collateral and borrows enough to settle
// the loan. The caller ends up holding market collateral and debt; the engine
// ends up holding nothing.
func (e *Engine) Open(caller common.Address, params OpenParams) error {
	if e == nil {
		return ErrInvalidParameter
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if !e.cfg.authorized(caller) {
		return ErrUnauthorized
	}
	if err := validateAssets(params.CollateralAsset, params.BorrowAsset); err != nil {
		return err
	}
	if err := validateAmount(params.CollateralAmount); err != nil {
		return err
	}
	if err := validateAmount(params.BorrowAmount); err != nil {
		return err
	}
	if params.Leg.Direction != DirectionBorrowToCollateral {
		return fmt.Errorf("%w: open leg must swap borrow asset into collateral", ErrInvalidParameter)
	}
	if err := params.Leg.Route.Validate(); err != nil {
		return err
	}

	collateralPrice, err := e.market.Price(params.CollateralAsset)
	if err != nil {
		return err
	}
	borrowPrice, err := e.market.Price(params.BorrowAsset)
	if err != nil {
		return err
	}
	if err := e.checkLegFloor(params.Leg, params.BorrowAmount, borrowPrice, collateralPrice); err != nil {
		return err
	}
	if err := e.checkBorrowBound(params, collateralPrice, borrowPrice); err != nil {
		return err
	}

	window, err := e.armWindow(caller, PhaseOpen)
	if err != nil {
		return err
	}
	defer e.clearWindow()

	return e.exec.Execute(func() error {
		if err := e.funds.Transfer(params.CollateralAsset, caller, e.cfg.EngineAccount, params.CollateralAmount); err != nil {
			return err
		}
		ctx := &FlashLoanContext{
			Phase:            PhaseOpen,
			Nonce:            window.nonce,
			Caller:           caller,
			CollateralAsset:  params.CollateralAsset,
			BorrowAsset:      params.BorrowAsset,
			CollateralAmount: new(big.Int).Set(params.CollateralAmount),
			Leg:              params.Leg.Clone(),
		}
		if err := e.requestFlashLoan(window, params.BorrowAsset, params.BorrowAmount, ctx); err != nil {
			return err
		}
		if err := e.checkHealth(caller, params.MinHealthFactor); err != nil {
			return err
		}
		return e.sweepResidue(caller, params.CollateralAsset, params.BorrowAsset)
	})
}

// Close unwinds a position: it flash-loans collateral, swaps part of it into
// the borrow asset inside the callback, repays the caller's full debt,
// withdraws their collateral to settle the loan and returns every leftover
// balance of both assets to the caller.
func (e *Engine) Close(caller common.Address, params CloseParams) error {
	if e == nil {
		return ErrInvalidParameter
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if !e.cfg.authorized(caller) {
		return ErrUnauthorized
	}
	if err := validateAssets(params.CollateralAsset, params.BorrowAsset); err != nil {
		return err
	}
	if err := validateAmount(params.CollateralAmount); err != nil {
		return err
	}
	if params.Leg.Direction != DirectionCollateralToBorrow {
		return fmt.Errorf("%w: close leg must swap collateral into borrow asset", ErrInvalidParameter)
	}
	if err := validateAmount(params.Leg.AmountIn); err != nil {
		return err
	}
	if params.Leg.AmountIn.Cmp(params.CollateralAmount) > 0 {
		return fmt.Errorf("%w: swap input exceeds flash-loaned collateral", ErrInvalidParameter)
	}
	if err := params.Leg.Route.Validate(); err != nil {
		return err
	}

	debt, err := e.market.Debt(caller, params.BorrowAsset)
	if err != nil {
		return err
	}
	if debt == nil || debt.Sign() == 0 {
		return fmt.Errorf("%w: no outstanding debt to unwind", ErrInvalidParameter)
	}
	if params.Leg.AmountOutMin == nil || params.Leg.AmountOutMin.Cmp(debt) < 0 {
		return fmt.Errorf("%w: swap minimum output does not cover the debt", ErrInvalidParameter)
	}

	collateralPrice, err := e.market.Price(params.CollateralAsset)
	if err != nil {
		return err
	}
	borrowPrice, err := e.market.Price(params.BorrowAsset)
	if err != nil {
		return err
	}
	if err := e.checkLegFloor(params.Leg, params.Leg.AmountIn, collateralPrice, borrowPrice); err != nil {
		return err
	}

	window, err := e.armWindow(caller, PhaseClose)
	if err != nil {
		return err
	}
	defer e.clearWindow()

	return e.exec.Execute(func() error {
		ctx := &FlashLoanContext{
			Phase:            PhaseClose,
			Nonce:            window.nonce,
			Caller:           caller,
			CollateralAsset:  params.CollateralAsset,
			BorrowAsset:      params.BorrowAsset,
			CollateralAmount: new(big.Int).Set(params.CollateralAmount),
			DebtAmount:       new(big.Int).Set(debt),
			Leg:              params.Leg.Clone(),
		}
		if err := e.requestFlashLoan(window, params.CollateralAsset, params.CollateralAmount, ctx); err != nil {
			return err
		}
		return e.sweepResidue(caller, params.CollateralAsset, params.BorrowAsset)
	})
}

// HandleFlashLoan is the single flash-loan callback. It is reachable by
// anything that can call the engine, so it authenticates the invoking venue
// and the armed in-progress window before touching funds.
func (e *Engine) HandleFlashLoan(venue, asset common.Address, amount, fee *big.Int, ctx *FlashLoanContext) error {
	if e == nil {
		return ErrUnauthorizedCallback
	}
	window, err := e.enterCallback(venue, ctx)
	if err != nil {
		return err
	}
	defer e.leaveCallback(window)

	if err := validateAmount(amount); err != nil {
		return err
	}
	if fee == nil || fee.Sign() < 0 {
		return fmt.Errorf("%w: negative flash-loan fee", ErrInvalidParameter)
	}

	switch ctx.Phase {
	case PhaseOpen:
		return e.openLeg(asset, amount, fee, ctx)
	case PhaseClose:
		return e.closeLeg(asset, amount, fee, ctx)
	default:
		return ErrUnauthorizedCallback
	}
}

// MaxFlashLoan quotes the largest flash loan the market's risk parameters
// permit against the supplied collateral, after the engine's safety margin.
func (e *Engine) MaxFlashLoan(collateralAsset common.Address, collateralAmount *big.Int) (MaxFlashLoanQuote, error) {
	if e == nil {
		return MaxFlashLoanQuote{}, ErrInvalidParameter
	}
	if err := validateAmount(collateralAmount); err != nil {
		return MaxFlashLoanQuote{}, err
	}
	price, err := e.market.Price(collateralAsset)
	if err != nil {
		return MaxFlashLoanQuote{}, err
	}
	ltvBps, _, err := e.market.RiskParams(collateralAsset)
	if err != nil {
		return MaxFlashLoanQuote{}, err
	}
	effective := e.effectiveLTV(ltvBps)
	maxBorrow, err := MaxBorrowValue(collateralAmount, price, effective)
	if err != nil {
		return MaxFlashLoanQuote{}, err
	}
	maxLeverage, err := MaxLeverageMultiple(effective)
	if err != nil {
		return MaxFlashLoanQuote{}, err
	}
	return MaxFlashLoanQuote{
		MaxBorrowValue: maxBorrow,
		Price:          price,
		LTVBps:         effective,
		MaxLeverage:    maxLeverage,
	}, nil
}

// Debt reports the user's live borrow-asset debt on the lending market.
func (e *Engine) Debt(user, asset common.Address) (*big.Int, error) {
	if e == nil {
		return nil, ErrInvalidParameter
	}
	return e.market.Debt(user, asset)
}

func (e *Engine) openLeg(asset common.Address, amount, fee *big.Int, ctx *FlashLoanContext) error {
	if asset != ctx.BorrowAsset {
		return ErrUnauthorizedCallback
	}
	swapOut, err := e.router.SwapExactIn(ctx.BorrowAsset, ctx.CollateralAsset, amount, ctx.Leg.AmountOutMin, ctx.Leg.Route)
	if err != nil {
		return mapRouterError(err)
	}
	e.observeSwapRatio(swapOut, ctx.Leg.AmountOutMin)

	supplyTotal := new(big.Int).Add(ctx.CollateralAmount, swapOut)
	if err := e.market.Supply(ctx.CollateralAsset, supplyTotal, ctx.Caller); err != nil {
		return err
	}

	owed := new(big.Int).Add(amount, fee)
	if err := e.market.Borrow(ctx.BorrowAsset, owed, ctx.Caller); err != nil {
		return err
	}
	return e.settle(ctx.BorrowAsset, owed)
}

func (e *Engine) closeLeg(asset common.Address, amount, fee *big.Int, ctx *FlashLoanContext) error {
	if asset != ctx.CollateralAsset {
		return ErrUnauthorizedCallback
	}
	// The swap runs first: the engine needs borrow asset in hand before it can
	// repay on the caller's behalf.
	swapOut, err := e.router.SwapExactIn(ctx.CollateralAsset, ctx.BorrowAsset, ctx.Leg.AmountIn, ctx.Leg.AmountOutMin, ctx.Leg.Route)
	if err != nil {
		return mapRouterError(err)
	}
	e.observeSwapRatio(swapOut, ctx.Leg.AmountOutMin)
	if swapOut.Cmp(ctx.DebtAmount) < 0 {
		return ErrSlippageExceeded
	}

	if _, err := e.market.Repay(ctx.BorrowAsset, ctx.DebtAmount, ctx.Caller); err != nil {
		return err
	}
	if _, err := e.market.Withdraw(ctx.CollateralAsset, ctx.CollateralAmount, ctx.Caller, e.cfg.EngineAccount); err != nil {
		return err
	}

	owed := new(big.Int).Add(amount, fee)
	return e.settle(ctx.CollateralAsset, owed)
}

// settle returns principal plus fee to the lending venue before the callback
// unwinds. The venue enforces receipt; this check just surfaces the shortfall
// as the engine's own error kind.
func (e *Engine) settle(asset common.Address, owed *big.Int) error {
	balance, err := e.funds.Balance(asset, e.cfg.EngineAccount)
	if err != nil {
		return err
	}
	if balance.Cmp(owed) < 0 {
		return ErrFlashLoanSettlementFailed
	}
	return e.funds.Transfer(asset, e.cfg.EngineAccount, e.cfg.Market, owed)
}

// sweepResidue pushes any engine-held balance of the position's assets back to
// the caller, preserving the zero-residue invariant. Borrow-asset dust from
// the close swap is returned rather than retained.
func (e *Engine) sweepResidue(caller common.Address, assets ...common.Address) error {
	for _, asset := range assets {
		balance, err := e.funds.Balance(asset, e.cfg.EngineAccount)
		if err != nil {
			return err
		}
		if balance.Sign() == 0 {
			continue
		}
		if err := e.funds.Transfer(asset, e.cfg.EngineAccount, caller, balance); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) checkHealth(caller common.Address, minHealthFactor *big.Int) error {
	if minHealthFactor == nil || minHealthFactor.Sign() == 0 {
		return nil
	}
	health, err := e.market.AccountHealth(caller)
	if err != nil {
		return err
	}
	// A nil health factor means the account carries no debt.
	if health.HealthFactor == nil {
		return nil
	}
	if health.HealthFactor.Cmp(minHealthFactor) < 0 {
		return ErrHealthFactorTooLow
	}
	return nil
}

// checkLegFloor rejects swap legs whose caller-chosen minimum output is looser
// than the engine's slippage cap relative to the oracle price.
func (e *Engine) checkLegFloor(leg SwapLeg, amountIn, inPrice, outPrice *big.Int) error {
	if leg.AmountOutMin == nil || leg.AmountOutMin.Sign() <= 0 {
		return fmt.Errorf("%w: swap leg requires a minimum output", ErrInvalidParameter)
	}
	cross, err := CrossPrice(inPrice, outPrice)
	if err != nil {
		return err
	}
	floor, err := MinOutFromSlippage(amountIn, cross, e.cfg.MaxSlippageBps)
	if err != nil {
		return err
	}
	if leg.AmountOutMin.Cmp(floor) < 0 {
		return fmt.Errorf("%w: swap leg minimum output below slippage floor", ErrInvalidParameter)
	}
	return nil
}

func (e *Engine) checkBorrowBound(params OpenParams, collateralPrice, borrowPrice *big.Int) error {
	ltvBps, _, err := e.market.RiskParams(params.CollateralAsset)
	if err != nil {
		return err
	}
	maxBorrow, err := MaxBorrowValue(params.CollateralAmount, collateralPrice, e.effectiveLTV(ltvBps))
	if err != nil {
		return err
	}
	borrowValue, err := AssetValue(params.BorrowAmount, borrowPrice)
	if err != nil {
		return err
	}
	if borrowValue.Cmp(maxBorrow) > 0 {
		return fmt.Errorf("%w: borrow amount exceeds the LTV limit", ErrInvalidParameter)
	}
	return nil
}

func (e *Engine) effectiveLTV(ltvBps uint64) uint64 {
	if e.cfg.SafetyMarginBps >= ltvBps {
		return 0
	}
	return ltvBps - e.cfg.SafetyMarginBps
}

func (e *Engine) armWindow(caller common.Address, phase Phase) (*flashWindow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.window != nil {
		return nil, ErrOperationInFlight
	}
	window := &flashWindow{nonce: uuid.New(), caller: caller, phase: phase}
	e.window = window
	return window, nil
}

func (e *Engine) clearWindow() {
	e.mu.Lock()
	e.window = nil
	e.mu.Unlock()
}

// requestFlashLoan marks the window armed only while the loan request is
// outstanding, per the callback authentication contract.
func (e *Engine) requestFlashLoan(window *flashWindow, asset common.Address, amount *big.Int, ctx *FlashLoanContext) error {
	e.mu.Lock()
	window.armed = true
	e.mu.Unlock()
	err := e.market.FlashLoan(e, asset, amount, ctx)
	e.mu.Lock()
	window.armed = false
	e.mu.Unlock()
	if err == nil {
		volume, _ := new(big.Float).SetInt(amount).Float64()
		e.metrics.AddFlashLoanVolume(asset.Hex(), volume)
	}
	return err
}

func (e *Engine) enterCallback(venue common.Address, ctx *FlashLoanContext) (*flashWindow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	window := e.window
	if window == nil || !window.armed || window.entered {
		e.metrics.ObserveCallbackRejection()
		return nil, ErrUnauthorizedCallback
	}
	if venue != e.cfg.Market {
		e.metrics.ObserveCallbackRejection()
		return nil, ErrUnauthorizedCallback
	}
	if ctx == nil || ctx.Nonce != window.nonce || ctx.Phase != window.phase || ctx.Caller != window.caller {
		e.metrics.ObserveCallbackRejection()
		return nil, ErrUnauthorizedCallback
	}
	window.entered = true
	return window, nil
}

func (e *Engine) leaveCallback(window *flashWindow) {
	e.mu.Lock()
	window.entered = false
	e.mu.Unlock()
}

func (e *Engine) observeSwapRatio(out, minOut *big.Int) {
	if out == nil || minOut == nil || minOut.Sign() <= 0 {
		return
	}
	ratio, _ := new(big.Float).Quo(new(big.Float).SetInt(out), new(big.Float).SetInt(minOut)).Float64()
	e.metrics.ObserveSwapOutputRatio(ratio)
}

func mapRouterError(err error) error {
	if errors.Is(err, ErrInsufficientOutput) {
		return ErrSlippageExceeded
	}
	return err
}

func validateAssets(collateral, borrow common.Address) error {
	if collateral == (common.Address{}) || borrow == (common.Address{}) {
		return fmt.Errorf("%w: asset addresses required", ErrInvalidParameter)
	}
	if collateral == borrow {
		return fmt.Errorf("%w: collateral and borrow asset must differ", ErrInvalidParameter)
	}
	return nil
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidParameter)
	}
	return nil
}
