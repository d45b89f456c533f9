// Package sim provides a deterministic in-memory lending market and swap
// venues for paper-mode deployments and engine tests. It reproduces the
// execution environment's all-or-nothing semantics through snapshots, so a
// failed workflow leaves every balance untouched.
package sim

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"levloop/native/leverage"
)

var (
	errPriceNotSet           = errors.New("sim market: price not set for asset")
	errRiskNotSet            = errors.New("sim market: risk parameters not set for asset")
	errInsufficientBalance   = errors.New("sim market: insufficient balance")
	errInsufficientLiquidity = errors.New("sim market: insufficient pool liquidity")
	errBorrowExceedsLTV      = errors.New("sim market: borrow exceeds ltv limit")
	errNoCollateral          = errors.New("sim market: insufficient collateral")
	errLoanNotSettled        = errors.New("sim market: flash loan not settled")
)

const (
	bpsDenominator = 10_000
	priceScale     = 100_000_000
)

var wad = big.NewInt(1_000_000_000_000_000_000)

type riskParams struct {
	ltvBps uint64
	liqBps uint64
}

// Market is an in-memory lending venue plus token ledger. It implements
// leverage.MarketClient and leverage.Funds for a single bound engine account.
type Market struct {
	mu          sync.Mutex
	addr        common.Address
	flashFeeBps uint64
	engine      common.Address

	prices     map[common.Address]*big.Int
	risk       map[common.Address]riskParams
	balances   map[common.Address]map[common.Address]*big.Int
	collateral map[common.Address]map[common.Address]*big.Int
	debt       map[common.Address]map[common.Address]*big.Int

	// Pool outflows of the loaned asset caused by borrows and withdrawals
	// inside an active flash-loan callback. Those outflows are legitimate and
	// lower the balance the settlement check expects.
	loanOpen    bool
	loanAsset   common.Address
	loanOutflow *big.Int
}

// NewMarket constructs an empty market. addr is the venue's own funds account;
// flashFeeBps is charged on every flash loan.
func NewMarket(addr common.Address, flashFeeBps uint64) *Market {
	return &Market{
		addr:        addr,
		flashFeeBps: flashFeeBps,
		prices:      make(map[common.Address]*big.Int),
		risk:        make(map[common.Address]riskParams),
		balances:    make(map[common.Address]map[common.Address]*big.Int),
		collateral:  make(map[common.Address]map[common.Address]*big.Int),
		debt:        make(map[common.Address]map[common.Address]*big.Int),
	}
}

// Addr returns the venue's funds account.
func (m *Market) Addr() common.Address { return m.addr }

// Bind names the engine account that supply, borrow and repay transact from.
func (m *Market) Bind(engine common.Address) {
	m.mu.Lock()
	m.engine = engine
	m.mu.Unlock()
}

// SetPrice fixes an asset's reference-unit price, scaled 1e8.
func (m *Market) SetPrice(asset common.Address, price *big.Int) {
	m.mu.Lock()
	m.prices[asset] = new(big.Int).Set(price)
	m.mu.Unlock()
}

// SetRiskParams fixes an asset's LTV and liquidation threshold in bps.
func (m *Market) SetRiskParams(asset common.Address, ltvBps, liquidationThresholdBps uint64) {
	m.mu.Lock()
	m.risk[asset] = riskParams{ltvBps: ltvBps, liqBps: liquidationThresholdBps}
	m.mu.Unlock()
}

// Mint seeds an account with a token balance.
func (m *Market) Mint(owner, asset common.Address, amount *big.Int) {
	m.mu.Lock()
	m.credit(owner, asset, amount)
	m.mu.Unlock()
}

// Transfer implements leverage.Funds.
func (m *Market) Transfer(asset, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errInsufficientBalance
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceOf(from, asset).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s of %s", errInsufficientBalance, amount, asset)
	}
	m.debit(from, asset, amount)
	m.credit(to, asset, amount)
	return nil
}

// Balance implements leverage.Funds.
func (m *Market) Balance(asset, owner common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balanceOf(owner, asset)), nil
}

// Price implements leverage.MarketClient.
func (m *Market) Price(asset common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.prices[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errPriceNotSet, asset)
	}
	return new(big.Int).Set(price), nil
}

// RiskParams implements leverage.MarketClient.
func (m *Market) RiskParams(asset common.Address) (uint64, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	params, ok := m.risk[asset]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", errRiskNotSet, asset)
	}
	return params.ltvBps, params.liqBps, nil
}

// AccountHealth implements leverage.MarketClient.
func (m *Market) AccountHealth(user common.Address) (leverage.AccountHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accountHealthLocked(user)
}

func (m *Market) accountHealthLocked(user common.Address) (leverage.AccountHealth, error) {
	collateralValue := big.NewInt(0)
	riskAdjusted := big.NewInt(0)
	borrowCapacity := big.NewInt(0)
	weightedLTV := big.NewInt(0)
	weightedLiq := big.NewInt(0)

	for asset, amount := range m.collateral[user] {
		if amount.Sign() == 0 {
			continue
		}
		value, err := m.valueLocked(asset, amount)
		if err != nil {
			return leverage.AccountHealth{}, err
		}
		params, ok := m.risk[asset]
		if !ok {
			return leverage.AccountHealth{}, fmt.Errorf("%w: %s", errRiskNotSet, asset)
		}
		collateralValue.Add(collateralValue, value)
		riskAdjusted.Add(riskAdjusted, mulBps(value, params.liqBps))
		borrowCapacity.Add(borrowCapacity, mulBps(value, params.ltvBps))
		weightedLTV.Add(weightedLTV, new(big.Int).Mul(value, new(big.Int).SetUint64(params.ltvBps)))
		weightedLiq.Add(weightedLiq, new(big.Int).Mul(value, new(big.Int).SetUint64(params.liqBps)))
	}

	debtValue := big.NewInt(0)
	for asset, amount := range m.debt[user] {
		if amount.Sign() == 0 {
			continue
		}
		value, err := m.valueLocked(asset, amount)
		if err != nil {
			return leverage.AccountHealth{}, err
		}
		debtValue.Add(debtValue, value)
	}

	health := leverage.AccountHealth{
		CollateralValue: collateralValue,
		DebtValue:       debtValue,
	}
	if collateralValue.Sign() > 0 {
		health.LTVBps = new(big.Int).Quo(weightedLTV, collateralValue).Uint64()
		health.LiquidationThresholdBps = new(big.Int).Quo(weightedLiq, collateralValue).Uint64()
	}
	available := new(big.Int).Sub(borrowCapacity, debtValue)
	if available.Sign() < 0 {
		available = big.NewInt(0)
	}
	health.AvailableBorrowValue = available
	if debtValue.Sign() > 0 {
		factor := new(big.Int).Mul(riskAdjusted, wad)
		factor.Quo(factor, debtValue)
		health.HealthFactor = factor
	}
	return health, nil
}

// Supply implements leverage.MarketClient: it moves funds from the bound
// engine account into the pool and books them as onBehalfOf's collateral.
func (m *Market) Supply(asset common.Address, amount *big.Int, onBehalfOf common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceOf(m.engine, asset).Cmp(amount) < 0 {
		return errInsufficientBalance
	}
	m.debit(m.engine, asset, amount)
	m.credit(m.addr, asset, amount)
	addEntry(m.collateral, onBehalfOf, asset, amount)
	return nil
}

// Borrow implements leverage.MarketClient, enforcing the LTV limit against
// onBehalfOf's collateral before releasing pool funds to the engine account.
func (m *Market) Borrow(asset common.Address, amount *big.Int, onBehalfOf common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, err := m.valueLocked(asset, amount)
	if err != nil {
		return err
	}
	health, err := m.accountHealthLocked(onBehalfOf)
	if err != nil {
		return err
	}
	if health.AvailableBorrowValue.Cmp(value) < 0 {
		return errBorrowExceedsLTV
	}
	if m.balanceOf(m.addr, asset).Cmp(amount) < 0 {
		return errInsufficientLiquidity
	}
	m.debit(m.addr, asset, amount)
	m.credit(m.engine, asset, amount)
	addEntry(m.debt, onBehalfOf, asset, amount)
	m.noteLoanOutflow(asset, amount)
	return nil
}

// Repay implements leverage.MarketClient; overpayment is clamped to the
// outstanding debt and the clamped amount returned.
func (m *Market) Repay(asset common.Address, amount *big.Int, onBehalfOf common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owed := entryOf(m.debt, onBehalfOf, asset)
	repaid := new(big.Int).Set(amount)
	if repaid.Cmp(owed) > 0 {
		repaid.Set(owed)
	}
	if repaid.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if m.balanceOf(m.engine, asset).Cmp(repaid) < 0 {
		return nil, errInsufficientBalance
	}
	m.debit(m.engine, asset, repaid)
	m.credit(m.addr, asset, repaid)
	subEntry(m.debt, onBehalfOf, asset, repaid)
	return repaid, nil
}

// Withdraw implements leverage.MarketClient. The resulting position must stay
// healthy, mirroring the live market's own check.
func (m *Market) Withdraw(asset common.Address, amount *big.Int, onBehalfOf, to common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := entryOf(m.collateral, onBehalfOf, asset)
	if held.Cmp(amount) < 0 {
		return nil, errNoCollateral
	}
	subEntry(m.collateral, onBehalfOf, asset, amount)
	health, err := m.accountHealthLocked(onBehalfOf)
	if err == nil && health.HealthFactor != nil && health.HealthFactor.Cmp(wad) < 0 {
		err = errBorrowExceedsLTV
	}
	if err != nil {
		addEntry(m.collateral, onBehalfOf, asset, amount)
		return nil, err
	}
	m.debit(m.addr, asset, amount)
	m.credit(to, asset, amount)
	m.noteLoanOutflow(asset, amount)
	return new(big.Int).Set(amount), nil
}

// Debt implements leverage.MarketClient.
func (m *Market) Debt(user, asset common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(entryOf(m.debt, user, asset)), nil
}

// FlashLoan implements leverage.MarketClient: it snapshots the whole ledger,
// credits the receiver, invokes the callback and verifies principal plus fee
// came back. Any failure restores the snapshot, giving the loan its
// all-or-nothing property.
func (m *Market) FlashLoan(receiver leverage.FlashBorrower, asset common.Address, amount *big.Int, ctx *leverage.FlashLoanContext) error {
	m.mu.Lock()
	if m.balanceOf(m.addr, asset).Cmp(amount) < 0 {
		m.mu.Unlock()
		return errInsufficientLiquidity
	}
	snap := m.snapshotLocked()
	fee := mulBps(amount, m.flashFeeBps)
	poolBefore := new(big.Int).Set(m.balanceOf(m.addr, asset))
	m.debit(m.addr, asset, amount)
	m.credit(m.engine, asset, amount)
	m.loanOpen = true
	m.loanAsset = asset
	m.loanOutflow = big.NewInt(0)
	m.mu.Unlock()

	err := receiver.HandleFlashLoan(m.addr, asset, amount, fee, ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	outflow := m.loanOutflow
	m.loanOpen = false
	m.loanOutflow = nil
	if err != nil {
		m.restoreLocked(snap)
		return err
	}
	// Borrows and withdrawals of the loaned asset inside the callback drained
	// the pool legitimately; settlement still owes principal plus fee on top.
	expected := new(big.Int).Add(poolBefore, fee)
	expected.Sub(expected, outflow)
	if m.balanceOf(m.addr, asset).Cmp(expected) < 0 {
		m.restoreLocked(snap)
		return errLoanNotSettled
	}
	return nil
}

func (m *Market) noteLoanOutflow(asset common.Address, amount *big.Int) {
	if m.loanOpen && asset == m.loanAsset {
		m.loanOutflow.Add(m.loanOutflow, amount)
	}
}

// Snapshot captures the full ledger state for later restoration.
func (m *Market) Snapshot() map[string]*big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Restore rewinds the ledger to a previously captured snapshot.
func (m *Market) Restore(snap map[string]*big.Int) {
	m.mu.Lock()
	m.restoreLocked(snap)
	m.mu.Unlock()
}

const (
	kindBalance    = "b"
	kindCollateral = "c"
	kindDebt       = "d"
)

func (m *Market) snapshotLocked() map[string]*big.Int {
	snap := make(map[string]*big.Int)
	dump := func(kind string, ledger map[common.Address]map[common.Address]*big.Int) {
		for owner, assets := range ledger {
			for asset, amount := range assets {
				snap[kind+owner.Hex()+asset.Hex()] = new(big.Int).Set(amount)
			}
		}
	}
	dump(kindBalance, m.balances)
	dump(kindCollateral, m.collateral)
	dump(kindDebt, m.debt)
	return snap
}

func (m *Market) restoreLocked(snap map[string]*big.Int) {
	m.balances = make(map[common.Address]map[common.Address]*big.Int)
	m.collateral = make(map[common.Address]map[common.Address]*big.Int)
	m.debt = make(map[common.Address]map[common.Address]*big.Int)
	for key, amount := range snap {
		kind := key[:1]
		owner := common.HexToAddress(key[1:43])
		asset := common.HexToAddress(key[43:])
		switch kind {
		case kindBalance:
			addEntry(m.balances, owner, asset, amount)
		case kindCollateral:
			addEntry(m.collateral, owner, asset, amount)
		case kindDebt:
			addEntry(m.debt, owner, asset, amount)
		}
	}
}

func (m *Market) valueLocked(asset common.Address, amount *big.Int) (*big.Int, error) {
	price, ok := m.prices[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errPriceNotSet, asset)
	}
	value := new(big.Int).Mul(amount, price)
	return value.Quo(value, big.NewInt(priceScale)), nil
}

func (m *Market) balanceOf(owner, asset common.Address) *big.Int {
	return entryOf(m.balances, owner, asset)
}

func (m *Market) credit(owner, asset common.Address, amount *big.Int) {
	addEntry(m.balances, owner, asset, amount)
}

func (m *Market) debit(owner, asset common.Address, amount *big.Int) {
	subEntry(m.balances, owner, asset, amount)
}

func entryOf(ledger map[common.Address]map[common.Address]*big.Int, owner, asset common.Address) *big.Int {
	if assets, ok := ledger[owner]; ok {
		if amount, ok := assets[asset]; ok {
			return amount
		}
	}
	return big.NewInt(0)
}

func addEntry(ledger map[common.Address]map[common.Address]*big.Int, owner, asset common.Address, amount *big.Int) {
	assets, ok := ledger[owner]
	if !ok {
		assets = make(map[common.Address]*big.Int)
		ledger[owner] = assets
	}
	current, ok := assets[asset]
	if !ok {
		current = big.NewInt(0)
		assets[asset] = current
	}
	current.Add(current, amount)
}

func subEntry(ledger map[common.Address]map[common.Address]*big.Int, owner, asset common.Address, amount *big.Int) {
	addEntry(ledger, owner, asset, new(big.Int).Neg(amount))
}

func mulBps(amount *big.Int, bps uint64) *big.Int {
	share := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return share.Quo(share, big.NewInt(bpsDenominator))
}

// Executor wraps a market snapshot around a workflow, supplying the
// environment-level atomicity the engine relies on.
type Executor struct {
	market *Market
}

// NewExecutor builds an executor bound to the market's ledger.
func NewExecutor(market *Market) *Executor {
	return &Executor{market: market}
}

// Execute implements leverage.Executor.
func (e *Executor) Execute(fn func() error) error {
	snap := e.market.Snapshot()
	if err := fn(); err != nil {
		e.market.Restore(snap)
		return err
	}
	return nil
}
