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
	errUnknownPool   = errors.New("sim venue: unknown pool")
	errAssetMismatch = errors.New("sim venue: pool does not trade this pair")
)

// pool reserves are held as ledger balances of the pool's own address, so
// market snapshots roll swaps back together with everything else.
type pool struct {
	addr   common.Address
	assetA common.Address
	assetB common.Address
	feeBps uint64
}

func (p *pool) pair(assetIn, assetOut common.Address) bool {
	return (assetIn == p.assetA && assetOut == p.assetB) ||
		(assetIn == p.assetB && assetOut == p.assetA)
}

// ConstProductVenue is an x*y=k swap venue backed by the market ledger. It
// implements leverage.SwapRouter for constant-product routes.
type ConstProductVenue struct {
	mu     sync.Mutex
	market *Market
	trader common.Address
	pools  map[string]*pool
}

// NewConstProductVenue builds a venue whose swaps transact from the trader
// account (the engine).
func NewConstProductVenue(market *Market, trader common.Address) *ConstProductVenue {
	return &ConstProductVenue{market: market, trader: trader, pools: make(map[string]*pool)}
}

// AddPool registers a pool and seeds its reserves on the ledger.
func (v *ConstProductVenue) AddPool(id string, addr, assetA, assetB common.Address, reserveA, reserveB *big.Int, feeBps uint64) {
	v.mu.Lock()
	v.pools[id] = &pool{addr: addr, assetA: assetA, assetB: assetB, feeBps: feeBps}
	v.mu.Unlock()
	v.market.Mint(addr, assetA, reserveA)
	v.market.Mint(addr, assetB, reserveB)
}

// SwapExactIn implements leverage.SwapRouter.
func (v *ConstProductVenue) SwapExactIn(assetIn, assetOut common.Address, amountIn, amountOutMin *big.Int, route leverage.Route) (*big.Int, error) {
	if route.Venue != leverage.VenueConstProduct || route.ConstProduct == nil {
		return nil, fmt.Errorf("%w: constProduct route required", leverage.ErrInvalidParameter)
	}
	poolID := route.PoolID()
	v.mu.Lock()
	p, ok := v.pools[poolID]
	v.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownPool, poolID)
	}
	if !p.pair(assetIn, assetOut) {
		return nil, errAssetMismatch
	}

	reserveIn, err := v.market.Balance(assetIn, p.addr)
	if err != nil {
		return nil, err
	}
	reserveOut, err := v.market.Balance(assetOut, p.addr)
	if err != nil {
		return nil, err
	}

	inAfterFee := new(big.Int).Mul(amountIn, big.NewInt(bpsDenominator-int64(p.feeBps)))
	inAfterFee.Quo(inAfterFee, big.NewInt(bpsDenominator))
	denominator := new(big.Int).Add(reserveIn, inAfterFee)
	out := new(big.Int).Mul(reserveOut, inAfterFee)
	out.Quo(out, denominator)

	return v.execute(p, assetIn, assetOut, amountIn, out, amountOutMin)
}

func (v *ConstProductVenue) execute(p *pool, assetIn, assetOut common.Address, amountIn, out, amountOutMin *big.Int) (*big.Int, error) {
	if amountOutMin != nil && out.Cmp(amountOutMin) < 0 {
		return nil, fmt.Errorf("%w: got %s, want at least %s", leverage.ErrInsufficientOutput, out, amountOutMin)
	}
	if err := v.market.Transfer(assetIn, v.trader, p.addr, amountIn); err != nil {
		return nil, err
	}
	if err := v.market.Transfer(assetOut, p.addr, v.trader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// StableSwapVenue approximates an amplified stable pool with constant-sum
// pricing minus the pool fee. It implements leverage.SwapRouter for
// stable-swap routes.
type StableSwapVenue struct {
	mu     sync.Mutex
	market *Market
	trader common.Address
	pools  map[string]*pool
}

// NewStableSwapVenue builds a stable venue transacting from the trader account.
func NewStableSwapVenue(market *Market, trader common.Address) *StableSwapVenue {
	return &StableSwapVenue{market: market, trader: trader, pools: make(map[string]*pool)}
}

// AddPool registers a stable pool and seeds its reserves on the ledger.
func (v *StableSwapVenue) AddPool(id string, addr, assetA, assetB common.Address, reserveA, reserveB *big.Int, feeBps uint64) {
	v.mu.Lock()
	v.pools[id] = &pool{addr: addr, assetA: assetA, assetB: assetB, feeBps: feeBps}
	v.mu.Unlock()
	v.market.Mint(addr, assetA, reserveA)
	v.market.Mint(addr, assetB, reserveB)
}

// SwapExactIn implements leverage.SwapRouter.
func (v *StableSwapVenue) SwapExactIn(assetIn, assetOut common.Address, amountIn, amountOutMin *big.Int, route leverage.Route) (*big.Int, error) {
	if route.Venue != leverage.VenueStableSwap || route.StableSwap == nil {
		return nil, fmt.Errorf("%w: stableSwap route required", leverage.ErrInvalidParameter)
	}
	poolID := route.PoolID()
	v.mu.Lock()
	p, ok := v.pools[poolID]
	v.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownPool, poolID)
	}
	if !p.pair(assetIn, assetOut) {
		return nil, errAssetMismatch
	}

	out := new(big.Int).Mul(amountIn, big.NewInt(bpsDenominator-int64(p.feeBps)))
	out.Quo(out, big.NewInt(bpsDenominator))

	reserveOut, err := v.market.Balance(assetOut, p.addr)
	if err != nil {
		return nil, err
	}
	if reserveOut.Cmp(out) < 0 {
		return nil, errInsufficientLiquidity
	}
	if amountOutMin != nil && out.Cmp(amountOutMin) < 0 {
		return nil, fmt.Errorf("%w: got %s, want at least %s", leverage.ErrInsufficientOutput, out, amountOutMin)
	}
	if err := v.market.Transfer(assetIn, v.trader, p.addr, amountIn); err != nil {
		return nil, err
	}
	if err := v.market.Transfer(assetOut, p.addr, v.trader, out); err != nil {
		return nil, err
	}
	return out, nil
}
