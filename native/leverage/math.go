package leverage

import (
	"math/big"

	"github.com/holiman/uint256"
)

const bpsDenominator = 10_000

var (
	basisPoints = uint256.NewInt(bpsDenominator)
	// priceScale is the fixed-point scale of oracle prices (1e8).
	priceScale = uint256.NewInt(100_000_000)
	// wad is the 1e18 fixed-point scale used for health factors and leverage
	// multiples.
	wad = uint256.NewInt(1_000_000_000_000_000_000)
)

// MaxBorrowValue computes the largest borrow-asset value the market's LTV
// limit permits against the given collateral, as
// collateral * price * ltvBps / (priceScale * 10_000). The price is expressed
// in borrow-asset units per collateral unit scaled by 1e8. An LTV at or above
// 100% implies unbounded leverage and is rejected.
func MaxBorrowValue(collateralAmount, price *big.Int, ltvBps uint64) (*big.Int, error) {
	if ltvBps >= bpsDenominator {
		return nil, ErrInvalidParameter
	}
	amount, err := toUint256(collateralAmount)
	if err != nil {
		return nil, err
	}
	px, err := toUint256(price)
	if err != nil {
		return nil, err
	}
	if ltvBps == 0 || amount.IsZero() || px.IsZero() {
		return big.NewInt(0), nil
	}

	value, overflow := new(uint256.Int).MulOverflow(amount, px)
	if overflow {
		return nil, ErrAmountOverflow
	}
	value, overflow = value.MulOverflow(value, uint256.NewInt(ltvBps))
	if overflow {
		return nil, ErrAmountOverflow
	}
	value.Div(value, priceScale)
	value.Div(value, basisPoints)
	return value.ToBig(), nil
}

// MaxLeverageMultiple returns the theoretical maximum position size relative
// to principal, 1/(1-ltv), in WAD fixed point. A zero LTV yields exactly 1x.
func MaxLeverageMultiple(ltvBps uint64) (*big.Int, error) {
	if ltvBps >= bpsDenominator {
		return nil, ErrInvalidParameter
	}
	multiple := new(uint256.Int).Mul(wad, basisPoints)
	multiple.Div(multiple, uint256.NewInt(bpsDenominator-ltvBps))
	return multiple.ToBig(), nil
}

// MinOutFromSlippage bounds a swap leg against adverse execution: the expected
// output amountIn * price / priceScale reduced by the caller's slippage
// tolerance in basis points. A tolerance of 100% or more would disable the
// bound entirely and is rejected.
func MinOutFromSlippage(amountIn, price *big.Int, slippageBps uint64) (*big.Int, error) {
	if slippageBps >= bpsDenominator {
		return nil, ErrInvalidParameter
	}
	in, err := toUint256(amountIn)
	if err != nil {
		return nil, err
	}
	px, err := toUint256(price)
	if err != nil {
		return nil, err
	}

	expected, overflow := new(uint256.Int).MulOverflow(in, px)
	if overflow {
		return nil, ErrAmountOverflow
	}
	expected.Div(expected, priceScale)

	minOut, overflow := expected.MulOverflow(expected, uint256.NewInt(bpsDenominator-slippageBps))
	if overflow {
		return nil, ErrAmountOverflow
	}
	minOut.Div(minOut, basisPoints)
	return minOut.ToBig(), nil
}

// HealthFactor returns the risk-adjusted collateralization ratio
// collateralValue * liquidationThresholdBps / (10_000 * debtValue) in WAD.
// A nil result means the account carries no debt and cannot be liquidated.
func HealthFactor(collateralValue *big.Int, liquidationThresholdBps uint64, debtValue *big.Int) (*big.Int, error) {
	if debtValue == nil || debtValue.Sign() == 0 {
		return nil, nil
	}
	collateral, err := toUint256(collateralValue)
	if err != nil {
		return nil, err
	}
	debt, err := toUint256(debtValue)
	if err != nil {
		return nil, err
	}

	num, overflow := new(uint256.Int).MulOverflow(collateral, uint256.NewInt(liquidationThresholdBps))
	if overflow {
		return nil, ErrAmountOverflow
	}
	num, overflow = num.MulOverflow(num, wad)
	if overflow {
		return nil, ErrAmountOverflow
	}
	den := new(uint256.Int).Mul(debt, basisPoints)
	num.Div(num, den)
	return num.ToBig(), nil
}

// AssetValue converts an asset amount into the market's reference unit using
// its 1e8-scaled price.
func AssetValue(amount, price *big.Int) (*big.Int, error) {
	a, err := toUint256(amount)
	if err != nil {
		return nil, err
	}
	px, err := toUint256(price)
	if err != nil {
		return nil, err
	}
	value, overflow := new(uint256.Int).MulOverflow(a, px)
	if overflow {
		return nil, ErrAmountOverflow
	}
	value.Div(value, priceScale)
	return value.ToBig(), nil
}

// CrossPrice converts two reference-unit prices into the price of the base
// asset denominated in the quote asset, keeping the 1e8 scale.
func CrossPrice(basePrice, quotePrice *big.Int) (*big.Int, error) {
	base, err := toUint256(basePrice)
	if err != nil {
		return nil, err
	}
	quote, err := toUint256(quotePrice)
	if err != nil {
		return nil, err
	}
	if quote.IsZero() {
		return nil, ErrInvalidParameter
	}
	cross, overflow := new(uint256.Int).MulOverflow(base, priceScale)
	if overflow {
		return nil, ErrAmountOverflow
	}
	cross.Div(cross, quote)
	return cross.ToBig(), nil
}

func toUint256(value *big.Int) (*uint256.Int, error) {
	if value == nil || value.Sign() < 0 {
		return nil, ErrInvalidParameter
	}
	converted, overflow := uint256.FromBig(value)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return converted, nil
}
