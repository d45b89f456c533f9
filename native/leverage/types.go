package leverage

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Phase identifies which workflow leg a flash-loan callback belongs to.
type Phase uint8

const (
	// PhaseOpen tags callbacks raised while levering a position up.
	PhaseOpen Phase = iota + 1
	// PhaseClose tags callbacks raised while unwinding a position.
	PhaseClose
)

// SwapDirection declares which way a swap leg converts between the position's
// two assets.
type SwapDirection uint8

const (
	// DirectionBorrowToCollateral converts flash-loaned borrow asset into
	// additional collateral during open.
	DirectionBorrowToCollateral SwapDirection = iota + 1
	// DirectionCollateralToBorrow converts withdrawn collateral into borrow
	// asset during close.
	DirectionCollateralToBorrow
)

// SwapLeg describes a single swap executed inside a flash-loan callback.
// AmountIn is ignored during open where the whole flash-loaned amount is
// swapped; during close it bounds how much of the loaned collateral is
// converted to repay debt.
type SwapLeg struct {
	Direction    SwapDirection
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Route        Route
}

// Clone returns a deep copy of the swap leg.
func (l SwapLeg) Clone() SwapLeg {
	clone := SwapLeg{Direction: l.Direction, Route: l.Route}
	if l.AmountIn != nil {
		clone.AmountIn = new(big.Int).Set(l.AmountIn)
	}
	if l.AmountOutMin != nil {
		clone.AmountOutMin = new(big.Int).Set(l.AmountOutMin)
	}
	return clone
}

// FlashLoanContext carries the authenticated parameters a flash-loan callback
// needs to finish its leg. It exists only for the duration of the callback.
type FlashLoanContext struct {
	Phase            Phase
	Nonce            uuid.UUID
	Caller           common.Address
	CollateralAsset  common.Address
	BorrowAsset      common.Address
	CollateralAmount *big.Int
	// DebtAmount is the live borrow-asset debt queried immediately before a
	// close flash loan was requested. Unset for open.
	DebtAmount *big.Int
	Leg        SwapLeg
}

// OpenParams are the operator supplied inputs for levering a position up.
type OpenParams struct {
	CollateralAsset  common.Address
	BorrowAsset      common.Address
	CollateralAmount *big.Int
	BorrowAmount     *big.Int
	MinHealthFactor  *big.Int
	Leg              SwapLeg
}

// CloseParams are the operator supplied inputs for unwinding a position.
type CloseParams struct {
	CollateralAsset  common.Address
	BorrowAsset      common.Address
	CollateralAmount *big.Int
	Leg              SwapLeg
}

// AccountHealth mirrors the lending market's account-health query. Monetary
// values are denominated in the market's reference unit; HealthFactor is
// expressed in WAD where 1e18 equals 1.0.
type AccountHealth struct {
	HealthFactor            *big.Int
	CollateralValue         *big.Int
	DebtValue               *big.Int
	AvailableBorrowValue    *big.Int
	LTVBps                  uint64
	LiquidationThresholdBps uint64
}

// MaxFlashLoanQuote reports how large a flash loan the market's risk
// parameters permit against a given collateral amount.
type MaxFlashLoanQuote struct {
	MaxBorrowValue *big.Int
	Price          *big.Int
	LTVBps         uint64
	MaxLeverage    *big.Int
}
