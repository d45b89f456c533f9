package leverage

import "errors"

var (
	// ErrUnauthorized rejects callers that are not configured operators of the
	// engine's privileged entry points.
	ErrUnauthorized = errors.New("leverage engine: caller not authorized")
	// ErrInvalidParameter covers zero amounts, malformed routes and LTV values
	// that would imply unbounded leverage.
	ErrInvalidParameter = errors.New("leverage engine: invalid parameter")
	// ErrSlippageExceeded is returned when a swap leg produced less than its
	// required minimum output.
	ErrSlippageExceeded = errors.New("leverage engine: swap output below minimum")
	// ErrHealthFactorTooLow is returned when the post-open health factor ends
	// up below the caller supplied bound.
	ErrHealthFactorTooLow = errors.New("leverage engine: health factor below bound")
	// ErrUnauthorizedCallback rejects flash-loan callback invocations outside
	// the armed in-progress window or from an unexpected venue.
	ErrUnauthorizedCallback = errors.New("leverage engine: unauthorized flash loan callback")
	// ErrFlashLoanSettlementFailed is returned when the engine cannot cover
	// principal plus fee at the end of the callback.
	ErrFlashLoanSettlementFailed = errors.New("leverage engine: insufficient funds to settle flash loan")
	// ErrInsufficientOutput is the contract a SwapRouter implementation must
	// honour when the executed output falls below amountOutMin.
	ErrInsufficientOutput = errors.New("leverage engine: router output below amountOutMin")
	// ErrOperationInFlight rejects a second open or close while a flash-loan
	// window is still armed.
	ErrOperationInFlight = errors.New("leverage engine: operation already in flight")
	// ErrAmountOverflow flags magnitudes outside the 256-bit range the math
	// helpers operate in.
	ErrAmountOverflow = errors.New("leverage engine: amount exceeds 256-bit range")
)
