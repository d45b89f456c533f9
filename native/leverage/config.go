package leverage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Config captures the construction-time wiring of the engine. There is no
// process-wide owner state; access control is whatever this value says it is.
type Config struct {
	// Market is the lending venue expected to invoke the flash-loan callback.
	Market common.Address
	// EngineAccount is the funds account the engine transacts from.
	EngineAccount common.Address
	// Operators lists the addresses allowed to trigger open and close. An
	// empty list leaves the engine open to any caller, which is only sensible
	// when an outer execution proxy enforces access itself.
	Operators []common.Address
	// SafetyMarginBps is deducted from the market's LTV before sizing a flash
	// loan, keeping fresh positions away from the liquidation boundary.
	SafetyMarginBps uint64
	// MaxSlippageBps caps how loose a caller may set a swap leg's minimum
	// output relative to the oracle price.
	MaxSlippageBps uint64
}

// Validate rejects configurations that could not produce a working engine.
func (c Config) Validate() error {
	if c.Market == (common.Address{}) {
		return fmt.Errorf("%w: market address required", ErrInvalidParameter)
	}
	if c.EngineAccount == (common.Address{}) {
		return fmt.Errorf("%w: engine account required", ErrInvalidParameter)
	}
	if c.SafetyMarginBps >= bpsDenominator {
		return fmt.Errorf("%w: safety margin must be below 100%%", ErrInvalidParameter)
	}
	if c.MaxSlippageBps >= bpsDenominator {
		return fmt.Errorf("%w: max slippage must be below 100%%", ErrInvalidParameter)
	}
	return nil
}

func (c Config) authorized(caller common.Address) bool {
	if len(c.Operators) == 0 {
		return true
	}
	for _, operator := range c.Operators {
		if operator == caller {
			return true
		}
	}
	return false
}
