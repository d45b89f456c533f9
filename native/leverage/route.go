package leverage

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// VenueKind enumerates the liquidity venues a swap leg may route through.
type VenueKind uint8

const (
	// VenueConstProduct routes through a constant-product (x*y=k) pool.
	VenueConstProduct VenueKind = iota + 1
	// VenueStableSwap routes through an amplified stable-swap pool.
	VenueStableSwap
)

// String returns the wire name used for the venue in RPC payloads.
func (k VenueKind) String() string {
	switch k {
	case VenueConstProduct:
		return "constProduct"
	case VenueStableSwap:
		return "stableSwap"
	default:
		return fmt.Sprintf("venue(%d)", uint8(k))
	}
}

// ParseVenueKind maps a wire name back onto a venue kind.
func ParseVenueKind(name string) (VenueKind, error) {
	switch strings.TrimSpace(name) {
	case "constProduct":
		return VenueConstProduct, nil
	case "stableSwap":
		return VenueStableSwap, nil
	default:
		return 0, fmt.Errorf("%w: unknown venue %q", ErrInvalidParameter, name)
	}
}

// ConstProductRoute carries the parameters for a constant-product pool hop.
type ConstProductRoute struct {
	PoolID string `json:"poolId"`
	FeeBps uint64 `json:"feeBps"`
}

// StableSwapRoute carries the parameters for a stable-swap pool hop.
type StableSwapRoute struct {
	PoolID        string `json:"poolId"`
	Amplification uint64 `json:"amplification"`
}

// Route is a tagged union over supported venues. Exactly the variant matching
// Venue must be populated; the engine decodes it explicitly instead of passing
// opaque bytes through to the venue.
type Route struct {
	Venue        VenueKind          `json:"-"`
	ConstProduct *ConstProductRoute `json:"constProduct,omitempty"`
	StableSwap   *StableSwapRoute   `json:"stableSwap,omitempty"`
}

// Validate rejects malformed or ambiguous routes.
func (r Route) Validate() error {
	switch r.Venue {
	case VenueConstProduct:
		if r.ConstProduct == nil || r.StableSwap != nil {
			return fmt.Errorf("%w: constProduct route payload missing or ambiguous", ErrInvalidParameter)
		}
		if strings.TrimSpace(r.ConstProduct.PoolID) == "" {
			return fmt.Errorf("%w: constProduct pool id required", ErrInvalidParameter)
		}
		if r.ConstProduct.FeeBps >= bpsDenominator {
			return fmt.Errorf("%w: constProduct fee must be below 100%%", ErrInvalidParameter)
		}
	case VenueStableSwap:
		if r.StableSwap == nil || r.ConstProduct != nil {
			return fmt.Errorf("%w: stableSwap route payload missing or ambiguous", ErrInvalidParameter)
		}
		if strings.TrimSpace(r.StableSwap.PoolID) == "" {
			return fmt.Errorf("%w: stableSwap pool id required", ErrInvalidParameter)
		}
		if r.StableSwap.Amplification == 0 {
			return fmt.Errorf("%w: stableSwap amplification required", ErrInvalidParameter)
		}
	default:
		return fmt.Errorf("%w: route venue not set", ErrInvalidParameter)
	}
	return nil
}

// PoolID returns the pool identifier of whichever variant is populated.
func (r Route) PoolID() string {
	switch r.Venue {
	case VenueConstProduct:
		if r.ConstProduct != nil {
			return r.ConstProduct.PoolID
		}
	case VenueStableSwap:
		if r.StableSwap != nil {
			return r.StableSwap.PoolID
		}
	}
	return ""
}

// RouterRegistry dispatches a route to the SwapRouter registered for its
// venue. It satisfies SwapRouter itself so the engine can treat a multi-venue
// deployment as a single router.
type RouterRegistry struct {
	routers map[VenueKind]SwapRouter
}

// NewRouterRegistry constructs an empty registry.
func NewRouterRegistry() *RouterRegistry {
	return &RouterRegistry{routers: make(map[VenueKind]SwapRouter)}
}

// Register wires a venue-specific router. Registering the same venue twice
// replaces the previous router.
func (r *RouterRegistry) Register(kind VenueKind, router SwapRouter) {
	if r == nil || router == nil {
		return
	}
	r.routers[kind] = router
}

// SwapExactIn validates the route and forwards the swap to the venue's router.
func (r *RouterRegistry) SwapExactIn(assetIn, assetOut common.Address, amountIn, amountOutMin *big.Int, route Route) (*big.Int, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: router registry not configured", ErrInvalidParameter)
	}
	if err := route.Validate(); err != nil {
		return nil, err
	}
	router, ok := r.routers[route.Venue]
	if !ok {
		return nil, fmt.Errorf("%w: no router registered for %s", ErrInvalidParameter, route.Venue)
	}
	return router.SwapExactIn(assetIn, assetOut, amountIn, amountOutMin, route)
}
