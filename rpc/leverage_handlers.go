package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"levloop/native/leverage"
)

type swapLegParams struct {
	Direction    string      `json:"direction"`
	AmountIn     string      `json:"amountIn,omitempty"`
	AmountOutMin string      `json:"amountOutMin"`
	Route        routeParams `json:"route"`
}

type routeParams struct {
	Venue         string `json:"venue"`
	PoolID        string `json:"poolId"`
	FeeBps        uint64 `json:"feeBps,omitempty"`
	Amplification uint64 `json:"amplification,omitempty"`
}

type openParams struct {
	Caller           string        `json:"caller"`
	CollateralAsset  string        `json:"collateralAsset"`
	BorrowAsset      string        `json:"borrowAsset"`
	CollateralAmount string        `json:"collateralAmount"`
	BorrowAmount     string        `json:"borrowAmount"`
	MinHealthFactor  string        `json:"minHealthFactor,omitempty"`
	SwapLeg          swapLegParams `json:"swapLeg"`
}

type closeParams struct {
	Caller           string        `json:"caller"`
	CollateralAsset  string        `json:"collateralAsset"`
	BorrowAsset      string        `json:"borrowAsset"`
	CollateralAmount string        `json:"collateralAmount"`
	SwapLeg          swapLegParams `json:"swapLeg"`
}

type maxFlashLoanParams struct {
	CollateralAsset  string `json:"collateralAsset"`
	CollateralAmount string `json:"collateralAmount"`
}

type debtParams struct {
	User  string `json:"user"`
	Asset string `json:"asset"`
}

type statusResult struct {
	Status string `json:"status"`
}

type maxFlashLoanResult struct {
	MaxBorrowValue string `json:"maxBorrowValue"`
	Price          string `json:"price"`
	LTVBps         uint64 `json:"ltvBps"`
	MaxLeverage    string `json:"maxLeverage"`
}

type debtResult struct {
	Debt string `json:"debt"`
}

func (s *Server) handleOpen(w http.ResponseWriter, req *RPCRequest) {
	var params openParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	open, err := buildOpenParams(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}

	if err := s.engine.Open(caller, open); err != nil {
		s.metrics.ObserveOpen(outcomeLabel(err))
		s.log.Error("open failed", "caller", params.Caller, "error", err)
		writeError(w, http.StatusOK, req.ID, errorCode(err), "open failed", err.Error())
		return
	}
	s.metrics.ObserveOpen("ok")
	s.log.Info("position opened", "caller", params.Caller, "borrowAmount", params.BorrowAmount)
	writeResult(w, req.ID, statusResult{Status: "completed"})
}

func (s *Server) handleClose(w http.ResponseWriter, req *RPCRequest) {
	var params closeParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller", err.Error())
		return
	}
	closeP, err := buildCloseParams(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}

	if err := s.engine.Close(caller, closeP); err != nil {
		s.metrics.ObserveClose(outcomeLabel(err))
		s.log.Error("close failed", "caller", params.Caller, "error", err)
		writeError(w, http.StatusOK, req.ID, errorCode(err), "close failed", err.Error())
		return
	}
	s.metrics.ObserveClose("ok")
	s.log.Info("position closed", "caller", params.Caller)
	writeResult(w, req.ID, statusResult{Status: "completed"})
}

func (s *Server) handleMaxFlashLoan(w http.ResponseWriter, req *RPCRequest) {
	var params maxFlashLoanParams
	if !decodeParams(w, req, &params) {
		return
	}
	asset, err := parseAddress(params.CollateralAsset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid collateral asset", err.Error())
		return
	}
	amount, err := parseAmount(params.CollateralAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid collateral amount", err.Error())
		return
	}
	quote, err := s.engine.MaxFlashLoan(asset, amount)
	if err != nil {
		writeError(w, http.StatusOK, req.ID, errorCode(err), "quote failed", err.Error())
		return
	}
	writeResult(w, req.ID, maxFlashLoanResult{
		MaxBorrowValue: quote.MaxBorrowValue.String(),
		Price:          quote.Price.String(),
		LTVBps:         quote.LTVBps,
		MaxLeverage:    quote.MaxLeverage.String(),
	})
}

func (s *Server) handleDebt(w http.ResponseWriter, req *RPCRequest) {
	var params debtParams
	if !decodeParams(w, req, &params) {
		return
	}
	user, err := parseAddress(params.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid user", err.Error())
		return
	}
	asset, err := parseAddress(params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid asset", err.Error())
		return
	}
	debt, err := s.engine.Debt(user, asset)
	if err != nil {
		writeError(w, http.StatusOK, req.ID, errorCode(err), "debt query failed", err.Error())
		return
	}
	writeResult(w, req.ID, debtResult{Debt: debt.String()})
}

func decodeParams(w http.ResponseWriter, req *RPCRequest, target interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected a single parameter object", nil)
		return false
	}
	if err := json.Unmarshal(req.Params[0], target); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "malformed parameters", err.Error())
		return false
	}
	return true
}

func buildOpenParams(params openParams) (leverage.OpenParams, error) {
	collateralAsset, err := parseAddress(params.CollateralAsset)
	if err != nil {
		return leverage.OpenParams{}, fmt.Errorf("collateralAsset: %w", err)
	}
	borrowAsset, err := parseAddress(params.BorrowAsset)
	if err != nil {
		return leverage.OpenParams{}, fmt.Errorf("borrowAsset: %w", err)
	}
	collateralAmount, err := parseAmount(params.CollateralAmount)
	if err != nil {
		return leverage.OpenParams{}, fmt.Errorf("collateralAmount: %w", err)
	}
	borrowAmount, err := parseAmount(params.BorrowAmount)
	if err != nil {
		return leverage.OpenParams{}, fmt.Errorf("borrowAmount: %w", err)
	}
	var minHealth *big.Int
	if strings.TrimSpace(params.MinHealthFactor) != "" {
		minHealth, err = parseAmount(params.MinHealthFactor)
		if err != nil {
			return leverage.OpenParams{}, fmt.Errorf("minHealthFactor: %w", err)
		}
	}
	leg, err := buildSwapLeg(params.SwapLeg)
	if err != nil {
		return leverage.OpenParams{}, err
	}
	return leverage.OpenParams{
		CollateralAsset:  collateralAsset,
		BorrowAsset:      borrowAsset,
		CollateralAmount: collateralAmount,
		BorrowAmount:     borrowAmount,
		MinHealthFactor:  minHealth,
		Leg:              leg,
	}, nil
}

func buildCloseParams(params closeParams) (leverage.CloseParams, error) {
	collateralAsset, err := parseAddress(params.CollateralAsset)
	if err != nil {
		return leverage.CloseParams{}, fmt.Errorf("collateralAsset: %w", err)
	}
	borrowAsset, err := parseAddress(params.BorrowAsset)
	if err != nil {
		return leverage.CloseParams{}, fmt.Errorf("borrowAsset: %w", err)
	}
	collateralAmount, err := parseAmount(params.CollateralAmount)
	if err != nil {
		return leverage.CloseParams{}, fmt.Errorf("collateralAmount: %w", err)
	}
	leg, err := buildSwapLeg(params.SwapLeg)
	if err != nil {
		return leverage.CloseParams{}, err
	}
	return leverage.CloseParams{
		CollateralAsset:  collateralAsset,
		BorrowAsset:      borrowAsset,
		CollateralAmount: collateralAmount,
		Leg:              leg,
	}, nil
}

func buildSwapLeg(params swapLegParams) (leverage.SwapLeg, error) {
	leg := leverage.SwapLeg{}
	switch strings.TrimSpace(params.Direction) {
	case "borrowToCollateral":
		leg.Direction = leverage.DirectionBorrowToCollateral
	case "collateralToBorrow":
		leg.Direction = leverage.DirectionCollateralToBorrow
	default:
		return leverage.SwapLeg{}, fmt.Errorf("swapLeg.direction: unknown direction %q", params.Direction)
	}
	if strings.TrimSpace(params.AmountIn) != "" {
		amountIn, err := parseAmount(params.AmountIn)
		if err != nil {
			return leverage.SwapLeg{}, fmt.Errorf("swapLeg.amountIn: %w", err)
		}
		leg.AmountIn = amountIn
	}
	amountOutMin, err := parseAmount(params.AmountOutMin)
	if err != nil {
		return leverage.SwapLeg{}, fmt.Errorf("swapLeg.amountOutMin: %w", err)
	}
	leg.AmountOutMin = amountOutMin

	route, err := buildRoute(params.Route)
	if err != nil {
		return leverage.SwapLeg{}, err
	}
	leg.Route = route
	return leg, nil
}

func buildRoute(params routeParams) (leverage.Route, error) {
	venue, err := leverage.ParseVenueKind(params.Venue)
	if err != nil {
		return leverage.Route{}, fmt.Errorf("route.venue: %w", err)
	}
	route := leverage.Route{Venue: venue}
	switch venue {
	case leverage.VenueConstProduct:
		route.ConstProduct = &leverage.ConstProductRoute{PoolID: params.PoolID, FeeBps: params.FeeBps}
	case leverage.VenueStableSwap:
		route.StableSwap = &leverage.StableSwapRoute{PoolID: params.PoolID, Amplification: params.Amplification}
	}
	if err := route.Validate(); err != nil {
		return leverage.Route{}, err
	}
	return route, nil
}

func parseAddress(value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", value)
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func outcomeLabel(err error) string {
	switch code := errorCode(err); code {
	case codeInvalidParams:
		return "invalid_params"
	case codeUnauthorized:
		return "unauthorized"
	default:
		return "error"
	}
}
