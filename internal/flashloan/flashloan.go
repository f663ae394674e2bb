// Package flashloan implements the pluggable flash-loan provider registry:
// one adapter per protocol (aave_v3, balancer_v2, syncswap, pancakeswap_v3,
// dai_flash_mint, morpho), a shared validation pipeline every pool/vault
// provider runs before building calldata, and an "unsupported" fallback
// that still answers fee-math questions for profitability estimation.
package flashloan

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/flashrelay/arbexec/pkg/types"
)

// ErrorCode tags a validation failure with the exact reason a request was
// rejected, matching the ordered pipeline in the protocol catalog.
type ErrorCode string

const (
	ErrChainMismatch      ErrorCode = "CHAIN_MISMATCH"
	ErrInvalidAsset       ErrorCode = "INVALID_ASSET"
	ErrZeroAmount         ErrorCode = "ZERO_AMOUNT"
	ErrEmptyPath          ErrorCode = "EMPTY_PATH"
	ErrInvalidRouter      ErrorCode = "INVALID_ROUTER"
	ErrUnapprovedRouter   ErrorCode = "UNAPPROVED_ROUTER"
	ErrInvalidCycle       ErrorCode = "INVALID_CYCLE"
	ErrAssetMismatch      ErrorCode = "ASSET_MISMATCH"
	ErrAssetNotDAI        ErrorCode = "ASSET_NOT_DAI"
	ErrChainNotSupported  ErrorCode = "CHAIN_NOT_SUPPORTED"
	ErrUnsupportedProtocol ErrorCode = "UNSUPPORTED_PROTOCOL"
	ErrConfig             ErrorCode = "CONFIG"
)

// ValidationError pairs a code with the human-readable reason, so logs and
// the execution-results stream carry both a stable tag and free text.
type ValidationError struct {
	Code   ErrorCode
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Reason) }

func fail(code ErrorCode, reason string) *ValidationError {
	return &ValidationError{Code: code, Reason: reason}
}

// Clock lets tests pin the wall clock used for deadline embedding.
type Clock func() time.Time

// DeadlineWindow is the fixed 300s horizon every calldata builder embeds.
const DeadlineWindow = 300 * time.Second

// Provider is the interface the registry hands back for a (chain) lookup.
// Every method is safe to call even when IsAvailable is false: fee math and
// validation still answer (useful for profitability estimation upstream),
// only BuildCalldata/BuildTransaction/EstimateGas require availability.
type Provider interface {
	Protocol() types.Protocol
	Chain() string
	IsAvailable() bool
	Capabilities() types.Capabilities
	CalculateFee(amount *big.Int) types.FeeInfo
	Validate(req *types.FlashLoanRequest) *ValidationError
	BuildCalldata(req *types.FlashLoanRequest) ([]byte, error)
	BuildTransaction(req *types.FlashLoanRequest, from common.Address) (*types.BuiltTransaction, error)
	EstimateGas(req *types.FlashLoanRequest, rpc GasEstimator) uint64
	ApprovedRouters() []string
}

// GasEstimator is the narrow surface BuildTransaction-adjacent gas
// estimation needs; implemented by internal/rpcprovider. Kept minimal so
// flashloan never imports rpcprovider directly (avoids the import cycle
// spec.md §9 flags between the coordinator's dependents).
type GasEstimator interface {
	EstimateGas(chain string, to common.Address, data []byte) (uint64, error)
}

// routerSet is the lowercased, deduplicated approved-router allow-list.
// The original-case list is retained for ApprovedRouters().
type routerSet struct {
	original []string
	lower    map[string]struct{}
}

func newRouterSet(routers []string) routerSet {
	rs := routerSet{original: routers, lower: make(map[string]struct{}, len(routers))}
	for _, r := range routers {
		rs.lower[strings.ToLower(r)] = struct{}{}
	}
	return rs
}

func (rs routerSet) empty() bool { return len(rs.lower) == 0 }

func (rs routerSet) allows(router string) bool {
	_, ok := rs.lower[strings.ToLower(router)]
	return ok
}

// calculateFee implements the shared `amount * feeBps / 10_000` integer
// math, truncating toward zero — big.Int division already truncates toward
// zero for non-negative operands, which amount and feeBps always are.
func calculateFee(amount *big.Int, feeBps int, protocol types.Protocol) types.FeeInfo {
	fee := new(big.Int).Mul(amount, big.NewInt(int64(feeBps)))
	fee.Quo(fee, big.NewInt(10_000))
	return types.FeeInfo{FeeBps: feeBps, FeeAmount: fee, Protocol: protocol}
}

// isValidAddress rejects the zero address. A common.Address is always 20
// bytes, so no hex-format check is made here; the zero address is the only
// value rejected.
func isValidAddress(addr common.Address) bool {
	return addr != (common.Address{})
}

// sharedValidate runs the §4.3.1 pipeline common to every pool/vault/EIP-3156
// provider. approved may be empty ("open"); pancakeswap_v3 passes
// failClosedOnEmptyApprovedSet=true to invert that default.
func sharedValidate(chain string, approved routerSet, failClosedOnEmptyApprovedSet bool, req *types.FlashLoanRequest) *ValidationError {
	if req.Chain != chain {
		return fail(ErrChainMismatch, fmt.Sprintf("provider is bound to chain %q, request targets %q", chain, req.Chain))
	}
	if !isValidAddress(req.Asset) {
		return fail(ErrInvalidAsset, "asset address is zero or malformed")
	}
	if req.Amount == nil || req.Amount.Sign() == 0 {
		return fail(ErrZeroAmount, "amount must be non-zero")
	}
	if len(req.SwapPath) == 0 {
		return fail(ErrEmptyPath, "swap path has no hops")
	}

	if failClosedOnEmptyApprovedSet && approved.empty() {
		return fail(ErrConfig, "approved router set is empty: refusing to treat as open")
	}

	for i, hop := range req.SwapPath {
		if !isValidAddress(hop.Router) {
			return fail(ErrInvalidRouter, fmt.Sprintf("hop %d: router address is zero or malformed", i))
		}
		if !approved.empty() && !approved.allows(hop.Router.Hex()) {
			return fail(ErrUnapprovedRouter, fmt.Sprintf("hop %d: router %s is not in the approved set", i, hop.Router.Hex()))
		}
	}

	first := req.SwapPath[0]
	last := req.SwapPath[len(req.SwapPath)-1]
	if !strings.EqualFold(first.TokenIn.Hex(), last.TokenOut.Hex()) {
		return fail(ErrInvalidCycle, "first hop's tokenIn must equal last hop's tokenOut")
	}
	if !strings.EqualFold(req.Asset.Hex(), first.TokenIn.Hex()) {
		return fail(ErrAssetMismatch, "request asset must equal the first hop's tokenIn")
	}

	return nil
}

func defaultClock() time.Time { return time.Now() }
