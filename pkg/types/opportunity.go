// Package types defines the wire-level data model shared by every component
// of the execution core: the Opportunity consumed from upstream, the
// FlashLoanRequest derived from it, and the small value types (FeeInfo,
// SwapHop, ExecutionResult) that flow between the queue, the flash-loan
// registry, and the execution coordinator.
package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OpportunityKind enumerates the shapes of arbitrage the coordinator knows
// how to execute.
type OpportunityKind string

const (
	KindCrossDEX    OpportunityKind = "cross-dex"
	KindTriangular  OpportunityKind = "triangular"
	KindNHop        OpportunityKind = "n-hop"
	KindFlashLoan   OpportunityKind = "flash-loan"
)

// SwapHop is one leg of an opportunity's swap path.
// Matches the wire field layout of the upstream opportunity message.
type SwapHop struct {
	Router common.Address `json:"router"`
	TokenIn  common.Address `json:"tokenIn"`
	TokenOut common.Address `json:"tokenOut"`
	MinOut   *big.Int       `json:"minOut"`
}

// Opportunity is the input consumed from the upstream event stream.
//
// Id is the single identity key used for lock suppression: two opportunities
// sharing the same Id must not both execute (see internal/lockconflict).
type Opportunity struct {
	Id               string          `json:"id"`
	Kind             OpportunityKind `json:"kind"`
	SourceChain      string          `json:"sourceChain"`
	DestChain        string          `json:"destChain,omitempty"`
	TokenIn          common.Address  `json:"tokenIn"`
	TokenOut         common.Address `json:"tokenOut"`
	AmountIn         *big.Int       `json:"amountIn"`
	ExpectedProfitPct float64       `json:"expectedProfitPct"`
	ExpectedProfit   *big.Int       `json:"expectedProfit"`
	ExpectedProfitUSD float64       `json:"expectedProfitUsd"`
	Confidence       float64        `json:"confidence"`
	GasEstimate      *big.Int       `json:"gasEstimate"`
	DiscoveredAt     time.Time      `json:"discoveredAt"`
	Deadline         time.Time      `json:"deadline"`
	Path             []SwapHop      `json:"path"`

	// BrokerMessageID identifies the upstream stream record, so the
	// coordinator can acknowledge it on terminal decision.
	BrokerMessageID string `json:"-"`
}

// FlashLoanRequest is derived from an Opportunity for flash-loan strategies.
// It is validated in full before any on-chain interaction (see the
// providers' Validate methods in internal/flashloan).
type FlashLoanRequest struct {
	Asset        common.Address
	Amount       *big.Int
	Chain        string
	SwapPath     []SwapHop
	MinProfit    *big.Int
	Initiator    common.Address
	PoolAddress  *common.Address // only set for protocols requiring runtime pool selection
}

// Protocol enumerates the flash-loan protocols the registry knows how to
// construct providers for.
type Protocol string

const (
	ProtocolAaveV3        Protocol = "aave_v3"
	ProtocolBalancerV2    Protocol = "balancer_v2"
	ProtocolSyncSwap      Protocol = "syncswap"
	ProtocolPancakeSwapV3 Protocol = "pancakeswap_v3"
	ProtocolDAIFlashMint  Protocol = "dai_flash_mint"
	ProtocolMorpho        Protocol = "morpho"
	ProtocolUnsupported   Protocol = "unsupported"
)

// FeeInfo is the fee quote a provider derives from (amount, protocol rate).
// FeeBps == 0 is legal for zero-fee providers.
type FeeInfo struct {
	FeeBps     int
	FeeAmount  *big.Int
	Protocol   Protocol
}

// SupportStatus classifies how complete a protocol's implementation is.
type SupportStatus string

const (
	StatusFullySupported SupportStatus = "fully_supported"
	StatusPartialSupport SupportStatus = "partial_support"
	StatusNotImplemented SupportStatus = "not_implemented"
)

// Capabilities describes what a flash-loan provider can do, independent of
// any particular request.
type Capabilities struct {
	SupportsMultiHop   bool
	SupportsMultiAsset bool
	MaxLoanAmount      *big.Int
	SupportedTokens    []common.Address
	Status             SupportStatus
}

// BuiltTransaction is the output of FlashLoanProvider.BuildTransaction: the
// minimal fields needed to sign and send.
type BuiltTransaction struct {
	To   common.Address
	From common.Address
	Data []byte
}

// DecisionOutcome is the terminal classification of one opportunity's
// pipeline run, per spec.md §7 ("all failures are converted to a terminal
// result type before leaving the worker").
type DecisionOutcome string

const (
	OutcomeAttempted DecisionOutcome = "attempted"
	OutcomeSuccess   DecisionOutcome = "success"
	OutcomeSkipped   DecisionOutcome = "skipped"
	OutcomeFailed    DecisionOutcome = "failed"
	OutcomeTimeout   DecisionOutcome = "timeout"
)

// ExecutionResult is the terminal record emitted to the execution-results
// stream (and mirrored by internal/recorder) for one opportunity.
type ExecutionResult struct {
	OpportunityID string
	Chain         string
	Protocol      Protocol
	Outcome       DecisionOutcome
	Reason        string
	GasUsed       uint64
	RealizedProfit *big.Int
	TxHash        *common.Hash
	Timestamp     time.Time
}
