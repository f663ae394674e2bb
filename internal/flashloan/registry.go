package flashloan

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/flashrelay/arbexec/internal/logging"
	"github.com/flashrelay/arbexec/pkg/types"
)

// ProtocolConfig is one row of the static FLASH_LOAN_PROVIDERS table: which
// protocol a chain uses and the addresses/routers that protocol needs.
type ProtocolConfig struct {
	Protocol types.Protocol
	Chain    string

	// WrapperOrPool is the wrapper contract (aave_v3/balancer_v2/syncswap/
	// pancakeswap_v3) or the pool/vault address called directly
	// (dai_flash_mint/morpho).
	WrapperOrPool common.Address

	// ApprovedRouters is the allow-list of swap routers this provider's
	// requests may route through; empty means "open" except for
	// pancakeswap_v3, which fails closed on empty.
	ApprovedRouters []string

	// PancakeFactory and PancakeFeeTier are only meaningful for
	// pancakeswap_v3.
	PancakeFactory common.Address
	PancakeFeeTier int

	// ReceiverContract is the flash-loan-initiator contract address passed
	// as the EIP-3156 "receiver"; only meaningful for dai_flash_mint.
	ReceiverContract common.Address

	// GasFallback is the protocol-specific constant EstimateGas returns
	// when live RPC estimation fails.
	GasFallback uint64
}

// Dependencies a Registry needs to discover pancakeswap_v3 pools and to log
// provider-construction decisions.
type Dependencies struct {
	ViewCaller ViewCaller
	Clock      Clock
	Log        *logging.Logger
}

// daiAddress is mainnet DAI; dai_flash_mint is ethereum-only per the spec,
// so a single constant is sufficient.
var daiAddress = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")

// Registry lazily constructs and caches one Provider per chain from a
// static FLASH_LOAN_PROVIDERS table, per spec.md §4.3.3.
type Registry struct {
	table map[string]ProtocolConfig
	deps  Dependencies

	mu        sync.Mutex
	providers map[string]Provider
}

// New constructs a Registry from the static provider table, keyed by chain.
func New(table map[string]ProtocolConfig, deps Dependencies) *Registry {
	return &Registry{table: table, deps: deps, providers: make(map[string]Provider)}
}

// GetProvider returns chain's cached provider, constructing it on first use.
// An unknown chain yields an unsupported provider (fee math only); a known
// protocol with a zero wrapper/pool address still constructs its real
// provider type so Capabilities().Status correctly reports
// not_implemented rather than silently downgrading to "unsupported".
func (r *Registry) GetProvider(chain string) Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[chain]; ok {
		return p
	}

	cfg, ok := r.table[chain]
	if !ok {
		if r.deps.Log != nil {
			r.deps.Log.Warning().Str("chain", chain).Log("no flash-loan protocol configured for chain; falling back to unsupported")
		}
		p := &unsupportedProvider{chain: chain}
		r.providers[chain] = p
		return p
	}

	if !isValidAddress(cfg.WrapperOrPool) && r.deps.Log != nil {
		r.deps.Log.Err().Str("chain", chain).Str("protocol", string(cfg.Protocol)).Log("flash-loan provider configured with an all-zero wrapper/pool address")
	}

	p := r.build(cfg)
	r.providers[chain] = p
	return p
}

func (r *Registry) build(cfg ProtocolConfig) Provider {
	switch cfg.Protocol {
	case types.ProtocolAaveV3:
		return &wrapperProvider{protocol: types.ProtocolAaveV3, chain: cfg.Chain, wrapper: cfg.WrapperOrPool, feeBps: 9, approved: newRouterSet(cfg.ApprovedRouters), gasFallback: fallbackOr(cfg.GasFallback, 450_000), clock: r.deps.Clock}
	case types.ProtocolBalancerV2:
		return &wrapperProvider{protocol: types.ProtocolBalancerV2, chain: cfg.Chain, wrapper: cfg.WrapperOrPool, feeBps: 0, approved: newRouterSet(cfg.ApprovedRouters), gasFallback: fallbackOr(cfg.GasFallback, 420_000), clock: r.deps.Clock}
	case types.ProtocolSyncSwap:
		return &wrapperProvider{protocol: types.ProtocolSyncSwap, chain: cfg.Chain, wrapper: cfg.WrapperOrPool, feeBps: 30, approved: newRouterSet(cfg.ApprovedRouters), gasFallback: fallbackOr(cfg.GasFallback, 400_000), clock: r.deps.Clock}
	case types.ProtocolPancakeSwapV3:
		return newPancakeswapV3Provider(cfg.Chain, cfg.WrapperOrPool, cfg.PancakeFactory, cfg.PancakeFeeTier, cfg.ApprovedRouters, fallbackOr(cfg.GasFallback, 480_000), r.deps.Clock, r.deps.ViewCaller)
	case types.ProtocolDAIFlashMint:
		return &eip3156Provider{protocol: types.ProtocolDAIFlashMint, chain: cfg.Chain, pool: cfg.WrapperOrPool, feeBps: 1, approved: newRouterSet(cfg.ApprovedRouters), gasFallback: fallbackOr(cfg.GasFallback, 500_000), clock: r.deps.Clock, receiver: cfg.ReceiverContract, daiAddress: daiAddress}
	case types.ProtocolMorpho:
		return &eip3156Provider{protocol: types.ProtocolMorpho, chain: cfg.Chain, pool: cfg.WrapperOrPool, feeBps: 0, approved: newRouterSet(cfg.ApprovedRouters), gasFallback: fallbackOr(cfg.GasFallback, 430_000), clock: r.deps.Clock, supportedChains: map[string]struct{}{"ethereum": {}, "base": {}}}
	default:
		return &unsupportedProvider{chain: cfg.Chain}
	}
}

func fallbackOr(configured, def uint64) uint64 {
	if configured != 0 {
		return configured
	}
	return def
}

// GetFullySupportedChains returns every chain whose provider reports
// fully_supported capabilities, constructing providers for any chain in the
// table not yet looked up.
func (r *Registry) GetFullySupportedChains() []string {
	var chains []string
	for chain := range r.table {
		if r.GetProvider(chain).Capabilities().Status == types.StatusFullySupported {
			chains = append(chains, chain)
		}
	}
	return chains
}

// SupportSummary is one chain's protocol/status pair, for operational
// dashboards.
type SupportSummary struct {
	Chain    string
	Protocol types.Protocol
	Status   types.SupportStatus
}

// GetSupportSummary reports protocol/status for every configured chain.
func (r *Registry) GetSupportSummary() []SupportSummary {
	summary := make([]SupportSummary, 0, len(r.table))
	for chain, cfg := range r.table {
		p := r.GetProvider(chain)
		summary = append(summary, SupportSummary{Chain: chain, Protocol: cfg.Protocol, Status: p.Capabilities().Status})
	}
	return summary
}

// GetSupportStatus reports a single chain's status; unconfigured chains
// report not_implemented without registering a table entry.
func (r *Registry) GetSupportStatus(chain string) types.SupportStatus {
	return r.GetProvider(chain).Capabilities().Status
}
