package flashloan

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/flashrelay/arbexec/pkg/types"
)

const swapHopTuple = `{"name":"swapPath","type":"tuple[]","components":[{"name":"router","type":"address"},{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"minOut","type":"uint256"}]}`

func mustParseABI(json string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(json))
	if err != nil {
		panic(fmt.Sprintf("flashloan: invalid embedded ABI: %v", err))
	}
	return parsed
}

// wrapperABI covers aave_v3, balancer_v2, syncswap: all three call the same
// wrapper-contract method signature.
var wrapperABI = mustParseABI(`[{"name":"executeArbitrage","type":"function","stateMutability":"nonpayable","inputs":[
	{"name":"asset","type":"address"},
	{"name":"amount","type":"uint256"},
	` + swapHopTuple + `,
	{"name":"minProfit","type":"uint256"},
	{"name":"deadline","type":"uint256"}
],"outputs":[]}]`)

// pancakeABI additionally takes the discovered pool address as the first
// argument.
var pancakeABI = mustParseABI(`[{"name":"executeArbitrage","type":"function","stateMutability":"nonpayable","inputs":[
	{"name":"pool","type":"address"},
	{"name":"asset","type":"address"},
	{"name":"amount","type":"uint256"},
	` + swapHopTuple + `,
	{"name":"minProfit","type":"uint256"},
	{"name":"deadline","type":"uint256"}
],"outputs":[]}]`)

// pancakeFactoryABI exposes getPool for pool discovery.
var pancakeFactoryABI = mustParseABI(`[{"name":"getPool","type":"function","stateMutability":"view","inputs":[
	{"name":"tokenA","type":"address"},
	{"name":"tokenB","type":"address"},
	{"name":"fee","type":"uint24"}
],"outputs":[{"name":"pool","type":"address"}]}]`)

// daiFlashMintABI is the DssFlash EIP-3156 entrypoint: flashLoan(receiver,
// token, amount, data).
var daiFlashMintABI = mustParseABI(`[{"name":"flashLoan","type":"function","stateMutability":"nonpayable","inputs":[
	{"name":"receiver","type":"address"},
	{"name":"token","type":"address"},
	{"name":"amount","type":"uint256"},
	{"name":"data","type":"bytes"}
],"outputs":[]}]`)

// morphoFlashLoanABI is Morpho Blue's flashLoan(token, assets, data).
var morphoFlashLoanABI = mustParseABI(`[{"name":"flashLoan","type":"function","stateMutability":"nonpayable","inputs":[
	{"name":"token","type":"address"},
	{"name":"assets","type":"uint256"},
	{"name":"data","type":"bytes"}
],"outputs":[]}]`)

// innerDataABI encodes the (swapPath[], minProfit, deadline) payload both
// EIP-3156 providers pass through the "data" parameter for their receiver
// callback to decode.
var innerDataABI = mustParseABI(`[{"name":"_inner","type":"function","stateMutability":"nonpayable","inputs":[
	` + swapHopTuple + `,
	{"name":"minProfit","type":"uint256"},
	{"name":"deadline","type":"uint256"}
],"outputs":[]}]`)

func deadlineValue(clock Clock) *big.Int {
	if clock == nil {
		clock = defaultClock
	}
	return big.NewInt(clock().Add(DeadlineWindow).Unix())
}

func gasFallback(constant uint64, req *types.FlashLoanRequest, rpc GasEstimator, to common.Address, data []byte) uint64 {
	if rpc == nil {
		return constant
	}
	estimated, err := rpc.EstimateGas(req.Chain, to, data)
	if err != nil {
		return constant
	}
	return estimated
}

// wrapperProvider implements aave_v3, balancer_v2, and syncswap: identical
// ABI shape, differing only in protocol tag, fee, and wrapper address.
type wrapperProvider struct {
	protocol      types.Protocol
	chain         string
	wrapper       common.Address
	feeBps        int
	approved      routerSet
	gasFallback   uint64
	clock         Clock
}

func (p *wrapperProvider) Protocol() types.Protocol { return p.protocol }
func (p *wrapperProvider) Chain() string            { return p.chain }
func (p *wrapperProvider) IsAvailable() bool         { return isValidAddress(p.wrapper) }
func (p *wrapperProvider) ApprovedRouters() []string { return p.approved.original }

func (p *wrapperProvider) Capabilities() types.Capabilities {
	status := types.StatusFullySupported
	if !p.IsAvailable() {
		status = types.StatusNotImplemented
	}
	return types.Capabilities{SupportsMultiHop: true, SupportsMultiAsset: false, Status: status}
}

func (p *wrapperProvider) CalculateFee(amount *big.Int) types.FeeInfo {
	return calculateFee(amount, p.feeBps, p.protocol)
}

func (p *wrapperProvider) Validate(req *types.FlashLoanRequest) *ValidationError {
	return sharedValidate(p.chain, p.approved, false, req)
}

func (p *wrapperProvider) BuildCalldata(req *types.FlashLoanRequest) ([]byte, error) {
	if !p.IsAvailable() {
		return nil, fmt.Errorf("flashloan: %s provider not configured for chain %s", p.protocol, p.chain)
	}
	minProfit := req.MinProfit
	if minProfit == nil {
		minProfit = big.NewInt(0)
	}
	return wrapperABI.Pack("executeArbitrage", req.Asset, req.Amount, req.SwapPath, minProfit, deadlineValue(p.clock))
}

func (p *wrapperProvider) BuildTransaction(req *types.FlashLoanRequest, from common.Address) (*types.BuiltTransaction, error) {
	data, err := p.BuildCalldata(req)
	if err != nil {
		return nil, err
	}
	return &types.BuiltTransaction{To: p.wrapper, From: from, Data: data}, nil
}

func (p *wrapperProvider) EstimateGas(req *types.FlashLoanRequest, rpc GasEstimator) uint64 {
	data, err := p.BuildCalldata(req)
	if err != nil {
		return p.gasFallback
	}
	return gasFallback(p.gasFallback, req, rpc, p.wrapper, data)
}

// pancakeswapV3Provider additionally discovers and caches the pool address
// for a token pair, and fails closed on an empty approved-router set.
type pancakeswapV3Provider struct {
	chain       string
	wrapper     common.Address
	factory     common.Address
	tierBps     int
	approved    routerSet
	gasFallback uint64
	clock       Clock
	caller      ViewCaller

	mu        sync.Mutex
	poolCache map[string]cachedPool
}

// ViewCaller performs a read-only contract call, used for pool discovery.
// internal/rpcprovider's provider service satisfies this via CallView, a
// plain eth_call on that chain's client.
type ViewCaller interface {
	CallView(chain string, to common.Address, calldata []byte) ([]byte, error)
}

type cachedPool struct {
	pool      common.Address
	expiresAt time.Time
}

const poolCacheTTL = 5 * time.Minute

func newPancakeswapV3Provider(chain string, wrapper, factory common.Address, tier int, approved []string, gasFallback uint64, clock Clock, caller ViewCaller) *pancakeswapV3Provider {
	return &pancakeswapV3Provider{
		chain: chain, wrapper: wrapper, factory: factory, tierBps: feeTierToBps(tier),
		approved: newRouterSet(approved), gasFallback: gasFallback, clock: clock, caller: caller,
		poolCache: make(map[string]cachedPool),
	}
}

func (p *pancakeswapV3Provider) Protocol() types.Protocol { return types.ProtocolPancakeSwapV3 }
func (p *pancakeswapV3Provider) Chain() string            { return p.chain }
func (p *pancakeswapV3Provider) IsAvailable() bool         { return isValidAddress(p.wrapper) }
func (p *pancakeswapV3Provider) ApprovedRouters() []string { return p.approved.original }

func (p *pancakeswapV3Provider) Capabilities() types.Capabilities {
	status := types.StatusFullySupported
	if !p.IsAvailable() {
		status = types.StatusNotImplemented
	}
	return types.Capabilities{SupportsMultiHop: true, SupportsMultiAsset: false, Status: status}
}

// feeTierToBps converts a pancakeswap_v3 fee tier (hundredths of a bip) to
// basis points: tier/100. A provider is constructed per configured tier.
func feeTierToBps(tier int) int { return tier / 100 }

func (p *pancakeswapV3Provider) CalculateFee(amount *big.Int) types.FeeInfo {
	// Callers supply the tier via the amount-independent fee table; the
	// registry constructs one pancakeswapV3Provider per configured tier, so
	// CalculateFee here reports the provider's own bound tier.
	return calculateFee(amount, p.tierBps, types.ProtocolPancakeSwapV3)
}

func (p *pancakeswapV3Provider) Validate(req *types.FlashLoanRequest) *ValidationError {
	return sharedValidate(p.chain, p.approved, true, req)
}

// preferredFeeTiers is the pool-discovery search order: 2500, 500, 10000,
// 100 (hundredths of a bip), per spec.md's pancakeswap_v3 catalog entry.
var preferredFeeTiers = []int64{2500, 500, 10000, 100}

func (p *pancakeswapV3Provider) resolvePool(tokenA, tokenB common.Address) (common.Address, error) {
	key := strings.ToLower(tokenA.Hex()) + ":" + strings.ToLower(tokenB.Hex())

	p.mu.Lock()
	if cached, ok := p.poolCache[key]; ok && (p.clockNow()).Before(cached.expiresAt) {
		p.mu.Unlock()
		return cached.pool, nil
	}
	p.mu.Unlock()

	if p.caller == nil {
		return common.Address{}, fmt.Errorf("flashloan: pancakeswap_v3 pool discovery requires a view caller")
	}

	for _, tier := range preferredFeeTiers {
		data, err := pancakeFactoryABI.Pack("getPool", tokenA, tokenB, big.NewInt(tier))
		if err != nil {
			return common.Address{}, err
		}
		out, err := p.caller.CallView(p.chain, p.factory, data)
		if err != nil {
			continue
		}
		result, err := pancakeFactoryABI.Unpack("getPool", out)
		if err != nil || len(result) == 0 {
			continue
		}
		pool, ok := result[0].(common.Address)
		if !ok || !isValidAddress(pool) {
			continue
		}
		p.mu.Lock()
		p.poolCache[key] = cachedPool{pool: pool, expiresAt: p.clockNow().Add(poolCacheTTL)}
		p.mu.Unlock()
		return pool, nil
	}
	return common.Address{}, fmt.Errorf("flashloan: no pancakeswap_v3 pool found for %s/%s at any preferred tier", tokenA.Hex(), tokenB.Hex())
}

func (p *pancakeswapV3Provider) clockNow() time.Time {
	if p.clock == nil {
		return defaultClock()
	}
	return p.clock()
}

func (p *pancakeswapV3Provider) BuildCalldata(req *types.FlashLoanRequest) ([]byte, error) {
	if !p.IsAvailable() {
		return nil, fmt.Errorf("flashloan: pancakeswap_v3 provider not configured for chain %s", p.chain)
	}
	if len(req.SwapPath) == 0 {
		return nil, fmt.Errorf("flashloan: cannot build calldata with an empty swap path")
	}
	pool, err := p.resolvePool(req.SwapPath[0].TokenIn, req.SwapPath[0].TokenOut)
	if err != nil {
		return nil, err
	}
	minProfit := req.MinProfit
	if minProfit == nil {
		minProfit = big.NewInt(0)
	}
	return pancakeABI.Pack("executeArbitrage", pool, req.Asset, req.Amount, req.SwapPath, minProfit, deadlineValue(p.clock))
}

func (p *pancakeswapV3Provider) BuildTransaction(req *types.FlashLoanRequest, from common.Address) (*types.BuiltTransaction, error) {
	data, err := p.BuildCalldata(req)
	if err != nil {
		return nil, err
	}
	return &types.BuiltTransaction{To: p.wrapper, From: from, Data: data}, nil
}

func (p *pancakeswapV3Provider) EstimateGas(req *types.FlashLoanRequest, rpc GasEstimator) uint64 {
	data, err := p.BuildCalldata(req)
	if err != nil {
		return p.gasFallback
	}
	return gasFallback(p.gasFallback, req, rpc, p.wrapper, data)
}

// eip3156Provider implements dai_flash_mint and morpho: both call a pool
// directly via a flashLoan method, differing only in argument order and the
// protocol-specific checks prepended before the shared pipeline.
type eip3156Provider struct {
	protocol       types.Protocol
	chain          string
	pool           common.Address
	feeBps         int
	approved       routerSet
	gasFallback    uint64
	clock          Clock
	receiver       common.Address // the flash-loan-initiator contract, passed as "receiver" for DAI
	daiAddress     common.Address // only set for dai_flash_mint
	supportedChains map[string]struct{}
}

func (p *eip3156Provider) Protocol() types.Protocol { return p.protocol }
func (p *eip3156Provider) Chain() string            { return p.chain }
func (p *eip3156Provider) IsAvailable() bool         { return isValidAddress(p.pool) }
func (p *eip3156Provider) ApprovedRouters() []string { return p.approved.original }

func (p *eip3156Provider) Capabilities() types.Capabilities {
	status := types.StatusFullySupported
	if !p.IsAvailable() {
		status = types.StatusNotImplemented
	}
	return types.Capabilities{SupportsMultiHop: true, SupportsMultiAsset: false, Status: status}
}

func (p *eip3156Provider) CalculateFee(amount *big.Int) types.FeeInfo {
	return calculateFee(amount, p.feeBps, p.protocol)
}

func (p *eip3156Provider) Validate(req *types.FlashLoanRequest) *ValidationError {
	switch p.protocol {
	case types.ProtocolDAIFlashMint:
		if !strings.EqualFold(req.Asset.Hex(), p.daiAddress.Hex()) {
			return fail(ErrAssetNotDAI, "dai_flash_mint only accepts the DAI asset")
		}
		if req.Chain != "ethereum" {
			return fail(ErrChainNotSupported, "dai_flash_mint is only available on ethereum")
		}
	case types.ProtocolMorpho:
		if _, ok := p.supportedChains[req.Chain]; !ok {
			return fail(ErrChainNotSupported, "morpho is only available on ethereum and base")
		}
	}
	return sharedValidate(p.chain, p.approved, false, req)
}

func (p *eip3156Provider) innerData(req *types.FlashLoanRequest) ([]byte, error) {
	minProfit := req.MinProfit
	if minProfit == nil {
		minProfit = big.NewInt(0)
	}
	return innerDataABI.Pack("_inner", req.SwapPath, minProfit, deadlineValue(p.clock))
}

func (p *eip3156Provider) BuildCalldata(req *types.FlashLoanRequest) ([]byte, error) {
	if !p.IsAvailable() {
		return nil, fmt.Errorf("flashloan: %s provider not configured for chain %s", p.protocol, p.chain)
	}
	inner, err := p.innerData(req)
	if err != nil {
		return nil, err
	}
	// innerDataABI.Pack includes a 4-byte selector for its synthetic
	// "_inner" method; strip it so the receiver decodes a clean tuple.
	inner = inner[4:]

	switch p.protocol {
	case types.ProtocolDAIFlashMint:
		return daiFlashMintABI.Pack("flashLoan", p.receiver, req.Asset, req.Amount, inner)
	case types.ProtocolMorpho:
		return morphoFlashLoanABI.Pack("flashLoan", req.Asset, req.Amount, inner)
	default:
		return nil, fmt.Errorf("flashloan: eip3156Provider misconfigured with protocol %s", p.protocol)
	}
}

func (p *eip3156Provider) BuildTransaction(req *types.FlashLoanRequest, from common.Address) (*types.BuiltTransaction, error) {
	data, err := p.BuildCalldata(req)
	if err != nil {
		return nil, err
	}
	return &types.BuiltTransaction{To: p.pool, From: from, Data: data}, nil
}

func (p *eip3156Provider) EstimateGas(req *types.FlashLoanRequest, rpc GasEstimator) uint64 {
	data, err := p.BuildCalldata(req)
	if err != nil {
		return p.gasFallback
	}
	return gasFallback(p.gasFallback, req, rpc, p.pool, data)
}

// unsupportedProvider answers fee-math questions (used upstream by
// profitability estimation) but refuses every on-chain operation.
type unsupportedProvider struct {
	chain  string
	feeBps int
}

func (p *unsupportedProvider) Protocol() types.Protocol { return types.ProtocolUnsupported }
func (p *unsupportedProvider) Chain() string            { return p.chain }
func (p *unsupportedProvider) IsAvailable() bool         { return false }
func (p *unsupportedProvider) ApprovedRouters() []string { return nil }

func (p *unsupportedProvider) Capabilities() types.Capabilities {
	return types.Capabilities{Status: types.StatusNotImplemented}
}

func (p *unsupportedProvider) CalculateFee(amount *big.Int) types.FeeInfo {
	return calculateFee(amount, p.feeBps, types.ProtocolUnsupported)
}

func (p *unsupportedProvider) Validate(*types.FlashLoanRequest) *ValidationError {
	return fail(ErrUnsupportedProtocol, "this chain has no supported flash-loan protocol configured")
}

func (p *unsupportedProvider) BuildCalldata(*types.FlashLoanRequest) ([]byte, error) {
	return nil, fmt.Errorf("flashloan: buildCalldata not implemented for unsupported protocol")
}

func (p *unsupportedProvider) BuildTransaction(*types.FlashLoanRequest, common.Address) (*types.BuiltTransaction, error) {
	return nil, fmt.Errorf("flashloan: buildTransaction not implemented for unsupported protocol")
}

func (p *unsupportedProvider) EstimateGas(*types.FlashLoanRequest, GasEstimator) uint64 {
	return 0
}
