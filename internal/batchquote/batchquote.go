// Package batchquote implements the feature-flagged fan-out of quote
// requests (spec.md §4.7): when enabled and a batch quoter exists for the
// chain, it builds one QuoteRequest per hop and simulates the whole path in
// one call; on any failure (exception, or allSuccess=false) it falls back
// to the sequential on-chain profit calculator. The batch quoter and the
// sequential calculator are both out-of-scope external collaborators
// (spec.md §1); this package only specifies how the core consumes them.
package batchquote

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/flashrelay/arbexec/internal/logging"
	"github.com/flashrelay/arbexec/pkg/types"
)

// Config carries the useBatchedQuoter feature flag (spec.md §6's "feature-
// flag source with at least useBatchedQuoter").
type Config struct {
	UseBatchedQuoter bool
}

// QuoteRequest is one hop of a batched simulation request.
type QuoteRequest struct {
	Router   common.Address
	TokenIn  common.Address
	TokenOut common.Address
	AmountIn *big.Int // set on the first hop only; later hops feed on-chain
}

// SimulationResult is the batch quoter's verdict for a full path.
type SimulationResult struct {
	AllSuccess     bool
	ExpectedProfit *big.Int
}

// BatchQuoter simulates a full multi-hop arbitrage path in one round trip.
// Implemented by the out-of-scope external simulation service's client.
type BatchQuoter interface {
	SimulateArbitragePath(ctx context.Context, requests []QuoteRequest, inputAmount *big.Int, blockNumber uint64) (SimulationResult, error)
}

// SequentialCalculator computes expected profit one hop at a time on-chain;
// the fallback path whenever batching is off, unavailable, or fails.
type SequentialCalculator interface {
	CalculateExpectedProfit(ctx context.Context, opp *types.Opportunity, chain string) (*big.Int, error)
}

// FlashLoanFeeCalculator computes a chain's flash-loan fee for amount;
// implemented by internal/flashloan's registry (Provider.CalculateFee),
// narrowed here so batchquote never imports flashloan's Provider interface
// directly.
type FlashLoanFeeCalculator interface {
	CalculateFlashLoanFee(chain string, amount *big.Int) *big.Int
}

// DEXLookup resolves the router address for an n-hop opportunity's hop,
// where the opportunity itself doesn't carry a router (spec.md §4.7's
// "routers resolved via a DEX-lookup callback").
type DEXLookup func(chain string, tokenIn, tokenOut common.Address) (common.Address, error)

// ErrNoBatchQuoter names the "not configured for this chain" condition.
// CalculateExpectedProfitWithBatching does not return it: a chain with no
// batch quoter goes straight to the sequential fallback without logging.
var ErrNoBatchQuoter = errors.New("batchquote: no batch quoter configured for chain")

// Result is calculateExpectedProfitWithBatching's return value.
type Result struct {
	ExpectedProfit *big.Int
	FlashLoanFee   *big.Int
}

// Manager wires the feature flag, the per-chain batch quoters, the
// sequential fallback, and the fee calculator together.
type Manager struct {
	cfg      Config
	quoters  map[string]BatchQuoter
	fallback SequentialCalculator
	fees     FlashLoanFeeCalculator
	dexLookup DEXLookup
	log      *logging.Logger
}

// New constructs a Manager. quoters may be a partial map — chains absent
// from it always fall back to fallback.
func New(cfg Config, quoters map[string]BatchQuoter, fallback SequentialCalculator, fees FlashLoanFeeCalculator, dexLookup DEXLookup, log *logging.Logger) *Manager {
	if quoters == nil {
		quoters = make(map[string]BatchQuoter)
	}
	return &Manager{cfg: cfg, quoters: quoters, fallback: fallback, fees: fees, dexLookup: dexLookup, log: log}
}

// CalculateExpectedProfitWithBatching implements spec.md §4.7's entrypoint.
// blockNumber pins the simulation to a specific block for determinism.
func (m *Manager) CalculateExpectedProfitWithBatching(ctx context.Context, opp *types.Opportunity, chain string, blockNumber uint64) (Result, error) {
	quoter, ok := m.quoters[chain]
	if !m.cfg.UseBatchedQuoter || !ok {
		return m.sequential(ctx, opp, chain)
	}

	requests, err := m.buildQuoteRequests(opp, chain)
	if err != nil {
		if m.log != nil {
			m.log.Warning().Str("chain", chain).Str("opportunityId", opp.Id).Str("error", err.Error()).
				Log("failed to build batched quote requests, using fallback")
		}
		return m.sequential(ctx, opp, chain)
	}

	result, err := quoter.SimulateArbitragePath(ctx, requests, opp.AmountIn, blockNumber)
	if err != nil {
		if m.log != nil {
			m.log.Warning().Str("chain", chain).Str("opportunityId", opp.Id).Str("error", err.Error()).
				Log("BatchQuoter error, using fallback")
		}
		return m.sequential(ctx, opp, chain)
	}
	if !result.AllSuccess {
		if m.log != nil {
			m.log.Warning().Str("chain", chain).Str("opportunityId", opp.Id).
				Log("Batched simulation failed, using fallback")
		}
		return m.sequential(ctx, opp, chain)
	}

	fee := m.flashLoanFee(chain, opp.AmountIn)
	return Result{ExpectedProfit: result.ExpectedProfit, FlashLoanFee: fee}, nil
}

func (m *Manager) sequential(ctx context.Context, opp *types.Opportunity, chain string) (Result, error) {
	if m.fallback == nil {
		return Result{}, errors.New("batchquote: no sequential fallback calculator configured")
	}
	profit, err := m.fallback.CalculateExpectedProfit(ctx, opp, chain)
	if err != nil {
		return Result{}, fmt.Errorf("batchquote: sequential fallback failed: %w", err)
	}
	return Result{ExpectedProfit: profit, FlashLoanFee: m.flashLoanFee(chain, opp.AmountIn)}, nil
}

func (m *Manager) flashLoanFee(chain string, amount *big.Int) *big.Int {
	if m.fees == nil {
		return big.NewInt(0)
	}
	return m.fees.CalculateFlashLoanFee(chain, amount)
}

// buildQuoteRequests implements the 2-hop and n-hop shapes in spec.md
// §4.7. A missing router for an n-hop leg is the one error condition this
// function raises; the caller converts it to the fallback path.
func (m *Manager) buildQuoteRequests(opp *types.Opportunity, chain string) ([]QuoteRequest, error) {
	if len(opp.Path) == 2 {
		buy, sell := opp.Path[0], opp.Path[1]
		return []QuoteRequest{
			{Router: buy.Router, TokenIn: buy.TokenIn, TokenOut: buy.TokenOut, AmountIn: opp.AmountIn},
			{Router: sell.Router, TokenIn: sell.TokenIn, TokenOut: sell.TokenOut, AmountIn: big.NewInt(0)},
		}, nil
	}

	requests := make([]QuoteRequest, 0, len(opp.Path))
	for i, hop := range opp.Path {
		router := hop.Router
		if (router == common.Address{}) {
			if m.dexLookup == nil {
				return nil, fmt.Errorf("batchquote: hop %d has no router and no DEX lookup is configured", i)
			}
			resolved, err := m.dexLookup(chain, hop.TokenIn, hop.TokenOut)
			if err != nil {
				return nil, fmt.Errorf("batchquote: hop %d: resolve router: %w", i, err)
			}
			router = resolved
		}
		amountIn := big.NewInt(0)
		if i == 0 {
			amountIn = opp.AmountIn
		}
		requests = append(requests, QuoteRequest{Router: router, TokenIn: hop.TokenIn, TokenOut: hop.TokenOut, AmountIn: amountIn})
	}
	return requests, nil
}
