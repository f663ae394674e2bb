// Package txlistener polls for transaction receipts. Flash-loan execution
// needs to know a submitted transaction's outcome (success, revert, gas
// used) before the coordinator can record a terminal ExecutionResult.
package txlistener

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrTimeout is returned by WaitForTransaction when Timeout elapses before a
// receipt is observed.
var ErrTimeout = errors.New("txlistener: timed out waiting for receipt")

// ReceiptFetcher is the subset of ethclient.Client a Listener needs.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ ReceiptFetcher = (*ethclient.Client)(nil)

// Listener polls ReceiptFetcher at PollInterval until a receipt appears or
// Timeout elapses.
type Listener struct {
	client       ReceiptFetcher
	pollInterval time.Duration
	timeout      time.Duration
}

// Option configures a Listener at construction.
type Option func(*Listener)

// WithPollInterval overrides the default 3s poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(l *Listener) { l.pollInterval = d }
}

// WithTimeout overrides the default 5m wait timeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Listener) { l.timeout = d }
}

// New constructs a Listener bound to client with the given options applied.
func New(client ReceiptFetcher, opts ...Option) *Listener {
	l := &Listener{client: client, pollInterval: 3 * time.Second, timeout: 5 * time.Minute}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WaitForTransaction blocks, polling at PollInterval, until txHash's
// receipt is available, ctx is cancelled, or Timeout elapses.
func (l *Listener) WaitForTransaction(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		case <-ticker.C:
		}
	}
}
