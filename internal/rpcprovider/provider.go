// Package rpcprovider owns one ethclient connection per chain and the wallet
// shared across them,
// runs the periodic health-check loop, and reconnects a chain's provider
// after repeated failures (spec.md §4.4).
package rpcprovider

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/flashrelay/arbexec/internal/logging"
	"github.com/flashrelay/arbexec/internal/stats"
	"github.com/flashrelay/arbexec/pkg/contractclient"
	"github.com/flashrelay/arbexec/pkg/txlistener"
)

// Dialer constructs a chain connection; production wires ethclient.DialContext,
// tests inject a fake.
type Dialer func(ctx context.Context, rpcURL string) (Client, error)

// Client is the subset of ethclient.Client the service needs: health checks
// plus the raw call/estimate surface flashloan.ViewCaller and
// flashloan.GasEstimator need for pool discovery and gas estimation.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	Close()
}

// GasBaselineRecorder receives one gas-price sample per successful health
// check, per SPEC_FULL.md's "Gas baseline sampling feed" supplement;
// implemented by internal/health.Monitor.
type GasBaselineRecorder interface {
	RecordGasBaseline(chain string, price *big.Int)
}

var _ Client = (*ethclient.Client)(nil)

// ChainConfig is one chain's static connection info, from the provider table.
type ChainConfig struct {
	Chain  string
	RPCURL string
}

type health struct {
	healthy             bool
	consecutiveFailures int
	lastCheck           time.Time
}

// ReconnectFunc is invoked after a provider's failure streak crosses the
// reconnection threshold.
type ReconnectFunc func(chain string)

// Service owns the per-chain client map and health state, per spec.md §4.4.
type Service struct {
	dial   Dialer
	log    *logging.Logger
	st     *stats.ExecutionStats
	wallet common.Address
	key    *ecdsa.PrivateKey

	checkInterval            time.Duration
	reconnectFailureThreshold int

	mu      sync.RWMutex
	clients map[string]Client
	configs map[string]ChainConfig
	healths map[string]*health

	healthyCount int64 // cached; seeded by New, adjusted by updateHealth, reset by Clear

	isCheckingHealth bool
	checkMu          sync.Mutex

	onReconnect ReconnectFunc
	gasBaseline GasBaselineRecorder

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SetGasBaselineRecorder wires the health monitor's gas-price sampling
// hook. Optional: a nil recorder (the default) simply skips sampling.
func (s *Service) SetGasBaselineRecorder(r GasBaselineRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gasBaseline = r
}

// New constructs a Service over the given chain configs. dial is called once
// per chain at construction and again on every reconnection attempt.
func New(configs []ChainConfig, dial Dialer, wallet common.Address, key *ecdsa.PrivateKey, log *logging.Logger, st *stats.ExecutionStats) *Service {
	s := &Service{
		dial:                      dial,
		log:                       log,
		st:                        st,
		wallet:                    wallet,
		key:                       key,
		checkInterval:             30 * time.Second,
		reconnectFailureThreshold: 3,
		clients:                   make(map[string]Client),
		configs:                   make(map[string]ChainConfig),
		healths:                   make(map[string]*health),
		stopCh:                    make(chan struct{}),
	}
	for _, c := range configs {
		s.configs[c.Chain] = c
		client, err := dial(context.Background(), c.RPCURL)
		h := &health{lastCheck: time.Time{}}
		if err != nil {
			if log != nil {
				log.Err().Str("chain", c.Chain).Str("error", err.Error()).Log("initial RPC dial failed")
			}
		} else {
			s.clients[c.Chain] = client
			h.healthy = true
			s.healthyCount++
		}
		s.healths[c.Chain] = h
	}
	return s
}

// GetProvider returns chain's client, or (nil, false) if none is connected.
func (s *Service) GetProvider(chain string) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[chain]
	return c, ok
}

// GetWallet returns the wallet address and signing key shared across chains.
func (s *Service) GetWallet() (common.Address, *ecdsa.PrivateKey) {
	return s.wallet, s.key
}

// HealthSnapshot is a read-only copy of one chain's health record.
type HealthSnapshot struct {
	Chain                string
	Healthy              bool
	ConsecutiveFailures  int
	LastCheck            time.Time
}

// GetHealthMap returns a defensive copy of every chain's health record.
func (s *Service) GetHealthMap() map[string]HealthSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]HealthSnapshot, len(s.healths))
	for chain, h := range s.healths {
		out[chain] = HealthSnapshot{Chain: chain, Healthy: h.healthy, ConsecutiveFailures: h.consecutiveFailures, LastCheck: h.lastCheck}
	}
	return out
}

// GetHealthyCount returns the cached count in O(1). New seeds it, updateHealth
// is the only code that changes it on a health transition, and Clear resets
// it together with the map, so it never drifts from the map (spec.md §9 open
// question b).
func (s *Service) GetHealthyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.healthyCount)
}

// OnProviderReconnect registers the single reconnection listener.
func (s *Service) OnProviderReconnect(cb ReconnectFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReconnect = cb
}

// StartHealthChecks launches the background ticker loop.
func (s *Service) StartHealthChecks() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.runHealthCycle()
			}
		}
	}()
}

// StopHealthChecks stops the ticker loop and waits for it to exit.
func (s *Service) StopHealthChecks() {
	close(s.stopCh)
	s.wg.Wait()
}

// Clear closes every connected client and resets state; used on shutdown.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.Close()
	}
	s.clients = make(map[string]Client)
	s.healths = make(map[string]*health)
	s.healthyCount = 0
}

func (s *Service) runHealthCycle() {
	s.checkMu.Lock()
	if s.isCheckingHealth {
		s.checkMu.Unlock()
		if s.log != nil {
			s.log.Debug().Log("health check cycle already running; skipping this tick")
		}
		return
	}
	s.isCheckingHealth = true
	s.checkMu.Unlock()

	defer func() {
		s.checkMu.Lock()
		s.isCheckingHealth = false
		s.checkMu.Unlock()
	}()

	s.mu.RLock()
	chains := make([]string, 0, len(s.configs))
	for chain := range s.configs {
		chains = append(chains, chain)
	}
	s.mu.RUnlock()

	for _, chain := range chains {
		s.checkOne(chain)
	}
}

func (s *Service) checkOne(chain string) {
	s.mu.RLock()
	client, ok := s.clients[chain]
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if !ok {
		err = errNoClient
	} else {
		_, err = client.BlockNumber(ctx)
	}

	if err == nil {
		s.updateHealth(chain, true)
		s.sampleGasBaseline(ctx, chain, client)
		return
	}

	if s.st != nil {
		s.st.IncProviderHealthCheckFailures()
	}
	failures := s.updateHealth(chain, false)
	if failures >= s.reconnectFailureThreshold {
		s.attemptReconnection(chain)
	}
}

// sampleGasBaseline samples eth_gasPrice right after a successful
// connectivity probe and forwards it to the wired GasBaselineRecorder, if
// any. Errors are logged and never affect the health-check result itself.
func (s *Service) sampleGasBaseline(ctx context.Context, chain string, client Client) {
	s.mu.RLock()
	recorder := s.gasBaseline
	s.mu.RUnlock()
	if recorder == nil {
		return
	}
	price, err := client.SuggestGasPrice(ctx)
	if err != nil {
		if s.log != nil {
			s.log.Debug().Str("chain", chain).Str("error", err.Error()).Log("gas price sample failed")
		}
		return
	}
	recorder.RecordGasBaseline(chain, price)
}

var errNoClient = clientError("rpcprovider: no client connected for chain")

type clientError string

func (e clientError) Error() string { return string(e) }

// updateHealth is the sole mutator of healthyCount and the per-chain health
// record, per spec.md §9's open question (b).
func (s *Service) updateHealth(chain string, ok bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, exists := s.healths[chain]
	if !exists {
		h = &health{}
		s.healths[chain] = h
	}
	wasHealthy := h.healthy
	h.lastCheck = time.Now()

	if ok {
		h.consecutiveFailures = 0
		h.healthy = true
		if !wasHealthy {
			s.healthyCount++
		}
		return 0
	}

	h.consecutiveFailures++
	h.healthy = false
	if wasHealthy {
		s.healthyCount--
	}
	return h.consecutiveFailures
}

// CallView implements flashloan.ViewCaller: a read-only eth_call against a
// given address with pre-encoded calldata, routed to chain's client.
func (s *Service) CallView(chain string, to common.Address, calldata []byte) ([]byte, error) {
	client, ok := s.GetProvider(chain)
	if !ok {
		return nil, errNoClient
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: calldata}, nil)
}

// EstimateGas implements flashloan.GasEstimator: live eth_estimateGas against
// chain's client.
func (s *Service) EstimateGas(chain string, to common.Address, data []byte) (uint64, error) {
	client, ok := s.GetProvider(chain)
	if !ok {
		return 0, errNoClient
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return client.EstimateGas(ctx, ethereum.CallMsg{From: s.wallet, To: &to, Data: data})
}

// SendTransaction signs and broadcasts a flash-loan execution transaction
// built by internal/flashloan. When chain's client is a full
// contractclient.Backend (always true for the production ethclient.Client,
// not for the narrow fakes unit tests dial) the send is delegated to a
// pkg/contractclient.Client bound to `to`, reusing the teacher's
// nonce/gas-price/estimate/sign/broadcast sequence (Client.SendRaw) instead
// of duplicating it here. Test fakes fall back to the inline sequence below.
func (s *Service) SendTransaction(ctx context.Context, chain string, to common.Address, data []byte, key *ecdsa.PrivateKey) (common.Hash, error) {
	client, ok := s.GetProvider(chain)
	if !ok {
		return common.Hash{}, errNoClient
	}

	if backend, ok := client.(contractclient.Backend); ok {
		cc := contractclient.New(backend, to, abi.ABI{})
		return cc.SendRaw(ctx, s.wallet, key, 0, data)
	}

	nonce, err := client.PendingNonceAt(ctx, s.wallet)
	if err != nil {
		return common.Hash{}, err
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{From: s.wallet, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, err
	}
	chainID, err := client.NetworkID(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.NewEIP155Signer(chainID), key)
	if err != nil {
		return common.Hash{}, err
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// WaitForReceipt polls chain's client for txHash's receipt until it
// appears, ctx is cancelled, or timeout elapses.
func (s *Service) WaitForReceipt(ctx context.Context, chain string, txHash common.Hash, timeout time.Duration) (*gethtypes.Receipt, error) {
	client, ok := s.GetProvider(chain)
	if !ok {
		return nil, errNoClient
	}
	listener := txlistener.New(client, txlistener.WithTimeout(timeout))
	return listener.WaitForTransaction(ctx, txHash)
}

func (s *Service) attemptReconnection(chain string) {
	cfg, ok := s.configs[chain]
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	newClient, err := s.dial(ctx, cfg.RPCURL)
	if err != nil {
		if s.log != nil {
			s.log.Err().Str("chain", chain).Str("error", err.Error()).Log("provider reconnection attempt failed")
		}
		return
	}

	s.mu.Lock()
	if old, existed := s.clients[chain]; existed {
		old.Close()
	}
	s.clients[chain] = newClient
	if h, ok := s.healths[chain]; ok {
		h.consecutiveFailures = 0
	}
	cb := s.onReconnect
	s.mu.Unlock()

	if s.st != nil {
		s.st.IncProviderReconnections()
	}
	if s.log != nil {
		s.log.Info().Str("chain", chain).Log("provider reconnected")
	}
	if cb != nil {
		cb(chain)
	}
}
