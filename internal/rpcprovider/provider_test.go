package rpcprovider

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashrelay/arbexec/internal/logging"
	"github.com/flashrelay/arbexec/internal/stats"
	"github.com/flashrelay/arbexec/pkg/contractclient"
)

type fakeClient struct {
	mu      sync.Mutex
	fail    bool
	closed  bool
	blockNo uint64
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, assertErr("rpc down")
	}
	return f.blockNo, nil
}

func (f *fakeClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return []byte{}, nil
}

func (f *fakeClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeClient) NetworkID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	return nil
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	return &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful}, nil
}

func (f *fakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeClient) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func newTestService(t *testing.T, clients map[string]*fakeClient) *Service {
	t.Helper()
	configs := make([]ChainConfig, 0, len(clients))
	for chain := range clients {
		configs = append(configs, ChainConfig{Chain: chain, RPCURL: "fake://" + chain})
	}
	dial := func(ctx context.Context, rpcURL string) (Client, error) {
		for chain, c := range clients {
			if rpcURL == "fake://"+chain {
				return c, nil
			}
		}
		return nil, assertErr("no such fake client")
	}
	st := &stats.ExecutionStats{}
	return New(configs, dial, common.Address{}, nil, logging.NewDiscard(), st)
}

func TestInitialDialMarksHealthy(t *testing.T) {
	s := newTestService(t, map[string]*fakeClient{"eth": {blockNo: 100}})
	assert.Equal(t, 1, s.GetHealthyCount())
	hm := s.GetHealthMap()
	require.Contains(t, hm, "eth")
	assert.True(t, hm["eth"].Healthy)
}

func TestHealthCheckCycleDetectsFailureAndReconnects(t *testing.T) {
	failing := &fakeClient{blockNo: 1, fail: true}
	s := newTestService(t, map[string]*fakeClient{"eth": failing})
	require.Equal(t, 1, s.GetHealthyCount())

	var reconnected []string
	var mu sync.Mutex
	s.OnProviderReconnect(func(chain string) {
		mu.Lock()
		reconnected = append(reconnected, chain)
		mu.Unlock()
	})

	s.reconnectFailureThreshold = 2
	s.runHealthCycle()
	assert.Equal(t, 0, s.GetHealthyCount())
	s.runHealthCycle()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"eth"}, reconnected)
	assert.EqualValues(t, 1, func() uint64 {
		snap := s.stSnapshot()
		return snap.ProviderReconnections
	}())
}

func (s *Service) stSnapshot() stats.Snapshot { return s.st.Snapshot() }

func TestHealthyCountNeverDrifts(t *testing.T) {
	c1 := &fakeClient{blockNo: 1}
	c2 := &fakeClient{blockNo: 1}
	s := newTestService(t, map[string]*fakeClient{"a": c1, "b": c2})
	require.Equal(t, 2, s.GetHealthyCount())

	c1.setFail(true)
	s.runHealthCycle()
	assert.Equal(t, 1, s.GetHealthyCount())

	c1.setFail(false)
	s.runHealthCycle()
	assert.Equal(t, 2, s.GetHealthyCount())
}

func TestReentrancyGuardSkipsOverlappingCycle(t *testing.T) {
	s := newTestService(t, map[string]*fakeClient{"eth": {blockNo: 1}})
	s.isCheckingHealth = true
	// should return immediately without panicking or deadlocking
	done := make(chan struct{})
	go func() {
		s.runHealthCycle()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runHealthCycle did not return while guard was held")
	}
}

type fakeGasBaselineRecorder struct {
	mu     sync.Mutex
	prices map[string][]*big.Int
}

func (f *fakeGasBaselineRecorder) RecordGasBaseline(chain string, price *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prices == nil {
		f.prices = make(map[string][]*big.Int)
	}
	f.prices[chain] = append(f.prices[chain], price)
}

func TestHealthCheckSamplesGasBaselineOnSuccess(t *testing.T) {
	s := newTestService(t, map[string]*fakeClient{"eth": {blockNo: 1}})
	rec := &fakeGasBaselineRecorder{}
	s.SetGasBaselineRecorder(rec)

	s.runHealthCycle()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.prices["eth"], 1)
	assert.Equal(t, big.NewInt(1_000_000_000), rec.prices["eth"][0])
}

func TestClearClosesClients(t *testing.T) {
	c := &fakeClient{blockNo: 1}
	s := newTestService(t, map[string]*fakeClient{"eth": c})
	s.Clear()
	assert.True(t, c.closed)
	assert.Equal(t, 0, s.GetHealthyCount())
}

// fakeFullBackend additionally satisfies contractclient.Backend (the full
// bind.ContractBackend surface plus TransactionByHash/TransactionReceipt/
// NetworkID), so SendTransaction routes through pkg/contractclient instead
// of its inline fallback sequence, same as the real ethclient.Client does.
type fakeFullBackend struct {
	fakeClient
	sentTo *common.Address
}

func (f *fakeFullBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}
func (f *fakeFullBackend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return nil, nil
}
func (f *fakeFullBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{}, nil
}
func (f *fakeFullBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (f *fakeFullBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	return nil, nil
}
func (f *fakeFullBackend) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error) {
	return nil, assertErr("not implemented")
}
func (f *fakeFullBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	return nil, false, assertErr("not implemented")
}
func (f *fakeFullBackend) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	to := tx.To()
	f.sentTo = to
	return nil
}

var _ contractclient.Backend = (*fakeFullBackend)(nil)

func TestSendTransactionDelegatesToContractClientWhenBackendSatisfied(t *testing.T) {
	backend := &fakeFullBackend{fakeClient: fakeClient{blockNo: 1}}
	configs := []ChainConfig{{Chain: "eth", RPCURL: "fake://eth"}}
	dial := func(ctx context.Context, rpcURL string) (Client, error) { return backend, nil }
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := New(configs, dial, common.Address{}, key, logging.NewDiscard(), &stats.ExecutionStats{})

	to := common.HexToAddress("0x1000000000000000000000000000000000000001")
	hash, err := s.SendTransaction(context.Background(), "eth", to, []byte{0x01, 0x02}, key)
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)
	require.NotNil(t, backend.sentTo)
	assert.Equal(t, to, *backend.sentTo)
}
