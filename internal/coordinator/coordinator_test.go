package coordinator

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

	"github.com/flashrelay/arbexec/internal/batchquote"
	"github.com/flashrelay/arbexec/internal/breaker"
	"github.com/flashrelay/arbexec/internal/eventstream"
	"github.com/flashrelay/arbexec/internal/flashloan"
	"github.com/flashrelay/arbexec/internal/lockconflict"
	"github.com/flashrelay/arbexec/internal/logging"
	"github.com/flashrelay/arbexec/internal/queue"
	"github.com/flashrelay/arbexec/internal/rpcprovider"
	"github.com/flashrelay/arbexec/internal/stats"
	arbtypes "github.com/flashrelay/arbexec/pkg/types"
)

func addr(s string) common.Address { return common.HexToAddress(s) }

type fakeChainClient struct{}

func (f *fakeChainClient) BlockNumber(ctx context.Context) (uint64, error) { return 100, nil }
func (f *fakeChainClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}
func (f *fakeChainClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}
func (f *fakeChainClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeChainClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeChainClient) NetworkID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeChainClient) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	return nil
}
func (f *fakeChainClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	return &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, GasUsed: 150000}, nil
}
func (f *fakeChainClient) Close() {}

type fakeStream struct {
	mu        sync.Mutex
	msgs      []eventstream.Message
	acked     []string
	published []arbtypes.ExecutionResult
	reads     int
}

func (f *fakeStream) ReadOpportunities(ctx context.Context, group, consumer string, block time.Duration) ([]eventstream.Message, error) {
	f.mu.Lock()
	f.reads++
	if len(f.msgs) > 0 {
		out := f.msgs
		f.msgs = nil
		f.mu.Unlock()
		return out, nil
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(block):
		return nil, nil
	}
}

func (f *fakeStream) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeStream) Ack(ctx context.Context, group, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeStream) PublishExecutionResult(ctx context.Context, result arbtypes.ExecutionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, result)
	return nil
}

func (f *fakeStream) ReadAdminCommands(ctx context.Context, afterID string) ([]eventstream.AdminCommand, string, error) {
	return nil, afterID, nil
}

func (f *fakeStream) snapshot() (acked []string, published []arbtypes.ExecutionResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...), append([]arbtypes.ExecutionResult(nil), f.published...)
}

type fakeFallback struct{ profit *big.Int }

func (f *fakeFallback) CalculateExpectedProfit(ctx context.Context, opp *arbtypes.Opportunity, chain string) (*big.Int, error) {
	return f.profit, nil
}

type fakeFees struct{ fee *big.Int }

func (f *fakeFees) CalculateFlashLoanFee(chain string, amount *big.Int) *big.Int { return f.fee }

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeStream, *stats.ExecutionStats) {
	t.Helper()
	log := logging.NewDiscard()
	st := &stats.ExecutionStats{}

	q, err := queue.New(queue.Config{MaxSize: 10, HighWaterMark: 8, LowWaterMark: 3}, log)
	require.NoError(t, err)

	br := breaker.New(breaker.Config{FailureThreshold: 3, OpenDuration: time.Minute, HalfOpenSuccessThreshold: 1}, log, st, nil)
	tracker := lockconflict.New(lockconflict.Config{})

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallet := crypto.PubkeyToAddress(key.PublicKey)

	dial := func(ctx context.Context, rpcURL string) (rpcprovider.Client, error) {
		return &fakeChainClient{}, nil
	}
	providers := rpcprovider.New([]rpcprovider.ChainConfig{{Chain: "ethereum", RPCURL: "fake://ethereum"}}, dial, wallet, key, log, st)

	table := map[string]flashloan.ProtocolConfig{
		"ethereum": {Protocol: arbtypes.ProtocolAaveV3, Chain: "ethereum", WrapperOrPool: addr("0x1000000000000000000000000000000000000001")},
	}
	registry := flashloan.New(table, flashloan.Dependencies{Log: log})

	batch := batchquote.New(batchquote.Config{UseBatchedQuoter: false}, nil, &fakeFallback{profit: big.NewInt(500)}, &fakeFees{fee: big.NewInt(10)}, nil, log)

	stream := &fakeStream{}

	cfg := Config{Group: "g", Consumer: "c1", NumWorkers: 2, BlockTimeout: 20 * time.Millisecond, ExecutionTimeout: 10 * time.Second, AdminPollInterval: time.Hour}
	c := New(cfg, log, st, q, br, registry, providers, tracker, batch, stream, nil, nil, nil)
	return c, stream, st
}

func validOpportunity() arbtypes.Opportunity {
	tokenA := addr("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	tokenB := addr("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	router := addr("0xcccccccccccccccccccccccccccccccccccccccc")
	return arbtypes.Opportunity{
		Id:             "opp-1",
		SourceChain:    "ethereum",
		TokenIn:        tokenA,
		TokenOut:       tokenB,
		AmountIn:       big.NewInt(1_000_000),
		ExpectedProfit: big.NewInt(500),
		Path: []arbtypes.SwapHop{
			{Router: router, TokenIn: tokenA, TokenOut: tokenB, MinOut: big.NewInt(1)},
			{Router: router, TokenIn: tokenB, TokenOut: tokenA, MinOut: big.NewInt(1)},
		},
		Deadline:        time.Now().Add(time.Hour),
		BrokerMessageID: "msg-1",
	}
}

func TestSuccessfulExecutionEndToEnd(t *testing.T) {
	c, stream, st := newTestCoordinator(t)
	opp := validOpportunity()
	stream.msgs = []eventstream.Message{{ID: opp.BrokerMessageID, Opportunity: opp}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	require.Eventually(t, func() bool {
		_, published := stream.snapshot()
		return len(published) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, published := stream.snapshot()
	result := published[0]
	assert.Equal(t, arbtypes.OutcomeSuccess, result.Outcome)
	assert.Equal(t, big.NewInt(500), result.RealizedProfit)
	assert.EqualValues(t, 150000, result.GasUsed)
	require.NotNil(t, result.TxHash)

	acked, _ := stream.snapshot()
	assert.Contains(t, acked, "msg-1")
	assert.EqualValues(t, 1, st.Snapshot().ExecutionsSucceeded)
}

func TestAcquireLockRecoversStaleLock(t *testing.T) {
	c, _, st := newTestCoordinator(t)
	c.tracker = lockconflict.New(lockconflict.Config{ConflictThreshold: 2, WindowMs: 60_000, MaxEntries: 1000})

	require.True(t, c.acquireLock("x"))
	assert.False(t, c.acquireLock("x"))
	assert.True(t, c.acquireLock("x"))
	assert.EqualValues(t, 1, st.Snapshot().StaleLockRecoveries)
}

func TestOnOpportunityQueueRejectAcksImmediately(t *testing.T) {
	c, stream, st := newTestCoordinator(t)
	full := &arbtypes.Opportunity{Id: "filler"}
	for i := 0; i < 8; i++ {
		require.True(t, c.queue.Enqueue(full))
	}

	opp := validOpportunity()
	opp.BrokerMessageID = "rejected-msg"
	c.onOpportunity(eventstream.Message{ID: opp.BrokerMessageID, Opportunity: opp})

	acked, _ := stream.snapshot()
	assert.Contains(t, acked, "rejected-msg")
	assert.EqualValues(t, 1, st.Snapshot().QueueRejects)
	assert.EqualValues(t, 1, st.Snapshot().OpportunitiesRejected)
}

func TestStreamReaderStopsPullingWhilePaused(t *testing.T) {
	c, stream, _ := newTestCoordinator(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	require.Eventually(t, func() bool { return stream.readCount() > 0 }, time.Second, 10*time.Millisecond)

	c.queue.Pause()
	require.Eventually(t, func() bool { return c.streamPaused.Load() }, time.Second, 5*time.Millisecond)

	before := stream.readCount()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, before, stream.readCount(), "paused reader must not keep pulling from the broker")

	c.queue.Resume()
	require.Eventually(t, func() bool { return stream.readCount() > before }, time.Second, 10*time.Millisecond)
}

func TestBasicValidateRejectsEmptyPath(t *testing.T) {
	opp := validOpportunity()
	opp.Path = nil
	verr := basicValidate(&opp)
	require.NotNil(t, verr)
	assert.Equal(t, flashloan.ErrEmptyPath, verr.Code)
}

func TestBasicValidateRejectsZeroAmount(t *testing.T) {
	opp := validOpportunity()
	opp.AmountIn = big.NewInt(0)
	verr := basicValidate(&opp)
	require.NotNil(t, verr)
	assert.Equal(t, flashloan.ErrZeroAmount, verr.Code)
}
