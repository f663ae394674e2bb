package contractclient

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

type fakeBackend struct {
	callReturn  []byte
	callErr     error
	nonce       uint64
	gasPrice    *big.Int
	estimated   uint64
	chainID     *big.Int
	sentTx      *types.Transaction
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.callReturn, f.callErr
}
func (f *fakeBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}
func (f *fakeBackend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return nil, nil
}
func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}
func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return f.gasPrice, nil }
func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}
func (f *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return f.estimated, nil
}
func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.sentTx = tx
	return nil
}
func (f *fakeBackend) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (f *fakeBackend) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, nil
}
func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return nil, nil
}
func (f *fakeBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, nil
}
func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, nil
}
func (f *fakeBackend) NetworkID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }

func parsedERC20ABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	require.NoError(t, err)
	return parsed
}

func TestCallUnpacksResult(t *testing.T) {
	contractABI := parsedERC20ABI(t)
	want := big.NewInt(12345)
	packed, err := contractABI.Methods["balanceOf"].Outputs.Pack(want)
	require.NoError(t, err)

	backend := &fakeBackend{callReturn: packed}
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	c := New(backend, addr, contractABI)

	out, err := c.Call(context.Background(), common.Address{}, "balanceOf", addr)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, want, out[0])
}

func TestSendSignsAndBroadcasts(t *testing.T) {
	contractABI := parsedERC20ABI(t)
	backend := &fakeBackend{nonce: 4, gasPrice: big.NewInt(1_000_000_000), estimated: 60000, chainID: big.NewInt(1)}
	addr := common.HexToAddress("0x2222222222222222222222222222222222222222")
	c := New(backend, addr, contractABI)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)

	spender := common.HexToAddress("0x3333333333333333333333333333333333333333")
	hash, err := c.Send(context.Background(), from, key, 0, "approve", spender, big.NewInt(100))
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)
	require.NotNil(t, backend.sentTx)
	assert.Equal(t, uint64(4), backend.sentTx.Nonce())
	assert.Equal(t, uint64(60000), backend.sentTx.Gas())
}

func TestDecodeTransaction(t *testing.T) {
	contractABI := parsedERC20ABI(t)
	addr := common.HexToAddress("0x4444444444444444444444444444444444444444")
	c := New(&fakeBackend{}, addr, contractABI)

	spender := common.HexToAddress("0x5555555555555555555555555555555555555555")
	data, err := contractABI.Pack("approve", spender, big.NewInt(999))
	require.NoError(t, err)

	decoded, err := c.DecodeTransaction(data)
	require.NoError(t, err)
	assert.Equal(t, "approve", decoded.MethodName)
	require.Len(t, decoded.Args, 2)
	assert.Equal(t, spender, decoded.Args[0])
	assert.Equal(t, big.NewInt(999), decoded.Args[1])
}

func TestDecodeTransactionRejectsShortData(t *testing.T) {
	contractABI := parsedERC20ABI(t)
	c := New(&fakeBackend{}, common.Address{}, contractABI)
	_, err := c.DecodeTransaction([]byte{0x01, 0x02})
	assert.Error(t, err)
}
