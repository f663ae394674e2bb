// Package contractclient wraps a single on-chain contract: its ABI, its
// address, and the ethclient connection used to call or send against it.
// internal/rpcprovider constructs one Client per send, bound to the
// transaction's target address; the flash-loan providers do not hold one.
package contractclient

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of ethclient.Client a Client needs; narrowed to an
// interface so tests can substitute a fake without dialing a real node.
type Backend interface {
	bind.ContractBackend
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	NetworkID(ctx context.Context) (*big.Int, error)
}

var _ Backend = (*ethclient.Client)(nil)

// DecodedCall is a parsed method call: the method name and the argument
// values in declaration order.
type DecodedCall struct {
	MethodName string
	Args       []interface{}
}

// Client binds one contract address + ABI to a chain connection.
type Client struct {
	backend Backend
	address common.Address
	abi     abi.ABI
}

// New constructs a Client for the contract at address using the already
// parsed contractABI.
func New(backend Backend, address common.Address, contractABI abi.ABI) *Client {
	return &Client{backend: backend, address: address, abi: contractABI}
}

// ContractAddress returns the bound contract's address.
func (c *Client) ContractAddress() common.Address { return c.address }

// Abi returns the contract's parsed ABI, for callers that need to inspect
// method signatures (e.g. event log decoding).
func (c *Client) Abi() abi.ABI { return c.abi }

// Call performs a read-only eth_call against method with args, ABI-decoded
// into the method's declared outputs. from may be the zero address for
// calls that don't depend on msg.sender.
func (c *Client) Call(ctx context.Context, from common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("contractclient: pack %s: %w", method, err)
	}

	msg := ethereum.CallMsg{From: from, To: &c.address, Data: data}
	out, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("contractclient: call %s: %w", method, err)
	}

	result, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("contractclient: unpack %s: %w", method, err)
	}
	return result, nil
}

// Send signs and broadcasts a transaction invoking method with args. gasLimit
// of 0 triggers automatic estimation via eth_estimateGas.
func (c *Client) Send(ctx context.Context, from common.Address, privateKey *ecdsa.PrivateKey, gasLimit uint64, method string, args ...interface{}) (common.Hash, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("contractclient: pack %s: %w", method, err)
	}
	return c.send(ctx, from, privateKey, gasLimit, data)
}

// SendRaw broadcasts a pre-built calldata payload; internal/rpcprovider uses
// it to send the calldata a flash-loan provider has already assembled,
// rather than going through a single ABI method call.
func (c *Client) SendRaw(ctx context.Context, from common.Address, privateKey *ecdsa.PrivateKey, gasLimit uint64, data []byte) (common.Hash, error) {
	return c.send(ctx, from, privateKey, gasLimit, data)
}

func (c *Client) send(ctx context.Context, from common.Address, privateKey *ecdsa.PrivateKey, gasLimit uint64, data []byte) (common.Hash, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("contractclient: nonce: %w", err)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("contractclient: gas price: %w", err)
	}

	if gasLimit == 0 {
		estimated, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.address, Data: data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("contractclient: estimate gas: %w", err)
		}
		gasLimit = estimated
	}

	chainID, err := c.backend.NetworkID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("contractclient: chain id: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.address,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("contractclient: sign: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("contractclient: send: %w", err)
	}
	return signed.Hash(), nil
}

// DecodeTransaction decodes calldata into its method name and arguments,
// using the bound contract's ABI, giving a human-readable record of what a
// built transaction does.
func (c *Client) DecodeTransaction(data []byte) (*DecodedCall, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("contractclient: calldata too short: %d bytes", len(data))
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("contractclient: method lookup: %w", err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("contractclient: unpack args for %s: %w", method.Name, err)
	}
	return &DecodedCall{MethodName: method.Name, Args: args}, nil
}

// ParseReceipt decodes every log in receipt that belongs to this contract's
// address against its ABI, returning one DecodedCall-shaped entry per
// matched event (MethodName holds the event name).
func (c *Client) ParseReceipt(receipt *types.Receipt) ([]DecodedCall, error) {
	var out []DecodedCall
	for _, log := range receipt.Logs {
		if log.Address != c.address || len(log.Topics) == 0 {
			continue
		}
		event, err := c.abi.EventByID(log.Topics[0])
		if err != nil {
			continue // not one of this contract's known events
		}
		values := make(map[string]interface{})
		if err := c.abi.UnpackIntoMap(values, event.Name, log.Data); err != nil {
			return out, fmt.Errorf("contractclient: unpack event %s: %w", event.Name, err)
		}
		args := make([]interface{}, 0, len(values))
		for _, input := range event.Inputs {
			args = append(args, values[input.Name])
		}
		out = append(out, DecodedCall{MethodName: event.Name, Args: args})
	}
	return out, nil
}

// AddressFromPrivateKey derives the sending address for a private key.
func AddressFromPrivateKey(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
