// Package evm binds the reward contract on an EVM chain through go-ethereum.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"example.com/settlement/internal/ledger"
)

const rewardABI = `[
  {"type":"function","name":"recordActivityAndReward","stateMutability":"nonpayable",
   "inputs":[{"name":"user","type":"address"},{"name":"distance","type":"uint256"},
             {"name":"duration","type":"uint256"},{"name":"calories","type":"uint256"},
             {"name":"idempotencyKey","type":"bytes32"}],
   "outputs":[]},
  {"type":"function","name":"getSubmissionStatus","stateMutability":"view",
   "inputs":[{"name":"idempotencyKey","type":"bytes32"}],
   "outputs":[{"name":"status","type":"uint8"},{"name":"reason","type":"string"}]}
]`

// Backend is the subset of an RPC client the adapter needs.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Signer produces transaction options for the connected account.
type Signer interface {
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
}

// Contract implements ledger.Contract against a deployed reward contract.
type Contract struct {
	backend Backend
	bound   *bind.BoundContract
	signer  Signer

	mu  sync.Mutex
	txs map[string]common.Hash
}

var _ ledger.Contract = (*Contract)(nil)

// Dial connects to rpcURL and binds the contract at address.
func Dial(ctx context.Context, rpcURL string, address common.Address, signer Signer) (*Contract, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	c, err := New(client, address, signer)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return c, client, nil
}

// New binds the reward contract over an existing backend.
func New(backend Backend, address common.Address, signer Signer) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(rewardABI))
	if err != nil {
		return nil, fmt.Errorf("parse reward abi: %w", err)
	}
	return &Contract{
		backend: backend,
		bound:   bind.NewBoundContract(address, parsed, backend, backend, backend),
		signer:  signer,
		txs:     make(map[string]common.Hash),
	}, nil
}

func (c *Contract) RecordActivityAndReward(ctx context.Context, reward ledger.Reward) (string, error) {
	opts, err := c.signer.TransactOpts(ctx)
	if err != nil {
		return "", err
	}
	tx, err := c.bound.Transact(opts, "recordActivityAndReward",
		UserAddress(reward.UserID),
		new(big.Int).SetUint64(reward.DistanceMeters),
		new(big.Int).SetUint64(reward.DurationSeconds),
		new(big.Int).SetUint64(reward.CaloriesKcal),
		KeyBytes(reward.IdempotencyKey),
	)
	if err != nil {
		return "", classify(err)
	}
	c.mu.Lock()
	c.txs[reward.IdempotencyKey] = tx.Hash()
	c.mu.Unlock()
	return tx.Hash().Hex(), nil
}

func (c *Contract) SubmissionStatus(ctx context.Context, idempotencyKey string) (ledger.Status, string, error) {
	var out []interface{}
	err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "getSubmissionStatus", KeyBytes(idempotencyKey))
	if err != nil {
		return ledger.StatusUnknown, "", classify(err)
	}
	if len(out) != 2 {
		return ledger.StatusUnknown, "", fmt.Errorf("unexpected status output length %d", len(out))
	}
	code := *abi.ConvertType(out[0], new(uint8)).(*uint8)
	reason := *abi.ConvertType(out[1], new(string)).(*string)

	status := ledger.Status(code)
	if status > ledger.StatusReverted {
		return ledger.StatusUnknown, "", fmt.Errorf("unexpected status code %d", code)
	}
	if status != ledger.StatusUnknown {
		return status, reason, nil
	}
	return c.receiptStatus(ctx, idempotencyKey)
}

// receiptStatus covers transactions that were mined but reverted before the contract stored a status.
func (c *Contract) receiptStatus(ctx context.Context, idempotencyKey string) (ledger.Status, string, error) {
	c.mu.Lock()
	hash, ok := c.txs[idempotencyKey]
	c.mu.Unlock()
	if !ok {
		return ledger.StatusUnknown, "", nil
	}
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return ledger.StatusPending, "", nil
	}
	if err != nil {
		return ledger.StatusUnknown, "", classify(err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return ledger.StatusReverted, "transaction reverted", nil
	}
	return ledger.StatusPending, "", nil
}

// UserAddress maps a user id onto an address. Hex addresses are used as is; other ids are hashed.
func UserAddress(userID string) common.Address {
	if common.IsHexAddress(userID) {
		return common.HexToAddress(userID)
	}
	return common.BytesToAddress(crypto.Keccak256([]byte(userID))[12:])
}

// KeyBytes hashes an idempotency key into the contract's bytes32 slot.
func KeyBytes(idempotencyKey string) [32]byte {
	return [32]byte(crypto.Keccak256Hash([]byte(idempotencyKey)))
}

const revertMarker = "execution reverted"

func classify(err error) error {
	msg := err.Error()
	idx := strings.Index(msg, revertMarker)
	if idx < 0 {
		return ledger.Transient(err)
	}
	reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len(revertMarker):], ":"))
	if reason == "" {
		reason = revertMarker
	}
	return &ledger.RevertError{Reason: reason}
}
