package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"example.com/settlement/internal/ledger"
)

// KeyWallet signs transactions with a single private key.
type KeyWallet struct {
	key     *ecdsa.PrivateKey
	chainID *big.Int

	mu        sync.RWMutex
	connected bool
}

var _ ledger.Wallet = (*KeyWallet)(nil)

// NewKeyWallet parses a hex encoded secp256k1 key (with or without 0x prefix).
func NewKeyWallet(hexKey string, chainID *big.Int) (*KeyWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	if chainID == nil {
		return nil, fmt.Errorf("chain id is required")
	}
	return &KeyWallet{key: key, chainID: new(big.Int).Set(chainID)}, nil
}

func (w *KeyWallet) Connect(ctx context.Context) (common.Address, error) {
	if err := ctx.Err(); err != nil {
		return common.Address{}, err
	}
	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
	return w.address(), nil
}

func (w *KeyWallet) Disconnect() {
	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()
}

func (w *KeyWallet) CurrentAccount() (common.Address, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.connected {
		return common.Address{}, false
	}
	return w.address(), true
}

// TransactOpts returns signing options bound to ctx.
func (w *KeyWallet) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if _, ok := w.CurrentAccount(); !ok {
		return nil, ledger.ErrWalletDisconnected
	}
	opts, err := bind.NewKeyedTransactorWithChainID(w.key, w.chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

func (w *KeyWallet) address() common.Address {
	return crypto.PubkeyToAddress(w.key.PublicKey)
}
