package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ErrWalletDisconnected is returned when a signing operation runs without a connected account.
var ErrWalletDisconnected = errors.New("wallet not connected")

// Wallet is the signer capability injected into ledger adapters.
type Wallet interface {
	Connect(ctx context.Context) (common.Address, error)
	Disconnect()
	CurrentAccount() (common.Address, bool)
}
