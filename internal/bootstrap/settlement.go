// Package bootstrap assembles the settlement coordinator and its collaborators from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"example.com/settlement/internal/codec"
	"example.com/settlement/internal/config"
	"example.com/settlement/internal/fraud"
	"example.com/settlement/internal/ledger"
	"example.com/settlement/internal/ledger/evm"
	"example.com/settlement/internal/ledger/simulated"
	"example.com/settlement/internal/lock"
	persistence "example.com/settlement/internal/persistence/postgres"
	"example.com/settlement/internal/settlement"
)

const claimPrefix = "settlement:claim:"

// Coordinator builds a coordinator backed by Postgres. The returned cleanup releases the ledger
// and lock connections and stops the coordinator; it must be called once the caller is done.
func Coordinator(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, logger zerolog.Logger, opts ...settlement.Option) (*settlement.Coordinator, func(), error) {
	key, err := codec.ParseKey(cfg.CodecKey)
	if err != nil {
		return nil, nil, err
	}
	decoder, err := codec.New()
	if err != nil {
		return nil, nil, err
	}

	policy, err := fraud.LoadPolicy(cfg.FraudPolicyFile)
	if err != nil {
		return nil, nil, err
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	contract, closeLedger, err := Ledger(ctx, cfg.Ledger, logger)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, closeLedger)

	locker, closeLocker, err := Locker(ctx, cfg.RedisURL, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, closeLocker)

	client := ledger.NewClient(contract,
		ledger.DefaultRetryPolicy(cfg.Ledger.MaxAttempts, cfg.Ledger.BackoffInitial, cfg.Ledger.BackoffMax),
		ledger.WithLogger(logger),
		ledger.WithPollInterval(cfg.Ledger.PollInterval),
		ledger.WithCallTimeout(cfg.Ledger.CallTimeout),
	)

	coordinator := settlement.NewCoordinator(settlement.Dependencies{
		Store:     persistence.NewRepository(pool),
		Decoder:   decoder,
		Key:       key,
		Validator: fraud.NewValidator(policy),
		Ledger:    client,
		Locker:    locker,
	}, settlement.Config{
		ConfirmationTimeout: cfg.Settlement.ConfirmationTimeout,
		RecheckDelay:        cfg.Settlement.RecheckDelay,
		MaxRechecks:         cfg.Settlement.MaxRechecks,
		ClaimTTL:            cfg.Settlement.ClaimTTL,
	}, append([]settlement.Option{settlement.WithLogger(logger)}, opts...)...)

	closers = append(closers, coordinator.Close)
	return coordinator, cleanup, nil
}

// Ledger returns the configured ledger contract.
func Ledger(ctx context.Context, cfg config.LedgerConfig, logger zerolog.Logger) (ledger.Contract, func(), error) {
	switch cfg.Mode {
	case config.LedgerEVM:
		if !common.IsHexAddress(cfg.ContractAddress) {
			return nil, nil, fmt.Errorf("invalid ledger contract address %q", cfg.ContractAddress)
		}
		wallet, err := evm.NewKeyWallet(cfg.PrivateKey, big.NewInt(cfg.ChainID))
		if err != nil {
			return nil, nil, err
		}
		account, err := wallet.Connect(ctx)
		if err != nil {
			return nil, nil, err
		}
		contract, client, err := evm.Dial(ctx, cfg.RPCURL, common.HexToAddress(cfg.ContractAddress), wallet)
		if err != nil {
			wallet.Disconnect()
			return nil, nil, err
		}
		logger.Info().
			Str("account", account.Hex()).
			Str("contract", cfg.ContractAddress).
			Int64("chain_id", cfg.ChainID).
			Msg("ledger connected")
		return contract, func() {
			client.Close()
			wallet.Disconnect()
		}, nil
	default:
		logger.Warn().Dur("confirm_delay", cfg.SimulatedDelay).Msg("using simulated ledger")
		return simulated.New(cfg.SimulatedDelay), func() {}, nil
	}
}

// Locker returns a Redis backed claim locker, or an in-memory one when redisURL is empty.
func Locker(ctx context.Context, redisURL string, logger zerolog.Logger) (lock.Locker, func(), error) {
	if redisURL == "" {
		logger.Warn().Msg("REDIS_URL not set, settlement claims are local to this process")
		return lock.NewMemoryLocker(), func() {}, nil
	}
	client, err := lock.Connect(ctx, redisURL)
	if err != nil {
		return nil, nil, err
	}
	return lock.NewRedisLocker(client, claimPrefix), func() { _ = client.Close() }, nil
}
