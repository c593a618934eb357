package tradepost

import (
	"context"
	"encoding/json"
	"time"

	"github.com/heroiclabs/nakama-common/runtime"
)

const (
	earningsStorageCollection = "earnings"
	earningsBalanceKey        = "balance"
)

type earningsRecord struct {
	Balance       int64 `json:"balance"`
	UpdateTimeSec int64 `json:"update_time_sec"`
}

// NakamaEarningsSystem implements the EarningsSystem interface.
type NakamaEarningsSystem struct {
	config    *EarningsConfig
	tradepost Tradepost
}

// NewNakamaEarningsSystem creates a new earnings system instance.
func NewNakamaEarningsSystem(config *EarningsConfig) *NakamaEarningsSystem {
	config.applyDefaults()
	return &NakamaEarningsSystem{config: config}
}

// GetType returns the system type for the earnings system.
func (e *NakamaEarningsSystem) GetType() SystemType {
	return SystemTypeEarnings
}

// GetConfig returns the configuration for the earnings system.
func (e *NakamaEarningsSystem) GetConfig() any {
	return e.config
}

// SetTradepost sets the Tradepost instance for this earnings system.
func (e *NakamaEarningsSystem) SetTradepost(tp Tradepost) {
	e.tradepost = tp
}

// Credit adds the amount to the seller's pending balance through a
// conditional write, retrying on conflict so concurrent sales for the same
// seller all land.
func (e *NakamaEarningsSystem) Credit(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, sellerID string, amount int64) error {
	if sellerID == "" {
		return ErrNoSessionUser
	}
	if amount <= 0 {
		return ErrBadInput
	}

	for attempt := 0; attempt < e.config.WriteRetries; attempt++ {
		balance, version, err := e.readBalance(ctx, logger, nk, sellerID)
		if err != nil {
			return err
		}

		if err := e.writeBalance(ctx, nk, sellerID, balance+amount, version); err == nil {
			return nil
		}
		// A concurrent credit or claim won the write. Read back and retry.
		logger.Debug("Earnings credit conflict for seller %s, retrying", sellerID)
	}

	logger.Error("Earnings credit for seller %s exhausted %d retries", sellerID, e.config.WriteRetries)
	return ErrStoreTransient
}

// Claim pays the seller's whole pending balance into their wallet and resets
// it to zero. The reset is written before the payout so a crash in between
// under-pays rather than double-pays; the failed payout restores the balance.
func (e *NakamaEarningsSystem) Claim(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, sellerID string) (int64, error) {
	if sellerID == "" {
		return 0, ErrNoSessionUser
	}

	var claimed int64
	for attempt := 0; ; attempt++ {
		if attempt >= e.config.WriteRetries {
			logger.Error("Earnings claim for seller %s exhausted %d retries", sellerID, e.config.WriteRetries)
			return 0, ErrStoreTransient
		}

		balance, version, err := e.readBalance(ctx, logger, nk, sellerID)
		if err != nil {
			return 0, err
		}
		if balance == 0 {
			return 0, nil
		}

		if err := e.writeBalance(ctx, nk, sellerID, 0, version); err == nil {
			claimed = balance
			break
		}
		// A concurrent credit moved the balance. Read back and retry.
		logger.Debug("Earnings claim conflict for seller %s, retrying", sellerID)
	}

	changeset := map[string]int64{
		e.config.CurrencyKey: claimed,
	}
	metadata := map[string]interface{}{
		"source": "marketplace_earnings",
	}
	if _, _, err := nk.WalletUpdate(ctx, sellerID, changeset, metadata, true); err != nil {
		logger.Error("Failed to pay claimed earnings to seller %s: %v", sellerID, err)
		// Put the balance back so the claim can be retried later.
		if creditErr := e.Credit(ctx, logger, nk, sellerID, claimed); creditErr != nil {
			logger.Error("Failed to restore unclaimed earnings %d for seller %s: %v", claimed, sellerID, creditErr)
		}
		return 0, ErrInternal
	}

	return claimed, nil
}

// Balance returns the seller's pending balance without claiming it.
func (e *NakamaEarningsSystem) Balance(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, sellerID string) (int64, error) {
	if sellerID == "" {
		return 0, ErrNoSessionUser
	}
	balance, _, err := e.readBalance(ctx, logger, nk, sellerID)
	return balance, err
}

func (e *NakamaEarningsSystem) readBalance(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, sellerID string) (int64, string, error) {
	objects, err := nk.StorageRead(ctx, []*runtime.StorageRead{
		{
			Collection: earningsStorageCollection,
			Key:        earningsBalanceKey,
			UserID:     sellerID,
		},
	})
	if err != nil {
		logger.Error("Failed to read earnings balance for seller %s: %v", sellerID, err)
		return 0, "", ErrStoreTransient
	}
	if len(objects) == 0 {
		return 0, "", nil
	}

	record := &earningsRecord{}
	if err := json.Unmarshal([]byte(objects[0].Value), record); err != nil {
		logger.Error("Failed to unmarshal earnings balance for seller %s: %v", sellerID, err)
		return 0, "", ErrMalformedRecord
	}
	return record.Balance, objects[0].Version, nil
}

// writeBalance writes the balance conditioned on the version the caller read,
// creating the record when no version exists yet.
func (e *NakamaEarningsSystem) writeBalance(ctx context.Context, nk runtime.NakamaModule, sellerID string, balance int64, version string) error {
	record := &earningsRecord{
		Balance:       balance,
		UpdateTimeSec: time.Now().Unix(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	if version == "" {
		version = "*"
	}
	_, err = nk.StorageWrite(ctx, []*runtime.StorageWrite{
		{
			Collection:      earningsStorageCollection,
			Key:             earningsBalanceKey,
			UserID:          sellerID,
			Value:           string(data),
			Version:         version,
			PermissionRead:  1,
			PermissionWrite: 0,
		},
	})
	return err
}
