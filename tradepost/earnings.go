package tradepost

import (
	"context"

	"github.com/heroiclabs/nakama-common/runtime"
)

// EarningsConfig is the data definition for the EarningsSystem type.
type EarningsConfig struct {
	// CurrencyKey is the wallet currency claimed balances are paid out in.
	CurrencyKey  string `json:"currency_key,omitempty"`
	WriteRetries int    `json:"write_retries,omitempty"`
}

func (c *EarningsConfig) applyDefaults() {
	if c.CurrencyKey == "" {
		c.CurrencyKey = "coins"
	}
	if c.WriteRetries <= 0 {
		c.WriteRetries = 5
	}
}

// The EarningsSystem accumulates sale proceeds for sellers who were not
// connected when their listings sold, to be claimed on their next connect.
type EarningsSystem interface {
	System

	// Credit adds the amount to the seller's pending balance. Concurrent
	// credits for the same seller serialize through conditional writes, so
	// no sale is lost.
	Credit(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, sellerID string, amount int64) error

	// Claim pays the seller's whole pending balance into their wallet and
	// resets it to zero. A zero balance claims nothing and writes nothing.
	Claim(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, sellerID string) (int64, error)

	// Balance returns the seller's pending balance without claiming it.
	Balance(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, sellerID string) (int64, error)

	// SetTradepost sets the hub reference used for cross-system access.
	SetTradepost(tp Tradepost)
}
