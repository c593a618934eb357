package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/heroiclabs/nakama-common/runtime"

	"emberworks/tradepost"
)

// noinspection GoUnusedExportedFunction
func InitModule(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, initializer runtime.Initializer) error {
	initStart := time.Now()

	logger.Info("Loading Emberworks tradepost plugin...")

	_, err := tradepost.Init(ctx, logger, nk, initializer,
		tradepost.WithInventorySystem("configs/inventory.json", true),
		tradepost.WithMarketplaceSystem("configs/marketplace.json", true),
		tradepost.WithEarningsSystem("configs/earnings.json", false),
	)
	if err != nil {
		logger.Error("Failed to initialize tradepost: %v", err)
		return err
	}

	logger.Info("Emberworks tradepost plugin loaded in '%d' msec.", time.Now().Sub(initStart).Milliseconds())
	return nil
}
