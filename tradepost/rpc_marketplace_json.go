package tradepost

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/heroiclabs/nakama-common/runtime"
)

func rpcMarketplaceCreateListing(tp *tradepostImpl) func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	return func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
		marketplaceSystem := tp.GetMarketplaceSystem()
		if marketplaceSystem == nil {
			return "", runtime.NewError("marketplace system not available", UNIMPLEMENTED_ERROR_CODE) // UNIMPLEMENTED
		}

		if payload == "" {
			return "", ErrPayloadEmpty
		}

		var request struct {
			Item  *Item `json:"item"`
			Price int64 `json:"price"`
		}
		if err := json.Unmarshal([]byte(payload), &request); err != nil {
			logger.Error("Failed to unmarshal MarketplaceCreateListingRequest: %v", err)
			return "", ErrPayloadDecode
		}

		userID, ok := ctx.Value(runtime.RUNTIME_CTX_USER_ID).(string)
		if !ok || userID == "" {
			return "", ErrNoSessionUser
		}

		listing, err := marketplaceSystem.CreateListing(ctx, logger, nk, userID, request.Item, request.Price)
		if err != nil {
			logger.Error("Error creating listing: %v", err)
			return "", err
		}

		responseData, err := json.Marshal(listing)
		if err != nil {
			logger.Error("Failed to marshal response: %v", err)
			return "", ErrPayloadEncode
		}

		return string(responseData), nil
	}
}

func rpcMarketplacePurchase(tp *tradepostImpl) func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	return func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
		marketplaceSystem := tp.GetMarketplaceSystem()
		if marketplaceSystem == nil {
			return "", runtime.NewError("marketplace system not available", UNIMPLEMENTED_ERROR_CODE) // UNIMPLEMENTED
		}

		if payload == "" {
			return "", ErrPayloadEmpty
		}

		var request struct {
			ListingId string `json:"listing_id"`
		}
		if err := json.Unmarshal([]byte(payload), &request); err != nil {
			logger.Error("Failed to unmarshal MarketplacePurchaseRequest: %v", err)
			return "", ErrPayloadDecode
		}
		if request.ListingId == "" {
			return "", ErrBadInput
		}

		userID, ok := ctx.Value(runtime.RUNTIME_CTX_USER_ID).(string)
		if !ok || userID == "" {
			return "", ErrNoSessionUser
		}

		listing, err := marketplaceSystem.Purchase(ctx, logger, nk, userID, request.ListingId)
		if err != nil {
			logger.Error("Error purchasing listing: %v", err)
			return "", err
		}

		responseData, err := json.Marshal(listing)
		if err != nil {
			logger.Error("Failed to marshal response: %v", err)
			return "", ErrPayloadEncode
		}

		return string(responseData), nil
	}
}

func rpcMarketplaceListCategory(tp *tradepostImpl) func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	return func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
		marketplaceSystem := tp.GetMarketplaceSystem()
		if marketplaceSystem == nil {
			return "", runtime.NewError("marketplace system not available", UNIMPLEMENTED_ERROR_CODE) // UNIMPLEMENTED
		}

		var request struct {
			Category string `json:"category,omitempty"`
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &request); err != nil {
				logger.Error("Failed to unmarshal MarketplaceListCategoryRequest: %v", err)
				return "", ErrPayloadDecode
			}
		}

		userID, ok := ctx.Value(runtime.RUNTIME_CTX_USER_ID).(string)
		if !ok || userID == "" {
			return "", ErrNoSessionUser
		}

		listings, err := marketplaceSystem.ListByCategory(ctx, logger, nk, request.Category)
		if err != nil {
			logger.Error("Error listing marketplace: %v", err)
			return "", err
		}

		// The results also go out over the client channel, so market browser
		// UIs refresh without parsing the RPC response.
		tp.notifier.SendListings(ctx, logger, nk, userID, listings)

		response := struct {
			Listings []*Listing `json:"listings"`
		}{
			Listings: listings,
		}

		responseData, err := json.Marshal(response)
		if err != nil {
			logger.Error("Failed to marshal response: %v", err)
			return "", ErrPayloadEncode
		}

		return string(responseData), nil
	}
}
