package tradepost

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/heroiclabs/nakama-common/runtime"
)

func rpcInventoryList(tp *tradepostImpl) func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	return func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
		inventorySystem := tp.GetInventorySystem()
		if inventorySystem == nil {
			return "", runtime.NewError("inventory system not available", UNIMPLEMENTED_ERROR_CODE) // UNIMPLEMENTED
		}

		var request struct {
			Page     int `json:"page,omitempty"`
			PageSize int `json:"page_size,omitempty"`
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &request); err != nil {
				logger.Error("Failed to unmarshal InventoryListRequest: %v", err)
				return "", ErrPayloadDecode
			}
		}

		userID, ok := ctx.Value(runtime.RUNTIME_CTX_USER_ID).(string)
		if !ok || userID == "" {
			return "", ErrNoSessionUser
		}

		page, err := inventorySystem.List(ctx, logger, nk, userID, request.Page, request.PageSize)
		if err != nil {
			logger.Error("Error listing inventory: %v", err)
			return "", err
		}

		responseData, err := json.Marshal(page)
		if err != nil {
			logger.Error("Failed to marshal response: %v", err)
			return "", ErrPayloadEncode
		}

		return string(responseData), nil
	}
}

func rpcInventoryUseItem(tp *tradepostImpl) func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	return func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
		inventorySystem := tp.GetInventorySystem()
		if inventorySystem == nil {
			return "", runtime.NewError("inventory system not available", UNIMPLEMENTED_ERROR_CODE) // UNIMPLEMENTED
		}

		if payload == "" {
			return "", ErrPayloadEmpty
		}

		var request struct {
			ItemId string `json:"item_id"`
		}
		if err := json.Unmarshal([]byte(payload), &request); err != nil {
			logger.Error("Failed to unmarshal InventoryUseItemRequest: %v", err)
			return "", ErrPayloadDecode
		}
		if request.ItemId == "" {
			return "", ErrBadInput
		}

		userID, ok := ctx.Value(runtime.RUNTIME_CTX_USER_ID).(string)
		if !ok || userID == "" {
			return "", ErrNoSessionUser
		}

		item, broken, err := inventorySystem.UseItem(ctx, logger, nk, userID, request.ItemId)
		if err != nil {
			logger.Error("Error using inventory item: %v", err)
			return "", err
		}

		response := struct {
			Item   *Item `json:"item"`
			Broken bool  `json:"broken,omitempty"`
		}{
			Item:   item,
			Broken: broken,
		}

		responseData, err := json.Marshal(response)
		if err != nil {
			logger.Error("Failed to marshal response: %v", err)
			return "", ErrPayloadEncode
		}

		return string(responseData), nil
	}
}
