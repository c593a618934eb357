package tradepost

import (
	"context"

	"github.com/heroiclabs/nakama-common/runtime"
)

const (
	NotificationCodeInventory = 1101
	NotificationCodeListings  = 1102
	NotificationCodeNotice    = 1103
)

// The ClientNotifier describes the channel over which inventory snapshots,
// marketplace updates and plain notices reach a connected client.
//
// Calls are fire-and-forget. Implementations must handle any delivery errors
// internally, callers will not repeat calls in case of errors, and a missed
// snapshot is replaced by the next one.
//
// Implementations must safely handle concurrent calls.
type ClientNotifier interface {
	// SendInventory delivers a read-only inventory snapshot.
	SendInventory(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, items []*Item)

	// SendListings delivers a marketplace listings snapshot.
	SendListings(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, listings []*Listing)

	// SendNotice delivers a short human-readable message.
	SendNotice(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, message string)
}

// NakamaClientNotifier delivers client updates as Nakama in-app
// notifications. Snapshots are sent non-persistent since a stale snapshot is
// worthless; notices persist so a seller who is offline still sees them.
type NakamaClientNotifier struct{}

func NewNakamaClientNotifier() *NakamaClientNotifier {
	return &NakamaClientNotifier{}
}

func (n *NakamaClientNotifier) SendInventory(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, items []*Item) {
	content := map[string]interface{}{
		"inventory": items,
	}
	if err := nk.NotificationSend(ctx, userID, "inventory_update", content, NotificationCodeInventory, "", false); err != nil {
		logger.Error("Failed to send inventory update to user %s: %v", userID, err)
	}
}

func (n *NakamaClientNotifier) SendListings(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, listings []*Listing) {
	content := map[string]interface{}{
		"listings": listings,
	}
	if err := nk.NotificationSend(ctx, userID, "marketplace_update", content, NotificationCodeListings, "", false); err != nil {
		logger.Error("Failed to send marketplace update to user %s: %v", userID, err)
	}
}

func (n *NakamaClientNotifier) SendNotice(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, message string) {
	content := map[string]interface{}{
		"message": message,
	}
	if err := nk.NotificationSend(ctx, userID, "notice", content, NotificationCodeNotice, "", true); err != nil {
		logger.Error("Failed to send notice to user %s: %v", userID, err)
	}
}

// noopNotifier stands in when no hub is wired, so system internals never have
// to nil-check the delivery path.
type noopNotifier struct{}

func (noopNotifier) SendInventory(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, items []*Item) {
}

func (noopNotifier) SendListings(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, listings []*Listing) {
}

func (noopNotifier) SendNotice(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, message string) {
}
