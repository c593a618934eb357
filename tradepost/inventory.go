package tradepost

import (
	"context"

	"github.com/heroiclabs/nakama-common/runtime"
)

var (
	ErrInventoryFull   = runtime.NewError("inventory is full", FAILED_PRECONDITION_ERROR_CODE)
	ErrMalformedRecord = runtime.NewError("malformed inventory record", INTERNAL_ERROR_CODE)
)

// InventoryConfig is the data definition for the InventorySystem type.
type InventoryConfig struct {
	// InventoryLimit caps the total stacked units one actor may hold.
	InventoryLimit int `json:"inventory_limit,omitempty"`
	// UIFlushIntervalMs is the debounce window for batched client snapshot
	// pushes. Mutations arriving inside the window coalesce into one push.
	UIFlushIntervalMs int `json:"ui_flush_interval_ms,omitempty"`
	// SweepCronexpr schedules the periodic persistence sweep of dirty actors.
	SweepCronexpr string `json:"sweep_cronexpr,omitempty"`
	// ListPageSize is the page size applied when a listing request passes 0.
	ListPageSize int `json:"list_page_size,omitempty"`
	// ListPageSizeMax clamps requested page sizes.
	ListPageSizeMax int `json:"list_page_size_max,omitempty"`
}

const (
	defaultInventoryLimit    = 50
	defaultUIFlushIntervalMs = 100
	defaultSweepCronexpr     = "* * * * *"
	defaultListPageSize      = 100
	maxListPageSize          = 1000
)

func (c *InventoryConfig) applyDefaults() {
	if c.InventoryLimit <= 0 {
		c.InventoryLimit = defaultInventoryLimit
	}
	if c.UIFlushIntervalMs <= 0 {
		c.UIFlushIntervalMs = defaultUIFlushIntervalMs
	}
	if c.SweepCronexpr == "" {
		c.SweepCronexpr = defaultSweepCronexpr
	}
	if c.ListPageSize <= 0 {
		c.ListPageSize = defaultListPageSize
	}
	if c.ListPageSizeMax <= 0 {
		c.ListPageSizeMax = maxListPageSize
	}
}

// InventoryPage is one page of an actor's inventory in a stable order.
type InventoryPage struct {
	Page       int     `json:"page"`
	PageSize   int     `json:"page_size"`
	TotalItems int     `json:"total_items"`
	Inventory  []*Item `json:"inventory"`
}

// inventoryRecord is the persisted form of one actor's inventory. The whole
// record is overwritten on every save, which keeps retries idempotent.
type inventoryRecord struct {
	Items         []*Item `json:"items"`
	UpdateTimeSec int64   `json:"update_time_sec"`
}

// The InventorySystem owns the in-memory inventories of connected actors,
// their stacking and capacity rules, the batched client snapshot pushes, and
// the dirty-actor persistence queue.
type InventorySystem interface {
	System

	// Connect loads the actor's persisted inventory into memory. A transient
	// read failure or missing record yields a fresh inventory with a logged
	// warning rather than an error.
	Connect(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string) error

	// Disconnect issues a best-effort synchronous save and evicts the actor's
	// inventory from memory.
	Disconnect(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string)

	// Connected reports whether the actor's inventory is currently resident.
	Connected(userID string) bool

	// AddItem adds the item to the actor's inventory. An existing record with
	// the same ID grows its stack by one instead of duplicating; growth caps
	// at the item's MaxStack.
	AddItem(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, item *Item) error

	// RemoveItem decreases the identified stack by one, dropping the record
	// when the stack is spent. Removing an absent item is a no-op.
	RemoveItem(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemID string) error

	// Grant adds an item to the actor whether or not they are resident.
	// Grants to non-resident actors persist immediately.
	Grant(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, item *Item) error

	// UseItem consumes one point of the item's durability and reports whether
	// the item was already broken.
	UseItem(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemID string) (item *Item, broken bool, err error)

	// GetItem returns a copy of the identified item record.
	GetItem(userID, itemID string) (*Item, bool)

	// GetItemCount returns the sum of stack counts across the actor's items.
	GetItemCount(userID string) int

	// HasCapacity reports whether the actor can absorb the given number of
	// additional stack units, loading the inventory if needed.
	HasCapacity(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, units int) (bool, error)

	// List returns one page of the actor's inventory ordered by item ID.
	List(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, page, pageSize int) (*InventoryPage, error)

	// UpdateUI pushes a read-only snapshot of the actor's inventory to the
	// client channel. No-op for disconnected actors.
	UpdateUI(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string)

	// MarkDirty flags the actor for the next persistence sweep. Marking is
	// idempotent.
	MarkDirty(userID string)

	// SaveNow writes the actor's current inventory snapshot. At most one save
	// per actor is in flight at a time; overlapping calls defer to the sweep.
	SaveNow(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string) error

	// SetTradepost sets the hub reference used for cross-system access.
	SetTradepost(tp Tradepost)
}
