package tradepost

import (
	"context"

	"github.com/heroiclabs/nakama-common/runtime"
)

var (
	ErrInvalidPrice       = runtime.NewError("listing price must be positive", INVALID_ARGUMENT_ERROR_CODE)
	ErrNotOwner           = runtime.NewError("seller does not own the listed item", PERMISSION_DENIED_ERROR_CODE)
	ErrListingNotFound    = runtime.NewError("listing not found", NOT_FOUND_ERROR_CODE)
	ErrInsufficientFunds  = runtime.NewError("insufficient funds", FAILED_PRECONDITION_ERROR_CODE)
	ErrBuyerInventoryFull = runtime.NewError("buyer inventory is full", FAILED_PRECONDITION_ERROR_CODE)
	ErrListingLimit       = runtime.NewError("seller listing limit reached", FAILED_PRECONDITION_ERROR_CODE)
)

// MarketplaceConfig is the data definition for the MarketplaceSystem type.
type MarketplaceConfig struct {
	// CurrencyKey is the wallet currency listings are priced in.
	CurrencyKey string `json:"currency_key,omitempty"`
	// RequireOwnership makes listing an item the seller does not hold fail
	// with ErrNotOwner. One stack unit is consumed at listing time and held
	// by the listing until it sells or expires.
	RequireOwnership     bool  `json:"require_ownership,omitempty"`
	ListingDurationSec   int64 `json:"listing_duration_sec,omitempty"`
	MaxListingsPerSeller int   `json:"max_listings_per_seller,omitempty"`
}

func (c *MarketplaceConfig) applyDefaults() {
	if c.CurrencyKey == "" {
		c.CurrencyKey = "coins"
	}
	if c.ListingDurationSec == 0 {
		c.ListingDurationSec = 604800
	}
	if c.MaxListingsPerSeller == 0 {
		c.MaxListingsPerSeller = 20
	}
}

// Listing is a single fixed-price marketplace offer.
type Listing struct {
	Id            string `json:"id"`
	SellerId      string `json:"seller_id"`
	Item          *Item  `json:"item"`
	Price         int64  `json:"price"`
	Category      string `json:"category,omitempty"`
	CreateTimeSec int64  `json:"create_time_sec"`
	ExpireTimeSec int64  `json:"expire_time_sec,omitempty"`
}

// The MarketplaceSystem is a fixed-price item market between players.
type MarketplaceSystem interface {
	System

	// CreateListing publishes a fixed-price listing for the given item
	// definition at the given unit price.
	CreateListing(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, sellerID string, item *Item, price int64) (*Listing, error)

	// GetListing returns the identified active listing.
	GetListing(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, listingID string) (*Listing, error)

	// Purchase exchanges the buyer's currency for a fresh instance of the
	// listed item. The seller is paid directly when connected, otherwise
	// through the earnings ledger.
	Purchase(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, buyerID, listingID string) (*Listing, error)

	// ListByCategory returns active listings in the category, newest first.
	// An unknown or empty category reads as no listings.
	ListByCategory(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, category string) ([]*Listing, error)

	// ListBySeller returns the seller's active listings, newest first.
	ListBySeller(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, sellerID string) ([]*Listing, error)

	// SetTradepost sets the hub reference used for cross-system access.
	SetTradepost(tp Tradepost)
}
