package tradepost

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestMarketplace returns a marketplace wired to an inventory system and
// an earnings ledger through a minimal hub.
func newTestMarketplace(config *MarketplaceConfig, inventoryConfig *InventoryConfig) (*NakamaMarketplaceSystem, *NakamaInventorySystem, *NakamaEarningsSystem) {
	if config == nil {
		config = &MarketplaceConfig{}
	}
	if inventoryConfig == nil {
		inventoryConfig = &InventoryConfig{}
	}
	marketplace := NewNakamaMarketplaceSystem(config)
	inventory := NewNakamaInventorySystem(inventoryConfig)
	earnings := NewNakamaEarningsSystem(&EarningsConfig{})

	tp := &testTradepost{
		notifier:    NewNakamaClientNotifier(),
		inventory:   inventory,
		marketplace: marketplace,
		earnings:    earnings,
	}
	inventory.SetTradepost(tp)
	marketplace.SetTradepost(tp)
	earnings.SetTradepost(tp)

	return marketplace, inventory, earnings
}

// backdateListing rewrites the stored listing with an expiry in the past.
func backdateListing(t *testing.T, nk *testNakamaModule, listingID string) {
	t.Helper()
	value, ok := nk.getStorage(MarketplaceCollectionKey, listingID, "")
	require.True(t, ok)
	listing := &Listing{}
	require.NoError(t, json.Unmarshal([]byte(value), listing))
	listing.ExpireTimeSec = 1
	data, err := json.Marshal(listing)
	require.NoError(t, err)
	nk.setStorage(MarketplaceCollectionKey, listingID, "", string(data))
}

func TestMarketplaceCreateListingValidation(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, _, _ := newTestMarketplace(nil, nil)

	tests := []struct {
		name        string
		sellerID    string
		item        *Item
		price       int64
		expectedErr error
	}{
		{name: "Missing seller", sellerID: "", item: NewItem("Arrow", "arrow"), price: 10, expectedErr: ErrNoSessionUser},
		{name: "Zero price", sellerID: "seller1", item: NewItem("Arrow", "arrow"), price: 0, expectedErr: ErrInvalidPrice},
		{name: "Negative price", sellerID: "seller1", item: NewItem("Arrow", "arrow"), price: -5, expectedErr: ErrInvalidPrice},
		{name: "Nil item", sellerID: "seller1", item: nil, price: 10, expectedErr: ErrInvalidItem},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			listing, err := marketplace.CreateListing(ctx, logger, nk, tc.sellerID, tc.item, tc.price)
			assert.Nil(t, listing)
			assert.ErrorIs(t, err, tc.expectedErr)
		})
	}
}

func TestMarketplaceCreateListing(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, _, _ := newTestMarketplace(nil, nil)

	sword := NewItem("Iron Sword", "sword_iron")
	sword.Category = "Weapons"

	listing, err := marketplace.CreateListing(ctx, logger, nk, "seller1", sword, 100)
	require.NoError(t, err)
	require.NotNil(t, listing)

	assert.NotEmpty(t, listing.Id)
	assert.Equal(t, "seller1", listing.SellerId)
	assert.Equal(t, int64(100), listing.Price)
	assert.Equal(t, "Weapons", listing.Category)
	assert.Equal(t, 1, listing.Item.StackCount)
	assert.Greater(t, listing.CreateTimeSec, int64(0))
	assert.Equal(t, listing.CreateTimeSec+604800, listing.ExpireTimeSec)

	// The listing is stored system-owned and indexed for the market and the
	// seller.
	_, ok := nk.getStorage(MarketplaceCollectionKey, listing.Id, "")
	assert.True(t, ok)

	got, err := marketplace.GetListing(ctx, logger, nk, listing.Id)
	require.NoError(t, err)
	assert.Equal(t, listing.Id, got.Id)

	mine, err := marketplace.ListBySeller(ctx, logger, nk, "seller1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, listing.Id, mine[0].Id)

	assert.Contains(t, nk.noticesFor("seller1"), "Listed Iron Sword for 100 coins")
}

func TestMarketplaceCreateListingDefaultCategory(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, _, _ := newTestMarketplace(nil, nil)

	// A definition shaped like a bare client payload carries none of the
	// optional fields. The listing must still land in a browsable category.
	listing, err := marketplace.CreateListing(ctx, logger, nk, "seller1",
		&Item{Name: "Iron Sword", Id: "sword_iron", MaxStack: 1, StackCount: 1}, 100)
	require.NoError(t, err)
	assert.Equal(t, "Miscellaneous", listing.Category)
	assert.Equal(t, "Miscellaneous", listing.Item.Category)

	browsed, err := marketplace.ListByCategory(ctx, logger, nk, "Miscellaneous")
	require.NoError(t, err)
	require.Len(t, browsed, 1)
	assert.Equal(t, listing.Id, browsed[0].Id)

	none, err := marketplace.ListByCategory(ctx, logger, nk, "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMarketplaceCreateListingOwnership(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, inventory, _ := newTestMarketplace(&MarketplaceConfig{RequireOwnership: true}, nil)

	_, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
	assert.ErrorIs(t, err, ErrNotOwner)

	require.NoError(t, inventory.AddItem(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron")))
	_, _, err = inventory.UseItem(ctx, logger, nk, "seller1", "sword_iron")
	require.NoError(t, err)

	listing, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
	require.NoError(t, err)

	// The listing holds the seller's actual item, worn durability included,
	// and the held unit leaves the seller's inventory.
	assert.Equal(t, defaultItemDurability-1, listing.Item.Durability)
	_, ok := inventory.GetItem("seller1", "sword_iron")
	assert.False(t, ok)
}

func TestMarketplaceCreateListingIndexFailureReturnsItem(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, inventory, _ := newTestMarketplace(&MarketplaceConfig{RequireOwnership: true}, nil)

	require.NoError(t, inventory.AddItem(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron")))

	// Let the listing record land, then refuse every index write. The
	// half-published listing must be taken back and the held unit returned
	// instead of rotting inside a record no browse can reach.
	nk.passStorageWrites = 1
	nk.failStorageWrites = indexWriteRetries
	_, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
	assert.ErrorIs(t, err, ErrStoreTransient)

	assert.Empty(t, nk.storageKeysIn(MarketplaceCollectionKey))
	item, ok := inventory.GetItem("seller1", "sword_iron")
	require.True(t, ok)
	assert.Equal(t, 1, item.StackCount)

	// With storage healthy the same listing goes through.
	listing, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
	require.NoError(t, err)
	browsable, err := marketplace.ListByCategory(ctx, logger, nk, "Miscellaneous")
	require.NoError(t, err)
	require.Len(t, browsable, 1)
	assert.Equal(t, listing.Id, browsable[0].Id)
}

func TestMarketplaceListingLimit(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, _, _ := newTestMarketplace(&MarketplaceConfig{MaxListingsPerSeller: 2}, nil)

	first, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Arrow", "arrow"), 5)
	require.NoError(t, err)
	_, err = marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Healing Potion", "potion_heal"), 20)
	require.NoError(t, err)

	_, err = marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
	assert.ErrorIs(t, err, ErrListingLimit)

	// A sale frees a slot.
	nk.setWallet("buyer1", "coins", 10)
	_, err = marketplace.Purchase(ctx, logger, nk, "buyer1", first.Id)
	require.NoError(t, err)

	_, err = marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
	assert.NoError(t, err)
}

func TestMarketplaceConcurrentCreateListings(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, _, _ := newTestMarketplace(nil, nil)

	// Four sellers publish at once. Each create lands one conditional write on
	// the shared index and may lose at most three races to the others, so
	// nobody exhausts the retry budget and every listing must end up
	// browsable.
	const sellers = 4
	items := make([]*Item, sellers)
	for i := range items {
		arrow := NewItem("Arrow", "arrow")
		arrow.Category = "Ammo"
		items[i] = arrow
	}

	var wg sync.WaitGroup
	errs := make([]error, sellers)
	for i := 0; i < sellers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = marketplace.CreateListing(ctx, logger, nk, fmt.Sprintf("seller%d", i), items[i], 5)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "seller%d", i)
	}

	listings, err := marketplace.ListByCategory(ctx, logger, nk, "Ammo")
	require.NoError(t, err)
	assert.Len(t, listings, sellers)

	for i := 0; i < sellers; i++ {
		mine, err := marketplace.ListBySeller(ctx, logger, nk, fmt.Sprintf("seller%d", i))
		require.NoError(t, err)
		assert.Len(t, mine, 1)
	}
}

func TestMarketplacePurchaseOfflineSeller(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, inventory, earnings := newTestMarketplace(nil, nil)

	listing, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
	require.NoError(t, err)

	nk.setWallet("buyer1", "coins", 150)

	sold, err := marketplace.Purchase(ctx, logger, nk, "buyer1", listing.Id)
	require.NoError(t, err)
	assert.Equal(t, listing.Id, sold.Id)

	// Buyer paid and holds a fresh instance of the item.
	assert.Equal(t, int64(50), nk.walletBalance("buyer1", "coins"))
	item, ok := inventory.GetItem("buyer1", "sword_iron")
	require.True(t, ok)
	assert.Equal(t, 1, item.StackCount)

	// The disconnected seller is paid through the earnings ledger, not the
	// wallet.
	assert.Equal(t, int64(0), nk.walletBalance("seller1", "coins"))
	balance, err := earnings.Balance(ctx, logger, nk, "seller1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	// The listing is gone.
	_, err = marketplace.GetListing(ctx, logger, nk, listing.Id)
	assert.ErrorIs(t, err, ErrListingNotFound)
	active, err := marketplace.ListByCategory(ctx, logger, nk, "Miscellaneous")
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.Contains(t, nk.noticesFor("buyer1"), "Purchased Iron Sword for 100 coins")
	assert.NotContains(t, nk.noticesFor("seller1"), "Your Iron Sword sold for 100 coins")
}

func TestMarketplacePurchaseOnlineSeller(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, inventory, earnings := newTestMarketplace(nil, nil)

	require.NoError(t, inventory.Connect(ctx, logger, nk, "seller1"))
	listing, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
	require.NoError(t, err)

	nk.setWallet("buyer1", "coins", 100)
	_, err = marketplace.Purchase(ctx, logger, nk, "buyer1", listing.Id)
	require.NoError(t, err)

	// A connected seller is paid straight into the wallet.
	assert.Equal(t, int64(100), nk.walletBalance("seller1", "coins"))
	balance, err := earnings.Balance(ctx, logger, nk, "seller1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	assert.Contains(t, nk.noticesFor("seller1"), "Your Iron Sword sold for 100 coins")
}

func TestMarketplacePurchaseValidation(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, _, _ := newTestMarketplace(nil, nil)

	_, err := marketplace.Purchase(ctx, logger, nk, "", "some_listing")
	assert.ErrorIs(t, err, ErrNoSessionUser)

	_, err = marketplace.Purchase(ctx, logger, nk, "buyer1", "no_such_listing")
	assert.ErrorIs(t, err, ErrListingNotFound)
}

func TestMarketplacePurchaseInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, _, _ := newTestMarketplace(nil, nil)

	listing, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
	require.NoError(t, err)

	nk.setWallet("buyer1", "coins", 99)
	_, err = marketplace.Purchase(ctx, logger, nk, "buyer1", listing.Id)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Nothing moved and the listing is still live.
	assert.Equal(t, int64(99), nk.walletBalance("buyer1", "coins"))
	_, err = marketplace.GetListing(ctx, logger, nk, listing.Id)
	assert.NoError(t, err)
}

func TestMarketplacePurchaseTransientDebitFailure(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, _, _ := newTestMarketplace(nil, nil)

	listing, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
	require.NoError(t, err)

	// The buyer can afford the listing; only the wallet backend hiccups. That
	// must not read as a shortfall, and the listing stays buyable.
	nk.setWallet("buyer1", "coins", 150)
	nk.failWalletUpdates = 1
	_, err = marketplace.Purchase(ctx, logger, nk, "buyer1", listing.Id)
	assert.ErrorIs(t, err, ErrStoreTransient)
	assert.NotErrorIs(t, err, ErrInsufficientFunds)

	assert.Equal(t, int64(150), nk.walletBalance("buyer1", "coins"))
	_, err = marketplace.GetListing(ctx, logger, nk, listing.Id)
	assert.NoError(t, err)

	// The retry completes the sale.
	_, err = marketplace.Purchase(ctx, logger, nk, "buyer1", listing.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(50), nk.walletBalance("buyer1", "coins"))
}

func TestMarketplacePurchaseBuyerInventoryFull(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, inventory, _ := newTestMarketplace(nil, &InventoryConfig{InventoryLimit: 1})

	listing, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
	require.NoError(t, err)

	require.NoError(t, inventory.AddItem(ctx, logger, nk, "buyer1", NewItem("Arrow", "arrow")))
	nk.setWallet("buyer1", "coins", 500)

	_, err = marketplace.Purchase(ctx, logger, nk, "buyer1", listing.Id)
	assert.ErrorIs(t, err, ErrBuyerInventoryFull)

	// The buyer is not charged for a purchase that cannot be delivered.
	assert.Equal(t, int64(500), nk.walletBalance("buyer1", "coins"))
	_, err = marketplace.GetListing(ctx, logger, nk, listing.Id)
	assert.NoError(t, err)
}

func TestMarketplacePurchaseRefundsOnSettleFailure(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, inventory, earnings := newTestMarketplace(nil, nil)

	listing, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
	require.NoError(t, err)

	nk.setWallet("buyer1", "coins", 150)

	// The offline settle path goes through the earnings ledger; refuse all
	// of its conditional writes.
	nk.failStorageWrites = 5
	_, err = marketplace.Purchase(ctx, logger, nk, "buyer1", listing.Id)
	assert.ErrorIs(t, err, ErrStoreTransient)

	// The debit and the delivery were rolled back and the listing is live
	// again.
	assert.Equal(t, int64(150), nk.walletBalance("buyer1", "coins"))
	_, ok := inventory.GetItem("buyer1", "sword_iron")
	assert.False(t, ok)
	balance, err := earnings.Balance(ctx, logger, nk, "seller1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	_, err = marketplace.GetListing(ctx, logger, nk, listing.Id)
	assert.NoError(t, err)

	// With storage healthy the purchase completes.
	_, err = marketplace.Purchase(ctx, logger, nk, "buyer1", listing.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(50), nk.walletBalance("buyer1", "coins"))
	_, ok = inventory.GetItem("buyer1", "sword_iron")
	assert.True(t, ok)
}

func TestMarketplacePurchaseSellsOnce(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, inventory, earnings := newTestMarketplace(nil, nil)

	listing, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
	require.NoError(t, err)

	nk.setWallet("buyer1", "coins", 100)
	nk.setWallet("buyer2", "coins", 100)

	_, err = marketplace.Purchase(ctx, logger, nk, "buyer1", listing.Id)
	require.NoError(t, err)

	// The second buyer sees the listing as gone and keeps their money.
	_, err = marketplace.Purchase(ctx, logger, nk, "buyer2", listing.Id)
	assert.ErrorIs(t, err, ErrListingNotFound)
	assert.Equal(t, int64(100), nk.walletBalance("buyer2", "coins"))
	_, ok := inventory.GetItem("buyer2", "sword_iron")
	assert.False(t, ok)

	// The seller was paid exactly once.
	balance, err := earnings.Balance(ctx, logger, nk, "seller1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestMarketplaceClaimVersionConflict(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, _, _ := newTestMarketplace(nil, nil)

	listing, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
	require.NoError(t, err)

	// A write lands between a buyer's read and their claim. The stale claim
	// must lose and leave the listing in place.
	value, ok := nk.getStorage(MarketplaceCollectionKey, listing.Id, "")
	require.True(t, ok)
	nk.setStorage(MarketplaceCollectionKey, listing.Id, "", value)

	err = marketplace.claimListing(ctx, nk, listing.Id, "1")
	assert.Error(t, err)
	_, ok = nk.getStorage(MarketplaceCollectionKey, listing.Id, "")
	assert.True(t, ok)

	// The claim at the current version wins.
	require.NoError(t, marketplace.claimListing(ctx, nk, listing.Id, "2"))
	_, ok = nk.getStorage(MarketplaceCollectionKey, listing.Id, "")
	assert.False(t, ok)
}

func TestMarketplaceExpiredListing(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}

	t.Run("Returns the held item to a connected seller", func(t *testing.T) {
		nk := newTestNakama()
		marketplace, inventory, _ := newTestMarketplace(&MarketplaceConfig{RequireOwnership: true}, nil)

		require.NoError(t, inventory.AddItem(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron")))
		listing, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
		require.NoError(t, err)
		backdateListing(t, nk, listing.Id)

		_, err = marketplace.GetListing(ctx, logger, nk, listing.Id)
		assert.ErrorIs(t, err, ErrListingNotFound)

		_, ok := nk.getStorage(MarketplaceCollectionKey, listing.Id, "")
		assert.False(t, ok)
		item, ok := inventory.GetItem("seller1", "sword_iron")
		require.True(t, ok)
		assert.Equal(t, 1, item.StackCount)
		assert.Contains(t, nk.noticesFor("seller1"), "Your listing for Iron Sword expired")
	})

	t.Run("Returns the held item to an offline seller", func(t *testing.T) {
		nk := newTestNakama()
		marketplace, inventory, _ := newTestMarketplace(&MarketplaceConfig{RequireOwnership: true}, nil)

		require.NoError(t, inventory.AddItem(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron")))
		listing, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
		require.NoError(t, err)
		inventory.Disconnect(ctx, logger, nk, "seller1")
		backdateListing(t, nk, listing.Id)

		_, err = marketplace.GetListing(ctx, logger, nk, listing.Id)
		assert.ErrorIs(t, err, ErrListingNotFound)
		assert.False(t, inventory.Connected("seller1"))

		// The held unit went back into the stored snapshot.
		require.NoError(t, inventory.Connect(ctx, logger, nk, "seller1"))
		_, ok := inventory.GetItem("seller1", "sword_iron")
		assert.True(t, ok)
	})

	t.Run("Expired listings cannot be purchased", func(t *testing.T) {
		nk := newTestNakama()
		marketplace, _, _ := newTestMarketplace(nil, nil)

		listing, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
		require.NoError(t, err)
		backdateListing(t, nk, listing.Id)

		nk.setWallet("buyer1", "coins", 500)
		_, err = marketplace.Purchase(ctx, logger, nk, "buyer1", listing.Id)
		assert.ErrorIs(t, err, ErrListingNotFound)
		assert.Equal(t, int64(500), nk.walletBalance("buyer1", "coins"))
	})
}

func TestMarketplaceListByCategory(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, _, _ := newTestMarketplace(nil, nil)

	sword := NewItem("Iron Sword", "sword_iron")
	sword.Category = "Weapons"
	bow := NewItem("Short Bow", "bow_short")
	bow.Category = "Weapons"
	potion := NewItem("Healing Potion", "potion_heal")
	potion.Category = "Consumables"

	_, err := marketplace.CreateListing(ctx, logger, nk, "seller1", sword, 100)
	require.NoError(t, err)
	_, err = marketplace.CreateListing(ctx, logger, nk, "seller1", bow, 80)
	require.NoError(t, err)
	_, err = marketplace.CreateListing(ctx, logger, nk, "seller2", potion, 20)
	require.NoError(t, err)

	weapons, err := marketplace.ListByCategory(ctx, logger, nk, "Weapons")
	require.NoError(t, err)
	require.Len(t, weapons, 2)
	for _, listing := range weapons {
		assert.Equal(t, "Weapons", listing.Category)
	}

	consumables, err := marketplace.ListByCategory(ctx, logger, nk, "Consumables")
	require.NoError(t, err)
	assert.Len(t, consumables, 1)

	// An unspecified category matches nothing rather than everything.
	unspecified, err := marketplace.ListByCategory(ctx, logger, nk, "")
	require.NoError(t, err)
	assert.Empty(t, unspecified)

	none, err := marketplace.ListByCategory(ctx, logger, nk, "Mounts")
	require.NoError(t, err)
	assert.Empty(t, none)

	mine, err := marketplace.ListBySeller(ctx, logger, nk, "seller1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestMarketplaceListOrdering(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, _, _ := newTestMarketplace(nil, nil)

	seed := []*Listing{
		{Id: "lst_a", SellerId: "seller1", Item: NewItem("Arrow", "arrow"), Price: 5, Category: "Ammo", CreateTimeSec: 100},
		{Id: "lst_b", SellerId: "seller1", Item: NewItem("Arrow", "arrow"), Price: 5, Category: "Ammo", CreateTimeSec: 200},
		{Id: "lst_c", SellerId: "seller1", Item: NewItem("Arrow", "arrow"), Price: 5, Category: "Ammo", CreateTimeSec: 200},
	}
	index := make(map[string]bool, len(seed))
	for _, listing := range seed {
		data, err := json.Marshal(listing)
		require.NoError(t, err)
		nk.setStorage(MarketplaceCollectionKey, listing.Id, "", string(data))
		index[listing.Id] = true
	}
	indexData, err := json.Marshal(index)
	require.NoError(t, err)
	nk.setStorage(MarketplaceCollectionKey, MarketplaceIndexKey, "", string(indexData))

	listings, err := marketplace.ListByCategory(ctx, logger, nk, "Ammo")
	require.NoError(t, err)
	require.Len(t, listings, 3)

	// Newest first, ties broken by listing ID.
	assert.Equal(t, "lst_b", listings[0].Id)
	assert.Equal(t, "lst_c", listings[1].Id)
	assert.Equal(t, "lst_a", listings[2].Id)
}

func TestMarketplaceListRepairsDanglingIndex(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, _, _ := newTestMarketplace(nil, nil)

	listing, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Arrow", "arrow"), 5)
	require.NoError(t, err)

	// An index entry whose listing object is gone, as a crash between the
	// listing delete and the index write would leave behind.
	index := map[string]bool{listing.Id: true, "vanished_listing": true}
	indexData, err := json.Marshal(index)
	require.NoError(t, err)
	nk.setStorage(MarketplaceCollectionKey, MarketplaceIndexKey, "", string(indexData))

	active, err := marketplace.ListByCategory(ctx, logger, nk, "Miscellaneous")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, listing.Id, active[0].Id)

	// The scan dropped the dangling entry.
	value, ok := nk.getStorage(MarketplaceCollectionKey, MarketplaceIndexKey, "")
	require.True(t, ok)
	repaired := make(map[string]bool)
	require.NoError(t, json.Unmarshal([]byte(value), &repaired))
	assert.Equal(t, map[string]bool{listing.Id: true}, repaired)
}

func TestMarketplaceGetListingMalformed(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, _, _ := newTestMarketplace(nil, nil)

	nk.setStorage(MarketplaceCollectionKey, "bad_listing", "", `{not json`)

	_, err := marketplace.GetListing(ctx, logger, nk, "bad_listing")
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestMarketplaceOfflineSaleClaim(t *testing.T) {
	ctx := context.Background()
	logger := &mockLogger{}
	nk := newTestNakama()
	marketplace, _, earnings := newTestMarketplace(nil, nil)

	listing, err := marketplace.CreateListing(ctx, logger, nk, "seller1", NewItem("Iron Sword", "sword_iron"), 100)
	require.NoError(t, err)

	nk.setWallet("buyer1", "coins", 100)
	_, err = marketplace.Purchase(ctx, logger, nk, "buyer1", listing.Id)
	require.NoError(t, err)

	// On reconnect the seller claims exactly the sale price, once.
	claimed, err := earnings.Claim(ctx, logger, nk, "seller1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), claimed)
	assert.Equal(t, int64(100), nk.walletBalance("seller1", "coins"))

	balance, err := earnings.Balance(ctx, logger, nk, "seller1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	claimed, err = earnings.Claim(ctx, logger, nk, "seller1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), claimed)
	assert.Equal(t, int64(100), nk.walletBalance("seller1", "coins"))
}
