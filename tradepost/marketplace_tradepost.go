package tradepost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/heroiclabs/nakama-common/runtime"
)

const (
	MarketplaceCollectionKey     = "marketplace"
	MarketplaceIndexKey          = "listing_index"
	MarketplaceSellerListingsKey = "listing_seller"

	// Retry budget for conditional writes to the shared index records.
	indexWriteRetries = 5
)

// NakamaMarketplaceSystem implements the MarketplaceSystem interface.
type NakamaMarketplaceSystem struct {
	config    *MarketplaceConfig
	tradepost Tradepost
}

// NewNakamaMarketplaceSystem creates a new marketplace system instance.
func NewNakamaMarketplaceSystem(config *MarketplaceConfig) *NakamaMarketplaceSystem {
	config.applyDefaults()
	return &NakamaMarketplaceSystem{config: config}
}

// GetType returns the system type for the marketplace system.
func (m *NakamaMarketplaceSystem) GetType() SystemType {
	return SystemTypeMarketplace
}

// GetConfig returns the configuration for the marketplace system.
func (m *NakamaMarketplaceSystem) GetConfig() any {
	return m.config
}

// SetTradepost sets the Tradepost instance for this marketplace system.
func (m *NakamaMarketplaceSystem) SetTradepost(tp Tradepost) {
	m.tradepost = tp
}

// CreateListing publishes a fixed-price listing for the given item definition.
func (m *NakamaMarketplaceSystem) CreateListing(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, sellerID string, item *Item, price int64) (*Listing, error) {
	if sellerID == "" {
		return nil, ErrNoSessionUser
	}
	if price <= 0 {
		return nil, ErrInvalidPrice
	}
	if err := validateItem(item); err != nil {
		return nil, err
	}

	// Check the seller is under their concurrent listing cap.
	sellerIndex, _, err := m.readIndex(ctx, nk, m.sellerIndexKey(sellerID))
	if err != nil {
		logger.Error("Failed to read seller listing index: %v", err)
		return nil, ErrInternal
	}
	if len(sellerIndex) >= m.config.MaxListingsPerSeller {
		return nil, ErrListingLimit
	}

	def := copyItem(item)
	def.StackCount = 1

	if m.config.RequireOwnership {
		inventorySystem := m.inventorySystem()
		if inventorySystem == nil {
			logger.Warn("Cannot check item ownership: no InventorySystem available")
			return nil, ErrSystemNotAvailable
		}
		// Sellers arriving outside the session flow are not resident yet;
		// load before peeking at their items.
		if err := inventorySystem.Connect(ctx, logger, nk, sellerID); err != nil {
			return nil, err
		}
		held, ok := inventorySystem.GetItem(sellerID, item.Id)
		if !ok {
			return nil, ErrNotOwner
		}
		// The listing holds the seller's actual item, durability included.
		def = held
		def.StackCount = 1
		if err := inventorySystem.RemoveItem(ctx, logger, nk, sellerID, item.Id); err != nil {
			logger.Error("Failed to hold listed item %s from seller %s: %v", item.Id, sellerID, err)
			return nil, ErrInternal
		}
	}

	// Definitions straight off a client payload may omit the optional
	// fields; an unspecified category would leave the listing unreachable
	// by any category browse.
	normalizeItem(def)

	currentTime := time.Now().Unix()
	listing := &Listing{
		Id:            uuid.New().String(),
		SellerId:      sellerID,
		Item:          def,
		Price:         price,
		Category:      def.Category,
		CreateTimeSec: currentTime,
	}
	if m.config.ListingDurationSec > 0 {
		listing.ExpireTimeSec = currentTime + m.config.ListingDurationSec
	}

	version, err := m.saveListing(ctx, nk, listing)
	if err != nil {
		logger.Error("Failed to save new listing: %v", err)
		return nil, ErrInternal
	}

	// Index it for the market and for the seller's cap. A listing that cannot
	// be fully indexed is taken back whole; failing the call while the held
	// unit sits inside an unbrowsable record would destroy the item.
	if err := m.addToIndex(ctx, nk, MarketplaceIndexKey, listing.Id); err != nil {
		logger.Error("Failed to add listing to index: %v", err)
		m.unpublishListing(ctx, logger, nk, listing, version)
		return nil, ErrStoreTransient
	}
	if err := m.addToIndex(ctx, nk, m.sellerIndexKey(sellerID), listing.Id); err != nil {
		logger.Error("Failed to add listing to seller index: %v", err)
		m.unpublishListing(ctx, logger, nk, listing, version)
		return nil, ErrStoreTransient
	}

	m.notifier().SendNotice(ctx, logger, nk, sellerID, fmt.Sprintf("Listed %s for %d %s", def.Name, price, m.config.CurrencyKey))

	return listing, nil
}

// GetListing returns the identified active listing.
func (m *NakamaMarketplaceSystem) GetListing(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, listingID string) (*Listing, error) {
	listing, version, err := m.loadListing(ctx, logger, nk, listingID)
	if err != nil {
		return nil, err
	}
	if listing == nil {
		return nil, ErrListingNotFound
	}
	if m.isExpired(listing, time.Now().Unix()) {
		m.expireListing(ctx, logger, nk, listing, version)
		return nil, ErrListingNotFound
	}
	return listing, nil
}

// Purchase exchanges the buyer's currency for a fresh instance of the listed
// item. Claiming the listing object with a conditional delete serializes
// concurrent buyers: exactly one wins the version, the rest see the listing as
// gone. Each later step undoes the earlier ones on failure, so a buyer is
// never left charged for an undelivered item.
func (m *NakamaMarketplaceSystem) Purchase(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, buyerID, listingID string) (*Listing, error) {
	if buyerID == "" {
		return nil, ErrNoSessionUser
	}

	listing, version, err := m.loadListing(ctx, logger, nk, listingID)
	if err != nil {
		return nil, err
	}
	if listing == nil {
		return nil, ErrListingNotFound
	}

	currentTime := time.Now().Unix()
	if m.isExpired(listing, currentTime) {
		m.expireListing(ctx, logger, nk, listing, version)
		return nil, ErrListingNotFound
	}

	inventorySystem := m.inventorySystem()
	if inventorySystem == nil {
		logger.Warn("Cannot complete purchase: no InventorySystem available")
		return nil, ErrSystemNotAvailable
	}

	// Check buyer funds before touching anything.
	balance, err := m.userCurrency(ctx, logger, nk, buyerID)
	if err != nil {
		return nil, err
	}
	if balance < listing.Price {
		return nil, ErrInsufficientFunds
	}

	// Check the buyer can hold one more stack unit.
	ok, err := inventorySystem.HasCapacity(ctx, logger, nk, buyerID, 1)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBuyerInventoryFull
	}

	// Claim the listing.
	if err := m.claimListing(ctx, nk, listing.Id, version); err != nil {
		return nil, ErrListingNotFound
	}

	// Debit the buyer.
	if err := m.adjustWallet(ctx, nk, buyerID, -listing.Price, "marketplace_purchase", listing.Id); err != nil {
		logger.Error("Failed to debit buyer %s for listing %s: %v", buyerID, listing.Id, err)
		m.republishListing(ctx, logger, nk, listing)
		// The funds check above passed, so only a concurrent spend is a real
		// shortfall; anything else is the wallet backend failing.
		if balance, balErr := m.userCurrency(ctx, logger, nk, buyerID); balErr == nil && balance < listing.Price {
			return nil, ErrInsufficientFunds
		}
		return nil, ErrStoreTransient
	}

	// Deliver a fresh instance built from the listed definition.
	item := copyItem(listing.Item)
	item.StackCount = 1
	if err := inventorySystem.AddItem(ctx, logger, nk, buyerID, item); err != nil {
		logger.Error("Failed to deliver item %s to buyer %s: %v", item.Id, buyerID, err)
		if refundErr := m.adjustWallet(ctx, nk, buyerID, listing.Price, "marketplace_refund", listing.Id); refundErr != nil {
			logger.Error("Failed to refund buyer %s for listing %s: %v", buyerID, listing.Id, refundErr)
		}
		m.republishListing(ctx, logger, nk, listing)
		if errors.Is(err, ErrInventoryFull) {
			return nil, ErrBuyerInventoryFull
		}
		return nil, err
	}

	// Pay the seller, directly when connected, otherwise into the ledger.
	if err := m.settleSeller(ctx, logger, nk, listing); err != nil {
		if removeErr := inventorySystem.RemoveItem(ctx, logger, nk, buyerID, item.Id); removeErr != nil {
			logger.Error("Failed to take back undelivered item %s from buyer %s: %v", item.Id, buyerID, removeErr)
		}
		if refundErr := m.adjustWallet(ctx, nk, buyerID, listing.Price, "marketplace_refund", listing.Id); refundErr != nil {
			logger.Error("Failed to refund buyer %s for listing %s: %v", buyerID, listing.Id, refundErr)
		}
		m.republishListing(ctx, logger, nk, listing)
		return nil, ErrStoreTransient
	}

	// The sale is final; drop the listing from the indexes.
	m.dropFromIndexes(ctx, logger, nk, listing)

	m.notifier().SendNotice(ctx, logger, nk, buyerID, fmt.Sprintf("Purchased %s for %d %s", item.Name, listing.Price, m.config.CurrencyKey))
	if inventorySystem.Connected(listing.SellerId) {
		m.notifier().SendNotice(ctx, logger, nk, listing.SellerId, fmt.Sprintf("Your %s sold for %d %s", item.Name, listing.Price, m.config.CurrencyKey))
	}

	return listing, nil
}

// ListByCategory returns active listings in the category, newest first. An
// unknown or empty category reads as no listings.
func (m *NakamaMarketplaceSystem) ListByCategory(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, category string) ([]*Listing, error) {
	if category == "" {
		return []*Listing{}, nil
	}
	return m.listFromIndex(ctx, logger, nk, MarketplaceIndexKey, category)
}

// ListBySeller returns the seller's active listings, newest first.
func (m *NakamaMarketplaceSystem) ListBySeller(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, sellerID string) ([]*Listing, error) {
	return m.listFromIndex(ctx, logger, nk, m.sellerIndexKey(sellerID), "")
}

func (m *NakamaMarketplaceSystem) listFromIndex(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, indexKey, category string) ([]*Listing, error) {
	index, _, err := m.readIndex(ctx, nk, indexKey)
	if err != nil {
		logger.Error("Failed to read listing index %s: %v", indexKey, err)
		return nil, ErrInternal
	}
	if len(index) == 0 {
		return []*Listing{}, nil
	}

	reads := make([]*runtime.StorageRead, 0, len(index))
	for listingID := range index {
		reads = append(reads, &runtime.StorageRead{
			Collection: MarketplaceCollectionKey,
			Key:        listingID,
			UserID:     "",
		})
	}

	objects, err := nk.StorageRead(ctx, reads)
	if err != nil {
		logger.Error("Failed to read listings: %v", err)
		return nil, ErrInternal
	}

	currentTime := time.Now().Unix()
	listings := make([]*Listing, 0, len(objects))
	found := make(map[string]bool, len(objects))
	for _, obj := range objects {
		found[obj.Key] = true
		listing := &Listing{}
		if err := json.Unmarshal([]byte(obj.Value), listing); err != nil {
			logger.Error("Failed to unmarshal listing %s: %v", obj.Key, err)
			continue
		}
		if m.isExpired(listing, currentTime) {
			m.expireListing(ctx, logger, nk, listing, obj.Version)
			continue
		}
		if category != "" && listing.Category != category {
			continue
		}
		listings = append(listings, listing)
	}

	// Index writes are not transactional with listing deletes, so entries can
	// outlive their listing. Drop any the scan could not resolve.
	for listingID := range index {
		if found[listingID] {
			continue
		}
		if err := m.removeFromIndex(ctx, nk, indexKey, listingID); err != nil {
			logger.Warn("Failed to drop dangling listing %s from index %s: %v", listingID, indexKey, err)
		}
	}

	sort.Slice(listings, func(i, j int) bool {
		if listings[i].CreateTimeSec != listings[j].CreateTimeSec {
			return listings[i].CreateTimeSec > listings[j].CreateTimeSec
		}
		return listings[i].Id < listings[j].Id
	})

	return listings, nil
}

// settleSeller pays the sale price to the seller, directly into their wallet
// when they are connected, otherwise into the earnings ledger for a later
// claim.
func (m *NakamaMarketplaceSystem) settleSeller(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, listing *Listing) error {
	inventorySystem := m.inventorySystem()
	if inventorySystem != nil && inventorySystem.Connected(listing.SellerId) {
		err := m.adjustWallet(ctx, nk, listing.SellerId, listing.Price, "marketplace_sale", listing.Id)
		if err == nil {
			return nil
		}
		logger.Warn("Direct sale credit failed for seller %s, using earnings ledger: %v", listing.SellerId, err)
	}

	earningsSystem := m.earningsSystem()
	if earningsSystem == nil {
		logger.Error("Cannot settle sale %s: no EarningsSystem available", listing.Id)
		return ErrSystemNotAvailable
	}
	return earningsSystem.Credit(ctx, logger, nk, listing.SellerId, listing.Price)
}

// userCurrency reads the user's wallet balance for the configured currency.
func (m *NakamaMarketplaceSystem) userCurrency(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string) (int64, error) {
	account, err := nk.AccountGetId(ctx, userID)
	if err != nil {
		logger.Error("Failed to get user account: %v", err)
		return 0, ErrInternal
	}

	wallet := make(map[string]int64)
	if account.Wallet != "" {
		if err := json.Unmarshal([]byte(account.Wallet), &wallet); err != nil {
			logger.Error("Failed to unmarshal wallet: %v", err)
			return 0, ErrInternal
		}
	}
	return wallet[m.config.CurrencyKey], nil
}

func (m *NakamaMarketplaceSystem) adjustWallet(ctx context.Context, nk runtime.NakamaModule, userID string, amount int64, source, listingID string) error {
	changeset := map[string]int64{
		m.config.CurrencyKey: amount,
	}
	metadata := map[string]interface{}{
		"source":     source,
		"listing_id": listingID,
	}
	_, _, err := nk.WalletUpdate(ctx, userID, changeset, metadata, true)
	return err
}

// claimListing deletes the listing object conditioned on the version it was
// read at. A conflict means another buyer or the expiry path got there first.
func (m *NakamaMarketplaceSystem) claimListing(ctx context.Context, nk runtime.NakamaModule, listingID, version string) error {
	return nk.StorageDelete(ctx, []*runtime.StorageDelete{
		{
			Collection: MarketplaceCollectionKey,
			Key:        listingID,
			UserID:     "",
			Version:    version,
		},
	})
}

// republishListing restores a claimed listing after a failed purchase step. Any
// index entries a concurrent reader repaired away in the meantime are re-added.
func (m *NakamaMarketplaceSystem) republishListing(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, listing *Listing) {
	if _, err := m.saveListing(ctx, nk, listing); err != nil {
		logger.Error("Failed to republish listing %s: %v", listing.Id, err)
		return
	}
	if err := m.addToIndex(ctx, nk, MarketplaceIndexKey, listing.Id); err != nil {
		logger.Error("Failed to re-index listing %s: %v", listing.Id, err)
	}
	if err := m.addToIndex(ctx, nk, m.sellerIndexKey(listing.SellerId), listing.Id); err != nil {
		logger.Error("Failed to re-index listing %s for seller: %v", listing.Id, err)
	}
}

// unpublishListing takes back a listing that never became fully indexed. The
// conditional delete loses to a buyer who found it first, and then the sale
// path owns the unit and there is nothing to return.
func (m *NakamaMarketplaceSystem) unpublishListing(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, listing *Listing, version string) {
	if err := m.claimListing(ctx, nk, listing.Id, version); err != nil {
		return
	}
	m.dropFromIndexes(ctx, logger, nk, listing)
	m.returnHeldUnit(ctx, logger, nk, listing)
}

// expireListing retires one expired listing. The claim serializes concurrent
// observers, so the held unit is returned to the seller exactly once.
func (m *NakamaMarketplaceSystem) expireListing(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, listing *Listing, version string) {
	if err := m.claimListing(ctx, nk, listing.Id, version); err != nil {
		return
	}

	m.dropFromIndexes(ctx, logger, nk, listing)

	if !m.config.RequireOwnership {
		return
	}
	if err := m.returnHeldUnit(ctx, logger, nk, listing); err != nil {
		return
	}
	if inventorySystem := m.inventorySystem(); inventorySystem != nil && inventorySystem.Connected(listing.SellerId) {
		m.notifier().SendNotice(ctx, logger, nk, listing.SellerId, fmt.Sprintf("Your listing for %s expired", listing.Item.Name))
	}
}

// returnHeldUnit grants the unit a retired listing was holding back to its
// seller. A no-op when listings do not consume the listed item.
func (m *NakamaMarketplaceSystem) returnHeldUnit(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, listing *Listing) error {
	if !m.config.RequireOwnership {
		return nil
	}
	inventorySystem := m.inventorySystem()
	if inventorySystem == nil {
		logger.Error("Cannot return held item for listing %s: no InventorySystem available", listing.Id)
		return ErrSystemNotAvailable
	}
	item := copyItem(listing.Item)
	item.StackCount = 1
	if err := inventorySystem.Grant(ctx, logger, nk, listing.SellerId, item); err != nil {
		logger.Error("Failed to return listing item %s to seller %s: %v", item.Id, listing.SellerId, err)
		return err
	}
	return nil
}

// dropFromIndexes removes the listing from the category and seller indexes.
func (m *NakamaMarketplaceSystem) dropFromIndexes(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, listing *Listing) {
	if err := m.removeFromIndex(ctx, nk, MarketplaceIndexKey, listing.Id); err != nil {
		logger.Error("Failed to remove listing %s from index: %v", listing.Id, err)
	}
	if err := m.removeFromIndex(ctx, nk, m.sellerIndexKey(listing.SellerId), listing.Id); err != nil {
		logger.Error("Failed to remove listing %s from seller index: %v", listing.Id, err)
	}
}

func (m *NakamaMarketplaceSystem) loadListing(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, listingID string) (*Listing, string, error) {
	objects, err := nk.StorageRead(ctx, []*runtime.StorageRead{
		{
			Collection: MarketplaceCollectionKey,
			Key:        listingID,
			UserID:     "",
		},
	})
	if err != nil {
		logger.Error("Failed to read listing %s: %v", listingID, err)
		return nil, "", ErrInternal
	}
	if len(objects) == 0 {
		return nil, "", nil
	}

	listing := &Listing{}
	if err := json.Unmarshal([]byte(objects[0].Value), listing); err != nil {
		logger.Error("Failed to unmarshal listing %s: %v", listingID, err)
		return nil, "", ErrMalformedRecord
	}
	return listing, objects[0].Version, nil
}

// saveListing creates the listing record, insisting the ID is new, and returns
// the version the store acknowledged for it.
func (m *NakamaMarketplaceSystem) saveListing(ctx context.Context, nk runtime.NakamaModule, listing *Listing) (string, error) {
	data, err := json.Marshal(listing)
	if err != nil {
		return "", err
	}

	acks, err := nk.StorageWrite(ctx, []*runtime.StorageWrite{
		{
			Collection: MarketplaceCollectionKey,
			Key:        listing.Id,
			UserID:     "",
			Value:      string(data),
			Version:    "*",
		},
	})
	if err != nil {
		return "", err
	}
	version := ""
	if len(acks) > 0 {
		version = acks[0].Version
	}
	return version, nil
}

// readIndex returns the entries and current version of one shared index
// record. A missing record reads as an empty index with no version.
func (m *NakamaMarketplaceSystem) readIndex(ctx context.Context, nk runtime.NakamaModule, indexKey string) (map[string]bool, string, error) {
	objects, err := nk.StorageRead(ctx, []*runtime.StorageRead{
		{
			Collection: MarketplaceCollectionKey,
			Key:        indexKey,
			UserID:     "",
		},
	})
	if err != nil {
		return nil, "", err
	}

	index := make(map[string]bool)
	if len(objects) == 0 {
		return index, "", nil
	}
	if err := json.Unmarshal([]byte(objects[0].Value), &index); err != nil {
		return nil, "", err
	}
	return index, objects[0].Version, nil
}

func (m *NakamaMarketplaceSystem) writeIndex(ctx context.Context, nk runtime.NakamaModule, indexKey string, index map[string]bool, version string) error {
	data, err := json.Marshal(index)
	if err != nil {
		return err
	}

	_, err = nk.StorageWrite(ctx, []*runtime.StorageWrite{
		{
			Collection: MarketplaceCollectionKey,
			Key:        indexKey,
			UserID:     "",
			Value:      string(data),
			Version:    version,
		},
	})
	return err
}

// addToIndex adds the listing to the shared index record. The write is
// conditional on the version the index was read at and replays against fresh
// state on conflict; an unconditional write would drop entries that landed in
// between and leave their listings unbrowsable.
func (m *NakamaMarketplaceSystem) addToIndex(ctx context.Context, nk runtime.NakamaModule, indexKey, listingID string) error {
	for attempt := 0; attempt < indexWriteRetries; attempt++ {
		index, version, err := m.readIndex(ctx, nk, indexKey)
		if err != nil {
			return err
		}
		if index[listingID] {
			return nil
		}
		index[listingID] = true
		if version == "" {
			// No index record yet, insist on creating one.
			version = "*"
		}
		if err := m.writeIndex(ctx, nk, indexKey, index, version); err == nil {
			return nil
		}
		// A concurrent index write won. Read back and retry.
	}
	return ErrStoreTransient
}

// removeFromIndex drops the listing from the shared index record through the
// same conditional write loop as addToIndex.
func (m *NakamaMarketplaceSystem) removeFromIndex(ctx context.Context, nk runtime.NakamaModule, indexKey, listingID string) error {
	for attempt := 0; attempt < indexWriteRetries; attempt++ {
		index, version, err := m.readIndex(ctx, nk, indexKey)
		if err != nil {
			return err
		}
		if _, ok := index[listingID]; !ok {
			return nil
		}
		delete(index, listingID)
		if err := m.writeIndex(ctx, nk, indexKey, index, version); err == nil {
			return nil
		}
		// A concurrent index write won. Read back and retry.
	}
	return ErrStoreTransient
}

func (m *NakamaMarketplaceSystem) sellerIndexKey(sellerID string) string {
	return fmt.Sprintf("%s_%s", MarketplaceSellerListingsKey, sellerID)
}

func (m *NakamaMarketplaceSystem) isExpired(listing *Listing, currentTime int64) bool {
	return listing.ExpireTimeSec > 0 && currentTime >= listing.ExpireTimeSec
}

func (m *NakamaMarketplaceSystem) inventorySystem() InventorySystem {
	if m.tradepost == nil {
		return nil
	}
	return m.tradepost.GetInventorySystem()
}

func (m *NakamaMarketplaceSystem) earningsSystem() EarningsSystem {
	if m.tradepost == nil {
		return nil
	}
	return m.tradepost.GetEarningsSystem()
}

func (m *NakamaMarketplaceSystem) notifier() ClientNotifier {
	if m.tradepost != nil {
		if n := m.tradepost.ClientNotifier(); n != nil {
			return n
		}
	}
	return noopNotifier{}
}
