package tradepost

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/heroiclabs/nakama-common/runtime"
	"github.com/robfig/cron/v3"
)

const (
	inventoryStorageCollection = "inventory"
	inventorySnapshotKey       = "snapshot"

	// Retry budget for conditional writes to non-resident inventories.
	grantWriteRetries = 3
)

// actorInventory is the resident state for one connected actor. It is owned by
// the engine mutex; snapshots are copied out before any I/O or delivery.
type actorInventory struct {
	userID string
	items  map[string]*Item

	// Version of the storage snapshot this copy was loaded from. Offline
	// grants compare against it to tell whether a connect that raced the
	// grant already loaded the granted state.
	loadVersion string
}

func (a *actorInventory) totalUnits() int {
	total := 0
	for _, item := range a.items {
		total += item.StackCount
	}
	return total
}

// NakamaInventorySystem implements the InventorySystem interface.
type NakamaInventorySystem struct {
	config     *InventoryConfig
	tradepost  Tradepost
	cronParser cron.Parser

	mu         sync.Mutex
	actors     map[string]*actorInventory
	dirty      map[string]struct{}
	saving     map[string]struct{}
	pending    map[string]struct{}
	flushArmed bool

	// Snapshot versions written by offline grants that found no resident
	// actor to fold into. A connect that loaded an older snapshot reads
	// again before going resident; entries are cleared on the next load.
	grantMarks map[string]string

	// Background context captured at hub init, used by the flush timer and
	// the sweep loop which outlive any single request.
	bgCtx    context.Context
	bgLogger runtime.Logger
	bgNk     runtime.NakamaModule
	stop     chan struct{}
}

// NewNakamaInventorySystem creates a new inventory system instance.
func NewNakamaInventorySystem(config *InventoryConfig) *NakamaInventorySystem {
	config.applyDefaults()
	return &NakamaInventorySystem{
		config:     config,
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		actors:     make(map[string]*actorInventory),
		dirty:      make(map[string]struct{}),
		saving:     make(map[string]struct{}),
		pending:    make(map[string]struct{}),
		grantMarks: make(map[string]string),
		stop:       make(chan struct{}),
	}
}

// GetType returns the system type for the inventory system.
func (s *NakamaInventorySystem) GetType() SystemType {
	return SystemTypeInventory
}

// GetConfig returns the configuration for the inventory system.
func (s *NakamaInventorySystem) GetConfig() any {
	return s.config
}

// SetTradepost sets the Tradepost instance for this inventory system.
func (s *NakamaInventorySystem) SetTradepost(tp Tradepost) {
	s.tradepost = tp
}

// start captures the background context and launches the persistence sweep
// loop. Called once from hub init.
func (s *NakamaInventorySystem) start(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule) error {
	sched, err := s.cronParser.Parse(s.config.SweepCronexpr)
	if err != nil {
		logger.Error("Invalid sweep cron expression %q: %v", s.config.SweepCronexpr, err)
		return ErrBadInput
	}

	s.mu.Lock()
	s.bgCtx = ctx
	s.bgLogger = logger
	s.bgNk = nk
	s.mu.Unlock()

	go s.runSweep(ctx, logger, nk, sched)
	return nil
}

func (s *NakamaInventorySystem) shutdown() {
	close(s.stop)
}

func (s *NakamaInventorySystem) runSweep(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, sched cron.Schedule) {
	for {
		now := time.Now()
		timer := time.NewTimer(sched.Next(now).Sub(now))
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.sweep(ctx, logger, nk)
		}
	}
}

// sweep saves every dirty, still-connected actor. Dirty marks that arrive
// while the sweep runs land in the fresh set and are picked up next cycle.
func (s *NakamaInventorySystem) sweep(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule) {
	s.mu.Lock()
	working := make([]string, 0, len(s.dirty))
	for userID := range s.dirty {
		if _, connected := s.actors[userID]; !connected {
			// Nothing resident to save. The disconnect path already issued
			// its best-effort write.
			delete(s.dirty, userID)
			continue
		}
		working = append(working, userID)
	}
	s.mu.Unlock()

	for _, userID := range working {
		if err := s.SaveNow(ctx, logger, nk, userID); err != nil {
			logger.Error("Sweep save failed for user %s: %v", userID, err)
		}
	}
}

// Connect loads the actor's persisted inventory into memory.
func (s *NakamaInventorySystem) Connect(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string) error {
	if userID == "" {
		return ErrNoSessionUser
	}
	_, err := s.loadActor(ctx, logger, nk, userID)
	return err
}

// loadActor returns the resident inventory for the actor, reading it from
// storage on first access. Transient read failures and missing records both
// yield a fresh inventory; losing the read is preferred over blocking play.
func (s *NakamaInventorySystem) loadActor(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string) (*actorInventory, error) {
	s.mu.Lock()
	if actor, ok := s.actors[userID]; ok {
		s.mu.Unlock()
		return actor, nil
	}
	s.mu.Unlock()

	records, version, err := s.readSnapshot(ctx, nk, userID)
	loadFailed := err != nil
	if loadFailed {
		logger.Warn("Inventory load failed for user %s, starting fresh: %v", userID, err)
		records = nil
	}

	var actor *actorInventory
	for attempt := 0; ; attempt++ {
		s.mu.Lock()
		if resident, ok := s.actors[userID]; ok {
			// Another request loaded the actor while the read was in flight.
			s.mu.Unlock()
			return resident, nil
		}
		if mark, ok := s.grantMarks[userID]; ok && !loadFailed && mark != version && attempt < grantWriteRetries {
			// An offline grant committed after this snapshot was read. Read
			// again so the grant is not erased by the next save.
			s.mu.Unlock()
			records, version, err = s.readSnapshot(ctx, nk, userID)
			if err != nil {
				loadFailed = true
				logger.Warn("Inventory load failed for user %s, starting fresh: %v", userID, err)
				records = nil
			}
			continue
		}
		delete(s.grantMarks, userID)
		actor = &actorInventory{
			userID:      userID,
			items:       make(map[string]*Item),
			loadVersion: version,
		}
		s.actors[userID] = actor
		s.loadFromLocked(logger, actor, records)
		s.schedulePushLocked(userID)
		s.mu.Unlock()
		break
	}

	if loadFailed {
		s.notifier().SendNotice(ctx, logger, nk, userID, "Could not load your saved items, starting with a fresh inventory")
	}
	return actor, nil
}

// loadFromLocked reconstructs item records in storage order through the same
// stacking and capacity rules as live pickups. A malformed record is skipped
// with a warning, never fatal to the rest of the load.
func (s *NakamaInventorySystem) loadFromLocked(logger runtime.Logger, actor *actorInventory, records []*Item) {
	for _, record := range records {
		if record == nil {
			logger.Warn("Skipping empty inventory record for user %s", actor.userID)
			continue
		}
		normalizeItem(record)
		if record.StackCount <= 0 {
			logger.Warn("Skipping spent inventory record %q for user %s", record.Id, actor.userID)
			continue
		}
		if err := validateItem(record); err != nil {
			logger.Warn("Skipping malformed inventory record %q for user %s: %v", record.Id, actor.userID, err)
			continue
		}
		if _, err := s.addLocked(actor, record); err != nil {
			logger.Warn("Dropping inventory record %q for user %s: %v", record.Id, actor.userID, err)
		}
	}
}

// Disconnect issues a synchronous best-effort save and evicts the actor.
func (s *NakamaInventorySystem) Disconnect(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string) {
	s.mu.Lock()
	_, resident := s.actors[userID]
	_, wasDirty := s.dirty[userID]
	s.mu.Unlock()
	if !resident {
		return
	}

	if wasDirty {
		if err := s.SaveNow(ctx, logger, nk, userID); err != nil {
			logger.Error("Disconnect save failed for user %s: %v", userID, err)
		}
	}

	s.mu.Lock()
	delete(s.actors, userID)
	delete(s.pending, userID)
	delete(s.dirty, userID)
	s.mu.Unlock()
}

// Connected reports whether the actor's inventory is currently resident.
func (s *NakamaInventorySystem) Connected(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.actors[userID]
	return ok
}

// AddItem adds the item to the actor's inventory, merging into an existing
// stack of the same ID.
func (s *NakamaInventorySystem) AddItem(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, item *Item) error {
	if err := validateItem(item); err != nil {
		return err
	}
	if item.StackCount == 0 {
		return ErrInvalidItem
	}

	actor, err := s.loadActor(ctx, logger, nk, userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	capped, err := s.addLocked(actor, item)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !capped {
		s.dirty[userID] = struct{}{}
		s.schedulePushLocked(userID)
	}
	s.mu.Unlock()

	if capped {
		s.notifier().SendNotice(ctx, logger, nk, userID, fmt.Sprintf("%s stack is full", item.Name))
	}
	return nil
}

// addLocked merges or inserts one item record, enforcing the unit capacity
// bound. The returned flag reports a merge discarded at the stack cap, which
// takes precedence over a full inventory since nothing was mutated.
func (s *NakamaInventorySystem) addLocked(actor *actorInventory, item *Item) (bool, error) {
	if existing, ok := actor.items[item.Id]; ok {
		if existing.StackCount >= existing.MaxStack {
			return true, nil
		}
		if actor.totalUnits() >= s.config.InventoryLimit {
			return false, ErrInventoryFull
		}
		existing.IncreaseStack(1)
		return false, nil
	}
	if actor.totalUnits()+item.StackCount > s.config.InventoryLimit {
		return false, ErrInventoryFull
	}
	actor.items[item.Id] = copyItem(item)
	return false, nil
}

// RemoveItem decreases the identified stack by one, dropping the record when
// the stack is spent. Removing an absent item is a no-op.
func (s *NakamaInventorySystem) RemoveItem(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemID string) error {
	actor, err := s.loadActor(ctx, logger, nk, userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	item, ok := actor.items[itemID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	spentName := ""
	if item.DecreaseStack(1) == 0 {
		delete(actor.items, itemID)
		spentName = item.Name
	}
	s.dirty[userID] = struct{}{}
	s.schedulePushLocked(userID)
	s.mu.Unlock()

	if spentName != "" {
		s.notifier().SendNotice(ctx, logger, nk, userID, fmt.Sprintf("%s depleted", spentName))
	}
	return nil
}

// Grant adds an item to the actor whether or not they are resident. For a
// non-resident actor the item merges into the stored snapshot through the
// usual stacking and capacity rules and is persisted immediately through a
// conditional write. A connect can still load the pre-grant snapshot inside
// the read-write window, so a committed grant is settled against residency
// afterwards.
func (s *NakamaInventorySystem) Grant(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, item *Item) error {
	if err := validateItem(item); err != nil {
		return err
	}
	if item.StackCount == 0 {
		return ErrInvalidItem
	}

	for attempt := 0; attempt < grantWriteRetries; attempt++ {
		s.mu.Lock()
		_, resident := s.actors[userID]
		s.mu.Unlock()
		if resident {
			return s.AddItem(ctx, logger, nk, userID, item)
		}

		records, version, err := s.readSnapshot(ctx, nk, userID)
		if err != nil {
			logger.Error("Offline grant load failed for user %s: %v", userID, err)
			return ErrStoreTransient
		}

		ghost := &actorInventory{userID: userID, items: make(map[string]*Item)}
		s.mu.Lock()
		s.loadFromLocked(logger, ghost, records)
		capped, addErr := s.addLocked(ghost, item)
		items := s.snapshotLocked(ghost)
		s.mu.Unlock()
		if addErr != nil {
			return addErr
		}
		if capped {
			return nil
		}

		if version == "" {
			// No snapshot yet, insist on creating one.
			version = "*"
		}
		written, err := s.writeSnapshot(ctx, nk, userID, items, version)
		if err == nil {
			s.settleGrant(logger, userID, item, written)
			return nil
		}
		// A conflicting write landed in between. Replay against fresh state.
	}
	return ErrStoreTransient
}

// settleGrant reconciles a committed offline grant with a connect that raced
// it. A connect that loaded the pre-grant snapshot would hand the next
// unconditional save a state without the item, erasing the acknowledged
// grant; fold the item into the resident copy, or leave a mark so a load
// still in flight reads again.
func (s *NakamaInventorySystem) settleGrant(logger runtime.Logger, userID string, item *Item, written string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	actor, resident := s.actors[userID]
	if !resident {
		s.grantMarks[userID] = written
		return
	}
	if actor.loadVersion == written {
		// The resident copy was loaded from the snapshot that already
		// includes this grant.
		return
	}
	capped, err := s.addLocked(actor, item)
	if err != nil || capped {
		logger.Warn("Offline grant of %q could not fold into the resident inventory for user %s", item.Id, userID)
		return
	}
	actor.loadVersion = written
	s.dirty[userID] = struct{}{}
	s.schedulePushLocked(userID)
}

// UseItem consumes one point of the item's durability.
func (s *NakamaInventorySystem) UseItem(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID, itemID string) (*Item, bool, error) {
	actor, err := s.loadActor(ctx, logger, nk, userID)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	item, ok := actor.items[itemID]
	if !ok {
		s.mu.Unlock()
		return nil, false, ErrItemNotFound
	}
	broken := item.Use()
	if !broken {
		s.dirty[userID] = struct{}{}
		s.schedulePushLocked(userID)
	}
	snapshot := copyItem(item)
	s.mu.Unlock()

	if broken {
		s.notifier().SendNotice(ctx, logger, nk, userID, fmt.Sprintf("%s is broken", snapshot.Name))
	}
	return snapshot, broken, nil
}

// GetItem returns a copy of the identified item record.
func (s *NakamaInventorySystem) GetItem(userID, itemID string) (*Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	actor, ok := s.actors[userID]
	if !ok {
		return nil, false
	}
	item, ok := actor.items[itemID]
	if !ok {
		return nil, false
	}
	return copyItem(item), true
}

// GetItemCount returns the sum of stack counts across the actor's items.
func (s *NakamaInventorySystem) GetItemCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	actor, ok := s.actors[userID]
	if !ok {
		return 0
	}
	return actor.totalUnits()
}

// HasCapacity reports whether the actor can absorb the given number of
// additional stack units.
func (s *NakamaInventorySystem) HasCapacity(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, units int) (bool, error) {
	actor, err := s.loadActor(ctx, logger, nk, userID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return actor.totalUnits()+units <= s.config.InventoryLimit, nil
}

// List returns one page of the actor's inventory ordered by item ID.
func (s *NakamaInventorySystem) List(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string, page, pageSize int) (*InventoryPage, error) {
	actor, err := s.loadActor(ctx, logger, nk, userID)
	if err != nil {
		return nil, err
	}

	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = s.config.ListPageSize
	}
	if pageSize > s.config.ListPageSizeMax {
		pageSize = s.config.ListPageSizeMax
	}

	s.mu.Lock()
	items := s.snapshotLocked(actor)
	s.mu.Unlock()

	total := len(items)
	start := (page - 1) * pageSize
	if start < 0 || start > total {
		// Pages past the end read as empty, including page numbers so large
		// the offset product overflowed.
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return &InventoryPage{
		Page:       page,
		PageSize:   pageSize,
		TotalItems: total,
		Inventory:  items[start:end],
	}, nil
}

// snapshotLocked copies the actor's items into a slice sorted by item ID.
func (s *NakamaInventorySystem) snapshotLocked(actor *actorInventory) []*Item {
	items := make([]*Item, 0, len(actor.items))
	for _, item := range actor.items {
		items = append(items, copyItem(item))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Id < items[j].Id })
	return items
}

// MarkDirty flags the actor for the next persistence sweep.
func (s *NakamaInventorySystem) MarkDirty(userID string) {
	s.mu.Lock()
	s.dirty[userID] = struct{}{}
	s.mu.Unlock()
}

// SaveNow writes the actor's current inventory snapshot. On failure the actor
// stays dirty and the next sweep retries; the full-overwrite record keeps the
// retry idempotent.
func (s *NakamaInventorySystem) SaveNow(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string) error {
	s.mu.Lock()
	actor, ok := s.actors[userID]
	if !ok {
		delete(s.dirty, userID)
		s.mu.Unlock()
		return nil
	}
	if _, inFlight := s.saving[userID]; inFlight {
		// Another save is already running for this actor; the dirty flag
		// stays set and the next sweep picks the actor up again.
		s.mu.Unlock()
		return nil
	}
	s.saving[userID] = struct{}{}
	delete(s.dirty, userID)
	items := s.snapshotLocked(actor)
	s.mu.Unlock()

	written, err := s.writeSnapshot(ctx, nk, userID, items, "")

	s.mu.Lock()
	delete(s.saving, userID)
	if err != nil {
		s.dirty[userID] = struct{}{}
	} else if resident, ok := s.actors[userID]; ok {
		resident.loadVersion = written
	}
	s.mu.Unlock()

	if err != nil {
		logger.Error("Inventory save failed for user %s: %v", userID, err)
		return ErrStoreTransient
	}
	return nil
}

// writeSnapshot persists the full item set and returns the version the store
// acknowledged for the new record.
func (s *NakamaInventorySystem) writeSnapshot(ctx context.Context, nk runtime.NakamaModule, userID string, items []*Item, version string) (string, error) {
	record := &inventoryRecord{
		Items:         items,
		UpdateTimeSec: time.Now().Unix(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", err
	}

	acks, err := nk.StorageWrite(ctx, []*runtime.StorageWrite{
		{
			Collection:      inventoryStorageCollection,
			Key:             inventorySnapshotKey,
			UserID:          userID,
			Value:           string(data),
			Version:         version,
			PermissionRead:  1,
			PermissionWrite: 0,
		},
	})
	if err != nil {
		return "", err
	}
	written := ""
	if len(acks) > 0 {
		written = acks[0].Version
	}
	return written, nil
}

func (s *NakamaInventorySystem) readSnapshot(ctx context.Context, nk runtime.NakamaModule, userID string) ([]*Item, string, error) {
	objects, err := nk.StorageRead(ctx, []*runtime.StorageRead{
		{
			Collection: inventoryStorageCollection,
			Key:        inventorySnapshotKey,
			UserID:     userID,
		},
	})
	if err != nil {
		return nil, "", err
	}
	if len(objects) == 0 {
		return nil, "", nil
	}

	record := &inventoryRecord{}
	if err := json.Unmarshal([]byte(objects[0].Value), record); err != nil {
		return nil, "", ErrMalformedRecord
	}
	return record.Items, objects[0].Version, nil
}

// UpdateUI pushes a read-only snapshot of the actor's inventory to the client
// channel. It is a no-op for disconnected actors; delivery failures are logged
// inside the notifier and never retried, since the next mutation resends a
// fresh snapshot.
func (s *NakamaInventorySystem) UpdateUI(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string) {
	s.mu.Lock()
	actor, ok := s.actors[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	items := s.snapshotLocked(actor)
	s.mu.Unlock()

	s.notifier().SendInventory(ctx, logger, nk, userID, items)
}

// schedulePushLocked queues the actor for the next batched snapshot push and
// arms the single-shot flush timer if it is not already armed. Coalescing
// bounds pushes to roughly one per flush interval per actor however large the
// mutation burst.
func (s *NakamaInventorySystem) schedulePushLocked(userID string) {
	s.pending[userID] = struct{}{}
	if s.flushArmed || s.bgNk == nil {
		return
	}
	s.flushArmed = true
	time.AfterFunc(time.Duration(s.config.UIFlushIntervalMs)*time.Millisecond, s.flushPending)
}

// flushPending swaps out the pending set and pushes one snapshot per queued
// actor. Marks arriving while the flush runs land in the fresh set and arm the
// next timer.
func (s *NakamaInventorySystem) flushPending() {
	s.mu.Lock()
	drained := s.pending
	s.pending = make(map[string]struct{})
	s.flushArmed = false
	ctx, logger, nk := s.bgCtx, s.bgLogger, s.bgNk
	s.mu.Unlock()

	if nk == nil {
		return
	}
	select {
	case <-s.stop:
		return
	default:
	}

	for userID := range drained {
		s.UpdateUI(ctx, logger, nk, userID)
	}
}

func (s *NakamaInventorySystem) notifier() ClientNotifier {
	if s.tradepost != nil {
		if n := s.tradepost.ClientNotifier(); n != nil {
			return n
		}
	}
	return noopNotifier{}
}
