package tradepost

import (
	"github.com/heroiclabs/nakama-common/runtime"
)

var (
	ErrInternal           = runtime.NewError("internal error occurred", 13) // INTERNAL
	ErrBadInput           = runtime.NewError("bad input", 3)                // INVALID_ARGUMENT
	ErrFileNotFound       = runtime.NewError("file not found", 3)
	ErrNoSessionUser      = runtime.NewError("no user ID in session", 3)       // INVALID_ARGUMENT
	ErrPayloadDecode      = runtime.NewError("cannot decode json", 13)         // INTERNAL
	ErrPayloadEmpty       = runtime.NewError("payload should not be empty", 3) // INVALID_ARGUMENT
	ErrPayloadEncode      = runtime.NewError("cannot encode json", 13)         // INTERNAL
	ErrSystemNotAvailable = runtime.NewError("system not available", 13)       // INTERNAL
	ErrSystemNotFound     = runtime.NewError("system not found", 13)           // INTERNAL

	// ErrStoreTransient covers storage reads or writes that failed but may
	// succeed on a retry. Inventory saves that hit it keep the actor dirty so
	// the next sweep retries; ledger writes that hit it have exhausted their
	// retry budget.
	ErrStoreTransient = runtime.NewError("storage temporarily unavailable", UNAVAILABLE_ERROR_CODE)
)

// The Tradepost structure is the main game interface.
//
// Use the Init function to create a Tradepost structure from a set of system
// configurations.
type Tradepost interface {
	// SetClientNotifier replaces the channel used to push inventory and
	// marketplace updates to connected clients.
	SetClientNotifier(notifier ClientNotifier)

	// ClientNotifier returns the current client update channel.
	ClientNotifier() ClientNotifier

	GetInventorySystem() InventorySystem
	GetMarketplaceSystem() MarketplaceSystem
	GetEarningsSystem() EarningsSystem

	// Stop halts the background persistence loops. Used by tests and module
	// teardown.
	Stop()
}

// The SystemType identifies each of the gameplay systems.
type SystemType uint

const (
	SystemTypeUnknown SystemType = iota
	SystemTypeInventory
	SystemTypeMarketplace
	SystemTypeEarnings
)

// RPC identifiers registered with the game server when a system config has
// register set.
const (
	RpcIdInventoryList            = "inventory_list"
	RpcIdInventoryUseItem         = "inventory_use_item"
	RpcIdMarketplaceCreateListing = "marketplace_create_listing"
	RpcIdMarketplacePurchase      = "marketplace_purchase"
	RpcIdMarketplaceListCategory  = "marketplace_list_category"
)

// The SystemConfig describes the configuration that each gameplay system must use to configure itself.
type SystemConfig interface {
	// GetType returns the runtime type of the gameplay system.
	GetType() SystemType

	// GetConfigFile returns the configuration file used for the data definitions in the gameplay system.
	GetConfigFile() string

	// GetRegister returns true if the gameplay system's RPCs should be registered with the game server.
	GetRegister() bool
}

var _ SystemConfig = &systemConfig{}

type systemConfig struct {
	systemType SystemType
	configFile string
	register   bool
}

func (sc *systemConfig) GetType() SystemType {
	return sc.systemType
}
func (sc *systemConfig) GetConfigFile() string {
	return sc.configFile
}
func (sc *systemConfig) GetRegister() bool {
	return sc.register
}

// A System is a base type for a gameplay system.
type System interface {
	// GetType provides the runtime type of the gameplay system.
	GetType() SystemType

	// GetConfig returns the configuration type of the gameplay system.
	GetConfig() any
}

// WithInventorySystem configures an InventorySystem type and optionally registers its RPCs with the game server.
func WithInventorySystem(configFile string, register bool) SystemConfig {
	return &systemConfig{
		systemType: SystemTypeInventory,
		configFile: configFile,
		register:   register,
	}
}

// WithMarketplaceSystem configures a MarketplaceSystem type and optionally registers its RPCs with the game server.
func WithMarketplaceSystem(configFile string, register bool) SystemConfig {
	return &systemConfig{
		systemType: SystemTypeMarketplace,
		configFile: configFile,
		register:   register,
	}
}

// WithEarningsSystem configures an EarningsSystem type and optionally registers its RPCs with the game server.
func WithEarningsSystem(configFile string, register bool) SystemConfig {
	return &systemConfig{
		systemType: SystemTypeEarnings,
		configFile: configFile,
		register:   register,
	}
}
