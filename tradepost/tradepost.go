package tradepost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/heroiclabs/nakama-common/api"
	"github.com/heroiclabs/nakama-common/runtime"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schemas shipped alongside the config files. A system with no schema on disk
// skips validation.
var systemSchemaPaths = map[SystemType]string{
	SystemTypeInventory:   "schemas/inventory_config.schema.json",
	SystemTypeMarketplace: "schemas/marketplace_config.schema.json",
	SystemTypeEarnings:    "schemas/earnings_config.schema.json",
}

// tradepostImpl implements the Tradepost interface
type tradepostImpl struct {
	notifier ClientNotifier

	// Store systems in a map by type
	systems map[SystemType]System
}

// Init initializes a Tradepost type with the configurations provided.
func Init(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, initializer runtime.Initializer, configs ...SystemConfig) (Tradepost, error) {
	tp := &tradepostImpl{
		notifier: NewNakamaClientNotifier(),
		systems:  make(map[SystemType]System),
	}

	// Initialize systems based on provided configs
	for _, config := range configs {
		if err := tp.initSystem(ctx, logger, nk, initializer, config); err != nil {
			return nil, err
		}
	}

	// Launch the persistence sweep once all systems are wired.
	if inventorySystem, ok := tp.systems[SystemTypeInventory].(*NakamaInventorySystem); ok {
		if err := inventorySystem.start(ctx, logger, nk); err != nil {
			return nil, err
		}
	}

	if err := tp.registerSessionEvents(nk, initializer); err != nil {
		return nil, err
	}

	return tp, nil
}

// initSystem initializes a specific system based on its type
func (tp *tradepostImpl) initSystem(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, initializer runtime.Initializer, config SystemConfig) error {
	logger.Info("Initializing system type: %v, config file: %s", config.GetType(), config.GetConfigFile())

	// 1. Load the config file
	configData, err := nk.ReadFile(config.GetConfigFile())
	if err != nil {
		logger.Error("Failed to read config file %s: %v", config.GetConfigFile(), err)
		return ErrFileNotFound
	}

	configBytes, err := io.ReadAll(configData)
	if err != nil {
		logger.Error("Failed to read config file contents: %v", err)
		return err
	}
	defer configData.Close()

	// 2. Validate the raw document against the system's schema
	if err := tp.validateConfigSchema(logger, nk, config.GetType(), configBytes); err != nil {
		return err
	}

	// 3. Create the appropriate system instance based on system type
	var system System

	switch config.GetType() {
	case SystemTypeInventory:
		inventoryConfig := &InventoryConfig{}
		if err := json.Unmarshal(configBytes, inventoryConfig); err != nil {
			logger.Error("Failed to parse Inventory system config: %v", err)
			return err
		}
		system = NewNakamaInventorySystem(inventoryConfig)

	case SystemTypeMarketplace:
		marketplaceConfig := &MarketplaceConfig{}
		if err := json.Unmarshal(configBytes, marketplaceConfig); err != nil {
			logger.Error("Failed to parse Marketplace system config: %v", err)
			return err
		}
		system = NewNakamaMarketplaceSystem(marketplaceConfig)

	case SystemTypeEarnings:
		earningsConfig := &EarningsConfig{}
		if err := json.Unmarshal(configBytes, earningsConfig); err != nil {
			logger.Error("Failed to parse Earnings system config: %v", err)
			return err
		}
		system = NewNakamaEarningsSystem(earningsConfig)

	default:
		logger.Error("Unknown system type: %v", config.GetType())
		return runtime.NewError("unknown system type", 3) // INVALID_ARGUMENT
	}

	// 4. Store the system and set the Tradepost reference for cross-system
	// communication
	tp.systems[config.GetType()] = system

	if inventorySystem, ok := system.(*NakamaInventorySystem); ok {
		inventorySystem.SetTradepost(tp)
	}
	if marketplaceSystem, ok := system.(*NakamaMarketplaceSystem); ok {
		marketplaceSystem.SetTradepost(tp)
	}
	if earningsSystem, ok := system.(*NakamaEarningsSystem); ok {
		earningsSystem.SetTradepost(tp)
	}

	// 5. Register RPCs if requested
	if config.GetRegister() {
		if err := tp.registerSystemRpcs(initializer, config.GetType()); err != nil {
			return err
		}
	}

	return nil
}

// validateConfigSchema checks the raw config document against the schema
// shipped for the system type. A missing schema file skips validation.
func (tp *tradepostImpl) validateConfigSchema(logger runtime.Logger, nk runtime.NakamaModule, systemType SystemType, configBytes []byte) error {
	schemaPath, ok := systemSchemaPaths[systemType]
	if !ok {
		return nil
	}

	schemaData, err := nk.ReadFile(schemaPath)
	if err != nil {
		logger.Debug("No schema file %s, skipping config validation", schemaPath)
		return nil
	}
	defer schemaData.Close()

	schemaBytes, err := io.ReadAll(schemaData)
	if err != nil {
		logger.Error("Failed to read schema file contents: %v", err)
		return err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaPath, bytes.NewReader(schemaBytes)); err != nil {
		logger.Error("Failed to load schema %s: %v", schemaPath, err)
		return err
	}
	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		logger.Error("Failed to compile schema %s: %v", schemaPath, err)
		return err
	}

	var document interface{}
	if err := json.Unmarshal(configBytes, &document); err != nil {
		logger.Error("Failed to parse config for validation: %v", err)
		return ErrPayloadDecode
	}
	if err := schema.Validate(document); err != nil {
		logger.Error("Config failed schema validation: %v", err)
		return ErrBadInput
	}

	return nil
}

// registerSystemRpcs registers the appropriate RPCs for a given system type
func (tp *tradepostImpl) registerSystemRpcs(initializer runtime.Initializer, systemType SystemType) error {
	switch systemType {
	case SystemTypeInventory:
		// Register Inventory system RPCs
		if err := initializer.RegisterRpc(RpcIdInventoryList, rpcInventoryList(tp)); err != nil {
			return err
		}
		if err := initializer.RegisterRpc(RpcIdInventoryUseItem, rpcInventoryUseItem(tp)); err != nil {
			return err
		}

	case SystemTypeMarketplace:
		// Register Marketplace system RPCs
		if err := initializer.RegisterRpc(RpcIdMarketplaceCreateListing, rpcMarketplaceCreateListing(tp)); err != nil {
			return err
		}
		if err := initializer.RegisterRpc(RpcIdMarketplacePurchase, rpcMarketplacePurchase(tp)); err != nil {
			return err
		}
		if err := initializer.RegisterRpc(RpcIdMarketplaceListCategory, rpcMarketplaceListCategory(tp)); err != nil {
			return err
		}

	case SystemTypeEarnings:
		// The earnings ledger has no client-facing RPCs. Claims run on
		// session start.
	}

	return nil
}

// registerSessionEvents hooks inventory residency and earnings claims to the
// session lifecycle. Event callbacks do not receive the Nakama module, so it
// is captured here.
func (tp *tradepostImpl) registerSessionEvents(nk runtime.NakamaModule, initializer runtime.Initializer) error {
	if err := initializer.RegisterEventSessionStart(func(ctx context.Context, logger runtime.Logger, evt *api.Event) {
		userID, ok := ctx.Value(runtime.RUNTIME_CTX_USER_ID).(string)
		if !ok || userID == "" {
			return
		}
		tp.onSessionStart(ctx, logger, nk, userID)
	}); err != nil {
		return err
	}

	if err := initializer.RegisterEventSessionEnd(func(ctx context.Context, logger runtime.Logger, evt *api.Event) {
		userID, ok := ctx.Value(runtime.RUNTIME_CTX_USER_ID).(string)
		if !ok || userID == "" {
			return
		}
		tp.onSessionEnd(ctx, logger, nk, userID)
	}); err != nil {
		return err
	}

	return nil
}

func (tp *tradepostImpl) onSessionStart(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string) {
	if inventorySystem := tp.GetInventorySystem(); inventorySystem != nil {
		if err := inventorySystem.Connect(ctx, logger, nk, userID); err != nil {
			logger.Error("Failed to connect inventory for user %s: %v", userID, err)
		}
	}

	earningsSystem := tp.GetEarningsSystem()
	if earningsSystem == nil {
		return
	}
	claimed, err := earningsSystem.Claim(ctx, logger, nk, userID)
	if err != nil {
		logger.Error("Failed to claim earnings for user %s: %v", userID, err)
		return
	}
	if claimed > 0 {
		currency := "coins"
		if config, ok := earningsSystem.GetConfig().(*EarningsConfig); ok {
			currency = config.CurrencyKey
		}
		tp.notifier.SendNotice(ctx, logger, nk, userID, fmt.Sprintf("You earned %d %s while away", claimed, currency))
	}
}

func (tp *tradepostImpl) onSessionEnd(ctx context.Context, logger runtime.Logger, nk runtime.NakamaModule, userID string) {
	if inventorySystem := tp.GetInventorySystem(); inventorySystem != nil {
		inventorySystem.Disconnect(ctx, logger, nk, userID)
	}
}

// SetClientNotifier replaces the channel used to push client updates. Swap it
// before traffic arrives, the hub does not synchronize the exchange.
func (tp *tradepostImpl) SetClientNotifier(notifier ClientNotifier) {
	if notifier == nil {
		return
	}
	tp.notifier = notifier
}

func (tp *tradepostImpl) ClientNotifier() ClientNotifier {
	return tp.notifier
}

func (tp *tradepostImpl) GetInventorySystem() InventorySystem {
	if sys, ok := tp.systems[SystemTypeInventory].(InventorySystem); ok {
		return sys
	}
	return nil
}

func (tp *tradepostImpl) GetMarketplaceSystem() MarketplaceSystem {
	if sys, ok := tp.systems[SystemTypeMarketplace].(MarketplaceSystem); ok {
		return sys
	}
	return nil
}

func (tp *tradepostImpl) GetEarningsSystem() EarningsSystem {
	if sys, ok := tp.systems[SystemTypeEarnings].(EarningsSystem); ok {
		return sys
	}
	return nil
}

// Stop halts the background persistence loops.
func (tp *tradepostImpl) Stop() {
	if inventorySystem, ok := tp.systems[SystemTypeInventory].(*NakamaInventorySystem); ok {
		inventorySystem.shutdown()
	}
}
