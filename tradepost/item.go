package tradepost

import (
	"github.com/heroiclabs/nakama-common/runtime"
)

var (
	ErrInvalidItem  = runtime.NewError("invalid item", INVALID_ARGUMENT_ERROR_CODE)
	ErrItemNotFound = runtime.NewError("item not found", NOT_FOUND_ERROR_CODE)
)

const (
	defaultItemMaxStack   = 64
	defaultItemDurability = 100
	defaultItemRarity     = "Common"
	defaultItemCategory   = "Miscellaneous"
)

// Item is one stackable item definition held by an actor, together with its
// runtime stack count and durability. The ID identifies the item definition,
// not the stack instance: an inventory holds at most one Item per ID.
type Item struct {
	Name        string `json:"name"`
	Id          string `json:"id"`
	Description string `json:"description,omitempty"`
	MaxStack    int    `json:"max_stack,omitempty"`
	StackCount  int    `json:"stack_count"`
	Durability  int    `json:"durability,omitempty"`
	Rarity      string `json:"rarity,omitempty"`
	Category    string `json:"category,omitempty"`
	IsQuestItem bool   `json:"is_quest_item,omitempty"`
}

// NewItem creates an item with the given definition id and name and the
// standard defaults: a single-unit stack capped at 64, durability 100,
// rarity "Common", category "Miscellaneous". Callers adjust fields directly
// where the definition differs.
func NewItem(name, id string) *Item {
	return &Item{
		Name:       name,
		Id:         id,
		MaxStack:   defaultItemMaxStack,
		StackCount: 1,
		Durability: defaultItemDurability,
		Rarity:     defaultItemRarity,
		Category:   defaultItemCategory,
	}
}

// IncreaseStack grows the stack by n, capping at MaxStack. It returns how many
// units were actually absorbed so callers can observe capping; there is no
// error path.
func (i *Item) IncreaseStack(n int) int {
	if n <= 0 {
		return 0
	}
	absorbed := n
	if i.StackCount+n > i.MaxStack {
		absorbed = i.MaxStack - i.StackCount
	}
	i.StackCount += absorbed
	return absorbed
}

// DecreaseStack shrinks the stack by n, flooring at 0, and returns the
// resulting count. A zero result means the stack is spent and the owning
// inventory drops the record.
func (i *Item) DecreaseStack(n int) int {
	if n <= 0 {
		return i.StackCount
	}
	i.StackCount -= n
	if i.StackCount < 0 {
		i.StackCount = 0
	}
	return i.StackCount
}

// Use consumes one point of durability. It reports true once the item is
// already broken, which callers surface as a notice rather than an error.
func (i *Item) Use() (broken bool) {
	if i.Durability > 0 {
		i.Durability--
		return false
	}
	return true
}

// normalizeItem fills zero-valued optional fields with their defaults. Applied
// to records coming back from storage, where omitempty drops defaults.
func normalizeItem(item *Item) {
	if item.MaxStack == 0 {
		item.MaxStack = defaultItemMaxStack
	}
	if item.Rarity == "" {
		item.Rarity = defaultItemRarity
	}
	if item.Category == "" {
		item.Category = defaultItemCategory
	}
}

func validateItem(item *Item) error {
	if item == nil {
		return ErrInvalidItem
	}
	if item.Id == "" || item.Name == "" {
		return ErrInvalidItem
	}
	if item.MaxStack <= 0 {
		return ErrInvalidItem
	}
	if item.StackCount < 0 || item.StackCount > item.MaxStack {
		return ErrInvalidItem
	}
	if item.Durability < 0 {
		return ErrInvalidItem
	}
	return nil
}

func copyItem(item *Item) *Item {
	dup := *item
	return &dup
}
