package tradepost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewItemDefaults(t *testing.T) {
	item := NewItem("Iron Sword", "sword_iron")

	assert.Equal(t, "Iron Sword", item.Name)
	assert.Equal(t, "sword_iron", item.Id)
	assert.Equal(t, 1, item.StackCount)
	assert.Equal(t, defaultItemMaxStack, item.MaxStack)
	assert.Equal(t, defaultItemDurability, item.Durability)
	assert.Equal(t, defaultItemRarity, item.Rarity)
	assert.Equal(t, defaultItemCategory, item.Category)
}

func TestItemIncreaseStack(t *testing.T) {
	tests := []struct {
		name         string
		start        int
		maxStack     int
		add          int
		wantAbsorbed int
		wantCount    int
	}{
		{name: "Grows within the cap", start: 1, maxStack: 64, add: 3, wantAbsorbed: 3, wantCount: 4},
		{name: "Caps at max stack", start: 63, maxStack: 64, add: 5, wantAbsorbed: 1, wantCount: 64},
		{name: "Discards at a full stack", start: 64, maxStack: 64, add: 1, wantAbsorbed: 0, wantCount: 64},
		{name: "Ignores non-positive growth", start: 5, maxStack: 64, add: 0, wantAbsorbed: 0, wantCount: 5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			item := NewItem("Arrow", "arrow")
			item.MaxStack = tc.maxStack
			item.StackCount = tc.start

			absorbed := item.IncreaseStack(tc.add)

			assert.Equal(t, tc.wantAbsorbed, absorbed)
			assert.Equal(t, tc.wantCount, item.StackCount)
		})
	}
}

func TestItemDecreaseStack(t *testing.T) {
	item := NewItem("Arrow", "arrow")
	item.StackCount = 3

	assert.Equal(t, 2, item.DecreaseStack(1))
	assert.Equal(t, 0, item.DecreaseStack(5))
	assert.Equal(t, 0, item.StackCount)
}

func TestItemUse(t *testing.T) {
	item := NewItem("Pickaxe", "pickaxe")
	item.Durability = 2

	assert.False(t, item.Use())
	assert.Equal(t, 1, item.Durability)
	assert.False(t, item.Use())
	assert.Equal(t, 0, item.Durability)

	// A spent item stays at zero and reports broken on every further use.
	assert.True(t, item.Use())
	assert.Equal(t, 0, item.Durability)
}

func TestValidateItem(t *testing.T) {
	tests := []struct {
		name        string
		item        *Item
		expectError bool
	}{
		{name: "Valid item", item: NewItem("Iron Sword", "sword_iron"), expectError: false},
		{name: "Nil item", item: nil, expectError: true},
		{name: "Missing id", item: &Item{Name: "Iron Sword", MaxStack: 1, StackCount: 1}, expectError: true},
		{name: "Missing name", item: &Item{Id: "sword_iron", MaxStack: 1, StackCount: 1}, expectError: true},
		{name: "Zero max stack", item: &Item{Name: "Iron Sword", Id: "sword_iron", StackCount: 1}, expectError: true},
		{name: "Stack above max", item: &Item{Name: "Arrow", Id: "arrow", MaxStack: 4, StackCount: 5}, expectError: true},
		{name: "Negative stack", item: &Item{Name: "Arrow", Id: "arrow", MaxStack: 4, StackCount: -1}, expectError: true},
		{name: "Negative durability", item: &Item{Name: "Arrow", Id: "arrow", MaxStack: 4, StackCount: 1, Durability: -1}, expectError: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validateItem(tc.item)
			if tc.expectError {
				assert.ErrorIs(t, err, ErrInvalidItem)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeItemFillsDefaults(t *testing.T) {
	item := &Item{Name: "Arrow", Id: "arrow", StackCount: 12}
	normalizeItem(item)

	assert.Equal(t, defaultItemMaxStack, item.MaxStack)
	assert.Equal(t, defaultItemRarity, item.Rarity)
	assert.Equal(t, defaultItemCategory, item.Category)

	item = &Item{Name: "Relic", Id: "relic", StackCount: 1, MaxStack: 1, Rarity: "Epic", Category: "Quest"}
	normalizeItem(item)

	assert.Equal(t, 1, item.MaxStack)
	assert.Equal(t, "Epic", item.Rarity)
	assert.Equal(t, "Quest", item.Category)
}
