package inventory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/market/internal/models"
)

func TestMemory_GiveCreatureRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)
	c := &models.Creature{Species: "Eevee", Level: 5}

	assert.True(t, m.GiveCreature(ctx, "ash", c))
	assert.True(t, m.GiveCreature(ctx, "ash", c))
	assert.False(t, m.GiveCreature(ctx, "ash", c))
	assert.False(t, m.GiveCreature(ctx, "ash", nil))
	assert.Len(t, m.Contents("ash").Creatures, 2)

	// capacity is per player
	assert.True(t, m.GiveCreature(ctx, "misty", c))
}

func TestMemory_GiveItemMergesStacks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(1)

	require.True(t, m.GiveItem(ctx, "ash", &models.ItemStack{ItemID: "potion", Name: "Potion", Count: 3}))
	require.True(t, m.GiveItem(ctx, "ash", &models.ItemStack{ItemID: "potion", Count: 2}))
	assert.False(t, m.GiveItem(ctx, "ash", &models.ItemStack{ItemID: "rare_candy", Count: 1}), "no free slot")
	assert.False(t, m.GiveItem(ctx, "ash", &models.ItemStack{ItemID: "potion", Count: 0}))

	items := m.Contents("ash").Items
	require.Len(t, items, 1)
	assert.Equal(t, models.ItemStack{ItemID: "potion", Name: "Potion", Count: 5}, items[0])
}

func TestMemory_Take(t *testing.T) {
	ctx := context.Background()
	pikachu := models.Creature{Species: "Pikachu", Level: 25, IVs: [6]int{31, 20, 20, 20, 20, 31}}

	tests := []struct {
		name        string
		entity      models.Entity
		expectError bool
	}{
		{name: "Exact creature", entity: &pikachu},
		{name: "Different level", entity: &models.Creature{Species: "Pikachu", Level: 24, IVs: pikachu.IVs}, expectError: true},
		{name: "Part of a stack", entity: &models.ItemStack{ItemID: "potion", Count: 2}},
		{name: "Whole stack", entity: &models.ItemStack{ItemID: "potion", Count: 5}},
		{name: "More than held", entity: &models.ItemStack{ItemID: "potion", Count: 6}, expectError: true},
		{name: "Zero count", entity: &models.ItemStack{ItemID: "potion", Count: 0}, expectError: true},
		{name: "Unknown item", entity: &models.ItemStack{ItemID: "master_ball", Count: 1}, expectError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory(0)
			p := pikachu
			require.True(t, m.GiveCreature(ctx, "ash", &p))
			require.True(t, m.GiveItem(ctx, "ash", &models.ItemStack{ItemID: "potion", Name: "Potion", Count: 5}))
			before := m.Contents("ash")

			err := m.Take(ctx, "ash", tt.entity)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrNotOwned)
				assert.Equal(t, before, m.Contents("ash"))
				return
			}
			require.NoError(t, err)
			assert.NotEqual(t, before, m.Contents("ash"))
		})
	}

	m := NewMemory(0)
	assert.ErrorIs(t, m.Take(ctx, "nobody", &pikachu), ErrNotOwned)
}

func TestMemory_TakeFillsItemName(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	require.True(t, m.GiveItem(ctx, "ash", &models.ItemStack{ItemID: "potion", Name: "Potion", Count: 5}))

	s := &models.ItemStack{ItemID: "potion", Count: 5}
	require.NoError(t, m.Take(ctx, "ash", s))
	assert.Equal(t, "Potion", s.Name)
	assert.Empty(t, m.Contents("ash").Items)

	// a delivered listing lands back in the inventory
	assert.True(t, m.Give(ctx, "ash", s))
	assert.Equal(t, 5, m.Contents("ash").Items[0].Count)
}

func TestMemory_ContentsIsACopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	require.True(t, m.GiveCreature(ctx, "ash", &models.Creature{Species: "Eevee"}))

	c := m.Contents("ash")
	c.Creatures[0].Species = "Mew"
	assert.Equal(t, "Eevee", m.Contents("ash").Creatures[0].Species)
	assert.Empty(t, m.Contents("gary").Creatures)
}
