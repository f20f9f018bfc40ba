package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/xtrntr/market/internal/market"
	"github.com/xtrntr/market/internal/models"
)

var ErrNotOwned = errors.New("player does not own that")

// DefaultCapacity is the number of creature slots and distinct item slots a
// player has
const DefaultCapacity = 30

var _ market.Delivery = (*Memory)(nil)

// Contents is a snapshot of one player's inventory
type Contents struct {
	Creatures []models.Creature  `json:"creatures"`
	Items     []models.ItemStack `json:"items"`
}

type holdings struct {
	creatures []models.Creature
	items     map[string]models.ItemStack
}

// Memory keeps player inventories in process. It implements market.Delivery
// and escrows entities taken for new listings.
type Memory struct {
	mu       sync.Mutex
	capacity int
	players  map[string]*holdings
}

// NewMemory creates an empty inventory store; capacity <= 0 uses DefaultCapacity
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{capacity: capacity, players: make(map[string]*holdings)}
}

func (m *Memory) holdingsFor(player string) *holdings {
	h, ok := m.players[player]
	if !ok {
		h = &holdings{items: make(map[string]models.ItemStack)}
		m.players[player] = h
	}
	return h
}

// GiveCreature stores c for player; false when every slot is taken
func (m *Memory) GiveCreature(ctx context.Context, player string, c *models.Creature) bool {
	if c == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.holdingsFor(player)
	if len(h.creatures) >= m.capacity {
		return false
	}
	h.creatures = append(h.creatures, *c)
	return true
}

// GiveItem merges s into the player's stack of the same item
func (m *Memory) GiveItem(ctx context.Context, player string, s *models.ItemStack) bool {
	if s == nil || s.Count <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.holdingsFor(player)
	stack, ok := h.items[s.ItemID]
	if !ok && len(h.items) >= m.capacity {
		return false
	}
	if !ok {
		stack = models.ItemStack{ItemID: s.ItemID, Name: s.Name}
	}
	stack.Count += s.Count
	h.items[s.ItemID] = stack
	return true
}

// Give stores any entity
func (m *Memory) Give(ctx context.Context, player string, ent models.Entity) bool {
	switch e := ent.(type) {
	case *models.Creature:
		return m.GiveCreature(ctx, player, e)
	case *models.ItemStack:
		return m.GiveItem(ctx, player, e)
	}
	return false
}

// Take removes ent from the player's inventory so it can be held by a
// listing. Creatures must match exactly; items need enough of the stack.
func (m *Memory) Take(ctx context.Context, player string, ent models.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.players[player]
	if !ok {
		return ErrNotOwned
	}

	switch e := ent.(type) {
	case *models.Creature:
		for i := range h.creatures {
			if h.creatures[i] == *e {
				h.creatures = append(h.creatures[:i], h.creatures[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrNotOwned, e.Species)
	case *models.ItemStack:
		stack, ok := h.items[e.ItemID]
		if !ok || e.Count <= 0 || stack.Count < e.Count {
			return fmt.Errorf("%w: %d x %s", ErrNotOwned, e.Count, e.ItemID)
		}
		if e.Name == "" {
			e.Name = stack.Name
		}
		stack.Count -= e.Count
		if stack.Count == 0 {
			delete(h.items, e.ItemID)
		} else {
			h.items[e.ItemID] = stack
		}
		return nil
	}
	return models.ErrUnknownEntity
}

// Contents returns a copy of what player holds, items sorted by id
func (m *Memory) Contents(player string) Contents {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Contents{Creatures: []models.Creature{}, Items: []models.ItemStack{}}
	h, ok := m.players[player]
	if !ok {
		return out
	}
	out.Creatures = append(out.Creatures, h.creatures...)
	for _, s := range h.items {
		out.Items = append(out.Items, s)
	}
	sort.Slice(out.Items, func(i, j int) bool { return out.Items[i].ItemID < out.Items[j].ItemID })
	return out
}
