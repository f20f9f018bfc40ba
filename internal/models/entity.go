package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownEntity = errors.New("unknown entity kind")

// Entity is a tradeable thing held in escrow by a listing
type Entity interface {
	EntityKind() EntityKind
	Attributes() Attributes
}

// Creature is a collectible monster owned by a player
type Creature struct {
	Species       string `json:"species"`
	Level         int    `json:"level"`
	Shiny         bool   `json:"shiny"`
	Rarity        string `json:"rarity,omitempty"` // "legendary", "mythical", "ultra_beast"
	Nature        string `json:"nature,omitempty"`
	Ability       string `json:"ability,omitempty"`
	HiddenAbility bool   `json:"hidden_ability,omitempty"`
	IVs           [6]int `json:"ivs"`
}

// PerfectIVs counts stats at the 31 cap
func (c *Creature) PerfectIVs() int {
	n := 0
	for _, iv := range c.IVs {
		if iv >= 31 {
			n++
		}
	}
	return n
}

func (c *Creature) EntityKind() EntityKind { return EntityCreature }

func (c *Creature) Attributes() Attributes {
	rarity := strings.ToLower(c.Rarity)
	return Attributes{
		DisplayName:   c.Species,
		Species:       c.Species,
		Level:         c.Level,
		Shiny:         c.Shiny,
		Legendary:     rarity == "legendary",
		Mythical:      rarity == "mythical",
		UltraBeast:    rarity == "ultra_beast",
		HiddenAbility: c.HiddenAbility,
		PerfectIVs:    c.PerfectIVs(),
		Nature:        c.Nature,
		Ability:       c.Ability,
	}
}

// ItemStack is a stack of identical inventory items
type ItemStack struct {
	ItemID string `json:"item_id"`
	Name   string `json:"name"`
	Count  int    `json:"count"`
}

func (s *ItemStack) EntityKind() EntityKind { return EntityItem }

func (s *ItemStack) Attributes() Attributes {
	name := s.Name
	if name == "" {
		name = s.ItemID
	}
	return Attributes{
		DisplayName: name,
		ItemID:      s.ItemID,
		Count:       s.Count,
	}
}

// WithSearchText fills SearchText from the cached attributes and seller name.
// It runs once when a listing is built; searches only read the result.
func (a Attributes) WithSearchText(sellerName string) Attributes {
	parts := []string{
		strings.ToLower(a.Species),
		strings.ToLower(a.ItemID),
		strings.ToLower(a.DisplayName),
		strings.ToLower(a.Nature),
		strings.ToLower(a.Ability),
		strings.ToLower(sellerName),
	}
	if a.Shiny {
		parts = append(parts, "shiny")
	}
	if a.Legendary {
		parts = append(parts, "legendary")
	}
	if a.Mythical {
		parts = append(parts, "mythical")
	}
	if a.UltraBeast {
		parts = append(parts, "ultrabeast ultra_beast")
	}
	if a.HiddenAbility {
		parts = append(parts, "hidden ability ha")
	}
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	a.SearchText = b.String()
	return a
}

// JSONCodec encodes entities as plain JSON documents
type JSONCodec struct{}

func (JSONCodec) Encode(e Entity) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("encode entity: %w", ErrUnknownEntity)
	}
	return json.Marshal(e)
}

func (JSONCodec) Decode(kind EntityKind, data []byte) (Entity, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode %s: empty payload", kind)
	}
	switch kind {
	case EntityCreature:
		var c Creature
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode creature: %w", err)
		}
		if c.Species == "" {
			return nil, fmt.Errorf("decode creature: missing species")
		}
		return &c, nil
	case EntityItem:
		var s ItemStack
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		if s.ItemID == "" || s.Count <= 0 {
			return nil, fmt.Errorf("decode item: empty stack")
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("decode %q: %w", kind, ErrUnknownEntity)
	}
}
