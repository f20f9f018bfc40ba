package market

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/market/internal/models"
)

// Ledger moves currency. Each call is atomic on its own; nothing is assumed
// across calls.
type Ledger interface {
	// TryDebit deducts amount if the balance covers it and reports whether it did
	TryDebit(ctx context.Context, account string, amount decimal.Decimal, currency string) (bool, error)
	Credit(ctx context.Context, account string, amount decimal.Decimal, currency string) error
}

// Delivery hands escrowed entities to players. false means the player has no
// room or cannot be reached.
type Delivery interface {
	GiveCreature(ctx context.Context, account string, c *models.Creature) bool
	GiveItem(ctx context.Context, account string, s *models.ItemStack) bool
}

// EntityCodec converts entities to and from listing payloads
type EntityCodec interface {
	Encode(e models.Entity) ([]byte, error)
	Decode(kind models.EntityKind, data []byte) (models.Entity, error)
}

// Clock is the engine's time source
type Clock interface {
	Now() time.Time
}

// Pricer returns the lowest price an entity may be listed for
type Pricer interface {
	MinimumPrice(a models.Attributes) decimal.Decimal
}

// Blacklist rejects entities that may not be sold
type Blacklist interface {
	IsBanned(a models.Attributes) bool
}

// TimeoutGate reports moderation timeouts
type TimeoutGate interface {
	IsTimedOut(playerID string) bool
	CleanupExpired() int
}

// HistoryRecorder stores transaction receipts
type HistoryRecorder interface {
	AddPair(a string, recA models.TransactionRecord, b string, recB models.TransactionRecord)
}

// NotificationKind classifies player notifications
type NotificationKind string

const (
	NoteOutbid        NotificationKind = "outbid"
	NoteSold          NotificationKind = "sold"
	NotePurchased     NotificationKind = "purchased"
	NoteAuctionWon    NotificationKind = "auction_won"
	NoteAuctionNoBids NotificationKind = "auction_no_bids"
	NoteExpired       NotificationKind = "expired"
	NoteRefunded      NotificationKind = "refunded"
	NoteReturned      NotificationKind = "returned" // undeliverable sale parked in expired
)

// Notification is a fire-and-forget message for one player
type Notification struct {
	PlayerID  string           `json:"player_id"`
	Kind      NotificationKind `json:"kind"`
	ListingID uuid.UUID        `json:"listing_id"`
	Message   string           `json:"message"`
}

// Notifier delivers notifications; it must not block
type Notifier interface {
	Notify(n Notification)
}

// EventType names market-wide events
type EventType string

const (
	EventListed         EventType = "listed"
	EventBid            EventType = "bid"
	EventSold           EventType = "sold"
	EventExpired        EventType = "expired"
	EventAuctionSettled EventType = "auction_settled"
	EventCancelled      EventType = "cancelled"
)

// Event is published for every state transition of interest to observers
type Event struct {
	Type      EventType       `json:"type"`
	ListingID uuid.UUID       `json:"listing_id"`
	Kind      string          `json:"kind"`
	PlayerID  string          `json:"player_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency,omitempty"`
	At        time.Time       `json:"at"`
}

// EventPublisher broadcasts events; failures are the publisher's concern
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

// SystemClock reads the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FlatPricer applies one minimum to every entity
type FlatPricer struct {
	Min decimal.Decimal
}

func (p FlatPricer) MinimumPrice(models.Attributes) decimal.Decimal { return p.Min }

// BannedList bans entities by species or item id, case-insensitively
type BannedList map[string]struct{}

// NewBannedList builds a list from names
func NewBannedList(names ...string) BannedList {
	b := make(BannedList, len(names))
	for _, n := range names {
		b[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	return b
}

func (b BannedList) IsBanned(a models.Attributes) bool {
	for _, name := range []string{a.Species, a.ItemID} {
		if name == "" {
			continue
		}
		if _, ok := b[strings.ToLower(name)]; ok {
			return true
		}
	}
	return false
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

type noTimeouts struct{}

func (noTimeouts) IsTimedOut(string) bool { return false }
func (noTimeouts) CleanupExpired() int { return 0 }
