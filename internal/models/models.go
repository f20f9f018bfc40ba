package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ListingKind discriminates fixed-price listings from auctions
type ListingKind string

const (
	KindFixedPrice ListingKind = "fixed_price"
	KindAuction    ListingKind = "auction"
)

// EntityKind discriminates the payload carried by a listing
type EntityKind string

const (
	EntityCreature EntityKind = "creature"
	EntityItem     EntityKind = "item"
)

// Attributes are denormalized from the payload at creation so listings can be
// filtered without decoding it
type Attributes struct {
	DisplayName   string `json:"display_name"`
	SearchText    string `json:"search_text"`
	Species       string `json:"species,omitempty"`
	Level         int    `json:"level,omitempty"`
	Shiny         bool   `json:"shiny,omitempty"`
	Legendary     bool   `json:"legendary,omitempty"`
	Mythical      bool   `json:"mythical,omitempty"`
	UltraBeast    bool   `json:"ultra_beast,omitempty"`
	HiddenAbility bool   `json:"hidden_ability,omitempty"`
	PerfectIVs    int    `json:"perfect_ivs,omitempty"`
	Nature        string `json:"nature,omitempty"`
	Ability       string `json:"ability,omitempty"`
	ItemID        string `json:"item_id,omitempty"`
	Count         int    `json:"count,omitempty"`
}

// Listing is a sellable offer. Auction is non-nil iff Kind is KindAuction.
type Listing struct {
	ID         uuid.UUID       `json:"id"`
	SellerID   string          `json:"seller_id"`
	SellerName string          `json:"seller_name"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	CreatedAt  time.Time       `json:"created_at"`
	EndAt      time.Time       `json:"end_at"` // zero means no expiry
	Kind       ListingKind     `json:"kind"`
	Entity     EntityKind      `json:"entity"`
	Payload    []byte          `json:"payload"`
	Attributes Attributes      `json:"attributes"`
	Auction    *AuctionState   `json:"auction,omitempty"`
}

// AuctionState holds the bidding fields of an auction listing
type AuctionState struct {
	StartingPrice     decimal.Decimal `json:"starting_price"`
	CurrentBid        decimal.Decimal `json:"current_bid"`
	HighestBidderID   string          `json:"highest_bidder_id,omitempty"`
	HighestBidderName string          `json:"highest_bidder_name,omitempty"`
	MinBidIncrement   decimal.Decimal `json:"min_bid_increment"`
	Bids              []Bid           `json:"bids"`
}

// Bid is an accepted bid; it is never mutated once recorded
type Bid struct {
	BidderID   string          `json:"bidder_id"`
	BidderName string          `json:"bidder_name"`
	Amount     decimal.Decimal `json:"amount"`
	Timestamp  time.Time       `json:"timestamp"`
}

// IsAuction reports whether the listing is resolved by bidding
func (l *Listing) IsAuction() bool {
	return l.Kind == KindAuction
}

// IsSeller reports whether playerID owns the listing
func (l *Listing) IsSeller(playerID string) bool {
	return playerID != "" && l.SellerID == playerID
}

// IsExpiredAt reports whether the listing has ended at now. Listings without
// an end time never expire.
func (l *Listing) IsExpiredAt(now time.Time) bool {
	if l.EndAt.IsZero() {
		return false
	}
	return !now.Before(l.EndAt)
}

// RemainingAt returns the time left at now, or -1 when the listing never expires
func (l *Listing) RemainingAt(now time.Time) time.Duration {
	if l.EndAt.IsZero() {
		return -1
	}
	if d := l.EndAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ResetDuration restarts the listing lifetime at now
func (l *Listing) ResetDuration(now time.Time, d time.Duration) {
	l.CreatedAt = now
	if d > 0 {
		l.EndAt = now.Add(d)
	} else {
		l.EndAt = time.Time{}
	}
}

// ExtendDuration pushes the end time back; listings without expiry are unchanged
func (l *Listing) ExtendDuration(d time.Duration) {
	if !l.EndAt.IsZero() {
		l.EndAt = l.EndAt.Add(d)
	}
}

// ResetAuction clears an auction's bids and leader and puts the price back
// at the starting price. Fixed-price listings are unchanged.
func (l *Listing) ResetAuction() {
	if l.Auction == nil {
		return
	}
	a := l.Auction
	a.Bids = []Bid{}
	a.HighestBidderID = ""
	a.HighestBidderName = ""
	a.CurrentBid = a.StartingPrice
	l.Price = a.StartingPrice
}

// HasBids reports whether any bid was accepted
func (a *AuctionState) HasBids() bool {
	return len(a.Bids) > 0
}

// MinimumNextBid is the smallest acceptable amount for the next bid
func (a *AuctionState) MinimumNextBid() decimal.Decimal {
	if !a.HasBids() {
		return a.StartingPrice
	}
	return a.CurrentBid.Add(a.MinBidIncrement)
}

// IsHighestBidder reports whether playerID currently leads
func (a *AuctionState) IsHighestBidder(playerID string) bool {
	return a.HighestBidderID != "" && a.HighestBidderID == playerID
}

// Clone returns a deep copy safe to hand to callers
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	c := *l
	if l.Payload != nil {
		c.Payload = append([]byte(nil), l.Payload...)
	}
	if l.Auction != nil {
		a := *l.Auction
		if l.Auction.Bids != nil {
			a.Bids = make([]Bid, len(l.Auction.Bids))
			copy(a.Bids, l.Auction.Bids)
		}
		c.Auction = &a
	}
	return &c
}
