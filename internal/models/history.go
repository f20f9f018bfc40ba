package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxHistory bounds the records kept per player
const MaxHistory = 100

// TransactionType classifies a history record
type TransactionType string

const (
	TxSale        TransactionType = "sale"
	TxPurchase    TransactionType = "purchase"
	TxAuctionWin  TransactionType = "auction_win"
	TxAuctionSold TransactionType = "auction_sold"
)

// TransactionRecord is an immutable receipt
type TransactionRecord struct {
	ID               uuid.UUID       `json:"id"`
	Type             TransactionType `json:"type"`
	ListingKind      ListingKind     `json:"listing_kind"`
	Entity           EntityKind      `json:"entity"`
	ItemName         string          `json:"item_name"`
	Price            decimal.Decimal `json:"price"`
	Currency         string          `json:"currency"`
	TaxDeducted      decimal.Decimal `json:"tax_deducted"`
	CounterpartyID   string          `json:"counterparty_id"`
	CounterpartyName string          `json:"counterparty_name"`
	Timestamp        time.Time       `json:"timestamp"`
}

// SaleRecord is the seller side of a completed trade
func SaleRecord(l *Listing, price, tax decimal.Decimal, buyerID, buyerName string, at time.Time) TransactionRecord {
	typ := TxSale
	if l.IsAuction() {
		typ = TxAuctionSold
	}
	return TransactionRecord{
		ID:               uuid.New(),
		Type:             typ,
		ListingKind:      l.Kind,
		Entity:           l.Entity,
		ItemName:         l.Attributes.DisplayName,
		Price:            price,
		Currency:         l.Currency,
		TaxDeducted:      tax,
		CounterpartyID:   buyerID,
		CounterpartyName: buyerName,
		Timestamp:        at,
	}
}

// PurchaseRecord is the buyer side of a completed trade
func PurchaseRecord(l *Listing, price decimal.Decimal, at time.Time) TransactionRecord {
	typ := TxPurchase
	if l.IsAuction() {
		typ = TxAuctionWin
	}
	return TransactionRecord{
		ID:               uuid.New(),
		Type:             typ,
		ListingKind:      l.Kind,
		Entity:           l.Entity,
		ItemName:         l.Attributes.DisplayName,
		Price:            price,
		Currency:         l.Currency,
		TaxDeducted:      decimal.Zero,
		CounterpartyID:   l.SellerID,
		CounterpartyName: l.SellerName,
		Timestamp:        at,
	}
}

// PlayerHistory keeps a player's most recent transactions, newest first
type PlayerHistory struct {
	PlayerID     string              `json:"player_id"`
	Transactions []TransactionRecord `json:"transactions"`
}

// Add prepends rec and drops the oldest records past MaxHistory
func (h *PlayerHistory) Add(rec TransactionRecord) {
	h.Transactions = append([]TransactionRecord{rec}, h.Transactions...)
	if len(h.Transactions) > MaxHistory {
		h.Transactions = h.Transactions[:MaxHistory:MaxHistory]
	}
}

// Clone returns a copy whose slice does not alias h
func (h *PlayerHistory) Clone() *PlayerHistory {
	return &PlayerHistory{
		PlayerID:     h.PlayerID,
		Transactions: append([]TransactionRecord(nil), h.Transactions...),
	}
}
