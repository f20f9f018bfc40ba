package market

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xtrntr/market/internal/models"
	"github.com/xtrntr/market/internal/pricing"
)

// PlaceBid bids amount on an auction on behalf of bidderID. The bidder is
// debited before the bid is recorded and the previous leader is refunded.
// Bids arriving in the last AntiSnipeThreshold push the end time back by
// AntiSnipeExtension. The whole operation runs under the auction's lock, so
// it never interleaves with another bid or with settlement.
func (e *Engine) PlaceBid(ctx context.Context, auctionID uuid.UUID, bidderID, bidderName string, amount decimal.Decimal) (*models.Listing, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "market.place_bid",
		trace.WithAttributes(
			attribute.String("listing.id", auctionID.String()),
			attribute.String("bidder.id", bidderID),
			attribute.String("bid.amount", amount.String()),
		),
	)
	defer span.End()

	l, extended, err := e.placeBid(ctx, auctionID, bidderID, bidderName, amount)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Bool("bid.extended", extended))

	e.publish(ctx, Event{Type: EventBid, ListingID: l.ID, Kind: string(l.Kind), PlayerID: bidderID, Amount: amount, Currency: l.Currency, At: e.clock.Now()})
	return l, nil
}

func (e *Engine) placeBid(ctx context.Context, id uuid.UUID, bidderID, bidderName string, amount decimal.Decimal) (*models.Listing, bool, error) {
	if bidderID == "" {
		return nil, false, invalid(ErrInvalidListing, "bidder is required")
	}
	if !pricing.IsWholeMinor(amount) {
		return nil, false, invalid(ErrBidTooLow, "bids carry at most %d decimal places", pricing.MinorUnits)
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	// always work on the stored copy, never on one the caller holds
	l, ok := e.store.Get(id)
	if !ok || !l.IsAuction() {
		return nil, false, ErrListingNotFound
	}
	now := e.clock.Now()
	if l.IsExpiredAt(now) {
		return nil, false, fmt.Errorf("%w: auction %s has ended", ErrListingNotFound, id)
	}
	if l.IsSeller(bidderID) {
		return nil, false, invalid(ErrSelfTrade, "cannot bid on your own auction")
	}
	a := l.Auction
	if minBid := a.MinimumNextBid(); amount.LessThan(minBid) {
		return nil, false, invalid(ErrBidTooLow, "minimum is %s", pricing.Format(minBid, l.Currency))
	}

	debited, err := e.ledger.TryDebit(ctx, bidderID, amount, l.Currency)
	if err != nil {
		return nil, false, fmt.Errorf("failed to debit bidder: %w", err)
	}
	if !debited {
		return nil, false, invalid(ErrInsufficientFunds, "bid of %s", pricing.Format(amount, l.Currency))
	}

	prevID, prevBid := a.HighestBidderID, a.CurrentBid
	a.Bids = append(a.Bids, models.Bid{
		BidderID:   bidderID,
		BidderName: bidderName,
		Amount:     amount,
		Timestamp:  now,
	})
	a.HighestBidderID = bidderID
	a.HighestBidderName = bidderName
	a.CurrentBid = amount
	l.Price = amount

	extended := false
	if rem := l.RemainingAt(now); rem > 0 && rem < e.cfg.AntiSnipeThreshold {
		l.ExtendDuration(e.cfg.AntiSnipeExtension)
		extended = true
	}

	if !e.store.Replace(l) {
		// removed behind the engine's back
		e.refund(ctx, bidderID, amount, l.Currency, id)
		return nil, false, ErrListingNotFound
	}

	if prevID != "" {
		e.refund(ctx, prevID, prevBid, l.Currency, id)
		e.notify(prevID, NoteOutbid, id, "You were outbid on %s, %s refunded", l.Attributes.DisplayName, pricing.Format(prevBid, l.Currency))
	}
	return l, extended, nil
}
