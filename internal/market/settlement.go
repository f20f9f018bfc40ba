package market

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xtrntr/market/internal/models"
	"github.com/xtrntr/market/internal/pricing"
)

// SettleOutcome describes what Settle did
type SettleOutcome string

const (
	SettleSkipped  SettleOutcome = "skipped"  // nothing to settle at now
	SettleNoBids   SettleOutcome = "no_bids"  // moved to the seller's expired set
	SettleSold     SettleOutcome = "sold"     // delivered to the winner, seller paid
	SettleRefunded SettleOutcome = "refunded" // delivery failed, winner refunded
)

// Settle closes an auction that has ended at now. The auction leaves the
// active set before anything else happens, under the same lock bids take, so
// a second call for the same id reports SettleSkipped and moves nothing.
func (e *Engine) Settle(ctx context.Context, id uuid.UUID, now time.Time) (SettleOutcome, error) {
	if err := e.checkReady(); err != nil {
		return SettleSkipped, err
	}
	ctx, span := e.tracer.Start(ctx, "market.settle",
		trace.WithAttributes(attribute.String("listing.id", id.String())),
	)
	defer span.End()

	outcome, l := e.settle(ctx, id, now)
	span.SetAttributes(attribute.String("settle.outcome", string(outcome)))

	switch outcome {
	case SettleNoBids:
		e.publish(ctx, Event{Type: EventExpired, ListingID: id, Kind: string(l.Kind), PlayerID: l.SellerID, Amount: l.Price, Currency: l.Currency, At: now})
	case SettleSold, SettleRefunded:
		ev := Event{Type: EventAuctionSettled, ListingID: id, Kind: string(l.Kind), Currency: l.Currency, At: now}
		if outcome == SettleSold {
			ev.PlayerID = l.Auction.HighestBidderID
			ev.Amount = l.Auction.CurrentBid
		}
		e.publish(ctx, ev)
	}
	return outcome, nil
}

func (e *Engine) settle(ctx context.Context, id uuid.UUID, now time.Time) (SettleOutcome, *models.Listing) {
	unlock := e.locks.Lock(id)
	defer unlock()

	l, ok := e.store.Get(id)
	if !ok || !l.IsAuction() || !l.IsExpiredAt(now) {
		return SettleSkipped, nil
	}
	name := l.Attributes.DisplayName

	if !l.Auction.HasBids() {
		moved, ok := e.store.MoveToExpired(id)
		if !ok {
			return SettleSkipped, nil
		}
		e.notify(moved.SellerID, NoteAuctionNoBids, id, "Your auction for %s ended with no bids", name)
		return SettleNoBids, moved
	}

	claimed, ok := e.store.Remove(id)
	if !ok {
		return SettleSkipped, nil
	}
	a := claimed.Auction
	winnerID, winnerName, price := a.HighestBidderID, a.HighestBidderName, a.CurrentBid

	if !e.deliver(ctx, winnerID, claimed) {
		e.refund(ctx, winnerID, price, claimed.Currency, id)
		// the refunded round must not survive into a relist
		claimed.ResetAuction()
		e.store.AddExpired(claimed)
		e.log.Printf("Auction %s: could not deliver to %s, refunded %s", id, winnerName, price)
		e.notify(winnerID, NoteRefunded, id, "Could not deliver %s, your bid of %s was refunded", name, pricing.Format(price, claimed.Currency))
		e.notify(claimed.SellerID, NoteReturned, id, "Your auction for %s could not be delivered and was returned to your expired listings", name)
		return SettleRefunded, claimed
	}

	tax := pricing.Tax(price, e.cfg.TaxRate)
	earnings := price.Sub(tax)
	if err := e.ledger.Credit(ctx, claimed.SellerID, earnings, claimed.Currency); err != nil {
		e.log.Printf("Failed to pay seller %s %s for auction %s: %v", claimed.SellerID, earnings, id, err)
	}
	e.history.AddPair(
		winnerID, models.PurchaseRecord(claimed, price, now),
		claimed.SellerID, models.SaleRecord(claimed, price, tax, winnerID, winnerName, now),
	)
	e.notify(winnerID, NoteAuctionWon, id, "You won %s for %s", name, pricing.Format(price, claimed.Currency))
	e.notify(claimed.SellerID, NoteSold, id, "%s won your %s, you earned %s", winnerName, name, pricing.Format(earnings, claimed.Currency))
	return SettleSold, claimed
}
