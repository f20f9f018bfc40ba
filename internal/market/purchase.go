package market

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xtrntr/market/internal/models"
	"github.com/xtrntr/market/internal/pricing"
)

// Buy purchases a fixed-price listing. The buyer is debited, the listing is
// claimed and the entity delivered; if delivery fails the buyer is refunded,
// the listing is restored and ErrDeliveryFailed is returned.
func (e *Engine) Buy(ctx context.Context, listingID uuid.UUID, buyerID, buyerName string) (*models.Listing, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "market.buy",
		trace.WithAttributes(
			attribute.String("listing.id", listingID.String()),
			attribute.String("buyer.id", buyerID),
		),
	)
	defer span.End()

	l, err := e.buy(ctx, listingID, buyerID, buyerName)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.publish(ctx, Event{Type: EventSold, ListingID: l.ID, Kind: string(l.Kind), PlayerID: buyerID, Amount: l.Price, Currency: l.Currency, At: e.clock.Now()})
	return l, nil
}

func (e *Engine) buy(ctx context.Context, id uuid.UUID, buyerID, buyerName string) (*models.Listing, error) {
	if buyerID == "" {
		return nil, invalid(ErrInvalidListing, "buyer is required")
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	l, ok := e.store.Get(id)
	if !ok || l.IsAuction() {
		return nil, ErrListingNotFound
	}
	now := e.clock.Now()
	if l.IsExpiredAt(now) {
		return nil, fmt.Errorf("%w: listing %s has expired", ErrListingNotFound, id)
	}
	if l.IsSeller(buyerID) {
		return nil, invalid(ErrSelfTrade, "cannot buy your own listing")
	}
	if e.timeouts.IsTimedOut(buyerID) {
		return nil, invalid(ErrTimedOut, "buyer %s", buyerID)
	}

	debited, err := e.ledger.TryDebit(ctx, buyerID, l.Price, l.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to debit buyer: %w", err)
	}
	if !debited {
		return nil, invalid(ErrInsufficientFunds, "price is %s", pricing.Format(l.Price, l.Currency))
	}

	claimed, ok := e.store.Remove(id)
	if !ok {
		e.refund(ctx, buyerID, l.Price, l.Currency, id)
		return nil, ErrListingNotFound
	}

	if !e.deliver(ctx, buyerID, claimed) {
		e.refund(ctx, buyerID, claimed.Price, claimed.Currency, id)
		if !e.store.Add(claimed) {
			e.store.AddExpired(claimed)
		}
		e.notify(buyerID, NoteRefunded, id, "Could not deliver %s, %s refunded", claimed.Attributes.DisplayName, pricing.Format(claimed.Price, claimed.Currency))
		return nil, ErrDeliveryFailed
	}

	tax := pricing.Tax(claimed.Price, e.cfg.TaxRate)
	earnings := claimed.Price.Sub(tax)
	if err := e.ledger.Credit(ctx, claimed.SellerID, earnings, claimed.Currency); err != nil {
		e.log.Printf("Failed to pay seller %s %s for listing %s: %v", claimed.SellerID, earnings, id, err)
	}

	e.history.AddPair(
		buyerID, models.PurchaseRecord(claimed, claimed.Price, now),
		claimed.SellerID, models.SaleRecord(claimed, claimed.Price, tax, buyerID, buyerName, now),
	)
	e.notify(buyerID, NotePurchased, id, "You bought %s for %s", claimed.Attributes.DisplayName, pricing.Format(claimed.Price, claimed.Currency))
	e.notify(claimed.SellerID, NoteSold, id, "%s bought your %s, you earned %s", buyerName, claimed.Attributes.DisplayName, pricing.Format(earnings, claimed.Currency))
	return claimed, nil
}
