package market

import (
	"fmt"

	"github.com/xtrntr/market/internal/models"
	"github.com/xtrntr/market/internal/storage"
)

func recordTypeFor(l *models.Listing) storage.RecordType {
	if l.IsAuction() {
		return storage.RecordAuction
	}
	return storage.RecordFixedListing
}

// EncodeListing serializes a listing into a self-describing document
func EncodeListing(l *models.Listing) ([]byte, error) {
	if err := checkShape(l); err != nil {
		return nil, err
	}
	return storage.Encode(recordTypeFor(l), l)
}

// DecodeListing restores a listing written by EncodeListing. The record type
// in the envelope decides the variant.
func DecodeListing(doc []byte) (*models.Listing, error) {
	t, _, err := storage.Peek(doc)
	if err != nil {
		return nil, err
	}
	var want models.ListingKind
	switch t {
	case storage.RecordFixedListing:
		want = models.KindFixedPrice
	case storage.RecordAuction:
		want = models.KindAuction
	default:
		return nil, fmt.Errorf("%w: %s is not a listing", storage.ErrCorruptRecord, t)
	}

	var l models.Listing
	if err := storage.Decode(doc, t, &l); err != nil {
		return nil, err
	}
	if l.Kind != want {
		return nil, fmt.Errorf("%w: %s record holds %s listing", storage.ErrCorruptRecord, t, l.Kind)
	}
	if err := checkShape(&l); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorruptRecord, err)
	}
	return &l, nil
}

// checkShape verifies the variant fields agree with the kind tag
func checkShape(l *models.Listing) error {
	switch l.Kind {
	case models.KindFixedPrice:
		if l.Auction != nil {
			return fmt.Errorf("%w: fixed-price listing %s carries auction state", ErrInvalidListing, l.ID)
		}
	case models.KindAuction:
		if l.Auction == nil {
			return fmt.Errorf("%w: auction %s has no auction state", ErrInvalidListing, l.ID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidListing, l.Kind)
	}
	switch l.Entity {
	case models.EntityCreature, models.EntityItem:
	default:
		return fmt.Errorf("%w: unknown entity %q", ErrInvalidListing, l.Entity)
	}
	return nil
}
