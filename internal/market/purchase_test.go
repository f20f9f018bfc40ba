package market

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/market/internal/models"
	"github.com/xtrntr/market/internal/pricing"
)

func TestBuy_PaysSellerAfterTax(t *testing.T) {
	h := newHarness(t)
	l := h.list("seller", 1000)
	h.fund("buyer", 1500)

	got, err := h.engine.Buy(ctx, l.ID, "buyer", "Bea")
	require.NoError(t, err)
	assert.Equal(t, l.ID, got.ID)

	assertAmount(t, 500, h.balance("buyer"))
	assertAmount(t, 900, h.balance("seller"))
	assert.False(t, h.active(l.ID))
	assert.False(t, h.expired(l.ID))
	require.Len(t, h.delivery.Received("buyer"), 1)
	assert.Equal(t, "Eevee", h.delivery.Received("buyer")[0].(*models.Creature).Species)

	bought := h.history.Get("buyer")
	require.Len(t, bought, 1)
	assert.Equal(t, models.TxPurchase, bought[0].Type)
	assertAmount(t, 1000, bought[0].Price)
	assert.Equal(t, "seller", bought[0].CounterpartyID)

	sold := h.history.Get("seller")
	require.Len(t, sold, 1)
	assert.Equal(t, models.TxSale, sold[0].Type)
	assertAmount(t, 1000, sold[0].Price)
	assertAmount(t, 100, sold[0].TaxDeducted)
	assert.Equal(t, "Bea", sold[0].CounterpartyName)

	assert.Equal(t, []NotificationKind{NotePurchased}, h.notes.kinds("buyer"))
	assert.Equal(t, []NotificationKind{NoteSold}, h.notes.kinds("seller"))
	assert.Equal(t, []EventType{EventListed, EventSold}, h.events.types())
}

func TestBuy_CentPricePaysWholeCents(t *testing.T) {
	h := newHarness(t)
	price := decimal.RequireFromString("1000.05")
	l, err := h.engine.CreateListing(ctx, CreateRequest{SellerID: "seller", SellerName: "seller", Entity: eevee(), Price: price})
	require.NoError(t, err)
	h.fund("buyer", 1500)

	_, err = h.engine.Buy(ctx, l.ID, "buyer", "Bea")
	require.NoError(t, err)

	assert.True(t, h.balance("buyer").Equal(decimal.RequireFromString("499.95")), "buyer %s", h.balance("buyer"))
	assert.True(t, h.balance("seller").Equal(decimal.RequireFromString("900.04")), "seller %s", h.balance("seller"))
	for _, c := range h.ledger.creditsTo("seller") {
		assert.True(t, pricing.IsWholeMinor(c), "credit %s", c)
	}
	sold := h.history.Get("seller")
	require.Len(t, sold, 1)
	assert.True(t, sold[0].TaxDeducted.Equal(decimal.RequireFromString("100.01")))
}

func TestBuy_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness) uuid.UUID
		buyer   string
		wantErr error
	}{
		{
			name:    "Unknown listing",
			setup:   func(h *harness) uuid.UUID { return uuid.New() },
			buyer:   "buyer",
			wantErr: ErrListingNotFound,
		},
		{
			name:    "Own listing",
			setup:   func(h *harness) uuid.UUID { return h.list("seller", 1000).ID },
			buyer:   "seller",
			wantErr: ErrSelfTrade,
		},
		{
			name:    "Insufficient funds",
			setup:   func(h *harness) uuid.UUID { return h.list("seller", 1001).ID },
			buyer:   "buyer",
			wantErr: ErrInsufficientFunds,
		},
		{
			name:    "Auction",
			setup:   func(h *harness) uuid.UUID { return h.auction("seller", 500, time.Hour).ID },
			buyer:   "buyer",
			wantErr: ErrListingNotFound,
		},
		{
			name: "Expired but not yet swept",
			setup: func(h *harness) uuid.UUID {
				id := h.list("seller", 1000).ID
				h.clock.Advance(72 * time.Hour)
				return id
			},
			buyer:   "buyer",
			wantErr: ErrListingNotFound,
		},
		{
			name: "Timed out buyer",
			setup: func(h *harness) uuid.UUID {
				h.timeouts.Add("buyer", time.Hour)
				return h.list("seller", 1000).ID
			},
			buyer:   "buyer",
			wantErr: ErrTimedOut,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.fund(tt.buyer, 1000)
			id := tt.setup(h)
			_, wasActive := h.engine.Store().Get(id)

			_, err := h.engine.Buy(ctx, id, tt.buyer, tt.buyer)
			assert.ErrorIs(t, err, tt.wantErr)
			assertAmount(t, 1000, h.balance(tt.buyer))
			assert.Equal(t, wasActive, h.active(id))
			assert.Empty(t, h.history.Get(tt.buyer))
			assert.Empty(t, h.delivery.Received(tt.buyer))
		})
	}
}

func TestBuy_DeliveryFailureRestoresListing(t *testing.T) {
	h := newHarness(t)
	l := h.list("seller", 1000)
	h.fund("buyer", 1000)
	h.delivery.Fail("buyer", true)

	_, err := h.engine.Buy(ctx, l.ID, "buyer", "Bea")
	assert.ErrorIs(t, err, ErrDeliveryFailed)

	assertAmount(t, 1000, h.balance("buyer"))
	assertAmount(t, 0, h.balance("seller"))
	assert.True(t, h.active(l.ID))
	assert.Empty(t, h.history.Get("buyer"))
	assert.Empty(t, h.history.Get("seller"))
	assert.Equal(t, []NotificationKind{NoteRefunded}, h.notes.kinds("buyer"))
	assert.NotContains(t, h.events.types(), EventSold)

	// the restored listing can still be sold
	h.delivery.Fail("buyer", false)
	_, err = h.engine.Buy(ctx, l.ID, "buyer", "Bea")
	require.NoError(t, err)
	assertAmount(t, 900, h.balance("seller"))
}

func TestBuy_ConcurrentBuyersOnlyOneWins(t *testing.T) {
	h := newHarness(t)
	l := h.list("seller", 1000)

	const buyers = 12
	for i := 0; i < buyers; i++ {
		h.fund(fmt.Sprintf("buyer-%d", i), 1000)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(buyer string) {
			defer wg.Done()
			_, err := h.engine.Buy(ctx, l.ID, buyer, buyer)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrListingNotFound) {
				t.Errorf("unexpected error for %s: %v", buyer, err)
			}
		}(fmt.Sprintf("buyer-%d", i))
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	total := h.balance("seller")
	for i := 0; i < buyers; i++ {
		total = total.Add(h.balance(fmt.Sprintf("buyer-%d", i)))
	}
	// one price left the buyers, 90% of it reached the seller
	assertAmount(t, buyers*1000-100, total)
}

func TestBuy_RacesExpirySweep(t *testing.T) {
	h := newHarness(t)

	const n = 20
	var stale, fresh []uuid.UUID
	for i := 0; i < n; i++ {
		stale = append(stale, h.list(fmt.Sprintf("old-%d", i), 500).ID)
	}
	h.clock.Advance(time.Hour)
	for i := 0; i < n; i++ {
		fresh = append(fresh, h.list(fmt.Sprintf("new-%d", i), 500).ID)
	}
	// stale listings end exactly now, fresh ones an hour later
	h.clock.Set(epoch.Add(72 * time.Hour))
	h.fund("buyer", 2*n*500)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.engine.OnTickSlow(ctx)
	}()
	for _, id := range append(append([]uuid.UUID(nil), stale...), fresh...) {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			h.engine.Buy(ctx, id, "buyer", "Bea")
		}(id)
	}
	wg.Wait()
	h.engine.OnTickSlow(ctx)

	for _, id := range stale {
		assert.False(t, h.active(id))
		assert.True(t, h.expired(id), "ended listing %s must be expired, not sold", id)
	}
	for _, id := range fresh {
		assert.False(t, h.active(id))
		assert.False(t, h.expired(id), "live listing %s must be sold", id)
	}
	assertAmount(t, n*500, h.balance("buyer"))
	assert.Len(t, h.history.Get("buyer"), n)
}
