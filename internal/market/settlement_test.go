package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/market/internal/models"
)

func TestSettle_NoBidsMovesToExpired(t *testing.T) {
	h := newHarness(t)
	a := h.auction("seller", 500, time.Hour)
	h.clock.Advance(time.Hour)

	assert.Equal(t, 1, h.engine.OnTickFast(ctx))

	assert.False(t, h.active(a.ID))
	expired := h.engine.Store().Expired("seller")
	require.Len(t, expired, 1)
	assert.Equal(t, a.ID, expired[0].ID)
	assert.True(t, expired[0].IsAuction())

	assertAmount(t, 0, h.balance("seller"))
	assert.Empty(t, h.ledger.creditsTo("seller"))
	assert.Empty(t, h.history.Get("seller"))
	assert.Equal(t, []NotificationKind{NoteAuctionNoBids}, h.notes.kinds("seller"))
	assert.Contains(t, h.events.types(), EventExpired)
}

func TestSettle_WinnerPaysSeller(t *testing.T) {
	h := newHarness(t)
	a := h.auction("seller", 500, time.Hour)
	h.fund("alice", 1000)
	_, err := h.engine.PlaceBid(ctx, a.ID, "alice", "Alice", coins(800))
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	outcome, err := h.engine.Settle(ctx, a.ID, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, SettleSold, outcome)

	assertAmount(t, 200, h.balance("alice"))
	assertAmount(t, 720, h.balance("seller"))
	assert.False(t, h.active(a.ID))
	assert.False(t, h.expired(a.ID))
	assert.Len(t, h.delivery.Received("alice"), 1)

	won := h.history.Get("alice")
	require.Len(t, won, 1)
	assert.Equal(t, models.TxAuctionWin, won[0].Type)
	assertAmount(t, 800, won[0].Price)

	sold := h.history.Get("seller")
	require.Len(t, sold, 1)
	assert.Equal(t, models.TxAuctionSold, sold[0].Type)
	assertAmount(t, 80, sold[0].TaxDeducted)
	assert.Equal(t, "Alice", sold[0].CounterpartyName)

	assert.Equal(t, []NotificationKind{NoteAuctionWon}, h.notes.kinds("alice"))
	assert.Equal(t, []NotificationKind{NoteSold}, h.notes.kinds("seller"))
}

func TestSettle_BeforeEndIsSkipped(t *testing.T) {
	h := newHarness(t)
	a := h.auction("seller", 500, time.Hour)

	outcome, err := h.engine.Settle(ctx, a.ID, a.EndAt.Add(-time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, SettleSkipped, outcome)
	assert.True(t, h.active(a.ID))

	outcome, err = h.engine.Settle(ctx, uuid.New(), a.EndAt)
	require.NoError(t, err)
	assert.Equal(t, SettleSkipped, outcome)
}

func TestSettle_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	a := h.auction("seller", 500, time.Hour)
	h.fund("alice", 1000)
	_, err := h.engine.PlaceBid(ctx, a.ID, "alice", "Alice", coins(1000))
	require.NoError(t, err)
	end := a.EndAt

	const callers = 8
	outcomes := make([]SettleOutcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := h.engine.Settle(ctx, a.ID, end)
			assert.NoError(t, err)
			outcomes[i] = outcome
		}(i)
	}
	wg.Wait()

	sold := 0
	for _, o := range outcomes {
		if o == SettleSold {
			sold++
		} else {
			assert.Equal(t, SettleSkipped, o)
		}
	}
	assert.Equal(t, 1, sold)
	assertAmount(t, 900, h.balance("seller"))
	assert.Len(t, h.ledger.creditsTo("seller"), 1)
	assert.Len(t, h.delivery.Received("alice"), 1)
	assert.Len(t, h.history.Get("seller"), 1)
}

func TestSettle_DeliveryFailureRefundsWinner(t *testing.T) {
	h := newHarness(t)
	a := h.auction("seller", 500, time.Hour)
	h.fund("alice", 1000)
	_, err := h.engine.PlaceBid(ctx, a.ID, "alice", "Alice", coins(700))
	require.NoError(t, err)
	h.delivery.Fail("alice", true)

	outcome, err := h.engine.Settle(ctx, a.ID, a.EndAt)
	require.NoError(t, err)
	assert.Equal(t, SettleRefunded, outcome)

	assertAmount(t, 1000, h.balance("alice"))
	assertAmount(t, 0, h.balance("seller"))
	assert.Empty(t, h.history.Get("alice"))
	assert.Empty(t, h.history.Get("seller"))
	assert.False(t, h.active(a.ID))
	assert.True(t, h.expired(a.ID))
	assert.Equal(t, []NotificationKind{NoteRefunded}, h.notes.kinds("alice"))
	assert.Equal(t, []NotificationKind{NoteReturned}, h.notes.kinds("seller"))

	parked, ok := h.engine.Store().GetExpired(a.ID)
	require.True(t, ok)
	assert.False(t, parked.Auction.HasBids())
	assert.Empty(t, parked.Auction.HighestBidderID)
	assertAmount(t, 500, parked.Auction.CurrentBid)
	assertAmount(t, 500, parked.Price)

	// the seller can still take the entity back
	got, err := h.engine.Reclaim(ctx, "seller", a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Len(t, h.delivery.Received("seller"), 1)
}

func TestSettle_RefundedAuctionRelistsClean(t *testing.T) {
	setup := func(t *testing.T) (*harness, *models.Listing) {
		h := newHarness(t)
		a := h.auction("seller", 500, time.Hour)
		h.fund("alice", 1000)
		_, err := h.engine.PlaceBid(ctx, a.ID, "alice", "Alice", coins(500))
		require.NoError(t, err)
		h.delivery.Fail("alice", true)

		outcome, err := h.engine.Settle(ctx, a.ID, a.EndAt)
		require.NoError(t, err)
		require.Equal(t, SettleRefunded, outcome)
		h.delivery.Fail("alice", false)

		relisted, err := h.engine.Relist(ctx, "seller", a.ID)
		require.NoError(t, err)
		require.False(t, relisted.Auction.HasBids())
		require.Empty(t, relisted.Auction.HighestBidderID)
		return h, relisted
	}

	t.Run("New bid refunds nobody", func(t *testing.T) {
		h, a := setup(t)
		h.fund("carol", 1000)
		_, err := h.engine.PlaceBid(ctx, a.ID, "carol", "Carol", coins(600))
		require.NoError(t, err)

		assertAmount(t, 1000, h.balance("alice"))
		assertAmount(t, 400, h.balance("carol"))
		assert.Len(t, h.ledger.creditsTo("alice"), 1, "only the settlement refund")
	})

	t.Run("Settling without bids delivers nothing", func(t *testing.T) {
		h, a := setup(t)
		h.clock.Set(a.EndAt)

		outcome, err := h.engine.Settle(ctx, a.ID, a.EndAt)
		require.NoError(t, err)
		assert.Equal(t, SettleNoBids, outcome)
		assertAmount(t, 1000, h.balance("alice"))
		assertAmount(t, 0, h.balance("seller"))
		assert.Empty(t, h.delivery.Received("alice"))
		assert.True(t, h.expired(a.ID))
	})
}

func TestSettle_RacesLastSecondBid(t *testing.T) {
	h := newHarness(t)

	const n = 20
	auctions := make([]*models.Listing, n)
	for i := range auctions {
		auctions[i] = h.auction(fmt.Sprintf("seller-%d", i), 500, time.Hour)
	}
	end := auctions[0].EndAt
	h.clock.Set(end.Add(-30 * time.Second))
	h.fund("bob", n*500)

	type result struct {
		bidErr  error
		outcome SettleOutcome
	}
	results := make([]result, n)
	var wg sync.WaitGroup
	for i, a := range auctions {
		wg.Add(2)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, results[i].bidErr = h.engine.PlaceBid(ctx, id, "bob", "Bob", coins(500))
		}(i, a.ID)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			results[i].outcome, _ = h.engine.Settle(ctx, id, end)
		}(i, a.ID)
	}
	wg.Wait()

	accepted := 0
	for i, a := range auctions {
		r := results[i]
		if r.bidErr == nil {
			// the bid landed first and pushed the end back past the settle instant
			accepted++
			assert.Equal(t, SettleSkipped, r.outcome)
			got, ok := h.engine.Store().Get(a.ID)
			require.True(t, ok)
			assert.Equal(t, end.Add(time.Minute), got.EndAt)
			continue
		}
		assert.True(t, errors.Is(r.bidErr, ErrListingNotFound), "bid error: %v", r.bidErr)
		assert.Equal(t, SettleNoBids, r.outcome)
		assert.True(t, h.expired(a.ID))
	}
	assertAmount(t, int64((n-accepted)*500), h.balance("bob"))
}

func TestOnTickSlow_ExpiresFixedListings(t *testing.T) {
	h := newHarness(t)
	l := h.list("seller", 500)
	a := h.auction("seller", 500, time.Hour)
	h.timeouts.Add("troll", time.Minute)

	h.clock.Advance(71 * time.Hour)
	assert.Equal(t, 0, h.engine.OnTickSlow(ctx))
	assert.True(t, h.active(a.ID), "the slow sweep leaves auctions to settlement")

	h.clock.Advance(time.Hour)
	assert.Equal(t, 1, h.engine.OnTickSlow(ctx))
	assert.Equal(t, 0, h.engine.OnTickSlow(ctx))

	assert.False(t, h.active(l.ID))
	assert.True(t, h.expired(l.ID))
	assert.Equal(t, []NotificationKind{NoteExpired}, h.notes.kinds("seller"))
	assert.Empty(t, h.timeouts.All())
}

func TestScheduler_Run(t *testing.T) {
	h := newHarness(t)
	a := h.auction("seller", 500, time.Hour)
	l := h.list("seller", 500)
	h.clock.Advance(72 * time.Hour)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		NewScheduler(h.engine, 5*time.Millisecond, 5*time.Millisecond).Run(runCtx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return h.expired(a.ID) && h.expired(l.ID)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
