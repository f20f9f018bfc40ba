package market

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/xtrntr/market/internal/models"
)

// OnTickSlow moves ended fixed-price listings to their sellers' expired sets
// and clears lapsed timeouts. The clock is read once and that instant is used
// for every listing in the sweep. It returns the number of listings expired.
func (e *Engine) OnTickSlow(ctx context.Context) int {
	if !e.ready.Load() {
		return 0
	}
	now := e.clock.Now()
	n := 0
	for _, id := range e.store.endedAt(now, models.KindFixedPrice) {
		if e.expire(ctx, id, now) {
			n++
		}
	}
	if cleared := e.timeouts.CleanupExpired(); cleared > 0 {
		e.log.Printf("Cleared %d expired timeouts", cleared)
	}
	return n
}

func (e *Engine) expire(ctx context.Context, id uuid.UUID, now time.Time) bool {
	unlock := e.locks.Lock(id)
	l, ok := e.store.Get(id)
	if !ok || l.IsAuction() || !l.IsExpiredAt(now) {
		unlock()
		return false
	}
	moved, ok := e.store.MoveToExpired(id)
	if ok {
		e.notify(moved.SellerID, NoteExpired, id, "Your listing for %s expired", moved.Attributes.DisplayName)
	}
	unlock()

	if ok {
		e.publish(ctx, Event{Type: EventExpired, ListingID: id, Kind: string(moved.Kind), PlayerID: moved.SellerID, Amount: moved.Price, Currency: moved.Currency, At: now})
	}
	return ok
}

// OnTickFast settles every auction that has ended, using one clock reading
// for the whole sweep. It returns the number of auctions settled.
func (e *Engine) OnTickFast(ctx context.Context) int {
	if !e.ready.Load() {
		return 0
	}
	now := e.clock.Now()
	n := 0
	for _, id := range e.store.endedAt(now, models.KindAuction) {
		outcome, err := e.Settle(ctx, id, now)
		if err != nil {
			e.log.Printf("Failed to settle auction %s: %v", id, err)
			continue
		}
		if outcome != SettleSkipped {
			n++
		}
	}
	return n
}

// Scheduler drives the engine's sweeps on two tickers
type Scheduler struct {
	engine *Engine
	fast   time.Duration
	slow   time.Duration
	log    *log.Logger
}

// NewScheduler creates a scheduler; non-positive intervals fall back to 10s
// for auctions and 60s for fixed-price listings
func NewScheduler(e *Engine, fast, slow time.Duration) *Scheduler {
	if fast <= 0 {
		fast = 10 * time.Second
	}
	if slow <= 0 {
		slow = 60 * time.Second
	}
	return &Scheduler{engine: e, fast: fast, slow: slow, log: e.log}
}

// Run ticks until ctx is done
func (s *Scheduler) Run(ctx context.Context) {
	fast := time.NewTicker(s.fast)
	defer fast.Stop()
	slow := time.NewTicker(s.slow)
	defer slow.Stop()

	s.log.Printf("Scheduler started (auctions every %s, listings every %s)", s.fast, s.slow)
	for {
		select {
		case <-ctx.Done():
			s.log.Printf("Scheduler stopped")
			return
		case <-fast.C:
			s.engine.OnTickFast(ctx)
		case <-slow.C:
			s.engine.OnTickSlow(ctx)
		}
	}
}
