package moderation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/xtrntr/market/internal/storage"
)

var timeoutsKey = storage.Key{Namespace: storage.NamespaceTimeouts}

// TimeoutLedger tracks players barred from the market until a deadline.
// Entries found to be in the past are deleted on read.
type TimeoutLedger struct {
	mu       sync.Mutex
	expiries map[string]time.Time
	now      func() time.Time
	queue    storage.Queue
	log      *log.Logger
}

// NewTimeoutLedger creates an empty ledger. now defaults to time.Now.
func NewTimeoutLedger(queue storage.Queue, now func() time.Time, logger *log.Logger) *TimeoutLedger {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	return &TimeoutLedger{
		expiries: make(map[string]time.Time),
		now:      now,
		queue:    queue,
		log:      logger,
	}
}

// IsTimedOut reports whether playerID is currently barred
func (t *TimeoutLedger) IsTimedOut(playerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.expiries[playerID]
	if !ok {
		return false
	}
	if !t.now().Before(exp) {
		delete(t.expiries, playerID)
		t.save()
		return false
	}
	return true
}

// Add bars playerID for d from now, replacing any existing timeout
func (t *TimeoutLedger) Add(playerID string, d time.Duration) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	exp := t.now().Add(d)
	t.expiries[playerID] = exp
	t.save()
	return exp
}

// Remove lifts a timeout, reporting whether one existed
func (t *TimeoutLedger) Remove(playerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.expiries[playerID]; !ok {
		return false
	}
	delete(t.expiries, playerID)
	t.save()
	return true
}

// Remaining returns the time left on playerID's timeout, or 0
func (t *TimeoutLedger) Remaining(playerID string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.expiries[playerID]
	if !ok {
		return 0
	}
	if d := exp.Sub(t.now()); d > 0 {
		return d
	}
	return 0
}

// CleanupExpired drops every past entry and returns how many were removed
func (t *TimeoutLedger) CleanupExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for id, exp := range t.expiries {
		if !now.Before(exp) {
			delete(t.expiries, id)
			n++
		}
	}
	if n > 0 {
		t.save()
	}
	return n
}

// All returns a copy of the active timeouts
func (t *TimeoutLedger) All() map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Time, len(t.expiries))
	for id, exp := range t.expiries {
		out[id] = exp
	}
	return out
}

// save must be called with mu held
func (t *TimeoutLedger) save() {
	doc, err := storage.Encode(storage.RecordTimeouts, t.expiries)
	if err != nil {
		t.log.Printf("Failed to encode timeouts: %v", err)
		return
	}
	t.queue.Put(timeoutsKey, doc)
}

// Load reads the timeout map from the backend. A missing or corrupt document
// leaves the ledger empty.
func (t *TimeoutLedger) Load(ctx context.Context, backend storage.Backend) error {
	doc, err := backend.Get(ctx, timeoutsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load timeouts: %w", err)
	}

	expiries := make(map[string]time.Time)
	if err := storage.Decode(doc, storage.RecordTimeouts, &expiries); err != nil {
		t.log.Printf("Skipping timeouts: %v", err)
		return nil
	}

	t.mu.Lock()
	t.expiries = expiries
	t.mu.Unlock()
	return nil
}
