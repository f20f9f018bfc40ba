package market

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/market/internal/history"
	"github.com/xtrntr/market/internal/ledger"
	"github.com/xtrntr/market/internal/models"
	"github.com/xtrntr/market/internal/moderation"
	"github.com/xtrntr/market/internal/storage"
)

var (
	epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	quiet = log.New(io.Discard, "", 0)
	ctx   = context.Background()
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeDelivery struct {
	mu       sync.Mutex
	failing  map[string]bool
	received map[string][]models.Entity
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{failing: make(map[string]bool), received: make(map[string][]models.Entity)}
}

func (d *fakeDelivery) Fail(account string, fail bool) {
	d.mu.Lock()
	d.failing[account] = fail
	d.mu.Unlock()
}

func (d *fakeDelivery) give(account string, e models.Entity) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failing[account] {
		return false
	}
	d.received[account] = append(d.received[account], e)
	return true
}

func (d *fakeDelivery) GiveCreature(_ context.Context, account string, c *models.Creature) bool {
	return d.give(account, c)
}

func (d *fakeDelivery) GiveItem(_ context.Context, account string, s *models.ItemStack) bool {
	return d.give(account, s)
}

func (d *fakeDelivery) Received(account string) []models.Entity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Entity(nil), d.received[account]...)
}

// recordingLedger remembers every credit so refunds can be audited
type recordingLedger struct {
	*ledger.Memory
	mu      sync.Mutex
	credits map[string][]decimal.Decimal
}

func (l *recordingLedger) Credit(ctx context.Context, account string, amount decimal.Decimal, currency string) error {
	l.mu.Lock()
	l.credits[account] = append(l.credits[account], amount)
	l.mu.Unlock()
	return l.Memory.Credit(ctx, account, amount, currency)
}

func (l *recordingLedger) totalCredited() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	sum := decimal.Zero
	for _, cs := range l.credits {
		for _, c := range cs {
			sum = sum.Add(c)
		}
	}
	return sum
}

func (l *recordingLedger) creditsTo(account string) []decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]decimal.Decimal(nil), l.credits[account]...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *recordingNotifier) Notify(note Notification) {
	n.mu.Lock()
	n.notes = append(n.notes, note)
	n.mu.Unlock()
}

func (n *recordingNotifier) kinds(playerID string) []NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []NotificationKind
	for _, note := range n.notes {
		if note.PlayerID == playerID {
			out = append(out, note.Kind)
		}
	}
	return out
}

type recordingEvents struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEvents) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recordingEvents) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	t        *testing.T
	engine   *Engine
	clock    *fakeClock
	ledger   *recordingLedger
	delivery *fakeDelivery
	notes    *recordingNotifier
	events   *recordingEvents
	history  *history.Ledger
	timeouts *moderation.TimeoutLedger
	backend  *storage.MemoryBackend
	writer   *storage.Writer
}

type option func(*Config, *Deps)

func withConfig(f func(*Config)) option {
	return func(c *Config, _ *Deps) { f(c) }
}

func newWriter(t *testing.T, backend storage.Backend) *storage.Writer {
	t.Helper()
	w := storage.NewWriter(backend, storage.WriterConfig{Shards: 2, Logger: quiet})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.Close(ctx)
	})
	return w
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    &fakeClock{now: epoch},
		ledger:   &recordingLedger{Memory: ledger.NewMemory(), credits: make(map[string][]decimal.Decimal)},
		delivery: newFakeDelivery(),
		notes:    &recordingNotifier{},
		events:   &recordingEvents{},
		backend:  storage.NewMemoryBackend(),
	}
	h.writer = newWriter(t, h.backend)
	h.history = history.NewLedger(h.writer, quiet)
	h.timeouts = moderation.NewTimeoutLedger(h.writer, h.clock.Now, quiet)

	cfg := DefaultConfig()
	deps := Deps{
		Ledger:   h.ledger,
		Delivery: h.delivery,
		History:  h.history,
		Queue:    h.writer,
		Clock:    h.clock,
		Notifier: h.notes,
		Events:   h.events,
		Timeouts: h.timeouts,
		Logger:   quiet,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	e, err := New(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, e.Load(ctx, h.backend))
	h.engine = e
	return h
}

func coins(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

func assertAmount(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, coins(want).Equal(got), "want %d, got %s", want, got)
}

func eevee() *models.Creature {
	return &models.Creature{Species: "Eevee", Level: 12, Nature: "Jolly", IVs: [6]int{31, 10, 10, 10, 10, 10}}
}

func (h *harness) fund(player string, amount int64) {
	h.ledger.Deposit(player, coins(amount), "coins")
}

func (h *harness) balance(player string) decimal.Decimal {
	b, err := h.ledger.Balance(ctx, player, "coins")
	require.NoError(h.t, err)
	return b
}

func (h *harness) list(seller string, price int64) *models.Listing {
	h.t.Helper()
	l, err := h.engine.CreateListing(ctx, CreateRequest{
		SellerID:   seller,
		SellerName: seller,
		Entity:     eevee(),
		Price:      coins(price),
	})
	require.NoError(h.t, err)
	return l
}

func (h *harness) auction(seller string, start int64, d time.Duration) *models.Listing {
	h.t.Helper()
	l, err := h.engine.CreateAuction(ctx, AuctionRequest{
		SellerID:      seller,
		SellerName:    seller,
		Entity:        eevee(),
		StartingPrice: coins(start),
		Duration:      d,
	})
	require.NoError(h.t, err)
	return l
}

func (h *harness) active(id uuid.UUID) bool {
	_, ok := h.engine.Store().Get(id)
	return ok
}

func (h *harness) expired(id uuid.UUID) bool {
	_, ok := h.engine.Store().GetExpired(id)
	return ok
}

func (h *harness) flush() {
	h.t.Helper()
	fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.writer.Flush(fctx))
}
