package market

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/xtrntr/market/internal/models"
	"github.com/xtrntr/market/internal/pricing"
	"github.com/xtrntr/market/internal/storage"
)

// Config holds the market rules
type Config struct {
	Currency             string
	TaxRate              decimal.Decimal
	MinPrice             decimal.Decimal
	MaxPrice             decimal.Decimal
	MinBidIncrement      decimal.Decimal
	ListingDuration      time.Duration // zero means fixed-price listings never expire
	MinAuctionDuration   time.Duration
	MaxAuctionDuration   time.Duration
	AntiSnipeThreshold   time.Duration
	AntiSnipeExtension   time.Duration
	MaxListingsPerPlayer int // zero means unlimited
}

// DefaultConfig returns the stock market rules
func DefaultConfig() Config {
	return Config{
		Currency:             "coins",
		TaxRate:              decimal.RequireFromString("0.10"),
		MinPrice:             decimal.NewFromInt(100),
		MaxPrice:             decimal.NewFromInt(10_000_000),
		MinBidIncrement:      decimal.NewFromInt(100),
		ListingDuration:      72 * time.Hour,
		MinAuctionDuration:   30 * time.Minute,
		MaxAuctionDuration:   168 * time.Hour,
		AntiSnipeThreshold:   time.Minute,
		AntiSnipeExtension:   time.Minute,
		MaxListingsPerPlayer: 8,
	}
}

// Deps are the collaborators injected into the engine. Ledger, Delivery,
// History and Queue are required.
type Deps struct {
	Ledger    Ledger
	Delivery  Delivery
	History   HistoryRecorder
	Queue     storage.Queue
	Codec     EntityCodec
	Clock     Clock
	Notifier  Notifier
	Events    EventPublisher
	Pricer    Pricer
	Blacklist Blacklist
	Timeouts  TimeoutGate
	Logger    *log.Logger
}

// Engine owns the lifecycle of every listing
type Engine struct {
	cfg     Config
	store   *Store
	locks   *keyedMutex[uuid.UUID] // per listing
	sellers *keyedMutex[string]    // per seller, taken before a listing lock

	ledger    Ledger
	delivery  Delivery
	history   HistoryRecorder
	codec     EntityCodec
	clock     Clock
	notifier  Notifier
	events    EventPublisher
	pricer    Pricer
	blacklist Blacklist
	timeouts  TimeoutGate

	log    *log.Logger
	tracer trace.Tracer
	ready  atomic.Bool
}

// New wires an engine. It accepts no mutations until Load has run.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Ledger == nil || deps.Delivery == nil || deps.History == nil || deps.Queue == nil {
		return nil, errors.New("market: ledger, delivery, history and queue are required")
	}
	if cfg.MinBidIncrement.Sign() <= 0 {
		return nil, errors.New("market: min bid increment must be positive")
	}
	if deps.Codec == nil {
		deps.Codec = models.JSONCodec{}
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Events == nil {
		deps.Events = nopPublisher{}
	}
	if deps.Pricer == nil {
		deps.Pricer = FlatPricer{Min: cfg.MinPrice}
	}
	if deps.Blacklist == nil {
		deps.Blacklist = BannedList{}
	}
	if deps.Timeouts == nil {
		deps.Timeouts = noTimeouts{}
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}

	return &Engine{
		cfg:       cfg,
		store:     NewStore(deps.Codec, deps.Queue, deps.Logger),
		locks:     newKeyedMutex[uuid.UUID](),
		sellers:   newKeyedMutex[string](),
		ledger:    deps.Ledger,
		delivery:  deps.Delivery,
		history:   deps.History,
		codec:     deps.Codec,
		clock:     deps.Clock,
		notifier:  deps.Notifier,
		events:    deps.Events,
		pricer:    deps.Pricer,
		blacklist: deps.Blacklist,
		timeouts:  deps.Timeouts,
		log:       deps.Logger,
		tracer:    otel.Tracer("github.com/xtrntr/market/internal/market"),
	}, nil
}

// Store exposes the listing registry for queries
func (e *Engine) Store() *Store {
	return e.store
}

// Config returns the market rules
func (e *Engine) Config() Config {
	return e.cfg
}

// Load rebuilds the active and expired sets from the backend. Records that
// fail to decode, and active listings whose payload is invalid, are logged
// and skipped.
func (e *Engine) Load(ctx context.Context, backend storage.Backend) error {
	active, err := e.loadNamespace(ctx, backend, storage.NamespaceListings)
	if err != nil {
		return err
	}
	expired, err := e.loadNamespace(ctx, backend, storage.NamespaceExpired)
	if err != nil {
		return err
	}

	valid := active[:0]
	for _, l := range active {
		if !e.store.Valid(l) {
			e.log.Printf("Skipping invalid listing %s", l.ID)
			continue
		}
		valid = append(valid, l)
	}

	e.store.load(valid, expired)
	e.ready.Store(true)
	e.log.Printf("Loaded %d active and %d expired listings", len(valid), len(expired))
	return nil
}

func (e *Engine) loadNamespace(ctx context.Context, backend storage.Backend, ns string) ([]*models.Listing, error) {
	recs, err := backend.List(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", ns, err)
	}
	out := make([]*models.Listing, 0, len(recs))
	for _, rec := range recs {
		l, err := DecodeListing(rec.Doc)
		if err != nil {
			e.log.Printf("Skipping record %s: %v", rec.Key, err)
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (e *Engine) checkReady() error {
	if !e.ready.Load() {
		return ErrNotReady
	}
	return nil
}

// CreateRequest lists an entity at a fixed price
type CreateRequest struct {
	SellerID   string
	SellerName string
	Entity     models.Entity
	Price      decimal.Decimal
	Currency   string
}

// AuctionRequest puts an entity up for auction
type AuctionRequest struct {
	SellerID        string
	SellerName      string
	Entity          models.Entity
	StartingPrice   decimal.Decimal
	Currency        string
	Duration        time.Duration
	MinBidIncrement decimal.Decimal // zero uses the configured increment
}

// validateSeller runs the checks shared by every creation path, in order:
// timeout, blacklist, listing limit, price bounds
func (e *Engine) validateSeller(sellerID string, ent models.Entity, attrs models.Attributes, price decimal.Decimal) error {
	if sellerID == "" || ent == nil {
		return invalid(ErrInvalidListing, "seller and entity are required")
	}
	if e.timeouts.IsTimedOut(sellerID) {
		return invalid(ErrTimedOut, "seller %s", sellerID)
	}
	if e.blacklist.IsBanned(attrs) {
		return invalid(ErrBlacklisted, "%s", attrs.DisplayName)
	}
	if limit := e.cfg.MaxListingsPerPlayer; limit > 0 && e.store.CountBySeller(sellerID) >= limit {
		return invalid(ErrListingLimit, "maximum %d active listings", limit)
	}
	if !pricing.IsWholeMinor(price) {
		return invalid(ErrPriceOutOfRange, "at most %d decimal places", pricing.MinorUnits)
	}
	floor := decimal.Max(e.pricer.MinimumPrice(attrs), e.cfg.MinPrice)
	if price.LessThan(floor) {
		return invalid(ErrPriceOutOfRange, "minimum for %s is %s", attrs.DisplayName, pricing.Format(floor, ""))
	}
	if e.cfg.MaxPrice.IsPositive() && price.GreaterThan(e.cfg.MaxPrice) {
		return invalid(ErrPriceOutOfRange, "maximum is %s", pricing.Format(e.cfg.MaxPrice, ""))
	}
	return nil
}

func (e *Engine) newListing(sellerID, sellerName string, ent models.Entity, price decimal.Decimal, currency string, d time.Duration) (*models.Listing, error) {
	payload, err := e.codec.Encode(ent)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entity: %w", err)
	}
	if currency == "" {
		currency = e.cfg.Currency
	}
	l := &models.Listing{
		ID:         uuid.New(),
		SellerID:   sellerID,
		SellerName: sellerName,
		Price:      price,
		Currency:   currency,
		Kind:       models.KindFixedPrice,
		Entity:     ent.EntityKind(),
		Payload:    payload,
		Attributes: ent.Attributes().WithSearchText(sellerName),
	}
	l.ResetDuration(e.clock.Now(), d)
	return l, nil
}

// CreateListing validates req and adds a fixed-price listing
func (e *Engine) CreateListing(ctx context.Context, req CreateRequest) (*models.Listing, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	if req.Entity == nil {
		return nil, invalid(ErrInvalidListing, "entity is required")
	}
	unlock := e.sellers.Lock(req.SellerID)
	defer unlock()
	if err := e.validateSeller(req.SellerID, req.Entity, req.Entity.Attributes(), req.Price); err != nil {
		return nil, err
	}
	l, err := e.newListing(req.SellerID, req.SellerName, req.Entity, req.Price, req.Currency, e.cfg.ListingDuration)
	if err != nil {
		return nil, err
	}
	if !e.store.Add(l) {
		return nil, invalid(ErrInvalidListing, "payload does not decode")
	}
	e.publish(ctx, Event{Type: EventListed, ListingID: l.ID, Kind: string(l.Kind), PlayerID: l.SellerID, Amount: l.Price, Currency: l.Currency, At: l.CreatedAt})
	return l, nil
}

// CreateAuction validates req and opens an auction
func (e *Engine) CreateAuction(ctx context.Context, req AuctionRequest) (*models.Listing, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	if req.Entity == nil {
		return nil, invalid(ErrInvalidListing, "entity is required")
	}
	unlock := e.sellers.Lock(req.SellerID)
	defer unlock()
	if err := e.validateSeller(req.SellerID, req.Entity, req.Entity.Attributes(), req.StartingPrice); err != nil {
		return nil, err
	}
	if req.Duration < e.cfg.MinAuctionDuration || (e.cfg.MaxAuctionDuration > 0 && req.Duration > e.cfg.MaxAuctionDuration) {
		return nil, invalid(ErrInvalidDuration, "must be between %s and %s", e.cfg.MinAuctionDuration, e.cfg.MaxAuctionDuration)
	}
	if req.Duration <= 0 {
		return nil, invalid(ErrInvalidDuration, "auctions must end")
	}
	inc := req.MinBidIncrement
	if inc.Sign() <= 0 {
		inc = e.cfg.MinBidIncrement
	}
	if !pricing.IsWholeMinor(inc) {
		return nil, invalid(ErrPriceOutOfRange, "bid increment has more than %d decimal places", pricing.MinorUnits)
	}

	l, err := e.newListing(req.SellerID, req.SellerName, req.Entity, req.StartingPrice, req.Currency, req.Duration)
	if err != nil {
		return nil, err
	}
	l.Kind = models.KindAuction
	l.Auction = &models.AuctionState{
		StartingPrice:   req.StartingPrice,
		CurrentBid:      req.StartingPrice,
		MinBidIncrement: inc,
		Bids:            []models.Bid{},
	}
	if !e.store.Add(l) {
		return nil, invalid(ErrInvalidListing, "payload does not decode")
	}
	e.publish(ctx, Event{Type: EventListed, ListingID: l.ID, Kind: string(l.Kind), PlayerID: l.SellerID, Amount: l.Price, Currency: l.Currency, At: l.CreatedAt})
	return l, nil
}

// Cancel withdraws an active listing and returns the entity to its seller.
// Auctions can only be cancelled before the first bid. If the entity cannot
// be returned the listing is parked in the seller's expired set.
func (e *Engine) Cancel(ctx context.Context, sellerID string, id uuid.UUID) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	l, err := e.cancel(ctx, sellerID, id)
	if l != nil {
		e.publish(ctx, Event{Type: EventCancelled, ListingID: id, Kind: string(l.Kind), PlayerID: sellerID, At: e.clock.Now()})
	}
	return err
}

func (e *Engine) cancel(ctx context.Context, sellerID string, id uuid.UUID) (*models.Listing, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	l, ok := e.store.Get(id)
	if !ok {
		return nil, ErrListingNotFound
	}
	if !l.IsSeller(sellerID) {
		return nil, invalid(ErrNotSeller, "listing %s", id)
	}
	if l.IsAuction() && l.Auction.HasBids() {
		return nil, invalid(ErrHasBids, "listing %s", id)
	}
	l, ok = e.store.Remove(id)
	if !ok {
		return nil, ErrListingNotFound
	}
	if !e.deliver(ctx, sellerID, l) {
		e.store.AddExpired(l)
		return l, fmt.Errorf("%w: listing %s moved to expired", ErrDeliveryFailed, id)
	}
	return l, nil
}

// Reclaim returns an expired listing's entity to its seller. On delivery
// failure the listing stays in the expired set.
func (e *Engine) Reclaim(ctx context.Context, sellerID string, id uuid.UUID) (*models.Listing, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	l, ok := e.store.ReclaimExpired(sellerID, id)
	if !ok {
		return nil, ErrListingNotFound
	}
	if !e.deliver(ctx, sellerID, l) {
		e.store.AddExpired(l)
		return nil, ErrDeliveryFailed
	}
	return l, nil
}

// Relist puts an expired listing back on the market. Fixed-price listings get
// the configured duration; auctions keep their original length.
func (e *Engine) Relist(ctx context.Context, sellerID string, id uuid.UUID) (*models.Listing, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	unlockSeller := e.sellers.Lock(sellerID)
	defer unlockSeller()
	unlock := e.locks.Lock(id)
	defer unlock()

	l, ok := e.store.GetExpired(id)
	if !ok || !l.IsSeller(sellerID) {
		return nil, ErrListingNotFound
	}
	if e.timeouts.IsTimedOut(sellerID) {
		return nil, invalid(ErrTimedOut, "seller %s", sellerID)
	}
	if limit := e.cfg.MaxListingsPerPlayer; limit > 0 && e.store.CountBySeller(sellerID) >= limit {
		return nil, invalid(ErrListingLimit, "maximum %d active listings", limit)
	}

	d := e.cfg.ListingDuration
	if l.IsAuction() && !l.EndAt.IsZero() {
		d = l.EndAt.Sub(l.CreatedAt)
	}
	relisted, ok := e.store.Relist(id, e.clock.Now(), d)
	if !ok {
		return nil, ErrListingNotFound
	}
	e.publish(ctx, Event{Type: EventListed, ListingID: id, Kind: string(relisted.Kind), PlayerID: sellerID, Amount: relisted.Price, Currency: relisted.Currency, At: relisted.CreatedAt})
	return relisted, nil
}

// deliver decodes the payload and hands it to account
func (e *Engine) deliver(ctx context.Context, account string, l *models.Listing) bool {
	ent, err := e.codec.Decode(l.Entity, l.Payload)
	if err != nil {
		e.log.Printf("Failed to decode payload of listing %s: %v", l.ID, err)
		return false
	}
	switch v := ent.(type) {
	case *models.Creature:
		return e.delivery.GiveCreature(ctx, account, v)
	case *models.ItemStack:
		return e.delivery.GiveItem(ctx, account, v)
	default:
		e.log.Printf("Cannot deliver %T from listing %s", ent, l.ID)
		return false
	}
}

// refund credits account and logs when the ledger refuses
func (e *Engine) refund(ctx context.Context, account string, amount decimal.Decimal, currency string, id uuid.UUID) {
	if err := e.ledger.Credit(ctx, account, amount, currency); err != nil {
		e.log.Printf("Failed to refund %s %s to %s for listing %s: %v", amount, currency, account, id, err)
	}
}

func (e *Engine) notify(playerID string, kind NotificationKind, id uuid.UUID, format string, args ...any) {
	e.notifier.Notify(Notification{PlayerID: playerID, Kind: kind, ListingID: id, Message: fmt.Sprintf(format, args...)})
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if err := e.events.Publish(ctx, ev); err != nil {
		e.log.Printf("Failed to publish %s event for %s: %v", ev.Type, ev.ListingID, err)
	}
}
