package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/xtrntr/market/internal/auth"
	"github.com/xtrntr/market/internal/history"
	"github.com/xtrntr/market/internal/inventory"
	"github.com/xtrntr/market/internal/market"
	"github.com/xtrntr/market/internal/models"
	"github.com/xtrntr/market/internal/moderation"
	"github.com/xtrntr/market/internal/notify"
	"github.com/xtrntr/market/internal/pricing"
	"github.com/xtrntr/market/internal/timefmt"
)

type contextKey string

const claimsKey contextKey = "claims"

// Wallet is the part of the currency ledger the API needs
type Wallet interface {
	Credit(ctx context.Context, account string, amount decimal.Decimal, currency string) error
	Balance(ctx context.Context, account, currency string) (decimal.Decimal, error)
}

// Options holds the handler's collaborators. Hub may be nil.
type Options struct {
	Engine      *market.Engine
	History     *history.Ledger
	Timeouts    *moderation.TimeoutLedger
	AuthService *auth.AuthService
	Inventory   *inventory.Memory
	Wallet      Wallet
	Hub         *notify.Hub
	BidRate     rate.Limit
	BidBurst    int
	Logger      *log.Logger
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Engine      *market.Engine
	History     *history.Ledger
	Timeouts    *moderation.TimeoutLedger
	AuthService *auth.AuthService
	Inventory   *inventory.Memory
	Wallet      Wallet
	Hub         *notify.Hub

	bids *limiterSet
	log  *log.Logger
	now  func() time.Time
}

// NewHandler creates a new handler
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.BidRate == 0 {
		opts.BidRate = rate.Inf
	}
	return &Handler{
		Engine:      opts.Engine,
		History:     opts.History,
		Timeouts:    opts.Timeouts,
		AuthService: opts.AuthService,
		Inventory:   opts.Inventory,
		Wallet:      opts.Wallet,
		Hub:         opts.Hub,
		bids:        newLimiterSet(opts.BidRate, opts.BidBurst),
		log:         opts.Logger,
		now:         time.Now,
	}
}

// Routes builds the router for every endpoint
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/listings", h.GetListings)
	r.Get("/listings/{id}", h.GetListing)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/listings", h.CreateListing)
		r.Post("/auctions", h.CreateAuction)
		r.Post("/listings/{id}/buy", h.Buy)
		r.Post("/auctions/{id}/bids", h.PlaceBid)
		r.Delete("/listings/{id}", h.CancelListing)
		r.Get("/me/expired", h.GetExpired)
		r.Post("/me/expired/{id}/reclaim", h.Reclaim)
		r.Post("/me/expired/{id}/relist", h.Relist)
		r.Get("/me/history", h.GetHistory)
		r.Get("/me/inventory", h.GetInventory)
		r.Get("/me/balance", h.GetBalance)
		if h.Hub != nil {
			r.Get("/ws", h.ServeWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(AdminOnly)
			r.Get("/admin/timeouts", h.GetTimeouts)
			r.Post("/admin/timeouts", h.AddTimeout)
			r.Delete("/admin/timeouts/{player}", h.RemoveTimeout)
			r.Post("/admin/grant", h.Grant)
		})
	})
	return r
}

// limiterSet hands out one token bucket per player. A bucket idle long
// enough to refill completely behaves like a new one, so such buckets are
// dropped by a sweep that runs at most once per idle period. The set holds
// only players who bid within roughly the last two idle periods.
type limiterSet struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	players   map[string]*playerLimiter
}

type playerLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

const (
	minLimiterIdle = 10 * time.Minute
	maxLimiterIdle = 24 * time.Hour
)

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	if burst <= 0 {
		burst = 1
	}
	idle := minLimiterIdle
	if limit > 0 && limit != rate.Inf {
		refill := float64(burst) / float64(limit)
		switch {
		case refill >= maxLimiterIdle.Seconds():
			idle = maxLimiterIdle
		case time.Duration(refill*float64(time.Second)) > idle:
			idle = time.Duration(refill * float64(time.Second))
		}
	}
	return &limiterSet{limit: limit, burst: burst, idle: idle, players: make(map[string]*playerLimiter)}
}

// Allow spends one of player's tokens at now
func (s *limiterSet) Allow(player string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastSweep) >= s.idle {
		for id, p := range s.players {
			if now.Sub(p.seen) >= s.idle {
				delete(s.players, id)
			}
		}
		s.lastSweep = now
	}
	p, ok := s.players[player]
	if !ok {
		p = &playerLimiter{lim: rate.NewLimiter(s.limit, s.burst)}
		s.players[player] = p
	}
	p.seen = now
	return p.lim.AllowN(now, 1)
}

// Len returns the number of tracked players
func (s *limiterSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players)
}

func errorBody(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

// statusFor maps market errors onto HTTP statuses
func statusFor(err error) int {
	var ve *market.ValidationError
	switch {
	case errors.Is(err, market.ErrListingNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrSelfTrade), errors.Is(err, market.ErrNotSeller), errors.Is(err, market.ErrTimedOut):
		return http.StatusForbidden
	case errors.Is(err, market.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, market.ErrHasBids):
		return http.StatusConflict
	case errors.Is(err, market.ErrDeliveryFailed):
		return http.StatusBadGateway
	case errors.Is(err, market.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, inventory.ErrNotOwned), errors.As(err, &ve):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Printf("Request failed: %v", err)
		msg = "Internal server error"
	}
	http.Error(w, errorBody(msg), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func claimsFrom(r *http.Request) (*auth.Claims, bool) {
	c, ok := r.Context().Value(claimsKey).(*auth.Claims)
	return c, ok
}

func listingID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, errorBody("Invalid listing ID"), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, errorBody("Invalid request body"), http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, errorBody("Username and password required"), http.StatusBadRequest)
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrUserExists):
		http.Error(w, errorBody("Username already taken"), http.StatusConflict)
		return
	case errors.Is(err, auth.ErrInvalidInput):
		http.Error(w, errorBody(err.Error()), http.StatusBadRequest)
		return
	case err != nil:
		h.log.Printf("Failed to register %s: %v", req.Username, err)
		http.Error(w, errorBody("Failed to register user"), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, errorBody("Invalid request body"), http.StatusBadRequest)
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.log.Printf("Login failed for %s: %v", req.Username, err)
		}
		http.Error(w, errorBody("Invalid credentials"), http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens. Browsers cannot set headers on a
// websocket handshake, so a token query parameter is accepted as well.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			http.Error(w, errorBody("Authorization header required"), http.StatusUnauthorized)
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		claims, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			http.Error(w, errorBody("Invalid or expired token"), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly rejects players without the admin claim
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsFrom(r)
		if !ok || !claims.Admin {
			http.Error(w, errorBody("Admin access required"), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type listingView struct {
	*models.Listing
	Payload      json.RawMessage  `json:"payload"`
	PriceDisplay string           `json:"price_display"`
	TimeLeft     string           `json:"time_left,omitempty"`
	MinNextBid   *decimal.Decimal `json:"min_next_bid,omitempty"`
}

func (h *Handler) view(l *models.Listing) listingView {
	v := listingView{
		Listing:      l,
		Payload:      json.RawMessage(l.Payload),
		PriceDisplay: pricing.Format(l.Price, l.Currency),
	}
	if !l.EndAt.IsZero() {
		v.TimeLeft = timefmt.FormatDuration(l.RemainingAt(h.now()))
	}
	if l.IsAuction() {
		next := l.Auction.MinimumNextBid()
		v.MinNextBid = &next
	}
	return v
}

func (h *Handler) views(ls []*models.Listing) []listingView {
	out := make([]listingView, 0, len(ls))
	for _, l := range ls {
		out = append(out, h.view(l))
	}
	return out
}

// GetListings searches active listings. Supports q, kind and seller filters.
func (h *Handler) GetListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := models.ListingKind(q.Get("kind"))
	seller := q.Get("seller")

	var out []*models.Listing
	for _, l := range h.Engine.Store().Search(q.Get("q")) {
		if kind != "" && l.Kind != kind {
			continue
		}
		if seller != "" && !l.IsSeller(seller) {
			continue
		}
		out = append(out, l)
	}
	writeJSON(w, http.StatusOK, h.views(out))
}

// GetListing returns one active listing
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := listingID(w, r)
	if !ok {
		return
	}
	l, found := h.Engine.Store().Get(id)
	if !found {
		h.writeError(w, market.ErrListingNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.view(l))
}

// entityRequest carries exactly one of a creature or an item stack
type entityRequest struct {
	Creature *models.Creature  `json:"creature"`
	Item     *models.ItemStack `json:"item"`
}

func (e entityRequest) entity() (models.Entity, bool) {
	switch {
	case e.Creature != nil && e.Item == nil:
		return e.Creature, true
	case e.Item != nil && e.Creature == nil:
		return e.Item, true
	}
	return nil, false
}

// escrow takes ent out of the seller's inventory, runs create and gives the
// entity back when the listing is rejected
func (h *Handler) escrow(ctx context.Context, sellerID string, ent models.Entity, create func() (*models.Listing, error)) (*models.Listing, error) {
	if err := h.Inventory.Take(ctx, sellerID, ent); err != nil {
		return nil, err
	}
	l, err := create()
	if err != nil {
		if !h.Inventory.Give(ctx, sellerID, ent) {
			h.log.Printf("Failed to return escrowed %s to %s", ent.Attributes().DisplayName, sellerID)
		}
		return nil, err
	}
	return l, nil
}

// CreateListing lists an entity from the player's inventory at a fixed price
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r)
	var req struct {
		entityRequest
		Price decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, errorBody("Invalid request body"), http.StatusBadRequest)
		return
	}
	ent, ok := req.entity()
	if !ok {
		http.Error(w, errorBody("Exactly one of creature or item is required"), http.StatusBadRequest)
		return
	}

	l, err := h.escrow(r.Context(), claims.UserID, ent, func() (*models.Listing, error) {
		return h.Engine.CreateListing(r.Context(), market.CreateRequest{
			SellerID:   claims.UserID,
			SellerName: claims.Username,
			Entity:     ent,
			Price:      req.Price,
		})
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(l))
}

// CreateAuction opens an auction for an entity from the player's inventory
func (h *Handler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r)
	var req struct {
		entityRequest
		StartingPrice   decimal.Decimal `json:"starting_price"`
		Duration        string          `json:"duration"`
		MinBidIncrement decimal.Decimal `json:"min_bid_increment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, errorBody("Invalid request body"), http.StatusBadRequest)
		return
	}
	ent, ok := req.entity()
	if !ok {
		http.Error(w, errorBody("Exactly one of creature or item is required"), http.StatusBadRequest)
		return
	}
	d, err := timefmt.ParseDuration(req.Duration)
	if err != nil {
		http.Error(w, errorBody("Invalid duration"), http.StatusBadRequest)
		return
	}

	l, err := h.escrow(r.Context(), claims.UserID, ent, func() (*models.Listing, error) {
		return h.Engine.CreateAuction(r.Context(), market.AuctionRequest{
			SellerID:        claims.UserID,
			SellerName:      claims.Username,
			Entity:          ent,
			StartingPrice:   req.StartingPrice,
			Duration:        d,
			MinBidIncrement: req.MinBidIncrement,
		})
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(l))
}

// Buy purchases a fixed-price listing
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r)
	id, ok := listingID(w, r)
	if !ok {
		return
	}
	l, err := h.Engine.Buy(r.Context(), id, claims.UserID, claims.Username)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(l))
}

// PlaceBid bids on an auction. Bids are rate limited per player.
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r)
	id, ok := listingID(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, errorBody("Invalid request body"), http.StatusBadRequest)
		return
	}
	if !h.bids.Allow(claims.UserID, h.now()) {
		http.Error(w, errorBody("Too many bids, slow down"), http.StatusTooManyRequests)
		return
	}

	l, err := h.Engine.PlaceBid(r.Context(), id, claims.UserID, claims.Username, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(l))
}

// CancelListing withdraws one of the player's listings
func (h *Handler) CancelListing(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r)
	id, ok := listingID(w, r)
	if !ok {
		return
	}
	if err := h.Engine.Cancel(r.Context(), claims.UserID, id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Listing cancelled"})
}

// GetExpired lists the player's expired listings
func (h *Handler) GetExpired(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r)
	writeJSON(w, http.StatusOK, h.views(h.Engine.Store().Expired(claims.UserID)))
}

// Reclaim returns an expired listing's entity to the player
func (h *Handler) Reclaim(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r)
	id, ok := listingID(w, r)
	if !ok {
		return
	}
	l, err := h.Engine.Reclaim(r.Context(), claims.UserID, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(l))
}

// Relist puts an expired listing back on the market
func (h *Handler) Relist(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r)
	id, ok := listingID(w, r)
	if !ok {
		return
	}
	l, err := h.Engine.Relist(r.Context(), claims.UserID, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(l))
}

// GetHistory returns the player's transaction records, newest first
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r)
	records := h.History.Get(claims.UserID)
	if records == nil {
		records = []models.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetInventory returns what the player holds outside the market
func (h *Handler) GetInventory(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r)
	writeJSON(w, http.StatusOK, h.Inventory.Contents(claims.UserID))
}

// GetBalance returns the player's balance in the market currency
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r)
	currency := h.Engine.Config().Currency
	balance, err := h.Wallet.Balance(r.Context(), claims.UserID, currency)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":  balance,
		"currency": currency,
		"display":  pricing.Format(balance, currency),
	})
}

// ServeWS streams the player's notifications and market events
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r)
	h.Hub.Serve(w, r, claims.UserID)
}

type timeoutView struct {
	PlayerID  string    `json:"player_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Remaining string    `json:"remaining"`
}

// GetTimeouts lists active moderation timeouts
func (h *Handler) GetTimeouts(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	out := []timeoutView{}
	for player, exp := range h.Timeouts.All() {
		out = append(out, timeoutView{PlayerID: player, ExpiresAt: exp, Remaining: timefmt.FormatDuration(exp.Sub(now))})
	}
	writeJSON(w, http.StatusOK, out)
}

// AddTimeout bars a player from trading for a while
func (h *Handler) AddTimeout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID string `json:"player_id"`
		Duration string `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, errorBody("Invalid request body"), http.StatusBadRequest)
		return
	}
	d, err := timefmt.ParseDuration(req.Duration)
	if err != nil || req.PlayerID == "" || d <= 0 {
		http.Error(w, errorBody("player_id and a positive duration are required"), http.StatusBadRequest)
		return
	}
	exp := h.Timeouts.Add(req.PlayerID, d)
	writeJSON(w, http.StatusCreated, timeoutView{PlayerID: req.PlayerID, ExpiresAt: exp, Remaining: timefmt.FormatDuration(d)})
}

// RemoveTimeout lifts a player's timeout
func (h *Handler) RemoveTimeout(w http.ResponseWriter, r *http.Request) {
	player := chi.URLParam(r, "player")
	if !h.Timeouts.Remove(player) {
		http.Error(w, errorBody("No timeout for player"), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Timeout removed"})
}

// Grant credits currency and optionally gives an entity to a player
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		entityRequest
		PlayerID string          `json:"player_id"`
		Amount   decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, errorBody("Invalid request body"), http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" || req.Amount.IsNegative() {
		http.Error(w, errorBody("player_id and a non-negative amount are required"), http.StatusBadRequest)
		return
	}

	currency := h.Engine.Config().Currency
	if req.Amount.IsPositive() {
		if err := h.Wallet.Credit(r.Context(), req.PlayerID, req.Amount, currency); err != nil {
			h.writeError(w, err)
			return
		}
	}
	if ent, ok := req.entity(); ok && !h.Inventory.Give(r.Context(), req.PlayerID, ent) {
		http.Error(w, errorBody("Inventory is full"), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Granted"})
}
