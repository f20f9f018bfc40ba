package market

import (
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xtrntr/market/internal/models"
	"github.com/xtrntr/market/internal/storage"
)

// Store is the authoritative registry of active and expired listings. Every
// set mutation happens under one mutex and enqueues its durable write before
// releasing it, so writes for a key reach the queue in mutation order.
// Listings handed out are copies.
type Store struct {
	mu      sync.RWMutex
	active  map[uuid.UUID]*models.Listing
	expired map[uuid.UUID]*models.Listing
	codec   EntityCodec
	queue   storage.Queue
	log     *log.Logger
}

// NewStore creates an empty store
func NewStore(codec EntityCodec, queue storage.Queue, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		active:  make(map[uuid.UUID]*models.Listing),
		expired: make(map[uuid.UUID]*models.Listing),
		codec:   codec,
		queue:   queue,
		log:     logger,
	}
}

func activeKey(id uuid.UUID) storage.Key {
	return storage.Key{Namespace: storage.NamespaceListings, ID: id.String()}
}

func expiredKey(l *models.Listing) storage.Key {
	return storage.Key{Namespace: storage.NamespaceExpired, Owner: l.SellerID, ID: l.ID.String()}
}

// Valid reports whether l is well formed and its payload decodes
func (s *Store) Valid(l *models.Listing) bool {
	if l == nil || l.ID == uuid.Nil || l.SellerID == "" {
		return false
	}
	if checkShape(l) != nil {
		return false
	}
	_, err := s.codec.Decode(l.Entity, l.Payload)
	return err == nil
}

func (s *Store) put(key storage.Key, l *models.Listing) {
	doc, err := EncodeListing(l)
	if err != nil {
		s.log.Printf("Failed to encode listing %s: %v", l.ID, err)
		return
	}
	s.queue.Put(key, doc)
}

// Add inserts a new listing into the active set. Invalid listings and
// duplicate ids are ignored and reported as false.
func (s *Store) Add(l *models.Listing) bool {
	if !s.Valid(l) {
		s.log.Printf("Rejected invalid listing %v", idOf(l))
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[l.ID]; ok {
		return false
	}
	if _, ok := s.expired[l.ID]; ok {
		return false
	}
	c := l.Clone()
	s.active[c.ID] = c
	s.put(activeKey(c.ID), c)
	return true
}

func idOf(l *models.Listing) any {
	if l == nil {
		return "<nil>"
	}
	return l.ID
}

// Get returns the active listing with id
func (s *Store) Get(id uuid.UUID) (*models.Listing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.active[id]
	if !ok {
		return nil, false
	}
	return l.Clone(), true
}

// Replace swaps in a new version of an active listing. It fails when the
// listing has left the active set.
func (s *Store) Replace(l *models.Listing) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[l.ID]; !ok {
		return false
	}
	c := l.Clone()
	s.active[c.ID] = c
	s.put(activeKey(c.ID), c)
	return true
}

// Remove takes a listing out of the active set and deletes its record.
// Of two concurrent calls for one id, only one gets true.
func (s *Store) Remove(id uuid.UUID) (*models.Listing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.active[id]
	if !ok {
		return nil, false
	}
	delete(s.active, id)
	s.queue.Delete(activeKey(id))
	return l, true
}

// MoveToExpired moves an active listing into its seller's expired set
func (s *Store) MoveToExpired(id uuid.UUID) (*models.Listing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.active[id]
	if !ok {
		return nil, false
	}
	delete(s.active, id)
	s.expired[id] = l
	s.queue.Delete(activeKey(id))
	s.put(expiredKey(l), l)
	return l.Clone(), true
}

// AddExpired places a listing directly into the expired set
func (s *Store) AddExpired(l *models.Listing) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[l.ID]; ok {
		return false
	}
	if _, ok := s.expired[l.ID]; ok {
		return false
	}
	c := l.Clone()
	s.expired[c.ID] = c
	s.put(expiredKey(c), c)
	return true
}

// Relist moves an expired listing back to the active set with a fresh
// lifetime starting at now. Auctions start a new round with no bids. It is a
// no-op returning false when the listing is not expired.
func (s *Store) Relist(id uuid.UUID, now time.Time, d time.Duration) (*models.Listing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.expired[id]
	if !ok {
		return nil, false
	}
	delete(s.expired, id)
	s.queue.Delete(expiredKey(l))
	l.ResetDuration(now, d)
	l.ResetAuction()
	s.active[id] = l
	s.put(activeKey(id), l)
	return l.Clone(), true
}

// ReclaimExpired removes and returns sellerID's expired listing. The caller
// is responsible for returning the payload.
func (s *Store) ReclaimExpired(sellerID string, id uuid.UUID) (*models.Listing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.expired[id]
	if !ok || !l.IsSeller(sellerID) {
		return nil, false
	}
	delete(s.expired, id)
	s.queue.Delete(expiredKey(l))
	return l, true
}

// GetExpired returns the expired listing with id
func (s *Store) GetExpired(id uuid.UUID) (*models.Listing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.expired[id]
	if !ok {
		return nil, false
	}
	return l.Clone(), true
}

func sortListings(ls []*models.Listing) []*models.Listing {
	sort.Slice(ls, func(i, j int) bool {
		if !ls[i].CreatedAt.Equal(ls[j].CreatedAt) {
			return ls[i].CreatedAt.Before(ls[j].CreatedAt)
		}
		return ls[i].ID.String() < ls[j].ID.String()
	})
	return ls
}

// Filter returns copies of the active listings matching pred, oldest first
func (s *Store) Filter(pred func(*models.Listing) bool) []*models.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Listing
	for _, l := range s.active {
		c := l.Clone()
		if pred == nil || pred(c) {
			out = append(out, c)
		}
	}
	return sortListings(out)
}

// Search matches query case-insensitively against each listing's
// precomputed search text. An empty query returns everything.
func (s *Store) Search(query string) []*models.Listing {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return s.All()
	}
	return s.Filter(func(l *models.Listing) bool {
		return strings.Contains(l.Attributes.SearchText, q)
	})
}

// All returns every active listing
func (s *Store) All() []*models.Listing {
	return s.Filter(nil)
}

// Auctions returns the active auctions
func (s *Store) Auctions() []*models.Listing {
	return s.Filter(func(l *models.Listing) bool { return l.IsAuction() })
}

// BySeller returns sellerID's active listings
func (s *Store) BySeller(sellerID string) []*models.Listing {
	return s.Filter(func(l *models.Listing) bool { return l.IsSeller(sellerID) })
}

// CountBySeller counts sellerID's active listings
func (s *Store) CountBySeller(sellerID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, l := range s.active {
		if l.IsSeller(sellerID) {
			n++
		}
	}
	return n
}

// Expired returns sellerID's expired listings
func (s *Store) Expired(sellerID string) []*models.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Listing
	for _, l := range s.expired {
		if l.IsSeller(sellerID) {
			out = append(out, l.Clone())
		}
	}
	return sortListings(out)
}

// endedAt lists the ids of active listings of the given kind that have ended at now
func (s *Store) endedAt(now time.Time, kind models.ListingKind) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []uuid.UUID
	for id, l := range s.active {
		if l.Kind == kind && l.IsExpiredAt(now) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the sizes of the active and expired sets
func (s *Store) Len() (active, expired int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active), len(s.expired)
}

// load replaces both sets without persisting anything
func (s *Store) load(active, expired []*models.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = make(map[uuid.UUID]*models.Listing, len(active))
	s.expired = make(map[uuid.UUID]*models.Listing, len(expired))
	for _, l := range active {
		s.active[l.ID] = l
	}
	for _, l := range expired {
		if _, dup := s.active[l.ID]; dup {
			continue
		}
		s.expired[l.ID] = l
	}
}
