package history

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/xtrntr/market/internal/models"
	"github.com/xtrntr/market/internal/storage"
)

// Ledger holds every player's transaction history in memory and mirrors each
// change to the write queue. Histories are loaded once at startup so reads
// never touch the backend.
type Ledger struct {
	mu      sync.RWMutex
	players map[string]*models.PlayerHistory
	queue   storage.Queue
	log     *log.Logger
}

// NewLedger creates an empty ledger
func NewLedger(queue storage.Queue, logger *log.Logger) *Ledger {
	if logger == nil {
		logger = log.Default()
	}
	return &Ledger{
		players: make(map[string]*models.PlayerHistory),
		queue:   queue,
		log:     logger,
	}
}

// Add records rec for playerID
func (l *Ledger) Add(playerID string, rec models.TransactionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addLocked(playerID, rec)
}

// AddPair records both sides of a trade under one lock so that no reader
// observes one record without the other
func (l *Ledger) AddPair(a string, recA models.TransactionRecord, b string, recB models.TransactionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addLocked(a, recA)
	l.addLocked(b, recB)
}

func (l *Ledger) addLocked(playerID string, rec models.TransactionRecord) {
	h, ok := l.players[playerID]
	if !ok {
		h = &models.PlayerHistory{PlayerID: playerID}
		l.players[playerID] = h
	}
	h.Add(rec)
	l.save(h)
}

// save must be called with mu held so queued documents follow mutation order
func (l *Ledger) save(h *models.PlayerHistory) {
	doc, err := storage.Encode(storage.RecordHistory, h)
	if err != nil {
		l.log.Printf("Failed to encode history for %s: %v", h.PlayerID, err)
		return
	}
	l.queue.Put(storage.Key{Namespace: storage.NamespaceHistory, ID: h.PlayerID}, doc)
}

// Get returns playerID's transactions, newest first
func (l *Ledger) Get(playerID string) []models.TransactionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.players[playerID]
	if !ok {
		return nil
	}
	return h.Clone().Transactions
}

// Load replaces the in-memory state with what the backend holds. Corrupt
// documents are logged and skipped.
func (l *Ledger) Load(ctx context.Context, backend storage.Backend) error {
	recs, err := backend.List(ctx, storage.NamespaceHistory)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	players := make(map[string]*models.PlayerHistory, len(recs))
	for _, rec := range recs {
		var h models.PlayerHistory
		if err := storage.Decode(rec.Doc, storage.RecordHistory, &h); err != nil {
			l.log.Printf("Skipping history %s: %v", rec.Key, err)
			continue
		}
		if h.PlayerID == "" {
			h.PlayerID = rec.Key.ID
		}
		if len(h.Transactions) > models.MaxHistory {
			h.Transactions = h.Transactions[:models.MaxHistory]
		}
		players[h.PlayerID] = &h
	}

	l.mu.Lock()
	l.players = players
	l.mu.Unlock()
	l.log.Printf("Loaded history for %d players", len(players))
	return nil
}
