package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/market/internal/models"
	"github.com/xtrntr/market/internal/storage"
)

func newTestLedger(t *testing.T) (*Ledger, *storage.MemoryBackend, *storage.Writer) {
	t.Helper()
	mem := storage.NewMemoryBackend()
	w := storage.NewWriter(mem, storage.WriterConfig{Shards: 2})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.Close(ctx)
	})
	return NewLedger(w, nil), mem, w
}

func record(n int) models.TransactionRecord {
	return models.TransactionRecord{
		Type:      models.TxSale,
		ItemName:  fmt.Sprintf("item-%d", n),
		Price:     decimal.NewFromInt(int64(n)),
		Timestamp: time.Date(2024, 1, 1, 0, 0, n, 0, time.UTC),
	}
}

func txCount(h *models.PlayerHistory) int {
	if h == nil {
		return 0
	}
	return len(h.Transactions)
}

func TestLedger_Bound(t *testing.T) {
	l, _, _ := newTestLedger(t)
	for i := 1; i <= 105; i++ {
		l.Add("p1", record(i))
	}

	got := l.Get("p1")
	require.Len(t, got, models.MaxHistory)
	assert.Equal(t, "item-105", got[0].ItemName)
	assert.Equal(t, "item-6", got[len(got)-1].ItemName)
	assert.Nil(t, l.Get("nobody"))
}

func TestLedger_AddPairVisibleTogether(t *testing.T) {
	l, _, _ := newTestLedger(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			l.mu.RLock()
			a, b := txCount(l.players["buyer"]), txCount(l.players["seller"])
			l.mu.RUnlock()
			assert.Equal(t, a, b)
		}
	}()

	for i := 0; i < 50; i++ {
		l.AddPair("buyer", record(i), "seller", record(i))
	}
	close(stop)
	wg.Wait()
	assert.Len(t, l.Get("buyer"), 50)
	assert.Len(t, l.Get("seller"), 50)
}

func TestLedger_PersistAndLoad(t *testing.T) {
	l, mem, w := newTestLedger(t)
	for i := 1; i <= 3; i++ {
		l.Add("p1", record(i))
	}
	l.Add("p2", record(9))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Flush(ctx))

	require.NoError(t, mem.Put(ctx, storage.Key{Namespace: storage.NamespaceHistory, ID: "corrupt"}, []byte(`not json`)))

	loaded := NewLedger(w, nil)
	require.NoError(t, loaded.Load(ctx, mem))

	got := loaded.Get("p1")
	require.Len(t, got, 3)
	assert.Equal(t, "item-3", got[0].ItemName)
	assert.True(t, got[0].Price.Equal(decimal.NewFromInt(3)))
	assert.Len(t, loaded.Get("p2"), 1)
	assert.Nil(t, loaded.Get("corrupt"))
}
