package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrInvalidKey = errors.New("invalid record key")
)

// Namespaces used by the market
const (
	NamespaceListings = "listings"
	NamespaceExpired  = "expired"
	NamespaceHistory  = "history"
	NamespaceTimeouts = "timeouts"
)

// Key addresses one durable document. Owner groups documents under a player
// (expired listings by seller); an empty ID names a namespace-wide document.
type Key struct {
	Namespace string
	Owner     string
	ID        string
}

func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Namespace)
	if k.Owner != "" {
		b.WriteByte('/')
		b.WriteString(k.Owner)
	}
	if k.ID != "" {
		b.WriteByte('/')
		b.WriteString(k.ID)
	}
	return b.String()
}

// Validate rejects keys that could escape their namespace on disk
func (k Key) Validate() error {
	if k.Namespace == "" {
		return fmt.Errorf("%w: empty namespace", ErrInvalidKey)
	}
	for _, part := range []string{k.Namespace, k.Owner, k.ID} {
		if strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
		}
	}
	if k.Owner != "" && k.ID == "" {
		return fmt.Errorf("%w: owner without id", ErrInvalidKey)
	}
	return nil
}

// Record is a stored document with its key
type Record struct {
	Key Key
	Doc []byte
}

// Backend is a durable key/document store
type Backend interface {
	Put(ctx context.Context, key Key, doc []byte) error
	Delete(ctx context.Context, key Key) error
	Get(ctx context.Context, key Key) ([]byte, error)
	List(ctx context.Context, namespace string) ([]Record, error)
}

// Queue accepts durable writes without waiting for them. Writer is the
// production implementation.
type Queue interface {
	Put(key Key, doc []byte)
	Delete(key Key)
}

// MemoryBackend keeps documents in a map. Fail, when set, is consulted before
// each write and its error returned instead of applying it.
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[Key][]byte
	Fail func(op string, key Key) error
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[Key][]byte)}
}

func (m *MemoryBackend) Put(ctx context.Context, key Key, doc []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if m.Fail != nil {
		if err := m.Fail("put", key); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = append([]byte(nil), doc...)
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key Key) error {
	if m.Fail != nil {
		if err := m.Fail("delete", key); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, key)
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, key Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

// List returns the namespace's records ordered by key
func (m *MemoryBackend) List(ctx context.Context, namespace string) ([]Record, error) {
	m.mu.RLock()
	var recs []Record
	for k, doc := range m.docs {
		if k.Namespace == namespace {
			recs = append(recs, Record{Key: k, Doc: append([]byte(nil), doc...)})
		}
	}
	m.mu.RUnlock()
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key.String() < recs[j].Key.String() })
	return recs, nil
}

// Len returns the number of stored documents
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}
