package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Benny93/tracematrix/internal/trace"
)

// MemoryBackend is an in-memory implementation of Backend for testing.
//
// Save failures can be injected with FailSaves to exercise rollback paths.
type MemoryBackend struct {
	mu       sync.RWMutex
	traces   map[trace.PairKey]storedTrace
	cards    map[string][]trace.Card
	saveErr  error
	saveHook func(pair trace.Pair) error
	saves    int
	indexed  bool
	readOnly bool
	now      func() time.Time
}

// NewMemoryBackend creates a new in-memory storage backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		traces:  make(map[trace.PairKey]storedTrace),
		cards:   make(map[string][]trace.Card),
		indexed: true,
		now:     time.Now,
	}
}

// Initialize implements Backend.
func (m *MemoryBackend) Initialize(path string, readOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexed = true
	m.readOnly = readOnly
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexed = false
	return nil
}

// FailSaves makes every subsequent save fail with err. Pass nil to recover.
func (m *MemoryBackend) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// SetSaveHook installs a function consulted before each save; a non-nil
// return fails that save.
func (m *MemoryBackend) SetSaveHook(hook func(pair trace.Pair) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveHook = hook
}

// SaveCount returns the number of successful saves.
func (m *MemoryBackend) SaveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// LoadRelations implements Backend.
func (m *MemoryBackend) LoadRelations(ctx context.Context, pair trace.Pair) (*TraceFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.indexed {
		return nil, &LoadError{What: "relations for " + pair.String(), Err: ErrNotInitialized}
	}

	key := pair.Key()
	stored, ok := m.traces[key]
	if !ok {
		return nil, nil
	}
	return &TraceFile{
		FileName:  FileNameFor(key),
		Header:    orientHeader(pair, stored.Header),
		Relations: fromCanonical(pair, trace.CloneAll(stored.Relations)),
	}, nil
}

// SaveRelations implements Backend.
func (m *MemoryBackend) SaveRelations(ctx context.Context, pair trace.Pair, header *Header, relations []trace.Relation) (SaveResult, error) {
	m.mu.RLock()
	hook := m.saveHook
	m.mu.RUnlock()
	if hook != nil {
		if err := hook(pair); err != nil {
			return SaveResult{}, &SaveError{Pair: pair, Err: err}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.indexed {
		return SaveResult{}, &SaveError{Pair: pair, Err: ErrNotInitialized}
	}
	if m.readOnly {
		return SaveResult{}, &SaveError{Pair: pair, Err: ErrReadOnly}
	}
	if m.saveErr != nil {
		return SaveResult{}, &SaveError{Pair: pair, Err: m.saveErr}
	}
	if err := ctx.Err(); err != nil {
		return SaveResult{}, &SaveError{Pair: pair, Err: err}
	}

	key := pair.Key()
	var previous *Header
	if stored, ok := m.traces[key]; ok {
		previous = &stored.Header
	}
	h := nextHeader(key, previous, header, m.now())
	m.traces[key] = storedTrace{
		Header:    h,
		Relations: trace.CloneAll(toCanonical(pair, relations)),
	}
	m.saves++

	return SaveResult{FileName: FileNameFor(key), Header: orientHeader(pair, h)}, nil
}

// ListPairs implements Backend.
func (m *MemoryBackend) ListPairs(ctx context.Context, fileName string) ([]trace.Pair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pairs []trace.Pair
	for key := range m.traces {
		p := key.Pair()
		if p.Involves(fileName) {
			pairs = append(pairs, p)
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key() < pairs[j].Key() })
	return pairs, nil
}

// LoadCards implements Backend.
func (m *MemoryBackend) LoadCards(ctx context.Context, fileName string) ([]trace.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cards, ok := m.cards[fileName]
	if !ok {
		return nil, nil
	}
	out := make([]trace.Card, len(cards))
	copy(out, cards)
	return out, nil
}

// SaveCards implements Backend.
func (m *MemoryBackend) SaveCards(ctx context.Context, fileName string, cards []trace.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.indexed {
		return ErrNotInitialized
	}
	if m.readOnly {
		return ErrReadOnly
	}
	stored := make([]trace.Card, len(cards))
	copy(stored, cards)
	m.cards[fileName] = stored
	return nil
}

// ListCardFiles implements Backend.
func (m *MemoryBackend) ListCardFiles(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.cards))
	for name := range m.cards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// IsIndexed returns true if the backend has been initialized.
func (m *MemoryBackend) IsIndexed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexed
}
