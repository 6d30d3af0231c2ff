package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Benny93/tracematrix/internal/trace"
)

// Key prefixes for different data types
const (
	prefixTrace = "t:" // trace file keyed by canonical pair key
	prefixCards = "c:" // card snapshot keyed by file name
	prefixPair  = "p:" // file -> pair key index
)

// BadgerBackend is a BadgerDB-backed storage implementation.
type BadgerBackend struct {
	db          *badger.DB
	initialized bool
	readOnly    bool
	mu          sync.RWMutex
	now         func() time.Time
}

// NewBadgerBackend creates a new BadgerDB backend.
func NewBadgerBackend() *BadgerBackend {
	return &BadgerBackend{now: time.Now}
}

// Initialize opens or creates the BadgerDB database at the given path.
func (b *BadgerBackend) Initialize(path string, readOnly bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	opts := badger.DefaultOptions(path).
		WithNumCompactors(2).
		WithNumMemtables(5).
		WithLoggingLevel(badger.ERROR)

	if readOnly {
		opts = opts.WithReadOnly(true)
	}

	var err error
	b.db, err = badger.Open(opts)
	if err != nil {
		return fmt.Errorf("opening badger DB: %w", err)
	}

	b.initialized = true
	b.readOnly = readOnly
	return nil
}

// Close releases all resources held by the backend.
func (b *BadgerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}

	err := b.db.Close()
	b.db = nil
	b.initialized = false
	return err
}

// LoadRelations implements Backend.
func (b *BadgerBackend) LoadRelations(ctx context.Context, pair trace.Pair) (*TraceFile, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	what := "relations for " + pair.String()
	if !b.initialized {
		return nil, &LoadError{What: what, Err: ErrNotInitialized}
	}
	if err := ctx.Err(); err != nil {
		return nil, &LoadError{What: what, Err: err}
	}

	key := pair.Key()
	var stored *storedTrace
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		stored, err = getTrace(txn, key)
		return err
	})
	if err != nil {
		return nil, &LoadError{What: what, Err: err}
	}
	if stored == nil {
		return nil, nil
	}

	return &TraceFile{
		FileName:  FileNameFor(key),
		Header:    orientHeader(pair, stored.Header),
		Relations: fromCanonical(pair, stored.Relations),
	}, nil
}

// SaveRelations implements Backend. The trace file and both index entries are
// written in a single transaction.
func (b *BadgerBackend) SaveRelations(ctx context.Context, pair trace.Pair, header *Header, relations []trace.Relation) (SaveResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return SaveResult{}, &SaveError{Pair: pair, Err: ErrNotInitialized}
	}
	if b.readOnly {
		return SaveResult{}, &SaveError{Pair: pair, Err: ErrReadOnly}
	}
	if err := ctx.Err(); err != nil {
		return SaveResult{}, &SaveError{Pair: pair, Err: err}
	}

	key := pair.Key()
	var written Header
	err := b.db.Update(func(txn *badger.Txn) error {
		previous, err := getTrace(txn, key)
		if err != nil {
			return err
		}
		var prevHeader *Header
		if previous != nil {
			prevHeader = &previous.Header
		}

		written = nextHeader(key, prevHeader, header, b.now())
		data, err := json.Marshal(storedTrace{
			Header:    written,
			Relations: toCanonical(pair, relations),
		})
		if err != nil {
			return fmt.Errorf("marshaling trace file: %w", err)
		}
		if err := txn.Set(traceKey(key), data); err != nil {
			return err
		}

		a, c := key.Files()
		if err := txn.Set(pairIndexKey(a, key), nil); err != nil {
			return err
		}
		return txn.Set(pairIndexKey(c, key), nil)
	})
	if err != nil {
		return SaveResult{}, &SaveError{Pair: pair, Err: err}
	}

	return SaveResult{FileName: FileNameFor(key), Header: orientHeader(pair, written)}, nil
}

// ListPairs implements Backend.
func (b *BadgerBackend) ListPairs(ctx context.Context, fileName string) ([]trace.Pair, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, &LoadError{What: "pairs for " + fileName, Err: ErrNotInitialized}
	}

	prefix := []byte(prefixPair + fileName + "\x00")
	var pairs []trace.Pair
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			k := string(it.Item().Key())
			pairs = append(pairs, trace.PairKey(strings.TrimPrefix(k, string(prefix))).Pair())
		}
		return nil
	})
	if err != nil {
		return nil, &LoadError{What: "pairs for " + fileName, Err: err}
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key() < pairs[j].Key() })
	return pairs, nil
}

// LoadCards implements Backend.
func (b *BadgerBackend) LoadCards(ctx context.Context, fileName string) ([]trace.Card, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, &LoadError{What: "cards of " + fileName, Err: ErrNotInitialized}
	}

	var cards []trace.Card
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixCards + fileName))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cards)
		})
	})
	if err != nil {
		return nil, &LoadError{What: "cards of " + fileName, Err: err}
	}
	return cards, nil
}

// SaveCards implements Backend.
func (b *BadgerBackend) SaveCards(ctx context.Context, fileName string, cards []trace.Card) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return ErrNotInitialized
	}
	if b.readOnly {
		return ErrReadOnly
	}

	data, err := json.Marshal(cards)
	if err != nil {
		return fmt.Errorf("marshaling cards: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixCards+fileName), data)
	})
}

// ListCardFiles implements Backend.
func (b *BadgerBackend) ListCardFiles(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, &LoadError{What: "card files", Err: ErrNotInitialized}
	}

	var names []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixCards)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), prefixCards))
		}
		return nil
	})
	if err != nil {
		return nil, &LoadError{What: "card files", Err: err}
	}
	sort.Strings(names)
	return names, nil
}

// Stats returns the number of stored trace files and card snapshots.
func (b *BadgerBackend) Stats() (traces, cardFiles int, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return 0, 0, ErrNotInitialized
	}

	err = b.db.View(func(txn *badger.Txn) error {
		traces = countPrefix(txn, prefixTrace)
		cardFiles = countPrefix(txn, prefixCards)
		return nil
	})
	return traces, cardFiles, err
}

func countPrefix(txn *badger.Txn, prefix string) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

func getTrace(txn *badger.Txn, key trace.PairKey) (*storedTrace, error) {
	item, err := txn.Get(traceKey(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var stored storedTrace
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &stored)
	}); err != nil {
		return nil, fmt.Errorf("decoding trace file: %w", err)
	}
	return &stored, nil
}

func traceKey(key trace.PairKey) []byte {
	return []byte(prefixTrace + string(key))
}

func pairIndexKey(fileName string, key trace.PairKey) []byte {
	return []byte(prefixPair + fileName + "\x00" + string(key))
}
