// Package cache holds the process-wide relation cache shared by views.
//
// Entries are keyed by canonical pair key and store the collection in
// canonical orientation, so two views of the same pair in opposite
// orientations share one entry. Each entry has its own lock; readers and
// writers of one pair never block another pair.
package cache

import (
	"sync"

	"github.com/Benny93/tracematrix/internal/storage"
	"github.com/Benny93/tracematrix/internal/trace"
)

// Entry is a cached collection with the header of the save or load that
// produced it.
type Entry struct {
	Relations []trace.Relation
	Header    storage.Header
}

type slot struct {
	mu    sync.RWMutex
	entry *Entry
}

// Relations is the relation cache. The zero value is not usable; call New.
type Relations struct {
	slots sync.Map // trace.PairKey -> *slot
}

// New creates an empty cache.
func New() *Relations {
	return &Relations{}
}

func (c *Relations) slot(key trace.PairKey) *slot {
	s, _ := c.slots.LoadOrStore(key, &slot{})
	return s.(*slot)
}

// Get returns the cached entry for pair, oriented as requested.
func (c *Relations) Get(pair trace.Pair) (Entry, bool) {
	s, ok := c.slots.Load(pair.Key())
	if !ok {
		return Entry{}, false
	}
	sl := s.(*slot)
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	if sl.entry == nil {
		return Entry{}, false
	}
	return orient(pair, *sl.entry), true
}

// Put stores a collection given in the orientation of pair.
func (c *Relations) Put(pair trace.Pair, relations []trace.Relation, header storage.Header) {
	sl := c.slot(pair.Key())
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.entry = &Entry{Relations: canonical(pair, relations), Header: canonicalHeader(pair, header)}
}

// Update runs fn under the entry lock with the current entry (oriented as
// pair, zero when absent) and stores what it returns.
func (c *Relations) Update(pair trace.Pair, fn func(current Entry, ok bool) Entry) Entry {
	sl := c.slot(pair.Key())
	sl.mu.Lock()
	defer sl.mu.Unlock()

	var current Entry
	ok := sl.entry != nil
	if ok {
		current = orient(pair, *sl.entry)
	}
	next := fn(current, ok)
	sl.entry = &Entry{Relations: canonical(pair, next.Relations), Header: canonicalHeader(pair, next.Header)}
	return next
}

// Invalidate drops the entry for pair.
func (c *Relations) Invalidate(pair trace.Pair) {
	c.slots.Delete(pair.Key())
}

// Len returns the number of populated entries.
func (c *Relations) Len() int {
	n := 0
	c.slots.Range(func(_, v any) bool {
		sl := v.(*slot)
		sl.mu.RLock()
		if sl.entry != nil {
			n++
		}
		sl.mu.RUnlock()
		return true
	})
	return n
}

// Reset drops every entry.
func (c *Relations) Reset() {
	c.slots.Range(func(k, _ any) bool {
		c.slots.Delete(k)
		return true
	})
}

func orient(pair trace.Pair, e Entry) Entry {
	e.Relations = trace.CloneAll(e.Relations)
	if !pair.Canonical() {
		e.Relations = trace.Transpose(e.Relations)
	}
	e.Header.Left, e.Header.Right = pair.Left, pair.Right
	return e
}

func canonical(pair trace.Pair, relations []trace.Relation) []trace.Relation {
	relations = trace.CloneAll(relations)
	if !pair.Canonical() {
		return trace.Transpose(relations)
	}
	return relations
}

func canonicalHeader(pair trace.Pair, h storage.Header) storage.Header {
	p := pair.Key().Pair()
	h.Left, h.Right = p.Left, p.Right
	return h
}
