package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"mockcode/internal/artifact"
	"mockcode/internal/fingerprint"
)

// Memoized layers an in-process LRU over a disk store so repeated
// lookups within one process skip the filesystem. Commits write
// through. Bundles are cloned at the boundary, so callers may mutate
// what they get back without poisoning the memo.
type Memoized struct {
	disk *Store
	mem  *lru.Cache[fingerprint.Fingerprint, *artifact.Bundle]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// MemoStats counts memo-layer hits and misses.
type MemoStats struct {
	Hits   uint64
	Misses uint64
}

// NewMemoized wraps disk with an LRU holding at most size bundles.
func NewMemoized(disk *Store, size int) (*Memoized, error) {
	mem, err := lru.New[fingerprint.Fingerprint, *artifact.Bundle](size)
	if err != nil {
		return nil, err
	}
	return &Memoized{disk: disk, mem: mem}, nil
}

// Lookup returns the bundle for fp from memory when present, falling
// back to the disk store and memoizing the result.
func (m *Memoized) Lookup(fp fingerprint.Fingerprint) (*artifact.Bundle, error) {
	if b, ok := m.mem.Get(fp); ok {
		m.hits.Add(1)
		return b.Clone(), nil
	}
	m.misses.Add(1)

	b, err := m.disk.Lookup(fp)
	if err != nil || b == nil {
		return b, err
	}
	m.mem.Add(fp, b.Clone())
	return b, nil
}

// Commit writes through to the disk store and memoizes the bundle on
// success.
func (m *Memoized) Commit(fp fingerprint.Fingerprint, b *artifact.Bundle, info CommitInfo) error {
	if err := m.disk.Commit(fp, b, info); err != nil {
		return err
	}
	m.mem.Add(fp, b.Clone())
	return nil
}

// Stats returns memo hit and miss counts.
func (m *Memoized) Stats() MemoStats {
	return MemoStats{Hits: m.hits.Load(), Misses: m.misses.Load()}
}
