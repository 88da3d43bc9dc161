package store

import (
	"context"
	"sort"
	"sync"

	"github.com/forgeline/foreman/internal/errors"
)

// MemoryStore keeps checkpoint chains in process memory. It backs tests
// and dry runs; durability is the file and postgres stores' job.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]*Checkpoint
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]*Checkpoint)}
}

// Append durably (for this backend: atomically) writes a new checkpoint
func (m *MemoryStore) Append(_ context.Context, rec Record) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.chains[rec.ThreadID]
	var latestID string
	if len(chain) > 0 {
		latestID = chain[len(chain)-1].ID
	}
	if rec.ParentID != latestID {
		return nil, errors.NewStaleParentError(rec.ThreadID, rec.ParentID)
	}

	cp := newCheckpoint(rec)
	m.chains[rec.ThreadID] = append(chain, cp)
	return cp, nil
}

// LoadLatest returns the newest checkpoint of a thread
func (m *MemoryStore) LoadLatest(_ context.Context, threadID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.chains[threadID]
	if len(chain) == 0 {
		return nil, errors.NewThreadNotFoundError(threadID)
	}
	cp := chain[len(chain)-1]
	if err := Verify(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// LoadChain returns an iterator over the thread's chain in causal order
func (m *MemoryStore) LoadChain(_ context.Context, threadID string) (ChainIterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.chains[threadID]
	if len(chain) == 0 {
		return nil, errors.NewThreadNotFoundError(threadID)
	}
	// Copy the slice so the iterator survives later appends.
	cps := make([]*Checkpoint, len(chain))
	copy(cps, chain)
	return &sliceIterator{cps: cps}, nil
}

// Threads lists every thread id with at least one checkpoint
func (m *MemoryStore) Threads(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.chains))
	for id := range m.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type sliceIterator struct {
	cps []*Checkpoint
	pos int
}

func (it *sliceIterator) Next() (*Checkpoint, error) {
	if it.pos >= len(it.cps) {
		return nil, nil
	}
	cp := it.cps[it.pos]
	it.pos++
	if err := Verify(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func (it *sliceIterator) Close() error { return nil }
