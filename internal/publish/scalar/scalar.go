// Package scalar implements ScalarPublisher: a thread-safe snapshot of
// the scalar statistics subset, readable concurrently by a monitoring
// client while the scan thread keeps publishing (spec.md §4.5).
package scalar

import (
	"sync"

	"github.com/ska-telescope/pst-stat-go/internal/storage"
)

// Snapshot is the scalar subset cached by Publisher, one flat [pol][dim]
// slice per field (spec.md §4.5).
type Snapshot struct {
	MeanFrequencyAvg           []float32
	MeanFrequencyAvgMasked     []float32
	VarianceFrequencyAvg       []float32
	VarianceFrequencyAvgMasked []float32
	NumClippedSamples          []uint32
	NumClippedSamplesMasked    []uint32
}

// Publisher holds the latest Snapshot behind a reader/writer lock: publish
// is the sole writer, get is the sole reader, and spec.md §8 property 7
// requires every concurrent get() to observe a complete publish(n) or
// publish(n-1), never a torn mix. Using a single lock that Publish holds
// for its entire write and Get holds for its entire read achieves this
// directly.
type Publisher struct {
	mu   sync.RWMutex
	snap Snapshot
	set  bool
}

// New returns an empty Publisher; Get returns a zero Snapshot until the
// first Publish.
func New() *Publisher {
	return &Publisher{}
}

// Publish atomically replaces the cached subset from store (spec.md §4.3
// step 6, §4.5 "publish(storage)").
func (p *Publisher) Publish(store *storage.Storage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = Snapshot{
		MeanFrequencyAvg:           cloneF32(store.MeanFrequencyAvg),
		MeanFrequencyAvgMasked:     cloneF32(store.MeanFrequencyAvgMasked),
		VarianceFrequencyAvg:       cloneF32(store.VarianceFrequencyAvg),
		VarianceFrequencyAvgMasked: cloneF32(store.VarianceFrequencyAvgMasked),
		NumClippedSamples:          cloneU32(store.NumClippedSamples),
		NumClippedSamplesMasked:    cloneU32(store.NumClippedSamples),
	}
	p.set = true
	return nil
}

// Get returns a deep copy of the cached subset under a shared read lock
// (spec.md §4.5 "get() returns a deep copy under a shared read lock").
func (p *Publisher) Get() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		MeanFrequencyAvg:           cloneF32(p.snap.MeanFrequencyAvg),
		MeanFrequencyAvgMasked:     cloneF32(p.snap.MeanFrequencyAvgMasked),
		VarianceFrequencyAvg:       cloneF32(p.snap.VarianceFrequencyAvg),
		VarianceFrequencyAvgMasked: cloneF32(p.snap.VarianceFrequencyAvgMasked),
		NumClippedSamples:          cloneU32(p.snap.NumClippedSamples),
		NumClippedSamplesMasked:    cloneU32(p.snap.NumClippedSamplesMasked),
	}
}

// Reset clears the cached subset to empty (spec.md §4.5 "reset()").
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = Snapshot{}
	p.set = false
}

// HasData reports whether Publish has been called since the last Reset.
func (p *Publisher) HasData() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.set
}

func cloneF32(s []float32) []float32 {
	if s == nil {
		return nil
	}
	out := make([]float32, len(s))
	copy(out, s)
	return out
}

func cloneU32(s []uint32) []uint32 {
	if s == nil {
		return nil
	}
	out := make([]uint32, len(s))
	copy(out, s)
	return out
}
