// Package processor binds Storage, Computer and the registered publishers
// and drives the handling of one segment (spec.md §4.3).
package processor

import (
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/ska-telescope/pst-stat-go/internal/compute"
	"github.com/ska-telescope/pst-stat-go/internal/statcfg"
	"github.com/ska-telescope/pst-stat-go/internal/storage"
)

// ShapeError reports a segment that cannot be processed: a non-null but
// empty block, or a heap-count mismatch between the data and weights
// blocks (spec.md §4.3 step 1, §7).
type ShapeError struct {
	Reason string
}

func (e *ShapeError) Error() string { return fmt.Sprintf("processor: shape error: %s", e.Reason) }

// Publisher is the capability every registered sink implements (spec.md
// §4.3 step 6).
type Publisher interface {
	Publish(store *storage.Storage) error
}

// Processor binds one stream's Storage, Computer and Publishers, and
// drives process(segment) for each segment handed to it by the scan
// thread.
type Processor struct {
	cfg        *statcfg.StreamConfig
	store      *storage.Storage
	computer   *compute.Computer
	publishers []Publisher

	reqTimeBins int
	reqFreqBins int
}

// New constructs a Processor bound to cfg, store and computer, requesting
// reqTimeBins/reqFreqBins as the nominal (pre-calc_bins) grid resolution.
func New(cfg *statcfg.StreamConfig, store *storage.Storage, computer *compute.Computer, reqTimeBins, reqFreqBins int) *Processor {
	return &Processor{cfg: cfg, store: store, computer: computer, reqTimeBins: reqTimeBins, reqFreqBins: reqFreqBins}
}

// Register adds a publisher invoked (in registration order) after every
// completed process() call.
func (p *Processor) Register(pub Publisher) {
	p.publishers = append(p.publishers, pub)
}

// Interrupt forwards to the bound Computer, causing the in-flight (or
// next) compute to terminate at the next heap boundary.
func (p *Processor) Interrupt() {
	p.computer.Interrupt()
}

// calcBins returns the largest divisor of n that is <= n/floor(n/r),
// walking down from that ceiling until a factor of n is found. Falls
// back to n itself (spec.md §4.3 step 3).
func calcBins(n, r int) int {
	if n <= 0 {
		return n
	}
	if r <= 0 {
		return n
	}
	q := n / r
	if q == 0 {
		return n
	}
	ceiling := n / q
	for b := ceiling; b >= 1; b-- {
		if n%b == 0 {
			return b
		}
	}
	return n
}

// process validates seg, resizes/resets storage, runs the Computer and
// invokes every publisher if the computation completed. It returns
// (segmentID, complete, error); complete mirrors Computer.Compute's
// result (false on interrupt or an empty segment) and never triggers
// publish.
func (p *Processor) process(seg *compute.Segment) (uuid.UUID, bool, error) {
	id := uuid.New()

	dataResolution := p.cfg.HeapResolution
	weightsResolution := compute.WeightsRecordSize(p.cfg)

	if len(seg.Data.Data) == 0 || len(seg.Weights.Data) == 0 {
		return id, false, &ShapeError{Reason: "data or weights block is empty"}
	}

	numDataHeaps := len(seg.Data.Data) / dataResolution
	truncatedData := seg.Data.Data
	if rem := len(seg.Data.Data) % dataResolution; rem != 0 {
		log.Printf("processor: data block size %d is not a multiple of heap resolution %d, truncating %d trailing bytes", len(seg.Data.Data), dataResolution, rem)
		truncatedData = seg.Data.Data[:numDataHeaps*dataResolution]
	}

	numWeightsHeaps := len(seg.Weights.Data) / weightsResolution
	truncatedWeights := seg.Weights.Data
	if rem := len(seg.Weights.Data) % weightsResolution; rem != 0 {
		log.Printf("processor: weights block size %d is not a multiple of weights record size %d, truncating %d trailing bytes", len(seg.Weights.Data), weightsResolution, rem)
		truncatedWeights = seg.Weights.Data[:numWeightsHeaps*weightsResolution]
	}

	if numDataHeaps != numWeightsHeaps {
		return id, false, &ShapeError{Reason: fmt.Sprintf("data block has %d heaps but weights block has %d", numDataHeaps, numWeightsHeaps)}
	}

	aligned := compute.Segment{
		Data:    compute.Block{Data: truncatedData},
		Weights: compute.Block{Data: truncatedWeights},
	}

	nsampBlock := compute.NsampBlock(p.cfg, numDataHeaps)
	ntimeBins := calcBins(nsampBlock, p.reqTimeBins)
	nfreqBins := calcBins(p.cfg.Nchan, p.reqFreqBins)

	if err := p.store.Resize(ntimeBins, nfreqBins); err != nil {
		return id, false, err
	}
	if err := p.store.Reset(); err != nil {
		return id, false, err
	}
	p.computer.Initialise(p.cfg, p.store)

	result, err := p.computer.Compute(&aligned)
	if err != nil {
		return id, false, err
	}
	if !result.Complete {
		return id, false, nil
	}

	for _, pub := range p.publishers {
		if err := pub.Publish(p.store); err != nil {
			return id, true, err
		}
	}
	return id, true, nil
}

// Process is the exported entry point for the scan thread.
func (p *Processor) Process(seg *compute.Segment) (uuid.UUID, bool, error) {
	return p.process(seg)
}
