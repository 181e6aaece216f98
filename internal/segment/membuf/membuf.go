// Package membuf is an in-memory SegmentProducer backing unit and
// property tests: a pre-loaded queue of segments with no network I/O.
package membuf

import (
	"context"
	"sync"
	"time"

	"github.com/ska-telescope/pst-stat-go/internal/compute"
	"github.com/ska-telescope/pst-stat-go/internal/header"
	"github.com/ska-telescope/pst-stat-go/internal/segment"
)

// Producer is a segment.Producer backed by a fixed, pre-loaded queue.
type Producer struct {
	mu            sync.Mutex
	dataHdr       *header.Header
	weightsHdr    *header.Header
	queue         []compute.Segment
	pos           int
	connected     bool
	opened        bool
	connectErr    error
	connectDelay  time.Duration
}

// New constructs a Producer that will yield segs in order, then
// segment.ErrEndOfData.
func New(dataHdr, weightsHdr *header.Header, segs []compute.Segment) *Producer {
	return &Producer{dataHdr: dataHdr, weightsHdr: weightsHdr, queue: segs}
}

// FailConnect makes every later Connect call wait delay and then fail
// with *segment.TimeoutError if delay is at least Connect's timeout, else
// with err (if non-nil), for exercising spec.md §7 Timeout handling.
func (p *Producer) FailConnect(err error, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
	p.connectDelay = delay
}

func (p *Producer) Connect(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	delay, err := p.connectDelay, p.connectErr
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &segment.TimeoutError{Operation: "connect", Timeout: timeout}
		}
	}
	if delay >= timeout {
		return &segment.TimeoutError{Operation: "connect", Timeout: timeout}
	}
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return nil
}

func (p *Producer) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = true
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = false
	return nil
}

func (p *Producer) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *Producer) DataHeader() *header.Header    { return p.dataHdr }
func (p *Producer) WeightsHeader() *header.Header { return p.weightsHdr }

// NextSegment returns the next queued segment, or segment.ErrEndOfData
// once exhausted.
func (p *Producer) NextSegment(ctx context.Context) (compute.Segment, error) {
	select {
	case <-ctx.Done():
		return compute.Segment{}, ctx.Err()
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos >= len(p.queue) {
		return compute.Segment{}, segment.ErrEndOfData
	}
	seg := p.queue[p.pos]
	p.pos++
	return seg, nil
}

// Remaining reports how many segments have not yet been returned.
func (p *Producer) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) - p.pos
}

var _ segment.Producer = (*Producer)(nil)
