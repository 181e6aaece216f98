// Package segment defines the SegmentProducer contract consumed by
// Processor (spec.md §4.2). The shared-ring-buffer transport itself is an
// external collaborator; this package only specifies and tests the
// contract, plus two concrete producers: udpring (a real UDP-multicast
// backed implementation) and membuf (an in-memory test double).
package segment

import (
	"context"
	"errors"
	"time"

	"github.com/ska-telescope/pst-stat-go/internal/compute"
	"github.com/ska-telescope/pst-stat-go/internal/header"
)

// ErrEndOfData is returned by NextSegment when the upstream writer has
// closed the stream cleanly (spec.md §4.2: "size == 0 && block == null").
var ErrEndOfData = errors.New("segment: end of data")

// TimeoutError reports that an attach operation exceeded its deadline,
// spec.md §7 Timeout(operation).
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return "segment: " + e.Operation + " timed out after " + e.Timeout.String()
}

// Producer is the contract Processor and ApplicationManager consume
// (spec.md §4.2). Implementations must deliver segments strictly in
// write order, and every non-terminal segment's data/weights block sizes
// must be exact multiples of their respective per-heap resolutions.
type Producer interface {
	// Connect attaches to the upstream transport, failing with a
	// *TimeoutError if timeout elapses first.
	Connect(ctx context.Context, timeout time.Duration) error
	Open() error
	Close() error
	Disconnect() error

	// DataHeader and WeightsHeader return the in-band headers written by
	// the upstream producer. Valid only after Open.
	DataHeader() *header.Header
	WeightsHeader() *header.Header

	// NextSegment blocks until a full segment is available, the context
	// is cancelled, or the stream ends (ErrEndOfData).
	NextSegment(ctx context.Context) (compute.Segment, error)
}
