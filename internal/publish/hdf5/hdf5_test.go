package hdf5

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ska-telescope/pst-stat-go/internal/storage"
)

type fakeWriter struct {
	calls  int
	lastPath string
	lastHdr  HeaderRecord
	err    error
}

func (f *fakeWriter) Write(path string, hdr HeaderRecord, store *storage.Storage) error {
	f.calls++
	f.lastPath = path
	f.lastHdr = hdr
	return f.err
}

func testStore() *storage.Storage {
	s := storage.New(2, 16, 4, []float64{100, 200}, []bool{false, true})
	if err := s.Resize(4, 2); err != nil {
		panic(err)
	}
	return s
}

func TestPublishWritesAtComputedPath(t *testing.T) {
	fw := &fakeWriter{}
	calls := 0
	p := New(fw, func() (string, error) {
		calls++
		return "/tmp/out.h5", nil
	}, func() HeaderRecord {
		return HeaderRecord{EbID: "eb-1", Nchan: 2}
	}, false)

	require.NoError(t, p.Publish(testStore()))
	assert.Equal(t, 1, fw.calls)
	assert.Equal(t, "/tmp/out.h5", fw.lastPath)
	assert.Equal(t, "eb-1", fw.lastHdr.EbID)
	assert.Equal(t, 1, calls)
}

func TestPublishPropagatesPathError(t *testing.T) {
	fw := &fakeWriter{}
	wantErr := errors.New("no FILE_NUMBER configured")
	p := New(fw, func() (string, error) { return "", wantErr }, func() HeaderRecord { return HeaderRecord{} }, false)

	err := p.Publish(testStore())
	assert.ErrorIs(t, err, wantErr)
	assert.Zero(t, fw.calls)
}

func TestPublishPropagatesWriterError(t *testing.T) {
	wantErr := &IoError{Path: "/tmp/out.h5", Cause: errors.New("disk full")}
	fw := &fakeWriter{err: wantErr}
	p := New(fw, func() (string, error) { return "/tmp/out.h5", nil }, func() HeaderRecord { return HeaderRecord{} }, false)

	err := p.Publish(testStore())
	var ioErr *IoError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "/tmp/out.h5", ioErr.Path)
}

func TestTMinFromPicoseconds(t *testing.T) {
	// 1e12 picoseconds == 1 second: 1e12 * 1e-6 / 1e6 == 1.
	assert.InDelta(t, 1.0, TMinFromPicoseconds(1_000_000_000_000), 1e-9)
}
