package header

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetVal(t *testing.T) {
	h := New()
	h.Set("NCHAN", "128")
	v, err := h.GetVal("NCHAN")
	require.NoError(t, err)
	assert.Equal(t, "128", v)
}

func TestGetValMissing(t *testing.T) {
	h := New()
	_, err := h.GetVal("NCHAN")
	require.Error(t, err)
	var mfe *MissingFieldError
	assert.ErrorAs(t, err, &mfe)
	assert.Equal(t, "NCHAN", mfe.Key)
}

func TestTypedAccessors(t *testing.T) {
	h := New()
	h.Set("NCHAN", "128")
	h.Set("TSAMP", "1.08")
	h.Set("BAD", "not-a-number")

	n, err := h.GetUint32("NCHAN")
	require.NoError(t, err)
	assert.EqualValues(t, 128, n)

	n64, err := h.GetUint64("NCHAN")
	require.NoError(t, err)
	assert.EqualValues(t, 128, n64)

	f, err := h.GetDouble("TSAMP")
	require.NoError(t, err)
	assert.InDelta(t, 1.08, f, 1e-9)

	_, err = h.GetUint32("BAD")
	require.Error(t, err)
	var pe *ParseErrorT
	assert.ErrorAs(t, err, &pe)
}

func TestRawRoundTrip(t *testing.T) {
	h := New()
	h.Set("A", "1")
	h.Set("B", "2")
	raw := h.Raw()

	h2 := ParseRaw(raw)
	assert.Equal(t, []string{"A", "B"}, h2.Keys())
	v, _ := h2.GetVal("B")
	assert.Equal(t, "2", v)
}

func TestResetClearsAll(t *testing.T) {
	h := New()
	h.Set("A", "1")
	h.Reset()
	assert.False(t, h.Has("A"))
	assert.Empty(t, h.Keys())
}

func TestCloneOverwritesOnlyPresentKeys(t *testing.T) {
	dst := New()
	dst.Set("A", "1")
	dst.Set("B", "2")

	src := New()
	src.Set("A", "100")
	src.Set("C", "300") // not present in dst, must not be added

	dst.Clone(src)

	a, _ := dst.GetVal("A")
	b, _ := dst.GetVal("B")
	assert.Equal(t, "100", a)
	assert.Equal(t, "2", b)
	assert.False(t, dst.Has("C"))
}

func TestAppendHeaderAddsMissingPrefersLocal(t *testing.T) {
	dst := New()
	dst.Set("A", "local")

	src := New()
	src.Set("A", "remote")
	src.Set("B", "remote-only")

	dst.AppendHeader(src)

	a, _ := dst.GetVal("A")
	b, _ := dst.GetVal("B")
	assert.Equal(t, "local", a, "append must prefer the local value")
	assert.Equal(t, "remote-only", b)
}

func TestKeysPreserveInsertionOrder(t *testing.T) {
	h := New()
	h.Set("Z", "1")
	h.Set("A", "2")
	h.Set("M", "3")
	assert.Equal(t, []string{"Z", "A", "M"}, h.Keys())
}
