package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitmap_RangeValidation(t *testing.T) {
	b := NewRanged("internal/x", TypeStatic, 0, 100000)
	require.NoError(t, b.Add(42))
	err := b.Add(100000)
	require.Error(t, err)
}

func TestFromOIDs(t *testing.T) {
	b, err := FromOIDs("universe", []uint32{3, 1, 2})
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2, 3}, b.ToArray())
	require.Equal(t, TypeDynamic, b.Typ)
}

func TestBitmap_SerializeRoundTrip(t *testing.T) {
	b := New("work")
	require.NoError(t, b.AddMany(1, 2, 3, 100001))

	data, err := b.Serialize()
	require.NoError(t, err)

	out, err := FromSerialized("work", TypeStatic, DefaultRangeMin, DefaultRangeMax, data)
	require.NoError(t, err)
	require.Equal(t, b.ToArray(), out.ToArray())
}

func TestBitmap_SetAlgebra(t *testing.T) {
	a := New("a")
	require.NoError(t, a.AddMany(1, 2, 3))
	b := New("b")
	require.NoError(t, b.AddMany(2, 3, 4))

	and := a.Clone()
	and.And(b)
	require.Equal(t, []uint32{2, 3}, and.ToArray())

	or := a.Clone()
	or.Or(b)
	require.Equal(t, []uint32{1, 2, 3, 4}, or.ToArray())

	xor := a.Clone()
	xor.Xor(b)
	require.Equal(t, []uint32{1, 4}, xor.ToArray())
}
