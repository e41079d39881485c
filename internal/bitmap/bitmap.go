// Package bitmap implements the roaring-bitmap wrapper and the keyed
// BitmapIndex collection described in spec §4.2 — the forward index that
// backs every layer, feature, and path-segment bitmap in the engine.
package bitmap

import (
	"bytes"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/synapsd/internal/xerrors"
)

// Type distinguishes a bitmap that participates in the tree/layer model
// ("static", default) from one maintained purely by query-time derivation
// ("dynamic", never persisted standalone).
type Type string

const (
	TypeStatic  Type = "static"
	TypeDynamic Type = "dynamic"
)

// DefaultRangeMin and DefaultRangeMax bound a Bitmap with no explicit range:
// the full 32-bit OID space.
const (
	DefaultRangeMin uint64 = 0
	DefaultRangeMax uint64 = 1 << 32
)

// Bitmap is a roaring.Bitmap with a key, a Type, and an allowed value range.
// Writes outside [RangeMin, RangeMax) are rejected.
type Bitmap struct {
	Key      string
	Typ      Type
	RangeMin uint64
	RangeMax uint64

	rb *roaring.Bitmap
}

// New creates an empty static bitmap over the default range.
func New(key string) *Bitmap {
	return &Bitmap{Key: key, Typ: TypeStatic, RangeMin: DefaultRangeMin, RangeMax: DefaultRangeMax, rb: roaring.New()}
}

// FromOIDs builds a standalone, unpersisted dynamic bitmap containing every
// oid in oids, used by callers (the query composer's "full universe" set,
// datetime-filter evaluation) that need one-off set algebra without a
// BitmapIndex entry to back it.
func FromOIDs(key string, oids []uint32) (*Bitmap, error) {
	b := NewRanged(key, TypeDynamic, DefaultRangeMin, DefaultRangeMax)
	if err := b.AddMany(oids...); err != nil {
		return nil, err
	}
	return b, nil
}

// NewRanged creates an empty bitmap restricted to [rangeMin, rangeMax).
func NewRanged(key string, typ Type, rangeMin, rangeMax uint64) *Bitmap {
	return &Bitmap{Key: key, Typ: typ, RangeMin: rangeMin, RangeMax: rangeMax, rb: roaring.New()}
}

func (b *Bitmap) inRange(v uint32) bool {
	return uint64(v) >= b.RangeMin && uint64(v) < b.RangeMax
}

// Add sets oid, failing with a validation error if oid falls outside the
// bitmap's allowed range.
func (b *Bitmap) Add(oid uint32) error {
	if !b.inRange(oid) {
		return xerrors.Validationf("oid %d outside range [%d,%d) for bitmap %q", oid, b.RangeMin, b.RangeMax, b.Key)
	}
	b.rb.Add(oid)
	return nil
}

// AddMany adds every oid, stopping at the first out-of-range value.
func (b *Bitmap) AddMany(oids ...uint32) error {
	for _, oid := range oids {
		if err := b.Add(oid); err != nil {
			return err
		}
	}
	return nil
}

// Remove clears oid. Removing an absent or out-of-range oid is a no-op.
func (b *Bitmap) Remove(oid uint32) {
	b.rb.Remove(oid)
}

// RemoveMany clears every oid.
func (b *Bitmap) RemoveMany(oids ...uint32) {
	for _, oid := range oids {
		b.rb.Remove(oid)
	}
}

// Contains reports whether oid is set.
func (b *Bitmap) Contains(oid uint32) bool { return b.rb.Contains(oid) }

// IsEmpty reports whether the bitmap has no members.
func (b *Bitmap) IsEmpty() bool { return b.rb.IsEmpty() }

// Cardinality is the number of members.
func (b *Bitmap) Cardinality() uint64 { return b.rb.GetCardinality() }

// ToArray returns every member in ascending order.
func (b *Bitmap) ToArray() []uint32 { return b.rb.ToArray() }

// Clone returns a deep, independent copy preserving Key/Typ/range.
func (b *Bitmap) Clone() *Bitmap {
	return &Bitmap{Key: b.Key, Typ: b.Typ, RangeMin: b.RangeMin, RangeMax: b.RangeMax, rb: b.rb.Clone()}
}

// And intersects other into b in place.
func (b *Bitmap) And(other *Bitmap) { b.rb.And(other.rb) }

// Or unions other into b in place.
func (b *Bitmap) Or(other *Bitmap) { b.rb.Or(other.rb) }

// Xor symmetric-differences other into b in place.
func (b *Bitmap) Xor(other *Bitmap) { b.rb.Xor(other.rb) }

// AndNot removes every member of other from b in place.
func (b *Bitmap) AndNot(other *Bitmap) { b.rb.AndNot(other.rb) }

// Serialize encodes the bitmap's roaring payload (not its metadata — the
// BitmapIndex persists Key/Typ/range separately).
func (b *Bitmap) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.rb.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("bitmap: serialize %q: %w", b.Key, err)
	}
	return buf.Bytes(), nil
}

// Deserialize replaces b's roaring payload from a Serialize-produced blob.
func (b *Bitmap) Deserialize(data []byte) error {
	rb := roaring.New()
	if _, err := rb.FromBuffer(data); err != nil {
		return fmt.Errorf("bitmap: deserialize %q: %w", b.Key, err)
	}
	b.rb = rb
	return nil
}

// FromSerialized builds a new Bitmap with the given metadata and payload.
func FromSerialized(key string, typ Type, rangeMin, rangeMax uint64, data []byte) (*Bitmap, error) {
	b := NewRanged(key, typ, rangeMin, rangeMax)
	if err := b.Deserialize(data); err != nil {
		return nil, err
	}
	return b, nil
}
