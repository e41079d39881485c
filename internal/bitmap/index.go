package bitmap

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/agentic-research/synapsd/internal/kv"
	"golang.org/x/sync/errgroup"
)

const headerLen = 17 // 1 byte type + 8 bytes rangeMin + 8 bytes rangeMax

// Index is the keyed collection of bitmaps described in spec §4.2: get/
// create/rename/delete, tick/untick (single and batched), AND/OR/XOR set
// algebra, and a write-through LRU cache in front of the KV dataset.
type Index struct {
	ds    *kv.Dataset
	cache *lru.Cache[string, *Bitmap]
	log   *log.Logger

	// keyMu serializes read-modify-write sequences per key so that two
	// concurrent Tick calls on the same key never race on load-then-save.
	keyMu sync.Map // key (string) -> *sync.Mutex

	hits   atomic.Uint64
	misses atomic.Uint64
}

// CacheStats reports the write-through LRU cache's hit/miss counts since
// the Index was opened, surfaced through the root package's Index.Stats.
type CacheStats struct {
	Hits   uint64
	Misses uint64
}

// Stats returns the current cache hit/miss counters.
func (idx *Index) Stats() CacheStats {
	return CacheStats{Hits: idx.hits.Load(), Misses: idx.misses.Load()}
}

// NewIndex builds an Index over ds with an LRU cache holding up to
// cacheSize bitmaps. A non-positive cacheSize defaults to 4096.
func NewIndex(ds *kv.Dataset, cacheSize int, logger *log.Logger) (*Index, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	c, err := lru.New[string, *Bitmap](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("bitmap: build cache: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "synapsd/bitmap: ", log.LstdFlags)
	}
	return &Index{ds: ds, cache: c, log: logger}, nil
}

func (idx *Index) lockFor(key string) *sync.Mutex {
	m, _ := idx.keyMu.LoadOrStore(key, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Get returns the bitmap at key. If absent and autoCreate is true, an empty
// static bitmap is created, persisted, and returned; otherwise (nil, nil)
// indicates absence.
func (idx *Index) Get(key string, autoCreate bool) (*Bitmap, error) {
	if b, ok := idx.cache.Get(key); ok {
		idx.hits.Add(1)
		return b, nil
	}
	idx.misses.Add(1)

	raw, ok, err := idx.ds.Get(key)
	if err != nil {
		return nil, fmt.Errorf("bitmap: get %q: %w", key, err)
	}
	if ok {
		b, err := decode(key, raw)
		if err != nil {
			return nil, err
		}
		idx.cache.Add(key, b)
		return b, nil
	}

	if !autoCreate {
		return nil, nil
	}
	b := New(key)
	if err := idx.persist(b, false); err != nil {
		return nil, err
	}
	return b, nil
}

func (idx *Index) persist(b *Bitmap, sync_ bool) error {
	blob, err := encode(b)
	if err != nil {
		return err
	}
	if sync_ {
		if err := idx.ds.PutSync(b.Key, blob); err != nil {
			return fmt.Errorf("bitmap: persist %q: %w", b.Key, err)
		}
	} else if err := idx.ds.Put(b.Key, blob); err != nil {
		return fmt.Errorf("bitmap: persist %q: %w", b.Key, err)
	}
	idx.cache.Add(b.Key, b)
	return nil
}

// Tick adds oids to the bitmap at key, creating it if missing.
func (idx *Index) Tick(key string, oids ...uint32) error {
	mu := idx.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	b, err := idx.Get(key, true)
	if err != nil {
		return err
	}
	for _, oid := range oids {
		if err := b.Add(oid); err != nil {
			return err
		}
	}
	return idx.persist(b, false)
}

// Untick removes oids from the bitmap at key. Returns (false, nil) if the
// bitmap does not exist; otherwise persists the new state, including empty.
func (idx *Index) Untick(key string, oids ...uint32) (bool, error) {
	mu := idx.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	b, err := idx.Get(key, false)
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, nil
	}
	b.RemoveMany(oids...)
	return true, idx.persist(b, false)
}

// TickMany applies Tick independently across keys, fanning out concurrently
// since each key's critical section is independent.
func (idx *Index) TickMany(keys []string, oids ...uint32) error {
	g, _ := errgroup.WithContext(context.Background())
	for _, key := range keys {
		key := key
		g.Go(func() error { return idx.Tick(key, oids...) })
	}
	return g.Wait()
}

// UntickMany applies Untick independently across keys.
func (idx *Index) UntickMany(keys []string, oids ...uint32) error {
	g, _ := errgroup.WithContext(context.Background())
	for _, key := range keys {
		key := key
		g.Go(func() error { _, err := idx.Untick(key, oids...); return err })
	}
	return g.Wait()
}

// Delete unticks oid from every bitmap in the collection (spec §4.2
// "delete(id) [across collection]").
func (idx *Index) Delete(oid uint32) error {
	keys, err := idx.ds.GetKeys(kv.Range{})
	if err != nil {
		return fmt.Errorf("bitmap: delete %d: list keys: %w", oid, err)
	}
	return idx.UntickMany(keys, oid)
}

// AllReferencedOIDs unions every oid tracked by any bitmap in the index,
// used by garbage collection to find oids a bitmap still references after
// their owning document was removed out from under it.
func (idx *Index) AllReferencedOIDs() ([]uint32, error) {
	keys, err := idx.ds.GetKeys(kv.Range{})
	if err != nil {
		return nil, fmt.Errorf("bitmap: all referenced oids: list keys: %w", err)
	}
	union := New("gc()")
	for _, key := range keys {
		b, err := idx.Get(key, false)
		if err != nil {
			return nil, err
		}
		if b != nil {
			union.Or(b)
		}
	}
	return union.ToArray(), nil
}

// AND intersects the bitmaps at keys, in list order. A missing key
// short-circuits the whole computation to empty (spec §9(b)).
func (idx *Index) AND(keys []string) (*Bitmap, error) {
	if len(keys) == 0 {
		return New("and()"), nil
	}
	var result *Bitmap
	for _, key := range keys {
		b, err := idx.Get(key, false)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return New("and()"), nil
		}
		if result == nil {
			result = b.Clone()
			result.Key = "and()"
		} else {
			result.And(b)
		}
	}
	return result, nil
}

// OR unions the bitmaps at keys. Missing keys are skipped.
func (idx *Index) OR(keys []string) (*Bitmap, error) {
	result := New("or()")
	for _, key := range keys {
		b, err := idx.Get(key, false)
		if err != nil {
			return nil, err
		}
		if b == nil {
			continue
		}
		result.Or(b)
	}
	return result, nil
}

// XOR symmetric-differences the non-empty present bitmaps at keys.
func (idx *Index) XOR(keys []string) (*Bitmap, error) {
	var result *Bitmap
	for _, key := range keys {
		b, err := idx.Get(key, false)
		if err != nil {
			return nil, err
		}
		if b == nil || b.IsEmpty() {
			continue
		}
		if result == nil {
			result = b.Clone()
			result.Key = "xor()"
		} else {
			result.Xor(b)
		}
	}
	if result == nil {
		result = New("xor()")
	}
	return result, nil
}

// DeleteBitmap removes the bitmap at key entirely, rather than unticking its
// members (Delete's role): the key itself stops existing, so a later Get
// without autoCreate reports absence. Used when a layer is destroyed and its
// backing bitmap must disappear, not just empty out.
func (idx *Index) DeleteBitmap(key string) error {
	mu := idx.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	if err := idx.ds.Remove(key); err != nil {
		return fmt.Errorf("bitmap: delete bitmap %q: %w", key, err)
	}
	idx.cache.Remove(key)
	return nil
}

// RenameBitmap loads the bitmap at oldKey, deletes it, and saves it under
// newKey, keeping the cache consistent.
func (idx *Index) RenameBitmap(oldKey, newKey string) error {
	muOld, muNew := idx.lockFor(oldKey), idx.lockFor(newKey)
	muOld.Lock()
	defer muOld.Unlock()
	if oldKey != newKey {
		muNew.Lock()
		defer muNew.Unlock()
	}

	b, err := idx.Get(oldKey, false)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("bitmap: rename %q: %w", oldKey, errAbsent)
	}
	if err := idx.ds.Remove(oldKey); err != nil {
		return fmt.Errorf("bitmap: rename %q: remove old: %w", oldKey, err)
	}
	idx.cache.Remove(oldKey)

	renamed := b.Clone()
	renamed.Key = newKey
	return idx.persist(renamed, false)
}

// ClearCache drops every cached bitmap without persisting — state has
// already been persisted by every mutating call.
func (idx *Index) ClearCache() {
	idx.cache.Purge()
}

var errAbsent = fmt.Errorf("bitmap not found")

// Collection scopes every key under "<prefix>/<key>", implementing the
// BitmapCollection sub-collection view from spec §4.2.
func (idx *Index) Collection(prefix string) *Collection {
	return &Collection{idx: idx, prefix: strings.TrimSuffix(prefix, "/")}
}

// Collection is a namespaced view over an Index.
type Collection struct {
	idx    *Index
	prefix string
}

func (c *Collection) key(k string) string { return c.prefix + "/" + k }

func (c *Collection) Get(key string, autoCreate bool) (*Bitmap, error) {
	return c.idx.Get(c.key(key), autoCreate)
}

func (c *Collection) Tick(key string, oids ...uint32) error {
	return c.idx.Tick(c.key(key), oids...)
}

func (c *Collection) Untick(key string, oids ...uint32) (bool, error) {
	return c.idx.Untick(c.key(key), oids...)
}

func (c *Collection) RenameBitmap(oldKey, newKey string) error {
	return c.idx.RenameBitmap(c.key(oldKey), c.key(newKey))
}

// ListBitmaps returns every key (without the collection prefix) currently
// stored under this collection.
func (c *Collection) ListBitmaps() ([]string, error) {
	keys, err := c.idx.ds.GetKeys(kv.Range{Start: c.prefix + "/", End: c.prefix + "0"})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, c.prefix+"/"))
	}
	return out, nil
}

func encode(b *Bitmap) ([]byte, error) {
	payload, err := b.Serialize()
	if err != nil {
		return nil, err
	}
	header := make([]byte, headerLen)
	header[0] = typeByte(b.Typ)
	putU64(header[1:9], b.RangeMin)
	putU64(header[9:17], b.RangeMax)
	return append(header, payload...), nil
}

func decode(key string, data []byte) (*Bitmap, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("bitmap: decode %q: truncated header", key)
	}
	typ := typeFromByte(data[0])
	rangeMin := getU64(data[1:9])
	rangeMax := getU64(data[9:17])
	return FromSerialized(key, typ, rangeMin, rangeMax, data[headerLen:])
}

func typeByte(t Type) byte {
	if t == TypeDynamic {
		return 1
	}
	return 0
}

func typeFromByte(b byte) Type {
	if b == 1 {
		return TypeDynamic
	}
	return TypeStatic
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
