// Package query implements the Query composer of spec §4.6 "Query": context
// resolution (AND along a path), feature grouping (OR within a first-segment
// group, AND across groups), the datetime filter grammar of spec §6
// evaluated through an injected Clock, and materialization through
// DocumentStore.
package query

import (
	"time"

	"github.com/agentic-research/synapsd/internal/bitmap"
	"github.com/agentic-research/synapsd/internal/docstore"
	"github.com/agentic-research/synapsd/internal/layer"
	"github.com/agentic-research/synapsd/internal/schema"
	"github.com/agentic-research/synapsd/internal/tree"
)

// Options controls materialization (spec §4.6 "Query" step 5).
type Options struct {
	Limit int  // 0 means unlimited
	Parse bool // reconstitute document data via the SchemaRegistry
}

// Input is one query's parsed arguments. ContextSpec distinguishes "not
// provided" (nil, full universe) from the explicit root path "/" (only
// documents placed at root) from an ordinary path.
type Input struct {
	ContextSpec *string
	Features    []string
	Filters     []any
	Options     Options
}

// Result is a materialized query result.
type Result struct {
	Documents []*docstore.Document
	Count     int
}

// Composer resolves an Input against the bitmap index and document store.
type Composer struct {
	bitmaps *bitmap.Index
	docs    *docstore.Store
	schemas *schema.Registry
	clock   Clock
}

// NewComposer wires a Composer. schemas may be nil if callers never set
// Options.Parse; clock defaults to SystemClock.
func NewComposer(bitmaps *bitmap.Index, docs *docstore.Store, schemas *schema.Registry, clock Clock) *Composer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Composer{bitmaps: bitmaps, docs: docs, schemas: schemas, clock: clock}
}

// Run resolves in to a materialized document list.
func (c *Composer) Run(in Input) (Result, error) {
	contextBitmap, err := c.resolveContext(in.ContextSpec)
	if err != nil {
		return Result{}, err
	}

	bitmapFilterKeys, datetimeFilters, err := ParseFilters(in.Filters)
	if err != nil {
		return Result{}, err
	}
	featureKeys := append(append([]string{}, in.Features...), bitmapFilterKeys...)

	featureBitmap, err := c.resolveFeatures(featureKeys)
	if err != nil {
		return Result{}, err
	}

	datetimeBitmap, err := c.resolveDatetime(datetimeFilters)
	if err != nil {
		return Result{}, err
	}

	final := contextBitmap.Clone()
	final.And(featureBitmap)
	if datetimeBitmap != nil {
		final.And(datetimeBitmap)
	}

	return c.materialize(final.ToArray(), in.Options)
}

// resolveContext implements spec §4.6 "Query" step 1.
func (c *Composer) resolveContext(spec *string) (*bitmap.Bitmap, error) {
	if spec == nil || *spec == "" {
		oids, err := c.docs.AllOIDs()
		if err != nil {
			return nil, err
		}
		return bitmap.FromOIDs("universe", oids)
	}
	norm := tree.NormalizePath(*spec)
	if norm == "/" {
		b, err := c.bitmaps.Get(layer.RootName, false)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return bitmap.New(layer.RootName), nil
		}
		return b, nil
	}
	return c.bitmaps.AND(tree.SplitPath(*spec))
}

// resolveFeatures implements spec §4.6 "Query" step 3.
func (c *Composer) resolveFeatures(keys []string) (*bitmap.Bitmap, error) {
	if len(keys) == 0 {
		oids, err := c.docs.AllOIDs()
		if err != nil {
			return nil, err
		}
		return bitmap.FromOIDs("features()", oids)
	}
	groups := GroupFeatures(keys)
	var result *bitmap.Bitmap
	for _, g := range groups {
		b, err := c.bitmaps.OR(g.Keys)
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = b
		} else {
			result.And(b)
		}
	}
	return result, nil
}

// resolveDatetime implements spec §4.6 "Query" step 4, scanning every
// document's metadata record once and building one bitmap per filter.
func (c *Composer) resolveDatetime(filters []DatetimeFilter) (*bitmap.Bitmap, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	meta, err := c.docs.AllMetadata()
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()

	var result *bitmap.Bitmap
	for _, f := range filters {
		start, end := f.Bounds(now)
		var matching []uint32
		for oid, rec := range meta {
			ts, ok := timestampFor(f.Action, rec)
			if !ok {
				continue
			}
			t := time.Unix(ts, 0).UTC()
			if !t.Before(start) && t.Before(end) {
				matching = append(matching, oid)
			}
		}
		b, err := bitmap.FromOIDs("datetime()", matching)
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = b
		} else {
			result.And(b)
		}
	}
	return result, nil
}

func timestampFor(action Action, rec docstore.Record) (int64, bool) {
	switch action {
	case ActionCreated:
		return rec.CreatedAt, true
	case ActionUpdated:
		return rec.UpdatedAt, true
	case ActionDeleted:
		return rec.DeletedAt, rec.DeletedAt != 0
	default:
		return 0, false
	}
}

func (c *Composer) materialize(oids []uint32, opts Options) (Result, error) {
	if opts.Limit > 0 && len(oids) > opts.Limit {
		oids = oids[:opts.Limit]
	}
	docs := make([]*docstore.Document, 0, len(oids))
	for _, oid := range oids {
		doc, ok, err := c.docs.Get(oid)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			continue
		}
		if opts.Parse {
			doc.Data = c.schemas.Deserialize(doc.Schema, doc.Data)
		}
		docs = append(docs, doc)
	}
	return Result{Documents: docs, Count: len(docs)}, nil
}
