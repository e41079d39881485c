package synapsd

import (
	"log"
	"time"

	"github.com/agentic-research/synapsd/internal/events"
	"github.com/agentic-research/synapsd/internal/fts"
	"github.com/agentic-research/synapsd/internal/query"
)

// Clock supplies the current time to the query composer's datetime filters
// (spec §5's datetime range grammar). Mirrors internal/query.Clock so
// callers outside this module never need to name an internal type.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock is a Clock pinned to At, useful for deterministic tests.
type FixedClock struct {
	At time.Time
}

// Now implements Clock.
func (c FixedClock) Now() time.Time { return c.At }

type clockAdapter struct{ Clock }

func (c clockAdapter) Now() time.Time { return c.Clock.Now() }

func toInternalClock(c Clock) query.Clock {
	if c == nil {
		return nil
	}
	return clockAdapter{c}
}

// Default Options values (spec glossary: INTERNAL_BITMAP_ID_MAX = 100000).
const (
	DefaultBitmapDataset       = "bitmaps"
	DefaultVFSPrefix           = "vfs"
	DefaultInternalBitmapIDMax = uint32(100000)
	DefaultBitmapCacheSize     = 4096
)

// Options configures Open. Every WorkspaceConfig field has an Options
// equivalent (spec §A.3): a decoded HCL file is sugar over this struct, not
// a second source of truth.
type Options struct {
	// Path is the modernc.org/sqlite file Open creates or reuses.
	Path string
	// BitmapDataset names the KV dataset backing the BitmapIndex.
	BitmapDataset string
	// VFSPrefix scopes DirectoryTree's bitmap keys.
	VFSPrefix string
	// InternalBitmapIDMax is INTERNAL_BITMAP_ID_MAX.
	InternalBitmapIDMax uint32
	// BitmapCacheSize bounds the BitmapIndex's write-through LRU cache.
	BitmapCacheSize int
	// DefaultChecksumAlgorithms seeds InsertDocument's checksum computation
	// when a document's own IndexOptions omits ChecksumAlgorithms.
	DefaultChecksumAlgorithms []string
	// FTS is the full-text adapter InsertDocument/UpdateDocument/
	// DeleteDocument index through. Defaults to fts.NullAdapter{}.
	FTS fts.Adapter
	// EventBus receives the tree.*/document.* event catalogue (spec §6).
	// Defaults to a fresh, unobserved events.Bus.
	EventBus *events.Bus
	// Clock backs the Query composer's datetime filters. Defaults to
	// SystemClock{}.
	Clock Clock
	// Logger is shared by every internal component that logs. Defaults to
	// one log.Logger per component, matching the corpus's "no package-level
	// global logger" convention.
	Logger *log.Logger
	// Verbose is carried on the merged Options, but no component reads it:
	// logging output is the same whether it is set or not.
	Verbose bool
}

// defaultOptions returns Options with every zero-value field replaced by
// its documented default.
func defaultOptions() Options {
	return Options{
		BitmapDataset:             DefaultBitmapDataset,
		VFSPrefix:                 DefaultVFSPrefix,
		InternalBitmapIDMax:       DefaultInternalBitmapIDMax,
		BitmapCacheSize:           DefaultBitmapCacheSize,
		DefaultChecksumAlgorithms: []string{"sha256"},
		Clock:                     SystemClock{},
	}
}

func mergeOptions(opts Options) Options {
	merged := defaultOptions()
	if opts.Path != "" {
		merged.Path = opts.Path
	}
	if opts.BitmapDataset != "" {
		merged.BitmapDataset = opts.BitmapDataset
	}
	if opts.VFSPrefix != "" {
		merged.VFSPrefix = opts.VFSPrefix
	}
	if opts.InternalBitmapIDMax != 0 {
		merged.InternalBitmapIDMax = opts.InternalBitmapIDMax
	}
	if opts.BitmapCacheSize != 0 {
		merged.BitmapCacheSize = opts.BitmapCacheSize
	}
	if len(opts.DefaultChecksumAlgorithms) > 0 {
		merged.DefaultChecksumAlgorithms = opts.DefaultChecksumAlgorithms
	}
	if opts.FTS != nil {
		merged.FTS = opts.FTS
	}
	if opts.EventBus != nil {
		merged.EventBus = opts.EventBus
	}
	if opts.Clock != nil {
		merged.Clock = opts.Clock
	}
	if opts.Logger != nil {
		merged.Logger = opts.Logger
	}
	merged.Verbose = opts.Verbose
	return merged
}
