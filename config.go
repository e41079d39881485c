package synapsd

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// WorkspaceConfig is the on-disk HCL shape for a workspace, decoded via
// hclsimple the way the teacher's own writeback formatter leans on
// hashicorp/hcl/v2 for its declarative surfaces. Every field has an
// Options equivalent; loading a config file is sugar over setting Options
// directly, never a second source of truth.
type WorkspaceConfig struct {
	// DatabasePath is the modernc.org/sqlite file backing the KV Store Adapter.
	DatabasePath string `hcl:"database_path"`
	// BitmapDataset names the KV dataset (table) holding the BitmapIndex's
	// serialized roaring bitmaps, letting an operator relocate it within the
	// same physical file without touching code.
	BitmapDataset string `hcl:"bitmap_prefix,optional"`
	// VFSPrefix scopes DirectoryTree's bitmap keys (spec §4.7's "configurable
	// prefix, default vfs").
	VFSPrefix string `hcl:"vfs_prefix,optional"`
	// InternalBitmapIDMax is INTERNAL_BITMAP_ID_MAX: OIDs are allocated
	// strictly above it.
	InternalBitmapIDMax *uint32 `hcl:"internal_bitmap_id_max,optional"`
	// ChecksumAlgorithms seeds the default algorithm list new inserts use
	// when a document's own indexOptions omits one.
	ChecksumAlgorithms []string `hcl:"checksum_algorithms,optional"`
}

// LoadWorkspaceConfig decodes an HCL workspace file at path.
func LoadWorkspaceConfig(path string) (*WorkspaceConfig, error) {
	var cfg WorkspaceConfig
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("synapsd: decode workspace config %s: %w", path, err)
	}
	return &cfg, nil
}

// Apply overlays cfg's set fields onto opts, returning the merged Options.
// Unset optional HCL fields leave opts' existing value (its default or a
// prior programmatic override) untouched.
func (cfg *WorkspaceConfig) Apply(opts Options) Options {
	if cfg == nil {
		return opts
	}
	if cfg.DatabasePath != "" {
		opts.Path = cfg.DatabasePath
	}
	if cfg.BitmapDataset != "" {
		opts.BitmapDataset = cfg.BitmapDataset
	}
	if cfg.VFSPrefix != "" {
		opts.VFSPrefix = cfg.VFSPrefix
	}
	if cfg.InternalBitmapIDMax != nil {
		opts.InternalBitmapIDMax = *cfg.InternalBitmapIDMax
	}
	if len(cfg.ChecksumAlgorithms) > 0 {
		opts.DefaultChecksumAlgorithms = cfg.ChecksumAlgorithms
	}
	return opts
}
