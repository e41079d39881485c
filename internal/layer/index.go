package layer

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/agentic-research/synapsd/internal/kv"
	"github.com/agentic-research/synapsd/internal/xerrors"
	"github.com/google/uuid"
)

const rootNameSeed = "synapsd-universe-root"

// Index is the LayerIndex from spec §4.3.
type Index struct {
	ds  *kv.Dataset
	log *log.Logger

	mu         sync.RWMutex
	byID       map[uuid.UUID]*Layer
	byNormName map[string]uuid.UUID
	root       *Layer
}

// Open loads every persisted layer and ensures the universe root exists,
// creating and persisting it (with a stable, deterministic UUID) on first
// use of a fresh dataset.
func Open(ds *kv.Dataset, logger *log.Logger) (*Index, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "synapsd/layer: ", log.LstdFlags)
	}
	idx := &Index{
		ds:         ds,
		log:        logger,
		byID:       make(map[uuid.UUID]*Layer),
		byNormName: make(map[string]uuid.UUID),
	}

	keys, err := ds.GetKeys(kv.Range{Start: "layer/", End: "layer0"})
	if err != nil {
		return nil, fmt.Errorf("layer: list: %w", err)
	}
	for _, key := range keys {
		raw, ok, err := ds.Get(key)
		if err != nil {
			return nil, fmt.Errorf("layer: load %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var l Layer
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, fmt.Errorf("layer: decode %s: %w", key, err)
		}
		idx.index(&l)
	}

	if idx.root == nil {
		rootID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(rootNameSeed))
		root := &Layer{ID: rootID, Type: KindUniverse, Name: RootName, Label: "Universe"}
		if err := idx.persist(root); err != nil {
			return nil, fmt.Errorf("layer: create root: %w", err)
		}
		idx.index(root)
	}

	return idx, nil
}

func (idx *Index) index(l *Layer) {
	idx.byID[l.ID] = l
	idx.byNormName[NormalizeName(l.Name)] = l.ID
	if l.Name == RootName {
		idx.root = l
	}
}

func (idx *Index) persist(l *Layer) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("layer: encode %s: %w", l.ID, err)
	}
	return idx.ds.PutSync("layer/"+l.ID.String(), raw)
}

// Root returns the universe layer.
func (idx *Index) Root() *Layer {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.root
}

// ByID returns the layer with the given id.
func (idx *Index) ByID(id uuid.UUID) (*Layer, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	l, ok := idx.byID[id]
	if !ok {
		return nil, xerrors.NotFoundf("layer: no layer with id %s", id)
	}
	return l, nil
}

// ByName resolves a layer by its normalized name.
func (idx *Index) ByName(name string) (*Layer, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	id, ok := idx.byNormName[NormalizeName(name)]
	if !ok {
		return nil, xerrors.NotFoundf("layer: no layer named %q", name)
	}
	return idx.byID[id], nil
}

// CreateLayer is idempotent on normalized name: an existing layer with the
// same normalized name is returned unchanged.
func (idx *Index) CreateLayer(name string, kind Kind, opts func(*Layer)) (*Layer, error) {
	norm := NormalizeName(name)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if id, ok := idx.byNormName[norm]; ok {
		return idx.byID[id], nil
	}

	l := &Layer{ID: uuid.New(), Type: kind, Name: name, Label: name}
	if opts != nil {
		opts(l)
	}
	if err := idx.persist(l); err != nil {
		return nil, err
	}
	idx.index(l)
	return l, nil
}

// RenameLayer updates the stored name, refusing on the root layer, a locked
// layer, or a normalized-name collision with a different layer.
func (idx *Index) RenameLayer(oldName, newName string) (*Layer, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, ok := idx.byNormName[NormalizeName(oldName)]
	if !ok {
		return nil, xerrors.NotFoundf("layer: no layer named %q", oldName)
	}
	l := idx.byID[id]
	if l.Name == RootName {
		return nil, xerrors.Validationf("layer: cannot rename root")
	}
	if l.Locked() {
		return nil, xerrors.Lockedf("layer: %q is locked", oldName)
	}

	newNorm := NormalizeName(newName)
	if collidingID, exists := idx.byNormName[newNorm]; exists && collidingID != id {
		return nil, xerrors.Validationf("layer: name %q already in use", newName)
	}

	delete(idx.byNormName, NormalizeName(oldName))
	l.Name = newName
	l.Label = newName
	idx.byNormName[newNorm] = id
	if err := idx.persist(l); err != nil {
		return nil, err
	}
	return l, nil
}

// Patch is a partial update; any zero-value field is left unchanged. The id
// field cannot be modified through UpdateLayer.
type Patch struct {
	Label       *string
	Description *string
	Color       *string
	Metadata    map[string]any
}

// UpdateLayer applies a partial patch to a layer's non-identity fields.
func (idx *Index) UpdateLayer(name string, patch Patch) (*Layer, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, ok := idx.byNormName[NormalizeName(name)]
	if !ok {
		return nil, xerrors.NotFoundf("layer: no layer named %q", name)
	}
	l := idx.byID[id]
	if l.Locked() {
		return nil, xerrors.Lockedf("layer: %q is locked", name)
	}
	if patch.Label != nil {
		l.Label = *patch.Label
	}
	if patch.Description != nil {
		l.Description = *patch.Description
	}
	if patch.Color != nil {
		l.Color = *patch.Color
	}
	if patch.Metadata != nil {
		l.Metadata = patch.Metadata
	}
	if err := idx.persist(l); err != nil {
		return nil, err
	}
	return l, nil
}

// LockLayer adds by to the layer's locker set. changed is false if by was
// already a locker (a no-op, not persisted again).
func (idx *Index) LockLayer(name, by string) (l *Layer, changed bool, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, ok := idx.byNormName[NormalizeName(name)]
	if !ok {
		return nil, false, xerrors.NotFoundf("layer: no layer named %q", name)
	}
	l = idx.byID[id]
	if changed = l.Lock(by); changed {
		if err := idx.persist(l); err != nil {
			return nil, false, err
		}
	}
	return l, changed, nil
}

// UnlockLayer removes by from the layer's locker set. changed is false if by
// was not a locker.
func (idx *Index) UnlockLayer(name, by string) (l *Layer, changed bool, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, ok := idx.byNormName[NormalizeName(name)]
	if !ok {
		return nil, false, xerrors.NotFoundf("layer: no layer named %q", name)
	}
	l = idx.byID[id]
	if changed = l.Unlock(by); changed {
		if err := idx.persist(l); err != nil {
			return nil, false, err
		}
	}
	return l, changed, nil
}

// RemoveLayer deletes the layer, refusing root and locked layers.
func (idx *Index) RemoveLayer(name string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id, ok := idx.byNormName[NormalizeName(name)]
	if !ok {
		return xerrors.NotFoundf("layer: no layer named %q", name)
	}
	l := idx.byID[id]
	if l.Name == RootName {
		return xerrors.Validationf("layer: cannot remove root")
	}
	if l.Locked() {
		return xerrors.Lockedf("layer: %q is locked", name)
	}
	if err := idx.ds.Remove("layer/" + id.String()); err != nil {
		return fmt.Errorf("layer: remove %q: %w", name, err)
	}
	delete(idx.byID, id)
	delete(idx.byNormName, NormalizeName(name))
	return nil
}

// All returns every layer currently indexed.
func (idx *Index) All() []*Layer {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*Layer, 0, len(idx.byID))
	for _, l := range idx.byID {
		out = append(out, l)
	}
	return out
}
