// Package schema implements the tagged SchemaRegistry design note of spec
// §2 item 8: dynamic dispatch across document classes is replaced by a
// registry keyed on the document's `schema` string tag, each entry holding
// a small validator instead of an interface implemented per class.
//
// Field extraction for checksum/search/embedding indexing is driven by the
// per-document indexOptions selector lists (spec §4.6), not by anything
// registered here, so ExtractFields is a free function: the selectors come
// from the document, the registry only owns validation and (de)serialization.
// Selectors are JSONPath, evaluated via github.com/ohler55/ojg/jp, the same
// library the corpus uses in internal/ingest/json_walker.go to walk
// arbitrary JSON-shaped data.
package schema

import (
	"fmt"
	"sync"

	"github.com/ohler55/ojg/jp"

	"github.com/agentic-research/synapsd/internal/xerrors"
)

// Validator checks a document's data map against schema-specific rules.
// Returning a non-nil error fails the insert/update with a ValidationError.
type Validator func(data map[string]any) error

// Serializer renders a variant's data map to its stored form (field renames,
// defaulting, etc).
type Serializer func(data map[string]any) map[string]any

// Deserializer is Serializer's inverse, reconstituting a stored data map
// back to the shape callers expect (spec §4.6 step 5's Query "Parse"
// option).
type Deserializer func(stored map[string]any) map[string]any

// Variant is one schema's registered behavior. Serialize/Deserialize default
// to the identity (ToSerialized/FromSerialized) when left nil, matching the
// corpus's "plain object" document shape for schemas that need no
// transformation.
type Variant struct {
	Validate    Validator
	Serialize   Serializer
	Deserialize Deserializer
}

// Registry maps schema tags to their Variant.
type Registry struct {
	mu       sync.RWMutex
	variants map[string]Variant
}

// NewRegistry returns an empty registry. Unregistered schema tags are
// rejected by Validate with a ValidationError (spec §4.6 step 1: "Unknown
// schema -> ValidationError").
func NewRegistry() *Registry {
	return &Registry{variants: make(map[string]Variant)}
}

// Register installs or replaces the variant for tag.
func (r *Registry) Register(tag string, v Variant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants[tag] = v
}

func (r *Registry) lookup(tag string) (Variant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.variants[tag]
	return v, ok
}

// Validate resolves tag's variant and runs its Validator against data.
func (r *Registry) Validate(tag string, data map[string]any) error {
	v, ok := r.lookup(tag)
	if !ok {
		return xerrors.Validationf("schema: unknown schema %q", tag)
	}
	if v.Validate == nil {
		return nil
	}
	if err := v.Validate(data); err != nil {
		return xerrors.Validationf("schema: %q: %v", tag, err)
	}
	return nil
}

// Known reports whether tag has a registered variant.
func (r *Registry) Known(tag string) bool {
	_, ok := r.lookup(tag)
	return ok
}

// Serialize renders data through tag's variant-specific Serialize hook, or
// the package-level identity if tag is unregistered, has no hook, or r is
// nil (a registry-less caller never opted into per-variant transformation).
func (r *Registry) Serialize(tag string, data map[string]any) map[string]any {
	if r == nil {
		return ToSerialized(data)
	}
	v, ok := r.lookup(tag)
	if !ok || v.Serialize == nil {
		return ToSerialized(data)
	}
	return v.Serialize(data)
}

// Deserialize is Serialize's inverse, used by the Query composer's Parse
// option (spec §4.6 step 5 / §9) to reconstitute a document's stored data
// through its own schema's Deserialize hook.
func (r *Registry) Deserialize(tag string, data map[string]any) map[string]any {
	if r == nil {
		return FromSerialized(data)
	}
	v, ok := r.lookup(tag)
	if !ok || v.Deserialize == nil {
		return FromSerialized(data)
	}
	return v.Deserialize(data)
}

// ExtractFields evaluates each JSONPath selector against data and returns
// the string form of every value matched, in selector order. Selectors that
// match nothing contribute no entries rather than erroring, since indexing
// fields are best-effort (spec §4.6: fields absent on a given document are
// simply skipped).
func ExtractFields(selectors []string, data map[string]any) ([]string, error) {
	out := make([]string, 0, len(selectors))
	for _, sel := range selectors {
		path, err := jp.ParseString(sel)
		if err != nil {
			return nil, fmt.Errorf("schema: invalid selector %q: %w", sel, err)
		}
		for _, v := range path.Get(data) {
			out = append(out, stringify(v))
		}
	}
	return out, nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// ToSerialized is the default identity (de)serialization, matching the
// corpus's "plain object" document shape. Document classes that need a
// representation other than the raw map (field renames, defaulting) instead
// register a Variant.Serialize/Deserialize hook and reach this through
// Registry.Serialize/Deserialize.
func ToSerialized(data map[string]any) map[string]any { return data }

// FromSerialized is ToSerialized's inverse for the default identity case.
func FromSerialized(stored map[string]any) map[string]any { return stored }
