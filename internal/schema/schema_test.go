package schema

import (
	"fmt"
	"testing"

	"github.com/agentic-research/synapsd/internal/xerrors"
	"github.com/stretchr/testify/require"
)

func noteVariant() Variant {
	return Variant{
		Validate: func(data map[string]any) error {
			if _, ok := data["title"]; !ok {
				return fmt.Errorf("missing title")
			}
			return nil
		},
	}
}

func TestValidate_UnknownSchemaIsValidationError(t *testing.T) {
	r := NewRegistry()
	err := r.Validate("data/abstraction/note", map[string]any{})
	require.Error(t, err)
	require.True(t, xerrors.Is(err, xerrors.Validation))
}

func TestValidate_RunsRegisteredValidator(t *testing.T) {
	r := NewRegistry()
	r.Register("data/abstraction/note", noteVariant())

	err := r.Validate("data/abstraction/note", map[string]any{})
	require.Error(t, err)

	err = r.Validate("data/abstraction/note", map[string]any{"title": "A"})
	require.NoError(t, err)
}

func TestKnown(t *testing.T) {
	r := NewRegistry()
	require.False(t, r.Known("data/abstraction/note"))
	r.Register("data/abstraction/note", noteVariant())
	require.True(t, r.Known("data/abstraction/note"))
}

func TestToFromSerialized_IdentityByDefault(t *testing.T) {
	data := map[string]any{"title": "A"}
	require.Equal(t, data, ToSerialized(data))
	require.Equal(t, data, FromSerialized(data))
}

func TestRegistrySerializeDeserialize_FallsBackToIdentity(t *testing.T) {
	r := NewRegistry()
	r.Register("data/abstraction/note", noteVariant())
	data := map[string]any{"title": "A"}

	require.Equal(t, data, r.Serialize("data/abstraction/note", data))
	require.Equal(t, data, r.Deserialize("data/abstraction/note", data))
	require.Equal(t, data, r.Serialize("unknown", data))

	var nilRegistry *Registry
	require.Equal(t, data, nilRegistry.Serialize("data/abstraction/note", data))
	require.Equal(t, data, nilRegistry.Deserialize("data/abstraction/note", data))
}

func TestRegistrySerializeDeserialize_UsesVariantHooks(t *testing.T) {
	r := NewRegistry()
	r.Register("data/abstraction/note", Variant{
		Serialize: func(data map[string]any) map[string]any {
			return map[string]any{"stored_title": data["title"]}
		},
		Deserialize: func(stored map[string]any) map[string]any {
			return map[string]any{"title": stored["stored_title"]}
		},
	})

	stored := r.Serialize("data/abstraction/note", map[string]any{"title": "A"})
	require.Equal(t, map[string]any{"stored_title": "A"}, stored)

	parsed := r.Deserialize("data/abstraction/note", stored)
	require.Equal(t, map[string]any{"title": "A"}, parsed)
}

func TestExtractFields_WalksSelectorsInOrder(t *testing.T) {
	fields, err := ExtractFields([]string{"$.title", "$.content"}, map[string]any{
		"title":   "A",
		"content": "hello world",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"A", "hello world"}, fields)
}

func TestExtractFields_SkipsMissingValues(t *testing.T) {
	fields, err := ExtractFields([]string{"$.title", "$.missing"}, map[string]any{
		"title": "A",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, fields)
}

func TestExtractFields_InvalidSelectorErrors(t *testing.T) {
	_, err := ExtractFields([]string{"$["}, map[string]any{})
	require.Error(t, err)
}
