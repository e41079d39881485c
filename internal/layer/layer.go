// Package layer implements the LayerIndex described in spec §4.3: named,
// typed, UUID-identified bitmap labels with Unicode-aware name
// normalization, persisted one-per-key under "layer/<uuid>".
package layer

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Kind is the layer's type tag (spec §3 Layer).
type Kind string

const (
	KindUniverse  Kind = "universe"
	KindWorkspace Kind = "workspace"
	KindCanvas    Kind = "canvas"
	KindContext   Kind = "context"
	KindLabel     Kind = "label"
	KindSystem    Kind = "system"
)

// RootName is the reserved name of the universe layer.
const RootName = "/"

// Layer is the named, typed bitmap label from spec §3.
type Layer struct {
	ID          uuid.UUID      `json:"id"`
	Type        Kind           `json:"type"`
	Name        string         `json:"name"` // stored with original casing
	Label       string         `json:"label"`
	Description string         `json:"description"`
	Color       string         `json:"color,omitempty"`
	LockedBy    map[string]bool `json:"lockedBy,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Locked reports whether any locker currently holds this layer (spec §3:
// "locked iff lockedBy is non-empty").
func (l *Layer) Locked() bool { return len(l.LockedBy) > 0 }

// Lock adds by to the locker set.
func (l *Layer) Lock(by string) bool {
	if l.LockedBy == nil {
		l.LockedBy = make(map[string]bool)
	}
	if l.LockedBy[by] {
		return false
	}
	l.LockedBy[by] = true
	return true
}

// Unlock removes by from the locker set.
func (l *Layer) Unlock(by string) bool {
	if !l.LockedBy[by] {
		return false
	}
	delete(l.LockedBy, by)
	return true
}

// NormalizeName implements spec §3's comparison normalization: NFKC, trim,
// collapse internal whitespace, lowercase, replace characters outside
// letters/digits/marks/space/./+/-/_/@ with "_", then collapse repeated
// underscores. The original casing is preserved separately on Layer.Name.
func NormalizeName(name string) string {
	if name == "/" {
		return "/"
	}
	s := norm.NFKC.String(name)
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)

	var collapsedSpace strings.Builder
	lastWasSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !lastWasSpace {
				collapsedSpace.WriteRune(' ')
			}
			lastWasSpace = true
			continue
		}
		lastWasSpace = false
		collapsedSpace.WriteRune(r)
	}
	s = strings.TrimSpace(collapsedSpace.String())

	var replaced strings.Builder
	for _, r := range s {
		if isAllowedNameRune(r) {
			replaced.WriteRune(r)
		} else {
			replaced.WriteRune('_')
		}
	}
	s = replaced.String()

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return s
}

func isAllowedNameRune(r rune) bool {
	switch {
	case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsMark(r):
		return true
	case r == ' ', r == '.', r == '+', r == '-', r == '_', r == '@':
		return true
	default:
		return false
	}
}
