package tree

import (
	"strings"
	"unicode"
)

// NormalizePath implements spec §3's Path normalization: "", null, and
// undefined-equivalents collapse to "/"; otherwise lowercase, segments
// separated by a single "/", invalid characters replaced with "_", and a
// trailing slash stripped (except for the root itself).
func NormalizePath(path string) string {
	if path == "" || path == "null" || path == "undefined" {
		return "/"
	}

	s := strings.ToLower(path)
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}

	segments := splitNonEmpty(s)
	if len(segments) == 0 {
		return "/"
	}
	for i, seg := range segments {
		segments[i] = normalizeSegment(seg)
	}
	return "/" + strings.Join(segments, "/")
}

func splitNonEmpty(s string) []string {
	raw := strings.Split(s, "/")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}

func normalizeSegment(seg string) string {
	var b strings.Builder
	for _, r := range seg {
		if isAllowedPathRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func isAllowedPathRune(r rune) bool {
	switch {
	case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsMark(r):
		return true
	case r == '.', r == '+', r == '-', r == '_', r == '@':
		return true
	default:
		return false
	}
}

// SplitPath returns the normalized path's non-root segment names, in order.
// SplitPath("/") returns nil.
func SplitPath(path string) []string {
	norm := NormalizePath(path)
	if norm == "/" {
		return nil
	}
	return splitNonEmpty(norm)
}
