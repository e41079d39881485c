package layer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeName_Idempotent(t *testing.T) {
	cases := []string{"Work Reports", "  Projects/../A  ", "Café", "a__b", "/"}
	for _, c := range cases {
		once := NormalizeName(c)
		twice := NormalizeName(once)
		require.Equal(t, once, twice, "not idempotent for %q", c)
	}
}

func TestNormalizeName_CollapsesAndLowercases(t *testing.T) {
	require.Equal(t, "work reports", NormalizeName("  Work   Reports  "))
	require.Equal(t, "a.b+c-d_e@f", NormalizeName("A.B+C-D_E@F"))
	require.Equal(t, "/", NormalizeName("/"))
}

func TestNormalizeName_ReplacesInvalidChars(t *testing.T) {
	require.Equal(t, "a_b_c", NormalizeName("a#b$c"))
}
