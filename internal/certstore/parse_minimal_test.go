package certstore

import (
	"testing"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/stretchr/testify/require"
)

// buildUTCTime produces a raw UTCTime TLV for the given YYMMDDhhmmssZ string.
func buildUTCTime(t *testing.T, value string) []byte {
	t.Helper()
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.UTCTime, func(child *cryptobyte.Builder) {
		child.AddBytes([]byte(value))
	})
	out, err := b.Bytes()
	require.NoError(t, err)
	return out
}

// TestUTCTimeYearExpansionBoundary checks the RFC 5280 UTCTime two-digit
// year expansion boundary: 49 -> 2049, 50 -> 1950.
func TestUTCTimeYearExpansionBoundary(t *testing.T) {
	s := cryptobyte.String(buildUTCTime(t, "490101000000Z"))
	parsed, err := readTime(&s)
	require.NoError(t, err)
	require.Equal(t, 2049, parsed.Year())

	s2 := cryptobyte.String(buildUTCTime(t, "500101000000Z"))
	parsed2, err := readTime(&s2)
	require.NoError(t, err)
	require.Equal(t, 1950, parsed2.Year())
}
