package certstore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/edgecore/device/internal/seal"
	"github.com/edgecore/device/internal/sealhw"
	"github.com/edgecore/device/internal/slotreg"
	"github.com/stretchr/testify/require"
)

func selfSignedDER(t *testing.T, subjectCN, issuerCN string, notBefore, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: subjectCN},
		Issuer:       pkix.Name{CommonName: issuerCN},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func TestPEMDERRoundTrip(t *testing.T) {
	der := selfSignedDER(t, "device-1", "factory-ca", time.Now(), time.Now().Add(24*time.Hour))
	pemText := DERToPEM(der)
	back, err := PEMToDER(pemText)
	require.NoError(t, err)
	require.Equal(t, der, back)
}

func TestParseExtractsFields(t *testing.T) {
	nb := time.Now().Truncate(time.Second)
	na := nb.Add(365 * 24 * time.Hour)
	der := selfSignedDER(t, "device-42", "factory-ca", nb, na)

	cert, err := Parse(der)
	require.NoError(t, err)
	require.Equal(t, "device-42", cert.SubjectCN)
	require.Equal(t, "factory-ca", cert.IssuerCN)
	require.WithinDuration(t, nb, cert.NotBefore, time.Second)
	require.WithinDuration(t, na, cert.NotAfter, time.Second)
}

func TestParseMinimalMatchesParse(t *testing.T) {
	nb := time.Now().Truncate(time.Second)
	na := nb.Add(90 * 24 * time.Hour)
	der := selfSignedDER(t, "device-minimal", "factory-ca", nb, na)

	full, err := Parse(der)
	require.NoError(t, err)
	minimal, err := ParseMinimal(der)
	require.NoError(t, err)

	require.Equal(t, full.SubjectCN, minimal.SubjectCN)
	require.Equal(t, full.IssuerCN, minimal.IssuerCN)
	require.Equal(t, full.Serial.String(), minimal.Serial.String())
}

func TestIsValid(t *testing.T) {
	cert := Certificate{
		NotBefore: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:  time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.True(t, cert.IsValid(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.False(t, cert.IsValid(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.False(t, cert.IsValid(time.Date(2028, 6, 1, 0, 0, 0, 0, time.UTC)))
}

func TestReadDERStripsVendorHeader(t *testing.T) {
	sim := sealhw.NewSimulator(0)
	s := seal.New(sim)

	inner := []byte{0x30, 0x03, 0x01, 0x02, 0x03}
	withHeader := append([]byte{0xC0, 1, 2, 3, 4, 5, 6, 7, 8}, inner...)

	_, err := s.WriteData(context.Background(), slotreg.SlotDeviceCert, withHeader, true)
	require.NoError(t, err)

	got, err := ReadDER(context.Background(), s, slotreg.SlotDeviceCert)
	require.NoError(t, err)
	require.Equal(t, inner, got)
}

func TestReadDERNoHeaderPassesThrough(t *testing.T) {
	sim := sealhw.NewSimulator(0)
	s := seal.New(sim)

	der := selfSignedDER(t, "device-passthrough", "factory-ca", time.Now(), time.Now().Add(time.Hour))
	_, err := s.WriteData(context.Background(), slotreg.SlotDeviceCert, der, true)
	require.NoError(t, err)

	got, err := ReadDER(context.Background(), s, slotreg.SlotDeviceCert)
	require.NoError(t, err)
	require.Equal(t, der, got)
}
