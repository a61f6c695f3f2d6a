// Package integration exercises the certificate lifecycle and
// protected-update machinery end to end, wiring seal, clsm, csr, puw and
// certstore together the way cmd/edgecore's daemon does, rather than unit
// testing any one package in isolation.
package integration

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgecore/device/internal/certstore"
	"github.com/edgecore/device/internal/clsm"
	"github.com/edgecore/device/internal/csr"
	"github.com/edgecore/device/internal/puw"
	"github.com/edgecore/device/internal/schemavalidation"
	"github.com/edgecore/device/internal/seal"
	"github.com/edgecore/device/internal/sealhw"
	"github.com/edgecore/device/internal/slotreg"
	"github.com/edgecore/device/internal/timesource"
)

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func selfSignedDER(t *testing.T, cn string, notBefore, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		Issuer:       pkix.Name{CommonName: cn},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

// manifestWithAlgo builds a manifest-shaped payload with algo at byte 4 and
// the trust-anchor slot's hardware object ID at bytes 8-9, as
// protected_update_start expects to find them.
func manifestWithAlgo(algo byte) []byte {
	m := make([]byte, 32)
	for i := range m {
		m[i] = byte('a' + i%26)
	}
	m[4] = algo
	binary.BigEndian.PutUint16(m[8:10], slotreg.MustLookup(slotreg.SlotTrustAnchor).HWObject)
	return m
}

func puwBundleJSON(t *testing.T, manifest []byte, fragments ...[]byte) []byte {
	t.Helper()
	cert := selfSignedDER(t, "anchor", time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour))
	b := map[string]any{
		"signing_certificate": b64(cert),
		"manifest":            b64(manifest),
		"fragment_count":      len(fragments),
	}
	for i, frag := range fragments {
		b[fragmentKey(i)] = b64(frag)
	}
	raw, err := json.Marshal(b)
	require.NoError(t, err)
	return raw
}

func fragmentKey(i int) string {
	return [...]string{"fragment_0", "fragment_1", "fragment_2"}[i]
}

// TestBootWithNoDeviceCertUsesFactorySafeMode covers S1: a reset device with
// a factory certificate but an empty Device-cert slot selects the factory
// identity in safe mode on its first TLS session.
func TestBootWithNoDeviceCertUsesFactorySafeMode(t *testing.T) {
	sim := sealhw.NewSimulator(0)
	factoryDER := selfSignedDER(t, "factory-001", time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour))
	sim.SeedFactoryCert(factoryDER)
	s := seal.New(sim)

	mgr := clsm.New(s, timesource.FixedSource{T: time.Now(), Synced: true}, nil, clsm.Policy{})

	selection, err := mgr.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, clsm.UseFactorySafeMode, selection)
	require.False(t, mgr.FallbackObserved())

	der, err := certstore.ReadDER(context.Background(), s, selection.CertSlot())
	require.NoError(t, err)
	require.Equal(t, factoryDER, der)
	_, err = certstore.Parse(der)
	require.NoError(t, err)
}

// TestCSRRoundTripsAgainstGeneratedKey covers S2: the element-generated
// public point is a 65-byte uncompressed P-256 point, and the CSR it signs
// parses as a valid PKCS#10 whose signature verifies against that point.
func TestCSRRoundTripsAgainstGeneratedKey(t *testing.T) {
	sim := sealhw.NewSimulator(0)
	s := seal.New(sim)
	builder := csr.New(s)

	pemCSR, err := builder.Build(context.Background(), slotreg.SlotDeviceKey, "CN=device-001,O=edgecore")
	require.NoError(t, err)

	block, _ := pem.Decode([]byte(pemCSR))
	require.NotNil(t, block)
	parsed, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)
	require.NoError(t, parsed.CheckSignature())
	require.Equal(t, "device-001", parsed.Subject.CommonName)

	point, status, err := s.ExportPublic(context.Background(), slotreg.SlotDeviceKey)
	require.NoError(t, err)
	require.Equal(t, seal.StatusOk, status)
	require.Len(t, point, 65)
	require.Equal(t, byte(0x04), point[0])
}

// TestPUWHappyPathInstallsFragmentPayload covers S3: a one-fragment bundle
// whose manifest the element accepts installs the fragment payload verbatim
// into the Device-cert slot.
func TestPUWHappyPathInstallsFragmentPayload(t *testing.T) {
	sim := sealhw.NewSimulator(0)
	s := seal.New(sim)
	v, err := schemavalidation.New()
	require.NoError(t, err)
	mgr := clsm.New(s, timesource.FixedSource{T: time.Now(), Synced: true}, nil, clsm.Policy{})

	w := puw.New(s, v, mgr)
	payload := make([]byte, 1180)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	raw := puwBundleJSON(t, manifestWithAlgo(0x26), payload)

	require.NoError(t, w.Run(context.Background(), raw))
	require.Equal(t, puw.StateComplete, w.State())

	der, err := certstore.ReadDER(context.Background(), s, slotreg.SlotDeviceCert)
	require.NoError(t, err)
	require.Equal(t, payload, der)
	require.False(t, mgr.FallbackObserved())
}

// TestPUWRejectsBadManifestAndFactoryStillWorks covers S4: a manifest signed
// with the wrong algorithm is rejected with SignatureInvalid, the
// Device-cert slot is left untouched, and a subsequent selection still
// succeeds on the factory identity.
func TestPUWRejectsBadManifestAndFactoryStillWorks(t *testing.T) {
	sim := sealhw.NewSimulator(0)
	factoryDER := selfSignedDER(t, "factory-001", time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour))
	sim.SeedFactoryCert(factoryDER)
	s := seal.New(sim)
	v, err := schemavalidation.New()
	require.NoError(t, err)
	mgr := clsm.New(s, timesource.FixedSource{T: time.Now(), Synced: true}, nil, clsm.Policy{})

	_, beforeErr := certstore.ReadDER(context.Background(), s, slotreg.SlotDeviceCert)
	require.Error(t, beforeErr) // slot never written

	w := puw.New(s, v, mgr)
	raw := puwBundleJSON(t, manifestWithAlgo(0x27), make([]byte, 1180))

	err = w.Run(context.Background(), raw)
	require.Error(t, err)
	require.Equal(t, puw.StateFailed, w.State())

	var merr *puw.ManifestError
	require.ErrorAs(t, err, &merr)
	require.Equal(t, seal.StatusSignatureInvalid, merr.Status)

	after, afterErr := certstore.ReadDER(context.Background(), s, slotreg.SlotDeviceCert)
	require.NoError(t, afterErr)
	require.Empty(t, after) // metadata advanced but no fragment payload was ever installed

	selection, selErr := mgr.Select(context.Background())
	require.NoError(t, selErr)
	require.Equal(t, clsm.UseFactorySafeMode, selection)
	der, err := certstore.ReadDER(context.Background(), s, selection.CertSlot())
	require.NoError(t, err)
	require.Equal(t, factoryDER, der)
}

// TestExpiredDeviceCertFallsBackToFactory covers S5: an expired Device
// certificate with force-factory cleared falls back to the factory identity
// and sets the fallback-observed flag.
func TestExpiredDeviceCertFallsBackToFactory(t *testing.T) {
	sim := sealhw.NewSimulator(0)
	s := seal.New(sim)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expired := selfSignedDER(t, "device-001", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	_, err := s.WriteData(context.Background(), slotreg.SlotDeviceCert, expired, true)
	require.NoError(t, err)

	mgr := clsm.New(s, timesource.FixedSource{T: now, Synced: true}, func(cn string) bool { return cn == "device-001" }, clsm.Policy{})
	mgr.ClearFlags()

	selection, err := mgr.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, clsm.UseFactoryFallback, selection)
	require.True(t, mgr.FallbackObserved())
	require.Equal(t, clsm.FallbackCertExpired, mgr.FallbackReason())
}

// TestNoTrustedTimeFallsBackToFactoryWithDistinctReason covers S6: an
// unsynchronized clock source fails closed to the factory identity and
// reports NoTrustedTime, distinct from the other fallback reasons, so
// operator tooling can tell them apart.
func TestNoTrustedTimeFallsBackToFactoryWithDistinctReason(t *testing.T) {
	sim := sealhw.NewSimulator(0)
	s := seal.New(sim)
	valid := selfSignedDER(t, "device-001", time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour))
	_, err := s.WriteData(context.Background(), slotreg.SlotDeviceCert, valid, true)
	require.NoError(t, err)

	mgr := clsm.New(s, timesource.FixedSource{T: time.Now(), Synced: false}, func(cn string) bool { return cn == "device-001" }, clsm.Policy{})
	mgr.ClearFlags()

	selection, err := mgr.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, clsm.UseFactoryFallback, selection)
	require.True(t, mgr.FallbackObserved())
	require.Equal(t, clsm.FallbackNoTrustedTime, mgr.FallbackReason())
}

