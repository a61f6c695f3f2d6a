package puw

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
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgecore/device/internal/clsm"
	"github.com/edgecore/device/internal/schemavalidation"
	"github.com/edgecore/device/internal/seal"
	"github.com/edgecore/device/internal/sealhw"
	"github.com/edgecore/device/internal/slotreg"
	"github.com/edgecore/device/internal/timesource"
)

func newTestWorkflow(t *testing.T) (*Workflow, *seal.Seal) {
	t.Helper()
	sim := sealhw.NewSimulator(0)
	s := seal.New(sim)
	v, err := schemavalidation.New()
	require.NoError(t, err)
	w := New(s, v, nil)
	w.commitFence = 0
	return w, s
}

func selfSignedDER(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// manifestWithAlgo builds a manifest-shaped byte slice carrying algo at byte
// 4 (the signature algorithm the element checks) and the trust-anchor
// slot's hardware object ID at bytes 8-9 (the target the element matches
// against), padded out with filler so real COSE payload bytes would follow.
func manifestWithAlgo(algo byte) []byte {
	m := []byte("manifest-bytes-long-enough-to-pass")
	m[4] = algo
	anchor := slotreg.MustLookup(slotreg.SlotTrustAnchor)
	binary.BigEndian.PutUint16(m[8:10], anchor.HWObject)
	return m
}

func validBundleJSON(t *testing.T, fragCount int) []byte {
	t.Helper()
	return bundleJSONWithManifest(t, fragCount, manifestWithAlgo(0x26))
}

func bundleJSONWithManifest(t *testing.T, fragCount int, manifest []byte) []byte {
	t.Helper()
	cert := selfSignedDER(t, "anchor")
	frags := map[string]any{
		"signing_certificate": b64(cert),
		"manifest":            b64(manifest),
		"fragment_count":      fragCount,
	}
	payload := []byte("new-device-cert-fragment-payload-bytes")
	switch fragCount {
	case 1:
		frags["fragment_0"] = b64(payload)
	case 2:
		frags["fragment_0"] = b64(payload[:20])
		frags["fragment_1"] = b64(payload[20:])
	case 3:
		frags["fragment_0"] = b64(payload[:10])
		frags["fragment_1"] = b64(payload[10:20])
		frags["fragment_2"] = b64(payload[20:])
	}
	raw, err := json.Marshal(frags)
	require.NoError(t, err)
	return raw
}

func TestRunInstallsFragmentsOnSuccess(t *testing.T) {
	w, s := newTestWorkflow(t)
	raw := validBundleJSON(t, 2)

	err := w.Run(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, StateComplete, w.State())

	data, status, err := s.ReadData(context.Background(), slotreg.SlotDeviceCert)
	require.NoError(t, err)
	require.Equal(t, seal.StatusOk, status)
	require.Equal(t, "new-device-cert-fragment-payload-bytes", string(data))
}

func TestRunConcatenatesThreeFragmentsInOrder(t *testing.T) {
	w, s := newTestWorkflow(t)
	raw := validBundleJSON(t, 3)

	err := w.Run(context.Background(), raw)
	require.NoError(t, err)

	data, _, err := s.ReadData(context.Background(), slotreg.SlotDeviceCert)
	require.NoError(t, err)
	require.Equal(t, "new-device-cert-fragment-payload-bytes", string(data))
}

func TestRunRejectsMalformedBundle(t *testing.T) {
	w, _ := newTestWorkflow(t)
	err := w.Run(context.Background(), []byte(`{"signing_certificate": "x"}`))
	require.Error(t, err)
	require.Equal(t, StateFailed, w.State())
}

func TestRunRejectsShortManifest(t *testing.T) {
	w, _ := newTestWorkflow(t)
	cert := selfSignedDER(t, "anchor")
	frags := map[string]any{
		"signing_certificate": b64(cert),
		"manifest":            b64([]byte("short")),
		"fragment_count":      1,
		"fragment_0":          b64([]byte("payload")),
	}
	raw, err := json.Marshal(frags)
	require.NoError(t, err)

	err = w.Run(context.Background(), raw)
	require.Error(t, err)
	require.Equal(t, StateFailed, w.State())
}

func TestRunClearsCLSMFlagsOnSuccess(t *testing.T) {
	sim := sealhw.NewSimulator(0)
	s := seal.New(sim)
	v, err := schemavalidation.New()
	require.NoError(t, err)

	mgr := clsm.New(s, timesource.FixedSource{T: time.Now(), Synced: true}, nil, clsm.Policy{})

	w := New(s, v, mgr)
	w.commitFence = 0
	raw := validBundleJSON(t, 1)
	require.NoError(t, w.Run(context.Background(), raw))
	require.False(t, mgr.FallbackObserved())
}

func TestRunDoesNotPanicWithNilCLSM(t *testing.T) {
	w, _ := newTestWorkflow(t)
	raw := validBundleJSON(t, 1)
	require.NoError(t, w.Run(context.Background(), raw))
}

// TestRunRejectsWrongSignatureAlgorithm covers a manifest signed with ES384
// (byte 4 = 0x27) instead of the only algorithm protected_update_start
// accepts: the element must reject it with SignatureInvalid, the Device
// cert slot must be left exactly as it was, and the rejection must carry
// enough diagnostic context to explain which anchor slot it checked against.
func TestRunRejectsWrongSignatureAlgorithm(t *testing.T) {
	w, s := newTestWorkflow(t)
	raw := bundleJSONWithManifest(t, 1, manifestWithAlgo(0x27))

	_, err := s.WriteData(context.Background(), slotreg.SlotDeviceCert, []byte("existing-device-cert"), true)
	require.NoError(t, err)
	before, _, err := s.ReadData(context.Background(), slotreg.SlotDeviceCert)
	require.NoError(t, err)

	err = w.Run(context.Background(), raw)
	require.Error(t, err)
	require.Equal(t, StateFailed, w.State())

	var manifestErr *ManifestError
	require.ErrorAs(t, err, &manifestErr)
	require.Equal(t, seal.StatusSignatureInvalid, manifestErr.Status)
	require.Equal(t, slotreg.ObjectTypeTrustAnchor, manifestErr.AnchorObjectType)
	require.Equal(t, seal.AccessAlways, manifestErr.AnchorExecuteAccess)

	after, _, err := s.ReadData(context.Background(), slotreg.SlotDeviceCert)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

// TestRunRejectsWrongTargetSlot covers a manifest whose target trust-anchor
// slot field doesn't match the slot PUW just committed; the element must
// reject it the same way it rejects a bad algorithm.
func TestRunRejectsWrongTargetSlot(t *testing.T) {
	w, _ := newTestWorkflow(t)
	manifest := manifestWithAlgo(0x26)
	manifest[8], manifest[9] = 0xFF, 0xFF // no such hardware object
	raw := bundleJSONWithManifest(t, 1, manifest)

	err := w.Run(context.Background(), raw)
	require.Error(t, err)

	var manifestErr *ManifestError
	require.ErrorAs(t, err, &manifestErr)
	require.Equal(t, seal.StatusSignatureInvalid, manifestErr.Status)
}
