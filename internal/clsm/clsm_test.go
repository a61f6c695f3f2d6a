package clsm

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
	"github.com/edgecore/device/internal/timesource"
	"github.com/stretchr/testify/require"
)

func selfSignedDER(t *testing.T, subjectCN string, notBefore, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: subjectCN},
		Issuer:       pkix.Name{CommonName: subjectCN},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func newTestManager(t *testing.T, now time.Time, identity IdentityMatcher, policy Policy) (*Manager, *seal.Seal) {
	t.Helper()
	sim := sealhw.NewSimulator(0)
	s := seal.New(sim)
	ts := timesource.FixedSource{T: now, Synced: true}
	return New(s, ts, identity, policy), s
}

func TestSelectForceFactoryDefaultsOnAtBoot(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, now, nil, Policy{})

	selection, err := m.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, UseFactorySafeMode, selection)
	require.Equal(t, StateActive, m.State())
	require.False(t, m.FallbackObserved())
}

func TestSelectUsesDeviceCertWhenValidAndMatching(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	der := selfSignedDER(t, "device-001", now.Add(-time.Hour), now.Add(24*time.Hour))

	m, s := newTestManager(t, now, func(cn string) bool { return cn == "device-001" }, Policy{})
	m.policy.ForceFactory = false // simulate a warm boot past the default

	_, err := s.WriteData(context.Background(), slotreg.SlotDeviceCert, der, true)
	require.NoError(t, err)

	selection, err := m.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, UseDevice, selection)
	require.False(t, m.FallbackObserved())
}

func TestSelectFallsBackOnExpiredCert(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	der := selfSignedDER(t, "device-001", now.Add(-48*time.Hour), now.Add(-time.Hour))

	m, s := newTestManager(t, now, func(cn string) bool { return cn == "device-001" }, Policy{})
	m.policy.ForceFactory = false
	_, err := s.WriteData(context.Background(), slotreg.SlotDeviceCert, der, true)
	require.NoError(t, err)

	selection, err := m.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, UseFactoryFallback, selection)
	require.True(t, m.FallbackObserved())
	require.Equal(t, FallbackCertExpired, m.FallbackReason())
}

func TestSelectFallsBackOnIdentityMismatch(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	der := selfSignedDER(t, "someone-else", now.Add(-time.Hour), now.Add(24*time.Hour))

	m, s := newTestManager(t, now, func(cn string) bool { return cn == "device-001" }, Policy{})
	m.policy.ForceFactory = false
	_, err := s.WriteData(context.Background(), slotreg.SlotDeviceCert, der, true)
	require.NoError(t, err)

	selection, err := m.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, UseFactoryFallback, selection)
	require.True(t, m.FallbackObserved())
	require.Equal(t, FallbackIdentityMismatch, m.FallbackReason())
}

func TestSelectFailsClosedWhenClockUnsynced(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	der := selfSignedDER(t, "device-001", now.Add(-time.Hour), now.Add(24*time.Hour))

	sim := sealhw.NewSimulator(0)
	s := seal.New(sim)
	_, err := s.WriteData(context.Background(), slotreg.SlotDeviceCert, der, true)
	require.NoError(t, err)

	unsynced := timesource.FixedSource{T: now, Synced: false}
	m := New(s, unsynced, func(cn string) bool { return cn == "device-001" }, Policy{})
	m.policy.ForceFactory = false

	selection, err := m.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, UseFactoryFallback, selection)
	require.True(t, m.FallbackObserved())
	require.Equal(t, FallbackNoTrustedTime, m.FallbackReason())
}

func TestInstallClearsForceFactoryAndFallbackFlags(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, now, func(cn string) bool { return cn == "device-001" }, Policy{})

	_, err := m.Select(context.Background())
	require.NoError(t, err)
	require.True(t, m.policy.ForceFactory)

	der := selfSignedDER(t, "device-001", now.Add(-time.Hour), now.Add(24*time.Hour))
	m.BeginRenewal()
	require.Equal(t, StateRenewing, m.State())

	err = m.Install(context.Background(), der)
	require.NoError(t, err)
	require.Equal(t, StateActive, m.State())
	require.False(t, m.policy.ForceFactory)
	require.False(t, m.FallbackObserved())

	selection, err := m.Select(context.Background())
	require.NoError(t, err)
	require.Equal(t, UseDevice, selection)
}

func TestShouldTriggerRenewalRespectsPolicy(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	der := selfSignedDER(t, "device-001", now.Add(-48*time.Hour), now.Add(-time.Hour))

	m, s := newTestManager(t, now, func(cn string) bool { return cn == "device-001" }, Policy{AutoOnFallback: true})
	m.policy.ForceFactory = false
	_, err := s.WriteData(context.Background(), slotreg.SlotDeviceCert, der, true)
	require.NoError(t, err)

	_, err = m.Select(context.Background())
	require.NoError(t, err)
	require.True(t, m.ShouldTriggerRenewal())
}

func TestSelectionSlotMapping(t *testing.T) {
	require.Equal(t, slotreg.SlotDeviceKey, UseDevice.KeySlot())
	require.Equal(t, slotreg.SlotFactoryKey, UseFactorySafeMode.KeySlot())
	require.Equal(t, slotreg.SlotFactoryKey, UseFactoryFallback.KeySlot())
	require.Equal(t, slotreg.SlotDeviceCert, UseDevice.CertSlot())
	require.Equal(t, slotreg.SlotFactoryCert, UseFactorySafeMode.CertSlot())
}
