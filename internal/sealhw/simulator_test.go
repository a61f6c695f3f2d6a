package sealhw

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"testing"
	"time"

	"github.com/edgecore/device/internal/seal"
	"github.com/edgecore/device/internal/slotreg"
	"github.com/stretchr/testify/require"
)

// validManifest builds a manifest-shaped payload carrying ES256 (0x26) at
// byte 4 and the trust-anchor slot's hardware object ID at bytes 8-9, the
// two fields protected_update_start inspects before trusting the rest.
func validManifest() []byte {
	m := []byte("manifest-bytes-long-enough-xxxx")
	m[4] = 0x26
	binary.BigEndian.PutUint16(m[8:10], slotreg.MustLookup(slotreg.SlotTrustAnchor).HWObject)
	return m
}

func TestSimulatorReadFactoryUID(t *testing.T) {
	sim := NewSimulator(0)
	s := seal.New(sim)
	data, status, err := s.ReadData(context.Background(), slotreg.SlotFactoryUID)
	require.NoError(t, err)
	require.Equal(t, seal.StatusOk, status)
	require.NotEmpty(t, data)
}

func TestSimulatorGenerateAndSign(t *testing.T) {
	sim := NewSimulator(time.Millisecond)
	s := seal.New(sim)

	pub, status, err := s.GenerateKeypair(context.Background(), slotreg.SlotDeviceKey, seal.CurveP256, seal.KeyUsageSign, true)
	require.NoError(t, err)
	require.Equal(t, seal.StatusOk, status)
	require.NotEmpty(t, pub)

	digest := sha256.Sum256([]byte("hello"))
	raw, status, err := s.SignHash(context.Background(), slotreg.SlotDeviceKey, digest)
	require.NoError(t, err)
	require.Equal(t, seal.StatusOk, status)
	require.Len(t, raw, 64)
}

func TestSimulatorWriteMetadataLocksAfterOperational(t *testing.T) {
	sim := NewSimulator(0)
	s := seal.New(sim)

	_, err := s.WriteMetadata(context.Background(), slotreg.SlotDeviceCert, seal.Metadata{Lcs: seal.LcsOperational})
	require.NoError(t, err)

	status, err := s.WriteMetadata(context.Background(), slotreg.SlotDeviceCert, seal.Metadata{Lcs: seal.LcsOperational})
	require.Error(t, err)
	require.Equal(t, seal.StatusLcsLocked, status)
}

func TestSimulatorProtectedUpdateRequiresTrustAnchor(t *testing.T) {
	sim := NewSimulator(0)
	s := seal.New(sim)

	l := s.Lock()
	defer l.Unlock()

	status, err := l.ProtectedUpdateStart(context.Background(), validManifest())
	require.Error(t, err)
	require.Equal(t, seal.StatusMetadataMismatch, status)

	status, err = l.WriteData(context.Background(), slotreg.SlotTrustAnchor, []byte("anchor-der"), true)
	require.NoError(t, err)
	require.Equal(t, seal.StatusOk, status)

	status, err = l.ProtectedUpdateStart(context.Background(), validManifest())
	require.NoError(t, err)
	require.Equal(t, seal.StatusOk, status)
}

func TestSimulatorProtectedUpdateRejectsWrongAlgorithm(t *testing.T) {
	sim := NewSimulator(0)
	s := seal.New(sim)

	l := s.Lock()
	defer l.Unlock()

	_, err := l.WriteData(context.Background(), slotreg.SlotTrustAnchor, []byte("anchor-der"), true)
	require.NoError(t, err)

	manifest := validManifest()
	manifest[4] = 0x27 // ES384, not accepted
	status, err := l.ProtectedUpdateStart(context.Background(), manifest)
	require.Error(t, err)
	require.Equal(t, seal.StatusSignatureInvalid, status)
}

func TestSimulatorProtectedUpdateRejectsWrongTargetSlot(t *testing.T) {
	sim := NewSimulator(0)
	s := seal.New(sim)

	l := s.Lock()
	defer l.Unlock()

	_, err := l.WriteData(context.Background(), slotreg.SlotTrustAnchor, []byte("anchor-der"), true)
	require.NoError(t, err)

	manifest := validManifest()
	binary.BigEndian.PutUint16(manifest[8:10], 0xFFFF)
	status, err := l.ProtectedUpdateStart(context.Background(), manifest)
	require.Error(t, err)
	require.Equal(t, seal.StatusSignatureInvalid, status)
}

func TestSimulatorSeedFactoryCert(t *testing.T) {
	sim := NewSimulator(0)
	sim.SeedFactoryCert([]byte("fake-der-bytes"))
	s := seal.New(sim)

	data, status, err := s.ReadData(context.Background(), slotreg.SlotFactoryCert)
	require.NoError(t, err)
	require.Equal(t, seal.StatusOk, status)
	require.Equal(t, []byte("fake-der-bytes"), data)
}
