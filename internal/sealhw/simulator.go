// Package sealhw provides seal.Element implementations: an in-memory
// Simulator for tests and secure-element-less hosts, and (on linux) a
// TPMBackend grounded in a real TPM 2.0 device.
package sealhw

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/edgecore/device/internal/seal"
	"github.com/edgecore/device/internal/slotreg"
)

// Simulator is an in-memory, goroutine-scheduled fake secure element. It
// honours the single-outstanding-operation contract of seal.Element and
// introduces a small artificial latency so callers that assume async
// hardware (rather than a same-goroutine callback) are exercised honestly.
//
// It is the default Element on hosts with no attached secure element and
// the backing store for every package's tests above seal.
type Simulator struct {
	mu      sync.Mutex
	busy    bool
	latency time.Duration

	objects map[slotreg.SlotID]*object
}

type object struct {
	data []byte
	meta seal.Metadata
	priv *ecdsa.PrivateKey // only set for key-bearing slots
}

// NewSimulator constructs a Simulator pre-seeded with factory identity
// material: a factory UID, the factory key, and factory-certificate slot
// metadata with no certificate bytes (SeedFactoryCert installs those); all
// other slots empty. latency is the artificial per-op delay;
// pass 0 for synchronous-feeling tests.
func NewSimulator(latency time.Duration) *Simulator {
	sim := &Simulator{
		latency: latency,
		objects: make(map[slotreg.SlotID]*object),
	}
	sim.seedFactoryIdentity()
	return sim
}

func (sim *Simulator) seedFactoryIdentity() {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		// Simulator construction is a test/startup-time concern; a
		// CSPRNG failure here is unrecoverable and should surface loudly
		// rather than silently produce an unusable fake device.
		panic(fmt.Sprintf("sealhw: simulator CSPRNG failure: %v", err))
	}
	sim.objects[slotreg.SlotFactoryKey] = &object{priv: key}
	sim.objects[slotreg.SlotFactoryUID] = &object{data: []byte("SIM-FACTORY-UID-0000000000")}
	sim.objects[slotreg.SlotFactoryCert] = &object{
		meta: seal.Metadata{
			Lcs:        seal.LcsOperational,
			ObjectType: slotreg.ObjectTypeDeviceCert,
			ReadAccess: seal.AccessAlways,
		},
	}
}

// SeedFactoryCert installs factory certificate bytes after construction, for
// tests that want a real-looking PEM/DER payload behind the factory slot.
func (sim *Simulator) SeedFactoryCert(der []byte) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	obj := sim.objects[slotreg.SlotFactoryCert]
	obj.data = der
	obj.meta.UsedSize = uint16(len(der))
	obj.meta.MaxSize = uint16(slotreg.MustLookup(slotreg.SlotFactoryCert).MaxSize)
}

// Begin implements seal.Element.
func (sim *Simulator) Begin(req seal.Request, onDone func(seal.Completion)) (bool, error) {
	sim.mu.Lock()
	if sim.busy {
		sim.mu.Unlock()
		return false, nil
	}
	sim.busy = true
	sim.mu.Unlock()

	go func() {
		if sim.latency > 0 {
			time.Sleep(sim.latency)
		}
		completion := sim.execute(req)
		sim.mu.Lock()
		sim.busy = false
		sim.mu.Unlock()
		onDone(completion)
	}()
	return true, nil
}

func (sim *Simulator) execute(req seal.Request) seal.Completion {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	switch req.Kind {
	case seal.OpReadData:
		obj := sim.objects[req.Slot]
		if obj == nil {
			return seal.Completion{Status: seal.StatusInvalidData}
		}
		return seal.Completion{Status: seal.StatusOk, Data: append([]byte(nil), obj.data...)}

	case seal.OpWriteData:
		obj := sim.objects[req.Slot]
		if obj == nil {
			obj = &object{}
			sim.objects[req.Slot] = obj
		}
		if req.Erase {
			obj.data = nil
		}
		obj.data = append([]byte(nil), req.Data...)
		obj.meta.UsedSize = uint16(len(obj.data))
		return seal.Completion{Status: seal.StatusOk}

	case seal.OpReadMetadata:
		obj := sim.objects[req.Slot]
		if obj == nil {
			return seal.Completion{Status: seal.StatusInvalidData}
		}
		return seal.Completion{Status: seal.StatusOk, Data: seal.EncodeMetadata(obj.meta)}

	case seal.OpWriteMetadata:
		obj := sim.objects[req.Slot]
		if obj == nil {
			obj = &object{}
			sim.objects[req.Slot] = obj
		}
		// Once LcsO has advanced to Operational, a rewrite that again
		// requests Operational is refused with LcsLocked, so higher layers
		// exercise that error path; other rewrites are accepted.
		if obj.meta.Lcs == seal.LcsOperational && req.Meta.Lcs == seal.LcsOperational {
			return seal.Completion{Status: seal.StatusLcsLocked}
		}
		obj.meta = req.Meta
		return seal.Completion{Status: seal.StatusOk}

	case seal.OpGenerateKeypair:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return seal.Completion{Status: seal.StatusHardwareFault}
		}
		obj := sim.objects[req.Slot]
		if obj == nil {
			obj = &object{}
			sim.objects[req.Slot] = obj
		}
		obj.priv = key
		if !req.ExportPub {
			return seal.Completion{Status: seal.StatusOk}
		}
		return seal.Completion{Status: seal.StatusOk, Data: elliptic.Marshal(elliptic.P256(), key.PublicKey.X, key.PublicKey.Y)}

	case seal.OpExportPublic:
		obj := sim.objects[req.Slot]
		if obj == nil || obj.priv == nil {
			return seal.Completion{Status: seal.StatusInvalidSlot}
		}
		return seal.Completion{Status: seal.StatusOk, Data: elliptic.Marshal(elliptic.P256(), obj.priv.PublicKey.X, obj.priv.PublicKey.Y)}

	case seal.OpSignHash:
		obj := sim.objects[req.Slot]
		if obj == nil || obj.priv == nil {
			return seal.Completion{Status: seal.StatusInvalidSlot}
		}
		if len(req.Data) != sha256.Size {
			return seal.Completion{Status: seal.StatusInvalidData}
		}
		der, err := ecdsa.SignASN1(rand.Reader, obj.priv, req.Data)
		if err != nil {
			return seal.Completion{Status: seal.StatusHardwareFault}
		}
		return seal.Completion{Status: seal.StatusOk, Data: der}

	case seal.OpProtectedUpdateStart:
		anchor := sim.objects[slotreg.SlotTrustAnchor]
		if anchor == nil || len(anchor.data) == 0 {
			return seal.Completion{Status: seal.StatusMetadataMismatch}
		}
		if status := verifyManifest(req.Data); status != seal.StatusOk {
			return seal.Completion{Status: status}
		}
		return seal.Completion{Status: seal.StatusOk}

	case seal.OpProtectedUpdateFinal:
		// Installs the verified fragment payload as the new Device
		// certificate — the one target slot PUW's
		// manifest/anchor pair protects in this registry.
		obj := sim.objects[slotreg.SlotDeviceCert]
		if obj == nil {
			obj = &object{}
			sim.objects[slotreg.SlotDeviceCert] = obj
		}
		obj.data = append([]byte(nil), req.Data...)
		obj.meta.UsedSize = uint16(len(obj.data))
		return seal.Completion{Status: seal.StatusOk}

	default:
		return seal.Completion{Status: seal.StatusHardwareFault}
	}
}

var _ seal.Element = (*Simulator)(nil)
