//go:build linux

package sealhw

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"fmt"
	"math/big"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/edgecore/device/internal/seal"
	"github.com/edgecore/device/internal/slotreg"
)

// tpmDevicePaths mirrors the resource-manager-first preference of a real
// TPM 2.0 host: the kernel resource manager serialises sessions for us, so
// it is tried before the raw device node.
var tpmDevicePaths = []string{
	"/dev/tpmrm0",
	"/dev/tpm0",
}

// nvBaseIndex is the first NV index in the platform's reserved range used
// for data-bearing slots (certificates, the trust anchor, user data, the
// renew counter). Each logical slot's HWObject offsets from this base so
// the mapping is stable across firmware builds.
const nvBaseIndex = 0x01500000

// TPMBackend is a seal.Element backed by a TPM 2.0 device. srkHandle is the
// SRK-equivalent parent all device keys are created under; it is re-derived
// (not persisted) on every open.
type TPMBackend struct {
	mu         sync.Mutex
	devicePath string
	transport  transport.TPM
	srkHandle  tpm2.TPMHandle
	keyHandles map[slotreg.SlotID]tpm2.TPMHandle
	metaCache  map[slotreg.SlotID]seal.Metadata // companion attribute area for data slots
	busy       bool
}

// DetectTPMBackend probes the usual Linux TPM device paths and returns a
// ready TPMBackend, or nil if no device is present (callers should fall
// back to Simulator).
func DetectTPMBackend() *TPMBackend {
	for _, path := range tpmDevicePaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		tr, err := transport.OpenTPM(path)
		if err != nil {
			continue
		}
		return &TPMBackend{
			devicePath: path,
			transport:  tr,
			keyHandles: make(map[slotreg.SlotID]tpm2.TPMHandle),
		}
	}
	return nil
}

func (b *TPMBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.srkHandle != 0 {
		tpm2.FlushContext{FlushHandle: b.srkHandle}.Execute(b.transport)
		b.srkHandle = 0
	}
	if b.transport != nil {
		return b.transport.Close()
	}
	return nil
}

// Begin implements seal.Element. Like Simulator, it accepts the request,
// runs it on a new goroutine and calls onDone exactly once when it
// completes. The TPM transport is not safe for concurrent command
// submission, so a second Begin while one request is outstanding is
// refused (returns false), and execute holds b.mu for the whole command.
func (b *TPMBackend) Begin(req seal.Request, onDone func(seal.Completion)) (bool, error) {
	b.mu.Lock()
	if b.busy {
		b.mu.Unlock()
		return false, nil
	}
	b.busy = true
	b.mu.Unlock()

	go func() {
		c := b.execute(req)
		b.mu.Lock()
		b.busy = false
		b.mu.Unlock()
		onDone(c)
	}()
	return true, nil
}

func (b *TPMBackend) execute(req seal.Request) seal.Completion {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, err := slotreg.Lookup(req.Slot)
	if err != nil {
		return seal.Completion{Status: seal.StatusInvalidSlot}
	}
	nvIndex := tpm2.TPMHandle(nvBaseIndex + uint32(entry.HWObject))

	switch req.Kind {
	case seal.OpReadData:
		data, err := b.nvRead(nvIndex, entry.MaxSize)
		if err != nil {
			return seal.Completion{Status: seal.StatusHardwareFault}
		}
		return seal.Completion{Status: seal.StatusOk, Data: data}

	case seal.OpWriteData:
		if err := b.nvWrite(nvIndex, entry.MaxSize, req.Data); err != nil {
			return seal.Completion{Status: seal.StatusHardwareFault}
		}
		return seal.Completion{Status: seal.StatusOk}

	case seal.OpReadMetadata:
		// Metadata is kept in the in-memory metaCache written by
		// OpWriteMetadata, not in the NV index; it does not survive a
		// restart. Real hardware keeps it in the object's companion
		// attribute area.
		meta, ok := b.metaCache[req.Slot]
		if !ok {
			return seal.Completion{Status: seal.StatusMetadataMismatch}
		}
		return seal.Completion{Status: seal.StatusOk, Data: seal.EncodeMetadata(meta)}

	case seal.OpWriteMetadata:
		if b.metaCache == nil {
			b.metaCache = make(map[slotreg.SlotID]seal.Metadata)
		}
		if existing, ok := b.metaCache[req.Slot]; ok && existing.Lcs == seal.LcsOperational && req.Meta.Lcs == seal.LcsOperational {
			return seal.Completion{Status: seal.StatusLcsLocked}
		}
		b.metaCache[req.Slot] = req.Meta
		return seal.Completion{Status: seal.StatusOk}

	case seal.OpGenerateKeypair:
		handle, pub, err := b.createECCKey()
		if err != nil {
			return seal.Completion{Status: seal.StatusHardwareFault}
		}
		b.keyHandles[req.Slot] = handle
		if !req.ExportPub {
			return seal.Completion{Status: seal.StatusOk}
		}
		return seal.Completion{Status: seal.StatusOk, Data: elliptic.Marshal(elliptic.P256(), pub.X, pub.Y)}

	case seal.OpExportPublic:
		handle, ok := b.keyHandles[req.Slot]
		if !ok {
			return seal.Completion{Status: seal.StatusInvalidSlot}
		}
		pub, err := b.readPublicOfHandle(handle)
		if err != nil {
			return seal.Completion{Status: seal.StatusHardwareFault}
		}
		return seal.Completion{Status: seal.StatusOk, Data: elliptic.Marshal(elliptic.P256(), pub.X, pub.Y)}

	case seal.OpSignHash:
		handle, ok := b.keyHandles[req.Slot]
		if !ok {
			return seal.Completion{Status: seal.StatusInvalidSlot}
		}
		der, err := b.signWithHandle(handle, req.Data)
		if err != nil {
			return seal.Completion{Status: seal.StatusHardwareFault}
		}
		return seal.Completion{Status: seal.StatusOk, Data: der}

	case seal.OpProtectedUpdateStart:
		anchor, ok := b.metaCache[slotreg.SlotTrustAnchor]
		if !ok || anchor.UsedSize == 0 {
			return seal.Completion{Status: seal.StatusMetadataMismatch}
		}
		if status := verifyManifest(req.Data); status != seal.StatusOk {
			return seal.Completion{Status: status}
		}
		return seal.Completion{Status: seal.StatusOk}

	case seal.OpProtectedUpdateFinal:
		// Installs the verified fragment payload as the new Device
		// certificate.
		idx := tpm2.TPMHandle(nvBaseIndex + uint32(slotreg.MustLookup(slotreg.SlotDeviceCert).HWObject))
		if err := b.nvWrite(idx, len(req.Data), req.Data); err != nil {
			return seal.Completion{Status: seal.StatusHardwareFault}
		}
		return seal.Completion{Status: seal.StatusOk}

	default:
		return seal.Completion{Status: seal.StatusHardwareFault}
	}
}

func (b *TPMBackend) ensurePrimary() (tpm2.TPMHandle, error) {
	if b.srkHandle != 0 {
		return b.srkHandle, nil
	}
	cmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgECC,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:             true,
				FixedParent:          true,
				SensitiveDataOrigin:  true,
				UserWithAuth:         true,
				Restricted:           true,
				Decrypt:              true,
			},
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgECC,
				&tpm2.TPMSECCParms{
					CurveID: tpm2.TPMECCNistP256,
					Scheme:  tpm2.TPMTECCScheme{Scheme: tpm2.TPMAlgNull},
				},
			),
		}),
	}
	rsp, err := cmd.Execute(b.transport)
	if err != nil {
		return 0, err
	}
	b.srkHandle = rsp.ObjectHandle
	return b.srkHandle, nil
}

func (b *TPMBackend) createECCKey() (tpm2.TPMHandle, *ecdsa.PublicKey, error) {
	parent, err := b.ensurePrimary()
	if err != nil {
		return 0, nil, fmt.Errorf("sealhw: primary key: %w", err)
	}

	public := tpm2.New2B(tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgECC,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			SignEncrypt:         true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgECC,
			&tpm2.TPMSECCParms{
				CurveID: tpm2.TPMECCNistP256,
				Scheme: tpm2.TPMTECCScheme{
					Scheme: tpm2.TPMAlgECDSA,
					Details: tpm2.NewTPMUAsymScheme(
						tpm2.TPMAlgECDSA,
						&tpm2.TPMSSigSchemeECDSA{HashAlg: tpm2.TPMAlgSHA256},
					),
				},
			},
		),
	})

	createCmd := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{Handle: parent, Auth: tpm2.PasswordAuth(nil)},
		InPublic:     public,
	}
	createRsp, err := createCmd.Execute(b.transport)
	if err != nil {
		return 0, nil, fmt.Errorf("sealhw: create key: %w", err)
	}

	loadCmd := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{Handle: parent, Auth: tpm2.PasswordAuth(nil)},
		InPrivate:    createRsp.OutPrivate,
		InPublic:     createRsp.OutPublic,
	}
	loadRsp, err := loadCmd.Execute(b.transport)
	if err != nil {
		return 0, nil, fmt.Errorf("sealhw: load key: %w", err)
	}

	pub, err := createRsp.OutPublic.Contents()
	if err != nil {
		return 0, nil, err
	}
	eccUnique, err := pub.Unique.ECC()
	if err != nil {
		return 0, nil, err
	}
	pubKey := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(eccUnique.X.Buffer),
		Y:     new(big.Int).SetBytes(eccUnique.Y.Buffer),
	}
	return loadRsp.ObjectHandle, pubKey, nil
}

func (b *TPMBackend) readPublicOfHandle(handle tpm2.TPMHandle) (*ecdsa.PublicKey, error) {
	cmd := tpm2.ReadPublic{ObjectHandle: handle}
	rsp, err := cmd.Execute(b.transport)
	if err != nil {
		return nil, fmt.Errorf("sealhw: read public: %w", err)
	}
	pub, err := rsp.OutPublic.Contents()
	if err != nil {
		return nil, err
	}
	eccUnique, err := pub.Unique.ECC()
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(eccUnique.X.Buffer),
		Y:     new(big.Int).SetBytes(eccUnique.Y.Buffer),
	}, nil
}

func (b *TPMBackend) signWithHandle(handle tpm2.TPMHandle, digest []byte) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("sealhw: digest must be %d bytes", sha256.Size)
	}
	cmd := tpm2.Sign{
		KeyHandle: tpm2.AuthHandle{Handle: handle, Auth: tpm2.PasswordAuth(nil)},
		Digest:    tpm2.TPM2BDigest{Buffer: digest},
		InScheme: tpm2.TPMTSigScheme{
			Scheme: tpm2.TPMAlgECDSA,
			Details: tpm2.NewTPMUSigScheme(
				tpm2.TPMAlgECDSA,
				&tpm2.TPMSSchemeHash{HashAlg: tpm2.TPMAlgSHA256},
			),
		},
		Validation: tpm2.TPMTTKHashcheck{Tag: tpm2.TPMSTHashcheck},
	}
	rsp, err := cmd.Execute(b.transport)
	if err != nil {
		return nil, fmt.Errorf("sealhw: sign: %w", err)
	}
	ecdsaSig, err := rsp.Signature.Signature.ECDSA()
	if err != nil {
		return nil, err
	}
	r := new(big.Int).SetBytes(ecdsaSig.SignatureR.Buffer)
	s := new(big.Int).SetBytes(ecdsaSig.SignatureS.Buffer)
	return derFromRS(r, s)
}

func (b *TPMBackend) nvRead(index tpm2.TPMHandle, size int) ([]byte, error) {
	if err := b.ensureNVIndex(index, size); err != nil {
		return nil, err
	}
	cmd := tpm2.NVRead{
		AuthHandle: tpm2.AuthHandle{Handle: index, Auth: tpm2.PasswordAuth(nil)},
		NVIndex:    index,
		Size:       uint16(size),
		Offset:     0,
	}
	rsp, err := cmd.Execute(b.transport)
	if err != nil {
		return nil, err
	}
	return rsp.Data.Buffer, nil
}

func (b *TPMBackend) nvWrite(index tpm2.TPMHandle, size int, data []byte) error {
	if err := b.ensureNVIndex(index, size); err != nil {
		return err
	}
	cmd := tpm2.NVWrite{
		AuthHandle: tpm2.AuthHandle{Handle: index, Auth: tpm2.PasswordAuth(nil)},
		NVIndex:    index,
		Data:       tpm2.TPM2BMaxNVBuffer{Buffer: data},
		Offset:     0,
	}
	_, err := cmd.Execute(b.transport)
	return err
}

func (b *TPMBackend) ensureNVIndex(index tpm2.TPMHandle, size int) error {
	readPub := tpm2.NVReadPublic{NVIndex: index}
	if _, err := readPub.Execute(b.transport); err == nil {
		return nil
	}
	define := tpm2.NVDefineSpace{
		AuthHandle: tpm2.TPMRHOwner,
		Auth:       tpm2.TPM2BAuth{Buffer: nil},
		PublicInfo: tpm2.New2B(tpm2.TPMSNVPublic{
			NVIndex:    index,
			NameAlg:    tpm2.TPMAlgSHA256,
			Attributes: tpm2.TPMANV{NT: tpm2.TPMNTOrdinary, OwnerWrite: true, OwnerRead: true},
			DataSize:   uint16(size),
		}),
	}
	_, err := define.Execute(b.transport)
	return err
}

func derFromRS(r, s *big.Int) ([]byte, error) {
	return seal.RawToDER(padTo32(r, s))
}

func padTo32(r, s *big.Int) []byte {
	out := make([]byte, 64)
	rb := r.Bytes()
	sb := s.Bytes()
	copy(out[32-len(rb):32], rb)
	copy(out[64-len(sb):], sb)
	return out
}

var _ seal.Element = (*TPMBackend)(nil)
