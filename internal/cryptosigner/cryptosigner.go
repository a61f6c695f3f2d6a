// Package cryptosigner implements the PSA-style opaque-key driver that
// binds a TLS stack's ECDSA-sign callback to a secure-element key slot. It
// never holds key material itself: every handle is a thin reference to a
// slot, and "generate" attaches an existing slot rather than producing one
// (keypair generation belongs to the CSR builder).
package cryptosigner

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/edgecore/device/internal/seal"
	"github.com/edgecore/device/internal/slotreg"
)

// MaxHandles bounds the number of concurrent TLS identities the driver can
// back.
const MaxHandles = 4

// Handle identifies one allocated driver slot binding.
type Handle int

// ErrNoFreeHandle is returned by Allocate once MaxHandles are in use.
var ErrNoFreeHandle = errors.New("cryptosigner: no free handle")

// ErrHandleNotAllocated is returned by any operation on an unallocated or
// already-destroyed handle.
var ErrHandleNotAllocated = errors.New("cryptosigner: handle not allocated")

type binding struct {
	inUse bool
	slot  slotreg.SlotID
	pub   *ecdsa.PublicKey
}

// Driver is the opaque-key driver. One Driver is shared by every TLS
// session a device maintains concurrently.
type Driver struct {
	seal *seal.Seal

	mu      sync.RWMutex
	handles [MaxHandles]binding
}

// New constructs a Driver bound to s.
func New(s *seal.Seal) *Driver {
	return &Driver{seal: s}
}

// Allocate attaches slot to a new handle ("generate_key" in PSA terms: no
// key material is produced, an existing slot is bound). exportPub controls
// whether the uncompressed public point is fetched and cached immediately;
// when false, ExportPublic performs a fresh SEAL round trip on demand.
func (d *Driver) Allocate(ctx context.Context, slot slotreg.SlotID, exportPub bool) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := -1
	for i := range d.handles {
		if !d.handles[i].inUse {
			idx = i
			break
		}
	}
	if idx < 0 {
		return -1, ErrNoFreeHandle
	}

	b := binding{inUse: true, slot: slot}
	if exportPub {
		pub, err := d.readPublicLocked(ctx, slot)
		if err != nil {
			return -1, err
		}
		b.pub = pub
	}
	d.handles[idx] = b
	return Handle(idx), nil
}

// Destroy releases a handle. It does not touch the underlying slot.
func (d *Driver) Destroy(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.validLocked(h) {
		return ErrHandleNotAllocated
	}
	d.handles[h] = binding{}
	return nil
}

// Rebind swaps the slot a live handle points to without destroying the
// TLS-layer key object wrapping this handle.
func (d *Driver) Rebind(ctx context.Context, h Handle, slot slotreg.SlotID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.validLocked(h) {
		return ErrHandleNotAllocated
	}
	pub, err := d.readPublicLocked(ctx, slot)
	if err != nil {
		// Not every slot exports its public point (e.g. never-generated
		// Device key); cache nothing and let ExportPublic fail later.
		d.handles[h] = binding{inUse: true, slot: slot}
		return nil
	}
	d.handles[h] = binding{inUse: true, slot: slot, pub: pub}
	return nil
}

func (d *Driver) validLocked(h Handle) bool {
	return h >= 0 && int(h) < MaxHandles && d.handles[h].inUse
}

// ExportPublic returns the handle's cached public key, reading it fresh
// from the secure element if not cached.
func (d *Driver) ExportPublic(ctx context.Context, h Handle) (*ecdsa.PublicKey, error) {
	d.mu.RLock()
	if !d.validLocked(h) {
		d.mu.RUnlock()
		return nil, ErrHandleNotAllocated
	}
	if d.handles[h].pub != nil {
		pub := d.handles[h].pub
		d.mu.RUnlock()
		return pub, nil
	}
	slot := d.handles[h].slot
	d.mu.RUnlock()

	pub, err := d.readPublicLocked(ctx, slot)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.validLocked(h) {
		d.handles[h].pub = pub
	}
	d.mu.Unlock()
	return pub, nil
}

func (d *Driver) readPublicLocked(ctx context.Context, slot slotreg.SlotID) (*ecdsa.PublicKey, error) {
	data, status, err := d.seal.ExportPublic(ctx, slot)
	if err != nil {
		return nil, err
	}
	if status != seal.StatusOk {
		return nil, fmt.Errorf("cryptosigner: export public for slot %d: %s", slot, status)
	}
	return unmarshalPoint(data)
}

func unmarshalPoint(data []byte) (*ecdsa.PublicKey, error) {
	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, data)
	if x == nil {
		return nil, fmt.Errorf("cryptosigner: malformed public point (%d bytes)", len(data))
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// SignHash signs a 32-byte digest with the handle's bound slot, returning a
// fixed-width 64-byte raw r||s signature.
func (d *Driver) SignHash(ctx context.Context, h Handle, digest [32]byte) ([]byte, error) {
	d.mu.RLock()
	if !d.validLocked(h) {
		d.mu.RUnlock()
		return nil, ErrHandleNotAllocated
	}
	slot := d.handles[h].slot
	d.mu.RUnlock()

	raw, status, err := d.seal.SignHash(ctx, slot, digest)
	if err != nil {
		return nil, err
	}
	if status != seal.StatusOk {
		return nil, fmt.Errorf("cryptosigner: sign_hash slot %d: %s", slot, status)
	}
	return raw, nil
}

// TLSSigner adapts one allocated Handle to crypto.Signer, the interface
// Go's tls.Certificate.PrivateKey expects for the CertificateVerify step.
// It is the opaque-key object a TLS config binds to; Rebind on the
// underlying Driver changes what it signs with without replacing this
// object, so an in-flight handshake observes a consistent key.
type TLSSigner struct {
	driver *Driver
	handle Handle
	ctx    context.Context
}

// NewTLSSigner wraps an allocated handle for use as a crypto.Signer. ctx
// bounds every SEAL call the signer makes; callers typically pass a
// long-lived background context here since TLS libraries do not thread a
// context through Sign.
func NewTLSSigner(ctx context.Context, d *Driver, h Handle) *TLSSigner {
	return &TLSSigner{driver: d, handle: h, ctx: ctx}
}

// Public implements crypto.Signer.
func (t *TLSSigner) Public() crypto.PublicKey {
	pub, err := t.driver.ExportPublic(t.ctx, t.handle)
	if err != nil {
		return nil
	}
	return pub
}

// Sign implements crypto.Signer. opts must request SHA-256 (the only
// digest this signing path supports, matching the hardware's ECDSA-P256-
// SHA256 CertificateVerify requirement).
func (t *TLSSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts.HashFunc() != crypto.SHA256 {
		return nil, fmt.Errorf("cryptosigner: unsupported hash %v, want SHA-256", opts.HashFunc())
	}
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("cryptosigner: digest is %d bytes, want %d", len(digest), sha256.Size)
	}
	var d [32]byte
	copy(d[:], digest)

	raw, err := t.driver.SignHash(t.ctx, t.handle, d)
	if err != nil {
		return nil, err
	}
	return seal.RawToDER(raw)
}

var _ crypto.Signer = (*TLSSigner)(nil)
