// Package seal implements the Secure Element Access Layer: a single-
// initiator, mutex-serialised, callback-driven request/reply protocol to
// the secure element, exposing synchronous semantics to callers.
//
// Every exported call acquires the global element mutex, starts one async
// hardware operation, and blocks on a one-shot completion channel bounded
// by a timeout — a channel-based design (see DESIGN.md) that keeps a
// blocking synchronous call above an async primitive without relying on
// manual memory-ordering.
package seal

import (
	"context"
	"fmt"
	"time"

	"github.com/edgecore/device/internal/slotreg"
)

const (
	// DefaultTimeout bounds most SEAL calls.
	DefaultTimeout = 5 * time.Second
	// MetadataTimeout bounds read/write-metadata calls.
	MetadataTimeout = 10 * time.Second
)

// Seal serialises access to a single Element.
type Seal struct {
	element Element
	mu      chan struct{} // 1-buffered: acts as a non-reentrant mutex with TryLock support
}

// New constructs a Seal bound to the given hardware (or simulated) element.
func New(element Element) *Seal {
	s := &Seal{
		element: element,
		mu:      make(chan struct{}, 1),
	}
	s.mu <- struct{}{}
	return s
}

// Locked is a Seal with its element lock already held. Its methods perform
// one hardware call each without acquiring the lock themselves; obtain one
// via Seal.Lock and always pair it with Locked.Unlock.
//
// It is an acquire/release handle: a reusable utility under a held lock.
// Batch callers (the protected-update workflow in particular) use it to run
// several operations back to back with no other initiator able to
// interleave.
type Locked struct {
	s *Seal
}

// Lock acquires exclusive access to the element, blocking without a bound,
// and returns a handle for issuing one or more operations.
func (s *Seal) Lock() *Locked {
	<-s.mu
	return &Locked{s: s}
}

// TryLock attempts to acquire the lock within d, returning (nil, false) on
// timeout.
func (s *Seal) TryLock(d time.Duration) (*Locked, bool) {
	select {
	case <-s.mu:
		return &Locked{s: s}, true
	case <-time.After(d):
		return nil, false
	}
}

// Unlock releases exclusive access. The same caller that locked MUST be the
// one to unlock; Seal does not track caller identity, so violating that
// pairing is a programming error, not a runtime-detectable one.
func (l *Locked) Unlock() {
	select {
	case l.s.mu <- struct{}{}:
	default:
		panic("seal: Unlock called without a matching Lock")
	}
}

// run is the shared synchronous-over-async engine used by every operation.
func (l *Locked) run(ctx context.Context, req Request, timeout time.Duration) (Completion, error) {
	done := make(chan Completion, 1)
	accepted, err := l.s.element.Begin(req, func(c Completion) {
		// May run on another goroutine; buffered channel makes the send
		// non-blocking regardless of whether anyone is still listening.
		done <- c
	})
	if err != nil {
		return Completion{}, err
	}
	if !accepted {
		return Completion{Status: StatusBusy}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c := <-done:
		return c, nil
	case <-timer.C:
		// Do not cancel the outstanding hardware operation. The next caller serialises behind this Element's own
		// internal busy tracking, not behind us.
		return Completion{Status: StatusTimeout}, nil
	case <-ctx.Done():
		return Completion{Status: StatusTimeout}, nil
	}
}

// ReadData reads raw slot data.
func (l *Locked) ReadData(ctx context.Context, slot slotreg.SlotID) ([]byte, Status, error) {
	entry, err := slotreg.Lookup(slot)
	if err != nil {
		return nil, StatusInvalidSlot, err
	}
	if !entry.Readable {
		return nil, StatusAccessDenied, fmt.Errorf("seal: slot %d is not readable", slot)
	}
	c, err := l.run(ctx, Request{Kind: OpReadData, Slot: slot}, DefaultTimeout)
	if err != nil {
		return nil, StatusHardwareFault, err
	}
	return c.Data, c.Status, c.Status.Err()
}

// WriteData writes raw slot data, optionally erasing first.
func (l *Locked) WriteData(ctx context.Context, slot slotreg.SlotID, data []byte, erase bool) (Status, error) {
	entry, err := slotreg.Lookup(slot)
	if err != nil {
		return StatusInvalidSlot, err
	}
	if !entry.Writable {
		return StatusAccessDenied, fmt.Errorf("seal: slot %d is not writable", slot)
	}
	if entry.MaxSize > 0 && len(data) > entry.MaxSize {
		return StatusInvalidData, fmt.Errorf("seal: payload %d bytes exceeds slot %d max %d", len(data), slot, entry.MaxSize)
	}
	c, err := l.run(ctx, Request{Kind: OpWriteData, Slot: slot, Data: data, Erase: erase}, DefaultTimeout)
	if err != nil {
		return StatusHardwareFault, err
	}
	return c.Status, c.Status.Err()
}

// ReadMetadata reads a slot's TLV metadata.
func (l *Locked) ReadMetadata(ctx context.Context, slot slotreg.SlotID) (Metadata, Status, error) {
	if _, err := slotreg.Lookup(slot); err != nil {
		return Metadata{}, StatusInvalidSlot, err
	}
	c, err := l.run(ctx, Request{Kind: OpReadMetadata, Slot: slot}, MetadataTimeout)
	if err != nil {
		return Metadata{}, StatusHardwareFault, err
	}
	meta, _ := decodeMetadata(c.Data)
	return meta, c.Status, c.Status.Err()
}

// WriteMetadata writes a slot's TLV metadata.
//
// A metadata write on an object whose LcsO is already Operational may
// legitimately fail; callers (the protected-update workflow in particular)
// must treat that failure as non-fatal when the existing metadata already
// satisfies the requirement, not as an AccessDenied abort.
func (l *Locked) WriteMetadata(ctx context.Context, slot slotreg.SlotID, meta Metadata) (Status, error) {
	if _, err := slotreg.Lookup(slot); err != nil {
		return StatusInvalidSlot, err
	}
	c, err := l.run(ctx, Request{Kind: OpWriteMetadata, Slot: slot, Meta: meta}, MetadataTimeout)
	if err != nil {
		return StatusHardwareFault, err
	}
	return c.Status, c.Status.Err()
}

// GenerateKeypair generates an ECC keypair in slot and optionally returns
// the uncompressed public point.
func (l *Locked) GenerateKeypair(ctx context.Context, slot slotreg.SlotID, curve Curve, usage KeyUsage, exportPub bool) ([]byte, Status, error) {
	if _, err := slotreg.Lookup(slot); err != nil {
		return nil, StatusInvalidSlot, err
	}
	c, err := l.run(ctx, Request{Kind: OpGenerateKeypair, Slot: slot, Curve: curve, Usage: usage, ExportPub: exportPub}, DefaultTimeout)
	if err != nil {
		return nil, StatusHardwareFault, err
	}
	return c.Data, c.Status, c.Status.Err()
}

// ExportPublic returns an already-generated key's uncompressed public point
// without producing new key material, the distinct PSA "export_public"
// primitive CryptoSigner's Allocate/Rebind need; it never
// disturbs a slot's existing keypair the way GenerateKeypair would.
func (l *Locked) ExportPublic(ctx context.Context, slot slotreg.SlotID) ([]byte, Status, error) {
	if _, err := slotreg.Lookup(slot); err != nil {
		return nil, StatusInvalidSlot, err
	}
	c, err := l.run(ctx, Request{Kind: OpExportPublic, Slot: slot}, DefaultTimeout)
	if err != nil {
		return nil, StatusHardwareFault, err
	}
	return c.Data, c.Status, c.Status.Err()
}

// SignHash signs a 32-byte digest with the slot's private key and returns a
// fixed-width 64-byte raw r||s signature.
func (l *Locked) SignHash(ctx context.Context, slot slotreg.SlotID, digest [32]byte) ([]byte, Status, error) {
	if _, err := slotreg.Lookup(slot); err != nil {
		return nil, StatusInvalidSlot, err
	}
	c, err := l.run(ctx, Request{Kind: OpSignHash, Slot: slot, Data: digest[:]}, DefaultTimeout)
	if err != nil {
		return nil, StatusHardwareFault, err
	}
	if c.Status != StatusOk {
		return nil, c.Status, c.Status.Err()
	}
	raw, err := NormalizeSignature(c.Data)
	if err != nil {
		return nil, StatusSignatureInvalid, err
	}
	return raw, StatusOk, nil
}

// ProtectedUpdateStart verifies a manifest against the currently-written
// trust anchor.
func (l *Locked) ProtectedUpdateStart(ctx context.Context, manifest []byte) (Status, error) {
	c, err := l.run(ctx, Request{Kind: OpProtectedUpdateStart, Data: manifest}, DefaultTimeout)
	if err != nil {
		return StatusHardwareFault, err
	}
	return c.Status, c.Status.Err()
}

// ProtectedUpdateFinal installs the verified fragment payload.
func (l *Locked) ProtectedUpdateFinal(ctx context.Context, fragments []byte) (Status, error) {
	c, err := l.run(ctx, Request{Kind: OpProtectedUpdateFinal, Data: fragments}, DefaultTimeout)
	if err != nil {
		return StatusHardwareFault, err
	}
	return c.Status, c.Status.Err()
}

// convenience wrappers for single-shot callers (CLSM, CryptoSigner): lock,
// run exactly one operation, unlock.

func (s *Seal) ReadData(ctx context.Context, slot slotreg.SlotID) ([]byte, Status, error) {
	l := s.Lock()
	defer l.Unlock()
	return l.ReadData(ctx, slot)
}

func (s *Seal) WriteData(ctx context.Context, slot slotreg.SlotID, data []byte, erase bool) (Status, error) {
	l := s.Lock()
	defer l.Unlock()
	return l.WriteData(ctx, slot, data, erase)
}

func (s *Seal) ReadMetadata(ctx context.Context, slot slotreg.SlotID) (Metadata, Status, error) {
	l := s.Lock()
	defer l.Unlock()
	return l.ReadMetadata(ctx, slot)
}

func (s *Seal) WriteMetadata(ctx context.Context, slot slotreg.SlotID, meta Metadata) (Status, error) {
	l := s.Lock()
	defer l.Unlock()
	return l.WriteMetadata(ctx, slot, meta)
}

func (s *Seal) GenerateKeypair(ctx context.Context, slot slotreg.SlotID, curve Curve, usage KeyUsage, exportPub bool) ([]byte, Status, error) {
	l := s.Lock()
	defer l.Unlock()
	return l.GenerateKeypair(ctx, slot, curve, usage, exportPub)
}

func (s *Seal) ExportPublic(ctx context.Context, slot slotreg.SlotID) ([]byte, Status, error) {
	l := s.Lock()
	defer l.Unlock()
	return l.ExportPublic(ctx, slot)
}

func (s *Seal) SignHash(ctx context.Context, slot slotreg.SlotID, digest [32]byte) ([]byte, Status, error) {
	l := s.Lock()
	defer l.Unlock()
	return l.SignHash(ctx, slot, digest)
}
