// Package csr builds a PKCS#10 CertificationRequest from a secure-element
// key, using crypto/x509's encoder (the dedicated Go API for exactly this
// format) over a crypto.Signer whose Sign method routes through SEAL
// instead of holding key material in the process.
package csr

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"strings"

	"github.com/edgecore/device/internal/seal"
	"github.com/edgecore/device/internal/slotreg"
)

// Builder generates CSRs from a slot's secure-element key.
type Builder struct {
	seal *seal.Seal
}

// New constructs a Builder bound to s.
func New(s *seal.Seal) *Builder {
	return &Builder{seal: s}
}

// ParseSubject splits a "CN=...,O=..." string into a pkix.Name. Either
// field may be absent. Unrecognised components are
// rejected rather than silently dropped.
func ParseSubject(subject string) (pkix.Name, error) {
	var name pkix.Name
	if strings.TrimSpace(subject) == "" {
		return name, nil
	}
	for _, part := range strings.Split(subject, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			return pkix.Name{}, fmt.Errorf("csr: malformed subject component %q", part)
		}
		key, value := strings.ToUpper(strings.TrimSpace(kv[0])), strings.TrimSpace(kv[1])
		switch key {
		case "CN":
			name.CommonName = value
		case "O":
			name.Organization = append(name.Organization, value)
		default:
			return pkix.Name{}, fmt.Errorf("csr: unsupported subject component %q", key)
		}
	}
	return name, nil
}

// lockedSigner adapts a held seal.Locked handle to crypto.Signer so
// x509.CreateCertificateRequest can drive the sign step without this
// package re-acquiring the element lock mid-build.
type lockedSigner struct {
	ctx  context.Context
	l    *seal.Locked
	slot slotreg.SlotID
	pub  *ecdsa.PublicKey
}

func (s *lockedSigner) Public() crypto.PublicKey { return s.pub }

func (s *lockedSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts.HashFunc() != crypto.SHA256 {
		return nil, fmt.Errorf("csr: unsupported hash %v, want SHA-256", opts.HashFunc())
	}
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("csr: digest is %d bytes, want %d", len(digest), sha256.Size)
	}
	var d [32]byte
	copy(d[:], digest)

	raw, status, err := s.l.SignHash(s.ctx, s.slot, d)
	if err != nil {
		return nil, fmt.Errorf("csr: sign_hash: %w", err)
	}
	if status != seal.StatusOk {
		return nil, fmt.Errorf("csr: sign_hash: %s", status)
	}
	return seal.RawToDER(raw)
}

var _ crypto.Signer = (*lockedSigner)(nil)

// Build generates a fresh P-256 keypair in slot and returns a PEM-encoded
// PKCS#10 CSR for it.
func (b *Builder) Build(ctx context.Context, slot slotreg.SlotID, subject string) (string, error) {
	name, err := ParseSubject(subject)
	if err != nil {
		return "", err
	}

	l := b.seal.Lock()
	defer l.Unlock()

	if err := ensureWritable(ctx, l, slot); err != nil {
		return "", err
	}

	point, status, err := l.GenerateKeypair(ctx, slot, seal.CurveP256, seal.KeyUsageSign|seal.KeyUsageAuth, true)
	if err != nil {
		return "", fmt.Errorf("csr: generate_keypair: %w", err)
	}
	if status != seal.StatusOk {
		return "", fmt.Errorf("csr: generate_keypair: %s", status)
	}
	pub, err := unmarshalPoint(point)
	if err != nil {
		return "", err
	}

	signer := &lockedSigner{ctx: ctx, l: l, slot: slot, pub: pub}

	template := &x509.CertificateRequest{
		Subject:            name,
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return "", fmt.Errorf("csr: encode: %w", err)
	}

	block := &pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// ensureWritable resets the slot's change-access condition to Always if a
// prior manifest version left it integrity-protected.
func ensureWritable(ctx context.Context, l *seal.Locked, slot slotreg.SlotID) error {
	meta, status, err := l.ReadMetadata(ctx, slot)
	if err != nil {
		return fmt.Errorf("csr: read_metadata: %w", err)
	}
	if status == seal.StatusInvalidData {
		// Slot has never been provisioned with metadata (e.g. the Device
		// key slot before its first CSR); nothing to reset.
		return nil
	}
	if status != seal.StatusOk {
		return fmt.Errorf("csr: read_metadata: %s", status)
	}
	if meta.ChangeAccess == seal.AccessAlways {
		return nil
	}
	meta.ChangeAccess = seal.AccessAlways
	status, err = l.WriteMetadata(ctx, slot, meta)
	if status == seal.StatusLcsLocked {
		return nil
	}
	if err != nil {
		return fmt.Errorf("csr: write_metadata: %w", err)
	}
	if status != seal.StatusOk {
		return fmt.Errorf("csr: write_metadata: %s", status)
	}
	return nil
}

func unmarshalPoint(data []byte) (*ecdsa.PublicKey, error) {
	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, data)
	if x == nil {
		return nil, fmt.Errorf("csr: malformed public point (%d bytes)", len(data))
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}
