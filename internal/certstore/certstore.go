// Package certstore reads, decodes and encodes the X.509 certificates held
// in secure-element slots: raw DER fetch (with vendor-header stripping),
// PEM<->DER conversion, a full structured parse for trust decisions, and an
// allocation-free fallback parse for display after a heap-heavy workflow.
package certstore

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/edgecore/device/internal/seal"
	"github.com/edgecore/device/internal/slotreg"
)

// Certificate is the parsed tuple CLSM and the operator menu reason about:
// serial, issuer/subject CN, validity window and the original DER.
type Certificate struct {
	Serial    *big.Int
	IssuerCN  string
	SubjectCN string
	NotBefore time.Time
	NotAfter  time.Time
	Raw       []byte
}

// IsValid reports whether now falls within [NotBefore, NotAfter].
func (c Certificate) IsValid(now time.Time) bool {
	return !now.Before(c.NotBefore) && !now.After(c.NotAfter)
}

// vendorHeaderLen is the length of the vendor identity header some element
// firmwares prepend to a stored DER blob.
const vendorHeaderLen = 9

// ReadDER reads the raw DER for slot, stripping a vendorHeaderLen-byte
// vendor identity header when the first byte is 0xC0.
func ReadDER(ctx context.Context, s *seal.Seal, slot slotreg.SlotID) ([]byte, error) {
	data, status, err := s.ReadData(ctx, slot)
	if err != nil {
		return nil, fmt.Errorf("certstore: read slot %d: %w", slot, err)
	}
	if status != seal.StatusOk {
		return nil, fmt.Errorf("certstore: read slot %d: %s", slot, status)
	}
	if len(data) > 0 && data[0] == 0xC0 {
		if len(data) < vendorHeaderLen {
			return nil, fmt.Errorf("certstore: vendor-headered blob shorter than header (%d bytes)", len(data))
		}
		return data[vendorHeaderLen:], nil
	}
	return data, nil
}

// DERToPEM renders der as RFC 7468 text with 64-character Base64 lines.
func DERToPEM(der []byte) string {
	block := &pem.Block{Type: "CERTIFICATE", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

// PEMToDER parses RFC 7468 text back to raw DER.
func PEMToDER(pemText string) ([]byte, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("certstore: no PEM block found")
	}
	return block.Bytes, nil
}

// Parse fully decodes der using crypto/x509 and is the only path a trust
// decision (CLSM selection) may use.
func Parse(der []byte) (Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Certificate{}, fmt.Errorf("certstore: parse: %w", err)
	}
	return Certificate{
		Serial:    cert.SerialNumber,
		IssuerCN:  cert.Issuer.CommonName,
		SubjectCN: cert.Subject.CommonName,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		Raw:       der,
	}, nil
}

// cleanCN strips leading/trailing whitespace some CAs pad CN values with.
func cleanCN(s string) string {
	return strings.TrimSpace(s)
}
