package seal

import (
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// rawSigComponentSize is the fixed per-component width of a normalised
// P-256 ECDSA signature half.
const rawSigComponentSize = 32

// NormalizeSignature converts the element's TLV-wrapped ECDSA signature
// (DER SEQUENCE{INTEGER r, INTEGER s}, each possibly carrying an msb=1
// leading zero pad byte) into a fixed-width 64-byte raw r||s encoding.
//
// It rejects any component that, after stripping legal padding, still
// exceeds 32 bytes — a signature that big cannot be a valid P-256 (r, s)
// pair and indicates a corrupt or malicious TLV.
func NormalizeSignature(tlv []byte) ([]byte, error) {
	input := cryptobyte.String(tlv)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("seal: signature TLV is not a DER SEQUENCE")
	}

	var r, s big.Int
	if !seq.ReadASN1Integer(&r) {
		return nil, fmt.Errorf("seal: signature TLV missing r INTEGER")
	}
	if !seq.ReadASN1Integer(&s) {
		return nil, fmt.Errorf("seal: signature TLV missing s INTEGER")
	}

	rBytes := r.Bytes()
	sBytes := s.Bytes()
	if len(rBytes) > rawSigComponentSize || len(sBytes) > rawSigComponentSize {
		return nil, fmt.Errorf("seal: signature component exceeds %d bytes after stripping", rawSigComponentSize)
	}

	out := make([]byte, 2*rawSigComponentSize)
	copy(out[rawSigComponentSize-len(rBytes):rawSigComponentSize], rBytes)
	copy(out[2*rawSigComponentSize-len(sBytes):], sBytes)
	return out, nil
}

// RawToDER re-encodes a 64-byte raw r||s signature as the DER
// SEQUENCE{INTEGER r, INTEGER s} form used by PKCS#10/X.509
// (ecdsa-with-SHA256), the inverse transform CSR Builder needs at step 5.
func RawToDER(raw []byte) ([]byte, error) {
	if len(raw) != 2*rawSigComponentSize {
		return nil, fmt.Errorf("seal: raw signature must be %d bytes, got %d", 2*rawSigComponentSize, len(raw))
	}
	r := new(big.Int).SetBytes(raw[:rawSigComponentSize])
	s := new(big.Int).SetBytes(raw[rawSigComponentSize:])

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(child *cryptobyte.Builder) {
		child.AddASN1BigInt(r)
		child.AddASN1BigInt(s)
	})
	return b.Bytes()
}
