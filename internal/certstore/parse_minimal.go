package certstore

import (
	encodingasn1 "encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// commonNameOIDValue is 2.5.4.3 as an encoding/asn1 ObjectIdentifier, the
// comparable form ReadASN1ObjectIdentifier fills in.
var commonNameOIDValue = encodingasn1.ObjectIdentifier{2, 5, 4, 3}

// ParseMinimal is the allocation-free structural parser required for
// display after a heap-heavy workflow: it walks the DER
// byte-by-byte with cryptobyte rather than reflecting over the whole
// structure the way crypto/x509.ParseCertificate does. Its output is
// display-only and MUST NOT drive trust decisions — use Parse for that.
func ParseMinimal(der []byte) (Certificate, error) {
	cert := Certificate{Raw: der}

	input := cryptobyte.String(der)
	var outer cryptobyte.String
	if !input.ReadASN1(&outer, cbasn1.SEQUENCE) {
		return cert, fmt.Errorf("certstore: not a DER SEQUENCE")
	}

	var tbs cryptobyte.String
	if !outer.ReadASN1(&tbs, cbasn1.SEQUENCE) {
		return cert, fmt.Errorf("certstore: missing TBSCertificate")
	}

	// Optional [0] EXPLICIT version; skip if present.
	if !tbs.SkipOptionalASN1(cbasn1.Tag(0).Constructed().ContextSpecific()) {
		return cert, fmt.Errorf("certstore: malformed version field")
	}

	var serial big.Int
	if !tbs.ReadASN1Integer(&serial) {
		return cert, fmt.Errorf("certstore: missing serialNumber")
	}
	cert.Serial = &serial

	// signature AlgorithmIdentifier — skip without decoding.
	if !tbs.SkipASN1(cbasn1.SEQUENCE) {
		return cert, fmt.Errorf("certstore: missing signature algorithm")
	}

	issuerCN, err := readCommonName(&tbs)
	if err != nil {
		return cert, fmt.Errorf("certstore: issuer: %w", err)
	}
	cert.IssuerCN = cleanCN(issuerCN)

	var validity cryptobyte.String
	if !tbs.ReadASN1(&validity, cbasn1.SEQUENCE) {
		return cert, fmt.Errorf("certstore: missing validity")
	}
	notBefore, err := readTime(&validity)
	if err != nil {
		return cert, fmt.Errorf("certstore: notBefore: %w", err)
	}
	notAfter, err := readTime(&validity)
	if err != nil {
		return cert, fmt.Errorf("certstore: notAfter: %w", err)
	}
	cert.NotBefore = notBefore
	cert.NotAfter = notAfter

	subjectCN, err := readCommonName(&tbs)
	if err != nil {
		return cert, fmt.Errorf("certstore: subject: %w", err)
	}
	cert.SubjectCN = cleanCN(subjectCN)

	return cert, nil
}

// readTime reads one ASN.1 Time CHOICE (UTCTime or GeneralizedTime); the
// year-expansion rule for UTCTime (YY>=50 => 19YY, else 20YY) is the
// cryptobyte library's own RFC 5280 behaviour, not re-derived here.
func readTime(s *cryptobyte.String) (time.Time, error) {
	switch {
	case s.PeekASN1Tag(cbasn1.UTCTime):
		var t time.Time
		if !s.ReadASN1UTCTime(&t) {
			return time.Time{}, fmt.Errorf("malformed UTCTime")
		}
		return t, nil
	case s.PeekASN1Tag(cbasn1.GeneralizedTime):
		var t time.Time
		if !s.ReadASN1GeneralizedTime(&t) {
			return time.Time{}, fmt.Errorf("malformed GeneralizedTime")
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("unexpected time tag")
	}
}

// readCommonName walks one Name (RDNSequence) looking for the CommonName
// (OID 2.5.4.3) AttributeTypeAndValue and returns its string value.
func readCommonName(s *cryptobyte.String) (string, error) {
	var name cryptobyte.String
	if !s.ReadASN1(&name, cbasn1.SEQUENCE) {
		return "", fmt.Errorf("missing Name SEQUENCE")
	}

	var cn string
	for !name.Empty() {
		var rdn cryptobyte.String
		if !name.ReadASN1(&rdn, cbasn1.SET) {
			return "", fmt.Errorf("malformed RelativeDistinguishedName")
		}
		for !rdn.Empty() {
			var atv cryptobyte.String
			if !rdn.ReadASN1(&atv, cbasn1.SEQUENCE) {
				return "", fmt.Errorf("malformed AttributeTypeAndValue")
			}
			var oid encodingasn1.ObjectIdentifier
			if !atv.ReadASN1ObjectIdentifier(&oid) {
				return "", fmt.Errorf("malformed attribute OID")
			}
			var value cryptobyte.String
			var valueTag cbasn1.Tag
			if !atv.ReadAnyASN1(&value, &valueTag) {
				return "", fmt.Errorf("malformed attribute value")
			}
			if oid.Equal(commonNameOIDValue) {
				cn = string(value)
			}
		}
	}
	return cn, nil
}
