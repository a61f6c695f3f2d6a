package sealhw

import (
	"encoding/binary"

	"github.com/edgecore/device/internal/seal"
	"github.com/edgecore/device/internal/slotreg"
)

// manifestAlgoOffset and manifestTargetSlotOffset locate the fields
// protected_update_start inspects in a COSE_Sign1-shaped manifest: byte 4
// carries the signature algorithm, bytes 8-9 the target trust-anchor slot's
// hardware object ID in big-endian.
const (
	manifestAlgoOffset       = 4
	manifestTargetSlotOffset = 8
	manifestMinLen           = manifestTargetSlotOffset + 2

	// manifestAlgoES256 is the only signature algorithm protected_update_start
	// accepts; anything else (e.g. ES384's 0x27) is a manifest this element
	// cannot verify and must reject.
	manifestAlgoES256 = 0x26
)

// verifyManifest models the element-side half of protected_update_start's
// manifest check: it never parses or verifies the COSE signature itself
// (that lives behind real secure-element firmware), but it enforces the two
// fields the wire format reserves for hardware inspection before trusting
// the manifest body at all.
func verifyManifest(manifest []byte) seal.Status {
	if len(manifest) < manifestMinLen {
		return seal.StatusInvalidData
	}
	if manifest[manifestAlgoOffset] != manifestAlgoES256 {
		return seal.StatusSignatureInvalid
	}
	target := binary.BigEndian.Uint16(manifest[manifestTargetSlotOffset : manifestTargetSlotOffset+2])
	anchor := slotreg.MustLookup(slotreg.SlotTrustAnchor)
	if target != anchor.HWObject {
		return seal.StatusSignatureInvalid
	}
	return seal.StatusOk
}
