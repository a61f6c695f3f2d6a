package seal

import "github.com/edgecore/device/internal/slotreg"

// Curve identifies the elliptic curve for keypair generation.
type Curve uint8

const (
	CurveP256 Curve = iota
)

// KeyUsage is a bitmask of permitted key operations.
type KeyUsage uint8

const (
	KeyUsageSign KeyUsage = 1 << iota
	KeyUsageAuth
)

// Metadata is the TLV-decoded slot metadata: lifecycle state,
// sizes, access conditions and object type.
type Metadata struct {
	Lcs           LifecycleState
	MaxSize       uint16
	UsedSize      uint16
	ChangeAccess  AccessCondition
	ReadAccess    AccessCondition
	ExecuteAccess AccessCondition
	ObjectType    uint8
}

// LifecycleState models LcsO: monotonic non-decreasing toward Operational.
type LifecycleState uint8

const (
	LcsCreation LifecycleState = iota
	LcsOperational
)

// AccessCondition is a coarse access-control predicate attached to a slot.
type AccessCondition uint8

const (
	AccessAlways AccessCondition = iota
	AccessNever
	AccessIntegrityProtected
)

// Completion is delivered exactly once per accepted request, via the
// callback passed to Element.Begin. It may be invoked from any goroutine
// (modelling an interrupt or a different thread).
type Completion struct {
	Status Status
	Data   []byte // populated for reads, public-key export, and signatures
}

// OpKind identifies the async operation a Request carries.
type OpKind uint8

const (
	OpReadData OpKind = iota
	OpWriteData
	OpReadMetadata
	OpWriteMetadata
	OpGenerateKeypair
	OpExportPublic
	OpSignHash
	OpProtectedUpdateStart
	OpProtectedUpdateFinal
)

// Request is the opaque command descriptor SEAL's callers build. It carries exactly the parameters needed for one async
// hardware call.
type Request struct {
	Kind  OpKind
	Slot  slotreg.SlotID
	Data  []byte   // write payload, sign digest, manifest, or fragment bytes
	Erase bool     // write-data erase flag
	Meta  Metadata // write-metadata payload
	Curve Curve
	Usage KeyUsage
	ExportPub bool
}

// Element is the asynchronous secure-element driver SEAL serialises calls
// to. A call to Begin returns immediately with an accept/reject decision;
// the terminal status arrives later through the supplied callback. At most
// one Begin per Element may be outstanding at a time — a second Begin
// issued before the prior callback has fired must be rejected, modelling a
// real single-threaded hardware command pipe.
type Element interface {
	Begin(req Request, onDone func(Completion)) (accepted bool, err error)
}
