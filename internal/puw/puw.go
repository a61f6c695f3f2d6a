// Package puw implements the Protected-Update Workflow: the one path that
// installs a new Device certificate by proving a signed manifest against a
// freshly written trust anchor before the secure element commits any
// fragment bytes.
package puw

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgecore/device/internal/clsm"
	"github.com/edgecore/device/internal/schemavalidation"
	"github.com/edgecore/device/internal/seal"
	"github.com/edgecore/device/internal/slotreg"
)

// State names the workflow's position in the 8-step protocol.
type State int

const (
	StateIdle State = iota
	StateParsing
	StateWritingTrustAnchorMeta
	StateWritingTrustAnchor
	StateVerifyingManifest
	StateWritingFragments
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateParsing:
		return "Parsing"
	case StateWritingTrustAnchorMeta:
		return "WritingTrustAnchorMeta"
	case StateWritingTrustAnchor:
		return "WritingTrustAnchor"
	case StateVerifyingManifest:
		return "VerifyingManifest"
	case StateWritingFragments:
		return "WritingFragments"
	case StateComplete:
		return "Complete"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// minManifestLen is the smallest a manifest can plausibly be.
const minManifestLen = 10

// defaultCommitFence is the NVM-commit-fence hint between the trust-anchor
// write and its readback compare.
const defaultCommitFence = 500 * time.Millisecond

// bundle is the wire shape of an inbound protected_update payload, validated against schemavalidation's schema before this struct is
// ever populated.
type bundle struct {
	SigningCertificate string `json:"signing_certificate"`
	Manifest           string `json:"manifest"`
	FragmentCount      int    `json:"fragment_count"`
	Fragment0          string `json:"fragment_0"`
	Fragment1          string `json:"fragment_1"`
	Fragment2          string `json:"fragment_2"`
}

// Workflow drives one Protected-Update Workflow attempt end to end. A new
// Workflow is constructed per attempt; callers serialise attempts through
// internal/workflow.Guard (shared with CSR) before calling Run.
type Workflow struct {
	seal        *seal.Seal
	validator   *schemavalidation.Validator
	clsm        *clsm.Manager
	commitFence time.Duration

	state State
}

// New constructs a Workflow. clsm may be nil in tests that only exercise the
// secure-element side of the protocol.
func New(s *seal.Seal, v *schemavalidation.Validator, c *clsm.Manager) *Workflow {
	return &Workflow{seal: s, validator: v, clsm: c, commitFence: defaultCommitFence, state: StateIdle}
}

// State returns the workflow's current position.
func (w *Workflow) State() State { return w.state }

// Run executes the full protocol against raw. On any
// failure it transitions to StateFailed and returns a descriptive error; the
// secure element's own state from partially-completed steps is whatever the
// element left it in; Run never attempts to roll one back.
func (w *Workflow) Run(ctx context.Context, raw []byte) error {
	w.state = StateParsing
	b, err := w.parse(raw)
	if err != nil {
		w.state = StateFailed
		return err
	}

	l := w.seal.Lock()
	defer l.Unlock()

	if err := w.writeTrustAnchorMeta(ctx, l); err != nil {
		w.state = StateFailed
		return err
	}

	if err := w.writeTrustAnchor(ctx, l, b.signingCert); err != nil {
		w.state = StateFailed
		return err
	}

	if err := w.verifyManifest(ctx, l, b.manifest); err != nil {
		w.state = StateFailed
		return err
	}

	if err := w.writeFragments(ctx, l, b.fragments); err != nil {
		w.state = StateFailed
		return err
	}

	w.state = StateComplete
	if w.clsm != nil {
		w.clsm.ClearFlags()
	}
	return nil
}

// parsedBundle holds a bundle's Base64-decoded, order-concatenated fields.
type parsedBundle struct {
	signingCert []byte
	manifest    []byte
	fragments   []byte
}

// parse validates raw against the PUW bundle schema, then decodes and concatenates the
// declared fragments in order.
func (w *Workflow) parse(raw []byte) (parsedBundle, error) {
	if err := w.validator.ValidatePUWBundle(raw); err != nil {
		return parsedBundle{}, fmt.Errorf("puw: bundle schema: %w", err)
	}

	var b bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return parsedBundle{}, fmt.Errorf("puw: decode bundle: %w", err)
	}

	cert, err := base64.StdEncoding.DecodeString(b.SigningCertificate)
	if err != nil {
		return parsedBundle{}, fmt.Errorf("puw: decode signing_certificate: %w", err)
	}
	manifest, err := base64.StdEncoding.DecodeString(b.Manifest)
	if err != nil {
		return parsedBundle{}, fmt.Errorf("puw: decode manifest: %w", err)
	}
	if len(manifest) < minManifestLen {
		return parsedBundle{}, fmt.Errorf("puw: manifest too short (%d bytes)", len(manifest))
	}

	raws := [3]string{b.Fragment0, b.Fragment1, b.Fragment2}
	var fragments []byte
	for i := 0; i < b.FragmentCount; i++ {
		frag, err := base64.StdEncoding.DecodeString(raws[i])
		if err != nil {
			return parsedBundle{}, fmt.Errorf("puw: decode fragment_%d: %w", i, err)
		}
		if len(frag) == 0 {
			return parsedBundle{}, fmt.Errorf("puw: fragment_%d is empty", i)
		}
		fragments = append(fragments, frag...)
	}

	return parsedBundle{signingCert: cert, manifest: manifest, fragments: fragments}, nil
}

// writeTrustAnchorMeta writes the trust-anchor slot's metadata. A StatusLcsLocked failure is logged and treated as non-fatal: it
// means a prior attempt already advanced this slot's lifecycle state to
// Operational with the same object-type tag, which is exactly the state
// this step is trying to reach.
func (w *Workflow) writeTrustAnchorMeta(ctx context.Context, l *seal.Locked) error {
	w.state = StateWritingTrustAnchorMeta
	status, err := l.WriteMetadata(ctx, slotreg.SlotTrustAnchor, seal.Metadata{
		Lcs:           seal.LcsOperational,
		ExecuteAccess: seal.AccessAlways,
		ObjectType:    slotreg.ObjectTypeTrustAnchor,
	})
	// Status.Err() makes err non-nil for LcsLocked too, so check it first.
	if status == seal.StatusLcsLocked {
		slog.Warn("puw: trust anchor metadata already locked; continuing", "status", status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("puw: write trust anchor metadata: %w", err)
	}
	if status != seal.StatusOk {
		return fmt.Errorf("puw: write trust anchor metadata: unexpected status %s", status)
	}
	return nil
}

// writeTrustAnchor writes the signing certificate to the trust-anchor slot,
// then runs the commit-fence readback compare.
func (w *Workflow) writeTrustAnchor(ctx context.Context, l *seal.Locked, signingCert []byte) error {
	w.state = StateWritingTrustAnchor
	status, err := l.WriteData(ctx, slotreg.SlotTrustAnchor, signingCert, true)
	if err != nil {
		return fmt.Errorf("puw: write trust anchor: %w", err)
	}
	if status != seal.StatusOk {
		return fmt.Errorf("puw: write trust anchor: unexpected status %s", status)
	}

	if w.commitFence > 0 {
		time.Sleep(w.commitFence)
	}

	readBack, status, err := l.ReadData(ctx, slotreg.SlotTrustAnchor)
	if err != nil {
		return fmt.Errorf("puw: trust anchor readback: %w", err)
	}
	if status != seal.StatusOk {
		return fmt.Errorf("puw: trust anchor readback: unexpected status %s", status)
	}
	if !bytesEqual(readBack, signingCert) {
		return fmt.Errorf("puw: trust anchor readback mismatch, commit fence did not hold")
	}
	return nil
}

// verifyManifest resets the Device-cert slot's change-access condition to
// require integrity protection (step 5), then asks the element to verify
// the manifest against the just-committed trust anchor (step 6). A non-Ok
// status here is the protocol's classic failure mode — a manifest whose
// signature the anchor cannot verify — and is surfaced distinctly from a
// transport or parse error so callers can emit the right audit event.
func (w *Workflow) verifyManifest(ctx context.Context, l *seal.Locked, manifest []byte) error {
	w.state = StateVerifyingManifest

	meta, status, err := l.ReadMetadata(ctx, slotreg.SlotDeviceCert)
	if err != nil && status != seal.StatusInvalidData {
		return fmt.Errorf("puw: read device cert metadata: %w", err)
	}
	meta.ChangeAccess = seal.AccessIntegrityProtected
	meta.ObjectType = slotreg.ObjectTypeDeviceCert
	if _, err := l.WriteMetadata(ctx, slotreg.SlotDeviceCert, meta); err != nil {
		return fmt.Errorf("puw: write device cert metadata: %w", err)
	}

	if _, err := l.WriteData(ctx, slotreg.SlotRenewCounter, []byte{0x00, 0x00}, true); err != nil {
		return fmt.Errorf("puw: reset renewal counter: %w", err)
	}

	status, err = l.ProtectedUpdateStart(ctx, manifest)
	// Status.Err() turns any non-Ok completion into a non-nil err, so the
	// status check must come first: a rejected manifest is the
	// security-critical ManifestError path, not a generic transport error.
	if status != seal.StatusOk {
		anchorMeta, _, _ := l.ReadMetadata(ctx, slotreg.SlotTrustAnchor)
		return &ManifestError{
			Status:              status,
			AnchorObjectType:    anchorMeta.ObjectType,
			AnchorExecuteAccess: anchorMeta.ExecuteAccess,
			AnchorChangeAccess:  anchorMeta.ChangeAccess,
		}
	}
	if err != nil {
		return fmt.Errorf("puw: protected_update_start: %w", err)
	}
	return nil
}

// writeFragments installs the verified payload.
func (w *Workflow) writeFragments(ctx context.Context, l *seal.Locked, fragments []byte) error {
	w.state = StateWritingFragments
	status, err := l.ProtectedUpdateFinal(ctx, fragments)
	if err != nil {
		return fmt.Errorf("puw: protected_update_final: %w", err)
	}
	if status != seal.StatusOk {
		return fmt.Errorf("puw: protected_update_final: unexpected status %s", status)
	}
	return nil
}

// ManifestError distinguishes a manifest the element rejected (bad
// signature, wrong anchor) from a transport/parse failure, so callers emit
// the correct audit event. It carries the anchor slot's object type and
// access conditions alongside Status so the audit trail can explain which
// anchor the rejection was checked against without a separate read.
type ManifestError struct {
	Status              seal.Status
	AnchorObjectType    uint8
	AnchorExecuteAccess seal.AccessCondition
	AnchorChangeAccess  seal.AccessCondition
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("puw: manifest verification failed: %s (anchor object type 0x%02x, execute-access %d, change-access %d)",
		e.Status, e.AnchorObjectType, e.AnchorExecuteAccess, e.AnchorChangeAccess)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
