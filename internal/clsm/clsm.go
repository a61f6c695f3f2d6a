// Package clsm implements the Certificate Lifecycle State Machine: on every
// TLS-session start it decides whether the Device certificate, the Factory
// certificate in safe mode, or the Factory certificate as a fallback should
// back the handshake, and it owns the all-or-nothing install of a freshly
// renewed Device certificate.
package clsm

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgecore/device/internal/certstore"
	"github.com/edgecore/device/internal/seal"
	"github.com/edgecore/device/internal/slotreg"
	"github.com/edgecore/device/internal/timesource"
)

// State names the CLSM's coarse lifecycle position.
type State int

const (
	StateBooted State = iota
	StateSelectingCert
	StateActive
	StateRenewing
	StateInstalling
)

func (s State) String() string {
	switch s {
	case StateBooted:
		return "Booted"
	case StateSelectingCert:
		return "SelectingCert"
	case StateActive:
		return "Active"
	case StateRenewing:
		return "Renewing"
	case StateInstalling:
		return "Installing"
	default:
		return "Unknown"
	}
}

// Selection is the outcome of a selection pass.
type Selection int

const (
	UseDevice Selection = iota
	UseFactorySafeMode
	UseFactoryFallback
)

func (s Selection) String() string {
	switch s {
	case UseDevice:
		return "UseDevice"
	case UseFactorySafeMode:
		return "UseFactorySafeMode"
	case UseFactoryFallback:
		return "UseFactoryFallback"
	default:
		return "Unknown"
	}
}

// KeySlot returns the secure-element key slot a Selection should bind the
// TLS stack's signing callback to.
func (s Selection) KeySlot() slotreg.SlotID {
	if s == UseDevice {
		return slotreg.SlotDeviceKey
	}
	return slotreg.SlotFactoryKey
}

// CertSlot returns the secure-element cert slot a Selection reads from.
func (s Selection) CertSlot() slotreg.SlotID {
	if s == UseDevice {
		return slotreg.SlotDeviceCert
	}
	return slotreg.SlotFactoryCert
}

// FallbackReason records why Select fell back to the Factory certificate,
// so operator tooling can report something more specific than "fell back".
type FallbackReason int

const (
	// FallbackNone applies when the last Select did not fall back.
	FallbackNone FallbackReason = iota
	// FallbackNoTrustedTime means the time source had no synchronized clock
	// to validate the Device certificate against, so CLSM failed closed.
	FallbackNoTrustedTime
	FallbackCertUnreadable
	FallbackCertUnparseable
	FallbackCertExpired
	FallbackIdentityMismatch
)

func (r FallbackReason) String() string {
	switch r {
	case FallbackNone:
		return "None"
	case FallbackNoTrustedTime:
		return "NoTrustedTime"
	case FallbackCertUnreadable:
		return "CertUnreadable"
	case FallbackCertUnparseable:
		return "CertUnparseable"
	case FallbackCertExpired:
		return "CertExpired"
	case FallbackIdentityMismatch:
		return "IdentityMismatch"
	default:
		return "Unknown"
	}
}

// IdentityMatcher decides whether a parsed Device certificate's subject CN
// matches this device's identity. Concrete construction from the
// FactoryUid slot lives in cmd/edgecore's wiring, not here, so clsm has no
// opinion on the encoding of that blob.
type IdentityMatcher func(subjectCN string) bool

// Policy controls the parts of CLSM behaviour configuration owns.
type Policy struct {
	// ForceFactory starts true on every reset and is cleared
	// by a successful Install or by ClearFlags.
	ForceFactory bool
	// AutoOnFallback enqueues an in-band renewal immediately on fallback;
	// default off in production.
	AutoOnFallback bool
}

// Manager is the CLSM. One Manager exists per device; it serialises its own
// state with an RWMutex (RLock for reads, Lock for the rare state
// transition).
type Manager struct {
	seal     *seal.Seal
	time     timesource.Source
	identity IdentityMatcher

	mu               sync.RWMutex
	state            State
	policy           Policy
	fallbackObserved bool
	fallbackReason   FallbackReason
	lastSelection    Selection
}

// New constructs a Manager in StateBooted with ForceFactory set: every reset
// defaults to re-validating the factory identity before trusting any
// previously-selected Device certificate.
func New(s *seal.Seal, ts timesource.Source, identity IdentityMatcher, policy Policy) *Manager {
	policy.ForceFactory = true
	return &Manager{
		seal:     s,
		time:     ts,
		identity: identity,
		state:    StateBooted,
		policy:   policy,
	}
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// FallbackObserved reports whether the most recent selection fell back from
// Device to Factory due to a validation failure.
func (m *Manager) FallbackObserved() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fallbackObserved
}

// FallbackReason reports why the most recent selection fell back, or
// FallbackNone if it did not. The operator menu surfaces this directly.
func (m *Manager) FallbackReason() FallbackReason {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fallbackReason
}

// ShouldTriggerRenewal reports whether the last Select's outcome, combined
// with AutoOnFallback policy, calls for an immediate in-band renewal. It is
// a pure read of state the caller (cmd/edgecore's daemon loop) acts on by
// going through internal/workflow.Guard — CLSM itself never starts a CSR.
func (m *Manager) ShouldTriggerRenewal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fallbackObserved && m.policy.AutoOnFallback
}

// Select runs the selection contract and returns the outcome.
// It transitions Booted/Active -> SelectingCert -> Active(selection).
func (m *Manager) Select(ctx context.Context) (Selection, error) {
	m.mu.Lock()
	m.state = StateSelectingCert
	forceFactory := m.policy.ForceFactory
	m.mu.Unlock()

	selection, fallback, reason := m.selectLocked(ctx, forceFactory)

	m.mu.Lock()
	m.state = StateActive
	m.lastSelection = selection
	m.fallbackObserved = fallback
	m.fallbackReason = reason
	m.mu.Unlock()

	return selection, nil
}

func (m *Manager) selectLocked(ctx context.Context, forceFactory bool) (Selection, bool, FallbackReason) {
	if forceFactory {
		return UseFactorySafeMode, false, FallbackNone
	}

	der, err := certstore.ReadDER(ctx, m.seal, slotreg.SlotDeviceCert)
	if err != nil {
		return UseFactoryFallback, true, FallbackCertUnreadable
	}

	cert, err := certstore.Parse(der)
	if err != nil {
		return UseFactoryFallback, true, FallbackCertUnparseable
	}

	now, synced := m.time.Now()
	if !synced {
		// Fail closed: an unsynchronized clock cannot attest validity.
		return UseFactoryFallback, true, FallbackNoTrustedTime
	}
	if !cert.IsValid(now) {
		return UseFactoryFallback, true, FallbackCertExpired
	}

	if m.identity != nil && !m.identity(cert.SubjectCN) {
		return UseFactoryFallback, true, FallbackIdentityMismatch
	}

	return UseDevice, false, FallbackNone
}

// Install writes a freshly issued Device certificate and, on success,
// clears ForceFactory and the fallback flag. Any
// error leaves the prior state unchanged — the write either fails before
// the first byte lands or the caller's NVM-commit fence (see puw) already
// validated it; clsm does not retry or partially apply.
func (m *Manager) Install(ctx context.Context, certDER []byte) error {
	m.mu.Lock()
	m.state = StateInstalling
	m.mu.Unlock()

	status, err := m.seal.WriteData(ctx, slotreg.SlotDeviceCert, certDER, true)
	if err != nil {
		m.mu.Lock()
		m.state = StateActive
		m.mu.Unlock()
		return fmt.Errorf("clsm: install: %w", err)
	}
	if status != seal.StatusOk {
		m.mu.Lock()
		m.state = StateActive
		m.mu.Unlock()
		return fmt.Errorf("clsm: install: unexpected status %s", status)
	}

	m.mu.Lock()
	m.state = StateActive
	m.policy.ForceFactory = false
	m.fallbackObserved = false
	m.fallbackReason = FallbackNone
	m.mu.Unlock()
	return nil
}

// ClearFlags clears ForceFactory and the fallback flag without itself
// writing a certificate. PUW calls this at step 8 since it
// installs the Device certificate through the secure element's own
// protected_update_final rather than through Install.
func (m *Manager) ClearFlags() {
	m.mu.Lock()
	m.state = StateActive
	m.policy.ForceFactory = false
	m.fallbackObserved = false
	m.fallbackReason = FallbackNone
	m.mu.Unlock()
}

// BeginRenewal transitions into StateRenewing; callers (CSR/PUW, already
// holding internal/workflow.Guard) call this before starting work and rely
// on Install (success) or a return to StateActive (failure) to end it.
func (m *Manager) BeginRenewal() {
	m.mu.Lock()
	m.state = StateRenewing
	m.mu.Unlock()
}

// LastSelection returns the outcome of the most recent Select call.
func (m *Manager) LastSelection() Selection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSelection
}

// SetAutoOnFallback updates the AutoOnFallback policy flag under the
// manager's mutex; ShouldTriggerRenewal reads it under the same mutex, so a
// reload racing a renewal check is serialised, not torn.
func (m *Manager) SetAutoOnFallback(v bool) {
	m.mu.Lock()
	m.policy.AutoOnFallback = v
	m.mu.Unlock()
}
