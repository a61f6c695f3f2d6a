package seal

import "fmt"

// Status is the flat completion-status enum the secure element reports.
// SEAL never interprets or retries on these; it is purely a serialiser
//.
type Status int

const (
	StatusOk Status = iota
	StatusBusy
	StatusAccessDenied
	StatusInvalidSlot
	StatusInvalidData
	StatusMetadataMismatch
	StatusSignatureInvalid
	StatusLcsLocked
	StatusTimeout
	StatusHardwareFault
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "Ok"
	case StatusBusy:
		return "Busy"
	case StatusAccessDenied:
		return "AccessDenied"
	case StatusInvalidSlot:
		return "InvalidSlot"
	case StatusInvalidData:
		return "InvalidData"
	case StatusMetadataMismatch:
		return "MetadataMismatch"
	case StatusSignatureInvalid:
		return "SignatureInvalid"
	case StatusLcsLocked:
		return "LcsLocked"
	case StatusTimeout:
		return "Timeout"
	case StatusHardwareFault:
		return "HardwareFault"
	default:
		return "Unknown"
	}
}

// Err adapts a Status to an error, or nil for StatusOk.
func (s Status) Err() error {
	if s == StatusOk {
		return nil
	}
	return &StatusError{Status: s}
}

// StatusError wraps a non-Ok Status as an error.
type StatusError struct {
	Status Status
	// Context carries optional diagnostic fields, printed by Error when
	// present. Status.Err leaves it empty; the anchor diagnostics of a
	// SignatureInvalid rejection travel in puw.ManifestError instead.
	Context map[string]any
}

func (e *StatusError) Error() string {
	if len(e.Context) == 0 {
		return "seal: " + e.Status.String()
	}
	return "seal: " + e.Status.String() + " " + formatContext(e.Context)
}

func formatContext(ctx map[string]any) string {
	out := "["
	first := true
	for k, v := range ctx {
		if !first {
			out += " "
		}
		first = false
		out += fmt.Sprintf("%s=%v", k, v)
	}
	return out + "]"
}
