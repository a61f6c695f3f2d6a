//go:build linux

package main

import (
	"fmt"

	"github.com/edgecore/device/internal/config"
	"github.com/edgecore/device/internal/seal"
	"github.com/edgecore/device/internal/sealhw"
)

// newSealElement constructs the seal.Element backing this boot, per the
// configured backend. "tpm" is only ever available on linux; other
// platforms serve the simulator and reject an explicit "tpm" setting (see
// seal_backend_other.go).
func newSealElement(cfg config.SealConfig) (seal.Element, func() error, error) {
	switch cfg.Backend {
	case "tpm":
		b := sealhw.DetectTPMBackend()
		if b == nil {
			return nil, nil, fmt.Errorf("edgecore: seal backend %q requested but no TPM device found", cfg.Backend)
		}
		return b, b.Close, nil
	case "simulator", "":
		sim := sealhw.NewSimulator(0)
		return sim, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("edgecore: unknown seal backend %q", cfg.Backend)
	}
}
