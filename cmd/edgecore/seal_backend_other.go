//go:build !linux

package main

import (
	"fmt"

	"github.com/edgecore/device/internal/config"
	"github.com/edgecore/device/internal/seal"
	"github.com/edgecore/device/internal/sealhw"
)

// newSealElement on non-linux platforms never has a TPM backend available;
// it serves the simulator for any backend setting other than an explicit
// "tpm" request, which is rejected outright.
func newSealElement(cfg config.SealConfig) (seal.Element, func() error, error) {
	if cfg.Backend == "tpm" {
		return nil, nil, fmt.Errorf("edgecore: seal backend \"tpm\" is not available on this platform")
	}
	sim := sealhw.NewSimulator(0)
	return sim, func() error { return nil }, nil
}
