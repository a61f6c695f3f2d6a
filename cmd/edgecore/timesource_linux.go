//go:build linux

package main

import (
	"github.com/edgecore/device/internal/logging"
	"github.com/edgecore/device/internal/timesource"
)

// newTimeSource prefers the system D-Bus clock-sync signal on linux and
// falls back to the always-synced SystemSource if timedated isn't reachable
// (containers without a system bus, mainly).
func newTimeSource() (timesource.Source, func() error) {
	if d, err := timesource.NewDBusSource(); err == nil {
		return d, d.Close
	} else {
		logging.Warn("falling back to system clock time source", "error", err)
	}
	return timesource.SystemSource{}, func() error { return nil }
}
