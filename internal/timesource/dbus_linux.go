//go:build linux

package timesource

import (
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	timedateService   = "org.freedesktop.timedate1"
	timedatePath      = "/org/freedesktop/timedate1"
	timedateInterface = "org.freedesktop.timedate1"
)

// DBusSource queries systemd-timedated over the system bus for
// NTP-synchronization status, using godbus/dbus/v5 against a system-bus
// property read rather than a session-bus service export.
type DBusSource struct {
	conn *dbus.Conn
}

// NewDBusSource connects to the system bus. Callers should fall back to
// FixedSource/SystemSource if this returns an error (no D-Bus on this host
// is not fatal to the device, only to expiry-check confidence).
func NewDBusSource() (*DBusSource, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("timesource: connect system bus: %w", err)
	}
	return &DBusSource{conn: conn}, nil
}

// Close releases the D-Bus connection.
func (d *DBusSource) Close() error {
	return d.conn.Close()
}

// Now implements Source by reading timedate1's NTPSynchronized property.
// The local wall clock is still the time value returned; only the synced
// flag depends on D-Bus. A property-read failure is reported as unsynced
// rather than propagated, matching CLSM's fail-closed contract.
func (d *DBusSource) Now() (time.Time, bool) {
	obj := d.conn.Object(timedateService, dbus.ObjectPath(timedatePath))
	variant, err := obj.GetProperty(timedateInterface + ".NTPSynchronized")
	if err != nil {
		return time.Now(), false
	}
	synced, ok := variant.Value().(bool)
	if !ok {
		return time.Now(), false
	}
	return time.Now(), synced
}

var _ Source = (*DBusSource)(nil)
