// Package systemd talks to the service manager: unit state over D-Bus and
// sd_notify readiness/watchdog for our own unit.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/go-systemd/v22/dbus"
)

// ActiveState returns the ActiveState property of unit ("active",
// "inactive", "failed", ...). A bare name gets the .service suffix.
func ActiveState(ctx context.Context, unit string) (string, error) {
	return activeState(ctx, unitName(unit))
}

// IsActive reports whether unit is active. It asks systemd over D-Bus and
// falls back to `systemctl is-active` when the bus is unavailable.
func IsActive(ctx context.Context, unit string) (bool, error) {
	st, err := ActiveState(ctx, unit)
	if err != nil {
		return false, err
	}
	return st == "active", nil
}

var (
	busState  = dbusActiveState
	ctlState  = systemctlActiveState
	sdNotify  = daemon.SdNotify
	sdEnabled = daemon.SdWatchdogEnabled
)

func activeState(ctx context.Context, unit string) (string, error) {
	st, err := busState(ctx, unit)
	if err == nil {
		return st, nil
	}
	st, cerr := ctlState(ctx, unit)
	if cerr != nil {
		return "", errors.Join(err, cerr)
	}
	return st, nil
}

func unitName(unit string) string {
	unit = strings.TrimSpace(unit)
	if unit == "" || strings.Contains(unit, ".") {
		return unit
	}
	return unit + ".service"
}

func dbusActiveState(ctx context.Context, unit string) (string, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return "", fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return "", fmt.Errorf("unit %s: %w", unit, err)
	}
	if v, ok := props["LoadState"].(string); ok && v == "not-found" {
		return "inactive", nil
	}
	st, ok := props["ActiveState"].(string)
	if !ok {
		return "", fmt.Errorf("unit %s: ActiveState missing", unit)
	}
	return st, nil
}

func systemctlActiveState(ctx context.Context, unit string) (string, error) {
	out, err := exec.CommandContext(ctx, "systemctl", "is-active", unit).Output()
	s := strings.TrimSpace(string(out))
	if s != "" {
		// is-active exits non-zero for anything but active
		return s, nil
	}
	if err != nil {
		return "", fmt.Errorf("systemctl is-active %s: %w", unit, err)
	}
	return "unknown", nil
}

// Ready tells systemd that startup finished. It is a no-op outside a
// Type=notify unit.
func Ready() (bool, error) { return sdNotify(false, daemon.SdNotifyReady) }

// Stopping tells systemd that shutdown has begun.
func Stopping() (bool, error) { return sdNotify(false, daemon.SdNotifyStopping) }

// Watchdog pings the systemd watchdog at half the configured interval until
// ctx ends. It returns nil right away when the watchdog is not enabled.
func Watchdog(ctx context.Context) error {
	interval, err := sdEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := sdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return fmt.Errorf("watchdog notify: %w", err)
			}
		}
	}
}
