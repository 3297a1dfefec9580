// SPDX-License-Identifier: LGPL-2.1-or-later

// Package errkind defines the daemon's error taxonomy as sentinel
// values. Call sites wrap a sentinel with context via
// xerrors.Errorf("...: %w", ErrTransientIO) and callers branch on kind
// with errors.Is/xerrors.Is against the sentinel.
package errkind

import "golang.org/x/xerrors"

var (
	// ErrTransientIO marks a failed sysfs/configfs write. The worker
	// aborts the in-flight transition and the control core publishes
	// undefined as the external mode; there is no automatic retry.
	ErrTransientIO = xerrors.New("transient I/O error")

	// ErrConfigMalformed marks a key-value file that failed to parse.
	// Fatal at startup; at reload the previous registry/config is kept.
	ErrConfigMalformed = xerrors.New("malformed configuration")

	// ErrBackendUnavailable marks that neither the android-sysfs nor
	// the configfs gadget backend probed as available. Fatal at startup.
	ErrBackendUnavailable = xerrors.New("no gadget backend available")

	// ErrUnknownMode marks a requested mode absent from both the
	// built-in set and the loaded registry. Collapses to
	// charging_fallback.
	ErrUnknownMode = xerrors.New("unknown mode")

	// ErrPolicyDenied marks a mode selection forbidden by device lock,
	// acting-dead state, or a just-changed foreground user. Collapses
	// to charging_fallback, logged but not surfaced to the bus.
	ErrPolicyDenied = xerrors.New("policy denied mode export")
)

// Wrap attaches context to a sentinel kind while keeping it matchable with
// xerrors.Is(err, kind).
func Wrap(kind error, context string) error {
	return xerrors.Errorf("%s: %w", context, kind)
}

// Is reports whether err was produced by Wrap(kind, ...) or is kind itself.
func Is(err, kind error) bool {
	return xerrors.Is(err, kind)
}
