// SPDX-License-Identifier: LGPL-2.1-or-later

package control

import (
	"github.com/JamiKettunen/usb-moded/logger"
	"github.com/JamiKettunen/usb-moded/modes"
)

// Provider is the control core's view of configuration and system state
// inputs to the policy resolver. It decouples the resolver from the
// concrete config/ package so it can be exercised with a fake.
type Provider interface {
	RescueMode() bool
	DiagMode() bool

	// PreferredMode returns the configured preferred mode: per-user if
	// haveUID, else the global default.
	PreferredMode(uid int, haveUID bool) modes.Name

	// AllowedModes returns the modes permitted for uid after
	// intersecting the registry with the user's whitelist and the
	// hidden-modes list.
	AllowedModes(uid int) []modes.Name

	// ExportForbidden reports whether data export is currently
	// forbidden (device locked or acting-dead). A just-changed user is
	// handled by the resolver's userChanged input, not by this method.
	ExportForbidden() bool
}

type policyInput struct {
	cableConnected bool
	uid            int
	haveUID        bool
	userChanged    bool
	config         Provider
	registry       *modes.Registry
}

// resolvePolicy resolves the mode a newly detected PC connection should
// select: rescue and diag overrides first, then the configured
// preference, with ask collapsing to the single allowed mode where one
// exists and export-forbidden states falling back to charging.
func resolvePolicy(in policyInput) modes.Name {
	if in.config.RescueMode() {
		return modes.Developer
	}

	if in.config.DiagMode() {
		if def, ok := in.registry.First(); ok {
			return def.Name
		}
		logger.Errorf("policy: diag mode set but the diag mode registry is empty")
		return modes.Undefined
	}

	preferred := in.config.PreferredMode(in.uid, in.haveUID)

	if preferred == modes.Ask {
		if in.haveUID {
			if allowed := in.config.AllowedModes(in.uid); len(allowed) == 1 {
				preferred = allowed[0]
			}
		} else {
			preferred = modes.ChargingFallback
		}
	}

	if in.userChanged || in.config.ExportForbidden() {
		return modes.ChargingFallback
	}

	return preferred
}
