// SPDX-License-Identifier: LGPL-2.1-or-later

// Package gadget hides the choice of kernel USB gadget programming
// interface (legacy android_usb sysfs vs. ConfigFS) behind one Backend
// interface, along with the common hex-id normalization and raw sysfs
// helpers both implementations share.
package gadget

import "github.com/JamiKettunen/usb-moded/modes"

// Availability is the result of Backend.Probe.
type Availability int

const (
	Unavailable Availability = iota
	Available
)

// Config carries the static identity strings written during
// InitDefaults, sourced from usb-moded.ini's [android] group.
type Config struct {
	VendorID     string
	ProductID    string
	Manufacturer string
	Product      string
	Serial       string

	// WifiInterface names the interface whose hardware address seeds the
	// RNDIS gadget's ethaddr.
	WifiInterface string
}

// Backend abstracts kernel gadget programming so the worker never needs
// to know whether the platform exposes android_usb or ConfigFS.
type Backend interface {
	// Probe detects whether the platform exposes this backend's root
	// path.
	Probe() Availability

	// InUse reports false until Probe has been called at least once,
	// guarding against a mode switch arriving before startup has
	// finished detecting the backend.
	InUse() bool

	// InitDefaults writes the gadget's static identity (vendor/product
	// id, manufacturer/product/serial strings) and, for ConfigFS,
	// pre-registers the well-known function directories.
	InitDefaults(cfg Config) error

	// SetChargingMode configures the gadget to expose only the
	// mass-storage function with the fixed charging-only product id.
	// android_usb re-enables the gadget; ConfigFS leaves the UDC
	// detached, as SetFunction does.
	SetChargingMode() error

	// SetFunction realizes def's gadget function set. def may carry
	// extra sysfs attribute writes and a product/vendor id override.
	SetFunction(def *modes.Definition) error

	// SetUDC attaches (discovering the first UDC) or detaches the
	// gadget from the host.
	SetUDC(attach bool) error
}

// chargingModeProductID is the fixed product id used for the built-in
// charging_only mode.
const chargingModeProductID = "0x0afe"
