// SPDX-License-Identifier: LGPL-2.1-or-later

package gadget

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/JamiKettunen/usb-moded/dirs"
	"github.com/JamiKettunen/usb-moded/modes"
)

// AndroidUSB implements Backend over the legacy
// /sys/class/android_usb/android0 sysfs interface.
type AndroidUSB struct {
	Base string // defaults to dirs.AndroidUsbBase

	probed bool
}

func NewAndroidUSB() *AndroidUSB {
	return &AndroidUSB{Base: dirs.AndroidUsbBase}
}

func (a *AndroidUSB) base() string {
	if a.Base != "" {
		return a.Base
	}
	return dirs.AndroidUsbBase
}

func (a *AndroidUSB) Probe() Availability {
	a.probed = true
	if _, err := os.Stat(a.base()); err != nil {
		return Unavailable
	}
	return Available
}

// InUse reports false until Probe has run at least once.
func (a *AndroidUSB) InUse() bool { return a.probed }

func (a *AndroidUSB) InitDefaults(cfg Config) error {
	b := a.base()
	if err := writeAttr(filepath.Join(b, "idVendor"), normalizeHexID(cfg.VendorID)); err != nil {
		return err
	}
	if err := writeAttr(filepath.Join(b, "idProduct"), normalizeHexID(cfg.ProductID)); err != nil {
		return err
	}
	if err := writeAttr(filepath.Join(b, "iManufacturer"), cfg.Manufacturer); err != nil {
		return err
	}
	if err := writeAttr(filepath.Join(b, "iProduct"), cfg.Product); err != nil {
		return err
	}
	return writeAttr(filepath.Join(b, "iSerial"), cfg.Serial)
}

func (a *AndroidUSB) SetChargingMode() error {
	b := a.base()
	if err := a.disable(); err != nil {
		return err
	}
	if err := writeAttr(filepath.Join(b, "functions"), "mass_storage"); err != nil {
		return err
	}
	if err := writeAttr(filepath.Join(b, "idProduct"), chargingModeProductID); err != nil {
		return err
	}
	return a.enable()
}

// SetFunction normalizes the mode's high-level module name to the
// android_usb "functions" attribute's comma-separated function list and
// applies any extra sysfs writes before enabling.
func (a *AndroidUSB) SetFunction(def *modes.Definition) error {
	b := a.base()
	if err := a.disable(); err != nil {
		return err
	}

	fn := androidFunctionName(def.Module)
	if fn != "" {
		if err := writeAttr(filepath.Join(b, "functions"), fn); err != nil {
			return err
		}
	}

	if def.ProductID != "" {
		if err := writeAttr(filepath.Join(b, "idProduct"), normalizeHexID(def.ProductID)); err != nil {
			return err
		}
	}
	if def.VendorID != "" {
		if err := writeAttr(filepath.Join(b, "idVendor"), normalizeHexID(def.VendorID)); err != nil {
			return err
		}
	}

	if def.Sysfs != nil {
		if err := writeAttr(def.Sysfs.Path, def.Sysfs.Value); err != nil {
			return err
		}
	}
	for _, extra := range def.ExtraSysfs {
		if err := writeAttr(extra.Path, extra.Value); err != nil {
			return err
		}
	}

	if fn == "" && def.Sysfs == nil && len(def.ExtraSysfs) == 0 {
		// Nothing to expose (teardown to undefined): leave the gadget
		// disabled rather than re-enabling the previous function list.
		return nil
	}
	return a.enable()
}

func (a *AndroidUSB) SetUDC(attach bool) error {
	if attach {
		return a.enable()
	}
	return a.disable()
}

func (a *AndroidUSB) enable() error {
	return writeAttrIfChanged(filepath.Join(a.base(), "enable"), "1")
}

func (a *AndroidUSB) disable() error {
	return writeAttrIfChanged(filepath.Join(a.base(), "enable"), "0")
}

// androidFunctionName maps a high-level module name to the android_usb
// function token. Unknown names pass through verbatim.
func androidFunctionName(module string) string {
	switch strings.ToLower(module) {
	case "mass_storage":
		return "mass_storage"
	case "mtp":
		return "mtp"
	case "rndis":
		return "rndis"
	case "":
		return ""
	default:
		return module
	}
}
