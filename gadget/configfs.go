// SPDX-License-Identifier: LGPL-2.1-or-later

package gadget

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JamiKettunen/usb-moded/dirs"
	"github.com/JamiKettunen/usb-moded/errkind"
	"github.com/JamiKettunen/usb-moded/modes"
)

// mtpDaemonWait is the fixed delay given to the MTP daemon to write its
// endpoint descriptors before the UDC can be attached.
const mtpDaemonWait = 1500 * time.Millisecond

// wellKnownFunctions are pre-registered by InitDefaults.
var wellKnownFunctions = []string{"mass_storage.usb0", "ffs.mtp", "rndis_bam.rndis"}

// MTPDaemonStarter abstracts launching the userspace MTP responder so
// tests can substitute a fake. The real implementation execs the
// platform's mtp daemon and returns once it has forked.
type MTPDaemonStarter interface {
	Start() error
}

type noopMTPDaemonStarter struct{}

func (noopMTPDaemonStarter) Start() error { return nil }

// ConfigFS implements Backend over the kernel's ConfigFS gadget
// composition API.
type ConfigFS struct {
	Base   string // defaults to dirs.ConfigFSBase
	UDCDir string // defaults to dirs.UDCClassDir
	MTP    MTPDaemonStarter

	wifiIface string
	sleep     func(time.Duration)

	probed bool
}

func NewConfigFS() *ConfigFS {
	return &ConfigFS{
		Base:   dirs.ConfigFSBase,
		UDCDir: dirs.UDCClassDir,
		MTP:    noopMTPDaemonStarter{},
		sleep:  time.Sleep,
	}
}

func (c *ConfigFS) base() string {
	if c.Base != "" {
		return c.Base
	}
	return dirs.ConfigFSBase
}

func (c *ConfigFS) udcDir() string {
	if c.UDCDir != "" {
		return c.UDCDir
	}
	return dirs.UDCClassDir
}

func (c *ConfigFS) configDir() string  { return filepath.Join(c.base(), "configs/b.1") }
func (c *ConfigFS) functionsDir() string { return filepath.Join(c.base(), "functions") }
func (c *ConfigFS) udcFile() string    { return filepath.Join(c.base(), "UDC") }

func (c *ConfigFS) Probe() Availability {
	c.probed = true
	if _, err := os.Stat(c.base()); err != nil {
		return Unavailable
	}
	return Available
}

// InUse reports false until Probe has run at least once.
func (c *ConfigFS) InUse() bool { return c.probed }

// InitDefaults writes the gadget's static identity and pre-registers the
// well-known function directories, the MTP functionfs mount point, and
// wceis=1 on the RNDIS function.
func (c *ConfigFS) InitDefaults(cfg Config) error {
	c.wifiIface = cfg.WifiInterface
	b := c.base()

	stringsDir := filepath.Join(b, "strings/0x409")
	if err := os.MkdirAll(stringsDir, 0755); err != nil {
		return errkind.Wrap(errkind.ErrTransientIO, "creating "+stringsDir)
	}
	if err := writeAttr(filepath.Join(b, "idVendor"), normalizeHexID(cfg.VendorID)); err != nil {
		return err
	}
	if err := writeAttr(filepath.Join(b, "idProduct"), normalizeHexID(cfg.ProductID)); err != nil {
		return err
	}
	if err := writeAttr(filepath.Join(stringsDir, "manufacturer"), cfg.Manufacturer); err != nil {
		return err
	}
	if err := writeAttr(filepath.Join(stringsDir, "product"), cfg.Product); err != nil {
		return err
	}
	if err := writeAttr(filepath.Join(stringsDir, "serialnumber"), cfg.Serial); err != nil {
		return err
	}

	if err := os.MkdirAll(c.configDir(), 0755); err != nil {
		return errkind.Wrap(errkind.ErrTransientIO, "creating "+c.configDir())
	}

	for _, fn := range wellKnownFunctions {
		if err := c.ensureFunctionDir(fn); err != nil {
			return err
		}
	}

	if _, err := os.Stat(dirs.MTPEndpointFile); os.IsNotExist(err) {
		if err := os.MkdirAll(dirs.MTPDaemonMount, 0755); err != nil {
			return errkind.Wrap(errkind.ErrTransientIO, "creating "+dirs.MTPDaemonMount)
		}
	}

	rndisDir := filepath.Join(c.functionsDir(), "rndis_bam.rndis")
	if err := writeAttr(filepath.Join(rndisDir, "wceis"), "1"); err != nil {
		return err
	}
	return nil
}

func (c *ConfigFS) ensureFunctionDir(name string) error {
	dir := filepath.Join(c.functionsDir(), name)
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errkind.Wrap(errkind.ErrTransientIO, "creating function dir "+dir)
	}
	return nil
}

func (c *ConfigFS) SetChargingMode() error {
	def := &modes.Definition{Module: "mass_storage", ProductID: chargingModeProductID}
	return c.SetFunction(def)
}

// SetFunction composes the requested gadget function: detach the UDC if
// attached, unlink every symlink under configs/b.1, ensure the function
// directory exists, symlink it into configs/b.1, for MTP start the
// daemon and wait, then apply id overrides and extra sysfs writes. The
// UDC is left detached for the caller to re-attach.
func (c *ConfigFS) SetFunction(def *modes.Definition) error {
	if err := c.detachIfAttached(); err != nil {
		return err
	}
	if err := c.unlinkAllConfigs(); err != nil {
		return err
	}

	fn := configfsFunctionName(def.Module)
	if fn != "" {
		if err := c.ensureFunctionDir(fn); err != nil {
			return err
		}
		target := filepath.Join(c.functionsDir(), fn)
		link := filepath.Join(c.configDir(), fn)
		if err := os.Symlink(target, link); err != nil {
			return errkind.Wrap(errkind.ErrTransientIO, "linking "+link)
		}

		if fn == "ffs.mtp" {
			if err := c.MTP.Start(); err != nil {
				return errkind.Wrap(errkind.ErrTransientIO, "starting MTP daemon")
			}
			c.sleep(mtpDaemonWait)
		}

		if fn == "rndis_bam.rndis" {
			mac, err := readHostMAC(c.wifiIface)
			if err != nil {
				return err
			}
			if err := writeAttr(rndisEthAddrPath(c.base()), mac); err != nil {
				return err
			}
		}
	}

	if def.VendorID != "" {
		if err := writeAttr(filepath.Join(c.base(), "idVendor"), normalizeHexID(def.VendorID)); err != nil {
			return err
		}
	}
	if def.ProductID != "" {
		if err := writeAttr(filepath.Join(c.base(), "idProduct"), normalizeHexID(def.ProductID)); err != nil {
			return err
		}
	}

	// Extra sysfs writes happen before the UDC is re-attached.
	if def.Sysfs != nil {
		if err := writeAttr(def.Sysfs.Path, def.Sysfs.Value); err != nil {
			c.rollback(def)
			return err
		}
	}
	for _, extra := range def.ExtraSysfs {
		if err := writeAttr(extra.Path, extra.Value); err != nil {
			c.rollback(def)
			return err
		}
	}
	if def.Softconnect != nil {
		if err := writeAttr(def.Softconnect.Path, def.Softconnect.Value); err != nil {
			c.rollback(def)
			return err
		}
	}

	return nil
}

// rollback best-effort restores any attribute carrying a ResetValue
// after a later attribute write failed.
func (c *ConfigFS) rollback(def *modes.Definition) {
	if def.Sysfs != nil && def.Sysfs.ResetValue != "" {
		_ = writeAttr(def.Sysfs.Path, def.Sysfs.ResetValue)
	}
	for _, extra := range def.ExtraSysfs {
		if extra.ResetValue != "" {
			_ = writeAttr(extra.Path, extra.ResetValue)
		}
	}
}

func (c *ConfigFS) unlinkAllConfigs() error {
	entries, err := os.ReadDir(c.configDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errkind.Wrap(errkind.ErrTransientIO, "listing "+c.configDir())
	}
	for _, e := range entries {
		if e.Type()&os.ModeSymlink == 0 {
			continue
		}
		if err := os.Remove(filepath.Join(c.configDir(), e.Name())); err != nil {
			return errkind.Wrap(errkind.ErrTransientIO, "unlinking "+e.Name())
		}
	}
	return nil
}

func (c *ConfigFS) detachIfAttached() error {
	current, err := readAttr(c.udcFile())
	if err != nil {
		// UDC file missing or unreadable is tolerated here; SetUDC returns
		// the error if attach is subsequently requested.
		return nil
	}
	if current == "" {
		return nil
	}
	return writeAttr(c.udcFile(), "")
}

// SetUDC discovers the first entry listed under the UDC class directory
// (/sys/class/udc) and writes its name to UDC (attach), or writes the
// empty string (detach). The entry's file type is not checked.
func (c *ConfigFS) SetUDC(attach bool) error {
	if !attach {
		return writeAttrIfChanged(c.udcFile(), "")
	}
	name, err := firstUDC(c.udcDir())
	if err != nil {
		return err
	}
	return writeAttrIfChanged(c.udcFile(), name)
}

// configfsFunctionName maps a mode's high-level module name to its
// ConfigFS function directory. Unknown names pass through verbatim and
// succeed iff the kernel accepts the mkdir.
func configfsFunctionName(module string) string {
	switch strings.ToLower(module) {
	case "mass_storage":
		return "mass_storage.usb0"
	case "mtp", "ffs":
		return "ffs.mtp"
	case "rndis":
		return "rndis_bam.rndis"
	case "":
		return ""
	default:
		return module
	}
}
