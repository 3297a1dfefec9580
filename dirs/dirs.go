// SPDX-License-Identifier: LGPL-2.1-or-later

// Package dirs centralizes every filesystem path the daemon touches so
// that tests can redirect all of them at once via SetRootDir.
package dirs

import "path/filepath"

var (
	// GlobalRootDir is prefixed onto every path below. Tests set it to a
	// temporary directory; production code leaves it at "/".
	GlobalRootDir = "/"

	ConfigFile  string
	DynModeDir  string
	DiagModeDir string

	AndroidUsbBase string
	ConfigFSBase   string
	UDCClassDir    string
	SysClassNetDir string
	SysClassPowerSupplyDir string

	MTPEndpointFile string
	MTPDaemonMount  string
)

func init() {
	SetRootDir("/")
}

// SetRootDir re-roots every path this package exposes under root. Passing
// "" behaves like "/".
func SetRootDir(root string) {
	if root == "" {
		root = "/"
	}
	GlobalRootDir = root

	ConfigFile = filepath.Join(root, "/etc/usb-moded/usb-moded.ini")
	DynModeDir = filepath.Join(root, "/etc/usb-moded/dyn-modes")
	DiagModeDir = filepath.Join(root, "/etc/usb-moded/diag")

	AndroidUsbBase = filepath.Join(root, "/sys/class/android_usb/android0")
	ConfigFSBase = filepath.Join(root, "/config/usb_gadget/g1")
	UDCClassDir = filepath.Join(root, "/sys/class/udc")
	SysClassNetDir = filepath.Join(root, "/sys/class/net")
	SysClassPowerSupplyDir = filepath.Join(root, "/sys/class/power_supply")

	MTPDaemonMount = filepath.Join(root, "/dev/mtp")
	MTPEndpointFile = filepath.Join(root, "/dev/mtp/ep0")
}

// StripRootDir removes GlobalRootDir from an absolute path, the inverse
// of the Join calls above. Panics on paths that aren't absolute or
// aren't rooted under GlobalRootDir.
func StripRootDir(path string) string {
	if !filepath.IsAbs(path) {
		panic("supplied path is not absolute " + path)
	}
	if GlobalRootDir == "/" || GlobalRootDir == "" {
		return path
	}
	rel, err := filepath.Rel(GlobalRootDir, path)
	if err != nil || rel == ".." || len(rel) >= 2 && rel[:2] == ".." {
		panic("supplied path is not related to global root " + path)
	}
	return filepath.Join("/", rel)
}
