// SPDX-License-Identifier: LGPL-2.1-or-later

package gadget

import (
	"os"

	"github.com/JamiKettunen/usb-moded/errkind"
)

// writeAttr writes value to the sysfs/configfs attribute at path. Every
// failure here is classified TransientIO: these are kernel interface
// writes that can fail transiently under driver reload or concurrent
// access.
func writeAttr(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return errkind.Wrap(errkind.ErrTransientIO, "writing "+path)
	}
	return nil
}

// writeAttrIfChanged reads the current value and skips the write if it
// already matches, avoiding spurious uevents on attributes the kernel
// treats specially when rewritten (UDC chief among them).
func writeAttrIfChanged(path, value string) error {
	current, err := os.ReadFile(path)
	if err == nil && trimNL(string(current)) == value {
		return nil
	}
	return writeAttr(path, value)
}

func readAttr(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errkind.Wrap(errkind.ErrTransientIO, "reading "+path)
	}
	return trimNL(string(data)), nil
}

func trimNL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func firstUDC(udcClassDir string) (string, error) {
	entries, err := os.ReadDir(udcClassDir)
	if err != nil {
		return "", errkind.Wrap(errkind.ErrBackendUnavailable, "listing "+udcClassDir)
	}
	for _, e := range entries {
		if e.Name() == "." || e.Name() == ".." {
			continue
		}
		return e.Name(), nil
	}
	return "", errkind.Wrap(errkind.ErrBackendUnavailable, "no UDC present under "+udcClassDir)
}
