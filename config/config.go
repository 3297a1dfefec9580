// SPDX-License-Identifier: LGPL-2.1-or-later

// Package config reads the top-level usb-moded.ini key-value file:
// groups mountpoints, usbmode, android, udev, trigger, network, and
// per-user preferences under usbmode/mode-<uid>. This is distinct from
// modes.Registry, which loads the dynamic per-mode .ini directory.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/mvo5/goconfigparser"

	"github.com/JamiKettunen/usb-moded/errkind"
	"github.com/JamiKettunen/usb-moded/gadget"
	"github.com/JamiKettunen/usb-moded/modes"
)

// Config is a loaded view of usb-moded.ini. Mutations (SetConfig) are
// written through to the file and re-parsed. registry is supplied after
// mode loading so AllowedModes can intersect it with whitelists without
// modes/ needing to import config.
type Config struct {
	path     string
	cfg      *goconfigparser.ConfigParser
	registry *modes.Registry

	forceDiag bool
}

// SetRegistry binds the loaded mode registry, used by AllowedModes. Call
// once during startup after modes.Load.
func (c *Config) SetRegistry(registry *modes.Registry) {
	c.registry = registry
}

// ForceDiagMode makes DiagMode always report true, overriding the
// usbmode/diag_mode key with the daemon's -d/--diag CLI flag.
func (c *Config) ForceDiagMode() {
	c.forceDiag = true
}

// Load parses path. A missing file is not malformed configuration: the
// daemon starts with built-in defaults and the file appears on the first
// set_config write.
func Load(path string) (*Config, error) {
	cfg := goconfigparser.New()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Config{path: path, cfg: cfg}, nil
	}
	if err := cfg.ReadFile(path); err != nil {
		return nil, errkind.Wrap(errkind.ErrConfigMalformed, path)
	}
	return &Config{path: path, cfg: cfg}, nil
}


// RescueMode reports the usbmode/rescue_mode flag (control.Provider).
func (c *Config) RescueMode() bool { return c.getBool("usbmode", "rescue_mode") }

// DiagMode reports the usbmode/diag_mode flag (control.Provider), or
// true unconditionally when ForceDiagMode was called (-d/--diag).
func (c *Config) DiagMode() bool {
	return c.forceDiag || c.getBool("usbmode", "diag_mode")
}

// PreferredMode implements control.Provider: per-user preference under
// usbmode/mode-<uid> if haveUID and present, else the global
// usbmode/mode default.
func (c *Config) PreferredMode(uid int, haveUID bool) modes.Name {
	if haveUID {
		key := fmt.Sprintf("mode-%d", uid)
		if v, err := c.cfg.Get("usbmode", key); err == nil && v != "" {
			return modes.Name(v)
		}
	}
	v, _ := c.cfg.Get("usbmode", "mode")
	if v == "" {
		return modes.Ask
	}
	return modes.Name(v)
}

// AllowedModes implements control.Provider: the registry's names
// intersected with the per-user whitelist and the global hidden list. An
// empty whitelist key means "all registry modes allowed".
func (c *Config) AllowedModes(uid int) []modes.Name {
	if c.registry == nil {
		return nil
	}
	hidden := c.hiddenSet()

	whitelist, _ := c.cfg.Get("usbmode", fmt.Sprintf("whitelist-%d", uid))
	var allowSet map[modes.Name]bool
	if whitelist != "" {
		allowSet = map[modes.Name]bool{}
		for _, n := range splitCSV(whitelist) {
			allowSet[modes.Name(n)] = true
		}
	}

	var out []modes.Name
	for _, n := range c.registry.Names() {
		if hidden[n] {
			continue
		}
		if allowSet != nil && !allowSet[n] {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (c *Config) hiddenSet() map[modes.Name]bool {
	v, _ := c.cfg.Get("usbmode", "hidden_modes")
	set := map[modes.Name]bool{}
	for _, n := range splitCSV(v) {
		set[modes.Name(n)] = true
	}
	return set
}

// HiddenModes returns the configured usbmode/hidden_modes set as a slice,
// for the bus adapter's get_hidden_modes()/get_available_modes() RPCs.
func (c *Config) HiddenModes() []modes.Name {
	v, _ := c.cfg.Get("usbmode", "hidden_modes")
	names := splitCSV(v)
	out := make([]modes.Name, len(names))
	for i, n := range names {
		out[i] = modes.Name(n)
	}
	return out
}

// ExportForbidden implements control.Provider: true when the device is
// locked or in acting-dead state.
func (c *Config) ExportForbidden() bool {
	return c.getBool("trigger", "device_locked") || c.getBool("trigger", "acting_dead")
}

// AndroidGadgetConfig reads the [android] group into a gadget.Config.
func (c *Config) AndroidGadgetConfig() gadget.Config {
	get := func(key string) string {
		v, _ := c.cfg.Get("android", key)
		return v
	}
	return gadget.Config{
		VendorID:      get("vendor_id"),
		ProductID:     get("product_id"),
		Manufacturer:  get("manufacturer"),
		Product:       get("product"),
		Serial:        get("serial"),
		WifiInterface: get("wifi_interface"),
	}
}

// CableDevice reads udev/cable_device, the configured power_supply
// device path.
func (c *Config) CableDevice() string {
	v, _ := c.cfg.Get("udev", "cable_device")
	return v
}

// SetConfig implements dbusapi.ConfigSetter's set_config(key, value) RPC.
// key is "section/option". goconfigparser is a read-only parser, so the
// change is applied textually to the file and the document re-parsed.
func (c *Config) SetConfig(key, value string) error {
	section, option, ok := splitKey(key)
	if !ok {
		return errkind.Wrap(errkind.ErrConfigMalformed, "malformed config key "+key)
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return errkind.Wrap(errkind.ErrTransientIO, "reading "+c.path)
		}
		data = nil
	}
	updated := setINIOption(string(data), section, option, value)
	if err := os.WriteFile(c.path, []byte(updated), 0644); err != nil {
		return errkind.Wrap(errkind.ErrTransientIO, "saving "+c.path)
	}

	cfg := goconfigparser.New()
	if err := cfg.ReadFile(c.path); err != nil {
		return errkind.Wrap(errkind.ErrConfigMalformed, c.path)
	}
	c.cfg = cfg
	return nil
}

// setINIOption replaces option's line inside [section], or inserts it at
// the end of the section, or appends a new section when none exists,
// leaving every unrelated line untouched.
func setINIOption(doc, section, option, value string) string {
	lines := strings.Split(doc, "\n")
	header := "[" + section + "]"
	newLine := option + " = " + value

	inSection := false
	sectionEnd := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			if inSection {
				sectionEnd = i
				break
			}
			inSection = trimmed == header
			continue
		}
		if !inSection {
			continue
		}
		if eq := strings.IndexAny(trimmed, "=:"); eq > 0 && strings.TrimSpace(trimmed[:eq]) == option {
			lines[i] = newLine
			return strings.Join(lines, "\n")
		}
	}

	if !inSection && sectionEnd == -1 {
		out := doc
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		return out + header + "\n" + newLine + "\n"
	}

	if sectionEnd == -1 {
		sectionEnd = len(lines)
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:sectionEnd]...)
	out = append(out, newLine)
	out = append(out, lines[sectionEnd:]...)
	return strings.Join(out, "\n")
}

func (c *Config) getBool(section, option string) bool {
	v, err := c.cfg.Getbool(section, option)
	if err != nil {
		return false
	}
	return v
}

func splitKey(key string) (section, option string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
