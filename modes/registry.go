// SPDX-License-Identifier: LGPL-2.1-or-later

package modes

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/mvo5/goconfigparser"
	"gopkg.in/yaml.v3"

	"github.com/JamiKettunen/usb-moded/errkind"
	"github.com/JamiKettunen/usb-moded/logger"
)

// Registry is an ordered, immutable-after-load set of dynamic mode
// definitions. Order is the order files were loaded in;
// a later file defining the same name supersedes the earlier one but
// keeps its original position, matching goconfigparser's own
// last-value-wins behaviour within a single file.
type Registry struct {
	order []Name
	byName map[Name]*Definition
}

// Empty returns a registry with no entries, used as the safe fallback
// when diag mode is requested but no diag files exist (the policy
// resolver treats this as an error further up the stack).
func Empty() *Registry {
	return &Registry{byName: map[Name]*Definition{}}
}

// Load reads every "*.ini" file directly under dir, plus any under a
// "vendor/" subtree, applying vendor overrides after the flat directory
// so OEM files supersede upstream-shipped ones by name. Files are
// visited in lexical order for determinism.
func Load(dir string) (*Registry, error) {
	if _, err := os.Stat(dir); err != nil {
		// No such directory is not malformed config, just an empty registry.
		return Empty(), nil
	}

	fsys := os.DirFS(dir)
	matches, err := doublestar.Glob(fsys, "**/*.ini")
	if err != nil {
		return nil, errkind.Wrap(errkind.ErrConfigMalformed, fmt.Sprintf("globbing %s", dir))
	}
	sort.Slice(matches, func(i, j int) bool {
		iVendor := strings.Contains(matches[i], "vendor/")
		jVendor := strings.Contains(matches[j], "vendor/")
		if iVendor != jVendor {
			return !iVendor // non-vendor files first, vendor overrides after
		}
		return matches[i] < matches[j]
	})

	reg := Empty()
	for _, rel := range matches {
		if strings.Contains(rel, "/") && !strings.HasPrefix(rel, "vendor/") {
			// Only the flat directory and the vendor/ subtree are loaded.
			continue
		}
		path := filepath.Join(dir, rel)
		def, err := loadOne(path)
		if err != nil {
			logger.WithError(err, "skipping malformed mode definition %s", path)
			continue
		}
		reg.put(def)
	}
	return reg, nil
}

func (r *Registry) put(def *Definition) {
	if _, exists := r.byName[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.byName[def.Name] = def
}

// Names returns definitions in load order.
func (r *Registry) Names() []Name {
	out := make([]Name, len(r.order))
	copy(out, r.order)
	return out
}

// Lookup returns the definition for name, or (nil, false).
func (r *Registry) Lookup(name Name) (*Definition, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Len reports the number of distinct mode names held.
func (r *Registry) Len() int { return len(r.order) }

// First returns the first-loaded definition, which is what diag mode
// selects.
func (r *Registry) First() (*Definition, bool) {
	if len(r.order) == 0 {
		return nil, false
	}
	return r.byName[r.order[0]], true
}

// registryDoc is the wire shape Serialize/ParseYAML exchange: a plain
// ordered list, since YAML mappings don't guarantee iteration order and
// load order is itself part of Registry's identity (First(), Names()).
type registryDoc struct {
	Modes []Definition `yaml:"modes"`
}

// Serialize renders the registry as YAML in load order, so a resolved
// snapshot of the dynamic mode set can be shipped (e.g. in diagnostics
// dumps) and re-parsed without re-walking dirs.DynModeDir.
func (r *Registry) Serialize() ([]byte, error) {
	doc := registryDoc{Modes: make([]Definition, 0, len(r.order))}
	for _, name := range r.order {
		doc.Modes = append(doc.Modes, *r.byName[name])
	}
	return yaml.Marshal(doc)
}

// ParseYAML rebuilds a Registry from bytes produced by Serialize,
// preserving load order.
func ParseYAML(data []byte) (*Registry, error) {
	var doc registryDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errkind.Wrap(errkind.ErrConfigMalformed, "parsing registry YAML")
	}
	reg := Empty()
	for i := range doc.Modes {
		def := doc.Modes[i]
		reg.put(&def)
	}
	return reg, nil
}

func loadOne(path string) (*Definition, error) {
	cfg := goconfigparser.New()
	if err := cfg.ReadFile(path); err != nil {
		return nil, errkind.Wrap(errkind.ErrConfigMalformed, path)
	}

	name, err := cfg.Get("mode", "name")
	if err != nil || name == "" {
		return nil, errkind.Wrap(errkind.ErrConfigMalformed, path+": missing [mode] name")
	}

	def := &Definition{Name: Name(name)}
	def.Module, _ = cfg.Get("mode", "module")
	def.NeedsAppsync = getBool(cfg, "mode", "needs_appsync")
	def.NeedsNetwork = getBool(cfg, "mode", "needs_network")
	def.IsMassStorage = getBool(cfg, "mode", "is_mass_storage")
	def.NetworkIface, _ = cfg.Get("mode", "network_interface")
	def.ProductID, _ = cfg.Get("mode", "idProduct")
	def.VendorID, _ = cfg.Get("mode", "idVendor")

	if sysfsPath, err := cfg.Get("mode", "sysfs_path"); err == nil && sysfsPath != "" {
		val, _ := cfg.Get("mode", "sysfs_value")
		reset, _ := cfg.Get("mode", "sysfs_reset_value")
		def.Sysfs = &SysfsAttr{Path: sysfsPath, Value: val, ResetValue: reset}
	}

	if scPath, err := cfg.Get("options", "softconnect_path"); err == nil && scPath != "" {
		val, _ := cfg.Get("options", "softconnect_value")
		reset, _ := cfg.Get("options", "softconnect_reset_value")
		def.Softconnect = &SysfsAttr{Path: scPath, Value: val, ResetValue: reset}
	}

	for i := 1; i <= 4; i++ {
		p, err := cfg.Get("options", fmt.Sprintf("extra_sysfs_path%d", i))
		if err != nil || p == "" {
			continue
		}
		v, _ := cfg.Get("options", fmt.Sprintf("extra_sysfs_value%d", i))
		def.ExtraSysfs = append(def.ExtraSysfs, SysfsAttr{Path: p, Value: v})
	}

	def.NAT = getBool(cfg, "options", "nat")
	def.DHCPServer = getBool(cfg, "options", "dhcp_server")
	def.TetheringTech, _ = cfg.Get("options", "tethering_technology")

	return def, nil
}

func getBool(cfg *goconfigparser.ConfigParser, section, option string) bool {
	v, err := cfg.Getbool(section, option)
	if err != nil {
		return false
	}
	return v
}
