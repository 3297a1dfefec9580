// SPDX-License-Identifier: LGPL-2.1-or-later

// Package dbusapi exports the control core over the system message bus
// using github.com/godbus/dbus/v5. Methods are registered with
// ExportMethodTable under their snake_case wire names; the bus and
// interface naming follows usb-moded's established wire identity.
package dbusapi

import (
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/JamiKettunen/usb-moded/logger"
	"github.com/JamiKettunen/usb-moded/modes"
)

const (
	BusName      = "com.meego.usb_moded"
	ObjectPath   = dbus.ObjectPath("/com/meego/usb_moded")
	InterfaceName = "com.meego.usb_moded"
)

// Core is the subset of control.Core the adapter calls into. Defined
// locally (rather than importing control) to keep dbusapi a leaf
// package the control core can depend on for its Bus interface without
// a cycle.
type Core interface {
	SetUsbMode(mode modes.Name)
	Internal() modes.Name
	Target() modes.Name
}

// Registry is the subset of modes.Registry the adapter exposes read-only.
type Registry interface {
	Names() []modes.Name
}

// ConfigSetter receives set_config(key, value) RPCs.
type ConfigSetter interface {
	SetConfig(key, value string) error
}

// Adapter owns the exported D-Bus object and re-publishes control-core
// broadcasts as bus signals.
type Adapter struct {
	conn     *dbus.Conn
	core     Core
	registry Registry
	config   ConfigSetter

	hiddenModes []modes.Name
}

func New(conn *dbus.Conn, core Core, registry Registry, config ConfigSetter, hiddenModes []modes.Name) *Adapter {
	return &Adapter{conn: conn, core: core, registry: registry, config: config, hiddenModes: hiddenModes}
}

// SetCore binds the control core after construction, breaking the
// otherwise-circular dependency between control.New (which needs a Bus)
// and the adapter (which needs a Core to forward set_mode RPCs to).
func (a *Adapter) SetCore(core Core) {
	a.core = core
}

// Export registers the adapter's methods on the bus under their wire
// names and requests the well-known name. Call once during startup. A
// method table is used rather than Export(a, ...) because the wire
// names are snake_case while the Go methods are not.
func (a *Adapter) Export() error {
	methods := map[string]interface{}{
		"set_mode":            a.SetMode,
		"get_mode":            a.GetMode,
		"get_target_mode":     a.GetTargetMode,
		"get_modes":           a.GetModes,
		"get_hidden_modes":    a.GetHiddenModes,
		"get_available_modes": a.GetAvailableModes,
		"set_config":          a.SetConfig,
	}
	if err := a.conn.ExportMethodTable(methods, ObjectPath, InterfaceName); err != nil {
		return err
	}
	reply, err := a.conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		logger.Noticef("dbusapi: bus name %s already owned, running as secondary owner", BusName)
	}
	return nil
}

// SetMode implements the set_mode(string) method.
func (a *Adapter) SetMode(mode string) *dbus.Error {
	a.core.SetUsbMode(modes.Name(mode))
	return nil
}

// GetMode implements get_mode() -> string.
func (a *Adapter) GetMode() (string, *dbus.Error) {
	return string(a.core.Internal()), nil
}

// GetTargetMode implements get_target_mode() -> string.
func (a *Adapter) GetTargetMode() (string, *dbus.Error) {
	return string(a.core.Target()), nil
}

// GetModes implements get_modes() -> string (comma-joined).
func (a *Adapter) GetModes() (string, *dbus.Error) {
	names := a.registry.Names()
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return strings.Join(out, ","), nil
}

// GetHiddenModes implements get_hidden_modes() -> string.
func (a *Adapter) GetHiddenModes() (string, *dbus.Error) {
	out := make([]string, len(a.hiddenModes))
	for i, n := range a.hiddenModes {
		out[i] = string(n)
	}
	return strings.Join(out, ","), nil
}

// GetAvailableModes implements get_available_modes() -> string: the
// registry's names minus the hidden set.
func (a *Adapter) GetAvailableModes() (string, *dbus.Error) {
	hidden := make(map[modes.Name]bool, len(a.hiddenModes))
	for _, h := range a.hiddenModes {
		hidden[h] = true
	}
	var out []string
	for _, n := range a.registry.Names() {
		if !hidden[n] {
			out = append(out, string(n))
		}
	}
	return strings.Join(out, ","), nil
}

// SetConfig implements set_config(string,string).
func (a *Adapter) SetConfig(key, value string) *dbus.Error {
	if a.config == nil {
		return nil
	}
	if err := a.config.SetConfig(key, value); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

// CurrentState emits the current_state(string) signal (control.Bus
// interface).
func (a *Adapter) CurrentState(mode modes.Name) {
	a.emit("current_state", string(mode))
}

// TargetState emits the target_state(string) signal.
func (a *Adapter) TargetState(mode modes.Name) {
	a.emit("target_state", string(mode))
}

// Event emits the event(string) signal, including dialog_show for
// ask-mode.
func (a *Adapter) Event(name string) {
	a.emit("event", name)
}

// ModeSupported emits the mode_supported(string) signal.
func (a *Adapter) ModeSupported(mode modes.Name) {
	a.emit("mode_supported", string(mode))
}

// HiddenModes emits the hidden_modes(string) signal.
func (a *Adapter) HiddenModes(commaJoined string) {
	a.emit("hidden_modes", commaJoined)
}

func (a *Adapter) emit(signalName, value string) {
	if err := a.conn.Emit(ObjectPath, InterfaceName+"."+signalName, value); err != nil {
		logger.WithError(err, "dbusapi: emitting "+signalName)
	}
}
