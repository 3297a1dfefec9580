// SPDX-License-Identifier: LGPL-2.1-or-later

package dbusapi

import (
	"testing"

	"github.com/JamiKettunen/usb-moded/modes"
)

type fakeCore struct {
	mode, target modes.Name
	setCalls     []modes.Name
}

func (f *fakeCore) SetUsbMode(mode modes.Name) { f.setCalls = append(f.setCalls, mode) }
func (f *fakeCore) Internal() modes.Name       { return f.mode }
func (f *fakeCore) Target() modes.Name         { return f.target }

type fakeRegistry struct{ names []modes.Name }

func (f *fakeRegistry) Names() []modes.Name { return f.names }

// These methods touch no *dbus.Conn state, so they're exercised without a
// real bus connection (a real bus is an external collaborator per the
// adapter's Export method).

func TestGetModeAndTargetMode(t *testing.T) {
	core := &fakeCore{mode: modes.MassStorage, target: modes.MassStorage}
	a := New(nil, core, &fakeRegistry{}, nil, nil)

	got, derr := a.GetMode()
	if derr != nil || got != "mass_storage" {
		t.Fatalf("GetMode() = %q, %v", got, derr)
	}
	got, derr = a.GetTargetMode()
	if derr != nil || got != "mass_storage" {
		t.Fatalf("GetTargetMode() = %q, %v", got, derr)
	}
}

func TestSetModeForwardsToCore(t *testing.T) {
	core := &fakeCore{}
	a := New(nil, core, &fakeRegistry{}, nil, nil)
	if derr := a.SetMode("mtp"); derr != nil {
		t.Fatalf("SetMode: %v", derr)
	}
	if len(core.setCalls) != 1 || core.setCalls[0] != modes.MTP {
		t.Fatalf("expected SetUsbMode(mtp), got %v", core.setCalls)
	}
}

func TestGetModesCommaJoined(t *testing.T) {
	reg := &fakeRegistry{names: []modes.Name{modes.MassStorage, modes.MTP, modes.Developer}}
	a := New(nil, &fakeCore{}, reg, nil, nil)
	got, _ := a.GetModes()
	if got != "mass_storage,mtp,developer" {
		t.Fatalf("GetModes() = %q", got)
	}
}

func TestGetAvailableModesExcludesHidden(t *testing.T) {
	reg := &fakeRegistry{names: []modes.Name{modes.MassStorage, modes.MTP, modes.Developer}}
	a := New(nil, &fakeCore{}, reg, nil, []modes.Name{modes.Developer})

	got, _ := a.GetAvailableModes()
	if got != "mass_storage,mtp" {
		t.Fatalf("GetAvailableModes() = %q, want mass_storage,mtp", got)
	}

	hidden, _ := a.GetHiddenModes()
	if hidden != "developer" {
		t.Fatalf("GetHiddenModes() = %q, want developer", hidden)
	}
}

type fakeConfigSetter struct {
	lastKey, lastValue string
}

func (f *fakeConfigSetter) SetConfig(key, value string) error {
	f.lastKey, f.lastValue = key, value
	return nil
}

func TestSetConfigForwardsToSetter(t *testing.T) {
	cfg := &fakeConfigSetter{}
	a := New(nil, &fakeCore{}, &fakeRegistry{}, cfg, nil)
	if derr := a.SetConfig("network", "nat"); derr != nil {
		t.Fatalf("SetConfig: %v", derr)
	}
	if cfg.lastKey != "network" || cfg.lastValue != "nat" {
		t.Fatalf("got key=%q value=%q", cfg.lastKey, cfg.lastValue)
	}
}
