// SPDX-License-Identifier: LGPL-2.1-or-later

package control

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/JamiKettunen/usb-moded/cable"
	"github.com/JamiKettunen/usb-moded/modes"
)

type fakeProvider struct {
	rescue, diag, forbidden bool
	globalPreferred         modes.Name
	perUserPreferred        map[int]modes.Name
	allowed                 map[int][]modes.Name
}

func (f *fakeProvider) RescueMode() bool { return f.rescue }
func (f *fakeProvider) DiagMode() bool   { return f.diag }
func (f *fakeProvider) ExportForbidden() bool { return f.forbidden }

func (f *fakeProvider) PreferredMode(uid int, haveUID bool) modes.Name {
	if haveUID {
		if m, ok := f.perUserPreferred[uid]; ok {
			return m
		}
	}
	return f.globalPreferred
}

func (f *fakeProvider) AllowedModes(uid int) []modes.Name {
	return f.allowed[uid]
}

type fakeRequester struct {
	mu       sync.Mutex
	programs []modes.Name
}

func (f *fakeRequester) Program(mode modes.Name) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.programs = append(f.programs, mode)
}

func (f *fakeRequester) last() modes.Name {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.programs) == 0 {
		return ""
	}
	return f.programs[len(f.programs)-1]
}

func (f *fakeRequester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.programs)
}

type fakeBus struct {
	mu       sync.Mutex
	current  []modes.Name
	target   []modes.Name
	events   []string
}

func (f *fakeBus) CurrentState(mode modes.Name) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = append(f.current, mode)
}
func (f *fakeBus) TargetState(mode modes.Name) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = append(f.target, mode)
}
func (f *fakeBus) Event(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, name)
}

type fakeNetwork struct {
	mu                 sync.Mutex
	tethered, torndown []string
}

func (f *fakeNetwork) Tether(def *modes.Definition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tethered = append(f.tethered, def.NetworkIface)
	return nil
}

func (f *fakeNetwork) Teardown(def *modes.Definition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.torndown = append(f.torndown, def.NetworkIface)
	return nil
}

type fakeDHCP struct {
	mu           sync.Mutex
	started, stopped []string
}

func (f *fakeDHCP) Start(ctx context.Context, iface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, iface)
	return nil
}

func (f *fakeDHCP) Stop(ctx context.Context, iface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, iface)
	return nil
}

func newTestCore(p *fakeProvider) (*Core, *fakeRequester, *fakeBus) {
	req := &fakeRequester{}
	bus := &fakeBus{}
	reg := modes.Empty()
	c := New(req, bus, reg, p)
	return c, req, bus
}

func TestSetUsbModeBroadcastDiscipline(t *testing.T) {
	p := &fakeProvider{}
	c, req, bus := newTestCore(p)

	c.SetUsbMode(modes.MassStorage)

	if c.Internal() != modes.MassStorage {
		t.Errorf("internal = %v, want mass_storage", c.Internal())
	}
	if c.Target() != modes.MassStorage {
		t.Errorf("target = %v, want mass_storage", c.Target())
	}
	if c.External() != modes.Busy {
		t.Errorf("external = %v, want busy", c.External())
	}
	if req.last() != modes.MassStorage {
		t.Errorf("worker.Program last = %v, want mass_storage", req.last())
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.current) == 0 || bus.current[len(bus.current)-1] != modes.Busy {
		t.Errorf("expected current_state(busy) broadcast, got %v", bus.current)
	}
}

// TestSetUsbModeRepeatedIsIdempotent: requesting the same mode twice
// produces exactly one worker request; the second call collapses.
func TestSetUsbModeRepeatedIsIdempotent(t *testing.T) {
	p := &fakeProvider{}
	c, req, bus := newTestCore(p)

	c.SetUsbMode(modes.MTP)
	if got := req.count(); got != 1 {
		t.Fatalf("after first set_usb_mode(mtp), worker.Program called %d times, want 1", got)
	}
	bus.mu.Lock()
	busyBroadcasts := len(bus.current)
	bus.mu.Unlock()

	c.SetUsbMode(modes.MTP)
	if got := req.count(); got != 1 {
		t.Fatalf("after repeated set_usb_mode(mtp), worker.Program called %d times, want 1 (second call must collapse)", got)
	}
	if c.Internal() != modes.MTP {
		t.Errorf("internal = %v, want mtp", c.Internal())
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.current) != busyBroadcasts {
		t.Errorf("repeated set_usb_mode(mtp) re-broadcast current_state(busy), bus.current = %v", bus.current)
	}
}

func TestAskModeEmitsDialogShow(t *testing.T) {
	p := &fakeProvider{}
	c, _, bus := newTestCore(p)
	c.SetUsbMode(modes.Ask)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	found := false
	for _, e := range bus.events {
		if e == "dialog_show" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected dialog_show event, got %v", bus.events)
	}
}

func TestModeSwitchedMapsChargingFallbackExternalName(t *testing.T) {
	p := &fakeProvider{}
	c, _, bus := newTestCore(p)
	c.SetUsbMode(modes.ChargingFallback)
	c.SetUser(1000)
	c.ModeSwitched(modes.ChargingFallback)

	if c.External() != "charging" {
		t.Errorf("external = %v, want charging", c.External())
	}
	if c.Target() != "charging" {
		t.Errorf("target should re-sync from external, got %v", c.Target())
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.current[len(bus.current)-1] != "charging" {
		t.Errorf("expected current_state(charging), got %v", bus.current)
	}
}

func TestModeSwitchedRecordsForegroundUserNotFabricated(t *testing.T) {
	p := &fakeProvider{}
	c, _, _ := newTestCore(p)

	c.SetUsbMode(modes.MassStorage)
	c.ModeSwitched(modes.MassStorage)
	if _, have := c.UserForMode(); have {
		t.Error("ModeSwitched recorded a user-for-mode uid with no SetUser call ever made")
	}

	c.SetUsbMode(modes.MTP)
	c.SetUser(4242)
	c.ModeSwitched(modes.MTP)
	if uid, have := c.UserForMode(); !have || uid != 4242 {
		t.Errorf("UserForMode() = (%d, %v), want (4242, true)", uid, have)
	}
}

func TestCableDisconnectedSetsUndefined(t *testing.T) {
	p := &fakeProvider{}
	c, req, _ := newTestCore(p)
	c.SetCableState(cable.Disconnected)
	if req.last() != modes.Undefined {
		t.Errorf("expected worker.Program(undefined), got %v", req.last())
	}
}

func TestCableChargerConnectedSetsCharger(t *testing.T) {
	p := &fakeProvider{}
	c, req, _ := newTestCore(p)
	c.SetCableState(cable.ChargerConnected)
	if req.last() != modes.Charger {
		t.Errorf("expected worker.Program(charger), got %v", req.last())
	}
}

func TestPolicyRescueModeWins(t *testing.T) {
	p := &fakeProvider{rescue: true, globalPreferred: modes.MassStorage}
	c, req, _ := newTestCore(p)
	c.SetCableState(cable.PcConnected)
	if req.last() != modes.Developer {
		t.Errorf("expected developer under rescue_mode, got %v", req.last())
	}
}

func TestPolicyDiagModeUsesFirstRegistryEntry(t *testing.T) {
	p := &fakeProvider{diag: true}
	req := &fakeRequester{}
	bus := &fakeBus{}
	reg := modes.Empty()
	c := New(req, bus, reg, p)
	c.SetCableState(cable.PcConnected)
	if req.last() != modes.Undefined {
		t.Errorf("expected undefined (empty diag registry), got %v", req.last())
	}
}

func TestPolicyAskCollapsesToSingleAllowedMode(t *testing.T) {
	p := &fakeProvider{
		globalPreferred: modes.Ask,
		allowed:         map[int][]modes.Name{42: {modes.MTP}},
	}
	c, req, _ := newTestCore(p)
	c.SetUser(42)
	c.SetCableState(cable.PcConnected)
	if req.last() != modes.MTP {
		t.Errorf("expected ask to collapse to mtp, got %v", req.last())
	}
}

func TestPolicyAskWithUnknownUserFallsBackToCharging(t *testing.T) {
	p := &fakeProvider{globalPreferred: modes.Ask}
	c, req, _ := newTestCore(p)
	c.SetCableState(cable.PcConnected)
	if req.last() != modes.ChargingFallback {
		t.Errorf("expected charging_fallback for unknown uid + ask, got %v", req.last())
	}
}

func TestPolicyExportForbiddenOverridesToChargingFallback(t *testing.T) {
	p := &fakeProvider{globalPreferred: modes.MassStorage, forbidden: true}
	c, req, _ := newTestCore(p)
	c.SetUser(7)
	c.SetCableState(cable.PcConnected)
	if req.last() != modes.ChargingFallback {
		t.Errorf("expected charging_fallback when export forbidden, got %v", req.last())
	}
}

func writeNetworkMode(t *testing.T, dir, name, iface string, dhcp bool) {
	t.Helper()
	body := "[mode]\nname = " + name + "\nneeds_network = true\nnetwork_interface = " + iface + "\n"
	if dhcp {
		body += "\n[options]\ndhcp_server = true\n"
	}
	if err := os.WriteFile(filepath.Join(dir, name+".ini"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestModeSwitchedBringsUpNetworkAndStartsDHCP(t *testing.T) {
	dir := t.TempDir()
	writeNetworkMode(t, dir, "connection_sharing", "usb0", true)
	reg, err := modes.Load(dir)
	if err != nil {
		t.Fatalf("modes.Load: %v", err)
	}

	req := &fakeRequester{}
	bus := &fakeBus{}
	c := New(req, bus, reg, &fakeProvider{})
	net := &fakeNetwork{}
	dhcp := &fakeDHCP{}
	c.SetNetwork(net, dhcp)

	c.ModeSwitched(modes.Name("connection_sharing"))

	net.mu.Lock()
	defer net.mu.Unlock()
	if len(net.tethered) != 1 || net.tethered[0] != "usb0" {
		t.Errorf("expected Tether(usb0), got %v", net.tethered)
	}
	dhcp.mu.Lock()
	defer dhcp.mu.Unlock()
	if len(dhcp.started) != 1 || dhcp.started[0] != "usb0" {
		t.Errorf("expected DHCP Start(usb0), got %v", dhcp.started)
	}
}

func TestModeSwitchedTearsDownPreviousNetworkMode(t *testing.T) {
	dir := t.TempDir()
	writeNetworkMode(t, dir, "connection_sharing", "usb0", true)
	reg, err := modes.Load(dir)
	if err != nil {
		t.Fatalf("modes.Load: %v", err)
	}

	req := &fakeRequester{}
	bus := &fakeBus{}
	c := New(req, bus, reg, &fakeProvider{})
	net := &fakeNetwork{}
	dhcp := &fakeDHCP{}
	c.SetNetwork(net, dhcp)

	c.ModeSwitched(modes.Name("connection_sharing"))
	c.ModeSwitched(modes.MassStorage)

	net.mu.Lock()
	defer net.mu.Unlock()
	if len(net.torndown) != 1 || net.torndown[0] != "usb0" {
		t.Errorf("expected Teardown(usb0) on leaving connection_sharing, got %v", net.torndown)
	}
	dhcp.mu.Lock()
	defer dhcp.mu.Unlock()
	if len(dhcp.stopped) != 1 || dhcp.stopped[0] != "usb0" {
		t.Errorf("expected DHCP Stop(usb0), got %v", dhcp.stopped)
	}
}

// TestSetUsbModeCollapsesUnknownModeToChargingFallback: set_mode with a
// name that is neither built-in nor registered collapses to
// charging_fallback rather than being forwarded to the worker verbatim.
func TestSetUsbModeCollapsesUnknownModeToChargingFallback(t *testing.T) {
	p := &fakeProvider{}
	c, req, _ := newTestCore(p)

	c.SetUsbMode(modes.Name("bogus"))

	if c.Internal() != modes.ChargingFallback {
		t.Errorf("internal = %v, want charging_fallback", c.Internal())
	}
	if req.last() != modes.ChargingFallback {
		t.Errorf("expected worker.Program(charging_fallback), got %v", req.last())
	}
}

// TestSetUsbModeAllowsRegisteredDynamicMode ensures the unknown-mode
// collapse only rejects names absent from both the built-in set and the
// registry, not legitimate dynamic modes.
func TestSetUsbModeAllowsRegisteredDynamicMode(t *testing.T) {
	dir := t.TempDir()
	writeNetworkMode(t, dir, "vendor_diag", "usb0", false)
	reg, err := modes.Load(dir)
	if err != nil {
		t.Fatalf("modes.Load: %v", err)
	}

	req := &fakeRequester{}
	bus := &fakeBus{}
	c := New(req, bus, reg, &fakeProvider{})

	c.SetUsbMode(modes.Name("vendor_diag"))

	if req.last() != modes.Name("vendor_diag") {
		t.Errorf("expected worker.Program(vendor_diag), got %v", req.last())
	}
}

func TestUserChangedForcesRecheck(t *testing.T) {
	p := &fakeProvider{globalPreferred: modes.MassStorage}
	c, req, _ := newTestCore(p)
	c.SetUser(9)
	c.UserChanged()
	if req.last() != modes.ChargingFallback {
		t.Errorf("expected charging_fallback immediately after user change, got %v", req.last())
	}
}
