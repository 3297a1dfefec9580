// SPDX-License-Identifier: LGPL-2.1-or-later

// Package control implements the mode-control state machine: it owns
// internal/target/external/user-for-mode, runs the policy resolver, and
// mediates between the cable detector, the worker, and the message-bus
// adapter.
package control

import (
	"context"
	"sync"

	"github.com/JamiKettunen/usb-moded/cable"
	"github.com/JamiKettunen/usb-moded/logger"
	"github.com/JamiKettunen/usb-moded/modes"
)

// externalNames maps an internal mode to its user-visible external name:
// internal charging_fallback appears externally as charging.
var externalNames = map[modes.Name]modes.Name{
	modes.ChargingFallback: "charging",
}

func externalName(internal modes.Name) modes.Name {
	if ext, ok := externalNames[internal]; ok {
		return ext
	}
	return internal
}

// Requester is the worker-facing half of the control core's dependencies.
type Requester interface {
	Program(mode modes.Name)
}

// Bus is the message-bus-facing half: the adapter implements this to
// receive broadcasts as bus signals.
type Bus interface {
	CurrentState(mode modes.Name)
	TargetState(mode modes.Name)
	Event(name string)
}

// Networker is the network-bring-up half of a successful mode switch:
// bringing a tethering interface up or down. netshare.Tether/Teardown
// implement this.
type Networker interface {
	Tether(def *modes.Definition) error
	Teardown(def *modes.Definition) error
}

// DHCPServer starts and stops the already-installed DHCP server unit for
// a tethering interface. netshare.DHCPController implements this.
type DHCPServer interface {
	Start(ctx context.Context, iface string) error
	Stop(ctx context.Context, iface string) error
}

// Core is the mode-control state machine.
type Core struct {
	mu sync.Mutex

	internal        modes.Name
	target          modes.Name
	external        modes.Name
	userForMode     int // uid of whoever last caused the current mode
	haveUserForMode bool

	// foregroundUID/haveForeground track who is actually logged into the
	// seat right now, set exclusively by
	// SetUser from an external session/seat-user source — never fabricated
	// from the daemon's own UID. Distinct from userForMode, which only
	// records who caused the *currently active* mode.
	foregroundUID  int
	haveForeground bool

	cableState cable.State

	worker   Requester
	bus      Bus
	registry *modes.Registry
	config   Provider

	network   Networker
	dhcp      DHCPServer
	activeDef *modes.Definition
}

func New(worker Requester, bus Bus, registry *modes.Registry, config Provider) *Core {
	return &Core{
		internal: modes.Undefined,
		target:   modes.Undefined,
		external: modes.Undefined,
		worker:   worker,
		bus:      bus,
		registry: registry,
		config:   config,
	}
}

// SetNetwork binds the network bring-up collaborators. Optional: a nil
// Networker/DHCPServer leaves ModeSwitched's network step a no-op, which
// is the case for deployments whose mode set has no needs_network entries.
func (c *Core) SetNetwork(network Networker, dhcp DHCPServer) {
	c.network = network
	c.dhcp = dhcp
}

func (c *Core) Internal() modes.Name {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.internal
}

func (c *Core) Target() modes.Name {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

func (c *Core) External() modes.Name {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.external
}

// UserForMode returns the uid recorded as having caused the currently
// active mode, and whether one has been recorded since the last
// SetUsbMode.
func (c *Core) UserForMode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userForMode, c.haveUserForMode
}

func (c *Core) CableState() cable.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cableState
}

// SetCableState is called by the detector: disconnect converges on
// undefined, a wall charger on charger, and a PC peer re-runs the
// policy resolver.
func (c *Core) SetCableState(s cable.State) {
	c.mu.Lock()
	c.cableState = s
	c.mu.Unlock()

	switch s {
	case cable.Disconnected:
		c.SetUsbMode(modes.Undefined)
	case cable.ChargerConnected:
		c.SetUsbMode(modes.Charger)
	case cable.PcConnected:
		c.SelectUsbMode(false)
	}
}

// SelectUsbMode runs the policy resolver and applies its result.
func (c *Core) SelectUsbMode(userChanged bool) {
	c.mu.Lock()
	uid, haveUID := c.foregroundUID, c.haveForeground
	cableState := c.cableState
	c.mu.Unlock()

	mode := resolvePolicy(policyInput{
		cableConnected: cableState == cable.PcConnected,
		uid:            uid,
		haveUID:        haveUID,
		userChanged:    userChanged,
		config:         c.config,
		registry:       c.registry,
	})
	c.SetUsbMode(mode)
}

// SetUsbMode forces a specific mode, used by RPC and by the policy
// resolver: target := mode, external := busy, user-for-mode cleared, and
// the worker request enqueued.
func (c *Core) SetUsbMode(mode modes.Name) {
	if !modes.IsBuiltin(mode) {
		if c.registry == nil {
			mode = modes.ChargingFallback
		} else if _, ok := c.registry.Lookup(mode); !ok {
			logger.Noticef("control: %q is not a known mode, falling back to charging_fallback", mode)
			mode = modes.ChargingFallback
		}
	}

	c.mu.Lock()
	if mode == c.internal {
		// Already the active/pursued mode: a repeated request is a
		// no-op, not a second worker request.
		c.mu.Unlock()
		return
	}
	c.internal = mode
	c.target = mode
	c.external = modes.Busy
	c.userForMode = 0
	c.haveUserForMode = false
	c.mu.Unlock()

	c.bus.TargetState(mode)
	c.bus.CurrentState(modes.Busy)
	if mode == modes.Ask {
		c.bus.Event("dialog_show")
	}

	c.worker.Program(mode)
}

// ModeSwitched is called by the worker on completion. It settles
// external to m's user-visible name, records user-for-mode from whoever
// SetUser last reported as the foreground/seat user, re-syncs target
// from external, tears down the previous mode's tethering interface and
// brings up the new one.
func (c *Core) ModeSwitched(m modes.Name) {
	ext := externalName(m)

	c.mu.Lock()
	c.external = ext
	c.userForMode = c.foregroundUID
	c.haveUserForMode = c.haveForeground
	if ext != modes.Busy {
		c.target = ext
	}
	var def *modes.Definition
	if c.registry != nil {
		def, _ = c.registry.Lookup(m)
	}
	previous := c.activeDef
	c.activeDef = def
	c.mu.Unlock()

	c.rethinkNetwork(previous, def)

	c.bus.CurrentState(ext)
	if ext != modes.Busy {
		c.bus.TargetState(ext)
	}
	logger.Noticef("control: mode switched to %s (external %s)", m, ext)
}

// rethinkNetwork tears down the interface of the mode being left and
// brings up (and starts DHCP for, if configured) the interface of the
// mode being entered. No-op when SetNetwork was never called.
func (c *Core) rethinkNetwork(previous, next *modes.Definition) {
	if c.network == nil {
		return
	}
	ctx := context.Background()

	if previous != nil && previous.NeedsNetwork && previous != next {
		if previous.DHCPServer && c.dhcp != nil {
			if err := c.dhcp.Stop(ctx, previous.NetworkIface); err != nil {
				logger.WithError(err, "control: stopping DHCP server for "+previous.NetworkIface)
			}
		}
		if err := c.network.Teardown(previous); err != nil {
			logger.WithError(err, "control: tearing down "+previous.NetworkIface)
		}
	}

	if next != nil && next.NeedsNetwork {
		if err := c.network.Tether(next); err != nil {
			logger.WithError(err, "control: bringing up "+next.NetworkIface)
			return
		}
		if next.DHCPServer && c.dhcp != nil {
			if err := c.dhcp.Start(ctx, next.NetworkIface); err != nil {
				logger.WithError(err, "control: starting DHCP server for "+next.NetworkIface)
			}
		}
	}
}

// UserChanged is called when the foreground user changes. The policy
// resolver forces charging_fallback for a just-changed user until the
// next re-resolution.
func (c *Core) UserChanged() {
	c.SelectUsbMode(true)
}

// RethinkChargingFallback re-evaluates policy when device-lock or system
// state changes.
func (c *Core) RethinkChargingFallback() {
	c.SelectUsbMode(false)
}

// SetUser records the foreground/seat user for subsequent policy
// resolution and per-user preference lookups. Callers must source uid
// from a real session/seat-user mechanism (seatwatch.Watcher in
// production) — never from the daemon's own process uid.
func (c *Core) SetUser(uid int) {
	c.mu.Lock()
	c.foregroundUID = uid
	c.haveForeground = true
	c.mu.Unlock()
}
