// SPDX-License-Identifier: LGPL-2.1-or-later

// Package netshare consumes a mode definition's network fields
// (NeedsNetwork, NAT, DHCPServer, TetheringTech) on a successful
// mode_switched, bringing the tethering interface up and starting or
// stopping the already-installed DHCP server unit. NAT and TetheringTech
// are only reported in the log; no NAT rules are installed. It never
// implements a DHCP server itself — that daemon is an external
// collaborator.
package netshare

import (
	"fmt"

	"github.com/vishvananda/netlink"

	"github.com/JamiKettunen/usb-moded/errkind"
	"github.com/JamiKettunen/usb-moded/logger"
	"github.com/JamiKettunen/usb-moded/modes"
)

// defaultTetherAddr is the address assigned to the RNDIS/USB network
// interface when a mode with needs_network brings it up.
const defaultTetherAddr = "192.168.2.15/24"

// Tether brings up def's network interface using vishvananda/netlink
// for link/address configuration.
func Tether(def *modes.Definition) error {
	if !def.NeedsNetwork || def.NetworkIface == "" {
		return nil
	}

	link, err := netlink.LinkByName(def.NetworkIface)
	if err != nil {
		return errkind.Wrap(errkind.ErrTransientIO, "looking up interface "+def.NetworkIface)
	}

	addr, err := netlink.ParseAddr(defaultTetherAddr)
	if err != nil {
		return fmt.Errorf("parsing tether address: %w", err)
	}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return errkind.Wrap(errkind.ErrTransientIO, "assigning address to "+def.NetworkIface)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return errkind.Wrap(errkind.ErrTransientIO, "bringing up "+def.NetworkIface)
	}

	logger.Noticef("netshare: %s up at %s (nat=%v dhcp_server=%v tech=%s)",
		def.NetworkIface, defaultTetherAddr, def.NAT, def.DHCPServer, def.TetheringTech)
	return nil
}

// Manager adapts the package-level Tether/Teardown functions to
// control.Networker.
type Manager struct{}

func (Manager) Tether(def *modes.Definition) error   { return Tether(def) }
func (Manager) Teardown(def *modes.Definition) error { return Teardown(def) }

// Teardown brings the interface back down when the mode is left.
func Teardown(def *modes.Definition) error {
	if !def.NeedsNetwork || def.NetworkIface == "" {
		return nil
	}
	link, err := netlink.LinkByName(def.NetworkIface)
	if err != nil {
		// Interface already gone (e.g. the gadget function was torn
		// down first) is not an error here.
		return nil
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return errkind.Wrap(errkind.ErrTransientIO, "bringing down "+def.NetworkIface)
	}
	return nil
}
