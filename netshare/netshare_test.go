// SPDX-License-Identifier: LGPL-2.1-or-later

package netshare

import (
	"testing"

	"github.com/JamiKettunen/usb-moded/modes"
)

func TestDHCPUnitName(t *testing.T) {
	got := dhcpUnitName("rndis0")
	want := "usb-moded-dhcp@rndis0.service"
	if got != want {
		t.Errorf("dhcpUnitName(rndis0) = %q, want %q", got, want)
	}
}

func TestTetherSkipsWhenNetworkNotNeeded(t *testing.T) {
	def := &modes.Definition{NeedsNetwork: false}
	if err := Tether(def); err != nil {
		t.Fatalf("expected no-op, got error: %v", err)
	}
}

func TestTeardownSkipsWhenNetworkNotNeeded(t *testing.T) {
	def := &modes.Definition{NeedsNetwork: false}
	if err := Teardown(def); err != nil {
		t.Fatalf("expected no-op, got error: %v", err)
	}
}

func TestTetherMissingInterfaceNameSkips(t *testing.T) {
	def := &modes.Definition{NeedsNetwork: true, NetworkIface: ""}
	if err := Tether(def); err != nil {
		t.Fatalf("expected no-op for empty interface name, got: %v", err)
	}
}
