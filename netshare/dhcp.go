// SPDX-License-Identifier: LGPL-2.1-or-later

package netshare

import (
	"context"
	"fmt"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"

	"github.com/JamiKettunen/usb-moded/errkind"
)

// dhcpUnitName is the already-installed DHCP server unit netshare starts
// and stops; DHCP itself lives in that external unit.
func dhcpUnitName(iface string) string {
	return fmt.Sprintf("usb-moded-dhcp@%s.service", iface)
}

// DHCPController starts/stops the DHCP server unit for a tethering
// interface over the systemd D-Bus API.
type DHCPController struct {
	conn *systemdDbus.Conn
}

func NewDHCPController(ctx context.Context) (*DHCPController, error) {
	conn, err := systemdDbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, errkind.Wrap(errkind.ErrBackendUnavailable, "connecting to systemd")
	}
	return &DHCPController{conn: conn}, nil
}

func (d *DHCPController) Close() { d.conn.Close() }

func (d *DHCPController) Start(ctx context.Context, iface string) error {
	ch := make(chan string, 1)
	_, err := d.conn.StartUnitContext(ctx, dhcpUnitName(iface), "replace", ch)
	if err != nil {
		return errkind.Wrap(errkind.ErrTransientIO, "starting "+dhcpUnitName(iface))
	}
	<-ch
	return nil
}

func (d *DHCPController) Stop(ctx context.Context, iface string) error {
	ch := make(chan string, 1)
	_, err := d.conn.StopUnitContext(ctx, dhcpUnitName(iface), "replace", ch)
	if err != nil {
		return errkind.Wrap(errkind.ErrTransientIO, "stopping "+dhcpUnitName(iface))
	}
	<-ch
	return nil
}
