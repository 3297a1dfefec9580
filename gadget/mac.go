// SPDX-License-Identifier: LGPL-2.1-or-later

package gadget

import (
	"crypto/rand"
	"net"
	"path/filepath"

	"github.com/JamiKettunen/usb-moded/errkind"
)

// readHostMAC sources the RNDIS gadget's ethaddr from the named network
// interface's hardware address, falling back to a generated
// locally-administered address when the interface is absent.
func readHostMAC(iface string) (string, error) {
	if iface != "" {
		if ifi, err := net.InterfaceByName(iface); err == nil && len(ifi.HardwareAddr) == 6 {
			return ifi.HardwareAddr.String(), nil
		}
	}
	return generateLocalMAC()
}

func generateLocalMAC() (string, error) {
	addr := make([]byte, 6)
	if _, err := rand.Read(addr); err != nil {
		return "", errkind.Wrap(errkind.ErrTransientIO, "generating fallback RNDIS ethaddr")
	}
	addr[0] = (addr[0] | 0x02) & 0xfe // locally administered, unicast
	return net.HardwareAddr(addr).String(), nil
}

func rndisEthAddrPath(base string) string {
	return filepath.Join(base, "functions/rndis_bam.rndis/ethaddr")
}
