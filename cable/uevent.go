// SPDX-License-Identifier: LGPL-2.1-or-later

package cable

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/JamiKettunen/usb-moded/dirs"
)

// uevent is a single parsed kernel uevent (the same wire format a udev
// "monitor --kernel" session observes: a NUL-separated "ACTION@DEVPATH"
// header line followed by NUL-separated KEY=VALUE property lines). The
// netlink libraries around target NETLINK_ROUTE rather than
// NETLINK_KOBJECT_UEVENT, so this speaks to the raw socket directly.
type uevent struct {
	action    string
	devpath   string
	subsystem string
	sysname   string
	props     map[string]string
}

const ueventBufferSize = 8192

// kobjectSocket is a thin wrapper around the raw AF_NETLINK/
// NETLINK_KOBJECT_UEVENT socket.
type kobjectSocket struct {
	fd int
}

func openKobjectSocket() (*kobjectSocket, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("opening kobject uevent netlink socket: %w", err)
	}

	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding kobject uevent netlink socket: %w", err)
	}

	return &kobjectSocket{fd: fd}, nil
}

func (k *kobjectSocket) Close() error {
	return unix.Close(k.fd)
}

// Receive blocks for the next message on the socket. Callers are expected
// to run this in a supervised goroutine and stop via closing the socket
// from elsewhere (unblocks Recvfrom with EBADF).
func (k *kobjectSocket) Receive() (uevent, error) {
	buf := make([]byte, ueventBufferSize)
	n, _, err := unix.Recvfrom(k.fd, buf, 0)
	if err != nil {
		return uevent{}, err
	}
	return parseUevent(buf[:n]), nil
}

func parseUevent(data []byte) uevent {
	ev := uevent{props: make(map[string]string)}

	parts := bytes.Split(data, []byte{0})
	if len(parts) == 0 {
		return ev
	}

	header := string(parts[0])
	if at := strings.IndexByte(header, '@'); at > 0 {
		ev.action = header[:at]
		ev.devpath = header[at+1:]
	}

	for _, part := range parts[1:] {
		if len(part) == 0 {
			continue
		}
		kv := string(part)
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		ev.props[key] = val
		switch key {
		case "ACTION":
			if ev.action == "" {
				ev.action = val
			}
		case "DEVPATH":
			if ev.devpath == "" {
				ev.devpath = val
			}
		case "SUBSYSTEM":
			ev.subsystem = val
		}
	}
	ev.sysname = filepath.Base(ev.devpath)
	return ev
}

// scoreDevice implements the power_supply device selection heuristic:
// +10 if the name contains "usb", +5 "charger", +5 PRESENT property
// present, +10 ONLINE present, +10 TYPE present; any "battery" or
// "BAT" name scores 0 regardless.
func scoreDevice(name string, props map[string]string) int {
	lower := strings.ToLower(name)
	if strings.Contains(lower, "battery") || strings.Contains(name, "BAT") {
		return 0
	}

	score := 0
	if strings.Contains(lower, "usb") {
		score += 10
	}
	if strings.Contains(lower, "charger") {
		score += 5
	}
	if _, ok := props["POWER_SUPPLY_PRESENT"]; ok {
		score += 5
	}
	if _, ok := props["POWER_SUPPLY_ONLINE"]; ok {
		score += 10
	}
	if _, ok := props["POWER_SUPPLY_TYPE"]; ok {
		score += 10
	}
	return score
}

// readPowerSupplyProps reads the uevent pseudo-file for a power_supply
// device into a KEY=VALUE map, the same format the kernel sends over
// netlink, so scoreDevice and classify can share code between the
// enumeration path (startup) and the netlink path (steady state).
func readPowerSupplyProps(name string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(dirs.SysClassPowerSupplyDir, name, "uevent"))
	if err != nil {
		return nil, err
	}
	props := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		props[line[:eq]] = line[eq+1:]
	}
	return props, nil
}

// pickDevice selects the device to watch: the configured path, else the
// default "usb", else the highest-scoring enumerated device with a
// positive score.
func pickDevice(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	base := dirs.SysClassPowerSupplyDir
	if _, err := os.Stat(filepath.Join(base, "usb")); err == nil {
		return "usb", nil
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("enumerating %s: %w", base, err)
	}

	best, bestScore := "", 0
	for _, e := range entries {
		props, err := readPowerSupplyProps(e.Name())
		if err != nil {
			continue
		}
		if score := scoreDevice(e.Name(), props); score > bestScore {
			best, bestScore = e.Name(), score
		}
	}
	if best == "" {
		return "", fmt.Errorf("no suitable power_supply device found under %s", base)
	}
	return best, nil
}

// classify maps a power_supply uevent's properties to a cable State.
func classify(props map[string]string) (State, []string) {
	var warnings []string

	connected := propBool(props, "POWER_SUPPLY_PRESENT")
	if _, hasPresent := props["POWER_SUPPLY_PRESENT"]; !hasPresent {
		connected = propBool(props, "POWER_SUPPLY_ONLINE")
	}
	if !connected {
		return Disconnected, warnings
	}

	typ, hasType := props["POWER_SUPPLY_REAL_TYPE"]
	if !hasType {
		typ, hasType = props["POWER_SUPPLY_TYPE"]
	}

	switch {
	case !hasType:
		warnings = append(warnings, "power_supply type missing, assuming PC-connected")
		return PcConnected, warnings
	case typ == "USB" || typ == "USB_CDP":
		return PcConnected, warnings
	case typ == "USB_DCP" || typ == "USB_HVDCP" || typ == "USB_HVDCP_3":
		return ChargerConnected, warnings
	case typ == "USB_FLOAT":
		warnings = append(warnings, "USB_FLOAT reported, treating as charger")
		return ChargerConnected, warnings
	case typ == "Unknown":
		return Disconnected, warnings
	default:
		warnings = append(warnings, "unrecognized power_supply type "+typ)
		return Disconnected, warnings
	}
}

func propBool(props map[string]string, key string) bool {
	v, ok := props[key]
	if !ok {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	return err == nil && n == 1
}
