// SPDX-License-Identifier: LGPL-2.1-or-later

package cable

import (
	"path/filepath"
	"time"

	"github.com/juju/ratelimit"
	"gopkg.in/tomb.v2"

	"github.com/JamiKettunen/usb-moded/dirs"
	"github.com/JamiKettunen/usb-moded/logger"
)

// pcConnectDebounce is the fixed delay applied to a transition into
// PcConnected from a non-Unknown predecessor, absorbing a dumb
// charger's transient USB-then-DCP misclassification.
const pcConnectDebounce = 1500 * time.Millisecond

// WakeLocker abstracts the OS power manager's suspend-inhibition hint:
// acquired at the top of the uevent handler, released on every exit
// path, so the device cannot suspend mid-classification. The default
// implementation is a no-op; platforms that expose /sys/power/wake_lock
// can plug in a real one.
type WakeLocker interface {
	Acquire(name string)
	Release(name string)
}

type noopWakeLocker struct{}

func (noopWakeLocker) Acquire(string) {}
func (noopWakeLocker) Release(string) {}

// Detector watches a power_supply device over netlink and publishes a
// debounced cable state.
type Detector struct {
	t tomb.Tomb

	device   string
	reported State
	active   State

	wake WakeLocker

	changes chan State
	timer   *time.Timer
	fired   chan State

	limiter *ratelimit.Bucket

	sock *kobjectSocket
}

// NewDetector creates a detector for the configured device path, or
// /sys/class/power_supply/usb, or the scored heuristic when neither is
// configured/present.
func NewDetector(configuredDevice string, wake WakeLocker) (*Detector, error) {
	device, err := pickDevice(configuredDevice)
	if err != nil {
		return nil, err
	}
	if wake == nil {
		wake = noopWakeLocker{}
	}

	d := &Detector{
		device:   device,
		reported: Unknown,
		active:   Unknown,
		wake:     wake,
		changes:  make(chan State, 8),
		fired:    make(chan State, 1),
		// One uevent burst allowance per 200ms, refilling at 5/s: absorbs a
		// flaky charger's rapid re-announcements without starving the
		// debounce timer logic underneath.
		limiter: ratelimit.NewBucketWithRate(5, 5),
	}
	return d, nil
}

// Active returns the last debounced, surfaced cable state.
func (d *Detector) Active() State { return d.active }

// Changes returns a channel of debounced state transitions. The main
// loop is expected to drain this and feed it to the control core's
// SetCableState.
func (d *Detector) Changes() <-chan State { return d.changes }

// Start begins monitoring in a supervised goroutine; the detector's
// goroutine is the only thing performing blocking netlink I/O, the
// main loop otherwise just selects on Changes().
func (d *Detector) Start() error {
	sock, err := openKobjectSocket()
	if err != nil {
		return err
	}
	d.sock = sock

	// Seed from the device's current state so a cold start with a cable
	// already inserted doesn't wait for the next uevent.
	if props, err := readPowerSupplyProps(d.device); err == nil {
		d.handleProps(props)
	}

	d.t.Go(d.run)
	return nil
}

// Stop requests the monitor goroutine to exit and waits for it.
func (d *Detector) Stop() error {
	if d.sock != nil {
		d.sock.Close()
	}
	d.t.Kill(nil)
	return d.t.Wait()
}

// run is the detector's single state-owning goroutine. The blocking
// netlink read happens on a dedicated reader goroutine so that this
// loop can also select on the debounce timer firing, and so that
// d.reported/d.active/d.timer/d.changes stay single-writer
// (time.AfterFunc would otherwise invoke its callback on an unrelated
// goroutine).
func (d *Detector) run() error {
	events := make(chan uevent, 8)
	go d.readLoop(events)

	for {
		select {
		case <-d.t.Dying():
			return nil
		case pending := <-d.fired:
			if d.timer == nil {
				// Fired in the window between the timer going off and a
				// cancelling transition being handled; the cancel won.
				continue
			}
			d.timer = nil
			d.apply(pending)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.subsystem != "power_supply" || ev.action != "change" {
				continue
			}
			if ev.sysname != "" && ev.sysname != d.device {
				continue
			}

			d.limiter.Wait(1)
			d.wake.Acquire("usb-moded-cable")
			d.handleProps(ev.props)
			d.wake.Release("usb-moded-cable")
		}
	}
}

// readLoop owns the blocking netlink socket read and forwards parsed
// uevents to run's select loop. It exits when the socket is closed by
// Stop (Recvfrom then fails and the goroutine returns).
func (d *Detector) readLoop(events chan<- uevent) {
	defer close(events)
	for {
		ev, err := d.sock.Receive()
		if err != nil {
			select {
			case <-d.t.Dying():
				return
			default:
				logger.WithError(err, "reading kobject uevent")
				return
			}
		}
		select {
		case events <- ev:
		case <-d.t.Dying():
			return
		}
	}
}

// handleProps runs the classification + debounce state machine for one
// observation of the device's properties.
func (d *Detector) handleProps(props map[string]string) {
	newState, warnings := classify(props)
	for _, w := range warnings {
		logger.Noticef("cable detector: %s", w)
	}

	if newState == d.reported {
		return
	}
	prevReported := d.reported
	d.reported = newState

	if newState == PcConnected && prevReported != Unknown {
		d.scheduleApply(newState)
		return
	}

	d.cancelTimer()
	d.apply(newState)
}

func (d *Detector) scheduleApply(pending State) {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(pcConnectDebounce, func() {
		select {
		case d.fired <- pending:
		default:
			// A prior fire is still unconsumed (shouldn't happen: a new
			// schedule always stops the old timer first). Drop rather
			// than block the timer goroutine.
		}
	})
}

func (d *Detector) cancelTimer() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	// Drain a fire that slipped in before Stop.
	select {
	case <-d.fired:
	default:
	}
}

func (d *Detector) apply(newState State) {
	if newState == d.active {
		return
	}
	d.active = newState
	select {
	case d.changes <- newState:
	case <-d.t.Dying():
	}
}

// SysfsDevicePath is exposed for diagnostics output.
func (d *Detector) SysfsDevicePath() string {
	return filepath.Join(dirs.SysClassPowerSupplyDir, d.device)
}
