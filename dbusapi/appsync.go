// SPDX-License-Identifier: LGPL-2.1-or-later

package dbusapi

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// appSyncInterface is the private D-Bus interface apps signal readiness
// on, same private-bus pattern as the original daemon's
// usb_moded-appsync-dbus-private.h collaborator.
const appSyncInterface = "com.meego.usb_moded_appsync"

// AppSyncWaiter blocks until one appsync_ready signal naming the mode
// arrives, or ctx is cancelled. It does not track individual apps: the
// first matching signal ends the wait. It implements
// worker.AppSyncWaiter without importing worker (leaf dependency).
type AppSyncWaiter struct {
	conn *dbus.Conn
}

func NewAppSyncWaiter(conn *dbus.Conn) *AppSyncWaiter {
	return &AppSyncWaiter{conn: conn}
}

func (w *AppSyncWaiter) Wait(ctx context.Context, mode string) error {
	rule := fmt.Sprintf("type='signal',interface='%s',member='appsync_ready'", appSyncInterface)
	if err := w.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return err
	}
	defer w.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)

	signals := make(chan *dbus.Signal, 8)
	w.conn.Signal(signals)
	defer w.conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-signals:
			if sig.Name != appSyncInterface+".appsync_ready" {
				continue
			}
			if len(sig.Body) > 0 {
				if readyMode, ok := sig.Body[0].(string); ok && readyMode == mode {
					return nil
				}
			}
		}
	}
}
