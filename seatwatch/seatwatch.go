// SPDX-License-Identifier: LGPL-2.1-or-later

// Package seatwatch tracks the foreground seat user over
// org.freedesktop.login1 (systemd-logind), the source the control
// core's per-user policy is defined against.
package seatwatch

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/JamiKettunen/usb-moded/logger"
)

const (
	loginBusName     = "org.freedesktop.login1"
	loginObjectPath  = dbus.ObjectPath("/org/freedesktop/login1")
	loginManagerIfce = "org.freedesktop.login1.Manager"
	seatIfce         = "org.freedesktop.login1.Seat"
	seat0            = "seat0"
)

// CoreSetter is the subset of control.Core the watcher drives.
type CoreSetter interface {
	SetUser(uid int)
	UserChanged()
}

// Watcher polls seat0's ActiveSession on startup and thereafter follows
// logind's SessionNew/SessionRemoved signals to keep it current.
type Watcher struct {
	conn *dbus.Conn
	core CoreSetter

	lastUID  int
	haveLast bool
}

// New constructs a Watcher bound to core.
func New(conn *dbus.Conn, core CoreSetter) *Watcher {
	return &Watcher{conn: conn, core: core}
}

// Run resolves the current seat0 user once, then blocks following
// SessionNew/SessionRemoved signals until ctx is cancelled, calling
// core.SetUser/core.UserChanged as the foreground user changes.
func (w *Watcher) Run(ctx context.Context) error {
	if uid, ok := w.seat0UID(); ok {
		w.apply(uid, true)
	} else {
		logger.Noticef("seatwatch: no active session on seat0 yet")
	}

	rule := fmt.Sprintf("type='signal',interface='%s',sender='%s'", loginManagerIfce, loginBusName)
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
			return nil
		case sig := <-signals:
			switch sig.Name {
			case loginManagerIfce + ".SessionNew", loginManagerIfce + ".SessionRemoved":
				if uid, ok := w.seat0UID(); ok {
					w.apply(uid, false)
				} else {
					w.apply(0, false)
				}
			}
		}
	}
}

// apply records uid via core.SetUser, and on a genuine change (not the
// first observation) additionally calls core.UserChanged so the policy
// resolver re-runs with the new foreground user.
func (w *Watcher) apply(uid int, first bool) {
	changed := !first && (!w.haveLast || uid != w.lastUID)
	w.lastUID, w.haveLast = uid, true

	w.core.SetUser(uid)
	if changed {
		w.core.UserChanged()
	}
}

// seat0UID resolves seat0's ActiveSession, then that session's User uid,
// via logind's property-get calls. Returns ok=false when seat0 has no
// active session (console idle / no user logged in).
func (w *Watcher) seat0UID() (int, bool) {
	seatPath, ok := w.findSeat0()
	if !ok {
		return 0, false
	}

	var activeSession dbus.ObjectPath
	var sessionUID uint32
	variant, err := w.conn.Object(loginBusName, seatPath).GetProperty(seatIfce + ".ActiveSession")
	if err != nil {
		return 0, false
	}
	// ActiveSession is a (sessionID, sessionObjectPath) struct.
	if parts, ok := variant.Value().([]interface{}); ok && len(parts) == 2 {
		if path, ok := parts[1].(dbus.ObjectPath); ok {
			activeSession = path
		}
	}
	if activeSession == "" {
		return 0, false
	}

	uidVariant, err := w.conn.Object(loginBusName, activeSession).GetProperty("org.freedesktop.login1.Session.User")
	if err != nil {
		return 0, false
	}
	if parts, ok := uidVariant.Value().([]interface{}); ok && len(parts) == 2 {
		if uid, ok := parts[0].(uint32); ok {
			sessionUID = uid
		}
	}
	return int(sessionUID), true
}

func (w *Watcher) findSeat0() (dbus.ObjectPath, bool) {
	var path dbus.ObjectPath
	err := w.conn.Object(loginBusName, loginObjectPath).Call(loginManagerIfce+".GetSeat", 0, seat0).Store(&path)
	if err != nil {
		return "", false
	}
	return path, true
}
