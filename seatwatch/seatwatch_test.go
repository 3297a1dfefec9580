// SPDX-License-Identifier: LGPL-2.1-or-later

package seatwatch

import "testing"

type fakeCore struct {
	setCalls         []int
	userChangedCalls int
}

func (f *fakeCore) SetUser(uid int) { f.setCalls = append(f.setCalls, uid) }
func (f *fakeCore) UserChanged()    { f.userChangedCalls++ }

// apply touches no *dbus.Conn state, so it's exercised directly without a
// real bus connection (a real bus is an external collaborator per Run).

func TestApplyFirstObservationDoesNotTriggerUserChanged(t *testing.T) {
	core := &fakeCore{}
	w := &Watcher{core: core}

	w.apply(1000, true)

	if len(core.setCalls) != 1 || core.setCalls[0] != 1000 {
		t.Errorf("setCalls = %v, want [1000]", core.setCalls)
	}
	if core.userChangedCalls != 0 {
		t.Errorf("UserChanged called %d times on first observation, want 0", core.userChangedCalls)
	}
}

func TestApplySameUIDDoesNotTriggerUserChanged(t *testing.T) {
	core := &fakeCore{}
	w := &Watcher{core: core}

	w.apply(1000, true)
	w.apply(1000, false)

	if core.userChangedCalls != 0 {
		t.Errorf("UserChanged called %d times for an unchanged uid, want 0", core.userChangedCalls)
	}
}

func TestApplyDifferentUIDTriggersUserChanged(t *testing.T) {
	core := &fakeCore{}
	w := &Watcher{core: core}

	w.apply(1000, true)
	w.apply(2000, false)

	if core.userChangedCalls != 1 {
		t.Errorf("UserChanged called %d times, want 1", core.userChangedCalls)
	}
	if got := core.setCalls[len(core.setCalls)-1]; got != 2000 {
		t.Errorf("last SetUser call = %d, want 2000", got)
	}
}
