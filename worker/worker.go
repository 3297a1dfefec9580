// SPDX-License-Identifier: LGPL-2.1-or-later

// Package worker serializes kernel gadget programming behind a single
// supervised goroutine. It is the only caller of the gadget
// backend; the control core only ever hands it mode names and receives
// completion notifications back.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/JamiKettunen/usb-moded/errkind"
	"github.com/JamiKettunen/usb-moded/gadget"
	"github.com/JamiKettunen/usb-moded/logger"
	"github.com/JamiKettunen/usb-moded/modes"
)

// Result is delivered once per processed request.
type Result struct {
	Requested modes.Name
	Final     modes.Name
	Err       error
}

// Worker owns the gadget backend exclusively and processes mode-program
// requests off a single latest-wins slot, never a queue: a new request
// overwrites the pending one.
type Worker struct {
	t tomb.Tomb

	backend  gadget.Backend
	registry *modes.Registry
	appsync  AppSyncWaiter

	mu      sync.Mutex
	pending *modes.Name
	wake    chan struct{}

	results chan Result
}

func New(backend gadget.Backend, registry *modes.Registry, appsync AppSyncWaiter) *Worker {
	if appsync == nil {
		appsync = NoopAppSyncWaiter{}
	}
	return &Worker{
		backend:  backend,
		registry: registry,
		appsync:  appsync,
		wake:     make(chan struct{}, 1),
		results:  make(chan Result, 8),
	}
}

// Results is drained by the control core to learn when a request
// completes.
func (w *Worker) Results() <-chan Result { return w.results }

func (w *Worker) Start() {
	w.t.Go(w.run)
}

func (w *Worker) Stop() error {
	w.t.Kill(nil)
	return w.t.Wait()
}

// Program requests mode to be realized. If a request is already in
// flight, this overwrites the pending slot rather than queuing.
// Requesting modes.Undefined while a program is running cooperatively
// cancels it.
func (w *Worker) Program(mode modes.Name) {
	w.mu.Lock()
	m := mode
	w.pending = &m
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) takePending() (modes.Name, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return "", false
	}
	m := *w.pending
	w.pending = nil
	return m, true
}

func (w *Worker) run() error {
	for {
		select {
		case <-w.t.Dying():
			return nil
		case <-w.wake:
		}

		for {
			mode, ok := w.takePending()
			if !ok {
				break
			}
			if mode == modes.Undefined {
				w.cancelToUndefined(mode)
				continue
			}
			w.process(mode)
		}
	}
}

// appsyncTimeout bounds the wait for a mode's app-readiness signal so the
// worker never blocks longer than the 2s ceiling normal paths allow.
const appsyncTimeout = 2 * time.Second

func (w *Worker) cancelToUndefined(requested modes.Name) {
	if w.backend.InUse() {
		// Tearing down to undefined clears the composed function set
		// (configfs: every symlink under configs/b.1 is unlinked) and
		// leaves the UDC detached.
		if err := w.backend.SetFunction(&modes.Definition{Name: modes.Undefined}); err != nil {
			logger.WithError(err, "worker: clearing gadget functions during cancellation")
		}
		if err := w.backend.SetUDC(false); err != nil {
			logger.WithError(err, "worker: detaching UDC during cancellation")
		}
	}
	w.publish(Result{Requested: requested, Final: modes.Undefined})
}

func (w *Worker) process(requested modes.Name) {
	if requested == modes.Ask || requested == modes.Busy {
		// Pseudo-modes: nothing to program. For ask, the dialog owns the
		// next step; the gadget stays as-is until the user picks.
		w.publish(Result{Requested: requested, Final: requested})
		return
	}

	if !w.backend.InUse() {
		err := errkind.Wrap(errkind.ErrBackendUnavailable, "mode switch requested before backend was probed")
		w.publish(Result{Requested: requested, Final: modes.Undefined, Err: err})
		return
	}

	def, err := w.resolve(requested)
	if err != nil {
		// UnknownMode collapses to charging_fallback, distinct from the
		// undefined fallback used for backend/IO failures.
		final := modes.Undefined
		if errkind.Is(err, errkind.ErrUnknownMode) {
			final = modes.ChargingFallback
		}
		w.publish(Result{Requested: requested, Final: final, Err: err})
		return
	}

	final, err := w.applyMode(requested, def)
	if err != nil {
		logger.WithError(err, fmt.Sprintf("worker: programming mode %q", requested))
	}
	w.publish(Result{Requested: requested, Final: final, Err: err})
}

// resolve looks up the mode in the registry, falling back to a synthetic
// definition for built-ins that don't carry a registry entry (charger,
// charging_only, ask, busy, undefined never touch the gadget directly).
func (w *Worker) resolve(mode modes.Name) (*modes.Definition, error) {
	if def, ok := w.registry.Lookup(mode); ok {
		return def, nil
	}
	if modes.IsBuiltin(mode) {
		return &modes.Definition{Name: mode, Module: modes.BuiltinModule(mode)}, nil
	}
	return nil, errkind.Wrap(errkind.ErrUnknownMode, string(mode))
}

func (w *Worker) applyMode(requested modes.Name, def *modes.Definition) (modes.Name, error) {
	var err error
	if requested == modes.ChargingOnly || requested == modes.ChargingFallback || requested == modes.Charger {
		err = w.backend.SetChargingMode()
	} else {
		err = w.backend.SetFunction(def)
	}
	if err != nil {
		// A failed transition settles at undefined; the next policy tick
		// is expected to re-select, there is no retry loop here.
		return modes.Undefined, err
	}

	if def.NeedsAppsync {
		ctx, cancel := context.WithTimeout(context.Background(), appsyncTimeout)
		defer cancel()
		if err := w.appsync.Wait(ctx, string(requested)); err != nil {
			logger.WithError(err, "worker: appsync wait failed, continuing anyway")
		}
	}

	if err := w.backend.SetUDC(true); err != nil {
		return modes.Undefined, err
	}

	return requested, nil
}

func (w *Worker) publish(r Result) {
	select {
	case w.results <- r:
	case <-w.t.Dying():
	}
}
