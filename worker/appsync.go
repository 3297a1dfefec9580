// SPDX-License-Identifier: LGPL-2.1-or-later

package worker

import "context"

// AppSyncWaiter waits for a mode's configured app-readiness signal
// before the worker reports completion (the needs_appsync flag on a
// mode definition).
// The D-Bus-signal-based production implementation lives in
// dbusapi/appsync.go; modes without NeedsAppsync use NoopAppSyncWaiter.
type AppSyncWaiter interface {
	Wait(ctx context.Context, mode string) error
}

type NoopAppSyncWaiter struct{}

func (NoopAppSyncWaiter) Wait(context.Context, string) error { return nil }
