// SPDX-License-Identifier: LGPL-2.1-or-later

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"
	flags "github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"github.com/JamiKettunen/usb-moded/cable"
	"github.com/JamiKettunen/usb-moded/config"
	"github.com/JamiKettunen/usb-moded/control"
	"github.com/JamiKettunen/usb-moded/dbusapi"
	"github.com/JamiKettunen/usb-moded/diag"
	"github.com/JamiKettunen/usb-moded/dirs"
	"github.com/JamiKettunen/usb-moded/gadget"
	"github.com/JamiKettunen/usb-moded/logger"
	"github.com/JamiKettunen/usb-moded/modes"
	"github.com/JamiKettunen/usb-moded/netshare"
	"github.com/JamiKettunen/usb-moded/seatwatch"
	"github.com/JamiKettunen/usb-moded/worker"
)

type options struct {
	Foreground bool   `short:"f" long:"foreground" description:"do not detach, log to stderr"`
	Diag       bool   `short:"d" long:"diag" description:"force diag mode"`
	Android    bool   `short:"a" long:"android" description:"force legacy android_usb backend"`
	ConfigFile string `short:"c" long:"config" description:"alternate configuration file path"`
}

const diagSocketPath = "/run/usb-moded/diag.sock"

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		return 1
	}

	if opts.ConfigFile != "" {
		dirs.ConfigFile = opts.ConfigFile
	}

	logger.Init(logger.Config{Debug: opts.Diag || logger.DebugFromEnv()})

	cfg, err := config.Load(dirs.ConfigFile)
	if err != nil {
		logger.WithError(err, "loading configuration")
		return 1
	}

	modeDir := dirs.DynModeDir
	if opts.Diag {
		modeDir = dirs.DiagModeDir
		cfg.ForceDiagMode()
	}
	registry, err := modes.Load(modeDir)
	if err != nil {
		logger.WithError(err, "loading mode registry")
		return 1
	}
	cfg.SetRegistry(registry)

	backend := selectBackend(opts.Android)
	if backend.Probe() == gadget.Unavailable {
		logger.Noticef("usb-moded: no usable gadget backend found")
		return 1
	}
	if err := backend.InitDefaults(cfg.AndroidGadgetConfig()); err != nil {
		logger.WithError(err, "initializing gadget defaults")
		return 1
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		logger.WithError(err, "connecting to system bus")
		return 1
	}
	defer conn.Close()

	appsync := dbusapi.NewAppSyncWaiter(conn)
	w := worker.New(backend, registry, appsync)

	adapter := dbusapi.New(conn, nil, registry, cfg, cfg.HiddenModes())
	core := control.New(w, adapter, registry, cfg)
	adapter.SetCore(core)

	if dhcp, err := netshare.NewDHCPController(context.Background()); err != nil {
		logger.WithError(err, "connecting to systemd for DHCP unit control, tethering DHCP disabled")
	} else {
		defer dhcp.Close()
		core.SetNetwork(netshare.Manager{}, dhcp)
	}

	if err := adapter.Export(); err != nil {
		logger.WithError(err, "exporting D-Bus interface")
		return 1
	}

	detector, err := cable.NewDetector(cfg.CableDevice(), nil)
	if err != nil {
		logger.WithError(err, "starting cable detector")
		return 1
	}

	diagServer := diag.NewServer(core, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	w.Start()
	g.Go(func() error {
		<-gctx.Done()
		return w.Stop()
	})

	if err := detector.Start(); err != nil {
		logger.WithError(err, "starting cable detector")
		return 1
	}
	g.Go(func() error {
		<-gctx.Done()
		return detector.Stop()
	})
	g.Go(func() error { return pumpCableState(gctx, detector, core) })
	g.Go(func() error { return pumpWorkerResults(gctx, w, core) })

	seatConn, err := dbus.ConnectSystemBus()
	if err != nil {
		logger.WithError(err, "connecting to system bus for seat watcher, per-user policy disabled")
	} else {
		defer seatConn.Close()
		seat := seatwatch.New(seatConn, core)
		g.Go(func() error { return seat.Run(gctx) })
	}

	listener, err := listenDiagSocket(diagSocketPath)
	if err != nil {
		logger.WithError(err, "binding diagnostics socket")
		return 1
	}
	httpServer := &http.Server{Handler: diagServer}
	g.Go(func() error {
		<-gctx.Done()
		return httpServer.Close()
	})
	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.WithError(err, "notifying systemd readiness")
	}

	if err := g.Wait(); err != nil {
		logger.WithError(err, "usb-moded: subsystem failure")
		return 1
	}
	return 0
}

func selectBackend(forceAndroid bool) gadget.Backend {
	if forceAndroid {
		return gadget.NewAndroidUSB()
	}
	configfs := gadget.NewConfigFS()
	if configfs.Probe() == gadget.Available {
		return configfs
	}
	return gadget.NewAndroidUSB()
}

func pumpCableState(ctx context.Context, detector *cable.Detector, core *control.Core) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case state := <-detector.Changes():
			core.SetCableState(state)
		}
	}
}

func pumpWorkerResults(ctx context.Context, w *worker.Worker, core *control.Core) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case result := <-w.Results():
			core.ModeSwitched(result.Final)
		}
	}
}

func listenDiagSocket(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	return net.Listen("unix", path)
}
