package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xfeldman/panelplug/internal/api"
	"github.com/xfeldman/panelplug/internal/descriptor"
	"github.com/xfeldman/panelplug/internal/display"
	"github.com/xfeldman/panelplug/internal/host"
	"github.com/xfeldman/panelplug/internal/logstore"
	"github.com/xfeldman/panelplug/internal/plugin"
	"github.com/xfeldman/panelplug/internal/registry"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run [plugin...]",
		Short: "Serve the display and host plugins",
		Long: `Serve the display and host plugins.

With plugin names, one new item is created per name. Without, the items of
the previous run are restored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts, args)
		},
	}
}

func runDaemon(ctx context.Context, opts *rootOptions, names []string) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	descs, errs := descriptor.LoadDir(cfg.PluginsDir)
	for _, err := range errs {
		slog.Warn("skipping descriptor", "error", err)
	}
	slog.Info("plugins loaded", "dir", cfg.PluginsDir, "count", len(descs))

	reg, err := registry.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()
	logs := logstore.NewStore(cfg.LogsDir)

	addr := cfg.DisplayAddr()
	// Clean up a socket left by a previous crash
	os.Remove(addr)
	ln, err := net.Listen("unix", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer os.Remove(addr)

	srv := display.NewServer(slog.Default())
	panel := srv.Pipe()

	m, err := host.NewManager(cfg, panel, addr, logs, reg)
	if err != nil {
		srv.Close()
		return err
	}
	m.SetListener(panelListener())
	m.OnStateChange(func(tr host.Transition) {
		slog.Info("item state", "id", tr.ID, "plugin", tr.Name, "state", tr.State)
	})

	apiServer := api.NewServer(cfg, m, logs)
	if err := apiServer.Start(); err != nil {
		srv.Close()
		return fmt.Errorf("start control API: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ln)
	})
	g.Go(func() error {
		m.Autosave(gctx, cfg.AutosaveInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := apiServer.Stop(sctx); err != nil {
			slog.Warn("control API shutdown", "error", err)
		}
		if err := m.Shutdown(sctx); err != nil {
			slog.Warn("shutdown incomplete", "error", err)
		}
		panel.Close()
		return srv.Close()
	})

	slog.Info("panelplugd ready", "pid", os.Getpid(), "display", addr, "control", cfg.ControlSocket)
	if err := populate(gctx, m, descs, names); err != nil {
		slog.Error("populate panel", "error", err)
		stop()
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("panelplugd stopped")
	return nil
}

// populate creates the named plugins, or restores the previous panel when
// no names are given.
func populate(ctx context.Context, m *host.Manager, descs []*descriptor.Descriptor, names []string) error {
	if len(names) == 0 {
		n, err := m.Restore(ctx, descs)
		if err != nil {
			return err
		}
		slog.Info("items restored", "count", n)
		return nil
	}

	for _, name := range names {
		desc, ok := descriptor.Find(descs, name)
		if !ok {
			return fmt.Errorf("plugin %q is not installed", name)
		}
		id := desc.Name + "-" + uuid.NewString()[:8]
		it, err := m.Create(ctx, desc, id)
		if err != nil {
			slog.Error("could not create panel item", "plugin", name, "error", err)
			continue
		}
		go func() {
			if err := it.WaitLive(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("panel item failed", "id", it.ID(), "error", err)
			}
		}()
	}
	return nil
}

// panelListener logs the requests plugins make of the panel. This host has
// no widget toolkit to apply them to.
func panelListener() plugin.Listener {
	return plugin.ListenerFuncs{
		OnExpandChanged: func(expand bool) {
			slog.Info("plugin expand changed", "expand", expand)
		},
		OnMenuDeactivated: func() {
			slog.Debug("plugin menu closed")
		},
		OnMenuOpened: func() {
			slog.Debug("plugin menu opened")
		},
		OnCustomizePanel: func() {
			slog.Info("plugin requested panel preferences")
		},
		OnCustomizeItems: func() {
			slog.Info("plugin requested the items editor")
		},
		OnMove: func() {
			slog.Info("plugin requested move")
		},
	}
}
