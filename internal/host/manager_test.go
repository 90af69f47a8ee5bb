package host

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xfeldman/panelplug/internal/config"
	"github.com/xfeldman/panelplug/internal/descriptor"
	"github.com/xfeldman/panelplug/internal/display"
	"github.com/xfeldman/panelplug/internal/guest"
	"github.com/xfeldman/panelplug/internal/logstore"
	"github.com/xfeldman/panelplug/internal/plugin"
	"github.com/xfeldman/panelplug/internal/registry"
)

type managerEnv struct {
	srv  *display.Server
	db   *registry.DB
	logs *logstore.Store
	m    *Manager
	l    *guestLauncher
}

func newManagerEnv(t *testing.T, construct guest.ConstructFunc) *managerEnv {
	t.Helper()
	srv, hc := newDisplay(t)
	dir := t.TempDir()

	db, err := registry.Open(filepath.Join(dir, "panel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	logs := logstore.NewStore(filepath.Join(dir, "logs"))

	cfg := config.DefaultConfig()
	cfg.AttachTimeout = 2 * time.Second
	cfg.ReapGrace = 100 * time.Millisecond

	m, err := NewManager(cfg, hc, "pipe", logs, db)
	require.NoError(t, err)
	l := newGuestLauncher(srv, construct)
	m.SetLauncher(l)
	return &managerEnv{srv: srv, db: db, logs: logs, m: m, l: l}
}

var clockDesc = &descriptor.Descriptor{Name: "clock", DisplayName: "Clock", Exec: testExe}

func waitRecordState(t *testing.T, db *registry.DB, id, state string) *registry.Item {
	t.Helper()
	var rec *registry.Item
	require.Eventually(t, func() bool {
		var err error
		rec, err = db.GetItem(id)
		return err == nil && rec != nil && rec.State == state
	}, 2*time.Second, 10*time.Millisecond, "item %s never reached %s", id, state)
	return rec
}

func TestManagerCreateRecordsItem(t *testing.T) {
	env := newManagerEnv(t, nil)
	var log stateLog
	env.m.OnStateChange(func(tr Transition) { log.record(tr.ID + ":" + tr.State) })

	it, err := env.m.Create(context.Background(), clockDesc, "clock-1")
	require.NoError(t, err)
	waitLive(t, it)

	rec := waitRecordState(t, env.db, "clock-1", StateLive)
	require.Equal(t, "clock", rec.Name)
	require.Equal(t, "Clock", rec.DisplayName)
	require.Equal(t, testExe, rec.Executable)
	require.Equal(t, it.Pid(), rec.PID)
	require.False(t, rec.ToBeRemoved)

	require.Same(t, it, env.m.Get("clock-1"))
	require.Len(t, env.m.List(), 1)
	require.Equal(t, []string{"clock-1:spawning", "clock-1:attached", "clock-1:live"}, log.get())

	_, err = env.m.Create(context.Background(), clockDesc, "clock-1")
	require.Error(t, err, "duplicate id accepted")
}

func TestManagerUniquePlugin(t *testing.T) {
	env := newManagerEnv(t, nil)
	desc := &descriptor.Descriptor{Name: "tray", DisplayName: "Tray", Exec: "/usr/lib/panelplug/tray", Unique: true}

	_, err := env.m.Create(context.Background(), desc, "tray-1")
	require.NoError(t, err)
	_, err = env.m.Create(context.Background(), desc, "tray-2")
	require.True(t, errors.Is(err, ErrUnique), "err = %v", err)
}

func TestManagerRemove(t *testing.T) {
	env := newManagerEnv(t, nil)
	it, err := env.m.Create(context.Background(), clockDesc, "clock-1")
	require.NoError(t, err)
	waitLive(t, it)

	require.NoError(t, env.m.Remove("clock-1"))
	waitGone(t, it)

	rec := waitRecordState(t, env.db, "clock-1", StateGone)
	require.True(t, rec.ToBeRemoved)
	require.Empty(t, rec.Anomaly)
	require.Eventually(t, func() bool { return env.m.Get("clock-1") == nil }, time.Second, 10*time.Millisecond)

	require.True(t, errors.Is(env.m.Remove("clock-1"), ErrNotFound))
	require.True(t, errors.Is(env.m.RequestRemove("nope"), ErrNotFound))
}

func TestManagerRequestRemoveAsksPlugin(t *testing.T) {
	env := newManagerEnv(t, nil)
	it, err := env.m.Create(context.Background(), clockDesc, "clock-1")
	require.NoError(t, err)
	waitLive(t, it)

	// The default plugin surface confirms removal.
	require.NoError(t, env.m.RequestRemove("clock-1"))
	waitGone(t, it)
	require.False(t, it.Anomalous())
	rec := waitRecordState(t, env.db, "clock-1", StateGone)
	require.True(t, rec.ToBeRemoved)
}

func TestManagerRecordsCrash(t *testing.T) {
	env := newManagerEnv(t, nil)
	it, err := env.m.Create(context.Background(), clockDesc, "clock-1")
	require.NoError(t, err)
	waitLive(t, it)

	proc := <-env.l.procs
	proc.Kill()
	waitGone(t, it)

	rec := waitRecordState(t, env.db, "clock-1", StateGone)
	require.Equal(t, AnomalyPeerVanished, rec.Anomaly)
	require.False(t, rec.ToBeRemoved)

	entries, err := env.logs.ReadFile("clock-1")
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Source == logstore.SourceSystem && e.Line == "plugin unexpectedly removed" {
			found = true
		}
	}
	require.True(t, found, "crash not logged")
}

func TestManagerSpawnFailureRecorded(t *testing.T) {
	env := newManagerEnv(t, nil)
	env.m.SetLauncher(failLauncher{})

	_, err := env.m.Create(context.Background(), clockDesc, "clock-1")
	require.True(t, errors.Is(err, ErrSpawnFailure), "err = %v", err)

	rec := waitRecordState(t, env.db, "clock-1", StateGone)
	require.Contains(t, rec.Anomaly, ErrSpawnFailure.Error())
	require.Nil(t, env.m.Get("clock-1"))
}

func TestManagerBroadcastsPanelChanges(t *testing.T) {
	env := newManagerEnv(t, nil)
	sizes := make(chan int, 8)
	env.l.construct = func(p *guest.Plugin) {
		p.OnSizeChanged(func(n int) { sizes <- n })
	}

	it, err := env.m.Create(context.Background(), clockDesc, "clock-1")
	require.NoError(t, err)
	waitLive(t, it)
	require.Equal(t, 48, <-sizes)

	env.m.SetSize(32)
	select {
	case n := <-sizes:
		require.Equal(t, 32, n)
	case <-time.After(2 * time.Second):
		t.Fatal("size change not delivered")
	}

	// New items start with the current panel settings.
	env.m.SetScreenPosition(plugin.PositionW)
	it2, err := env.m.Create(context.Background(), clockDesc, "clock-2")
	require.NoError(t, err)
	waitLive(t, it2)
	spec := lastSpec(t, env.l)
	args, err := guest.ParseArgs(spec.Args)
	require.NoError(t, err)
	require.Equal(t, 32, args.Size)
	require.Equal(t, plugin.PositionW, args.ScreenPosition)
}

func lastSpec(t *testing.T, l *guestLauncher) LaunchSpec {
	t.Helper()
	var spec LaunchSpec
	for {
		select {
		case spec = <-l.specs:
		default:
			return spec
		}
	}
}

func TestManagerShutdownAndRestore(t *testing.T) {
	env := newManagerEnv(t, nil)
	for _, id := range []string{"clock-1", "clock-2"} {
		it, err := env.m.Create(context.Background(), clockDesc, id)
		require.NoError(t, err)
		waitLive(t, it)
	}
	require.NoError(t, env.m.Remove("clock-2"))
	waitRecordState(t, env.db, "clock-2", StateGone)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.m.Shutdown(ctx))
	require.Empty(t, env.m.List())

	// Shutdown keeps items for the next start; the user's removal sticks.
	rec := waitRecordState(t, env.db, "clock-1", StateGone)
	require.False(t, rec.ToBeRemoved)

	srv := env.srv
	hc := srv.Pipe()
	t.Cleanup(func() { hc.Close() })
	m2, err := NewManager(env.m.cfg, hc, "pipe", env.logs, env.db)
	require.NoError(t, err)
	m2.SetLauncher(newGuestLauncher(srv, nil))

	n, err := m2.Restore(context.Background(), []*descriptor.Descriptor{clockDesc})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	it := m2.Get("clock-1")
	require.NotNil(t, it)
	waitLive(t, it)
	require.Nil(t, m2.Get("clock-2"))

	// Items whose plugin is gone are flagged instead.
	require.NoError(t, m2.Remove("clock-1"))
	waitGone(t, it)
	require.NoError(t, env.db.SaveItem(&registry.Item{ID: "weather-1", Name: "weather", Executable: "/usr/lib/panelplug/weather", State: StateGone}))
	n, err = m2.Restore(context.Background(), []*descriptor.Descriptor{clockDesc})
	require.NoError(t, err)
	require.Zero(t, n)
	rec, err = env.db.GetItem("weather-1")
	require.NoError(t, err)
	require.Equal(t, "plugin not installed", rec.Anomaly)
}

func TestManagerShutdownTearsDownSpawningItems(t *testing.T) {
	env := newManagerEnv(t, nil)
	l := hangLauncher{procs: make(chan *fakeProcess, 1)}
	env.m.SetLauncher(l)
	env.m.cfg.AttachTimeout = time.Minute

	_, err := env.m.Create(context.Background(), clockDesc, "clock-1")
	require.NoError(t, err)
	proc := <-l.procs

	// A spawning item is torn down by FreeData right away.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.m.Shutdown(ctx))
	waitClosed(t, proc.killed, "kill")

	_, err = env.m.Create(context.Background(), clockDesc, "clock-2")
	require.Error(t, err, "create after shutdown")
}

func TestManagerAutosave(t *testing.T) {
	saves := make(chan string, 16)
	env := newManagerEnv(t, func(p *guest.Plugin) {
		p.OnSave(func() { saves <- p.ID() })
	})
	it, err := env.m.Create(context.Background(), clockDesc, "clock-1")
	require.NoError(t, err)
	waitLive(t, it)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.m.Autosave(ctx, 20*time.Millisecond)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case id := <-saves:
			require.Equal(t, "clock-1", id)
		case <-time.After(2 * time.Second):
			t.Fatal("autosave did not reach the plugin")
		}
	}
	cancel()
	waitClosed(t, done, "autosave to stop")
}
