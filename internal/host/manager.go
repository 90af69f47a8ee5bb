package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xfeldman/panelplug/internal/config"
	"github.com/xfeldman/panelplug/internal/descriptor"
	"github.com/xfeldman/panelplug/internal/display"
	"github.com/xfeldman/panelplug/internal/logstore"
	"github.com/xfeldman/panelplug/internal/plugin"
	"github.com/xfeldman/panelplug/internal/registry"
)

var (
	// ErrNotFound is returned for unknown item ids.
	ErrNotFound = errors.New("item not found")

	// ErrUnique is returned when a unique plugin already has an item.
	ErrUnique = errors.New("plugin allows a single item")
)

// Transition is one item state change.
type Transition struct {
	ID    string
	Name  string
	State string
}

// Manager owns the panel's external items. It records every item in the
// registry and routes plugin output to the log store.
type Manager struct {
	cfg      *config.Config
	client   *display.Client
	addr     string
	logs     *logstore.Store
	db       *registry.DB
	launcher Launcher
	listener plugin.Listener
	log      *slog.Logger

	mu      sync.Mutex
	items   map[string]*Item
	size    int
	pos     plugin.ScreenPosition
	closing bool

	transitions plugin.Hook[Transition]
}

// NewManager creates a manager whose items live on client's display. addr is
// the display address handed to plugin processes.
func NewManager(cfg *config.Config, client *display.Client, addr string, logs *logstore.Store, db *registry.DB) (*Manager, error) {
	pos, err := plugin.ParseScreenPosition(cfg.ScreenPosition)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &Manager{
		cfg:      cfg,
		client:   client,
		addr:     addr,
		logs:     logs,
		db:       db,
		launcher: ExecLauncher{},
		listener: plugin.NopListener{},
		log:      slog.Default().With("component", "manager"),
		items:    make(map[string]*Item),
		size:     cfg.PanelSize,
		pos:      pos,
	}, nil
}

// SetLauncher replaces the process launcher for items created afterwards.
func (m *Manager) SetLauncher(l Launcher) {
	m.launcher = l
}

// SetListener sets the receiver of plugin requests for items created
// afterwards.
func (m *Manager) SetListener(l plugin.Listener) {
	m.listener = l
}

// OnStateChange registers fn for state changes of every item.
func (m *Manager) OnStateChange(fn func(Transition)) plugin.HookID {
	return m.transitions.Connect(fn)
}

// Create adds an item of the plugin desc with the given id and spawns its
// process. The returned item may still be spawning.
func (m *Manager) Create(ctx context.Context, desc *descriptor.Descriptor, id string) (*Item, error) {
	if id == "" {
		return nil, fmt.Errorf("create %s: empty item id", desc.Name)
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, fmt.Errorf("create %s: manager is shutting down", desc.Name)
	}
	if _, ok := m.items[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("create %s: item %s already exists", desc.Name, id)
	}
	if desc.Unique {
		for _, other := range m.items {
			if other.Name() == desc.Name {
				m.mu.Unlock()
				return nil, fmt.Errorf("create %s: %w", desc.Name, ErrUnique)
			}
		}
	}

	il := m.logs.GetOrCreate(id, desc.Name)
	stdout := il.Writer(logstore.StreamStdout)
	stderr := il.Writer(logstore.StreamStderr)

	it := New(
		plugin.Identity{Name: desc.Name, ID: id, DisplayName: desc.DisplayName},
		desc.Exec, m.size, m.pos,
		WithDisplay(m.client, m.addr),
		WithLauncher(m.launcher),
		WithListener(m.listener),
		WithAttachTimeout(m.cfg.AttachTimeout),
		WithReapGrace(m.cfg.ReapGrace),
		WithOutput(stdout, stderr),
	)
	m.items[id] = it
	m.mu.Unlock()

	rec := &registry.Item{
		ID:          id,
		Name:        desc.Name,
		DisplayName: desc.DisplayName,
		Executable:  desc.Exec,
		State:       StateSpawning,
	}
	if err := m.db.SaveItem(rec); err != nil {
		m.forget(it)
		return nil, fmt.Errorf("save item %s: %w", id, err)
	}

	it.OnStateChange(func(state string) {
		m.recordState(it, il, state)
		if state == StateGone {
			stdout.Flush()
			stderr.Flush()
		}
	})

	if err := it.Realize(ctx); err != nil {
		return it, err
	}
	if err := m.db.UpdatePID(id, it.Pid()); err != nil {
		m.log.Warn("record pid", "id", id, "error", err)
	}
	m.log.Info("item created", "id", id, "plugin", desc.Name)
	return it, nil
}

func (m *Manager) recordState(it *Item, il *logstore.ItemLog, state string) {
	m.mu.Lock()
	closing := m.closing
	m.mu.Unlock()

	il.Append(logstore.StreamStdout, "item "+state, logstore.SourceSystem)
	if state == StateGone {
		anomaly := ""
		if it.Anomalous() {
			anomaly = AnomalyPeerVanished
			il.Append(logstore.StreamStderr, "plugin unexpectedly removed", logstore.SourceSystem)
		} else if err := it.Err(); err != nil {
			anomaly = err.Error()
			il.Append(logstore.StreamStderr, anomaly, logstore.SourceSystem)
		}
		if anomaly != "" {
			if err := m.db.MarkAnomaly(it.ID(), anomaly); err != nil {
				m.log.Warn("record anomaly", "id", it.ID(), "error", err)
			}
		}
	}

	// Items freed by shutdown stay on the panel for the next start.
	toBeRemoved := it.ToBeRemoved() && !closing
	if err := m.db.UpdateState(it.ID(), state, toBeRemoved); err != nil {
		m.log.Warn("record state", "id", it.ID(), "state", state, "error", err)
	}
	if state == StateGone {
		m.forget(it)
	}

	m.transitions.Emit(Transition{ID: it.ID(), Name: it.Name(), State: state})
}

func (m *Manager) forget(it *Item) {
	m.mu.Lock()
	if m.items[it.ID()] == it {
		delete(m.items, it.ID())
	}
	m.mu.Unlock()
}

// Restore recreates the items the registry holds from an earlier run. Items
// the user removed are skipped, as are items whose plugin is no longer
// installed. It returns how many items were recreated.
func (m *Manager) Restore(ctx context.Context, descs []*descriptor.Descriptor) (int, error) {
	recs, err := m.db.ListItems()
	if err != nil {
		return 0, fmt.Errorf("list items: %w", err)
	}

	n := 0
	for _, rec := range recs {
		if rec.ToBeRemoved || m.Get(rec.ID) != nil {
			continue
		}
		desc, ok := descriptor.Find(descs, rec.Name)
		if !ok {
			m.log.Warn("plugin of saved item is not installed", "id", rec.ID, "plugin", rec.Name)
			if err := m.db.MarkAnomaly(rec.ID, "plugin not installed"); err != nil {
				m.log.Warn("record anomaly", "id", rec.ID, "error", err)
			}
			continue
		}
		if _, err := m.Create(ctx, desc, rec.ID); err != nil {
			m.log.Warn("restore item failed", "id", rec.ID, "plugin", rec.Name, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Get returns the item with the given id, or nil.
func (m *Manager) Get(id string) *Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id]
}

// List returns the current items sorted by id.
func (m *Manager) List() []*Item {
	m.mu.Lock()
	items := make([]*Item, 0, len(m.items))
	for _, it := range m.items {
		items = append(items, it)
	}
	m.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].ID() < items[j].ID() })
	return items
}

// Remove frees the item at once, without asking the plugin.
func (m *Manager) Remove(id string) error {
	it := m.Get(id)
	if it == nil {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	it.FreeData()
	return nil
}

// RequestRemove asks the plugin to confirm its removal.
func (m *Manager) RequestRemove(id string) error {
	it := m.Get(id)
	if it == nil {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	it.Remove()
	return nil
}

// SaveAll asks every item to save its settings.
func (m *Manager) SaveAll() {
	for _, it := range m.List() {
		it.Save()
	}
}

// Autosave asks every item to save its settings each interval until ctx
// ends. A zero interval returns at once.
func (m *Manager) Autosave(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.SaveAll()
		case <-ctx.Done():
			return
		}
	}
}

// SetSize changes the panel size for all items.
func (m *Manager) SetSize(size int) {
	m.mu.Lock()
	m.size = size
	m.mu.Unlock()
	for _, it := range m.List() {
		it.SetSize(size)
	}
}

// SetScreenPosition moves the panel for all items.
func (m *Manager) SetScreenPosition(pos plugin.ScreenPosition) {
	m.mu.Lock()
	m.pos = pos
	m.mu.Unlock()
	for _, it := range m.List() {
		it.SetScreenPosition(pos)
	}
}

// Shutdown frees every item and waits for them to leave. Items still present
// when ctx ends are killed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	items := m.List()
	for _, it := range items {
		it.FreeData()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, it := range items {
		g.Go(func() error {
			select {
			case <-it.Gone():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("item %s: %w", it.ID(), gctx.Err())
			}
		})
	}
	err := g.Wait()
	if err != nil {
		for _, it := range items {
			select {
			case <-it.Gone():
			default:
				m.log.Warn("item did not leave in time, killing", "id", it.ID())
				it.Kill()
			}
		}
	}
	m.log.Info("items shut down", "count", len(items))
	return err
}
