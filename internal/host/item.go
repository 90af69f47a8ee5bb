// Package host embeds out-of-process plugins into the panel.
//
// An Item owns a socket window and the plugin process it spawned. It moves
// through these states:
//
//	spawning → attached → live → removing → gone
//
// spawning: the process was started and the plug has not attached yet.
// attached: plug_added arrived; deferred requests are being replayed.
// live: messages flow both ways.
// removing: FREE_DATA was sent, or the plug vanished without it.
// gone: the socket is destroyed and the process is being reaped.
//
// A spawn that never attaches ends in gone directly.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/xfeldman/panelplug/internal/display"
	"github.com/xfeldman/panelplug/internal/guest"
	"github.com/xfeldman/panelplug/internal/plugin"
	"github.com/xfeldman/panelplug/internal/wire"
)

var (
	// ErrSpawnFailure is returned when the plugin process could not be
	// started. The panel shows it as "could not create panel item".
	ErrSpawnFailure = errors.New("could not create panel item")

	// ErrAttachTimeout is the item error when the plugin did not attach
	// within the attach timeout.
	ErrAttachTimeout = errors.New("plugin did not attach in time")

	// ErrGuestExited is the item error when the plugin exited before
	// attaching.
	ErrGuestExited = errors.New("plugin exited before attaching")

	// ErrGone is returned by WaitLive for items removed before going live.
	ErrGone = errors.New("panel item is gone")
)

// Item states
const (
	StateSpawning = "spawning"
	StateAttached = "attached"
	StateLive     = "live"
	StateRemoving = "removing"
	StateGone     = "gone"
)

// AnomalyPeerVanished is recorded when the plug went away before the panel
// freed the item.
const AnomalyPeerVanished = "peer vanished"

const (
	defaultAttachTimeout = 10 * time.Second
	defaultReapGrace     = 2 * time.Second
)

// Option configures an Item.
type Option func(*Item)

// WithListener sets the receiver of the plugin's requests.
func WithListener(l plugin.Listener) Option {
	return func(it *Item) { it.listener = l }
}

// WithLauncher replaces the default ExecLauncher.
func WithLauncher(l Launcher) Option {
	return func(it *Item) { it.launcher = l }
}

// WithDisplay sets the panel's display connection and the address plugin
// processes use to reach the same display.
func WithDisplay(c *display.Client, addr string) Option {
	return func(it *Item) {
		it.client = c
		it.sender = c
		it.addr = addr
	}
}

// WithAttachTimeout bounds the wait for the plug to attach.
func WithAttachTimeout(d time.Duration) Option {
	return func(it *Item) { it.attachTimeout = d }
}

// WithReapGrace sets how long the process may outlive its plug.
func WithReapGrace(d time.Duration) Option {
	return func(it *Item) { it.reapGrace = d }
}

// WithOutput captures the plugin's stdout and stderr.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(it *Item) {
		it.stdout = stdout
		it.stderr = stderr
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(it *Item) { it.log = l }
}

// Item is the panel-side handle of one external plugin. It implements
// plugin.Item by translating calls into messages to the plugin's plug
// window.
type Item struct {
	id       plugin.Identity
	exe      string
	client   *display.Client
	sender   wire.Sender
	addr     string
	launcher Launcher
	listener plugin.Listener
	log      *slog.Logger
	stdout   io.Writer
	stderr   io.Writer

	attachTimeout time.Duration
	reapGrace     time.Duration

	mu          sync.Mutex
	state       string
	socket      display.Window
	plug        display.Window
	proc        Process
	spawnSize   int
	spawnPos    plugin.ScreenPosition
	size        int
	pos         plugin.ScreenPosition
	sensitive   bool
	expand      bool
	toBeRemoved bool
	anomalous   bool
	err         error
	attachTimer *time.Timer

	// realizing is set while Realize runs. A free requested meanwhile is
	// left to Realize so no transition is reported after gone.
	realizing   bool
	freePending bool

	attach       plugin.Hook[struct{}]
	constructed  plugin.Hook[struct{}]
	stateChanged plugin.Hook[string]

	live chan struct{}
	gone chan struct{}
}

var _ plugin.Item = (*Item)(nil)

// New creates an item for the plugin executable exe. Nothing is spawned until
// Realize.
func New(id plugin.Identity, exe string, size int, pos plugin.ScreenPosition, opts ...Option) *Item {
	it := &Item{
		id:            id,
		exe:           exe,
		launcher:      ExecLauncher{},
		listener:      plugin.NopListener{},
		attachTimeout: defaultAttachTimeout,
		reapGrace:     defaultReapGrace,
		size:          size,
		pos:           pos,
		sensitive:     true,
		live:          make(chan struct{}),
		gone:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(it)
	}
	if it.log == nil {
		it.log = slog.Default()
	}
	it.log = it.log.With("component", "host", "plugin", id.Name, "id", id.ID)
	return it
}

// Realize creates the socket window and spawns the plugin process. It does
// not wait for the plugin; use WaitLive for that. A spawn failure destroys
// the socket and returns an error wrapping ErrSpawnFailure.
func (it *Item) Realize(ctx context.Context) error {
	it.mu.Lock()
	if it.state != "" {
		state := it.state
		it.mu.Unlock()
		return fmt.Errorf("item %s: already %s", it.id.ID, state)
	}
	if it.client == nil {
		it.mu.Unlock()
		return fmt.Errorf("%w: item %s has no display", ErrSpawnFailure, it.id.ID)
	}
	it.state = StateSpawning
	it.realizing = true
	it.spawnSize = it.size
	it.spawnPos = it.pos
	it.mu.Unlock()

	socket, err := it.client.CreateSocket(ctx)
	if err != nil {
		err = fmt.Errorf("%w: create socket: %v", ErrSpawnFailure, err)
		it.finish(err, true)
		return err
	}
	it.mu.Lock()
	it.socket = socket
	freed := it.freePending
	if freed {
		it.realizing = false
	} else {
		it.client.Handle(socket, it.handleEvent)
	}
	it.mu.Unlock()
	if freed {
		it.log.Info("plugin freed before spawning")
		it.finish(nil, true)
		return nil
	}
	it.notify(StateSpawning)

	argv := guest.Args{
		SocketID:       socket,
		Identity:       it.id,
		Size:           it.spawnSize,
		ScreenPosition: it.spawnPos,
	}.Argv(it.exe)

	proc, err := it.launcher.Launch(LaunchSpec{
		Path:   it.exe,
		Args:   argv,
		Env:    []string{display.EnvDisplay + "=" + it.addr},
		Stdout: it.stdout,
		Stderr: it.stderr,
	})
	if err != nil {
		err = fmt.Errorf("%w: start %s: %v", ErrSpawnFailure, it.exe, err)
		it.log.Error("plugin spawn failed", "error", err)
		it.finish(err, true)
		return err
	}

	it.mu.Lock()
	it.proc = proc
	it.realizing = false
	freed = it.freePending
	gone := it.state == StateGone
	if !freed && !gone && it.state == StateSpawning {
		it.attachTimer = time.AfterFunc(it.attachTimeout, func() {
			it.post(func() { it.failAttach(ErrAttachTimeout) })
		})
	}
	it.mu.Unlock()

	switch {
	case freed:
		it.log.Info("plugin freed while starting")
		it.finish(nil, true)
		return nil
	case gone:
		proc.Kill()
		return nil
	}

	it.log.Info("plugin spawned", "pid", proc.Pid(), "socket", socket)
	go it.watch(proc)
	return nil
}

// post runs fn on the panel's event loop. Once the display connection is
// gone there is no loop left, so fn runs on the calling goroutine.
func (it *Item) post(fn func()) {
	if !it.client.Post(fn) {
		fn()
	}
}

func (it *Item) watch(proc Process) {
	<-proc.Done()
	it.post(func() { it.onExit(proc) })
}

func (it *Item) onExit(proc Process) {
	err := proc.Err()
	it.mu.Lock()
	state := it.state
	it.mu.Unlock()

	if state == StateSpawning {
		if err != nil {
			it.failAttach(fmt.Errorf("%w: %v", ErrGuestExited, err))
		} else {
			it.failAttach(ErrGuestExited)
		}
		return
	}
	it.log.Debug("plugin process exited", "error", err)
}

func (it *Item) failAttach(err error) {
	it.mu.Lock()
	if it.state != StateSpawning {
		it.mu.Unlock()
		return
	}
	it.mu.Unlock()

	it.log.Warn("plugin failed to attach", "error", err)
	it.finish(err, true)
}

// finish moves the item to gone, destroys the socket and disposes of the
// process: killed right away when kill is set, reaped otherwise.
func (it *Item) finish(err error, kill bool) {
	it.mu.Lock()
	if it.state == StateGone {
		it.mu.Unlock()
		return
	}
	it.state = StateGone
	it.err = err
	it.realizing = false
	if it.attachTimer != nil {
		it.attachTimer.Stop()
		it.attachTimer = nil
	}
	socket, proc := it.socket, it.proc
	it.mu.Unlock()

	if socket != display.None {
		it.client.Handle(socket, nil)
		if err := it.client.Destroy(socket); err != nil {
			it.log.Debug("destroy socket", "error", err)
		}
	}
	if proc != nil {
		if kill {
			proc.Kill()
		} else {
			go it.reap(proc)
		}
	}
	it.notify(StateGone)
	close(it.gone)
}

func (it *Item) reap(proc Process) {
	select {
	case <-proc.Done():
	case <-time.After(it.reapGrace):
		it.log.Warn("plugin process outlived its window, killing", "pid", proc.Pid())
		proc.Kill()
	}
}

func (it *Item) handleEvent(ev display.Event) {
	switch ev.Type {
	case display.EventPlugAdded:
		it.onPlugAdded(ev.Peer)
	case display.EventClientMessage:
		msg, ok := wire.Decode(ev)
		if !ok {
			it.log.Debug("ignoring foreign client message", "atom", ev.Atom)
			return
		}
		it.mu.Lock()
		plug := it.plug
		it.mu.Unlock()
		if plug == display.None || ev.Peer != plug {
			it.log.Debug("ignoring message from unknown window", "from", ev.Peer, "message", msg)
			return
		}
		it.dispatch(msg)
	case display.EventPlugRemoved:
		it.onPlugRemoved(ev.Peer)
	}
}

func (it *Item) onPlugAdded(plug display.Window) {
	it.mu.Lock()
	if it.state != StateSpawning {
		if it.state != StateGone {
			it.plug = plug
		}
		it.mu.Unlock()
		it.log.Debug("plug re-attached", "plug", plug)
		return
	}
	it.state = StateAttached
	it.plug = plug
	if it.attachTimer != nil {
		it.attachTimer.Stop()
		it.attachTimer = nil
	}
	size, pos := it.size, it.pos
	resendSize := size != it.spawnSize
	resendPos := pos != it.spawnPos
	it.mu.Unlock()

	it.log.Info("plugin attached", "plug", plug)
	it.notify(StateAttached)

	// Changes made while spawning were not in the arguments.
	if resendSize {
		it.send(wire.Size, int32(size))
	}
	if resendPos {
		it.send(wire.ScreenPosition, int32(pos))
	}
	it.attach.Emit(struct{}{})

	it.mu.Lock()
	promoted := it.state == StateAttached
	if promoted {
		it.state = StateLive
	}
	it.mu.Unlock()
	if promoted {
		it.notify(StateLive)
		close(it.live)
	}
}

func (it *Item) onPlugRemoved(plug display.Window) {
	it.mu.Lock()
	if it.state == StateGone || (it.plug != display.None && plug != it.plug) {
		it.mu.Unlock()
		return
	}
	vanished := !it.toBeRemoved
	prev := it.state
	if vanished {
		it.anomalous = true
		it.state = StateRemoving
	}
	it.mu.Unlock()

	if vanished {
		it.log.Warn("plugin unexpectedly removed", "plug", plug, "state", prev)
		it.notify(StateRemoving)
	} else {
		it.log.Info("plugin removed", "plug", plug)
	}
	it.finish(nil, false)
}

func (it *Item) dispatch(msg wire.Message) {
	it.log.Debug("message received", "message", msg)

	switch msg.Kind {
	case wire.Construct:
		it.constructed.Emit(struct{}{})
	case wire.Remove:
		it.mu.Lock()
		it.toBeRemoved = true
		it.mu.Unlock()
		it.FreeData()
	case wire.Expand:
		expand := msg.Value != 0
		it.mu.Lock()
		it.expand = expand
		it.mu.Unlock()
		it.listener.ExpandChanged(expand)
	case wire.Customize:
		it.listener.CustomizePanel()
	case wire.CustomizeItems:
		it.listener.CustomizeItems()
	case wire.Move:
		it.listener.Move()
	case wire.MenuDeactivated:
		it.listener.MenuDeactivated()
	case wire.PopupMenu:
		it.listener.MenuOpened()
	default:
		it.log.Debug("unrecognized message kind", "kind", msg.Kind, "value", msg.Value)
	}
}

// send delivers a message to the attached plug. Before attach and after the
// item is gone it does nothing.
func (it *Item) send(kind wire.Kind, value int32) {
	it.mu.Lock()
	socket, plug := it.socket, it.plug
	ok := plug != display.None && it.state != StateGone && it.state != StateSpawning
	it.mu.Unlock()
	if ok {
		wire.Send(it.sender, socket, plug, kind, value)
	}
}

// request sends now when attached, or once on attach otherwise.
func (it *Item) request(kind wire.Kind, value int32) {
	it.mu.Lock()
	switch it.state {
	case "", StateSpawning:
		it.attach.ConnectOnce(func(struct{}) { it.send(kind, value) })
		it.mu.Unlock()
		return
	case StateGone:
		it.mu.Unlock()
		return
	}
	it.mu.Unlock()
	it.send(kind, value)
}

func (it *Item) notify(state string) {
	it.stateChanged.Emit(state)
}

func (it *Item) Name() string        { return it.id.Name }
func (it *Item) ID() string          { return it.id.ID }
func (it *Item) DisplayName() string { return it.id.DisplayName }

// Executable returns the plugin executable path.
func (it *Item) Executable() string { return it.exe }

func (it *Item) Expand() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.expand
}

// Save asks the plugin to save its settings.
func (it *Item) Save() { it.request(wire.Save, 0) }

// Configure asks the plugin to open its settings.
func (it *Item) Configure() { it.request(wire.Customize, 0) }

// Remove asks the plugin to confirm its removal. A plugin that agrees sends
// REMOVE back, which frees the item.
func (it *Item) Remove() { it.request(wire.Remove, 0) }

func (it *Item) SetSensitive(sensitive bool) {
	it.mu.Lock()
	it.sensitive = sensitive
	it.mu.Unlock()
	it.request(wire.Sensitive, wire.BoolValue(sensitive))
}

// SetSize sends SIZE when size differs from the last value.
func (it *Item) SetSize(size int) {
	it.mu.Lock()
	if it.size == size {
		it.mu.Unlock()
		return
	}
	it.size = size
	it.mu.Unlock()
	it.send(wire.Size, int32(size))
}

// SetScreenPosition always sends SCREEN_POSITION; the plugin re-signals its
// size in response.
func (it *Item) SetScreenPosition(pos plugin.ScreenPosition) {
	it.mu.Lock()
	it.pos = pos
	it.mu.Unlock()
	it.send(wire.ScreenPosition, int32(pos))
}

// PopupMenu asks the plugin to show its context menu.
func (it *Item) PopupMenu() { it.send(wire.PopupMenu, 0) }

// FreeData tells the plugin it is being removed. It returns immediately; the
// item reaches gone when the plug disappears. An item that has not attached
// yet is torn down at once.
func (it *Item) FreeData() {
	it.mu.Lock()
	switch it.state {
	case StateRemoving, StateGone:
		it.mu.Unlock()
		return
	case "", StateSpawning:
		it.toBeRemoved = true
		if it.realizing {
			it.freePending = true
			it.mu.Unlock()
			return
		}
		it.mu.Unlock()
		it.log.Info("plugin freed before attaching")
		it.finish(nil, true)
		return
	}
	it.toBeRemoved = true
	it.state = StateRemoving
	it.mu.Unlock()

	it.notify(StateRemoving)
	it.send(wire.FreeData, 0)
}

// Kill ends the item without the plugin's cooperation.
func (it *Item) Kill() {
	it.mu.Lock()
	if it.realizing {
		it.freePending = true
		it.mu.Unlock()
		return
	}
	it.mu.Unlock()
	it.finish(nil, true)
}

// WaitLive blocks until the item is live. It returns the item error if the
// item is gone first.
func (it *Item) WaitLive(ctx context.Context) error {
	select {
	case <-it.live:
		return nil
	case <-it.gone:
		select {
		case <-it.live:
			return nil
		default:
		}
		if err := it.Err(); err != nil {
			return err
		}
		return ErrGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Gone is closed when the item reached its final state.
func (it *Item) Gone() <-chan struct{} { return it.gone }

// State returns the current state, empty before Realize.
func (it *Item) State() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.state
}

// Anomalous reports whether the plug vanished before the item was freed.
func (it *Item) Anomalous() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.anomalous
}

// ToBeRemoved reports whether the panel has freed the item.
func (it *Item) ToBeRemoved() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.toBeRemoved
}

// Err returns why the item failed, or nil.
func (it *Item) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.err
}

// Socket returns the socket window, or display.None before Realize.
func (it *Item) Socket() display.Window {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.socket
}

// Pid returns the plugin process id, or 0 when there is no process.
func (it *Item) Pid() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.proc == nil {
		return 0
	}
	return it.proc.Pid()
}

// OnStateChange registers fn for state transitions.
func (it *Item) OnStateChange(fn func(state string)) plugin.HookID {
	return it.stateChanged.Connect(fn)
}

// OnConstructed registers fn for the plugin's CONSTRUCT message.
func (it *Item) OnConstructed(fn func()) plugin.HookID {
	return it.constructed.Connect(func(struct{}) { fn() })
}
