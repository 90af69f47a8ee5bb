package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/xfeldman/panelplug/internal/display"
	"github.com/xfeldman/panelplug/internal/guest"
	"github.com/xfeldman/panelplug/internal/plugin"
	"github.com/xfeldman/panelplug/internal/wire"
)

const testExe = "/usr/lib/panelplug/clock"

var testID = plugin.Identity{Name: "clock", ID: "clock-1", DisplayName: "Clock"}

var errKilled = errors.New("signal: killed")

func newDisplay(t *testing.T) (*display.Server, *display.Client) {
	t.Helper()
	srv := display.NewServer(nil)
	t.Cleanup(func() { srv.Close() })
	hc := srv.Pipe()
	t.Cleanup(func() { hc.Close() })
	return srv, hc
}

func newItem(hc *display.Client, opts ...Option) *Item {
	base := []Option{
		WithDisplay(hc, "pipe"),
		WithAttachTimeout(2 * time.Second),
		WithReapGrace(100 * time.Millisecond),
	}
	return New(testID, testExe, 48, plugin.PositionS, append(base, opts...)...)
}

func waitLive(t *testing.T, it *Item) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := it.WaitLive(ctx); err != nil {
		t.Fatalf("WaitLive: %v", err)
	}
}

func waitGone(t *testing.T, it *Item) {
	t.Helper()
	select {
	case <-it.Gone():
	case <-time.After(2 * time.Second):
		t.Fatalf("item still %s", it.State())
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// stateLog records state transitions from any goroutine.
type stateLog struct {
	mu     sync.Mutex
	states []string
}

func (l *stateLog) record(state string) {
	l.mu.Lock()
	l.states = append(l.states, state)
	l.mu.Unlock()
}

func (l *stateLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.states...)
}

var pids atomic.Int32

// fakeProcess stands in for a plugin process. It exits when its body
// returns or when killed.
type fakeProcess struct {
	pid      int
	done     chan struct{}
	killed   chan struct{}
	exitOnce sync.Once
	killOnce sync.Once
	err      error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		pid:    int(pids.Add(1)) + 1000,
		done:   make(chan struct{}),
		killed: make(chan struct{}),
	}
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Kill() error {
	p.killOnce.Do(func() { close(p.killed) })
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.err = err
		close(p.done)
	})
}

// guestLauncher runs the real plugin surface in-process on its own display
// connection. Killing the process drops that connection.
type guestLauncher struct {
	srv       *display.Server
	construct guest.ConstructFunc
	opts      []guest.Option
	editArgs  func([]string) []string

	specs   chan LaunchSpec
	procs   chan *fakeProcess
	plugins chan *guest.Plugin
}

func newGuestLauncher(srv *display.Server, construct guest.ConstructFunc, opts ...guest.Option) *guestLauncher {
	return &guestLauncher{
		srv:       srv,
		construct: construct,
		opts:      opts,
		specs:     make(chan LaunchSpec, 4),
		procs:     make(chan *fakeProcess, 4),
		plugins:   make(chan *guest.Plugin, 4),
	}
}

func (l *guestLauncher) Launch(spec LaunchSpec) (Process, error) {
	l.specs <- spec
	p := newFakeProcess()
	l.procs <- p
	argv := spec.Args
	if l.editArgs != nil {
		argv = l.editArgs(argv)
	}
	go l.run(p, argv)
	return p, nil
}

func (l *guestLauncher) run(p *fakeProcess, argv []string) {
	c := l.srv.Pipe()
	gp, err := guest.New(context.Background(), c, argv, l.construct, l.opts...)
	if err != nil {
		c.Close()
		p.exit(err)
		return
	}
	l.plugins <- gp

	var exitErr error
	select {
	case <-gp.Done():
	case <-c.Done():
	case <-p.killed:
		exitErr = errKilled
	}
	c.Close()
	p.exit(exitErr)
}

// hangLauncher starts processes that never attach.
type hangLauncher struct {
	procs chan *fakeProcess
}

func (l hangLauncher) Launch(LaunchSpec) (Process, error) {
	p := newFakeProcess()
	l.procs <- p
	go func() {
		<-p.killed
		p.exit(errKilled)
	}()
	return p, nil
}

type failLauncher struct{}

func (failLauncher) Launch(spec LaunchSpec) (Process, error) {
	return nil, fmt.Errorf("fork/exec %s: no such file or directory", spec.Path)
}

// rawGuest is a bare plug that records every message the panel sends it.
type rawGuest struct {
	t    *testing.T
	c    *display.Client
	plug display.Window
	args guest.Args
	proc *fakeProcess
	msgs chan wire.Message
}

func (g *rawGuest) expect(kind wire.Kind, value int32) {
	g.t.Helper()
	select {
	case msg := <-g.msgs:
		if want := (wire.Message{Kind: kind, Value: value}); msg != want {
			g.t.Fatalf("guest got %v, want %v", msg, want)
		}
	case <-time.After(2 * time.Second):
		g.t.Fatalf("timed out waiting for %v", wire.Message{Kind: kind, Value: value})
	}
}

func (g *rawGuest) quiet() {
	g.t.Helper()
	select {
	case msg := <-g.msgs:
		g.t.Fatalf("unexpected message %v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func (g *rawGuest) send(kind wire.Kind, value int32) {
	wire.Send(g.c, g.plug, g.args.SocketID, kind, value)
}

// rawLauncher embeds a rawGuest into the item's socket. beforeEmbed runs
// after the spawn arguments are fixed and before the plug attaches.
type rawLauncher struct {
	t           *testing.T
	srv         *display.Server
	beforeEmbed func()
	guests      chan *rawGuest
}

func newRawLauncher(t *testing.T, srv *display.Server) *rawLauncher {
	return &rawLauncher{t: t, srv: srv, guests: make(chan *rawGuest, 4)}
}

func (l *rawLauncher) Launch(spec LaunchSpec) (Process, error) {
	args, err := guest.ParseArgs(spec.Args)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	c := l.srv.Pipe()
	l.t.Cleanup(func() { c.Close() })

	plug, err := c.CreatePlug(ctx)
	if err != nil {
		return nil, err
	}
	g := &rawGuest{
		t:    l.t,
		c:    c,
		plug: plug,
		args: args,
		proc: newFakeProcess(),
		msgs: make(chan wire.Message, 32),
	}
	c.Handle(plug, func(ev display.Event) {
		if msg, ok := wire.Decode(ev); ok {
			g.msgs <- msg
		}
	})
	if l.beforeEmbed != nil {
		l.beforeEmbed()
	}
	if err := c.Embed(ctx, plug, args.SocketID); err != nil {
		return nil, err
	}
	go func() {
		<-g.proc.killed
		c.Close()
		g.proc.exit(errKilled)
	}()
	l.guests <- g
	return g.proc, nil
}

func startRaw(t *testing.T, srv *display.Server, hc *display.Client, opts ...Option) (*Item, *rawGuest) {
	t.Helper()
	l := newRawLauncher(t, srv)
	it := newItem(hc, append([]Option{WithLauncher(l)}, opts...)...)
	if err := it.Realize(context.Background()); err != nil {
		t.Fatalf("Realize: %v", err)
	}
	waitLive(t, it)
	return it, <-l.guests
}

func TestRealizeSpawnFailure(t *testing.T) {
	srv, hc := newDisplay(t)
	it := newItem(hc, WithLauncher(failLauncher{}))
	var log stateLog
	it.OnStateChange(log.record)

	err := it.Realize(context.Background())
	if !errors.Is(err, ErrSpawnFailure) {
		t.Fatalf("Realize err = %v, want ErrSpawnFailure", err)
	}
	if it.State() != StateGone {
		t.Fatalf("state = %s, want gone", it.State())
	}
	if err := it.WaitLive(context.Background()); !errors.Is(err, ErrSpawnFailure) {
		t.Fatalf("WaitLive err = %v", err)
	}
	if diff := cmp.Diff([]string{StateSpawning, StateGone}, log.get()); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}

	// The socket is gone from the display.
	if err := hc.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	other := srv.Pipe()
	defer other.Close()
	plug, err := other.CreatePlug(context.Background())
	if err != nil {
		t.Fatalf("CreatePlug: %v", err)
	}
	if err := other.Embed(context.Background(), plug, it.Socket()); !errors.Is(err, display.ErrBadWindow) {
		t.Fatalf("Embed into destroyed socket err = %v", err)
	}
}

func TestRealizeTwice(t *testing.T) {
	_, hc := newDisplay(t)
	it := newItem(hc, WithLauncher(failLauncher{}))
	it.Realize(context.Background())
	if err := it.Realize(context.Background()); err == nil {
		t.Fatal("second Realize succeeded")
	}
}

func TestMalformedArgumentsFailToAttach(t *testing.T) {
	srv, hc := newDisplay(t)
	l := newGuestLauncher(srv, func(*guest.Plugin) { t.Error("construct ran") })
	l.editArgs = func(argv []string) []string {
		var out []string
		for _, a := range argv {
			if !strings.HasPrefix(a, guest.ArgID+"=") {
				out = append(out, a)
			}
		}
		return out
	}
	it := newItem(hc, WithLauncher(l))
	if err := it.Realize(context.Background()); err != nil {
		t.Fatalf("Realize: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := it.WaitLive(ctx); !errors.Is(err, ErrGuestExited) {
		t.Fatalf("WaitLive err = %v, want ErrGuestExited", err)
	}
	if it.State() != StateGone || it.Anomalous() {
		t.Fatalf("state = %s anomalous = %v", it.State(), it.Anomalous())
	}
}

func TestAttachTimeoutKillsProcess(t *testing.T) {
	_, hc := newDisplay(t)
	l := hangLauncher{procs: make(chan *fakeProcess, 1)}
	it := newItem(hc, WithLauncher(l), WithAttachTimeout(50*time.Millisecond))
	if err := it.Realize(context.Background()); err != nil {
		t.Fatalf("Realize: %v", err)
	}
	proc := <-l.procs

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := it.WaitLive(ctx); !errors.Is(err, ErrAttachTimeout) {
		t.Fatalf("WaitLive err = %v, want ErrAttachTimeout", err)
	}
	waitClosed(t, proc.killed, "kill")
	if it.Pid() != proc.pid {
		t.Errorf("Pid = %d, want %d", it.Pid(), proc.pid)
	}
}

func TestConstructAndLive(t *testing.T) {
	srv, hc := newDisplay(t)
	constructed := make(chan *guest.Plugin, 2)
	l := newGuestLauncher(srv, func(p *guest.Plugin) { constructed <- p })
	it := newItem(hc, WithLauncher(l))

	var log stateLog
	it.OnStateChange(log.record)
	hostConstructed := make(chan struct{}, 2)
	it.OnConstructed(func() { hostConstructed <- struct{}{} })

	if err := it.Realize(context.Background()); err != nil {
		t.Fatalf("Realize: %v", err)
	}
	waitLive(t, it)

	spec := <-l.specs
	if spec.Path != testExe {
		t.Errorf("Path = %q", spec.Path)
	}
	if diff := cmp.Diff([]string{display.EnvDisplay + "=pipe"}, spec.Env); diff != "" {
		t.Errorf("env mismatch (-want +got):\n%s", diff)
	}
	args, err := guest.ParseArgs(spec.Args)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	want := guest.Args{SocketID: it.Socket(), Identity: testID, Size: 48, ScreenPosition: plugin.PositionS}
	if diff := cmp.Diff(want, args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}

	var gp *guest.Plugin
	select {
	case gp = <-constructed:
	case <-time.After(2 * time.Second):
		t.Fatal("construct did not run")
	}
	if gp.ID() != testID.ID || gp.Socket() != it.Socket() {
		t.Errorf("guest id = %q socket = %s", gp.ID(), gp.Socket())
	}
	select {
	case <-hostConstructed:
	case <-time.After(2 * time.Second):
		t.Fatal("host did not receive CONSTRUCT")
	}
	if diff := cmp.Diff([]string{StateSpawning, StateAttached, StateLive}, log.get()); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	select {
	case <-constructed:
		t.Fatal("construct ran twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRemoveRoundTrip(t *testing.T) {
	srv, hc := newDisplay(t)
	freed := make(chan struct{})
	l := newGuestLauncher(srv, func(p *guest.Plugin) {
		p.OnFreeData(func() { close(freed) })
	})
	it := newItem(hc, WithLauncher(l))
	var log stateLog
	it.OnStateChange(log.record)

	if err := it.Realize(context.Background()); err != nil {
		t.Fatalf("Realize: %v", err)
	}
	waitLive(t, it)
	proc := <-l.procs

	it.Remove()
	waitGone(t, it)
	waitClosed(t, freed, "free-data hook")
	waitClosed(t, proc.done, "process exit")

	if it.Anomalous() {
		t.Error("orderly removal marked anomalous")
	}
	if !it.ToBeRemoved() || it.Err() != nil {
		t.Errorf("ToBeRemoved = %v Err = %v", it.ToBeRemoved(), it.Err())
	}
	states := log.get()
	if diff := cmp.Diff([]string{StateRemoving, StateGone}, states[len(states)-2:]); diff != "" {
		t.Errorf("final states mismatch (-want +got):\n%s", diff)
	}
}

func TestGuestCrashIsAnomalous(t *testing.T) {
	srv, hc := newDisplay(t)
	l := newGuestLauncher(srv, nil)
	it := newItem(hc, WithLauncher(l))
	var log stateLog
	it.OnStateChange(log.record)

	if err := it.Realize(context.Background()); err != nil {
		t.Fatalf("Realize: %v", err)
	}
	waitLive(t, it)

	proc := <-l.procs
	proc.Kill()
	waitGone(t, it)

	if !it.Anomalous() {
		t.Fatal("crash not marked anomalous")
	}
	if it.ToBeRemoved() {
		t.Error("ToBeRemoved set by a crash")
	}
	want := []string{StateSpawning, StateAttached, StateLive, StateRemoving, StateGone}
	if diff := cmp.Diff(want, log.get()); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
}

func TestOutboundMessages(t *testing.T) {
	srv, hc := newDisplay(t)
	it, g := startRaw(t, srv, hc)

	it.SetSize(42)
	it.SetSize(42)
	g.expect(wire.Size, 42)

	it.SetScreenPosition(plugin.PositionE)
	it.SetScreenPosition(plugin.PositionE)
	g.expect(wire.ScreenPosition, int32(plugin.PositionE))
	g.expect(wire.ScreenPosition, int32(plugin.PositionE))

	it.SetSensitive(false)
	g.expect(wire.Sensitive, 0)
	it.PopupMenu()
	g.expect(wire.PopupMenu, 0)
	it.Save()
	g.expect(wire.Save, 0)
	it.Configure()
	g.expect(wire.Customize, 0)
	it.Remove()
	g.expect(wire.Remove, 0)

	it.SetSize(42)
	g.quiet()
}

func TestRequestsBeforeAttachReplayedOnce(t *testing.T) {
	srv, hc := newDisplay(t)
	l := newRawLauncher(t, srv)
	it := newItem(hc, WithLauncher(l))
	l.beforeEmbed = func() {
		it.SetSize(32)
		it.SetScreenPosition(plugin.PositionN)
	}

	it.Save()
	it.Configure()
	it.SetSensitive(false)
	if err := it.Realize(context.Background()); err != nil {
		t.Fatalf("Realize: %v", err)
	}
	waitLive(t, it)
	g := <-l.guests

	if g.args.Size != 48 || g.args.ScreenPosition != plugin.PositionS {
		t.Errorf("spawn args size = %d position = %s", g.args.Size, g.args.ScreenPosition)
	}
	g.expect(wire.Size, 32)
	g.expect(wire.ScreenPosition, int32(plugin.PositionN))
	g.expect(wire.Save, 0)
	g.expect(wire.Customize, 0)
	g.expect(wire.Sensitive, 0)
	g.quiet()
}

func TestInboundMessagesReachListener(t *testing.T) {
	srv, hc := newDisplay(t)
	calls := make(chan string, 16)
	listener := plugin.ListenerFuncs{
		OnExpandChanged:   func(b bool) { calls <- fmt.Sprintf("expand:%v", b) },
		OnCustomizePanel:  func() { calls <- "customize" },
		OnCustomizeItems:  func() { calls <- "customize-items" },
		OnMove:            func() { calls <- "move" },
		OnMenuDeactivated: func() { calls <- "menu-deactivated" },
		OnMenuOpened:      func() { calls <- "menu-opened" },
	}
	it, g := startRaw(t, srv, hc, WithListener(listener))

	g.send(wire.Expand, 1)
	g.send(wire.Customize, 0)
	g.send(wire.CustomizeItems, 0)
	g.send(wire.Kind(99), 3) // ignored
	g.send(wire.Move, 0)
	g.send(wire.MenuDeactivated, 0)
	g.send(wire.PopupMenu, 0)

	var got []string
	for len(got) < 6 {
		select {
		case c := <-calls:
			got = append(got, c)
		case <-time.After(2 * time.Second):
			t.Fatalf("listener calls so far: %v", got)
		}
	}
	want := []string{"expand:true", "customize", "customize-items", "move", "menu-deactivated", "menu-opened"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("listener calls mismatch (-want +got):\n%s", diff)
	}
	if !it.Expand() {
		t.Error("Expand = false after EXPAND(1)")
	}

	// Messages from a window that is not the attached plug are dropped.
	other := srv.Pipe()
	defer other.Close()
	stray, err := other.CreatePlug(context.Background())
	if err != nil {
		t.Fatalf("CreatePlug: %v", err)
	}
	wire.Send(other, stray, it.Socket(), wire.Move, 0)
	select {
	case c := <-calls:
		t.Fatalf("stray message reached listener: %s", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInboundRemoveFreesItem(t *testing.T) {
	srv, hc := newDisplay(t)
	it, g := startRaw(t, srv, hc)

	g.send(wire.Remove, 0)
	g.expect(wire.FreeData, 0)
	if it.State() != StateRemoving || !it.ToBeRemoved() {
		t.Fatalf("state = %s ToBeRemoved = %v", it.State(), it.ToBeRemoved())
	}

	if err := g.c.Destroy(g.plug); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	waitGone(t, it)
	if it.Anomalous() {
		t.Error("orderly removal marked anomalous")
	}
	// The process did not exit by itself and is killed after the grace.
	waitClosed(t, g.proc.killed, "reap")
}

func TestFreeDataIsIdempotent(t *testing.T) {
	srv, hc := newDisplay(t)
	it, g := startRaw(t, srv, hc)

	it.FreeData()
	it.FreeData()
	g.expect(wire.FreeData, 0)
	g.quiet()

	// The plug is still attached while removing.
	it.Save()
	g.expect(wire.Save, 0)
}

func TestFreeDataWhileSpawning(t *testing.T) {
	_, hc := newDisplay(t)
	l := hangLauncher{procs: make(chan *fakeProcess, 1)}
	it := newItem(hc, WithLauncher(l))
	if err := it.Realize(context.Background()); err != nil {
		t.Fatalf("Realize: %v", err)
	}
	proc := <-l.procs

	it.FreeData()
	if it.State() != StateGone || !it.ToBeRemoved() {
		t.Fatalf("state = %s ToBeRemoved = %v", it.State(), it.ToBeRemoved())
	}
	waitClosed(t, proc.killed, "kill")
	if err := it.WaitLive(context.Background()); !errors.Is(err, ErrGone) {
		t.Fatalf("WaitLive err = %v, want ErrGone", err)
	}
	it.FreeData()
}

// unusedLauncher fails the test if anything is launched.
type unusedLauncher struct{ t *testing.T }

func (l unusedLauncher) Launch(spec LaunchSpec) (Process, error) {
	l.t.Errorf("launched %s for a freed item", spec.Path)
	return newFakeProcess(), nil
}

type rpcFrame struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func readFrame(t *testing.T, r *bufio.Reader) rpcFrame {
	t.Helper()
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f rpcFrame
	if err := json.Unmarshal(line, &f); err != nil {
		t.Fatalf("decode frame %q: %v", line, err)
	}
	return f
}

func TestFreeDataDuringCreateSocket(t *testing.T) {
	hostEnd, srvEnd := net.Pipe()
	hc := display.NewClient(hostEnd)
	t.Cleanup(func() {
		hc.Close()
		srvEnd.Close()
	})
	srvEnd.SetDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(srvEnd)

	it := newItem(hc, WithLauncher(unusedLauncher{t}))
	var states stateLog
	it.OnStateChange(states.record)

	realized := make(chan error, 1)
	go func() { realized <- it.Realize(context.Background()) }()

	req := readFrame(t, r)
	if req.Method != "create_window" {
		t.Fatalf("first request = %s, want create_window", req.Method)
	}
	// The socket request is still unanswered.
	it.FreeData()
	fmt.Fprintf(srvEnd, `{"jsonrpc":"2.0","id":%d,"result":{"window":118}}`+"\n", req.ID)

	destroy := readFrame(t, r)
	if destroy.Method != "destroy" {
		t.Fatalf("request after free = %s, want destroy", destroy.Method)
	}
	var params struct {
		Window display.Window `json:"window"`
	}
	if err := json.Unmarshal(destroy.Params, &params); err != nil {
		t.Fatal(err)
	}
	if params.Window != 118 {
		t.Fatalf("destroyed %s, want 0x76", params.Window)
	}

	select {
	case err := <-realized:
		if err != nil {
			t.Fatalf("Realize: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Realize did not return")
	}
	waitGone(t, it)
	if diff := cmp.Diff([]string{StateGone}, states.get()); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	if !it.ToBeRemoved() {
		t.Error("freed item not marked for removal")
	}
}

func TestAttachTimeoutAfterDisplayClosed(t *testing.T) {
	_, hc := newDisplay(t)
	l := hangLauncher{procs: make(chan *fakeProcess, 1)}
	it := newItem(hc, WithLauncher(l), WithAttachTimeout(50*time.Millisecond))
	if err := it.Realize(context.Background()); err != nil {
		t.Fatalf("Realize: %v", err)
	}
	proc := <-l.procs

	if err := hc.Close(); err != nil {
		t.Fatalf("close display: %v", err)
	}
	waitClosed(t, hc.Done(), "display event loop")

	waitGone(t, it)
	if err := it.Err(); !errors.Is(err, ErrAttachTimeout) {
		t.Fatalf("err = %v, want ErrAttachTimeout", err)
	}
	waitClosed(t, proc.killed, "kill")
}
