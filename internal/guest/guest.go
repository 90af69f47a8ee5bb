// Package guest is the library a plugin executable links to run inside a
// panel. It creates an embeddable plug window, attaches it to the socket the
// panel passed in the process arguments, and translates panel messages into
// local hooks.
package guest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xfeldman/panelplug/internal/display"
	"github.com/xfeldman/panelplug/internal/plugin"
	"github.com/xfeldman/panelplug/internal/wire"
)

// ConstructFunc builds the plugin's contents. It runs once, on the event
// loop, right after the plug attaches.
type ConstructFunc func(p *Plugin)

// Option configures a Plugin.
type Option func(*Plugin)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Plugin) { p.log = l }
}

// WithConfirmRemove sets the removal confirmation used when the panel sends
// REMOVE. Without one every removal is accepted.
func WithConfirmRemove(fn func() bool) Option {
	return func(p *Plugin) { p.confirmRemove = fn }
}

// Plugin is the guest side of one embedded panel item.
//
// Hooks run on the display client's event loop. Request methods may be called
// from any goroutine.
type Plugin struct {
	client    *display.Client
	log       *slog.Logger
	args      Args
	plug      display.Window
	construct ConstructFunc

	confirmRemove func() bool

	mu          sync.Mutex
	socket      display.Window
	attached    bool
	expand      bool
	size        int
	pos         plugin.ScreenPosition
	sensitive   bool
	toBeRemoved bool
	gone        bool

	attach          plugin.Hook[struct{}]
	save            plugin.Hook[struct{}]
	freeData        plugin.Hook[struct{}]
	sizeChanged     plugin.Hook[int]
	positionChanged plugin.Hook[plugin.ScreenPosition]
	orientChanged   plugin.Hook[plugin.Orientation]
	sensitiveChange plugin.Hook[bool]
	menuOpened      plugin.Hook[struct{}]
	menuDeactivated plugin.Hook[struct{}]
	customize       plugin.Hook[struct{}]
	customizeItems  plugin.Hook[struct{}]

	done chan struct{}
}

// New parses argv, creates the plug window and embeds it into the socket
// named by socket_id. Malformed arguments fail before anything is created.
//
// construct runs once the plug has attached; CONSTRUCT is sent to the panel
// just before it.
func New(ctx context.Context, c *display.Client, argv []string, construct ConstructFunc, opts ...Option) (*Plugin, error) {
	args, err := ParseArgs(argv)
	if err != nil {
		return nil, err
	}

	p := &Plugin{
		client:    c,
		args:      args,
		construct: construct,
		size:      args.Size,
		pos:       args.ScreenPosition,
		sensitive: true,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("component", "guest", "plugin", args.Identity.Name, "id", args.Identity.ID)

	plug, err := c.CreatePlug(ctx)
	if err != nil {
		return nil, fmt.Errorf("create plug: %w", err)
	}
	p.plug = plug
	c.Handle(plug, p.handleEvent)

	if err := c.Embed(ctx, plug, args.SocketID); err != nil {
		c.Handle(plug, nil)
		c.Destroy(plug)
		return nil, fmt.Errorf("embed into socket %s: %w", args.SocketID, err)
	}
	return p, nil
}

func (p *Plugin) handleEvent(ev display.Event) {
	switch ev.Type {
	case display.EventEmbedded:
		p.onAttach(ev.Peer)
	case display.EventClientMessage:
		msg, ok := wire.Decode(ev)
		if !ok {
			p.log.Debug("ignoring foreign client message", "atom", ev.Atom)
			return
		}
		p.dispatch(msg)
	case display.EventSocketDestroyed:
		p.teardown("panel socket destroyed")
	}
}

func (p *Plugin) onAttach(socket display.Window) {
	p.mu.Lock()
	if p.attached || p.gone {
		p.mu.Unlock()
		p.log.Debug("repeated attach ignored", "socket", socket)
		return
	}
	p.attached = true
	p.socket = socket
	// Requests wait on mu, so CONSTRUCT is the first message on the wire.
	wire.Send(p.client, p.plug, socket, wire.Construct, 0)
	p.mu.Unlock()

	p.attach.Emit(struct{}{})
	if p.construct != nil {
		p.construct(p)
	}

	p.mu.Lock()
	size := p.size
	p.mu.Unlock()
	p.sizeChanged.Emit(size)
}

func (p *Plugin) dispatch(msg wire.Message) {
	p.log.Debug("message received", "message", msg)

	switch msg.Kind {
	case wire.FreeData:
		p.mu.Lock()
		p.toBeRemoved = true
		p.mu.Unlock()
		p.freeData.Emit(struct{}{})
		p.teardown("freed")

	case wire.Save:
		p.save.Emit(struct{}{})

	case wire.Size:
		size := int(msg.Value)
		p.mu.Lock()
		changed := p.size != size
		p.size = size
		p.mu.Unlock()
		if changed {
			p.sizeChanged.Emit(size)
		}

	case wire.ScreenPosition:
		pos := plugin.ScreenPosition(msg.Value)
		p.mu.Lock()
		oldOrientation := p.pos.Orientation()
		p.pos = pos
		size := p.size
		p.mu.Unlock()

		p.positionChanged.Emit(pos)
		if o := pos.Orientation(); o != oldOrientation {
			p.orientChanged.Emit(o)
		}
		p.sizeChanged.Emit(size)

	case wire.PopupMenu:
		p.menuOpened.Emit(struct{}{})

	case wire.Sensitive:
		p.mu.Lock()
		p.sensitive = msg.Bool()
		p.mu.Unlock()
		p.sensitiveChange.Emit(msg.Bool())

	case wire.Remove:
		if p.confirmRemove == nil || p.confirmRemove() {
			p.Remove()
		}

	case wire.Customize:
		p.customize.Emit(struct{}{})

	case wire.CustomizeItems:
		p.customizeItems.Emit(struct{}{})

	case wire.MenuDeactivated:
		p.menuDeactivated.Emit(struct{}{})

	default:
		p.log.Debug("unrecognized message kind", "kind", msg.Kind, "value", msg.Value)
	}
}

// request sends a message to the panel, or defers it until the plug has
// attached.
func (p *Plugin) request(kind wire.Kind, value int32) {
	p.mu.Lock()
	if p.gone {
		p.mu.Unlock()
		return
	}
	if !p.attached {
		p.attach.ConnectOnce(func(struct{}) { p.request(kind, value) })
		p.mu.Unlock()
		return
	}
	socket := p.socket
	p.mu.Unlock()

	wire.Send(p.client, p.plug, socket, kind, value)
}

// teardown destroys the plug. Reaching it before FREE_DATA breaks the
// protocol and is logged.
func (p *Plugin) teardown(reason string) {
	p.mu.Lock()
	if p.gone {
		p.mu.Unlock()
		return
	}
	p.gone = true
	toBeRemoved := p.toBeRemoved
	p.mu.Unlock()

	if !toBeRemoved {
		p.log.Warn("plugin surface destroyed before the panel freed it", "reason", reason)
	}
	p.client.Handle(p.plug, nil)
	if err := p.client.Destroy(p.plug); err != nil {
		p.log.Debug("destroy plug", "error", err)
	}
	close(p.done)
}

// Close destroys the plug without waiting for the panel.
func (p *Plugin) Close() {
	if !p.client.Post(func() { p.teardown("closed") }) {
		p.teardown("closed")
	}
}

// Done is closed once the plug has been destroyed.
func (p *Plugin) Done() <-chan struct{} { return p.done }

// SetExpand asks the panel to give the item spare space. Only changes are
// sent.
func (p *Plugin) SetExpand(expand bool) {
	p.mu.Lock()
	changed := p.expand != expand
	p.expand = expand
	p.mu.Unlock()
	if changed {
		p.request(wire.Expand, wire.BoolValue(expand))
	}
}

// Remove asks the panel to remove this item. The panel answers with
// FREE_DATA.
func (p *Plugin) Remove() { p.request(wire.Remove, 0) }

// CustomizePanel opens the panel preferences.
func (p *Plugin) CustomizePanel() { p.request(wire.Customize, 0) }

// CustomizeItems opens the panel's item editor.
func (p *Plugin) CustomizeItems() { p.request(wire.CustomizeItems, 0) }

// Move starts an interactive move of the item.
func (p *Plugin) Move() { p.request(wire.Move, 0) }

// MenuClosed tells the panel the item's context menu closed.
func (p *Plugin) MenuClosed() { p.request(wire.MenuDeactivated, 0) }

func (p *Plugin) Args() Args             { return p.args }
func (p *Plugin) Name() string           { return p.args.Identity.Name }
func (p *Plugin) ID() string             { return p.args.Identity.ID }
func (p *Plugin) DisplayName() string    { return p.args.Identity.DisplayName }
func (p *Plugin) Plug() display.Window   { return p.plug }
func (p *Plugin) Socket() display.Window { return p.args.SocketID }

func (p *Plugin) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *Plugin) ScreenPosition() plugin.ScreenPosition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

func (p *Plugin) Orientation() plugin.Orientation {
	return p.ScreenPosition().Orientation()
}

func (p *Plugin) Sensitive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sensitive
}

func (p *Plugin) Expand() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expand
}

// ToBeRemoved reports whether the panel has freed the item.
func (p *Plugin) ToBeRemoved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.toBeRemoved
}

func (p *Plugin) OnSave(fn func()) plugin.HookID {
	return p.save.Connect(func(struct{}) { fn() })
}

func (p *Plugin) OnFreeData(fn func()) plugin.HookID {
	return p.freeData.Connect(func(struct{}) { fn() })
}

func (p *Plugin) OnSizeChanged(fn func(size int)) plugin.HookID {
	return p.sizeChanged.Connect(fn)
}

func (p *Plugin) OnScreenPositionChanged(fn func(pos plugin.ScreenPosition)) plugin.HookID {
	return p.positionChanged.Connect(fn)
}

func (p *Plugin) OnOrientationChanged(fn func(o plugin.Orientation)) plugin.HookID {
	return p.orientChanged.Connect(fn)
}

func (p *Plugin) OnSensitiveChanged(fn func(sensitive bool)) plugin.HookID {
	return p.sensitiveChange.Connect(fn)
}

// OnMenuOpened runs when the panel asks the item to pop up its context menu.
func (p *Plugin) OnMenuOpened(fn func()) plugin.HookID {
	return p.menuOpened.Connect(func(struct{}) { fn() })
}

func (p *Plugin) OnMenuDeactivated(fn func()) plugin.HookID {
	return p.menuDeactivated.Connect(func(struct{}) { fn() })
}

// OnCustomize runs when the panel asks the item to open its settings.
func (p *Plugin) OnCustomize(fn func()) plugin.HookID {
	return p.customize.Connect(func(struct{}) { fn() })
}

func (p *Plugin) OnCustomizeItems(fn func()) plugin.HookID {
	return p.customizeItems.Connect(func(struct{}) { fn() })
}
