package plugin

import "sync"

// Callbacks are the plugin-side handlers of a Local item. Nil fields are
// skipped.
type Callbacks struct {
	Save                  func()
	FreeData              func()
	SizeChanged           func(size int)
	ScreenPositionChanged func(pos ScreenPosition)
	OrientationChanged    func(o Orientation)
	SensitiveChanged      func(sensitive bool)
	Configure             func()
	// ConfirmRemove decides whether a Remove request is accepted. A nil
	// ConfirmRemove accepts.
	ConfirmRemove func() bool
}

// Local is an Item whose plugin lives in the panel's own process. Requests
// from the panel call the callbacks directly; requests from the plugin go
// straight to the Listener.
type Local struct {
	id       Identity
	cb       Callbacks
	listener Listener

	mu        sync.Mutex
	expand    bool
	size      int
	pos       ScreenPosition
	sensitive bool
	freed     bool
}

var _ Item = (*Local)(nil)

// NewLocal creates an in-process item. A nil listener drops notifications.
func NewLocal(id Identity, cb Callbacks, listener Listener) *Local {
	if listener == nil {
		listener = NopListener{}
	}
	return &Local{id: id, cb: cb, listener: listener, sensitive: true}
}

func (l *Local) Name() string        { return l.id.Name }
func (l *Local) ID() string          { return l.id.ID }
func (l *Local) DisplayName() string { return l.id.DisplayName }

func (l *Local) Expand() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expand
}

func (l *Local) Save() {
	if l.cb.Save != nil {
		l.cb.Save()
	}
}

// FreeData runs the FreeData callback once. Later calls do nothing.
func (l *Local) FreeData() {
	l.mu.Lock()
	if l.freed {
		l.mu.Unlock()
		return
	}
	l.freed = true
	l.mu.Unlock()

	if l.cb.FreeData != nil {
		l.cb.FreeData()
	}
}

func (l *Local) SetSize(size int) {
	l.mu.Lock()
	changed := l.size != size
	l.size = size
	l.mu.Unlock()

	if changed && l.cb.SizeChanged != nil {
		l.cb.SizeChanged(size)
	}
}

func (l *Local) SetScreenPosition(pos ScreenPosition) {
	l.mu.Lock()
	oldOrientation := l.pos.Orientation()
	l.pos = pos
	size := l.size
	l.mu.Unlock()

	if l.cb.ScreenPositionChanged != nil {
		l.cb.ScreenPositionChanged(pos)
	}
	if o := pos.Orientation(); o != oldOrientation && l.cb.OrientationChanged != nil {
		l.cb.OrientationChanged(o)
	}
	if l.cb.SizeChanged != nil {
		l.cb.SizeChanged(size)
	}
}

func (l *Local) SetSensitive(sensitive bool) {
	l.mu.Lock()
	l.sensitive = sensitive
	l.mu.Unlock()

	if l.cb.SensitiveChanged != nil {
		l.cb.SensitiveChanged(sensitive)
	}
}

// Sensitive reports the last value passed to SetSensitive.
func (l *Local) Sensitive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sensitive
}

// Remove asks the plugin to confirm and, when it does, frees the item.
func (l *Local) Remove() {
	if l.cb.ConfirmRemove != nil && !l.cb.ConfirmRemove() {
		return
	}
	l.FreeData()
}

func (l *Local) Configure() {
	if l.cb.Configure != nil {
		l.cb.Configure()
	}
}

// SetExpand is called by the plugin. The listener hears about changes only.
func (l *Local) SetExpand(expand bool) {
	l.mu.Lock()
	changed := l.expand != expand
	l.expand = expand
	l.mu.Unlock()

	if changed {
		l.listener.ExpandChanged(expand)
	}
}

func (l *Local) CustomizePanel() { l.listener.CustomizePanel() }
func (l *Local) CustomizeItems() { l.listener.CustomizeItems() }
func (l *Local) Move()           { l.listener.Move() }
func (l *Local) MenuOpened()     { l.listener.MenuOpened() }
func (l *Local) MenuDeactivated() {
	l.listener.MenuDeactivated()
}
