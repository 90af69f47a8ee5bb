// Package plugin defines the capability interface the panel uses to drive an
// item, whether the item runs in the panel's process or in a child process.
package plugin

// Identity names one panel item.
type Identity struct {
	// Name is the plugin's internal name, shared by all its items.
	Name string
	// ID is unique among the panel's items.
	ID string
	// DisplayName is shown to the user.
	DisplayName string
}

// Item is what the panel holds for every item. Implementations must be safe
// to call from any goroutine; none of the methods block on the plugin.
type Item interface {
	Name() string
	ID() string
	DisplayName() string

	// Expand reports whether the item asked to take up spare panel space.
	Expand() bool

	// Save asks the item to persist its settings.
	Save()
	// FreeData tells the item it is being removed and must release its
	// resources. It does not wait for the item to go away.
	FreeData()
	SetSize(size int)
	SetScreenPosition(pos ScreenPosition)
	SetSensitive(sensitive bool)
	// Remove asks the item to confirm its own removal. An item that accepts
	// requests removal back through its Listener path.
	Remove()
	// Configure opens the item's settings.
	Configure()
}

// Listener receives the requests an item raises toward the panel. Calls
// arrive on the item's event loop.
type Listener interface {
	ExpandChanged(expand bool)
	MenuDeactivated()
	MenuOpened()
	CustomizePanel()
	CustomizeItems()
	Move()
}

// NopListener ignores every notification. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) ExpandChanged(bool) {}
func (NopListener) MenuDeactivated()   {}
func (NopListener) MenuOpened()        {}
func (NopListener) CustomizePanel()    {}
func (NopListener) CustomizeItems()    {}
func (NopListener) Move()              {}

// ListenerFuncs adapts optional closures to a Listener.
type ListenerFuncs struct {
	OnExpandChanged   func(bool)
	OnMenuDeactivated func()
	OnMenuOpened      func()
	OnCustomizePanel  func()
	OnCustomizeItems  func()
	OnMove            func()
}

func (f ListenerFuncs) ExpandChanged(expand bool) {
	if f.OnExpandChanged != nil {
		f.OnExpandChanged(expand)
	}
}

func (f ListenerFuncs) MenuDeactivated() {
	if f.OnMenuDeactivated != nil {
		f.OnMenuDeactivated()
	}
}

func (f ListenerFuncs) MenuOpened() {
	if f.OnMenuOpened != nil {
		f.OnMenuOpened()
	}
}

func (f ListenerFuncs) CustomizePanel() {
	if f.OnCustomizePanel != nil {
		f.OnCustomizePanel()
	}
}

func (f ListenerFuncs) CustomizeItems() {
	if f.OnCustomizeItems != nil {
		f.OnCustomizeItems()
	}
}

func (f ListenerFuncs) Move() {
	if f.OnMove != nil {
		f.OnMove()
	}
}
