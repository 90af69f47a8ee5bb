// Package wire defines the message catalog exchanged between the panel and
// its out-of-process plugins, and the primitive that sends one message.
//
// A message is one display client message tagged with the MessageName atom.
// Its payload is two integers: the message kind and a kind-dependent value.
// There is no acknowledgement, no queueing and no retry; a message to a peer
// that no longer exists is dropped without notice.
package wire

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/xfeldman/panelplug/internal/display"
)

// MessageName is the well-known client message type for plugin traffic.
const MessageName = "PANELPLUG_PANEL_PLUGIN"

var messageAtom = sync.OnceValue(func() display.Atom {
	return display.InternAtom(MessageName)
})

// MessageAtom returns the atom for MessageName, resolved once per process.
func MessageAtom() display.Atom {
	return messageAtom()
}

// Kind identifies a message. The same catalog is used in both directions;
// what a kind means depends on who receives it.
type Kind int32

const (
	Construct Kind = iota
	FreeData
	Save
	Size
	ScreenPosition
	Remove
	Expand
	Customize
	MenuDeactivated
	PopupMenu
	CustomizeItems
	Sensitive
	Move
)

var kindNames = [...]string{
	Construct:       "CONSTRUCT",
	FreeData:        "FREE_DATA",
	Save:            "SAVE",
	Size:            "SIZE",
	ScreenPosition:  "SCREEN_POSITION",
	Remove:          "REMOVE",
	Expand:          "EXPAND",
	Customize:       "CUSTOMIZE",
	MenuDeactivated: "MENU_DEACTIVATED",
	PopupMenu:       "POPUP_MENU",
	CustomizeItems:  "CUSTOMIZE_ITEMS",
	Sensitive:       "SENSITIVE",
	Move:            "MOVE",
}

// Valid reports whether k belongs to the catalog.
func (k Kind) Valid() bool {
	return k >= 0 && int(k) < len(kindNames)
}

func (k Kind) String() string {
	if k.Valid() {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int32(k))
}

// Message is one decoded protocol frame.
type Message struct {
	Kind  Kind
	Value int32
}

func (m Message) String() string {
	return fmt.Sprintf("%s(%d)", m.Kind, m.Value)
}

// Bool interprets the value of EXPAND and SENSITIVE messages.
func (m Message) Bool() bool {
	return m.Value == 1
}

// Sender is the part of a display connection needed to send a message.
type Sender interface {
	SendEvent(from, to display.Window, atom display.Atom, data [2]int32) error
}

// Send delivers one message from a local window to a peer window. It returns
// once the message has been handed to the display. Failures are logged at
// debug level and otherwise ignored.
func Send(s Sender, from, to display.Window, kind Kind, value int32) {
	if err := s.SendEvent(from, to, MessageAtom(), [2]int32{int32(kind), value}); err != nil {
		slog.Debug("plugin message not sent", "component", "wire", "kind", kind, "to", to, "error", err)
	}
}

// BoolValue encodes a flag for EXPAND and SENSITIVE.
func BoolValue(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// Decode extracts a message from a client message event. It reports false for
// events that do not carry MessageAtom. Kinds outside the catalog are returned
// as-is so the receiver can log them.
func Decode(ev display.Event) (Message, bool) {
	if ev.Type != display.EventClientMessage || ev.Atom != MessageAtom() {
		return Message{}, false
	}
	return Message{Kind: Kind(ev.Data[0]), Value: ev.Data[1]}, true
}
