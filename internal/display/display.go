// Package display implements the embedding platform that out-of-process
// plugins render into.
//
// A display server owns numbered windows of two kinds: sockets (containers
// created by the panel) and plugs (top-level surfaces created by plugin
// processes). A plug embeds itself into a socket by id, after which both
// owners are notified. Clients exchange small client messages addressed by
// window id, and are told when the peer side of an embedding disappears,
// either explicitly or because the owning connection dropped.
//
// Wire encoding between clients and the server is newline-delimited
// JSON-RPC 2.0, one object per line. Requests that allocate or link windows
// get a response; event sends and destroys are notifications and are never
// acknowledged.
package display

import (
	"errors"
	"fmt"
	"hash/fnv"
)

// EnvDisplay names the environment variable carrying the display server
// address to child processes.
const EnvDisplay = "PANELPLUG_DISPLAY"

// ErrClosed is returned by client operations after the connection is gone.
var ErrClosed = errors.New("display connection closed")

// ErrBadWindow is returned when a request names a window that does not exist
// or cannot be used for the requested operation.
var ErrBadWindow = errors.New("bad window")

// Window is an opaque numeric surface identifier. It is only meaningful on the
// display that allocated it.
type Window uint32

// None is the invalid window.
const None Window = 0

func (w Window) String() string {
	return fmt.Sprintf("0x%x", uint32(w))
}

// Atom identifies a client message type.
type Atom uint32

// InternAtom maps a message name to its atom. Atoms are derived from the name
// alone so every process computes the same value without asking the server.
func InternAtom(name string) Atom {
	h := fnv.New32a()
	h.Write([]byte(name))
	a := Atom(h.Sum32())
	if a == 0 {
		a = 1
	}
	return a
}

// WindowKind distinguishes containers from embeddable surfaces.
type WindowKind string

const (
	KindSocket WindowKind = "socket"
	KindPlug   WindowKind = "plug"
)

// EventType names an event delivered by the server.
type EventType string

const (
	// EventPlugAdded is delivered to a socket's owner when a plug embeds into it.
	EventPlugAdded EventType = "plug_added"
	// EventEmbedded is delivered to a plug's owner when the embed completes.
	EventEmbedded EventType = "embedded"
	// EventClientMessage carries a client message to the destination window.
	EventClientMessage EventType = "client_message"
	// EventPlugRemoved is delivered to a socket's owner when its plug is destroyed.
	EventPlugRemoved EventType = "plug_removed"
	// EventSocketDestroyed is delivered to a plug's owner when its socket is destroyed.
	EventSocketDestroyed EventType = "socket_destroyed"
)

// Event is a notification for one window owned by the receiving client.
//
// Peer is the other side of the event: the plug for socket events, the socket
// for plug events and the sending window for client messages.
type Event struct {
	Type   EventType `json:"-"`
	Window Window    `json:"window"`
	Peer   Window    `json:"peer,omitempty"`
	Atom   Atom      `json:"atom,omitempty"`
	Data   [2]int32  `json:"data"`
}

// EventHandler receives events for a window. Handlers run on the client's
// event loop, one at a time, in delivery order.
type EventHandler func(Event)
