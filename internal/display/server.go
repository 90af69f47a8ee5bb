package display

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
)

type window struct {
	id    Window
	kind  WindowKind
	owner *serverConn
	peer  Window // embedded plug for sockets, hosting socket for plugs
}

type serverConn struct {
	ch *channel
}

// delivery is an event queued for a connection. Deliveries are computed under
// the server lock and written after it is released.
type delivery struct {
	to *serverConn
	ev Event
}

// Server is a display server. The zero value is not usable; call NewServer.
type Server struct {
	mu      sync.Mutex
	windows map[Window]*window
	conns   map[*serverConn]struct{}
	nextID  Window
	lns     []net.Listener
	closed  bool
	log     *slog.Logger
}

// NewServer creates a display server with no listeners.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		windows: make(map[Window]*window),
		conns:   make(map[*serverConn]struct{}),
		log:     logger.With("component", "display"),
	}
}

// Serve accepts connections on ln until ln is closed or the server shuts down.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.lns = append(s.lns, ln)
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.serveConn(conn)
	}
}

// Pipe connects a client to the server through an in-memory pipe.
func (s *Server) Pipe() *Client {
	a, b := net.Pipe()
	go s.serveConn(a)
	return NewClient(b)
}

// Close stops all listeners and drops every connection. Windows owned by the
// dropped connections are destroyed with the usual notifications.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	lns := s.lns
	s.lns = nil
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, ln := range lns {
		ln.Close()
	}
	for _, c := range conns {
		c.ch.Close()
	}
	return nil
}

func (s *Server) serveConn(conn net.Conn) {
	sc := &serverConn{ch: newChannel(conn)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[sc] = struct{}{}
	s.mu.Unlock()

	defer s.dropConn(sc)

	for {
		raw, err := sc.ch.Recv()
		if err != nil {
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Debug("invalid frame", "error", err)
			continue
		}
		s.handle(sc, &msg)
	}
}

func (s *Server) handle(sc *serverConn, msg *rpcMessage) {
	var (
		result interface{}
		rerr   *rpcError
		out    []delivery
	)

	switch msg.Method {
	case methodCreateWindow:
		var p createWindowParams
		if err := json.Unmarshal(msg.Params, &p); err != nil || (p.Kind != KindSocket && p.Kind != KindPlug) {
			rerr = &rpcError{Code: codeBadRequest, Message: "invalid window kind"}
			break
		}
		result = createWindowResult{Window: s.createWindow(sc, p.Kind)}
	case methodEmbed:
		var p embedParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			rerr = &rpcError{Code: codeBadRequest, Message: err.Error()}
			break
		}
		out, rerr = s.embed(sc, p.Plug, p.Socket)
		result = struct{}{}
	case methodSendEvent:
		var p sendEventParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			s.log.Debug("invalid send_event", "error", err)
			break
		}
		out = s.route(p)
	case methodDestroy:
		var p destroyParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			s.log.Debug("invalid destroy", "error", err)
			break
		}
		s.mu.Lock()
		if w, ok := s.windows[p.Window]; ok && w.owner == sc {
			out = s.destroyLocked(w)
		}
		s.mu.Unlock()
	case methodSync:
		result = struct{}{}
	default:
		rerr = &rpcError{Code: codeUnknownMethod, Message: "unknown method: " + msg.Method}
	}

	s.deliver(out)

	if msg.ID == nil {
		return
	}
	resp := rpcMessage{JSONRPC: "2.0", ID: msg.ID}
	if rerr != nil {
		resp.Error = rerr
	} else {
		resp.Result, _ = json.Marshal(result)
	}
	data, _ := json.Marshal(resp)
	sc.ch.Send(context.Background(), data)
}

func (s *Server) createWindow(sc *serverConn, kind WindowKind) Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.windows[id] = &window{id: id, kind: kind, owner: sc}
	return id
}

func (s *Server) embed(sc *serverConn, plugID, socketID Window) ([]delivery, *rpcError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plug, ok := s.windows[plugID]
	if !ok || plug.kind != KindPlug || plug.owner != sc {
		return nil, &rpcError{Code: codeBadWindow, Message: "invalid plug " + plugID.String()}
	}
	sock, ok := s.windows[socketID]
	if !ok || sock.kind != KindSocket {
		return nil, &rpcError{Code: codeBadWindow, Message: "invalid socket " + socketID.String()}
	}
	if sock.peer != None && sock.peer != plugID {
		return nil, &rpcError{Code: codeBadWindow, Message: "socket " + socketID.String() + " already hosts a plug"}
	}

	var out []delivery
	if plug.peer != None && plug.peer != socketID {
		if old, ok := s.windows[plug.peer]; ok {
			old.peer = None
			out = append(out, delivery{to: old.owner, ev: Event{Type: EventPlugRemoved, Window: old.id, Peer: plugID}})
		}
	}
	plug.peer = socketID
	sock.peer = plugID
	out = append(out,
		delivery{to: sock.owner, ev: Event{Type: EventPlugAdded, Window: socketID, Peer: plugID}},
		delivery{to: plug.owner, ev: Event{Type: EventEmbedded, Window: plugID, Peer: socketID}},
	)
	return out, nil
}

// route resolves a client message. Messages to unknown windows are dropped.
func (s *Server) route(p sendEventParams) []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[p.To]
	if !ok {
		return nil
	}
	return []delivery{{to: w.owner, ev: Event{
		Type:   EventClientMessage,
		Window: p.To,
		Peer:   p.From,
		Atom:   p.Atom,
		Data:   p.Data,
	}}}
}

func (s *Server) destroyLocked(w *window) []delivery {
	delete(s.windows, w.id)
	if w.peer == None {
		return nil
	}
	peer, ok := s.windows[w.peer]
	if !ok {
		return nil
	}
	peer.peer = None
	if w.kind == KindPlug {
		return []delivery{{to: peer.owner, ev: Event{Type: EventPlugRemoved, Window: peer.id, Peer: w.id}}}
	}
	return []delivery{{to: peer.owner, ev: Event{Type: EventSocketDestroyed, Window: peer.id, Peer: w.id}}}
}

func (s *Server) dropConn(sc *serverConn) {
	s.mu.Lock()
	delete(s.conns, sc)
	var out []delivery
	for _, w := range s.windows {
		if w.owner == sc {
			out = append(out, s.destroyLocked(w)...)
		}
	}
	s.mu.Unlock()

	sc.ch.Close()
	s.deliver(out)
}

func (s *Server) deliver(out []delivery) {
	for _, d := range out {
		if d.to == nil {
			continue
		}
		data, err := encodeNotification(string(d.ev.Type), d.ev)
		if err != nil {
			continue
		}
		if err := d.to.ch.Send(context.Background(), data); err != nil {
			s.log.Debug("event delivery failed", "event", d.ev.Type, "window", d.ev.Window, "error", err)
		}
	}
}
