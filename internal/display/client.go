package display

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Client is one connection to a display server.
//
// A client runs two goroutines: a receive loop that routes responses to
// waiting callers, and an event loop that runs window handlers and posted
// functions one at a time in arrival order. Handlers may issue requests; the
// receive loop keeps reading while they wait.
type Client struct {
	ch  *channel
	log *slog.Logger

	mu       sync.Mutex
	pending  map[int64]chan rpcMessage
	handlers map[Window]EventHandler
	queue    []func()
	nextID   int64
	closed   bool

	wake     chan struct{}
	recvDone chan struct{}
	done     chan struct{}
}

// Dial connects to the display server listening on the unix socket addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, fmt.Errorf("dial display %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection and starts its loops.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		ch:       newChannel(conn),
		log:      slog.Default().With("component", "display"),
		pending:  make(map[int64]chan rpcMessage),
		handlers: make(map[Window]EventHandler),
		wake:     make(chan struct{}, 1),
		recvDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.recvLoop()
	go c.eventLoop()
	return c
}

func (c *Client) recvLoop() {
	defer close(c.recvDone)
	for {
		raw, err := c.ch.Recv()
		if err != nil {
			c.mu.Lock()
			c.closed = true
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			c.signal()
			return
		}

		var msg rpcMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug("invalid frame", "error", err)
			continue
		}

		if msg.ID != nil && msg.Method == "" {
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			if ok {
				delete(c.pending, *msg.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}

		var ev Event
		if err := json.Unmarshal(msg.Params, &ev); err != nil {
			c.log.Debug("invalid event", "method", msg.Method, "error", err)
			continue
		}
		ev.Type = EventType(msg.Method)
		c.enqueue(func() { c.dispatch(ev) })
	}
}

func (c *Client) eventLoop() {
	defer close(c.done)
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			<-c.wake
			continue
		}
		fn := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()

		fn()
	}
}

func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	h := c.handlers[ev.Window]
	c.mu.Unlock()
	if h == nil {
		c.log.Debug("event for unhandled window", "event", ev.Type, "window", ev.Window)
		return
	}
	h(ev)
}

func (c *Client) enqueue(fn func()) {
	c.mu.Lock()
	c.queue = append(c.queue, fn)
	c.mu.Unlock()
	c.signal()
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Post schedules fn on the event loop after everything already queued. It
// reports false, and drops fn, once the connection has closed.
func (c *Client) Post(fn func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, fn)
	c.mu.Unlock()
	c.signal()
	return true
}

// Handle registers h for events addressed to w. A nil handler removes it.
func (c *Client) Handle(w Window, h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.handlers, w)
		return
	}
	c.handlers[w] = h
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	p, err := json.Marshal(params)
	if err != nil {
		return err
	}

	respCh := make(chan rpcMessage, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = respCh
	c.mu.Unlock()

	req, _ := json.Marshal(rpcMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: p})
	if err := c.ch.Send(ctx, req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case resp, ok := <-respCh:
		if !ok {
			return fmt.Errorf("%s: %w", method, ErrClosed)
		}
		if resp.Error != nil {
			if resp.Error.Code == codeBadWindow {
				return fmt.Errorf("%s: %w: %s", method, ErrBadWindow, resp.Error.Message)
			}
			return fmt.Errorf("%s: %s", method, resp.Error.Message)
		}
		if result != nil {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	}
}

func (c *Client) notify(method string, params interface{}) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	data, err := encodeNotification(method, params)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.ch.Send(ctx, data)
}

func (c *Client) createWindow(ctx context.Context, kind WindowKind) (Window, error) {
	var res createWindowResult
	if err := c.call(ctx, methodCreateWindow, createWindowParams{Kind: kind}, &res); err != nil {
		return None, err
	}
	return res.Window, nil
}

// CreateSocket allocates a container window.
func (c *Client) CreateSocket(ctx context.Context) (Window, error) {
	return c.createWindow(ctx, KindSocket)
}

// CreatePlug allocates an embeddable top-level window.
func (c *Client) CreatePlug(ctx context.Context) (Window, error) {
	return c.createWindow(ctx, KindPlug)
}

// Embed attaches plug to socket. On success the socket owner receives
// EventPlugAdded and this client receives EventEmbedded for plug.
func (c *Client) Embed(ctx context.Context, plug, socket Window) error {
	return c.call(ctx, methodEmbed, embedParams{Plug: plug, Socket: socket}, nil)
}

// SendEvent sends a client message from one window to another. It returns
// once the message is written; delivery is not confirmed and messages to
// windows that no longer exist are discarded by the server.
func (c *Client) SendEvent(from, to Window, atom Atom, data [2]int32) error {
	return c.notify(methodSendEvent, sendEventParams{From: from, To: to, Atom: atom, Data: data})
}

// Destroy destroys a window owned by this client.
func (c *Client) Destroy(w Window) error {
	return c.notify(methodDestroy, destroyParams{Window: w})
}

// Sync waits until the server has processed every request sent before it.
func (c *Client) Sync(ctx context.Context) error {
	return c.call(ctx, methodSync, struct{}{}, nil)
}

// Done is closed once the connection is gone and every queued event has been
// dispatched.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close drops the connection. The server destroys every window this client
// owns and notifies their peers.
func (c *Client) Close() error {
	err := c.ch.Close()
	<-c.recvDone
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
