package display

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"
)

const maxMessageBytes = 64 * 1024

// channel frames JSON-RPC messages over a net.Conn.
//
// Framing: newline-delimited JSON. Send appends '\n', Recv strips it.
// Send is safe for concurrent use; Recv must only be called from one goroutine.
type channel struct {
	conn    net.Conn
	scanner *bufio.Scanner
	wmu     sync.Mutex
}

func newChannel(conn net.Conn) *channel {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxMessageBytes)
	return &channel{
		conn:    conn,
		scanner: scanner,
	}
}

func (c *channel) Send(ctx context.Context, msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg = append(msg, '\n')
	}
	_, err := c.conn.Write(msg)
	return err
}

func (c *channel) Recv() ([]byte, error) {
	if c.scanner.Scan() {
		line := c.scanner.Bytes()
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, net.ErrClosed
}

func (c *channel) Close() error {
	return c.conn.Close()
}

// rpcMessage is the envelope for every frame on a display connection.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeBadWindow     = 1
	codeBadRequest    = 2
	codeUnknownMethod = 3
)

// Request methods.
const (
	methodCreateWindow = "create_window"
	methodEmbed        = "embed"
	methodSendEvent    = "send_event"
	methodDestroy      = "destroy"
	methodSync         = "sync"
)

type createWindowParams struct {
	Kind WindowKind `json:"kind"`
}

type createWindowResult struct {
	Window Window `json:"window"`
}

type embedParams struct {
	Plug   Window `json:"plug"`
	Socket Window `json:"socket"`
}

type sendEventParams struct {
	From Window   `json:"from"`
	To   Window   `json:"to"`
	Atom Atom     `json:"atom"`
	Data [2]int32 `json:"data"`
}

type destroyParams struct {
	Window Window `json:"window"`
}

func encodeNotification(method string, params interface{}) ([]byte, error) {
	p, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rpcMessage{JSONRPC: "2.0", Method: method, Params: p})
}
