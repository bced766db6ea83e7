package tasks

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/desertthunder/genx/internal/models"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	defaultPong    = 60 * time.Second
	maxMessageSize = 1 << 20
)

// ChannelState is the lifecycle state of a [PushChannel].
type ChannelState int

const (
	StateIdle ChannelState = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PushOptions configures the websocket connection.
type PushOptions struct {
	Dialer   *websocket.Dialer // defaults to [websocket.DefaultDialer]
	Header   http.Header
	PongWait time.Duration // read deadline, extended on every message and pong
}

// PushCallbacks receive events from a [PushChannel]. Any of them may be nil.
//
// OnError reports messages that could not be turned into a snapshot; the
// connection stays open. OnClose fires once when an opened or dialing channel
// closes, with a nil error for a normal closure or an explicit Disconnect.
type PushCallbacks struct {
	OnOpen     func()
	OnSnapshot func(task models.GenerationTask)
	OnError    func(err error)
	OnClose    func(err error)
}

// PushChannel is a single-task websocket subscription.
//
// It moves idle -> connecting -> open -> closed and never leaves closed; a new
// channel is needed to connect again.
type PushChannel struct {
	url    string
	taskID string
	cb     PushCallbacks
	opts   PushOptions

	mu           sync.Mutex
	state        ChannelState
	disconnected bool
	conn         *websocket.Conn
	cancel       context.CancelFunc
	done         chan struct{}

	cbMu       sync.Mutex
	inCallback atomic.Bool
}

// NewPushChannel creates an idle channel for taskID at url.
func NewPushChannel(url, taskID string, cb PushCallbacks, opts PushOptions) *PushChannel {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPong
	}
	return &PushChannel{url: url, taskID: taskID, cb: cb, opts: opts, done: make(chan struct{})}
}

// State returns the current lifecycle state.
func (c *PushChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the channel has fully shut down.
func (c *PushChannel) Done() <-chan struct{} { return c.done }

// Connect starts dialing in the background and returns immediately.
//
// The connection lives until Disconnect, a transport error or the end of ctx.
// Connect is a no-op while connecting or open and fails with [ErrChannelClosed]
// once closed.
func (c *PushChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateConnecting, StateOpen:
		return nil
	case StateClosed:
		return ErrChannelClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	c.state = StateConnecting
	c.cancel = cancel
	go c.run(ctx)
	return nil
}

// Disconnect closes the connection. It is idempotent and may be called from a callback.
//
// No OnOpen, OnSnapshot or OnError callback starts after it returns.
func (c *PushChannel) Disconnect() {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true

	if c.state == StateIdle {
		c.state = StateClosed
		c.mu.Unlock()
		close(c.done)
		return
	}
	conn, cancel := c.conn, c.cancel
	c.mu.Unlock()

	cancel()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}

	if !c.inCallback.Load() {
		c.cbMu.Lock()
		c.cbMu.Unlock()
	}
}

func (c *PushChannel) run(ctx context.Context) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		c.finish(ctx, fmt.Errorf("dial %s: %w", c.url, err))
		return
	}

	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		conn.Close()
		c.finish(ctx, nil)
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	c.dispatch(c.cb.OnOpen)

	stop := make(chan struct{})
	go c.keepAlive(ctx, conn, stop)
	err = c.readLoop(conn)
	close(stop)
	conn.Close()
	c.finish(ctx, err)
}

// keepAlive pings the server and closes the connection when ctx ends.
func (c *PushChannel) keepAlive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *PushChannel) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		task, ok, err := decodePushMessage(data, c.taskID)
		switch {
		case err != nil:
			if c.cb.OnError != nil {
				c.dispatch(func() { c.cb.OnError(err) })
			}
		case ok && c.cb.OnSnapshot != nil:
			c.dispatch(func() { c.cb.OnSnapshot(task) })
		}
	}
}

// dispatch runs fn unless the channel was disconnected.
func (c *PushChannel) dispatch(fn func()) {
	if fn == nil {
		return
	}
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	c.mu.Lock()
	gone := c.disconnected
	c.mu.Unlock()
	if gone {
		return
	}

	c.inCallback.Store(true)
	defer c.inCallback.Store(false)
	fn()
}

func (c *PushChannel) finish(ctx context.Context, err error) {
	c.mu.Lock()
	if c.disconnected || ctx.Err() != nil {
		err = nil
	}
	c.state = StateClosed
	c.conn = nil
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	close(c.done)
	if c.cb.OnClose != nil {
		c.cb.OnClose(err)
	}
}
