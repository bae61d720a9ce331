// Package transport carries call audio over Twilio Media Streams.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentplexus/omnivoice-callagent/audio"
)

// Defaults for media stream connections.
const (
	DefaultFrameBuffer = 64
	DefaultSendBuffer  = 256
	writeWait          = 10 * time.Second
)

// ErrClosed is returned when writing to a closed connection.
var ErrClosed = errors.New("media stream closed")

// Provider accepts Twilio Media Streams websocket connections.
type Provider struct {
	upgrader    websocket.Upgrader
	frameBuffer int
	sendBuffer  int
	logger      *zap.Logger

	mu          sync.RWMutex
	connections map[*Connection]struct{}
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	frameBuffer int
	sendBuffer  int
	checkOrigin func(r *http.Request) bool
	logger      *zap.Logger
}

// WithFrameBuffer sets how many inbound frames are queued per connection.
func WithFrameBuffer(n int) Option {
	return func(o *options) {
		o.frameBuffer = n
	}
}

// WithSendBuffer sets how many outbound messages are queued per connection.
func WithSendBuffer(n int) Option {
	return func(o *options) {
		o.sendBuffer = n
	}
}

// WithCheckOrigin sets the websocket origin check. All origins are accepted
// by default since Twilio does not send one.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(o *options) {
		o.checkOrigin = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a new Twilio Media Streams transport provider.
func New(opts ...Option) *Provider {
	cfg := &options{
		frameBuffer: DefaultFrameBuffer,
		sendBuffer:  DefaultSendBuffer,
		checkOrigin: func(r *http.Request) bool { return true },
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.frameBuffer <= 0 {
		cfg.frameBuffer = DefaultFrameBuffer
	}
	if cfg.sendBuffer <= 0 {
		cfg.sendBuffer = DefaultSendBuffer
	}
	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Provider{
		upgrader:    websocket.Upgrader{CheckOrigin: cfg.checkOrigin},
		frameBuffer: cfg.frameBuffer,
		sendBuffer:  cfg.sendBuffer,
		logger:      logger.With(zap.String("component", "transport")),
		connections: make(map[*Connection]struct{}),
	}
}

// HandleWebSocket upgrades an incoming Twilio request and starts reading the
// media stream. Call Start on the returned connection to wait for the stream
// metadata.
func (p *Provider) HandleWebSocket(w http.ResponseWriter, r *http.Request) (*Connection, error) {
	wsConn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}

	conn := newConnection(wsConn, p)
	p.mu.Lock()
	p.connections[conn] = struct{}{}
	p.mu.Unlock()

	go conn.readLoop()
	go conn.writeLoop()
	return conn, nil
}

// Len returns the number of open connections.
func (p *Provider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}

// Close closes every open connection.
func (p *Provider) Close() error {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.connections))
	for c := range p.connections {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

func (p *Provider) forget(c *Connection) {
	p.mu.Lock()
	delete(p.connections, c)
	p.mu.Unlock()
}

// StartInfo is the metadata of a started media stream.
type StartInfo struct {
	StreamSID    string
	CallSID      string
	AccountSID   string
	Format       audio.Format
	CustomParams map[string]string
}

// Connection is one Twilio Media Streams websocket. It delivers the caller's
// audio as frames and plays frames back to the caller.
type Connection struct {
	wsConn   *websocket.Conn
	provider *Provider
	logger   *zap.Logger

	frames  chan audio.Frame
	out     chan outboundMessage
	started chan struct{}
	done    chan struct{}

	mu        sync.RWMutex
	info      *StartInfo
	err       error
	closeOnce sync.Once
}

func newConnection(wsConn *websocket.Conn, p *Provider) *Connection {
	return &Connection{
		wsConn:   wsConn,
		provider: p,
		logger:   p.logger,
		frames:   make(chan audio.Frame, p.frameBuffer),
		out:      make(chan outboundMessage, p.sendBuffer),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start waits for the stream's start event.
func (c *Connection) Start(ctx context.Context) (*StartInfo, error) {
	select {
	case <-c.started:
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.info, nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("media stream ended before start")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StreamSID returns the stream identifier, once started.
func (c *Connection) StreamSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.info == nil {
		return ""
	}
	return c.info.StreamSID
}

// Frames returns the caller's audio. It is closed when the stream stops.
func (c *Connection) Frames() <-chan audio.Frame {
	return c.frames
}

// Send queues a frame for playback.
func (c *Connection) Send(ctx context.Context, f audio.Frame) error {
	msg := outboundMessage{
		Event:     "media",
		StreamSID: c.StreamSID(),
		Media:     &outboundMedia{Payload: encodePayload(f.Payload)},
	}
	return c.enqueue(ctx, msg)
}

// Clear discards queued playback and tells Twilio to drop the audio it has
// buffered.
func (c *Connection) Clear() error {
	dropped := 0
drain:
	for {
		select {
		case <-c.out:
			dropped++
		default:
			break drain
		}
	}
	if dropped > 0 {
		c.logger.Debug("dropped queued playback", zap.Int("messages", dropped))
	}
	return c.enqueue(context.Background(), outboundMessage{Event: "clear", StreamSID: c.StreamSID()})
}

// Done is closed when the connection ends.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, or nil if the stream
// stopped normally.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Connection) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		close(c.done)
		_ = c.wsConn.Close()
		c.provider.forget(c)
	})
}

func (c *Connection) enqueue(ctx context.Context, msg outboundMessage) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop reads messages from the websocket until the stream stops.
func (c *Connection) readLoop() {
	defer close(c.frames)

	var seq uint64
	format := audio.Telephone
	for {
		_, data, err := c.wsConn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(nil)
			} else {
				c.shutdown(fmt.Errorf("media stream read failed: %w", err))
			}
			return
		}

		msg, err := decodeMessage(data)
		if err != nil {
			c.logger.Debug("ignoring malformed message", zap.Error(err))
			continue
		}

		switch msg.Event {
		case "connected":
			c.logger.Debug("media stream connected", zap.String("protocol", msg.Protocol))

		case "start":
			if msg.Start == nil {
				continue
			}
			info := msg.Start.info()
			c.mu.Lock()
			first := c.info == nil
			if first {
				c.info = info
				format = info.Format
			}
			c.mu.Unlock()
			if first {
				c.logger.Debug("media stream started",
					zap.String("stream_sid", info.StreamSID),
					zap.String("call_id", info.CallSID),
					zap.Stringer("format", info.Format),
				)
				close(c.started)
			}

		case "media":
			if msg.Media == nil || msg.Media.Payload == "" || !msg.Media.inbound() {
				continue
			}
			f, err := msg.Media.frame(seq, format)
			if err != nil {
				c.logger.Debug("ignoring undecodable media", zap.Error(err))
				continue
			}
			seq = f.Seq
			select {
			case c.frames <- f:
			case <-c.done:
				return
			}

		case "dtmf":
			if msg.DTMF != nil {
				c.logger.Info("dtmf received", zap.String("digit", msg.DTMF.Digit))
			}

		case "mark":
			if msg.Mark != nil {
				c.logger.Debug("mark played", zap.String("name", msg.Mark.Name))
			}

		case "stop":
			c.logger.Debug("media stream stopped")
			c.shutdown(nil)
			return
		}
	}
}

// writeLoop writes queued messages to the websocket.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			_ = c.wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.wsConn.WriteJSON(msg); err != nil {
				c.shutdown(fmt.Errorf("media stream write failed: %w", err))
				return
			}
		}
	}
}
