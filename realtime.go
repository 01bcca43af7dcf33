package appstax

import (
	"context"
	"crypto/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/appstax/appstax-go/internal/eventhub"
)

type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
)

func (s ConnectionStatus) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// ChannelEvent is delivered for everything that happens on the realtime
// connection. Channel is empty for connection-level events ("open",
// "error", "status"); Object is filled in by Channel for object events.
type ChannelEvent struct {
	Type    string
	Channel string
	Message any
	Error   string
	Data    map[string]any
	Object  *Object
}

type packet struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Channel string `json:"channel"`
	Message any    `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Filter  string `json:"filter,omitempty"`
}

type inboundPacket struct {
	Channel string         `json:"channel"`
	Event   string         `json:"event"`
	Message any            `json:"message"`
	Error   string         `json:"error"`
	Data    map[string]any `json:"data"`
}

// socketConn is the slice of *websocket.Conn the connection needs.
type socketConn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// Dialer opens a websocket to the given url. Tests substitute fakes.
type Dialer func(url string) (socketConn, error)

func gorillaDialer(url string) (socketConn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// RealtimeConnection multiplexes channels over a single websocket. It
// performs the HTTP session handshake, queues outbound packets while
// disconnected and flushes them on open, and keeps the socket alive
// with a periodic reconnect check. A "status" event is dispatched only
// when the status value actually changes.
type RealtimeConnection struct {
	client *apiClient
	log    *zap.Logger
	hub    *eventhub.Hub[*ChannelEvent]
	dialer Dialer

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	// writeMu serializes socket writes; gorilla connections support only
	// one concurrent writer.
	writeMu sync.Mutex

	mu     sync.Mutex
	ctx    context.Context
	status ConnectionStatus
	socket socketConn
	queue  []packet
	// sessionID is obtained once and reused for every later dial.
	sessionID string
	// sessionRequested latches after the first handshake attempt; a
	// failed handshake is retried only by another Connect call, never by
	// the liveness loop.
	sessionRequested bool
	connecting       bool
	started          bool
	done             chan struct{}
}

func newRealtimeConnection(client *apiClient, log *zap.Logger) *RealtimeConnection {
	return &RealtimeConnection{
		client:  client,
		log:     log,
		hub:     eventhub.New[*ChannelEvent](),
		dialer:  gorillaDialer,
		entropy: ulid.Monotonic(rand.Reader, 0),
		ctx:     context.Background(),
		done:    make(chan struct{}),
	}
}

// On registers a handler for an event type; eventhub.Wildcard receives
// everything. The returned function removes the handler.
func (c *RealtimeConnection) On(eventType string, handler func(*ChannelEvent)) func() {
	return c.hub.On(eventType, handler)
}

func (c *RealtimeConnection) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect opens the connection and starts the keepalive loop. The
// context is used for the session handshake. Calling Connect again
// retries a handshake that previously failed.
func (c *RealtimeConnection) Connect(ctx context.Context) {
	c.mu.Lock()
	if ctx != nil {
		c.ctx = ctx
	}
	first := !c.started
	c.started = true
	if c.sessionID == "" && !c.connecting {
		c.sessionRequested = false
	}
	c.mu.Unlock()

	if first {
		go c.keepAlive()
	}
	c.connect()
}

// Close stops the keepalive loop and closes the socket.
func (c *RealtimeConnection) Close() error {
	c.mu.Lock()
	if c.started {
		c.started = false
		close(c.done)
		c.done = make(chan struct{})
	}
	socket := c.socket
	c.socket = nil
	c.mu.Unlock()

	c.setStatus(Disconnected)
	if socket != nil {
		return socket.Close()
	}
	return nil
}

// send transmits a packet, or queues it until the socket opens. Called
// by Channel; never blocks on network I/O beyond the socket write.
func (c *RealtimeConnection) send(command, channel string, message, data any, filter string) {
	pkt := packet{
		ID:      c.nextID(),
		Command: command,
		Channel: channel,
		Message: message,
		Data:    data,
		Filter:  filter,
	}

	c.mu.Lock()
	socket := c.socket
	if socket == nil {
		c.queue = append(c.queue, pkt)
		started := c.started
		c.mu.Unlock()
		if started {
			c.connect()
		} else {
			c.Connect(nil)
		}
		return
	}
	c.mu.Unlock()

	if err := c.writeSocket(socket, pkt); err != nil {
		c.mu.Lock()
		c.queue = append(c.queue, pkt)
		if c.socket == socket {
			c.socket = nil
		}
		c.mu.Unlock()
		c.log.Debug("realtime write failed", zap.String("command", command), zap.Error(err))
		c.hub.Dispatch("error", &ChannelEvent{Type: "error", Error: err.Error()})
	}
}

func (c *RealtimeConnection) writeSocket(socket socketConn, pkt packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return socket.WriteJSON(pkt)
}

func (c *RealtimeConnection) nextID() string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), c.entropy).String()
}

// connect performs the one-time session handshake, then dials the
// socket with the last known session id. Reconnects reuse the session,
// so only the dial is repeated.
func (c *RealtimeConnection) connect() {
	c.mu.Lock()
	if c.socket != nil || c.connecting {
		c.mu.Unlock()
		return
	}
	if c.sessionID == "" && c.sessionRequested {
		// The handshake failed earlier; wait for an explicit Connect.
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.sessionRequested = true
	ctx := c.ctx
	sessionID := c.sessionID
	c.mu.Unlock()

	c.setStatus(Connecting)

	if sessionID == "" {
		result, err := c.client.postJSON(ctx, c.client.urlFromPath("messaging/realtime/sessions"), map[string]any{})
		if err != nil {
			c.connectFailed(err)
			return
		}
		sessionID, _ = result["realtimeSessionId"].(string)
		c.mu.Lock()
		c.sessionID = sessionID
		c.mu.Unlock()
	}

	socket, err := c.dialer(c.socketURL(sessionID))
	if err != nil {
		c.connectFailed(err)
		return
	}

	c.mu.Lock()
	c.socket = socket
	c.connecting = false
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	c.setStatus(Connected)
	c.hub.Dispatch("open", &ChannelEvent{Type: "open"})
	for _, pkt := range queued {
		if err := c.writeSocket(socket, pkt); err != nil {
			c.mu.Lock()
			c.queue = append(c.queue, pkt)
			c.mu.Unlock()
		}
	}
	go c.readLoop(socket)
}

func (c *RealtimeConnection) connectFailed(err error) {
	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	c.log.Debug("realtime connect failed", zap.Error(err))
	c.setStatus(Disconnected)
	c.hub.Dispatch("error", &ChannelEvent{Type: "error", Error: err.Error()})
}

func (c *RealtimeConnection) socketURL(sessionID string) string {
	base := c.client.urlFromPath("messaging/realtime")
	switch {
	case strings.HasPrefix(base, "https"):
		base = "wss" + base[len("https"):]
	case strings.HasPrefix(base, "http"):
		base = "ws" + base[len("http"):]
	}
	return base + "?rsession=" + url.QueryEscape(sessionID)
}

func (c *RealtimeConnection) setStatus(status ConnectionStatus) {
	c.mu.Lock()
	changed := c.status != status
	c.status = status
	c.mu.Unlock()
	if changed {
		c.hub.Dispatch("status", &ChannelEvent{Type: "status", Message: status.String()})
	}
}

// readLoop funnels every inbound packet into the hub. A read error
// clears the socket and reports an error event; the keepalive loop
// notices the missing socket and reconnects.
func (c *RealtimeConnection) readLoop(socket socketConn) {
	for {
		var in inboundPacket
		if err := socket.ReadJSON(&in); err != nil {
			c.mu.Lock()
			if c.socket == socket {
				c.socket = nil
			}
			c.mu.Unlock()
			c.log.Debug("realtime read failed", zap.Error(err))
			c.hub.Dispatch("error", &ChannelEvent{Type: "error", Error: err.Error()})
			return
		}
		if in.Event == "" {
			continue
		}
		c.hub.Dispatch(in.Event, &ChannelEvent{
			Type:    in.Event,
			Channel: in.Channel,
			Message: in.Message,
			Error:   in.Error,
			Data:    in.Data,
		})
	}
}

func (c *RealtimeConnection) keepAlive() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			needs := c.started && c.socket == nil && !c.connecting
			c.mu.Unlock()
			if needs {
				c.connect()
			}
		}
	}
}
