package simsrv

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

type rtPacket struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Channel string `json:"channel"`
	Message any    `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Filter  string `json:"filter,omitempty"`
}

type rtEvent struct {
	Channel string         `json:"channel"`
	Event   string         `json:"event"`
	Message any            `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type rtConn struct {
	writeMu sync.Mutex
	ws      *websocket.Conn

	mu   sync.Mutex
	subs map[string]string // channel pattern -> filter
}

func (c *rtConn) write(event rtEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(event)
}

// RealtimeHub tracks websocket subscribers and routes channel traffic:
// published messages and object change broadcasts go to every
// connection whose subscription pattern matches the channel name.
type RealtimeHub struct {
	mu    sync.RWMutex
	conns map[*rtConn]struct{}
}

func NewRealtimeHub() *RealtimeHub {
	return &RealtimeHub{conns: make(map[*rtConn]struct{})}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *RealtimeHub) Serve(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &rtConn{ws: ws, subs: make(map[string]string)}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		var pkt rtPacket
		if err := ws.ReadJSON(&pkt); err != nil {
			return
		}
		h.handle(conn, pkt)
	}
}

func (h *RealtimeHub) handle(conn *rtConn, pkt rtPacket) {
	switch {
	case pkt.Command == "subscribe":
		conn.mu.Lock()
		conn.subs[pkt.Channel] = pkt.Filter
		conn.mu.Unlock()
	case pkt.Command == "unsubscribe":
		conn.mu.Lock()
		delete(conn.subs, pkt.Channel)
		conn.mu.Unlock()
	case pkt.Command == "publish":
		h.broadcast(rtEvent{Channel: pkt.Channel, Event: "message", Message: pkt.Message})
	case pkt.Command == "channel.create",
		strings.HasPrefix(pkt.Command, "grant."),
		strings.HasPrefix(pkt.Command, "revoke."):
		// Permission bookkeeping is not simulated.
	default:
		_ = conn.write(rtEvent{Channel: pkt.Channel, Event: "error", Error: "unknown command: " + pkt.Command})
	}
}

// BroadcastObject notifies subscribers of an object change. event is
// "object.created", "object.updated" or "object.deleted".
func (h *RealtimeHub) BroadcastObject(collection, event string, obj Object) {
	h.broadcast(rtEvent{Channel: "objects/" + collection, Event: event, Data: obj})
}

func (h *RealtimeHub) broadcast(event rtEvent) {
	h.mu.RLock()
	conns := make([]*rtConn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.mu.Lock()
		deliver := false
		for pattern, filter := range conn.subs {
			if !patternMatches(pattern, event.Channel) {
				continue
			}
			if filter != "" && event.Data != nil && !matchFilter(event.Data, filter) {
				continue
			}
			deliver = true
			break
		}
		conn.mu.Unlock()
		if deliver {
			_ = conn.write(event)
		}
	}
}

func patternMatches(pattern, channel string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == channel
}
