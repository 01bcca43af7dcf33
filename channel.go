package appstax

import (
	"strings"
	"sync"

	"github.com/appstax/appstax-go/internal/eventhub"
)

// Channel is a named pub/sub stream on the realtime connection. Names
// under "objects/" deliver collection change events; other names carry
// free-form messages. A name ending in "*" subscribes to every channel
// with that prefix.
type Channel struct {
	name    string
	filter  string
	conn    *RealtimeConnection
	service *ObjectService

	mu         sync.Mutex
	createSent bool
}

func newChannel(name, filter string, conn *RealtimeConnection, service *ObjectService) *Channel {
	ch := &Channel{
		name:    name,
		filter:  filter,
		conn:    conn,
		service: service,
	}
	// Subscribe on every open so a reconnected socket picks the
	// subscription back up. When the connection is already open no open
	// event will fire, so subscribe directly instead.
	conn.On("open", func(*ChannelEvent) {
		ch.sendSubscribe()
	})
	wasConnected := conn.Status() == Connected
	conn.Connect(nil)
	if wasConnected {
		ch.sendSubscribe()
	}
	return ch
}

func (ch *Channel) Name() string { return ch.name }

func (ch *Channel) sendSubscribe() {
	ch.conn.send("subscribe", ch.name, nil, nil, ch.filter)
}

// On registers a handler. Connection-level events (empty channel) pass
// through unfiltered; channel events are filtered by the channel name,
// honoring a single trailing "*" wildcard. For object change events the
// payload is materialized as event.Object. The returned function
// removes the handler.
func (ch *Channel) On(eventType string, handler func(*ChannelEvent)) func() {
	return ch.conn.On(eventhub.Wildcard, func(event *ChannelEvent) {
		if event.Channel != "" && !ch.matches(event.Channel) {
			return
		}
		if eventType != eventhub.Wildcard && event.Type != eventType {
			return
		}
		ch.populateObject(event)
		handler(event)
	})
}

func (ch *Channel) matches(channel string) bool {
	if strings.HasSuffix(ch.name, "*") {
		return strings.HasPrefix(channel, strings.TrimSuffix(ch.name, "*"))
	}
	return channel == ch.name
}

func (ch *Channel) populateObject(event *ChannelEvent) {
	if event.Object != nil || event.Data == nil {
		return
	}
	if _, ok := event.Data[propertyID]; !ok {
		return
	}
	parts := strings.SplitN(event.Channel, "/", 2)
	if len(parts) != 2 || parts[0] != "objects" {
		return
	}
	event.Object = ch.service.create(parts[1], event.Data, StatusSaved)
}

// Send publishes a message to everyone subscribed to the channel.
func (ch *Channel) Send(message any) {
	ch.conn.send("publish", ch.name, message, nil, "")
}

// Grant gives the usernames the listed permissions ("read", "write")
// on the channel. The channel is created server-side on first use.
func (ch *Channel) Grant(usernames []string, permissions []string) {
	ch.ensureCreated()
	for _, permission := range permissions {
		ch.conn.send("grant."+permission, ch.name, nil, usernames, "")
	}
}

// Revoke removes previously granted permissions.
func (ch *Channel) Revoke(usernames []string, permissions []string) {
	ch.ensureCreated()
	for _, permission := range permissions {
		ch.conn.send("revoke."+permission, ch.name, nil, usernames, "")
	}
}

func (ch *Channel) ensureCreated() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.createSent {
		return
	}
	ch.createSent = true
	ch.conn.send("channel.create", ch.name, nil, nil, "")
}
