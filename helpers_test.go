package appstax

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   map[string]any
}

// stubBackend is a recording HTTP stub. Routes are registered by the
// setup callback before the server starts; every request is recorded
// with its parsed JSON body.
type stubBackend struct {
	router *gin.Engine
	srv    *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
}

func newStub(t *testing.T, setup func(r *gin.Engine)) *stubBackend {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := &stubBackend{router: gin.New()}
	s.router.Use(func(c *gin.Context) {
		var body map[string]any
		if c.Request.Body != nil {
			data, _ := io.ReadAll(c.Request.Body)
			if len(data) > 0 {
				_ = json.Unmarshal(data, &body)
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(data))
		}
		s.mu.Lock()
		s.requests = append(s.requests, recordedRequest{
			Method: c.Request.Method,
			Path:   c.Request.URL.Path,
			Query:  c.Request.URL.Query(),
			Header: c.Request.Header.Clone(),
			Body:   body,
		})
		s.mu.Unlock()
		c.Next()
	})
	if setup != nil {
		setup(s.router)
	}
	s.srv = httptest.NewServer(s.router)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubBackend) app(t *testing.T) *App {
	t.Helper()
	app, err := New(Config{AppKey: "test-key", BaseURL: s.srv.URL + "/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return app
}

func (s *stubBackend) recorded(method, path string) []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordedRequest
	for _, r := range s.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (s *stubBackend) count(method, path string) int {
	return len(s.recorded(method, path))
}

// serveRealtimeHandshake registers the realtime session endpoint so
// connections can pretend to hand-shake.
func serveRealtimeHandshake(r *gin.Engine) {
	r.POST("/messaging/realtime/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"realtimeSessionId": "rs-1"})
	})
}

// fakeSocket is a scriptable socketConn. Inbound packets and read
// errors are injected through deliver and failRead.
type fakeSocket struct {
	mu      sync.Mutex
	written []packet
	reads   chan any
	closed  bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{reads: make(chan any, 32)}
}

func (s *fakeSocket) WriteJSON(v any) error {
	pkt, ok := v.(packet)
	if !ok {
		return fmt.Errorf("unexpected write type %T", v)
	}
	s.mu.Lock()
	s.written = append(s.written, pkt)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) ReadJSON(v any) error {
	item, ok := <-s.reads
	if !ok {
		return errors.New("socket closed")
	}
	if err, isErr := item.(error); isErr {
		return err
	}
	*(v.(*inboundPacket)) = item.(inboundPacket)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.reads)
	}
	return nil
}

func (s *fakeSocket) deliver(pkt inboundPacket) { s.reads <- pkt }
func (s *fakeSocket) failRead(err error)        { s.reads <- err }

func (s *fakeSocket) packets() []packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]packet, len(s.written))
	copy(out, s.written)
	return out
}

// socketFactory is a Dialer producing fake sockets, one per dial.
type socketFactory struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	fail    bool
}

func (f *socketFactory) dial(string) (socketConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("dial refused")
	}
	s := newFakeSocket()
	f.sockets = append(f.sockets, s)
	return s, nil
}

func (f *socketFactory) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *socketFactory) socket(i int) *fakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.sockets) {
		return nil
	}
	return f.sockets[i]
}

func (f *socketFactory) dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sockets)
}

// eventCollector records dispatched events across goroutines.
type eventCollector struct {
	mu     sync.Mutex
	events []*ChannelEvent
}

func (ec *eventCollector) add(event *ChannelEvent) {
	ec.mu.Lock()
	ec.events = append(ec.events, event)
	ec.mu.Unlock()
}

func (ec *eventCollector) all() []*ChannelEvent {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]*ChannelEvent, len(ec.events))
	copy(out, ec.events)
	return out
}

func (ec *eventCollector) types() []string {
	var out []string
	for _, event := range ec.all() {
		out = append(out, event.Type)
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
