package simsrv

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Store, *RealtimeHub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := NewStore()
	hub := NewRealtimeHub()
	router := NewRouter(Deps{
		Store:         store,
		Hub:           hub,
		AppKey:        "test-key",
		SessionSecret: "test-secret",
	})
	return router, store, hub
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-appstax-appkey", "test-key")
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v: %s", err, w.Body.String())
	}
	return out
}

func TestRouterRequiresAppKey(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/objects/notes", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if resp := decode(t, w); resp["errorMessage"] == "" {
		t.Fatalf("expected errorMessage, got %v", resp)
	}
}

func TestObjectCRUD(t *testing.T) {
	r, _, _ := newTestRouter(t)

	// create
	w := doJSON(t, r, http.MethodPost, "/objects/notes", map[string]any{"title": "one"})
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d: %s", w.Code, w.Body.String())
	}
	created := decode(t, w)
	id, _ := created["sysObjectId"].(string)
	if id == "" {
		t.Fatalf("no id: %v", created)
	}

	// update
	w = doJSON(t, r, http.MethodPut, "/objects/notes/"+id, map[string]any{"title": "two"})
	if w.Code != http.StatusOK {
		t.Fatalf("update: %d", w.Code)
	}

	// list with filter
	doJSON(t, r, http.MethodPost, "/objects/notes", map[string]any{"title": "other"})
	w = doJSON(t, r, http.MethodGet, "/objects/notes?filter="+strings.ReplaceAll("title='two'", "'", "%27"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	objects, _ := decode(t, w)["objects"].([]any)
	if len(objects) != 1 {
		t.Fatalf("filtered objects: %v", objects)
	}

	// delete
	w = doJSON(t, r, http.MethodDelete, "/objects/notes/"+id, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	w = doJSON(t, r, http.MethodGet, "/objects/notes/"+id, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", w.Code)
	}
}

func TestUserSessionFlow(t *testing.T) {
	r, _, _ := newTestRouter(t)

	// signup logs in by default
	w := doJSON(t, r, http.MethodPost, "/users", map[string]any{
		"sysUsername": "alice",
		"sysPassword": "pw",
		"fullName":    "Alice",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("signup: %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	token, _ := resp["sysSessionId"].(string)
	if token == "" {
		t.Fatalf("no session: %v", resp)
	}
	if username, err := parseSessionToken("test-secret", token); err != nil || username != "alice" {
		t.Fatalf("token: %q %v", username, err)
	}

	// authenticated profile lookup
	req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
	req.Header.Set("x-appstax-appkey", "test-key")
	req.Header.Set("x-appstax-sessionid", token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: %d: %s", rec.Code, rec.Body.String())
	}
	user, _ := decode(t, rec)["user"].(map[string]any)
	if user["sysUsername"] != "alice" || user["fullName"] != "Alice" {
		t.Fatalf("me user: %v", user)
	}

	// wrong password
	w = doJSON(t, r, http.MethodPost, "/sessions", map[string]any{
		"sysUsername": "alice",
		"sysPassword": "wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad login: %d", w.Code)
	}

	// logout invalidates the session
	w = doJSON(t, r, http.MethodDelete, "/sessions/"+token, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("logout: %d", w.Code)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/users/me", nil)
	req.Header.Set("x-appstax-appkey", "test-key")
	req.Header.Set("x-appstax-sessionid", token)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("me after logout: %d", rec.Code)
	}
}

func TestRealtimeSubscribeAndBroadcast(t *testing.T) {
	r, store, _ := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	rsession := store.CreateRealtimeSession()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/messaging/realtime?rsession=" + rsession
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(rtPacket{ID: "1", Command: "subscribe", Channel: "objects/notes"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// the subscription is registered by the read loop; give it a moment
	time.Sleep(50 * time.Millisecond)

	w := doJSON(t, r, http.MethodPost, "/objects/notes", map[string]any{"title": "hello"})
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d", w.Code)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event rtEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if event.Event != "object.created" || event.Channel != "objects/notes" {
		t.Fatalf("event: %+v", event)
	}
	if event.Data["title"] != "hello" {
		t.Fatalf("event data: %v", event.Data)
	}
}

func TestRealtimePublishReachesSubscribers(t *testing.T) {
	r, store, _ := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	dial := func() *websocket.Conn {
		rsession := store.CreateRealtimeSession()
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/messaging/realtime?rsession=" + rsession
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		return conn
	}
	sub := dial()
	defer sub.Close()
	pub := dial()
	defer pub.Close()

	if err := sub.WriteJSON(rtPacket{ID: "1", Command: "subscribe", Channel: "chat/*"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := pub.WriteJSON(rtPacket{ID: "2", Command: "publish", Channel: "chat/room1", Message: "hi"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event rtEvent
	if err := sub.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if event.Event != "message" || event.Channel != "chat/room1" || event.Message != "hi" {
		t.Fatalf("event: %+v", event)
	}
}

func TestRealtimeRejectsUnknownSession(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/messaging/realtime?rsession=bogus", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
