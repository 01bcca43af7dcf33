package appstax

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
)

func userRoutes(r *gin.Engine) {
	r.POST("/users", func(c *gin.Context) {
		var body map[string]any
		_ = c.ShouldBindJSON(&body)
		resp := gin.H{"user": gin.H{
			"sysObjectId": "u1",
			"sysUsername": body["sysUsername"],
			"fullName":    body["fullName"],
		}}
		if c.Query("login") != "false" {
			resp["sysSessionId"] = "signup-session"
		}
		c.JSON(http.StatusOK, resp)
	})
	r.POST("/sessions", func(c *gin.Context) {
		var body map[string]any
		_ = c.ShouldBindJSON(&body)
		if body["sysPassword"] != "secret" {
			c.JSON(http.StatusUnauthorized, gin.H{"errorMessage": "Invalid username and/or password"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"sysSessionId": "login-session",
			"user":         gin.H{"sysObjectId": "u1", "sysUsername": body["sysUsername"]},
		})
	})
	r.DELETE("/sessions/:id", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
}

type sessionEventCollector struct {
	mu     sync.Mutex
	events []*Event
}

func (sc *sessionEventCollector) add(event *Event) {
	sc.mu.Lock()
	sc.events = append(sc.events, event)
	sc.mu.Unlock()
}

func (sc *sessionEventCollector) types() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	var out []string
	for _, event := range sc.events {
		out = append(out, event.Type)
	}
	return out
}

func TestSignupAdoptsSession(t *testing.T) {
	stub := newStub(t, userRoutes)
	app := stub.app(t)

	events := &sessionEventCollector{}
	app.Users().On("signup", events.add)

	user, err := app.Users().Signup(context.Background(), "alice", "secret", true,
		map[string]any{"fullName": "Alice A"})
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if user.Username() != "alice" || user.String("fullName") != "Alice A" {
		t.Fatalf("user: %v", user.Object().Properties())
	}
	if app.client.SessionID() != "signup-session" {
		t.Fatalf("session: %q", app.client.SessionID())
	}
	if app.Users().CurrentUser() != user {
		t.Fatal("current user not set")
	}
	if got := events.types(); len(got) != 1 || got[0] != "signup" {
		t.Fatalf("events: %v", got)
	}

	reqs := stub.recorded(http.MethodPost, "/users")
	if reqs[0].Body["sysUsername"] != "alice" || reqs[0].Body["sysPassword"] != "secret" {
		t.Fatalf("signup body: %v", reqs[0].Body)
	}
}

func TestSignupWithoutLogin(t *testing.T) {
	stub := newStub(t, userRoutes)
	app := stub.app(t)

	_, err := app.Users().Signup(context.Background(), "alice", "secret", false, nil)
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if app.client.SessionID() != "" {
		t.Fatal("session must not be adopted")
	}
	if app.Users().CurrentUser() != nil {
		t.Fatal("current user must not be set")
	}
	reqs := stub.recorded(http.MethodPost, "/users")
	if reqs[0].Query.Get("login") != "false" {
		t.Fatalf("query: %v", reqs[0].Query)
	}
}

func TestLoginAndLogout(t *testing.T) {
	stub := newStub(t, userRoutes)
	app := stub.app(t)

	events := &sessionEventCollector{}
	app.Users().On("login", events.add)
	app.Users().On("logout", events.add)

	user, err := app.Users().Login(context.Background(), "alice", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.Username() != "alice" || app.client.SessionID() != "login-session" {
		t.Fatalf("login state: %q %q", user.Username(), app.client.SessionID())
	}

	if err := app.Users().Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if app.client.SessionID() != "" || app.Users().CurrentUser() != nil {
		t.Fatal("session state must be cleared")
	}
	if stub.count(http.MethodDelete, "/sessions/login-session") != 1 {
		t.Fatal("expected session delete")
	}
	if got := events.types(); len(got) != 2 || got[0] != "login" || got[1] != "logout" {
		t.Fatalf("events: %v", got)
	}
}

func TestLoginFailure(t *testing.T) {
	stub := newStub(t, userRoutes)
	app := stub.app(t)

	_, err := app.Users().Login(context.Background(), "alice", "wrong")
	if err == nil {
		t.Fatal("expected error")
	}
	if errorMessage(err) != "Invalid username and/or password" {
		t.Fatalf("message: %q", errorMessage(err))
	}
	if app.client.SessionID() != "" || app.Users().CurrentUser() != nil {
		t.Fatal("failed login must not leave session state")
	}
}

func TestPasswordReset(t *testing.T) {
	stub := newStub(t, func(r *gin.Engine) {
		r.POST("/users/reset/email", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{})
		})
		r.POST("/users/reset/password", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"sysSessionId": "reset-session",
				"user":         gin.H{"sysObjectId": "u1", "sysUsername": "alice"},
			})
		})
	})
	app := stub.app(t)

	if err := app.Users().RequestPasswordReset(context.Background(), "a@example.test"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	emailReqs := stub.recorded(http.MethodPost, "/users/reset/email")
	if emailReqs[0].Body["email"] != "a@example.test" {
		t.Fatalf("email body: %v", emailReqs[0].Body)
	}

	user, err := app.Users().ChangePassword(context.Background(), "alice", "newpw", "1234", true)
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if user == nil || user.Username() != "alice" {
		t.Fatalf("user: %v", user)
	}
	if app.client.SessionID() != "reset-session" {
		t.Fatalf("session: %q", app.client.SessionID())
	}
	pwReqs := stub.recorded(http.MethodPost, "/users/reset/password")
	body := pwReqs[0].Body
	if body["sysUsername"] != "alice" || body["sysPassword"] != "newpw" || body["pinCode"] != "1234" {
		t.Fatalf("change body: %v", body)
	}
}
