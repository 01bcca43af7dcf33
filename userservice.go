package appstax

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/appstax/appstax-go/internal/eventhub"
)

// Event is a session lifecycle notification: "signup", "login" or
// "logout".
type Event struct {
	Type string
	User *User
}

// UserService handles accounts and sessions. A successful signup or
// login stores the session id on the shared transport so subsequent
// requests authenticate as that user.
type UserService struct {
	client  *apiClient
	service *ObjectService
	log     *zap.Logger
	hub     *eventhub.Hub[*Event]

	mu      sync.Mutex
	current *User
}

func newUserService(client *apiClient, service *ObjectService, log *zap.Logger) *UserService {
	return &UserService{
		client:  client,
		service: service,
		log:     log,
		hub:     eventhub.New[*Event](),
	}
}

// On registers a handler for session events. The returned function
// removes the handler.
func (s *UserService) On(eventType string, handler func(*Event)) func() {
	return s.hub.On(eventType, handler)
}

func (s *UserService) CurrentUser() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Signup creates an account. Extra profile properties are stored on the
// user object. With login true the new session is adopted immediately.
func (s *UserService) Signup(ctx context.Context, username, password string, login bool, properties map[string]any) (*User, error) {
	body := map[string]any{propertyUsername: username, propertyPassword: password}
	for key, value := range properties {
		body[key] = value
	}
	url := s.client.urlFromPath("users")
	if !login {
		url = s.client.urlFromTemplate("/users", nil, map[string]string{"login": "false"})
	}
	result, err := s.client.postJSON(ctx, url, body)
	if err != nil {
		return nil, err
	}
	user := s.userFromResult(result)
	if login {
		s.adoptSession(result, user)
	}
	s.dispatch("signup", user)
	return user, nil
}

// Login authenticates and adopts the returned session.
func (s *UserService) Login(ctx context.Context, username, password string) (*User, error) {
	body := map[string]any{propertyUsername: username, propertyPassword: password}
	result, err := s.client.postJSON(ctx, s.client.urlFromPath("sessions"), body)
	if err != nil {
		return nil, err
	}
	user := s.userFromResult(result)
	s.adoptSession(result, user)
	s.dispatch("login", user)
	return user, nil
}

// Logout ends the session. Local session state is cleared even when the
// server call fails, so the client never keeps using a dead session.
func (s *UserService) Logout(ctx context.Context) error {
	sessionID := s.client.SessionID()

	s.client.SetSessionID("")
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	s.dispatch("logout", nil)

	if sessionID == "" {
		return nil
	}
	return s.client.delete(ctx, s.client.urlFromPath("sessions/", sessionID))
}

// RequestPasswordReset emails the user a reset code.
func (s *UserService) RequestPasswordReset(ctx context.Context, email string) error {
	_, err := s.client.postJSON(ctx, s.client.urlFromPath("users/reset/email"),
		map[string]any{"email": email})
	return err
}

// ChangePassword sets a new password using the emailed reset code. With
// login true the returned session is adopted.
func (s *UserService) ChangePassword(ctx context.Context, username, password, code string, login bool) (*User, error) {
	body := map[string]any{
		propertyUsername: username,
		propertyPassword: password,
		"pinCode":        code,
		"login":          login,
	}
	result, err := s.client.postJSON(ctx, s.client.urlFromPath("users/reset/password"), body)
	if err != nil {
		return nil, err
	}
	if !login {
		return nil, nil
	}
	user := s.userFromResult(result)
	s.adoptSession(result, user)
	s.dispatch("login", user)
	return user, nil
}

func (s *UserService) userFromResult(result map[string]any) *User {
	props, _ := result["user"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	return &User{object: s.service.create(usersCollection, props, StatusSaved)}
}

func (s *UserService) adoptSession(result map[string]any, user *User) {
	if sessionID, ok := result["sysSessionId"].(string); ok {
		s.client.SetSessionID(sessionID)
	}
	s.mu.Lock()
	s.current = user
	s.mu.Unlock()
}

func (s *UserService) dispatch(eventType string, user *User) {
	s.log.Debug("session event", zap.String("type", eventType))
	s.hub.Dispatch(eventType, &Event{Type: eventType, User: user})
}
