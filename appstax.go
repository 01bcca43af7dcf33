// Package appstax is a client for the Appstax backend service: object
// storage with relations and files, user accounts and sessions, and
// realtime pub/sub channels, plus a reactive model that keeps watched
// collections current.
package appstax

import (
	"sync"

	"go.uber.org/zap"
)

// App is one configured client and its services. All services share a
// transport, so a login on Users authenticates every later request.
type App struct {
	cfg      Config
	log      *zap.Logger
	client   *apiClient
	objects  *ObjectService
	users    *UserService
	realtime *RealtimeConnection
	model    *Model
}

func New(cfg Config) (*App, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	app := &App{cfg: cfg, log: cfg.Logger}
	app.client = newAPIClient(cfg)
	app.objects = newObjectService(app.client, app.log)
	app.users = newUserService(app.client, app.objects, app.log)
	app.realtime = newRealtimeConnection(app.client, app.log)
	app.model = newModel(app.objects, app.users, app.realtime, app.log)
	return app, nil
}

func (a *App) Objects() *ObjectService       { return a.objects }
func (a *App) Users() *UserService           { return a.users }
func (a *App) Realtime() *RealtimeConnection { return a.realtime }
func (a *App) Model() *Model                 { return a.model }

// Object creates a new, unsaved object in the collection.
func (a *App) Object(collection string, properties map[string]any) *Object {
	return a.objects.Create(collection, properties)
}

// Channel returns a realtime channel with the given name.
func (a *App) Channel(name string) *Channel {
	return a.ChannelWithFilter(name, "")
}

// ChannelWithFilter subscribes with a server-side filter, so only
// matching events are delivered.
func (a *App) ChannelWithFilter(name, filter string) *Channel {
	return newChannel(name, filter, a.realtime, a.objects)
}

// Close shuts down the realtime connection.
func (a *App) Close() error {
	return a.realtime.Close()
}

var (
	defaultMu  sync.RWMutex
	defaultApp *App
)

// Setup configures the package-level default app.
func Setup(cfg Config) error {
	app, err := New(cfg)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	defaultApp = app
	defaultMu.Unlock()
	return nil
}

// Default returns the app configured with Setup, or nil.
func Default() *App {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultApp
}
