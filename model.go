package appstax

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/appstax/appstax-go/internal/eventhub"
)

// ModelEvent reports a model change or a background failure. Name is
// the watched name the event concerns.
type ModelEvent struct {
	Type string
	Name string
	Err  error
	// Message is the server-provided error message when Err is a
	// transport failure, the plain error text otherwise.
	Message string
}

// WatchOptions tune a watched collection.
type WatchOptions struct {
	// Collection overrides the collection name (default: the watch name).
	Collection string
	// Order is a property name, "-" prefix for descending. "created" and
	// "updated" map to the system timestamps. Default "-created", newest
	// first.
	Order string
	// Filter is a server-side filter string applied to both the initial
	// load and the realtime subscription.
	Filter string
	// Expand is the relation expand depth for loads.
	Expand int
}

// Model is a reactive view over collections. Watched collections are
// loaded once, then kept current from realtime change events; every
// object is normalized through a per-model cache so the same server
// object is always the same pointer, and updates merge in place.
type Model struct {
	service  *ObjectService
	users    *UserService
	realtime *RealtimeConnection
	log      *zap.Logger
	hub      *eventhub.Hub[*ModelEvent]
	channels func(name, filter string) *Channel

	mu            sync.Mutex
	observers     map[string]*arrayObserver
	cache         map[string]*Object
	currentUser   *User
	status        ConnectionStatus
	wasConnected  bool
	connWatched   bool
	statusWatched bool
	userWatched   bool
}

func newModel(service *ObjectService, users *UserService, realtime *RealtimeConnection, log *zap.Logger) *Model {
	m := &Model{
		service:   service,
		users:     users,
		realtime:  realtime,
		log:       log,
		hub:       eventhub.New[*ModelEvent](),
		observers: map[string]*arrayObserver{},
		cache:     map[string]*Object{},
	}
	m.channels = func(name, filter string) *Channel {
		return newChannel(name, filter, realtime, service)
	}
	return m
}

// On registers a handler for "change" or "error" events. The returned
// function removes the handler.
func (m *Model) On(eventType string, handler func(*ModelEvent)) func() {
	return m.hub.On(eventType, handler)
}

// Watch loads the named collection and keeps it updated. The names
// "status" and "currentUser" are reserved and watch the connection
// status and the logged-in user instead of a collection. Watching a
// name that is already watched replaces the previous observer and its
// options.
func (m *Model) Watch(ctx context.Context, name string) error {
	return m.WatchWith(ctx, name, WatchOptions{})
}

func (m *Model) WatchWith(ctx context.Context, name string, opt WatchOptions) error {
	switch name {
	case "status":
		m.watchStatus()
		return nil
	case "currentUser":
		m.watchCurrentUser()
		return nil
	}

	collection := opt.Collection
	if collection == "" {
		collection = name
	}
	obs := &arrayObserver{
		model:         m,
		name:          name,
		collection:    collection,
		order:         opt.Order,
		filter:        opt.Filter,
		expand:        opt.Expand,
		watchedRels:   map[string]bool{},
		expandedDepth: map[string]int{},
	}

	m.mu.Lock()
	replaced := m.observers[name]
	m.observers[name] = obs
	m.mu.Unlock()
	if replaced != nil {
		replaced.teardown()
	}

	m.watchConnection()
	err := obs.load(ctx)
	obs.connect()
	if err != nil {
		// The observer stays registered with an empty list; realtime
		// events and the next reload can still fill it.
		m.dispatchError(name, err)
		return err
	}
	m.dispatchChange(name)
	return nil
}

// Objects returns a copy of the watched collection's current objects.
func (m *Model) Objects(name string) []*Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	obs, ok := m.observers[name]
	if !ok {
		return nil
	}
	out := make([]*Object, len(obs.objects))
	copy(out, obs.objects)
	return out
}

func (m *Model) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Model) CurrentUser() *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentUser
}

// Normalize folds the object into the model cache. The first object
// seen for a given id becomes canonical; later copies merge into it in
// place, so watchers holding the pointer see the update. With depth > 0
// related objects are normalized too, replacing property values with
// their canonical pointers.
func (m *Model) Normalize(o *Object, depth int) *Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.normalizeLocked(o, depth)
}

func (m *Model) normalizeLocked(o *Object, depth int) *Object {
	if o == nil || o.ID() == "" {
		return o
	}
	key := o.collection + "/" + o.ID()
	canonical, ok := m.cache[key]
	if !ok {
		m.cache[key] = o
		canonical = o
	} else if canonical != o {
		canonical.importValues(o)
	}
	if depth > 0 {
		for property := range canonical.relations {
			switch value := canonical.properties[property].(type) {
			case *Object:
				canonical.properties[property] = m.normalizeLocked(value, depth-1)
			case []*Object:
				for i, child := range value {
					value[i] = m.normalizeLocked(child, depth-1)
				}
			case []any:
				for i, item := range value {
					if child, ok := item.(*Object); ok {
						value[i] = m.normalizeLocked(child, depth-1)
					}
				}
			}
		}
	}
	return canonical
}

func (m *Model) dispatchChange(name string) {
	m.hub.Dispatch("change", &ModelEvent{Type: "change", Name: name})
}

func (m *Model) dispatchError(name string, err error) {
	m.log.Debug("model error", zap.String("name", name), zap.Error(err))
	m.hub.Dispatch("error", &ModelEvent{Type: "error", Name: name, Err: err, Message: errorMessage(err)})
}

func (m *Model) watchStatus() {
	m.mu.Lock()
	m.statusWatched = true
	m.mu.Unlock()
	m.watchConnection()
}

// watchConnection mirrors the realtime status into the model and
// reloads every watched collection after a reconnect, since changes
// may have been missed while the socket was down. Channels resubscribe
// themselves on open.
func (m *Model) watchConnection() {
	m.mu.Lock()
	if m.connWatched {
		m.mu.Unlock()
		return
	}
	m.connWatched = true
	m.mu.Unlock()

	m.realtime.On("status", func(event *ChannelEvent) {
		status := statusFromString(fmt.Sprint(event.Message))
		m.mu.Lock()
		m.status = status
		reload := status == Connected && m.wasConnected
		if status == Connected {
			m.wasConnected = true
		}
		watched := m.statusWatched
		m.mu.Unlock()

		if watched {
			m.dispatchChange("status")
		}
		if reload {
			go m.reload()
		}
	})
	m.realtime.Connect(nil)
}

func statusFromString(s string) ConnectionStatus {
	switch s {
	case "connecting":
		return Connecting
	case "connected":
		return Connected
	}
	return Disconnected
}

func (m *Model) reload() {
	m.mu.Lock()
	observers := make([]*arrayObserver, 0, len(m.observers))
	for _, obs := range m.observers {
		observers = append(observers, obs)
	}
	m.mu.Unlock()

	for _, obs := range observers {
		if err := obs.load(context.Background()); err != nil {
			m.dispatchError(obs.name, err)
			continue
		}
		m.dispatchChange(obs.name)
	}
}

func (m *Model) watchCurrentUser() {
	m.mu.Lock()
	if m.userWatched {
		m.mu.Unlock()
		return
	}
	m.userWatched = true
	m.currentUser = m.users.CurrentUser()
	m.mu.Unlock()

	update := func(event *Event) {
		m.mu.Lock()
		m.currentUser = event.User
		m.mu.Unlock()
		m.dispatchChange("currentUser")
	}
	m.users.On("login", update)
	m.users.On("signup", update)
	m.users.On("logout", update)

	// Profile edits arrive as users collection updates; only the one
	// matching the logged-in user's id touches currentUser.
	channel := m.channels("objects/"+usersCollection, "")
	channel.On("object.updated", func(event *ChannelEvent) {
		if event.Object == nil {
			return
		}
		m.mu.Lock()
		current := m.currentUser
		match := current != nil && current.ID() == event.Object.ID()
		if match {
			current.object.importValues(event.Object)
		}
		m.mu.Unlock()
		if match {
			m.dispatchChange("currentUser")
		}
	})
}

// arrayObserver keeps one watched collection sorted and current.
type arrayObserver struct {
	model      *Model
	name       string
	collection string
	order      string
	filter     string
	expand     int

	objects       []*Object
	expandedDepth map[string]int
	watchedRels   map[string]bool
	offs          []func()
}

func (obs *arrayObserver) load(ctx context.Context) error {
	opt := Options{ExpandDepth: obs.expand}
	var (
		found []*Object
		err   error
	)
	if obs.filter != "" {
		found, err = obs.model.service.Find(ctx, obs.collection, obs.filter, opt)
	} else {
		found, err = obs.model.service.FindAll(ctx, obs.collection, opt)
	}
	if err != nil {
		return err
	}

	obs.model.mu.Lock()
	objects := make([]*Object, 0, len(found))
	for _, o := range found {
		normalized := obs.model.normalizeLocked(o, obs.expand)
		obs.recordDepthLocked(normalized, obs.expand)
		objects = append(objects, normalized)
	}
	obs.objects = objects
	obs.sortLocked()
	obs.model.mu.Unlock()

	obs.registerRelations(found)
	return nil
}

func (obs *arrayObserver) connect() {
	channel := obs.model.channels("objects/"+obs.collection, obs.filter)
	offs := []func(){
		channel.On("object.created", func(event *ChannelEvent) { obs.created(event) }),
		channel.On("object.updated", func(event *ChannelEvent) { obs.updated(event) }),
		channel.On("object.deleted", func(event *ChannelEvent) { obs.deleted(event) }),
		channel.On("error", func(event *ChannelEvent) {
			obs.model.dispatchError(obs.name, fmt.Errorf("%s", event.Error))
		}),
	}
	obs.model.mu.Lock()
	obs.offs = append(obs.offs, offs...)
	obs.model.mu.Unlock()
}

// teardown detaches a replaced observer's realtime handlers so only the
// replacement keeps reacting to events.
func (obs *arrayObserver) teardown() {
	obs.model.mu.Lock()
	offs := obs.offs
	obs.offs = nil
	obs.model.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

// recordDepthLocked remembers how deep each object in an expanded tree
// was resolved, so a later realtime update can re-fetch it at the same
// depth. Children count one level shallower than their parent.
func (obs *arrayObserver) recordDepthLocked(o *Object, depth int) {
	if o == nil || o.ID() == "" {
		return
	}
	obs.expandedDepth[o.ID()] = depth
	if depth <= 0 {
		return
	}
	for property := range o.relations {
		switch value := o.properties[property].(type) {
		case *Object:
			obs.recordDepthLocked(value, depth-1)
		case []*Object:
			for _, child := range value {
				obs.recordDepthLocked(child, depth-1)
			}
		case []any:
			for _, item := range value {
				if child, ok := item.(*Object); ok {
					obs.recordDepthLocked(child, depth-1)
				}
			}
		}
	}
}

func (obs *arrayObserver) created(event *ChannelEvent) {
	if event.Object == nil {
		return
	}
	obs.model.mu.Lock()
	o := obs.model.normalizeLocked(event.Object, 0)
	if obs.indexOfLocked(o.ID()) < 0 {
		obs.objects = append(obs.objects, o)
		obs.expandedDepth[o.ID()] = 0
		obs.sortLocked()
	}
	obs.model.mu.Unlock()
	obs.model.dispatchChange(obs.name)
}

func (obs *arrayObserver) updated(event *ChannelEvent) {
	if event.Object == nil {
		return
	}
	obs.applyUpdate(event.Object)
}

// applyUpdate merges an updated copy into the canonical object. If the
// object was loaded with expanded relations the bare update payload
// would clobber them with ids, so it is re-fetched from the server at
// the recorded depth instead. Related objects go through the same path
// with the depth they were expanded to.
func (obs *arrayObserver) applyUpdate(incoming *Object) {
	id := incoming.ID()

	obs.model.mu.Lock()
	depth := obs.expandedDepth[id]
	obs.model.mu.Unlock()

	if depth > 0 {
		fetched, err := obs.model.service.FindByID(context.Background(), incoming.collection, id, Options{ExpandDepth: depth})
		if err != nil {
			obs.model.dispatchError(obs.name, err)
			return
		}
		incoming = fetched
	}

	obs.model.mu.Lock()
	normalized := obs.model.normalizeLocked(incoming, depth)
	obs.recordDepthLocked(normalized, depth)
	obs.sortLocked()
	obs.model.mu.Unlock()

	obs.registerRelations([]*Object{incoming})
	obs.model.dispatchChange(obs.name)
}

func (obs *arrayObserver) deleted(event *ChannelEvent) {
	id := ""
	if event.Object != nil {
		id = event.Object.ID()
	} else if event.Data != nil {
		id, _ = event.Data[propertyID].(string)
	}
	if id == "" {
		return
	}
	obs.model.mu.Lock()
	index := obs.indexOfLocked(id)
	if index >= 0 {
		obs.objects = append(obs.objects[:index], obs.objects[index+1:]...)
	}
	obs.model.mu.Unlock()
	if index >= 0 {
		obs.model.dispatchChange(obs.name)
	}
}

func (obs *arrayObserver) indexOfLocked(id string) int {
	for i, o := range obs.objects {
		if o.ID() == id {
			return i
		}
	}
	return -1
}

// registerRelations watches the collections referenced by expanded
// relations at every depth, one channel per collection, so edits to
// related objects update the expanded copies in the cache.
func (obs *arrayObserver) registerRelations(objects []*Object) {
	if obs.expand == 0 {
		return
	}
	collections := map[string]bool{}
	obs.model.mu.Lock()
	for _, o := range objects {
		obs.collectRelationsLocked(o, collections)
	}
	obs.model.mu.Unlock()

	for collection := range collections {
		channel := obs.model.channels("objects/"+collection, "")
		off := channel.On("object.updated", func(event *ChannelEvent) {
			if event.Object == nil {
				return
			}
			obs.model.mu.Lock()
			key := event.Object.collection + "/" + event.Object.ID()
			_, known := obs.model.cache[key]
			obs.model.mu.Unlock()
			if known {
				obs.applyUpdate(event.Object)
			}
		})
		obs.model.mu.Lock()
		obs.offs = append(obs.offs, off)
		obs.model.mu.Unlock()
	}
}

func (obs *arrayObserver) collectRelationsLocked(o *Object, collections map[string]bool) {
	if o == nil {
		return
	}
	for property, rel := range o.relations {
		if rel.collection != "" && rel.collection != obs.collection && !obs.watchedRels[rel.collection] {
			obs.watchedRels[rel.collection] = true
			collections[rel.collection] = true
		}
		switch value := o.properties[property].(type) {
		case *Object:
			obs.collectRelationsLocked(value, collections)
		case []*Object:
			for _, child := range value {
				obs.collectRelationsLocked(child, collections)
			}
		case []any:
			for _, item := range value {
				if child, ok := item.(*Object); ok {
					obs.collectRelationsLocked(child, collections)
				}
			}
		}
	}
}

func (obs *arrayObserver) sortLocked() {
	column, desc := obs.sortColumn()
	sort.SliceStable(obs.objects, func(i, j int) bool {
		a := sortValue(obs.objects[i], column)
		b := sortValue(obs.objects[j], column)
		if desc {
			return b < a
		}
		return a < b
	})
}

func (obs *arrayObserver) sortColumn() (string, bool) {
	column := obs.order
	if column == "" {
		column = "-created"
	}
	desc := strings.HasPrefix(column, "-")
	column = strings.TrimPrefix(column, "-")
	switch column {
	case "created":
		column = propertyCreated
	case "updated":
		column = propertyUpdated
	}
	return column, desc
}

func sortValue(o *Object, column string) string {
	switch value := o.Get(column).(type) {
	case nil:
		return ""
	case string:
		return value
	default:
		return fmt.Sprint(value)
	}
}
