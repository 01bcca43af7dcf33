// Package simsrv is an in-memory, wire-compatible stand-in for the
// Appstax backend: schemaless collections with relations and files,
// user accounts with token sessions, and realtime change broadcasts.
// It backs the appstax-sim command and the client integration tests.
package simsrv

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Object is a stored record.
type Object map[string]any

var (
	ErrUserExists = errors.New("user already exists")
	ErrBadLogin   = errors.New("invalid username and/or password")
	ErrNotFound   = errors.New("object not found")
)

type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]Object
	order       map[string][]string
	files       map[string][]byte
	passwords   map[string]string
	sessions    map[string]string
	rtSessions  map[string]bool
	grants      []map[string]any
	revokes     []map[string]any
}

func NewStore() *Store {
	return &Store{
		collections: make(map[string]map[string]Object),
		order:       make(map[string][]string),
		files:       make(map[string][]byte),
		passwords:   make(map[string]string),
		sessions:    make(map[string]string),
		rtSessions:  make(map[string]bool),
	}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (s *Store) Insert(collection string, props map[string]any) Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(collection, props)
}

func (s *Store) insertLocked(collection string, props map[string]any) Object {
	obj := Object{}
	applyProperties(obj, props)
	id := uuid.NewString()
	now := timestamp()
	obj["sysObjectId"] = id
	obj["sysCreated"] = now
	obj["sysUpdated"] = now

	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]Object)
	}
	s.collections[collection][id] = obj
	s.order[collection] = append(s.order[collection], id)
	return cloneObject(obj)
}

func (s *Store) Update(collection, id string, props map[string]any) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	applyProperties(obj, props)
	obj["sysUpdated"] = timestamp()
	return cloneObject(obj), nil
}

func (s *Store) Get(collection, id string) (Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneObject(obj), nil
}

// List returns the collection in insertion order.
func (s *Store) List(collection string) []Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[collection]
	out := make([]Object, 0, len(ids))
	for _, id := range ids {
		if obj, ok := s.collections[collection][id]; ok {
			out = append(out, cloneObject(obj))
		}
	}
	return out
}

func (s *Store) Delete(collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[collection][id]; !ok {
		return ErrNotFound
	}
	delete(s.collections[collection], id)
	ids := s.order[collection]
	for i, existing := range ids {
		if existing == id {
			s.order[collection] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// Expand inlines related objects in place of their ids, depth levels
// deep. The stored relation does not record the target collection, so
// ids are resolved across all collections.
func (s *Store) Expand(obj Object, depth int) Object {
	if depth <= 0 {
		return obj
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expandLocked(obj, depth)
}

func (s *Store) expandLocked(obj Object, depth int) Object {
	if depth <= 0 {
		return obj
	}
	for key, value := range obj {
		rel, ok := value.(map[string]any)
		if !ok || rel["sysDatatype"] != "relation" {
			continue
		}
		expanded := map[string]any{
			"sysDatatype":     "relation",
			"sysRelationType": rel["sysRelationType"],
			"sysCollection":   rel["sysCollection"],
		}
		items := make([]any, 0)
		for _, id := range stringList(rel["sysObjects"]) {
			if found := s.findByIDLocked(id); found != nil {
				items = append(items, map[string]any(s.expandLocked(cloneObject(found), depth-1)))
			} else {
				items = append(items, id)
			}
		}
		expanded["sysObjects"] = items
		obj[key] = expanded
	}
	return obj
}

func (s *Store) findByIDLocked(id string) Object {
	for _, objects := range s.collections {
		if obj, ok := objects[id]; ok {
			return obj
		}
	}
	return nil
}

// SaveFile stores uploaded file data for an object property.
func (s *Store) SaveFile(collection, id, property, filename string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[fileKey(collection, id, property, filename)] = data
	if obj, ok := s.collections[collection][id]; ok {
		obj[property] = map[string]any{"sysDatatype": "file", "filename": filename}
	}
}

func (s *Store) File(collection, id, property, filename string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[fileKey(collection, id, property, filename)]
	return data, ok
}

func fileKey(parts ...string) string {
	return strings.Join(parts, "/")
}

// CreateUser registers an account and stores its profile object in the
// users collection.
func (s *Store) CreateUser(username, password string, props map[string]any) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.passwords[username]; exists {
		return nil, ErrUserExists
	}
	s.passwords[username] = password
	merged := map[string]any{"sysUsername": username}
	for key, value := range props {
		if key == "sysPassword" {
			continue
		}
		merged[key] = value
	}
	return s.insertLocked("users", merged), nil
}

func (s *Store) Authenticate(username, password string) (Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.passwords[username]
	if !ok || stored != password {
		return nil, ErrBadLogin
	}
	if obj := s.userByUsernameLocked(username); obj != nil {
		return obj, nil
	}
	return nil, ErrBadLogin
}

func (s *Store) UserByUsername(username string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj := s.userByUsernameLocked(username)
	return obj, obj != nil
}

func (s *Store) userByUsernameLocked(username string) Object {
	for _, obj := range s.collections["users"] {
		if obj["sysUsername"] == username {
			return cloneObject(obj)
		}
	}
	return nil
}

func (s *Store) SetPassword(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.passwords[username]; !exists {
		return ErrBadLogin
	}
	s.passwords[username] = password
	return nil
}

func (s *Store) AddSession(id, username string) {
	s.mu.Lock()
	s.sessions[id] = username
	s.mu.Unlock()
}

func (s *Store) RemoveSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Store) SessionUser(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	username, ok := s.sessions[id]
	return username, ok
}

func (s *Store) CreateRealtimeSession() string {
	id := uuid.NewString()
	s.mu.Lock()
	s.rtSessions[id] = true
	s.mu.Unlock()
	return id
}

func (s *Store) ValidRealtimeSession(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rtSessions[id]
}

// RecordPermissions keeps granted and revoked object permissions so
// tests can assert what the client sent.
func (s *Store) RecordPermissions(grants, revokes []map[string]any) {
	s.mu.Lock()
	s.grants = append(s.grants, grants...)
	s.revokes = append(s.revokes, revokes...)
	s.mu.Unlock()
}

func (s *Store) Grants() []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]map[string]any, len(s.grants))
	copy(out, s.grants)
	return out
}

// applyProperties writes incoming properties onto the stored object.
// Relation diffs ({sysRelationChanges:{additions,removals}}) mutate the
// stored id list instead of replacing the value.
func applyProperties(obj Object, props map[string]any) {
	for key, value := range props {
		if details, ok := value.(map[string]any); ok {
			if changes, ok := details["sysRelationChanges"].(map[string]any); ok {
				obj[key] = applyRelationChanges(obj[key], changes)
				continue
			}
		}
		obj[key] = value
	}
}

func applyRelationChanges(current any, changes map[string]any) map[string]any {
	rel, _ := current.(map[string]any)
	if rel == nil || rel["sysDatatype"] != "relation" {
		rel = map[string]any{"sysDatatype": "relation", "sysRelationType": "array", "sysCollection": ""}
	}
	ids := stringList(rel["sysObjects"])
	for _, id := range stringList(changes["additions"]) {
		if !containsString(ids, id) {
			ids = append(ids, id)
		}
	}
	removals := stringList(changes["removals"])
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if !containsString(removals, id) {
			kept = append(kept, id)
		}
	}
	items := make([]any, len(kept))
	for i, id := range kept {
		items[i] = id
	}
	rel["sysObjects"] = items
	return rel
}

func stringList(value any) []string {
	switch list := value.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func cloneObject(obj Object) Object {
	out := make(Object, len(obj))
	for key, value := range obj {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	}
	return value
}
