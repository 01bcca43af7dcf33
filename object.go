package appstax

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
)

type ObjectStatus int

const (
	StatusNew ObjectStatus = iota
	StatusSaving
	StatusSaved
	StatusModified
)

func (s ObjectStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusSaving:
		return "saving"
	case StatusSaved:
		return "saved"
	case StatusModified:
		return "modified"
	}
	return "unknown"
}

const (
	propertyID      = "sysObjectId"
	propertyCreated = "sysCreated"
	propertyUpdated = "sysUpdated"
)

const (
	relationSingle = "single"
	relationArray  = "array"
)

// relation tracks what the server currently associates with a property.
// knownIDs only changes after a successful save response, so save diffs
// are always computed against last-known server truth.
type relation struct {
	kind       string
	collection string
	knownIDs   []string
}

type permissionChange struct {
	Username    string
	Permissions []string
}

// Object is a single schemaless record in a remote collection. It is a
// mutable property bag with typed accessors, relation bookkeeping and
// save/refresh/expand operations. Objects are not safe for concurrent
// mutation; callers funnel writes through one goroutine.
type Object struct {
	service    *ObjectService
	collection string
	internalID string
	status     ObjectStatus
	properties map[string]any
	relations  map[string]*relation
	grants     []permissionChange
	revokes    []permissionChange
}

func (o *Object) Collection() string { return o.collection }

// InternalID is a process-local id, stable for the object's in-memory
// lifetime. It keys graph traversal for objects that have no server id.
func (o *Object) InternalID() string { return o.internalID }

func (o *Object) Status() ObjectStatus { return o.status }

// ID is the server-assigned object id, empty until the first save.
func (o *Object) ID() string {
	id, _ := o.properties[propertyID].(string)
	return id
}

func (o *Object) setID(id string) {
	o.properties[propertyID] = id
}

func (o *Object) Created() string { return o.String(propertyCreated) }
func (o *Object) Updated() string { return o.String(propertyUpdated) }

// Get resolves a dotted path, descending only through object-valued
// segments. Missing keys and non-object intermediate values yield nil.
func (o *Object) Get(path string) any {
	segments := strings.Split(path, ".")
	current := o
	for i, segment := range segments {
		value, ok := current.properties[segment]
		if !ok {
			return nil
		}
		if i == len(segments)-1 {
			return value
		}
		next, ok := value.(*Object)
		if !ok {
			return nil
		}
		current = next
	}
	return nil
}

func (o *Object) String(path string) string {
	value, _ := o.Get(path).(string)
	return value
}

func (o *Object) Number(path string) float64 {
	switch value := o.Get(path).(type) {
	case float64:
		return value
	case int:
		return float64(value)
	case int64:
		return float64(value)
	}
	return 0
}

func (o *Object) Bool(path string) bool {
	value, _ := o.Get(path).(bool)
	return value
}

// Object returns a single-relation property value, nil on mismatch.
func (o *Object) Object(path string) *Object {
	value, _ := o.Get(path).(*Object)
	return value
}

// Objects returns an array-relation property value, nil on mismatch.
func (o *Object) Objects(path string) []*Object {
	return objectSlice(o.Get(path))
}

func (o *Object) File(path string) *File {
	value, _ := o.Get(path).(*File)
	return value
}

func (o *Object) Array(path string) []any {
	value, _ := o.Get(path).([]any)
	return value
}

func (o *Object) Map(path string) map[string]any {
	value, _ := o.Get(path).(map[string]any)
	return value
}

// Set writes a property. A nil value removes the key. A saved object
// transitions to Modified; New and Saving are never downgraded.
func (o *Object) Set(key string, value any) {
	if value == nil {
		delete(o.properties, key)
	} else {
		o.properties[key] = value
	}
	if o.status == StatusSaved {
		o.status = StatusModified
	}
}

// Properties returns a shallow copy of the property map.
func (o *Object) Properties() map[string]any {
	out := make(map[string]any, len(o.properties))
	for key, value := range o.properties {
		out[key] = value
	}
	return out
}

// Grant stages permission grants for the given usernames. Staged changes
// are sent after the next successful save, then cleared.
func (o *Object) Grant(usernames []string, permissions []string) {
	for _, username := range usernames {
		o.grants = append(o.grants, permissionChange{Username: username, Permissions: permissions})
	}
}

// Revoke stages permission revocations, flushed like Grant.
func (o *Object) Revoke(usernames []string, permissions []string) {
	for _, username := range usernames {
		o.revokes = append(o.revokes, permissionChange{Username: username, Permissions: permissions})
	}
}

func (o *Object) GrantPublic(permissions []string)  { o.Grant([]string{"*"}, permissions) }
func (o *Object) RevokePublic(permissions []string) { o.Revoke([]string{"*"}, permissions) }

func (o *Object) Save(ctx context.Context) error {
	return o.service.Save(ctx, o)
}

// SaveAll saves the object and every object reachable through its
// relations, ordering saves so that related objects obtain server ids
// before they are referenced.
func (o *Object) SaveAll(ctx context.Context) error {
	return o.service.SaveGraph(ctx, o)
}

func (o *Object) Remove(ctx context.Context) error {
	return o.service.Remove(ctx, o)
}

// Refresh re-fetches the object by id and merges the returned properties
// over the current ones. Keys absent from the response are kept. Unsaved
// objects are a no-op.
func (o *Object) Refresh(ctx context.Context) error {
	if o.ID() == "" {
		return nil
	}
	found, err := o.service.FindByID(ctx, o.collection, o.ID(), Options{})
	if err != nil {
		return err
	}
	o.importValues(found)
	return nil
}

// Expand re-fetches the object with the given relation expand depth and
// merges the result.
func (o *Object) Expand(ctx context.Context, depth int) error {
	if o.ID() == "" {
		return ErrUnsavedObject
	}
	found, err := o.service.FindByID(ctx, o.collection, o.ID(), Options{ExpandDepth: depth})
	if err != nil {
		return err
	}
	o.importValues(found)
	return nil
}

// importValues merges all of other's properties over the receiver's,
// additively. Relation bookkeeping follows the incoming object.
func (o *Object) importValues(other *Object) {
	for key, value := range other.properties {
		o.properties[key] = value
	}
	for key, rel := range other.relations {
		if existing, ok := o.relations[key]; ok {
			existing.knownIDs = rel.knownIDs
			if existing.collection == "" {
				existing.collection = rel.collection
			}
		} else {
			o.relations[key] = &relation{kind: rel.kind, collection: rel.collection, knownIDs: rel.knownIDs}
		}
	}
}

func (o *Object) sortedPropertyKeys() []string {
	keys := make([]string, 0, len(o.properties))
	for key := range o.properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// relatedObjects returns every object directly referenced by a property,
// single relations first within each key, in sorted key order.
func (o *Object) relatedObjects() []*Object {
	var related []*Object
	for _, key := range o.sortedPropertyKeys() {
		if child, ok := o.properties[key].(*Object); ok {
			related = append(related, child)
			continue
		}
		related = append(related, objectSlice(o.properties[key])...)
	}
	return related
}

// detectUndeclaredRelations promotes properties holding objects to
// tracked relations. Runs before every save so that relations assigned
// without wire metadata still produce diff payloads.
func (o *Object) detectUndeclaredRelations() {
	for key, value := range o.properties {
		if _, declared := o.relations[key]; declared {
			continue
		}
		if child, ok := value.(*Object); ok {
			o.relations[key] = &relation{kind: relationSingle, collection: child.collection}
			continue
		}
		if children := objectSlice(value); len(children) > 0 {
			o.relations[key] = &relation{kind: relationArray, collection: children[0].collection}
		}
	}
}

// currentRelationIDs collects the server ids currently referenced by a
// relation property. Unsaved objects have no id and are excluded.
func (o *Object) currentRelationIDs(key string) []string {
	value, ok := o.properties[key]
	if !ok {
		return nil
	}
	var ids []string
	add := func(id string) {
		if id != "" {
			ids = append(ids, id)
		}
	}
	switch v := value.(type) {
	case string:
		add(v)
	case *Object:
		add(v.ID())
	case []string:
		for _, id := range v {
			add(id)
		}
	case []*Object:
		for _, child := range v {
			add(child.ID())
		}
	case []any:
		for _, item := range v {
			switch elem := item.(type) {
			case string:
				add(elem)
			case *Object:
				add(elem.ID())
			}
		}
	}
	return ids
}

func (o *Object) hasUnsavedRelations() bool {
	for _, related := range o.relatedObjects() {
		if related.ID() == "" {
			return true
		}
	}
	return false
}

func (o *Object) fileProperties() map[string]*File {
	files := map[string]*File{}
	for key, value := range o.properties {
		if file, ok := value.(*File); ok {
			files[key] = file
		}
	}
	return files
}

func (o *Object) hasUnsavedFiles() bool {
	for _, file := range o.fileProperties() {
		if file.status != FileSaved {
			return true
		}
	}
	return false
}

// propertiesForSaving serializes the property set for a save request:
// files as {sysDatatype, filename} stubs, relations as sysRelationChanges
// diffs against last-known server ids, everything else as-is.
func (o *Object) propertiesForSaving() map[string]any {
	o.detectUndeclaredRelations()
	out := make(map[string]any, len(o.properties))
	for key, value := range o.properties {
		if _, isRelation := o.relations[key]; isRelation {
			continue
		}
		if file, ok := value.(*File); ok {
			out[key] = map[string]any{"sysDatatype": "file", "filename": file.Filename}
			continue
		}
		out[key] = value
	}
	for key, rel := range o.relations {
		additions, removals := diffIDs(o.currentRelationIDs(key), rel.knownIDs)
		out[key] = map[string]any{
			"sysRelationChanges": map[string]any{
				"additions": additions,
				"removals":  removals,
			},
		}
	}
	return out
}

// relationSnapshot captures the ids referenced at save time, to commit
// into knownIDs if the save succeeds.
func (o *Object) relationSnapshot() map[string][]string {
	snapshot := make(map[string][]string, len(o.relations))
	for key := range o.relations {
		snapshot[key] = o.currentRelationIDs(key)
	}
	return snapshot
}

func (o *Object) applyRelationSnapshot(snapshot map[string][]string) {
	for key, ids := range snapshot {
		if rel, ok := o.relations[key]; ok {
			rel.knownIDs = ids
		}
	}
}

func diffIDs(current, known []string) (additions, removals []string) {
	additions = []string{}
	removals = []string{}
	knownSet := make(map[string]bool, len(known))
	for _, id := range known {
		knownSet[id] = true
	}
	currentSet := make(map[string]bool, len(current))
	for _, id := range current {
		currentSet[id] = true
		if !knownSet[id] {
			additions = append(additions, id)
		}
	}
	for _, id := range known {
		if !currentSet[id] {
			removals = append(removals, id)
		}
	}
	return additions, removals
}

func objectSlice(value any) []*Object {
	switch list := value.(type) {
	case []*Object:
		return list
	case []any:
		objects := make([]*Object, 0, len(list))
		for _, item := range list {
			child, ok := item.(*Object)
			if !ok {
				return nil
			}
			objects = append(objects, child)
		}
		if len(objects) == 0 {
			return nil
		}
		return objects
	}
	return nil
}

func newInternalID() string {
	return uuid.NewString()
}
