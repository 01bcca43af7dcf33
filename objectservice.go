package appstax

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ObjectService builds objects from wire payloads and performs the CRUD
// and query calls against the collection endpoints. It holds no state
// beyond the transport handle.
type ObjectService struct {
	client *apiClient
	log    *zap.Logger
}

func newObjectService(client *apiClient, log *zap.Logger) *ObjectService {
	return &ObjectService{client: client, log: log}
}

// Options tune a find request.
type Options struct {
	ExpandDepth int
	// Order is a property name, prefixed with "-" for descending.
	Order    string
	Page     int
	PageSize int
}

func (o Options) queryParams() map[string]string {
	query := map[string]string{}
	if o.ExpandDepth > 0 {
		query["expanddepth"] = strconv.Itoa(o.ExpandDepth)
	}
	if o.Order != "" {
		column, direction := o.Order, "asc"
		if strings.HasPrefix(column, "-") {
			column = column[1:]
			direction = "desc"
		}
		query["sortcolumn"] = column
		query["sortorder"] = direction
	}
	if o.Page > 0 || o.PageSize > 0 {
		query["paging"] = "yes"
		if o.Page > 0 {
			query["pagenum"] = strconv.Itoa(o.Page)
		}
		if o.PageSize > 0 {
			query["pagesize"] = strconv.Itoa(o.PageSize)
		}
	}
	return query
}

// Create instantiates a new, unsaved object in the given collection.
func (s *ObjectService) Create(collection string, properties map[string]any) *Object {
	return s.create(collection, properties, StatusNew)
}

func (s *ObjectService) create(collection string, properties map[string]any, status ObjectStatus) *Object {
	o := &Object{
		service:    s,
		collection: collection,
		internalID: newInternalID(),
		status:     status,
		properties: make(map[string]any, len(properties)),
		relations:  map[string]*relation{},
	}
	objectID, _ := properties[propertyID].(string)
	for key, value := range properties {
		parsed, keep := s.parseWireValue(o, objectID, key, value)
		if keep {
			o.properties[key] = parsed
		}
	}
	return o
}

// parseWireValue interprets per-property wire markers. Relation values
// become child objects (expanded) or bare id values (unexpanded) and
// register a relation descriptor; file values become *File with a
// derived download URL. The bool reports whether the property is kept:
// an empty single relation has no value.
func (s *ObjectService) parseWireValue(o *Object, objectID, key string, value any) (any, bool) {
	details, ok := value.(map[string]any)
	if !ok {
		return value, true
	}
	switch details["sysDatatype"] {
	case "relation":
		kind, _ := details["sysRelationType"].(string)
		collection, _ := details["sysCollection"].(string)
		rel := &relation{kind: kind, collection: collection}
		o.relations[key] = rel

		items, _ := details["sysObjects"].([]any)
		var expanded []*Object
		ids := []any{}
		for _, item := range items {
			switch elem := item.(type) {
			case string:
				ids = append(ids, elem)
				rel.knownIDs = append(rel.knownIDs, elem)
			case map[string]any:
				child := s.create(collection, elem, StatusSaved)
				expanded = append(expanded, child)
				if child.ID() != "" {
					rel.knownIDs = append(rel.knownIDs, child.ID())
				}
			}
		}
		if kind == relationSingle {
			if len(expanded) > 0 {
				return expanded[0], true
			}
			if len(ids) > 0 {
				return ids[0], true
			}
			return nil, false
		}
		if len(expanded) > 0 {
			return expanded, true
		}
		return ids, true
	case "file":
		filename, _ := details["filename"].(string)
		return savedFile(filename, s.fileURL(o.collection, objectID, key, filename)), true
	}
	return value, true
}

func (s *ObjectService) collectionURL(collection string) string {
	return s.client.urlFromPath("objects/", collection)
}

func (s *ObjectService) objectURL(o *Object) string {
	return s.client.urlFromPath("objects/", o.collection, "/", o.ID())
}

func (s *ObjectService) fileURL(collection, objectID, property, filename string) string {
	return s.client.urlFromPath("files/", collection, "/", objectID, "/", property, "/", filename)
}

// Save persists a single object: POST for new objects (multipart when
// unsaved file data is present), PUT for existing ones. On success the
// object adopts the server id, commits its relation diff and flushes
// staged permission changes; on failure it becomes Modified so local
// edits survive for a retry. A flush failure after the object itself
// saved is reported as ErrPermissionFlush; the object stays Saved.
func (s *ObjectService) Save(ctx context.Context, o *Object) error {
	return s.save(ctx, o, true)
}

func (s *ObjectService) save(ctx context.Context, o *Object, checkRelations bool) error {
	o.detectUndeclaredRelations()
	if checkRelations && o.hasUnsavedRelations() {
		return ErrUnsavedRelations
	}
	o.status = StatusSaving
	snapshot := o.relationSnapshot()
	props := o.propertiesForSaving()

	var (
		result map[string]any
		err    error
	)
	switch {
	case o.ID() == "" && o.hasUnsavedFiles():
		result, err = s.createWithFiles(ctx, o, props)
	case o.ID() == "":
		result, err = s.client.postJSON(ctx, s.collectionURL(o.collection), props)
	default:
		result, err = s.client.putJSON(ctx, s.objectURL(o), props)
		if err == nil {
			err = s.saveFiles(ctx, o)
		}
	}
	if err != nil {
		o.status = StatusModified
		return err
	}

	if id, ok := result[propertyID].(string); ok && id != "" {
		o.setID(id)
	}
	o.status = StatusSaved
	o.applyRelationSnapshot(snapshot)
	for key, file := range o.fileProperties() {
		if file.status != FileSaved {
			file.status = FileSaved
			file.URL = s.fileURL(o.collection, o.ID(), key, file.Filename)
		}
	}
	return s.flushPermissions(ctx, o)
}

func (s *ObjectService) createWithFiles(ctx context.Context, o *Object, props map[string]any) (map[string]any, error) {
	data, err := json.Marshal(props)
	if err != nil {
		return nil, err
	}
	files := o.fileProperties()
	keys := make([]string, 0, len(files))
	for key := range files {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]multipartPart, 0, len(keys)+1)
	for _, key := range keys {
		file := files[key]
		file.status = FileSaving
		parts = append(parts, multipartPart{
			Name:     key,
			Filename: file.Filename,
			MimeType: file.MimeType,
			Data:     file.Data,
		})
	}
	parts = append(parts, multipartPart{Name: "sysObjectData", Data: data})
	return s.client.postMultipart(ctx, s.collectionURL(o.collection), parts)
}

func (s *ObjectService) saveFiles(ctx context.Context, o *Object) error {
	files := o.fileProperties()
	keys := make([]string, 0, len(files))
	for key := range files {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		file := files[key]
		if file.status == FileSaved {
			continue
		}
		file.status = FileSaving
		url := s.fileURL(o.collection, o.ID(), key, file.Filename)
		if err := s.client.putData(ctx, url, file.Data, file.MimeType); err != nil {
			return err
		}
	}
	return nil
}

func (s *ObjectService) flushPermissions(ctx context.Context, o *Object) error {
	if len(o.grants)+len(o.revokes) == 0 {
		return nil
	}
	changes := func(list []permissionChange) []map[string]any {
		out := make([]map[string]any, 0, len(list))
		for _, change := range list {
			out = append(out, map[string]any{
				"sysObjectId": o.ID(),
				"username":    change.Username,
				"permissions": change.Permissions,
			})
		}
		return out
	}
	body := map[string]any{
		"grants":  changes(o.grants),
		"revokes": changes(o.revokes),
	}
	if _, err := s.client.postJSON(ctx, s.client.urlFromPath("permissions"), body); err != nil {
		return fmt.Errorf("%w: %w", ErrPermissionFlush, err)
	}
	o.grants, o.revokes = nil, nil
	return nil
}

// SaveMany saves the objects concurrently and waits for all of them.
// The first error by completion order is returned.
func (s *ObjectService) SaveMany(ctx context.Context, objects []*Object) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for _, o := range objects {
		wg.Add(1)
		go func(o *Object) {
			defer wg.Done()
			if err := s.Save(ctx, o); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(o)
	}
	wg.Wait()
	return firstErr
}

// SaveGraph saves the root and everything reachable through relations.
// Unsaved objects without outgoing relations are saved first so their
// ids exist before anything references them, then objects with outgoing
// relations, then the rest. The first error aborts the remaining phases.
// Each object is visited once, so cyclic references terminate; ids that
// were still unknown when a referrer saved are reported as additions on
// its next save.
func (s *ObjectService) SaveGraph(ctx context.Context, root *Object) error {
	all := collectGraph(root)
	var unsavedLeaves, outbound, rest []*Object
	for _, o := range all {
		o.detectUndeclaredRelations()
		switch {
		case len(o.relatedObjects()) == 0 && o.ID() == "":
			unsavedLeaves = append(unsavedLeaves, o)
		case len(o.relatedObjects()) > 0:
			outbound = append(outbound, o)
		default:
			rest = append(rest, o)
		}
	}
	for _, phase := range [][]*Object{unsavedLeaves, outbound, rest} {
		for _, o := range phase {
			if err := s.save(ctx, o, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func collectGraph(root *Object) []*Object {
	visited := map[string]bool{}
	queue := []*Object{root}
	var all []*Object
	for len(queue) > 0 {
		o := queue[0]
		queue = queue[1:]
		if visited[o.internalID] {
			continue
		}
		visited[o.internalID] = true
		all = append(all, o)
		queue = append(queue, o.relatedObjects()...)
	}
	return all
}

// Remove deletes the object by id.
func (s *ObjectService) Remove(ctx context.Context, o *Object) error {
	if o.ID() == "" {
		return ErrUnsavedObject
	}
	return s.client.delete(ctx, s.objectURL(o))
}

// FindAll fetches every object in the collection.
func (s *ObjectService) FindAll(ctx context.Context, collection string, opt Options) ([]*Object, error) {
	return s.findList(ctx, collection, "", opt)
}

// Find fetches the objects matching a filter string. The filter grammar
// is passed through to the backend untouched.
func (s *ObjectService) Find(ctx context.Context, collection, queryString string, opt Options) ([]*Object, error) {
	return s.findList(ctx, collection, queryString, opt)
}

// FindWith matches exact property values, AND-combined, keys in sorted
// order for a deterministic query string.
func (s *ObjectService) FindWith(ctx context.Context, collection string, propertyValues map[string]string, opt Options) ([]*Object, error) {
	query := NewQuery()
	keys := make([]string, 0, len(propertyValues))
	for key := range propertyValues {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		query.StringEquals(key, propertyValues[key])
	}
	return s.Find(ctx, collection, query.QueryString(), opt)
}

// Search matches substrings across properties, OR-combined.
func (s *ObjectService) Search(ctx context.Context, collection string, propertyValues map[string]string, opt Options) ([]*Object, error) {
	query := NewQuery()
	query.LogicalOperator = "or"
	keys := make([]string, 0, len(propertyValues))
	for key := range propertyValues {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		query.StringContains(key, propertyValues[key])
	}
	return s.Find(ctx, collection, query.QueryString(), opt)
}

// SearchProperties searches one string across the given properties.
func (s *ObjectService) SearchProperties(ctx context.Context, collection, search string, properties []string, opt Options) ([]*Object, error) {
	propertyValues := make(map[string]string, len(properties))
	for _, property := range properties {
		propertyValues[property] = search
	}
	return s.Search(ctx, collection, propertyValues, opt)
}

// FindRelated matches objects whose relation property contains the id.
func (s *ObjectService) FindRelated(ctx context.Context, collection, property, id string, opt Options) ([]*Object, error) {
	query := NewQuery()
	query.RelationHas(property, id)
	return s.Find(ctx, collection, query.QueryString(), opt)
}

// FindQuery matches objects using a caller-built query.
func (s *ObjectService) FindQuery(ctx context.Context, collection string, build func(*Query), opt Options) ([]*Object, error) {
	query := NewQuery()
	build(query)
	return s.Find(ctx, collection, query.QueryString(), opt)
}

// FindByID fetches a single object.
func (s *ObjectService) FindByID(ctx context.Context, collection, id string, opt Options) (*Object, error) {
	url := s.client.urlFromTemplate("/objects/:collection/:id",
		map[string]string{"collection": collection, "id": id}, opt.queryParams())
	result, err := s.client.getJSON(ctx, url)
	if err != nil {
		return nil, err
	}
	return s.create(collection, result, StatusSaved), nil
}

func (s *ObjectService) findList(ctx context.Context, collection, queryString string, opt Options) ([]*Object, error) {
	query := opt.queryParams()
	if queryString != "" {
		query["filter"] = queryString
	}
	url := s.client.urlFromTemplate("/objects/:collection", map[string]string{"collection": collection}, query)
	result, err := s.client.getJSON(ctx, url)
	if err != nil {
		return nil, err
	}
	items, _ := result["objects"].([]any)
	objects := make([]*Object, 0, len(items))
	for _, item := range items {
		props, ok := item.(map[string]any)
		if !ok {
			continue
		}
		objects = append(objects, s.create(collection, props, StatusSaved))
	}
	return objects, nil
}
