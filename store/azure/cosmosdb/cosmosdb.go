package cosmosdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/a8m/documentdb"
	"github.com/google/uuid"

	"github.com/AndreasM009/agentstate-go/store"
)

// transitionAttempts bounds the etag retries of Transition
const transitionAttempts = 5

type cosmosconnectioninfo struct {
	URL       string `json:"url"`
	MasterKey string `json:"masterKey"`
	Database  string `json:"database"`
	Container string `json:"container"`
}

type cosmosdb struct {
	connectionInfo cosmosconnectioninfo
	database       *documentdb.Database
	container      *documentdb.Collection
	client         *documentdb.DocumentDB
}

// cosmosrecord is the document stored per record. The container is partitioned
// by entityId, which always equals the server id.
type cosmosrecord struct {
	documentdb.Document
	ID         string          `json:"id"`
	EntityID   string          `json:"entityId"`
	Kind       string          `json:"kind"`
	ClientKey  string          `json:"clientKey"`
	AppScope   string          `json:"appScope"`
	OwnerID    string          `json:"ownerId"`
	Version    int64           `json:"version"`
	State      string          `json:"state"`
	Attributes map[string]any  `json:"attributes,omitempty"`
	EventLog   []store.Event   `json:"eventLog,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// NewStore create a new comsosdb store
func NewStore() store.EntityStore {
	return &cosmosdb{}
}

func (c *cosmosdb) Init(ctx context.Context, metadata store.Metadata) error {
	s, err := json.Marshal(metadata.Properties)
	if err != nil {
		return err
	}

	var info cosmosconnectioninfo
	err = json.Unmarshal(s, &info)
	if err != nil {
		return err
	}
	if info.URL == "" || info.Database == "" || info.Container == "" {
		return store.NewError(store.ValidationFailed, "CosmosDB store needs url, database and container", nil)
	}
	c.connectionInfo = info

	client := documentdb.New(info.URL, &documentdb.Config{
		MasterKey: &documentdb.Key{
			Key: info.MasterKey,
		},
	})

	dbs, err := client.QueryDatabases(&documentdb.Query{
		Query: "SELECT * FROM ROOT r WHERE r.id=@id",
		Parameters: []documentdb.Parameter{
			{Name: "@id", Value: info.Database},
		},
	})

	if err != nil {
		return wrap("query databases", err)
	} else if len(dbs) == 0 {
		return fmt.Errorf("Database %s for CosmosDB entity store does not exist or was not found", info.Database)
	}

	c.database = &dbs[0]
	cntrs, err := client.QueryCollections(c.database.Self, &documentdb.Query{
		Query: "SELECT * FROM ROOT r WHERE r.id = @id",
		Parameters: []documentdb.Parameter{
			{Name: "@id", Value: info.Container},
		},
	})

	if err != nil {
		return wrap("query containers", err)
	} else if len(cntrs) == 0 {
		return fmt.Errorf("Container %s in Database %s for CosmosDB entity store not found", info.Container, info.Database)
	}

	c.container = &cntrs[0]
	c.client = client
	return nil
}

func (c *cosmosdb) Create(ctx context.Context, rec *store.Record) (*store.Record, error) {
	if err := store.ValidateNew(rec); err != nil {
		return nil, err
	}
	if err := c.ready(ctx); err != nil {
		return nil, err
	}

	entity := rec.Clone()
	entity.ServerID = uuid.New().String()
	entity.Version = 1
	entity.CreatedAt = time.Now().UTC()
	entity.UpdatedAt = entity.CreatedAt

	doc := toDocument(entity)
	_, err := c.client.CreateDocument(c.container.Self, doc, documentdb.PartitionKey(doc.EntityID))
	if err != nil {
		return nil, wrap("insert entity failed", err)
	}
	return entity, nil
}

func (c *cosmosdb) GetByID(ctx context.Context, kind store.Kind, serverID string) (*store.Record, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	doc, err := c.load(serverID)
	if err != nil || doc == nil {
		return nil, err
	}
	return doc.toRecord(), nil
}

func (c *cosmosdb) GetByIndexedField(ctx context.Context, kind store.Kind, field store.IndexField, value string) ([]*store.Record, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	var property string
	switch field {
	case store.ClientKeyField:
		property = "clientKey"
	case store.OwnerField:
		property = "ownerId"
	default:
		return nil, store.NewError(store.ValidationFailed, fmt.Sprintf("field %s is not indexed", field), nil)
	}

	docs := []cosmosrecord{}
	_, err := c.client.QueryDocuments(c.container.Self, &documentdb.Query{
		Query: fmt.Sprintf("SELECT * FROM ROOT r WHERE r.kind=@kind and r.%s=@value", property),
		Parameters: []documentdb.Parameter{
			{Name: "@kind", Value: string(kind)},
			{Name: "@value", Value: value},
		},
	}, &docs, documentdb.CrossPartition())
	if err != nil {
		return nil, wrap("failed to query entities", err)
	}

	result := make([]*store.Record, len(docs))
	for i := range docs {
		result[i] = docs[i].toRecord()
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ServerID < result[j].ServerID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (c *cosmosdb) Update(ctx context.Context, rec *store.Record) (*store.Record, error) {
	if err := store.ValidateExisting(rec); err != nil {
		return nil, err
	}
	if err := c.ready(ctx); err != nil {
		return nil, err
	}

	doc, err := c.load(rec.ServerID)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.Kind != string(rec.Kind) {
		return nil, store.NewError(store.EntityNotFound, fmt.Sprintf("entity %s does not exist", rec.ServerID), nil)
	}

	// check current version
	if doc.Version != rec.Version {
		return nil, store.NewError(store.VersionConflict,
			fmt.Sprintf("entity %s has gone stale, version %d is stored but %d was sent", rec.ServerID, doc.Version, rec.Version), nil)
	}

	doc.Attributes = store.CloneAttributes(rec.Attributes)
	doc.EventLog = rec.Clone().EventLog
	doc.Data = append(json.RawMessage(nil), rec.Data...)
	doc.Version++
	doc.UpdatedAt = time.Now().UTC()

	// the etag turns a concurrent writer between load and replace into a 412
	if err := c.replace(doc); err != nil {
		return nil, err
	}
	return doc.toRecord(), nil
}

func (c *cosmosdb) Delete(ctx context.Context, kind store.Kind, serverID string) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	doc, err := c.load(serverID)
	if err != nil {
		return err
	}
	if doc == nil || doc.Kind != string(kind) {
		return nil
	}
	_, err = c.client.DeleteDocument(doc.Self, documentdb.PartitionKey(doc.EntityID))
	if err != nil && errorTypeOf(err) != store.EntityNotFound {
		return wrap("failed to delete entity", err)
	}
	return nil
}

func (c *cosmosdb) Transition(ctx context.Context, kind store.Kind, serverID, name string) (*store.Record, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		doc, err := c.load(serverID)
		if err != nil {
			return nil, err
		}
		if doc == nil || doc.Kind != string(kind) {
			return nil, store.NewError(store.EntityNotFound, fmt.Sprintf("entity %s does not exist", serverID), nil)
		}
		doc.State = name
		doc.Version++
		doc.UpdatedAt = time.Now().UTC()

		err = c.replace(doc)
		if err == nil {
			return doc.toRecord(), nil
		}
		// a transition is not tied to a version, so a lost etag race is retried
		if !store.IsConflict(err) || attempt >= transitionAttempts {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, store.NewError(store.Transient, "transition cancelled", err)
		}
	}
}

func (c *cosmosdb) Close() error {
	return nil
}

func (c *cosmosdb) ready(ctx context.Context) error {
	if c.client == nil {
		return store.NewError(store.InternalError, "CosmosDB store is not initialized", nil)
	}
	if err := ctx.Err(); err != nil {
		return store.NewError(store.Transient, "CosmosDB call cancelled", err)
	}
	return nil
}

func (c *cosmosdb) load(serverID string) (*cosmosrecord, error) {
	docs := []cosmosrecord{}
	_, err := c.client.QueryDocuments(c.container.Self, &documentdb.Query{
		Query: "SELECT * FROM ROOT r WHERE r.id=@id",
		Parameters: []documentdb.Parameter{
			{Name: "@id", Value: serverID},
		},
	}, &docs, documentdb.PartitionKey(serverID))
	if err != nil {
		return nil, wrap("failed to load entity", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return &docs[0], nil
}

func (c *cosmosdb) replace(doc *cosmosrecord) error {
	options := []documentdb.CallOption{
		documentdb.PartitionKey(doc.EntityID),
		documentdb.IfMatch(doc.Etag),
	}
	if _, err := c.client.ReplaceDocument(doc.Self, doc, options...); err != nil {
		return wrap("failed to replace entity", err)
	}
	return nil
}

func toDocument(rec *store.Record) *cosmosrecord {
	return &cosmosrecord{
		ID:         rec.ServerID,
		EntityID:   rec.ServerID,
		Kind:       string(rec.Kind),
		ClientKey:  rec.ClientKey,
		AppScope:   rec.AppScope,
		OwnerID:    rec.OwnerID,
		Version:    rec.Version,
		State:      rec.State,
		Attributes: rec.Attributes,
		EventLog:   rec.EventLog,
		Data:       rec.Data,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}

func (d *cosmosrecord) toRecord() *store.Record {
	rec := &store.Record{
		ServerID:   d.ID,
		Kind:       store.Kind(d.Kind),
		ClientKey:  d.ClientKey,
		AppScope:   d.AppScope,
		OwnerID:    d.OwnerID,
		Version:    d.Version,
		State:      d.State,
		Attributes: d.Attributes,
		EventLog:   d.EventLog,
		Data:       d.Data,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
	return rec.Clone()
}

// wrap translates a documentdb failure into an EntityStoreError. The service
// reports the HTTP status either as a number or by its name.
func wrap(text string, err error) error {
	return store.NewError(errorTypeOf(err), text, err)
}

func errorTypeOf(err error) store.ErrorType {
	var rqerror documentdb.RequestError
	if errors.As(err, &rqerror) {
		return errorTypeForCode(rqerror.Code)
	}
	var rqerrorPtr *documentdb.RequestError
	if errors.As(err, &rqerrorPtr) {
		return errorTypeForCode(rqerrorPtr.Code)
	}
	return store.InternalError
}

func errorTypeForCode(code string) store.ErrorType {
	if status, err := strconv.Atoi(code); err == nil {
		return store.TypeForStatus(status)
	}
	switch code {
	case "PreconditionFailed", "Conflict":
		return store.VersionConflict
	case "NotFound":
		return store.EntityNotFound
	case "BadRequest":
		return store.ValidationFailed
	case "TooManyRequests", "RequestTimeout", "ServiceUnavailable":
		return store.Transient
	}
	return store.InternalError
}
