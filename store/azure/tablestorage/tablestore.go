package tablestorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/storage"
	"github.com/google/uuid"

	"github.com/AndreasM009/agentstate-go/store"
)

const (
	storageAccountName = "storageAccount"
	storageAccountKey  = "storageAccountKey"
	tableNameSuffix    = "tableNameSuffix"

	recordTableName = "agentstaterecords"

	// timeout in seconds for a single table operation
	operationTimeout   = 10
	transitionAttempts = 5
)

type (
	tablestore struct {
		storageAccount    string
		storageAccountKey string
		client            storage.Client
		recordTableName   string
	}

	tablebody struct {
		Attributes map[string]any  `json:"attributes,omitempty"`
		EventLog   []store.Event   `json:"eventLog,omitempty"`
		Data       json.RawMessage `json:"data,omitempty"`
	}
)

// NewStore creates a new Azure Table Storage based entity store. Records are
// partitioned by kind and keyed by server id.
func NewStore() store.EntityStore {
	return &tablestore{}
}

func (s *tablestore) Init(ctx context.Context, metadata store.Metadata) error {
	s.storageAccount = metadata.Properties[storageAccountName]
	s.storageAccountKey = metadata.Properties[storageAccountKey]
	if s.storageAccount == "" || s.storageAccountKey == "" {
		return store.NewError(store.ValidationFailed, "table storage needs a storage account and key", nil)
	}
	s.recordTableName = fmt.Sprintf("%s%s", recordTableName, metadata.Properties[tableNameSuffix])

	client, err := storage.NewBasicClient(s.storageAccount, s.storageAccountKey)
	if err != nil {
		return store.NewError(store.ValidationFailed, "create table storage client", err)
	}

	s.client = client

	tbl := s.getRecordTable()

	if err := tbl.Get(operationTimeout, storage.FullMetadata); err != nil {
		if err := tbl.Create(operationTimeout, storage.EmptyPayload, nil); err != nil {
			return wrap("create table "+s.recordTableName, err)
		}
	}

	return nil
}

func (s *tablestore) Create(ctx context.Context, rec *store.Record) (*store.Record, error) {
	if err := store.ValidateNew(rec); err != nil {
		return nil, err
	}
	if err := ready(ctx); err != nil {
		return nil, err
	}

	entity := rec.Clone()
	entity.ServerID = uuid.New().String()
	entity.Version = 1
	entity.CreatedAt = time.Now().UTC()
	entity.UpdatedAt = entity.CreatedAt

	ety, err := s.makeTableEntity(entity)
	if err != nil {
		return nil, err
	}
	if err := ety.Insert(storage.EmptyPayload, nil); err != nil {
		return nil, wrap("insert entity", err)
	}
	return entity, nil
}

func (s *tablestore) GetByID(ctx context.Context, kind store.Kind, serverID string) (*store.Record, error) {
	if err := ready(ctx); err != nil {
		return nil, err
	}
	ety, err := s.load(kind, serverID)
	if err != nil || ety == nil {
		return nil, err
	}
	return toRecord(ety)
}

func (s *tablestore) GetByIndexedField(ctx context.Context, kind store.Kind, field store.IndexField, value string) ([]*store.Record, error) {
	if err := ready(ctx); err != nil {
		return nil, err
	}
	if field != store.ClientKeyField && field != store.OwnerField {
		return nil, store.NewError(store.ValidationFailed, fmt.Sprintf("field %s is not indexed", field), nil)
	}

	filter := fmt.Sprintf("PartitionKey eq %s and %s eq %s", quote(string(kind)), string(field), quote(value))
	result, err := s.getRecordTable().QueryEntities(operationTimeout, storage.FullMetadata, &storage.QueryOptions{Filter: filter})
	if err != nil {
		return nil, wrap("query entities", err)
	}

	records := []*store.Record{}
	for {
		for _, ety := range result.Entities {
			rec, err := toRecord(ety)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		if result.NextLink == nil {
			break
		}
		if result, err = result.NextResults(nil); err != nil {
			return nil, wrap("query entities", err)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ServerID < records[j].ServerID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (s *tablestore) Update(ctx context.Context, rec *store.Record) (*store.Record, error) {
	if err := store.ValidateExisting(rec); err != nil {
		return nil, err
	}
	if err := ready(ctx); err != nil {
		return nil, err
	}

	// load full metadata, the etag guards the update below
	ety, err := s.load(rec.Kind, rec.ServerID)
	if err != nil {
		return nil, err
	}
	if ety == nil {
		return nil, store.NewError(store.EntityNotFound, fmt.Sprintf("entity %s does not exist", rec.ServerID), nil)
	}

	version, ok := ety.Properties["version"].(int64)
	if !ok {
		return nil, store.NewError(store.SerializationFailed, "invalid type for version of "+rec.ServerID, nil)
	}
	// there is a newer version already stored
	if rec.Version != version {
		return nil, store.NewError(store.VersionConflict,
			fmt.Sprintf("entity %s has gone stale, version %d is stored but %d was sent", rec.ServerID, version, rec.Version), nil)
	}

	payload, err := encodeBody(rec)
	if err != nil {
		return nil, err
	}
	ety.Properties["body"] = payload
	ety.Properties["version"] = version + 1
	ety.Properties["updatedAt"] = time.Now().UTC().UnixNano()

	// if this fails with 412 the entity was updated by someone else since the load
	if err := ety.Update(false, nil); err != nil {
		return nil, wrap("update entity "+rec.ServerID, err)
	}
	return toRecord(ety)
}

func (s *tablestore) Delete(ctx context.Context, kind store.Kind, serverID string) error {
	if err := ready(ctx); err != nil {
		return err
	}
	ety := s.getRecordTable().GetEntityReference(string(kind), serverID)
	if err := ety.Delete(true, nil); err != nil && statusOf(err) != http.StatusNotFound {
		return wrap("delete entity "+serverID, err)
	}
	return nil
}

func (s *tablestore) Transition(ctx context.Context, kind store.Kind, serverID, name string) (*store.Record, error) {
	if err := ready(ctx); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		ety, err := s.load(kind, serverID)
		if err != nil {
			return nil, err
		}
		if ety == nil {
			return nil, store.NewError(store.EntityNotFound, fmt.Sprintf("entity %s does not exist", serverID), nil)
		}
		version, _ := ety.Properties["version"].(int64)
		ety.Properties["state"] = name
		ety.Properties["version"] = version + 1
		ety.Properties["updatedAt"] = time.Now().UTC().UnixNano()

		err = ety.Update(false, nil)
		if err == nil {
			return toRecord(ety)
		}
		if statusOf(err) != http.StatusPreconditionFailed || attempt >= transitionAttempts {
			return nil, wrap("transition entity "+serverID, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, store.NewError(store.Transient, "transition cancelled", err)
		}
	}
}

func (s *tablestore) Close() error {
	return nil
}

func (s *tablestore) load(kind store.Kind, serverID string) (*storage.Entity, error) {
	ety := s.getRecordTable().GetEntityReference(string(kind), serverID)
	if err := ety.Get(operationTimeout, storage.FullMetadata, nil); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, wrap("load entity "+serverID, err)
	}
	return ety, nil
}

func (s *tablestore) makeTableEntity(rec *store.Record) (*storage.Entity, error) {
	payload, err := encodeBody(rec)
	if err != nil {
		return nil, err
	}
	props := map[string]interface{}{
		"clientKey": rec.ClientKey,
		"appScope":  rec.AppScope,
		"ownerId":   rec.OwnerID,
		"version":   rec.Version,
		"state":     rec.State,
		"body":      payload,
		"createdAt": rec.CreatedAt.UnixNano(),
		"updatedAt": rec.UpdatedAt.UnixNano(),
	}

	e := s.getRecordTable().GetEntityReference(string(rec.Kind), rec.ServerID)
	e.Properties = props
	return e, nil
}

func (s *tablestore) getRecordTable() *storage.Table {
	svc := s.client.GetTableService()
	return svc.GetTableReference(s.recordTableName)
}

func toRecord(ety *storage.Entity) (*store.Record, error) {
	str := func(key string) string {
		v, _ := ety.Properties[key].(string)
		return v
	}
	i64 := func(key string) int64 {
		v, _ := ety.Properties[key].(int64)
		return v
	}

	rec := &store.Record{
		ServerID:  ety.RowKey,
		Kind:      store.Kind(ety.PartitionKey),
		ClientKey: str("clientKey"),
		AppScope:  str("appScope"),
		OwnerID:   str("ownerId"),
		Version:   i64("version"),
		State:     str("state"),
		CreatedAt: time.Unix(0, i64("createdAt")).UTC(),
		UpdatedAt: time.Unix(0, i64("updatedAt")).UTC(),
	}

	var b tablebody
	if payload := str("body"); payload != "" {
		if err := json.Unmarshal([]byte(payload), &b); err != nil {
			return nil, store.NewError(store.SerializationFailed, "decode entity "+rec.ServerID, err)
		}
	}
	rec.Attributes = b.Attributes
	rec.EventLog = b.EventLog
	rec.Data = b.Data
	return rec, nil
}

func encodeBody(rec *store.Record) (string, error) {
	payload, err := json.Marshal(tablebody{Attributes: rec.Attributes, EventLog: rec.EventLog, Data: rec.Data})
	if err != nil {
		return "", store.NewError(store.SerializationFailed, "encode entity "+rec.ServerID, err)
	}
	return string(payload), nil
}

func ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return store.NewError(store.Transient, "table storage call cancelled", err)
	}
	return nil
}

func quote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func statusOf(err error) int {
	var serviceErr storage.AzureStorageServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.StatusCode
	}
	var serviceErrPtr *storage.AzureStorageServiceError
	if errors.As(err, &serviceErrPtr) {
		return serviceErrPtr.StatusCode
	}
	return 0
}

func wrap(text string, err error) error {
	errorType := store.InternalError
	if status := statusOf(err); status != 0 {
		errorType = store.TypeForStatus(status)
	}
	return store.NewError(errorType, text, err)
}
