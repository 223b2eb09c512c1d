package tablestorage

import (
	"context"
	"errors"
	"flag"
	"testing"

	"github.com/Azure/azure-sdk-for-go/storage"
	"github.com/stretchr/testify/assert"

	"github.com/AndreasM009/agentstate-go/store"
	"github.com/AndreasM009/agentstate-go/store/storetest"
)

var (
	storageAccountFlag    *string
	storageAccountKeyFlag *string
	testMetadata          store.Metadata
	emptyTestMetadata     store.Metadata
)

func init() {
	storageAccountFlag = flag.String("storageaccount", "", "name of storage account to use")
	storageAccountKeyFlag = flag.String("storageaccountkey", "", "key of storage account to use")
	emptyTestMetadata.Properties = map[string]string{}
}

func initMetadata(t *testing.T, suffix string) {
	if *storageAccountFlag == "" {
		t.Skip("no storage account given, pass -storageaccount and -storageaccountkey")
	}
	testMetadata.Properties = map[string]string{
		storageAccountName: *storageAccountFlag,
		storageAccountKey:  *storageAccountKeyFlag,
		tableNameSuffix:    suffix,
	}
}

func destroyTestData(t *testing.T, s *tablestore) {
	err := s.getRecordTable().Delete(30, nil)
	assert.Nil(t, err)
}

func TestInit(t *testing.T) {
	// test empty connection info
	s := NewStore()
	err := s.Init(context.Background(), emptyTestMetadata)
	assert.NotNil(t, err)
	assert.True(t, store.IsValidation(err))

	initMetadata(t, "t1")
	s = NewStore()
	err = s.Init(context.Background(), testMetadata)
	assert.Nil(t, err)
	destroyTestData(t, s.(*tablestore))
}

func TestConformance(t *testing.T) {
	initMetadata(t, "t2")
	var opened []*tablestore
	storetest.Conformance(t, func(t *testing.T) store.EntityStore {
		s := NewStore()
		err := s.Init(context.Background(), testMetadata)
		assert.Nil(t, err)
		opened = append(opened, s.(*tablestore))
		return s
	})
	if len(opened) > 0 {
		destroyTestData(t, opened[0])
	}
}

func TestUpdateOptimisticConcurrencyControl(t *testing.T) {
	initMetadata(t, "t3")
	ctx := context.Background()
	s := NewStore()
	err := s.Init(ctx, testMetadata)
	assert.Nil(t, err)
	defer destroyTestData(t, s.(*tablestore))

	entity, err := s.Create(ctx, &store.Record{Kind: store.TaskKind, ClientKey: "t1", AppScope: "tests", OwnerID: "table"})
	assert.Nil(t, err)

	entity.Attributes = map[string]any{"greeting": "hello"}
	e, err := s.Update(ctx, entity)
	assert.Nil(t, err)
	assert.Equal(t, int64(2), e.Version)

	// try to update with old version
	e, err = s.Update(ctx, entity)
	assert.Nil(t, e)
	assert.True(t, store.IsConflict(err))
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "'session'", quote("session"))
	assert.Equal(t, "'o''brien'", quote("o'brien"))
}

func TestWrap(t *testing.T) {
	assert.True(t, store.IsConflict(wrap("update", storage.AzureStorageServiceError{StatusCode: 412})))
	assert.True(t, store.IsNotFound(wrap("load", storage.AzureStorageServiceError{StatusCode: 404})))
	assert.True(t, store.IsTransient(wrap("load", storage.AzureStorageServiceError{StatusCode: 503})))
	assert.Equal(t, store.InternalError, store.TypeOf(wrap("load", errors.New("dial tcp: timeout"))))
}
