package indexer

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfhub/nf-catalog/cfg"
	"github.com/nfhub/nf-catalog/internal/model"
	"github.com/nfhub/nf-catalog/pkg/log"
	"github.com/nfhub/nf-catalog/pkg/search"
)

type fakeSearchClient struct {
	indexed   map[string]Document
	deleted   []string
	recreated bool
	bulkBody  string
	hits      []search.SearchHit
}

func newFakeSearchClient() *fakeSearchClient {
	return &fakeSearchClient{indexed: map[string]Document{}}
}

func (f *fakeSearchClient) IndexDocument(ctx context.Context, index, id string, doc interface{}) error {
	f.indexed[id] = doc.(Document)
	return nil
}

func (f *fakeSearchClient) DeleteDocument(ctx context.Context, index, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeSearchClient) RecreateIndex(ctx context.Context, index string, mapping map[string]interface{}) error {
	f.recreated = true
	f.indexed = map[string]Document{}
	f.bulkBody = ""
	return nil
}

func (f *fakeSearchClient) Bulk(ctx context.Context, body io.Reader) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.bulkBody = string(b)
	return nil
}

func (f *fakeSearchClient) Search(ctx context.Context, index string, query map[string]interface{}) (*search.SearchResponse, error) {
	response := &search.SearchResponse{}
	response.Hits.Total.Value = len(f.hits)
	response.Hits.Hits = f.hits
	return response, nil
}

type fakeRecords struct {
	records map[int64]model.CatalogRecord
}

func (f *fakeRecords) ListActive(ctx context.Context) ([]model.CatalogRecord, error) {
	var out []model.CatalogRecord
	for _, rec := range f.records {
		if rec.Active {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeRecords) ListByIDs(ctx context.Context, ids []int64) ([]model.CatalogRecord, error) {
	var out []model.CatalogRecord
	for _, id := range ids {
		if rec, ok := f.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func testIndexer(t *testing.T, records map[int64]model.CatalogRecord) (*Indexer, *fakeSearchClient) {
	t.Helper()
	loader, err := cfg.NewMockLoader()
	require.NoError(t, err)
	config, err := loader.Load()
	require.NoError(t, err)
	logger, err := log.NewCslLogger()
	require.NoError(t, err)

	client := newFakeSearchClient()
	idx, err := NewIndexer(logger, config, client, &fakeRecords{records: records})
	require.NoError(t, err)
	return idx, client
}

func record(id int64, fullName string, active bool) model.CatalogRecord {
	return model.CatalogRecord{
		ID:            id,
		FullName:      fullName,
		Title:         fullName,
		Description:   "desc of " + fullName,
		Topics:        `["nextflow"]`,
		CuratedFields: "{}",
		Active:        active,
	}
}

func TestRebuild_IndexesOnlyActiveRecords(t *testing.T) {
	idx, client := testIndexer(t, map[int64]model.CatalogRecord{
		1: record(1, "a/a", true),
		2: record(2, "b/b", false),
	})

	require.NoError(t, idx.Rebuild(context.Background()))

	assert.True(t, client.recreated, "rebuild starts from a fresh index")
	assert.Contains(t, client.bulkBody, `"_id":"1"`)
	assert.NotContains(t, client.bulkBody, `"_id":"2"`, "inactive records never enter a rebuilt index")
	assert.NotContains(t, client.bulkBody, "b/b", "inactive record content must not be searchable")
}

func TestRebuild_NoActiveRecordsSkipsBulk(t *testing.T) {
	idx, client := testIndexer(t, map[int64]model.CatalogRecord{
		2: record(2, "b/b", false),
	})

	require.NoError(t, idx.Rebuild(context.Background()))

	assert.True(t, client.recreated)
	assert.Empty(t, client.bulkBody)
}

func TestRefresh_DeletesInactiveAndMissingRecords(t *testing.T) {
	idx, client := testIndexer(t, map[int64]model.CatalogRecord{
		1: record(1, "a/a", true),
		2: record(2, "b/b", false),
	})

	require.NoError(t, idx.Refresh(context.Background(), []int64{1, 2, 3}))

	assert.Contains(t, client.indexed, "1")
	assert.ElementsMatch(t, []string{"2", "3"}, client.deleted,
		"inactive and nonexistent ids are removed, never indexed")
}

func TestRefresh_NoIDsIsANoOp(t *testing.T) {
	idx, client := testIndexer(t, map[int64]model.CatalogRecord{})

	require.NoError(t, idx.Refresh(context.Background(), nil))

	assert.Empty(t, client.indexed)
	assert.Empty(t, client.deleted)
}

func TestRemove_DeletesEachID(t *testing.T) {
	idx, client := testIndexer(t, map[int64]model.CatalogRecord{})

	require.NoError(t, idx.Remove(context.Background(), []int64{7, 8}))

	assert.Equal(t, []string{"7", "8"}, client.deleted)
}

func TestSearch_ParsesNumericIDsAndSkipsGarbage(t *testing.T) {
	idx, client := testIndexer(t, map[int64]model.CatalogRecord{})
	client.hits = []search.SearchHit{
		{ID: "42", Score: 2.0},
		{ID: "not-a-number", Score: 1.5},
		{ID: "7", Score: 1.0},
	}

	ids, err := idx.Search(context.Background(), "nextflow")
	require.NoError(t, err)
	assert.Equal(t, []int64{42, 7}, ids)
}

func TestDocumentFor_DecodesTopics(t *testing.T) {
	rec := &model.CatalogRecord{
		FullName:      "owner/pipe",
		Title:         "pipe",
		Description:   "a pipeline",
		Topics:        `["genomics","nextflow"]`,
		CuratedFields: "{}",
	}

	doc := documentFor(rec)

	assert.Equal(t, "owner/pipe", doc.FullName)
	assert.Equal(t, []string{"genomics", "nextflow"}, doc.Topics)
}

func TestDocumentFor_SearchesCuratedValues(t *testing.T) {
	rec := &model.CatalogRecord{
		FullName:      "owner/pipe",
		Title:         "auto-title",
		Description:   "auto-description",
		CuratedFields: `{"title":"Curated Title"}`,
	}

	doc := documentFor(rec)

	assert.Equal(t, "Curated Title", doc.Title, "searches must find the curated value, not the raw one")
	assert.Equal(t, "auto-description", doc.Description)
}

func TestIndexMapping_CoversSearchFields(t *testing.T) {
	mapping := indexMapping()
	props := mapping["mappings"].(map[string]interface{})["properties"].(map[string]interface{})

	for _, field := range []string{"full_name", "title", "description", "topics"} {
		assert.Contains(t, props, field)
	}
}
