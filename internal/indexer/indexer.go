// Package indexer keeps the full-text search index in step with the catalog
// store. The store is always authoritative: the whole index can be rebuilt
// from active records at any time.

package indexer

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nfhub/nf-catalog/cfg"
	"github.com/nfhub/nf-catalog/internal/model"
	"github.com/nfhub/nf-catalog/pkg/log"
	"github.com/nfhub/nf-catalog/pkg/search"
)

// RecordSource is the read-only slice of the store the indexer consumes.
type RecordSource interface {
	ListActive(ctx context.Context) ([]model.CatalogRecord, error)
	ListByIDs(ctx context.Context, ids []int64) ([]model.CatalogRecord, error)
}

// SearchClient is the slice of the search service the indexer consumes.
// Satisfied by *search.Client.
type SearchClient interface {
	IndexDocument(ctx context.Context, index, id string, doc interface{}) error
	DeleteDocument(ctx context.Context, index, id string) error
	RecreateIndex(ctx context.Context, index string, mapping map[string]interface{}) error
	Bulk(ctx context.Context, body io.Reader) error
	Search(ctx context.Context, index string, query map[string]interface{}) (*search.SearchResponse, error)
}

// Document is the disposable search projection of one catalog record.
type Document struct {
	FullName    string   `json:"full_name"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Topics      []string `json:"topics"`
}

type Indexer struct {
	Logger  log.Logger
	Config  *cfg.Config
	Client  SearchClient
	Records RecordSource
}

func NewIndexer(logger log.Logger, config *cfg.Config, client SearchClient, records RecordSource) (*Indexer, error) {
	return &Indexer{
		Logger:  logger,
		Config:  config,
		Client:  client,
		Records: records,
	}, nil
}

func (i *Indexer) index() string {
	return i.Config.OpenSearch.Index
}

func documentFor(rec *model.CatalogRecord) Document {
	// Curated overrides are part of what users should find when searching.
	model.ApplyCurated(rec)
	return Document{
		FullName:    rec.FullName,
		Title:       rec.Title,
		Description: rec.Description,
		Topics:      rec.TopicList(),
	}
}

func indexMapping() map[string]interface{} {
	return map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"full_name":   map[string]interface{}{"type": "text"},
				"title":       map[string]interface{}{"type": "text"},
				"description": map[string]interface{}{"type": "text"},
				"topics":      map[string]interface{}{"type": "keyword"},
			},
		},
	}
}

// Rebuild recreates the whole index from the store's active records. This is
// the ground-truth recovery path when incremental updates are suspected
// inconsistent.
func (i *Indexer) Rebuild(ctx context.Context) error {
	records, err := i.Records.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active records: %w", err)
	}

	if err := i.Client.RecreateIndex(ctx, i.index(), indexMapping()); err != nil {
		return fmt.Errorf("failed to recreate index: %w", err)
	}

	if len(records) == 0 {
		i.Logger.Info(ctx, "Index rebuilt empty: no active records")
		return nil
	}

	var body strings.Builder
	for idx := range records {
		doc := documentFor(&records[idx])
		if err := search.BulkIndexLine(&body, i.index(), strconv.FormatInt(records[idx].ID, 10), doc); err != nil {
			return fmt.Errorf("failed to build bulk body: %w", err)
		}
	}
	if err := i.Client.Bulk(ctx, strings.NewReader(body.String())); err != nil {
		return fmt.Errorf("bulk index failed: %w", err)
	}

	i.Logger.Info(ctx, "Index rebuilt with %d documents", len(records))
	return nil
}

// Refresh recomputes index entries for the given ids. Records that are
// inactive or gone are removed from the index instead, so the index never
// serves records the catalog does not.
func (i *Indexer) Refresh(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	records, err := i.Records.ListByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to load records for refresh: %w", err)
	}

	found := make(map[int64]*model.CatalogRecord, len(records))
	for idx := range records {
		found[records[idx].ID] = &records[idx]
	}

	for _, id := range ids {
		docID := strconv.FormatInt(id, 10)
		rec, ok := found[id]
		if !ok || !rec.Active {
			if err := i.Client.DeleteDocument(ctx, i.index(), docID); err != nil {
				return fmt.Errorf("failed to delete document %s: %w", docID, err)
			}
			continue
		}
		if err := i.Client.IndexDocument(ctx, i.index(), docID, documentFor(rec)); err != nil {
			return fmt.Errorf("failed to index document %s: %w", docID, err)
		}
	}
	return nil
}

// Remove deletes the given ids from the index.
func (i *Indexer) Remove(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		docID := strconv.FormatInt(id, 10)
		if err := i.Client.DeleteDocument(ctx, i.index(), docID); err != nil {
			return fmt.Errorf("failed to delete document %s: %w", docID, err)
		}
	}
	return nil
}

// Search runs a free-text query over title, description, and topics and
// returns matching record ids ranked by relevance.
func (i *Indexer) Search(ctx context.Context, query string) ([]int64, error) {
	response, err := i.Client.Search(ctx, i.index(), map[string]interface{}{
		"size": 100,
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"title^2", "full_name^2", "description", "topics"},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(response.Hits.Hits))
	for _, hit := range response.Hits.Hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			i.Logger.Warn(ctx, "Skipping non-numeric document id %q in search result", hit.ID)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
