// Package search wraps the OpenSearch client used for the catalog's
// full-text index.
package search

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opensearch-project/opensearch-go"
	"github.com/opensearch-project/opensearch-go/opensearchapi"

	"github.com/nfhub/nf-catalog/cfg"
	"github.com/nfhub/nf-catalog/pkg/log"
)

// Client wraps the OpenSearch client
type Client struct {
	Logger log.Logger
	Config *cfg.Config
	client *opensearch.Client
}

// SearchHit is one document hit returned by a query.
type SearchHit struct {
	ID    string  `json:"_id"`
	Score float64 `json:"_score"`
}

// SearchResponse maps the subset of the OpenSearch search response we read.
type SearchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []SearchHit `json:"hits"`
	} `json:"hits"`
}

// NewClient creates a new OpenSearch client and verifies connectivity.
func NewClient(config *cfg.Config, logger log.Logger) (*Client, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{config.OpenSearch.Address},
		Transport: transport,
		Username:  config.OpenSearch.Username,
		Password:  config.OpenSearch.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenSearch client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to OpenSearch: %w", err)
	}
	defer info.Body.Close()
	logger.Info(context.Background(), "Connected to OpenSearch, status: %s", info.Status())

	return &Client{
		Logger: logger,
		Config: config,
		client: client,
	}, nil
}

// IndexDocument upserts a single document by id.
func (c *Client) IndexDocument(ctx context.Context, index, id string, doc interface{}) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	req := opensearchapi.IndexRequest{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return fmt.Errorf("index request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index request failed with status: %s", res.Status())
	}
	return nil
}

// DeleteDocument removes a document by id. A missing document is not an error.
func (c *Client) DeleteDocument(ctx context.Context, index, id string) error {
	req := opensearchapi.DeleteRequest{
		Index:      index,
		DocumentID: id,
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return fmt.Errorf("delete request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete request failed with status: %s", res.Status())
	}
	return nil
}

// RecreateIndex drops the index if it exists and creates it again with the
// given mapping. Used by full rebuilds.
func (c *Client) RecreateIndex(ctx context.Context, index string, mapping map[string]interface{}) error {
	delReq := opensearchapi.IndicesDeleteRequest{
		Index:             []string{index},
		IgnoreUnavailable: opensearchapi.BoolPtr(true),
	}
	delRes, err := delReq.Do(ctx, c.client)
	if err != nil {
		return fmt.Errorf("failed to delete index: %w", err)
	}
	delRes.Body.Close()

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(mapping); err != nil {
		return fmt.Errorf("failed to encode index mapping: %w", err)
	}

	createReq := opensearchapi.IndicesCreateRequest{
		Index: index,
		Body:  &buf,
	}
	createRes, err := createReq.Do(ctx, c.client)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer createRes.Body.Close()

	if createRes.IsError() {
		return fmt.Errorf("create index failed with status: %s", createRes.Status())
	}
	return nil
}

// Bulk sends a raw NDJSON bulk body.
func (c *Client) Bulk(ctx context.Context, body io.Reader) error {
	req := opensearchapi.BulkRequest{
		Body: body,
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("bulk request failed with status: %s", res.Status())
	}
	return nil
}

// BulkIndexLine appends one index action plus its document to an NDJSON body.
func BulkIndexLine(buf *strings.Builder, index, id string, doc interface{}) error {
	action := map[string]interface{}{
		"index": map[string]interface{}{
			"_index": index,
			"_id":    id,
		},
	}
	actionBytes, err := json.Marshal(action)
	if err != nil {
		return err
	}
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	buf.Write(actionBytes)
	buf.WriteByte('\n')
	buf.Write(docBytes)
	buf.WriteByte('\n')
	return nil
}

// Search executes a query against the index and returns id hits ranked by
// relevance.
func (c *Client) Search(ctx context.Context, index string, query map[string]interface{}) (*SearchResponse, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	req := opensearchapi.SearchRequest{
		Index:             []string{index},
		Body:              &buf,
		IgnoreUnavailable: opensearchapi.BoolPtr(true),
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("search request failed with status: %s", res.Status())
	}

	var response SearchResponse
	if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}

// HealthCheck checks if OpenSearch is accessible.
func (c *Client) HealthCheck(ctx context.Context) error {
	res, err := c.client.Info()
	if err != nil {
		return err
	}
	res.Body.Close()
	return nil
}
