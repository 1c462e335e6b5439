package sink

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/knowton/cdcsync/cfg"
	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/publisher"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

func init() {
	publisher.RegisterSink(publisher.FactorySearch, func(c *cfg.Configuration) (publisher.Sink, error) {
		client, err := opensearch.NewClient(opensearch.Config{
			Addresses: c.Search.Addresses,
			Username:  c.Search.Username,
			Password:  c.Search.Password,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: c.Search.Insecure},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create search client: %w", err)
		}
		return NewSearchSink(client, c.Search.IndexPrefix, c.Search.Refresh), nil
	})
}

// MetaField holds sync metadata inside every indexed document
const MetaField = "_cdc"

// SearchSink indexes rows as documents keyed by primary key. The change
// sequence is the external document version, so a stale write or replay is
// rejected by the index instead of overwriting newer data.
type SearchSink struct {
	client  *opensearch.Client
	prefix  string
	refresh string
}

// NewSearchSink creates a search sink. refresh is passed through to write
// requests ("", "true", "wait_for").
func NewSearchSink(client *opensearch.Client, indexPrefix, refresh string) *SearchSink {
	return &SearchSink{client: client, prefix: indexPrefix, refresh: refresh}
}

// ID implements publisher.Sink
func (s *SearchSink) ID() publisher.SinkID { return publisher.SinkSearch }

// IndexName maps a logical table to its index
func (s *SearchSink) IndexName(table change.Table) string {
	return s.prefix + strings.ToLower(string(table))
}

// Apply indexes or deletes the document for the event's row
func (s *SearchSink) Apply(ctx context.Context, event change.Event) error {
	version := int(event.Sequence)
	index := s.IndexName(event.Table)

	if event.IsDelete() {
		req := opensearchapi.DeleteRequest{
			Index:       index,
			DocumentID:  event.PrimaryKey,
			Version:     &version,
			VersionType: "external",
			Refresh:     s.refresh,
		}
		res, err := req.Do(ctx, s.client)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		return s.check(res, http.StatusNotFound)
	}

	doc := make(map[string]any, len(event.Payload)+1)
	for k, v := range event.Payload {
		doc[k] = v
	}
	doc[MetaField] = map[string]any{
		"seq":       event.Sequence,
		"op":        event.Operation.String(),
		"source_ts": event.SourceTimestamp.UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return publisher.Permanent(fmt.Errorf("failed to encode document: %w", err))
	}

	req := opensearchapi.IndexRequest{
		Index:       index,
		DocumentID:  event.PrimaryKey,
		Body:        bytes.NewReader(body),
		Version:     &version,
		VersionType: "external",
		Refresh:     s.refresh,
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return s.check(res)
}

// check maps a response to an error. A version conflict means a newer version
// is already indexed.
func (s *SearchSink) check(res *opensearchapi.Response, accept ...int) error {
	if !res.IsError() || res.StatusCode == http.StatusConflict {
		return nil
	}
	for _, code := range accept {
		if res.StatusCode == code {
			return nil
		}
	}

	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err := fmt.Errorf("search index returned %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	switch res.StatusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return publisher.Permanent(err)
	}
	return err
}

// Count returns the number of documents in the table's index. A non-zero
// since restricts it to documents whose change was committed at or after it.
func (s *SearchSink) Count(ctx context.Context, table change.Table, since time.Time) (int64, error) {
	req := opensearchapi.CountRequest{Index: []string{s.IndexName(table)}}
	if !since.IsZero() {
		query := map[string]any{
			"query": map[string]any{
				"range": map[string]any{
					MetaField + ".source_ts": map[string]any{"gte": since.UTC().Format(time.RFC3339Nano)},
				},
			},
		}
		body, err := json.Marshal(query)
		if err != nil {
			return 0, err
		}
		req.Body = bytes.NewReader(body)
	}

	res, err := req.Do(ctx, s.client)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		return 0, fmt.Errorf("failed to count %s: status %d", table, res.StatusCode)
	}

	var out struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode count response: %w", err)
	}
	return out.Count, nil
}

// Ping checks the cluster
func (s *SearchSink) Ping(ctx context.Context) error {
	res, err := opensearchapi.PingRequest{}.Do(ctx, s.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("search index ping returned %d", res.StatusCode)
	}
	return nil
}

// Close is a no-op; the client holds no long-lived resources
func (s *SearchSink) Close() error {
	return nil
}
