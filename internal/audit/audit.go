// Package audit keeps a searchable trail of auth events in Elasticsearch.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/elastic/go-elasticsearch/v9"

	"github.com/ticketdesk/ticketdesk/internal/events"
)

const DefaultIndex = "auth-audit"

func NewClient(url, user, password string) (*elasticsearch.Client, error) {
	esCfg := elasticsearch.Config{
		Addresses: []string{url},
		Username:  user,
		Password:  password,
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("elasticsearch info: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		log.Printf("Elasticsearch error response: %s", body)
		return nil, fmt.Errorf("elasticsearch error: %s", res.Status())
	}

	return client, nil
}

// Indexer writes auth events into the audit index. Like the Kafka
// producer it is nil-safe so the service runs without Elasticsearch.
type Indexer struct {
	ES    *elasticsearch.Client
	Index string
}

func (i *Indexer) Record(ctx context.Context, event events.AuthEvent) error {
	if i == nil || i.ES == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(event); err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	res, err := i.ES.Index(
		i.Index,
		&buf,
		i.ES.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("audit: index event: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("audit: index event: %s", res.Status())
	}
	return nil
}

// Search runs a match query over the audit trail, newest first.
func (i *Indexer) Search(ctx context.Context, query string, from, size int) (int64, []events.AuthEvent, error) {
	if i == nil || i.ES == nil {
		return 0, nil, nil
	}
	body := map[string]interface{}{
		"from": from,
		"size": size,
		"sort": []map[string]interface{}{
			{"at": map[string]string{"order": "desc"}},
		},
	}
	if query == "" {
		body["query"] = map[string]interface{}{"match_all": map[string]interface{}{}}
	} else {
		body["query"] = map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"type^2", "username", "family_id", "client_id", "detail"},
			},
		}
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return 0, nil, fmt.Errorf("audit: encode query: %w", err)
	}

	res, err := i.ES.Search(
		i.ES.Search.WithContext(ctx),
		i.ES.Search.WithIndex(i.Index),
		i.ES.Search.WithBody(&buf),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("audit: search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, nil, fmt.Errorf("audit: search: %s", res.Status())
	}

	var r struct {
		Hits struct {
			Total struct{ Value int64 }                `json:"total"`
			Hits  []struct {
				Source events.AuthEvent `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return 0, nil, err
	}

	out := make([]events.AuthEvent, len(r.Hits.Hits))
	for idx, hit := range r.Hits.Hits {
		out[idx] = hit.Source
	}
	return r.Hits.Total.Value, out, nil
}
