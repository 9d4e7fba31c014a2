package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/services/orchestrator/config"
	"example.com/backstage/services/orchestrator/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ElasticClient provides a best-effort, searchable audit trail of
// NotificationEvents. It never sits on the authoritative write path: the
// Postgres-backed state machine is the source of truth, this index only
// makes that history searchable for operators.
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client.
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{client: client, config: cfg}, nil
}

// IndexEvent indexes a NotificationEvent, into a per-month index named via
// the same prefix convention this codebase's other services already use.
func (c *ElasticClient) IndexEvent(ctx context.Context, event *models.NotificationEvent, notif *models.Notification) error {
	doc := map[string]interface{}{
		"id":              event.ID.String(),
		"notification_id": event.NotificationID.String(),
		"correlation_id":  event.CorrelationID,
		"event_type":      event.EventType,
		"channel":         event.Channel,
		"event_data":      event.EventData,
		"event_at":        event.EventAt,
	}
	if notif != nil {
		doc["user_id"] = notif.UserID
		doc["status"] = notif.Status
		doc["priority"] = notif.Priority
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification event document")
	}

	indexName := c.monthlyIndex(event.EventAt)
	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: event.ID.String(),
		Body:       bytes.NewReader(docJSON),
		Refresh:    "false",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	return nil
}

// IndexEventAsync fires IndexEvent on a detached goroutine and only logs a
// failure, since audit indexing must never slow or fail the state machine.
func (c *ElasticClient) IndexEventAsync(event *models.NotificationEvent, notif *models.Notification) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.IndexEvent(ctx, event, notif); err != nil {
			log.Warn().Err(err).Str("event_id", event.ID.String()).Msg("failed to index notification event")
		}
	}()
}

// SearchEvents runs a raw query DSL search against the audit trail.
func (c *ElasticClient) SearchEvents(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	req := esapi.SearchRequest{
		Index: []string{c.config.Prefix + "-*"},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return nil, errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return nil, errors.Errorf("Elasticsearch search error: %v", e)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	hits, ok := result["hits"].(map[string]interface{})
	if !ok {
		return nil, errors.New("unexpected search result format")
	}
	hitsArray, ok := hits["hits"].([]interface{})
	if !ok {
		return nil, errors.New("unexpected hits format")
	}

	var docs []map[string]interface{}
	for _, hit := range hitsArray {
		hitMap, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}
		source, ok := hitMap["_source"].(map[string]interface{})
		if !ok {
			continue
		}
		docs = append(docs, source)
	}

	return docs, nil
}

// monthlyIndex names the index for a given event time using the configured
// prefix, e.g. "orchestrator-notification-events-2026-08".
func (c *ElasticClient) monthlyIndex(t time.Time) string {
	return fmt.Sprintf("%s-%s", config.FormatIndex(c.config, c.config.Index), t.Format("2006-01"))
}
