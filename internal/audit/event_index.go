package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"presence-service/internal/client"
	"presence-service/internal/ratelimit"
	"presence-service/internal/util"
)

// BlockEvent is an abuse event as stored in the Elasticsearch index.
type BlockEvent struct {
	ID           string    `json:"id"`
	PhoneNumber  string    `json:"phone_number"`
	Reason       string    `json:"reason"`
	BlockedUntil time.Time `json:"blocked_until"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// EventIndexer writes block events into Elasticsearch and serves the admin
// event search. Index failures are logged and dropped.
type EventIndexer struct {
	es    *client.ESClient
	index string
}

func NewEventIndexer(es *client.ESClient, index string) *EventIndexer {
	return &EventIndexer{es: es, index: index}
}

var _ ratelimit.EventSink = (*EventIndexer)(nil)

func (i *EventIndexer) AccountBlocked(ctx context.Context, phone string, until time.Time, reason string) {
	event := BlockEvent{
		ID:           uuid.New().String(),
		PhoneNumber:  phone,
		Reason:       reason,
		BlockedUntil: until,
		OccurredAt:   time.Now().UTC(),
	}

	res, err := i.es.IndexDocument(ctx, i.index, event.ID, event)
	if err != nil {
		util.Error("Failed to index block event",
			util.String("phone", util.MaskPhone(phone)),
			util.ErrorField(err))
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		util.Error("Block event rejected by Elasticsearch",
			util.String("status", res.Status()))
	}
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source BlockEvent `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search returns recent block events, optionally narrowed to one phone,
// newest first.
func (i *EventIndexer) Search(ctx context.Context, phone string, size int) ([]BlockEvent, int64, error) {
	if size <= 0 || size > 100 {
		size = 20
	}

	var match map[string]interface{}
	if phone != "" {
		match = map[string]interface{}{
			"term": map[string]interface{}{"phone_number.keyword": phone},
		}
	} else {
		match = map[string]interface{}{"match_all": map[string]interface{}{}}
	}

	query := map[string]interface{}{
		"query": match,
		"size":  size,
		"sort": []map[string]interface{}{
			{"occurred_at": map[string]interface{}{"order": "desc"}},
		},
	}

	res, err := i.es.Search(ctx, i.index, query)
	if err != nil {
		return nil, 0, err
	}

	var parsed searchResponse
	if err := i.es.ParseResponse(res, &parsed); err != nil {
		return nil, 0, err
	}

	events := make([]BlockEvent, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		events = append(events, hit.Source)
	}
	return events, parsed.Hits.Total.Value, nil
}
