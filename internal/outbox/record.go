package outbox

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const (
	StatusNew       = "NEW"
	StatusPublished = "PUBLISHED"
	StatusFailed    = "FAILED"
)

// Record is one event written in the same transaction as the state change it
// describes, and relayed to the broker after commit.
type Record struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        string
	DedupeKey     string
}

func NewRecord(aggregateType string, aggregateID uuid.UUID, eventType string, payload interface{}, now time.Time) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, errors.Wrapf(err, "marshal %s payload", eventType)
	}
	id := uuid.New()
	return Record{
		ID:            id,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
		CreatedAt:     now,
		Status:        StatusNew,
		DedupeKey:     eventType + ":" + id.String(),
	}, nil
}
