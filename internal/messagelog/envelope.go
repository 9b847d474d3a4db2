// Package messagelog publishes finished turns to external sinks.
package messagelog

import (
	"time"

	"github.com/google/uuid"

	"dialogbot/internal/domain"
)

// TurnEventType names the event published for every turn.
const TurnEventType = "dialogbot.turn.v1"

type Meta struct {
	// Request id of the turn
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Unique event ID
	ID string `json:"id"`
	// Emitting service
	Producer *string `json:"producer,omitempty"`
	// Time the event was built
	Time time.Time `json:"time"`
	// Event name and version
	Type string `json:"type"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// TurnEvent is the data of a turn envelope. Context is nil when the turn
// failed before it was loaded.
type TurnEvent struct {
	Request  *domain.Message  `json:"request"`
	Response *domain.Response `json:"response"`
	Context  *domain.Context  `json:"context,omitempty"`
}

// NewTurnEnvelope wraps one turn for publishing.
func NewTurnEnvelope(producer string, req *domain.Message, resp *domain.Response, c *domain.Context) Envelope {
	meta := Meta{
		ID:   uuid.NewString(),
		Time: time.Now().UTC(),
		Type: TurnEventType,
	}
	if producer != "" {
		meta.Producer = &producer
	}
	if req != nil && req.ID != "" {
		id := req.ID
		meta.CorrelationID = &id
	}
	return Envelope{
		Meta: meta,
		Data: TurnEvent{Request: req, Response: resp, Context: c},
	}
}
