package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flywheel/internal/types"
)

// Queue names for the improvement pipeline. Telemetry and context flow in,
// signals flow to cognition, execution requests flow to action, and outcomes
// flow back around to perception.
const (
	QueueTelemetry = "telemetry_stream"
	QueueContext   = "context_stream"
	QueueSignals   = "signal_queue"
	QueueExecution = "execution_queue"
	QueueOutcomes  = "outcome_stream"
)

// AllQueues lists every pipeline queue, in flow order.
var AllQueues = []string{
	QueueTelemetry,
	QueueContext,
	QueueSignals,
	QueueExecution,
	QueueOutcomes,
}

// Message types carried on the pipeline queues.
const (
	MsgTelemetry = "telemetry"
	MsgSignal    = "signal"
	MsgTask      = "task"
	MsgReport    = "report"
)

// Message is one durable bus entry. Seq is assigned by the bus on publish
// and breaks ties between messages of equal priority: equal-priority
// delivery is oldest first.
type Message struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      types.Priority  `json:"priority"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewMessage builds a publishable message, marshalling the payload to JSON.
// ID, Seq and CreatedAt are assigned by the bus at publish time.
func NewMessage(queue, msgType string, priority types.Priority, correlationID string, payload interface{}) (Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		raw = data
	}
	return Message{
		Queue:         queue,
		Type:          msgType,
		Payload:       raw,
		Priority:      priority,
		CorrelationID: correlationID,
	}, nil
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// ensureID assigns a fresh id when the caller did not set one.
func (m *Message) ensureID() {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
}
