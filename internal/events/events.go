// Package events fans orchestration progress out to subscribers, one topic
// per batch.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the event envelope version.
const SchemaVersion = 1

// Type names what happened.
type Type string

const (
	BatchSubmitted    Type = "batch_submitted"
	BatchFinished     Type = "batch_finished"
	ContractStarted   Type = "contract_started"
	ContractSucceeded Type = "contract_succeeded"
	ContractBlocked   Type = "contract_blocked"
	PhaseEntered      Type = "phase_entered"
	PhaseExited       Type = "phase_exited"
	ApprovalRequested Type = "approval_requested"
	ApprovalResolved  Type = "approval_resolved"
)

// Event is one notification on a batch topic.
type Event struct {
	Version    int             `json:"version"`
	EventID    string          `json:"event_id"`
	Sequence   int64           `json:"sequence"`
	Type       Type            `json:"type"`
	Time       time.Time       `json:"time"`
	BatchID    string          `json:"batch_id"`
	ContractID string          `json:"contract_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Normalize applies defaults and trims identifiers.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Version == 0 {
		e.Version = SchemaVersion
	}
	e.EventID = strings.TrimSpace(e.EventID)
	e.Type = Type(strings.TrimSpace(string(e.Type)))
	e.BatchID = strings.TrimSpace(e.BatchID)
	e.ContractID = strings.TrimSpace(e.ContractID)
}

// Validate enforces the envelope requirements.
func (e Event) Validate() error {
	if e.Version != SchemaVersion {
		return fmt.Errorf("events: version %d not supported", e.Version)
	}
	if e.Type == "" {
		return errors.New("events: type is required")
	}
	if e.BatchID == "" {
		return errors.New("events: batch_id is required")
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(Event)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Event) {
	if f != nil {
		f(e)
	}
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(nil)

// Logger records drops and diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

// New builds an event with a JSON payload. A payload that cannot be encoded
// is dropped rather than failing the caller.
func New(kind Type, batchID, contractID string, payload any) Event {
	e := Event{Version: SchemaVersion, Type: kind, BatchID: batchID, ContractID: contractID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			e.Payload = data
		}
	}
	return e
}

func isTerminal(kind Type) bool {
	return kind == BatchFinished || kind == ContractBlocked || kind == ContractSucceeded
}

func isPreferredDrop(kind Type) bool {
	return kind == PhaseEntered
}
