// Package envelope defines the event envelope exchanged across the mesh.
//
// An envelope is a self-describing record of a state change. Its identity
// is derived from origin and content, never assigned, so the same event
// re-exported or re-imported by any node keeps the same ID.
package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/fleetmind/convoy/pkg/canonicalize"
)

// Event is an immutable envelope. Once appended to a log it is never
// mutated; forward progress happens through follow-up events linked by
// CausationID.
type Event struct {
	EventID     string         `json:"event_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Topic       string         `json:"topic"`
	EventType   string         `json:"event_type"`
	NodeID      string         `json:"node_id"`
	CausationID string         `json:"causation_id,omitempty"`
	Source      string         `json:"source"`
	Payload     map[string]any `json:"payload,omitempty"`
}

var (
	ErrMissingTopic     = errors.New("envelope: topic is required")
	ErrMissingEventType = errors.New("envelope: event_type is required")
	ErrMissingNodeID    = errors.New("envelope: node_id is required")
	ErrIdentityMismatch = errors.New("envelope: event_id does not match derived identity")
)

// New builds an envelope and stamps its derived identity. The timestamp
// is normalized to UTC before derivation so identity does not depend on
// the publisher's zone.
func New(topic, eventType, nodeID, source string, payload map[string]any, causationID string) (*Event, error) {
	return NewAt(time.Now().UTC(), topic, eventType, nodeID, source, payload, causationID)
}

// NewAt is New with an explicit origin timestamp, used by replay and tests.
func NewAt(ts time.Time, topic, eventType, nodeID, source string, payload map[string]any, causationID string) (*Event, error) {
	e := &Event{
		Timestamp:   ts.UTC(),
		Topic:       topic,
		EventType:   eventType,
		NodeID:      nodeID,
		CausationID: causationID,
		Source:      source,
		Payload:     payload,
	}
	if err := e.validateFields(); err != nil {
		return nil, err
	}
	id, err := DeriveID(e)
	if err != nil {
		return nil, err
	}
	e.EventID = id
	return e, nil
}

// DeriveID computes the stable identity of an envelope from its origin
// and content. The EventID field itself is excluded from the derivation.
func DeriveID(e *Event) (string, error) {
	id, err := canonicalize.Hash(map[string]any{
		"timestamp":    e.Timestamp.UTC().Format(time.RFC3339Nano),
		"topic":        e.Topic,
		"event_type":   e.EventType,
		"node_id":      e.NodeID,
		"causation_id": e.CausationID,
		"source":       e.Source,
		"payload":      e.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("envelope: identity derivation failed: %w", err)
	}
	return "evt-" + id[len("sha256:"):len("sha256:")+32], nil
}

// Validate checks structural completeness and that the stamped EventID
// matches the derived identity. Imported peer events that fail this check
// are rejected as malformed rather than appended.
func (e *Event) Validate() error {
	if err := e.validateFields(); err != nil {
		return err
	}
	derived, err := DeriveID(e)
	if err != nil {
		return err
	}
	if derived != e.EventID {
		return fmt.Errorf("%w: have %s, derived %s", ErrIdentityMismatch, e.EventID, derived)
	}
	return nil
}

func (e *Event) validateFields() error {
	if e.Topic == "" {
		return ErrMissingTopic
	}
	if e.EventType == "" {
		return ErrMissingEventType
	}
	if e.NodeID == "" {
		return ErrMissingNodeID
	}
	return nil
}
