package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema is the structural contract enforced on envelopes that
// arrive from outside the process (ledger bridge imports). Locally built
// envelopes go through New and cannot violate it.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_id", "timestamp", "topic", "event_type", "node_id"],
  "properties": {
    "event_id":     {"type": "string", "pattern": "^evt-[0-9a-f]{32}$"},
    "timestamp":    {"type": "string", "format": "date-time"},
    "topic":        {"type": "string", "minLength": 1},
    "event_type":   {"type": "string", "minLength": 1},
    "node_id":      {"type": "string", "minLength": 1},
    "causation_id": {"type": "string"},
    "source":       {"type": "string"},
    "payload":      {"type": "object"}
  },
  "additionalProperties": false
}`

var compiledSchema = jsonschema.MustCompileString("envelope.json", envelopeSchema)

// ParseWire decodes and structurally validates an envelope received from
// a peer. It does not verify the derived identity; callers that need the
// full check follow up with Validate.
func ParseWire(raw []byte) (*Event, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("envelope: malformed wire envelope: %w", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("envelope: wire envelope failed schema validation: %w", err)
	}
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("envelope: decode failed: %w", err)
	}
	return &e, nil
}

// ShortID returns a trimmed identifier for log lines.
func (e *Event) ShortID() string {
	return strings.TrimPrefix(e.EventID, "evt-")[:8]
}
