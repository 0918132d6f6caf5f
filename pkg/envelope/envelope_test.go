package envelope

import (
	"encoding/json"
	"testing"
	"time"
)

func fixedTime() time.Time {
	return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
}

func TestDerivedIDStable(t *testing.T) {
	e1, err := NewAt(fixedTime(), "routing", "route.updated", "node-a", "router", map[string]any{"lane": 4}, "")
	if err != nil {
		t.Fatal(err)
	}
	e2, err := NewAt(fixedTime(), "routing", "route.updated", "node-a", "router", map[string]any{"lane": 4}, "")
	if err != nil {
		t.Fatal(err)
	}
	if e1.EventID != e2.EventID {
		t.Fatalf("same origin+content must derive same id: %s vs %s", e1.EventID, e2.EventID)
	}
}

func TestDerivedIDChangesWithContent(t *testing.T) {
	e1, _ := NewAt(fixedTime(), "routing", "route.updated", "node-a", "router", map[string]any{"lane": 4}, "")
	e2, _ := NewAt(fixedTime(), "routing", "route.updated", "node-a", "router", map[string]any{"lane": 5}, "")
	if e1.EventID == e2.EventID {
		t.Fatal("distinct payloads must derive distinct ids")
	}
}

func TestDerivedIDSurvivesRoundTrip(t *testing.T) {
	e, _ := NewAt(fixedTime(), "scaling", "fleet.scaled", "node-b", "scaler", map[string]any{"replicas": 3}, "evt-cause")
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var back Event
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if err := back.Validate(); err != nil {
		t.Fatalf("round-tripped envelope must keep its identity: %v", err)
	}
}

func TestValidateRejectsTamperedPayload(t *testing.T) {
	e, _ := NewAt(fixedTime(), "scaling", "fleet.scaled", "node-b", "scaler", map[string]any{"replicas": 3}, "")
	e.Payload["replicas"] = 99
	if err := e.Validate(); err == nil {
		t.Fatal("tampered payload must fail identity validation")
	}
}

func TestNewRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name      string
		topic     string
		eventType string
		nodeID    string
	}{
		{"no topic", "", "t", "n"},
		{"no event type", "topic", "", "n"},
		{"no node", "topic", "t", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.topic, tc.eventType, tc.nodeID, "src", nil, ""); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseWireValidEnvelope(t *testing.T) {
	e, _ := NewAt(fixedTime(), "routing", "route.updated", "node-a", "router", map[string]any{"lane": 1}, "")
	raw, _ := json.Marshal(e)
	parsed, err := ParseWire(raw)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.EventID != e.EventID {
		t.Fatalf("expected %s, got %s", e.EventID, parsed.EventID)
	}
}

func TestParseWireRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{`},
		{"missing event_id", `{"timestamp":"2026-03-14T09:26:53Z","topic":"t","event_type":"x","node_id":"n"}`},
		{"bad id shape", `{"event_id":"not-an-id","timestamp":"2026-03-14T09:26:53Z","topic":"t","event_type":"x","node_id":"n"}`},
		{"unknown field", `{"event_id":"evt-00000000000000000000000000000000","timestamp":"2026-03-14T09:26:53Z","topic":"t","event_type":"x","node_id":"n","extra":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseWire([]byte(tc.raw)); err == nil {
				t.Fatal("expected parse rejection")
			}
		})
	}
}
