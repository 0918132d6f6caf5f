package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fleetmind/convoy/pkg/cursor"
	"github.com/fleetmind/convoy/pkg/eventlog"
)

// ExportStream is the cursor stream tracking export progress through the
// local log.
const ExportStream = "export"

const exportBatch = 256

// eventKey is the shared-storage key for one event file.
func eventKey(nodeID, eventID string) string {
	return "events/" + nodeID + "/" + eventID + ".json"
}

// Exporter pushes locally originated events to shared storage, one file
// per event, named by event_id under this node's namespace.
type Exporter struct {
	nodeID string
	log    eventlog.Log
	state  cursor.Store
	store  Store
	logger *slog.Logger
}

// NewExporter wires an exporter to the local log and the shared store.
func NewExporter(nodeID string, log eventlog.Log, state cursor.Store, store Store, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{nodeID: nodeID, log: log, state: state, store: store, logger: logger}
}

// Export pushes every unexported event at or after the export cursor and
// returns how many files were written. The file is written before the
// event is marked exported, so a crash between the two re-writes the
// same file with the same content next cycle.
func (x *Exporter) Export(ctx context.Context) (int, error) {
	exported := 0
	for {
		pos, err := x.state.Cursor(ctx, ExportStream)
		if err != nil {
			return exported, fmt.Errorf("bridge: read export cursor: %w", err)
		}
		records, err := x.log.ReadFrom(ctx, pos+1, exportBatch)
		if err != nil {
			return exported, fmt.Errorf("bridge: read log: %w", err)
		}
		if len(records) == 0 {
			return exported, nil
		}
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return exported, err
			}
			e := rec.Event

			// Foreign-origin events arrived via import; echoing them back
			// out would bounce events between nodes forever.
			if e.NodeID != x.nodeID {
				if err := x.state.Advance(ctx, ExportStream, rec.Sequence, cursor.OpExport, e.EventID); err != nil {
					return exported, fmt.Errorf("bridge: advance export cursor: %w", err)
				}
				continue
			}

			seen, err := x.state.Seen(ctx, cursor.OpExport, e.EventID)
			if err != nil {
				return exported, fmt.Errorf("bridge: export seen lookup: %w", err)
			}
			if !seen {
				data, err := json.Marshal(e)
				if err != nil {
					return exported, fmt.Errorf("bridge: encode event %s: %w", e.ShortID(), err)
				}
				if err := x.store.Put(ctx, eventKey(x.nodeID, e.EventID), data); err != nil {
					return exported, err
				}
				exported++
			}
			if err := x.state.Advance(ctx, ExportStream, rec.Sequence, cursor.OpExport, e.EventID); err != nil {
				return exported, fmt.Errorf("bridge: advance export cursor: %w", err)
			}
		}
	}
}
