package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/fleetmind/convoy/pkg/cursor"
	"github.com/fleetmind/convoy/pkg/envelope"
	"github.com/fleetmind/convoy/pkg/eventlog"
)

// Importer pulls peer events from shared storage into the local log.
// Imported events keep their original node_id and causation_id; identity
// is re-derived and checked before append, so a corrupted or forged file
// can never enter the log.
type Importer struct {
	nodeID string
	log    eventlog.Log
	state  cursor.Store
	store  Store
	logger *slog.Logger
}

// NewImporter wires an importer to the local log and the shared store.
func NewImporter(nodeID string, log eventlog.Log, state cursor.Store, store Store, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{nodeID: nodeID, log: log, state: state, store: store, logger: logger}
}

// Import scans peer namespaces and appends every unseen, valid event to
// the local log, returning how many were appended. Malformed files are
// quarantined: logged once, marked seen, never retried.
func (im *Importer) Import(ctx context.Context) (int, error) {
	keys, err := im.store.List(ctx, "events/")
	if err != nil {
		return 0, err
	}

	imported := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return imported, err
		}

		peer, eventID, ok := splitEventKey(key)
		if !ok || peer == im.nodeID {
			continue
		}

		seen, err := im.state.Seen(ctx, cursor.OpImport, eventID)
		if err != nil {
			return imported, fmt.Errorf("bridge: import seen lookup: %w", err)
		}
		if seen {
			continue
		}

		data, err := im.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // listed then deleted; next cycle settles it
			}
			return imported, err
		}

		e, err := envelope.ParseWire(data)
		if err == nil && e.EventID != eventID {
			err = fmt.Errorf("bridge: key %s names a different event %s", key, e.EventID)
		}
		if err == nil {
			// Re-derive the identity from content; a payload tampered after
			// derivation carries a consistent key and stamped ID but fails here.
			err = e.Validate()
		}
		if err != nil {
			im.logger.Warn("rejecting malformed peer event", "key", key, "peer", peer, "error", err)
			if err := im.state.MarkSeen(ctx, cursor.OpImport, eventID); err != nil {
				return imported, fmt.Errorf("bridge: quarantine %s: %w", eventID, err)
			}
			continue
		}

		if _, err := im.log.Append(ctx, e); err != nil {
			if !errors.Is(err, eventlog.ErrDuplicate) {
				return imported, fmt.Errorf("bridge: append imported event %s: %w", e.ShortID(), err)
			}
		} else {
			imported++
		}
		if err := im.state.MarkSeen(ctx, cursor.OpImport, eventID); err != nil {
			return imported, fmt.Errorf("bridge: mark imported %s: %w", eventID, err)
		}
	}
	return imported, nil
}

// splitEventKey parses "events/<node>/<event_id>.json".
func splitEventKey(key string) (peer, eventID string, ok bool) {
	rest, found := strings.CutPrefix(key, "events/")
	if !found {
		return "", "", false
	}
	peer, file, found := strings.Cut(rest, "/")
	if !found || peer == "" || strings.Contains(file, "/") {
		return "", "", false
	}
	eventID = strings.TrimSuffix(path.Base(file), ".json")
	if eventID == "" || eventID == file {
		return "", "", false
	}
	return peer, eventID, true
}
