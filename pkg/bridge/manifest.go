package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Manifest advertises a node's capabilities to its peers: which topics it
// handles and which core version it runs. Peers use it to detect major
// version skew before trusting each other's events.
type Manifest struct {
	NodeID      string    `json:"node_id"`
	CoreVersion string    `json:"core_version"`
	Topics      []string  `json:"topics"`
	GeneratedAt time.Time `json:"generated_at"`
}

const manifestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["node_id", "core_version", "topics", "generated_at"],
	"additionalProperties": false,
	"properties": {
		"node_id":      {"type": "string", "minLength": 1},
		"core_version": {"type": "string", "minLength": 1},
		"topics":       {"type": "array", "items": {"type": "string", "minLength": 1}},
		"generated_at": {"type": "string"}
	}
}`

var compiledManifestSchema = jsonschema.MustCompileString("manifest.json", manifestSchema)

// ErrVersionSkew marks a peer whose core major version differs from ours.
var ErrVersionSkew = errors.New("bridge: peer core major version differs")

func manifestKey(nodeID string) string { return "manifests/" + nodeID + ".json" }

// Validate checks structure and that CoreVersion parses as semver.
func (m *Manifest) Validate() error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("bridge: encode manifest: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("bridge: decode manifest: %w", err)
	}
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return fmt.Errorf("bridge: manifest schema: %w", err)
	}
	if _, err := semver.NewVersion(m.CoreVersion); err != nil {
		return fmt.Errorf("bridge: manifest core_version %q: %w", m.CoreVersion, err)
	}
	return nil
}

// Compatible reports whether a peer manifest shares our core major
// version. Minor and patch skew is tolerated.
func (m *Manifest) Compatible(peer *Manifest) error {
	ours, err := semver.NewVersion(m.CoreVersion)
	if err != nil {
		return fmt.Errorf("bridge: own core_version %q: %w", m.CoreVersion, err)
	}
	theirs, err := semver.NewVersion(peer.CoreVersion)
	if err != nil {
		return fmt.Errorf("bridge: peer core_version %q: %w", peer.CoreVersion, err)
	}
	if ours.Major() != theirs.Major() {
		return fmt.Errorf("%w: ours %s, peer %s %s", ErrVersionSkew, ours, peer.NodeID, theirs)
	}
	return nil
}

// PublishManifest writes this node's manifest to shared storage,
// overwriting any previous one.
func PublishManifest(ctx context.Context, store Store, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("bridge: encode manifest: %w", err)
	}
	return store.Put(ctx, manifestKey(m.NodeID), data)
}

// LoadPeerManifests reads every peer manifest from shared storage,
// skipping our own and any that fail validation.
func LoadPeerManifests(ctx context.Context, store Store, selfID string) ([]*Manifest, error) {
	keys, err := store.List(ctx, "manifests/")
	if err != nil {
		return nil, err
	}
	var peers []*Manifest
	for _, key := range keys {
		node := strings.TrimSuffix(strings.TrimPrefix(key, "manifests/"), ".json")
		if node == selfID {
			continue
		}
		data, err := store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if err := m.Validate(); err != nil {
			continue
		}
		peers = append(peers, &m)
	}
	return peers, nil
}
