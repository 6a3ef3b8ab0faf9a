package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/arke-labs/klados-cluster/internal/clustererr"
)

// State is the contents of the per-network registration state file
// (`.rhiza-state-<workflow>-<network>`, holding `{rhiza_id,
// collection_id, version}`). It records the last successful registration
// so a later run can decide create vs. update.
type State struct {
	RhizaID      string `json:"rhiza_id"`
	CollectionID string `json:"collection_id"`
	Version      int    `json:"version"`
}

// StatePath builds the state file's name for a given workflow label and
// network.
func StatePath(workflow, network string) string {
	return fmt.Sprintf(".rhiza-state-%s-%s", workflow, network)
}

// ReadState loads the state file at path. A missing file is reported via
// the second return value rather than an error, since its absence simply
// means this is the first registration for that workflow/network pair.
func ReadState(path string) (State, bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("%w: read state file %s: %v", clustererr.ErrConfig, path, err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, false, fmt.Errorf("%w: parse state file %s: %v", clustererr.ErrConfig, path, err)
	}
	return s, true, nil
}

// WriteState persists s to path, overwriting any previous content.
func WriteState(path string, s State) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode state: %v", clustererr.ErrConfig, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("%w: write state file %s: %v", clustererr.ErrConfig, path, err)
	}
	return nil
}
