package events

import (
	"encoding/json"
	"fmt"
)

// Wire is the JSON form of an envelope used by the event stream endpoint
// and `forest events`.
type Wire struct {
	Scope      Scope           `json:"scope"`
	Kind       string          `json:"kind"`
	Meta       Metadata        `json:"meta"`
	RepoID     string          `json:"repoId,omitempty"`
	WorktreeID string          `json:"worktreeId,omitempty"`
	PaneID     string          `json:"paneId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// ToWire converts env for transport.
func ToWire(env Envelope) (Wire, error) {
	w := Wire{Scope: env.Scope(), Kind: env.Kind(), Meta: env.Meta()}

	var payload any
	switch e := env.(type) {
	case SystemEnvelope:
		payload = e.Event
	case WorktreeEnvelope:
		w.RepoID = e.RepoID
		w.WorktreeID = e.WorktreeID
		payload = e.Event
	case PaneEnvelope:
		w.PaneID = e.PaneID
		payload = e.Data
	default:
		return Wire{}, fmt.Errorf("%w: unknown envelope type %T", ErrInvalidEnvelope, env)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Wire{}, fmt.Errorf("marshal %s payload: %w", w.Kind, err)
	}
	w.Payload = raw
	return w, nil
}

// MarshalEnvelope encodes env as a single JSON document.
func MarshalEnvelope(env Envelope) ([]byte, error) {
	w, err := ToWire(env)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}
