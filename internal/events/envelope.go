// Package events defines the runtime envelopes exchanged between pipeline
// workers and the bus that carries them.
package events

import (
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is stamped on every envelope that does not set one.
const SchemaVersion = 1

// Source identifies the logical producer of an envelope. It partitions
// sequence numbers and replay buffers.
type Source string

const (
	SourceFilesystem  Source = "filesystem-watcher"
	SourceGit         Source = "git-projector"
	SourceForge       Source = "forge-worker"
	SourceCoordinator Source = "workspace-coordinator"
	SourceIntent      Source = "intent"
)

// Scope is the tier an envelope belongs to.
type Scope string

const (
	ScopeSystem   Scope = "system"
	ScopeWorktree Scope = "worktree"
	ScopePane     Scope = "pane"
)

var (
	// ErrBusClosed is returned when publishing after Close.
	ErrBusClosed = errors.New("event bus closed")
	// ErrInvalidEnvelope is wrapped by Validate failures.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Metadata is common to all envelopes. Seq, EventID, Timestamp and
// SchemaVersion are filled in by the bus on publish.
type Metadata struct {
	EventID       string    `json:"eventId"`
	Source        Source    `json:"source"`
	Seq           uint64    `json:"seq"`
	SchemaVersion int       `json:"schemaVersion"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
	CausationID   string    `json:"causationId,omitempty"`
}

// Envelope is a closed union of SystemEnvelope, WorktreeEnvelope and
// PaneEnvelope. Consumers switch on the concrete type.
type Envelope interface {
	Meta() Metadata
	Scope() Scope
	Kind() string
	withMeta(Metadata) Envelope
}

// SystemEnvelope carries topology and lifecycle facts. It has no routing
// repository id; payloads name the entity they are about.
type SystemEnvelope struct {
	Metadata
	Event SystemEvent
}

func (e SystemEnvelope) Meta() Metadata { return e.Metadata }
func (SystemEnvelope) Scope() Scope     { return ScopeSystem }
func (e SystemEnvelope) Kind() string {
	if e.Event == nil {
		return ""
	}
	return e.Event.Kind()
}
func (e SystemEnvelope) withMeta(m Metadata) Envelope { e.Metadata = m; return e }

// WorktreeEnvelope carries filesystem, git and forge facts. RepoID is
// mandatory; WorktreeID is empty for repository-level facts.
type WorktreeEnvelope struct {
	Metadata
	RepoID     string
	WorktreeID string
	Event      WorktreeEvent
}

func (e WorktreeEnvelope) Meta() Metadata { return e.Metadata }
func (WorktreeEnvelope) Scope() Scope     { return ScopeWorktree }
func (e WorktreeEnvelope) Kind() string {
	if e.Event == nil {
		return ""
	}
	return e.Event.Kind()
}
func (e WorktreeEnvelope) withMeta(m Metadata) Envelope { e.Metadata = m; return e }

// PaneEnvelope is reserved for terminal pane facts. The pipeline forwards
// them untouched.
type PaneEnvelope struct {
	Metadata
	PaneID string
	Name   string
	Data   map[string]string
}

func (e PaneEnvelope) Meta() Metadata               { return e.Metadata }
func (PaneEnvelope) Scope() Scope                   { return ScopePane }
func (e PaneEnvelope) Kind() string                 { return "pane." + e.Name }
func (e PaneEnvelope) withMeta(m Metadata) Envelope { e.Metadata = m; return e }

// NewSystem builds a system envelope for src.
func NewSystem(src Source, ev SystemEvent) SystemEnvelope {
	return SystemEnvelope{Metadata: Metadata{Source: src}, Event: ev}
}

// NewWorktree builds a worktree envelope for src.
func NewWorktree(src Source, repoID, worktreeID string, ev WorktreeEvent) WorktreeEnvelope {
	return WorktreeEnvelope{
		Metadata:   Metadata{Source: src},
		RepoID:     repoID,
		WorktreeID: worktreeID,
		Event:      ev,
	}
}

// WithCorrelation returns env with correlation and causation ids set.
func WithCorrelation(env Envelope, correlationID, causationID string) Envelope {
	m := env.Meta()
	m.CorrelationID = correlationID
	m.CausationID = causationID
	return env.withMeta(m)
}

// Validate enforces the scoping rules: every envelope needs a source and a
// payload, and worktree envelopes need a repository id.
func Validate(env Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", ErrInvalidEnvelope)
	}
	if env.Meta().Source == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidEnvelope)
	}
	switch e := env.(type) {
	case SystemEnvelope:
		if e.Event == nil {
			return fmt.Errorf("%w: system envelope without event", ErrInvalidEnvelope)
		}
	case WorktreeEnvelope:
		if e.Event == nil {
			return fmt.Errorf("%w: worktree envelope without event", ErrInvalidEnvelope)
		}
		if e.RepoID == "" {
			return fmt.Errorf("%w: %s fact without repo id", ErrInvalidEnvelope, e.Event.Kind())
		}
	case PaneEnvelope:
		if e.PaneID == "" {
			return fmt.Errorf("%w: pane envelope without pane id", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown envelope type %T", ErrInvalidEnvelope, env)
	}
	return nil
}
