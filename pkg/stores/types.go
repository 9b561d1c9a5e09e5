package stores

import (
	"context"
	"database/sql"
	"time"
)

// PluginRecord is the last known state of one plugin container.
type PluginRecord struct {
	ID         string    `json:"id"`
	Stem       string    `json:"stem"`
	Path       string    `json:"path"`
	Name       *string   `json:"name,omitempty"`
	Version    *string   `json:"version,omitempty"`
	Phase      string    `json:"phase"`
	Refreshing bool      `json:"refreshing"`
	LastError  *string   `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TransitionRecord is an append-only history entry.
type TransitionRecord struct {
	ID        int64     `json:"id"`
	PluginID  string    `json:"plugin_id"`
	Stem      string    `json:"stem"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Error     *string   `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// TransitionFilter narrows ListTransitions. Nil fields match everything.
type TransitionFilter struct {
	PluginID *string
	Stem     *string
	Limit    int
	Offset   int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Plugin inventory
	UpsertPlugin(ctx context.Context, rec *PluginRecord) error
	GetPlugin(ctx context.Context, id string) (*PluginRecord, error)
	GetPluginByStem(ctx context.Context, stem string) (*PluginRecord, error)
	ListPlugins(ctx context.Context, limit, offset int) ([]*PluginRecord, error)
	DeletePlugin(ctx context.Context, id string) error

	// Transition history
	RecordTransition(ctx context.Context, plugin *PluginRecord, tr *TransitionRecord) error
	ListTransitions(ctx context.Context, filter TransitionFilter) ([]*TransitionRecord, error)
	PruneTransitions(ctx context.Context, before time.Time) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
