package stores

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/reactivegraph/plugind/pkg/plugins"
)

func TestRecorderWritesHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	rec := NewRecorder(store, zerolog.Nop())
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	const id = "0b8e7c43-1111-4222-8333-444455556666"
	rec.OnTransition(plugins.TransitionEvent{
		PluginID: id,
		Stem:     "flow",
		Path:     "/plugins/installed/flow.1.wasm",
		From:     plugins.Plain(plugins.PhaseInstalled),
		To:       plugins.Plain(plugins.PhaseInstalled),
		Created:  true,
		At:       at,
	})
	rec.OnTransition(plugins.TransitionEvent{
		PluginID: id,
		Stem:     "flow",
		Path:     "/plugins/installed/flow.1.wasm",
		Name:     "reactive-graph-plugin-flow",
		Version:  "0.9.0",
		From:     plugins.Plain(plugins.PhaseActive),
		To:       plugins.Refreshing(plugins.PhaseDeactivating),
		At:       at.Add(time.Second),
	})

	got, err := store.GetPlugin(ctx, id)
	if err != nil {
		t.Fatalf("failed to get plugin: %v", err)
	}
	if got.Phase != "Deactivating" || !got.Refreshing {
		t.Errorf("unexpected inventory state: phase=%s refreshing=%v", got.Phase, got.Refreshing)
	}
	if got.Version == nil || *got.Version != "0.9.0" {
		t.Errorf("version not recorded: %v", got.Version)
	}
	if !got.CreatedAt.Equal(at) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, at)
	}

	history, err := store.ListTransitions(ctx, TransitionFilter{PluginID: strPtr(id)})
	if err != nil {
		t.Fatalf("failed to list transitions: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("registration must not be a history entry, got %d entries", len(history))
	}
	if history[0].FromState != "Active" || history[0].ToState != "Refreshing(Stopping(Deactivating))" {
		t.Errorf("unexpected history entry: %+v", history[0])
	}
}

func TestRecorderSurvivesStoreErrors(t *testing.T) {
	store := setupTestStore(t)
	_ = store.Close()

	rec := NewRecorder(store, zerolog.Nop())
	// Must log and return.
	rec.OnTransition(plugins.TransitionEvent{
		PluginID: "x",
		Stem:     "x",
		From:     plugins.Plain(plugins.PhaseInstalled),
		To:       plugins.Plain(plugins.PhaseLoaded),
		At:       time.Now(),
	})
}
