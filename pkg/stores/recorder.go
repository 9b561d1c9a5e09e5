package stores

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/reactivegraph/plugind/pkg/plugins"
)

// Recorder persists every committed transition. It is a plugins.Observer;
// write failures are logged and never reach the lifecycle core.
type Recorder struct {
	store   Store
	logger  zerolog.Logger
	timeout time.Duration
}

var _ plugins.Observer = (*Recorder)(nil)

func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		logger:  logger.With().Str("component", "recorder").Logger(),
		timeout: 5 * time.Second,
	}
}

func (r *Recorder) OnTransition(ev plugins.TransitionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	at := ev.At.UTC()
	rec := &PluginRecord{
		ID:         ev.PluginID,
		Stem:       ev.Stem,
		Path:       ev.Path,
		Name:       optional(ev.Name),
		Version:    optional(ev.Version),
		Phase:      ev.To.Phase.String(),
		Refreshing: ev.To.Refreshing,
		LastError:  optional(ev.Error),
		UpdatedAt:  at,
	}
	if ev.Created {
		rec.CreatedAt = at
		if err := r.store.UpsertPlugin(ctx, rec); err != nil {
			r.logger.Error().Err(err).Str("plugin", ev.Stem).Msg("Failed to record plugin")
		}
		return
	}

	tr := &TransitionRecord{
		PluginID:  ev.PluginID,
		Stem:      ev.Stem,
		FromState: ev.From.String(),
		ToState:   ev.To.String(),
		Error:     optional(ev.Error),
		At:        at,
	}
	if err := r.store.RecordTransition(ctx, rec, tr); err != nil {
		r.logger.Error().Err(err).
			Str("plugin", ev.Stem).
			Str("from", tr.FromState).
			Str("to", tr.ToState).
			Msg("Failed to record transition")
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
