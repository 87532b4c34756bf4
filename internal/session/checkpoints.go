package session

import (
	"context"
	"fmt"
	"strings"

	"chronicle/internal/checkpoint"
	"chronicle/internal/event"
	"chronicle/internal/logging"
)

// SaveCheckpoint persists a deep copy of the session's current state.
func (m *Manager) SaveCheckpoint(ctx context.Context, id, label string) (checkpoint.Summary, error) {
	if m.options.Checkpoints == nil {
		return checkpoint.Summary{}, ErrCheckpointsDisabled
	}
	session, ok := m.Get(id)
	if !ok {
		return checkpoint.Summary{}, ErrSessionNotFound
	}
	snapshot, err := session.Engine.Snapshot(ctx)
	if err != nil {
		return checkpoint.Summary{}, err
	}
	summary, err := m.options.Checkpoints.Save(ctx, checkpoint.Checkpoint{
		SessionID: id,
		Label:     strings.TrimSpace(label),
		CreatedAt: m.options.Clock(),
		State:     snapshot.State,
	})
	if err != nil {
		return checkpoint.Summary{}, fmt.Errorf("save checkpoint: %w", err)
	}
	m.metrics.IncCheckpointSaved()
	m.logger.Info("checkpoint saved", map[string]string{
		logging.FieldSessionID: id,
		"checkpoint.id":        summary.ID,
		"turn":                 fmt.Sprint(summary.Turn),
	})
	saved := event.NewSessionEvent(event.CheckpointSaved, id)
	saved.Party = session.Party
	saved.CheckpointID = summary.ID
	m.bus.Publish(saved)
	return summary, nil
}

func (m *Manager) ListCheckpoints(ctx context.Context, id string) ([]checkpoint.Summary, error) {
	if m.options.Checkpoints == nil {
		return nil, ErrCheckpointsDisabled
	}
	if _, ok := m.Get(id); !ok {
		return nil, ErrSessionNotFound
	}
	return m.options.Checkpoints.List(ctx, id)
}

// RestoreCheckpoint replaces the session state with a stored checkpoint.
// The engine refuses while autopilot runs or a turn is in flight.
func (m *Manager) RestoreCheckpoint(ctx context.Context, id, checkpointID string) (checkpoint.Summary, error) {
	if m.options.Checkpoints == nil {
		return checkpoint.Summary{}, ErrCheckpointsDisabled
	}
	session, ok := m.Get(id)
	if !ok {
		return checkpoint.Summary{}, ErrSessionNotFound
	}
	stored, err := m.options.Checkpoints.Load(ctx, id, checkpointID)
	if err != nil {
		return checkpoint.Summary{}, err
	}
	state := stored.State
	state.SessionID = id
	if err := session.Engine.LoadState(ctx, state); err != nil {
		return checkpoint.Summary{}, err
	}
	m.metrics.IncCheckpointRestored()
	m.logger.Info("checkpoint restored", map[string]string{
		logging.FieldSessionID: id,
		"checkpoint.id":        stored.ID,
	})
	restored := event.NewSessionEvent(event.SessionRestored, id)
	restored.Party = session.Party
	restored.CheckpointID = stored.ID
	m.bus.Publish(restored)
	return checkpoint.Summary{
		ID:        stored.ID,
		SessionID: id,
		Label:     stored.Label,
		CreatedAt: stored.CreatedAt,
		Turn:      stored.State.Turn,
		Round:     stored.State.Round,
	}, nil
}
