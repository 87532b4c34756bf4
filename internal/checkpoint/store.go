// Package checkpoint persists session states outside the engine hot path.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"chronicle/internal/engine"
)

var (
	ErrNotFound  = errors.New("checkpoint not found")
	ErrInvalidID = errors.New("invalid checkpoint id")
)

type Checkpoint struct {
	ID        string       `yaml:"id"`
	SessionID string       `yaml:"session_id"`
	Label     string       `yaml:"label,omitempty"`
	CreatedAt time.Time    `yaml:"created_at"`
	State     engine.State `yaml:"state"`
}

// Summary describes a stored checkpoint without its state.
type Summary struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Turn      int       `json:"turn"`
	Round     int       `json:"round"`
	Size      int64     `json:"size"`
}

type Store interface {
	Save(ctx context.Context, checkpoint Checkpoint) (Summary, error)
	Load(ctx context.Context, sessionID, id string) (Checkpoint, error)
	List(ctx context.Context, sessionID string) ([]Summary, error)
}

func (c Checkpoint) summary(size int64) Summary {
	return Summary{
		ID:        c.ID,
		SessionID: c.SessionID,
		Label:     c.Label,
		CreatedAt: c.CreatedAt,
		Turn:      c.State.Turn,
		Round:     c.State.Round,
		Size:      size,
	}
}
