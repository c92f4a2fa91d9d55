package selection

import (
	"context"
	"fmt"
)

// Repository persists one path string per user.
type Repository interface {
	LoadSelection(ctx context.Context, userID int64) (string, error)
	SaveSelection(ctx context.Context, userID int64, path string) error
}

// Machine applies stage transitions to the persisted path. It holds no
// per-user state, so any worker may serve a user's next interaction.
type Machine struct {
	repo Repository
}

func NewMachine(repo Repository) *Machine {
	return &Machine{repo: repo}
}

// Advance loads the user's path, records the choice and saves it before
// returning the decoded result. A corrupt stored path is discarded when a
// fresh flow begins and rejected otherwise.
func (m *Machine) Advance(ctx context.Context, userID int64, stage Stage, action, id string) (Choice, error) {
	raw, err := m.repo.LoadSelection(ctx, userID)
	if err != nil {
		return Choice{}, fmt.Errorf("load selection: %w", err)
	}
	current, err := Parse(raw)
	if err != nil {
		if stage != StageProduct {
			return Choice{}, err
		}
		current = nil
	}
	next, err := current.Advance(stage, action, id)
	if err != nil {
		return Choice{}, err
	}
	if err := m.repo.SaveSelection(ctx, userID, next.String()); err != nil {
		return Choice{}, fmt.Errorf("save selection: %w", err)
	}
	return next.Choice(), nil
}

func (m *Machine) Current(ctx context.Context, userID int64) (Choice, error) {
	raw, err := m.repo.LoadSelection(ctx, userID)
	if err != nil {
		return Choice{}, fmt.Errorf("load selection: %w", err)
	}
	p, err := Parse(raw)
	if err != nil {
		return Choice{}, err
	}
	return p.Choice(), nil
}

func (m *Machine) Reset(ctx context.Context, userID int64) error {
	if err := m.repo.SaveSelection(ctx, userID, ""); err != nil {
		return fmt.Errorf("reset selection: %w", err)
	}
	return nil
}
