// Package store persists report runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/seenimoa/autostock/internal/config"
	"github.com/seenimoa/autostock/pkg/models"
)

var (
	// ErrNotFound is returned when no run has the requested id.
	ErrNotFound = errors.New("store: run not found")
	// ErrExists is returned when creating a run whose id is taken.
	ErrExists = errors.New("store: run already exists")
)

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 50

// Store keeps runs. Implementations are safe for concurrent use.
type Store interface {
	Create(ctx context.Context, run *models.Run) error
	Update(ctx context.Context, run *models.Run) error
	Get(ctx context.Context, id string) (*models.Run, error)
	// List returns the newest runs first.
	List(ctx context.Context, limit int) ([]*models.Run, error)
	Close() error
}

// NewFromConfig opens the configured store.
func NewFromConfig(cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "", "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		return NewSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

func clone(r *models.Run) *models.Run {
	c := *r
	c.Symbols = append([]string(nil), r.Symbols...)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
