package config

import (
	"context"

	scanconfig "github.com/ahrav/riskscan/internal/domain/config"
)

// Loader provides configuration loading capabilities. It abstracts the source
// of the seed document so files, embedded defaults or remote services can
// populate an empty configuration store.
type Loader interface {
	// Load retrieves and parses the document from the underlying source.
	Load(ctx context.Context) (*scanconfig.Snapshot, error)
}

// DefaultsLoader serves the built-in document.
type DefaultsLoader struct{}

// Load returns a fresh copy of the built-in defaults.
func (DefaultsLoader) Load(context.Context) (*scanconfig.Snapshot, error) {
	return scanconfig.DefaultSnapshot(), nil
}

// SeedIfEmpty writes the loader's document into the seeder when the
// repository holds no checks yet. It reports whether a seed happened.
func SeedIfEmpty(ctx context.Context, repo scanconfig.Repository, seeder scanconfig.Seeder, l Loader) (bool, error) {
	current, err := repo.Load(ctx)
	if err != nil {
		return false, err
	}
	if len(current.Checks) > 0 || len(current.Categories) > 0 {
		return false, nil
	}

	doc, err := l.Load(ctx)
	if err != nil {
		return false, err
	}
	if err := doc.Validate(); err != nil {
		return false, err
	}
	return true, seeder.Seed(ctx, doc)
}
