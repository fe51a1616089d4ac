// Package memory provides in-memory repositories for configuration and scan
// results. They back single-instance deployments and tests.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/ahrav/riskscan/internal/domain/config"
)

var _ config.Repository = (*ConfigRepository)(nil)

// ConfigRepository keeps the configuration document in memory.
type ConfigRepository struct {
	mu  sync.RWMutex
	doc *config.Snapshot
}

// NewConfigRepository returns a repository seeded with a copy of seed. A nil
// seed yields an empty document.
func NewConfigRepository(seed *config.Snapshot) *ConfigRepository {
	if seed == nil {
		seed = &config.Snapshot{}
	}
	return &ConfigRepository{doc: seed.Clone()}
}

// Load returns a copy of the stored document.
func (r *ConfigRepository) Load(ctx context.Context) (*config.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := r.doc.Clone()
	out.Origin = "memory"
	return out, nil
}

// Seed replaces the stored document.
func (r *ConfigRepository) Seed(ctx context.Context, s *config.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc = s.Clone()
	return nil
}

func upsert[T any](items []T, item T, same func(T) bool) []T {
	if i := slices.IndexFunc(items, same); i >= 0 {
		items[i] = item
		return items
	}
	return append(items, item)
}

func remove[T any](items []T, same func(T) bool) ([]T, error) {
	i := slices.IndexFunc(items, same)
	if i < 0 {
		return items, config.ErrNotFound
	}
	return slices.Delete(items, i, i+1), nil
}

func (r *ConfigRepository) write(ctx context.Context, fn func(doc *config.Snapshot) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.doc)
}

// UpsertCategory inserts or replaces a category by name.
func (r *ConfigRepository) UpsertCategory(ctx context.Context, c config.CategoryDefinition) error {
	return r.write(ctx, func(doc *config.Snapshot) error {
		doc.Categories = upsert(doc.Categories, c, func(x config.CategoryDefinition) bool { return x.Name == c.Name })
		return nil
	})
}

// UpsertCheck inserts or replaces a check by id.
func (r *ConfigRepository) UpsertCheck(ctx context.Context, c config.CheckDefinition) error {
	return r.write(ctx, func(doc *config.Snapshot) error {
		doc.Checks = upsert(doc.Checks, c, func(x config.CheckDefinition) bool { return x.ID == c.ID })
		return nil
	})
}

// DeleteCheck removes a check by id.
func (r *ConfigRepository) DeleteCheck(ctx context.Context, id string) error {
	return r.write(ctx, func(doc *config.Snapshot) (err error) {
		doc.Checks, err = remove(doc.Checks, func(x config.CheckDefinition) bool { return x.ID == id })
		return err
	})
}

// UpsertSource inserts or replaces a source by name.
func (r *ConfigRepository) UpsertSource(ctx context.Context, s config.SourceConfig) error {
	return r.write(ctx, func(doc *config.Snapshot) error {
		doc.Sources = upsert(doc.Sources, s, func(x config.SourceConfig) bool { return x.Name == s.Name })
		return nil
	})
}

// DeleteSource removes a source by name.
func (r *ConfigRepository) DeleteSource(ctx context.Context, name string) error {
	return r.write(ctx, func(doc *config.Snapshot) (err error) {
		doc.Sources, err = remove(doc.Sources, func(x config.SourceConfig) bool { return x.Name == name })
		return err
	})
}

// UpsertOracle inserts or replaces an oracle by name.
func (r *ConfigRepository) UpsertOracle(ctx context.Context, o config.OracleConfig) error {
	return r.write(ctx, func(doc *config.Snapshot) error {
		doc.Oracles = upsert(doc.Oracles, o, func(x config.OracleConfig) bool { return x.Name == o.Name })
		return nil
	})
}

// DeleteOracle removes an oracle by name.
func (r *ConfigRepository) DeleteOracle(ctx context.Context, name string) error {
	return r.write(ctx, func(doc *config.Snapshot) (err error) {
		doc.Oracles, err = remove(doc.Oracles, func(x config.OracleConfig) bool { return x.Name == name })
		return err
	})
}

// ReplaceThresholds swaps the whole tier table.
func (r *ConfigRepository) ReplaceThresholds(ctx context.Context, ts []config.TierThreshold) error {
	return r.write(ctx, func(doc *config.Snapshot) error {
		doc.Thresholds = slices.Clone(ts)
		return nil
	})
}

// UpsertKnownSafe inserts or replaces a known-safe entry by value.
func (r *ConfigRepository) UpsertKnownSafe(ctx context.Context, e config.KnownSafeEntry) error {
	return r.write(ctx, func(doc *config.Snapshot) error {
		doc.KnownSafe = upsert(doc.KnownSafe, e, func(x config.KnownSafeEntry) bool { return x.Value == e.Value })
		return nil
	})
}

// DeleteKnownSafe removes a known-safe entry by value.
func (r *ConfigRepository) DeleteKnownSafe(ctx context.Context, value string) error {
	return r.write(ctx, func(doc *config.Snapshot) (err error) {
		doc.KnownSafe, err = remove(doc.KnownSafe, func(x config.KnownSafeEntry) bool { return x.Value == value })
		return err
	})
}

// SaveSettings replaces the pipeline settings.
func (r *ConfigRepository) SaveSettings(ctx context.Context, s config.Settings) error {
	return r.write(ctx, func(doc *config.Snapshot) error {
		doc.Settings = s
		return nil
	})
}
