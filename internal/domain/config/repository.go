package config

import "context"

// Repository is the backing store of the configuration. Load returns the
// full document; the remaining methods apply one admin edit each.
type Repository interface {
	Load(ctx context.Context) (*Snapshot, error)

	UpsertCategory(ctx context.Context, c CategoryDefinition) error
	UpsertCheck(ctx context.Context, c CheckDefinition) error
	DeleteCheck(ctx context.Context, id string) error
	UpsertSource(ctx context.Context, s SourceConfig) error
	DeleteSource(ctx context.Context, name string) error
	UpsertOracle(ctx context.Context, o OracleConfig) error
	DeleteOracle(ctx context.Context, name string) error
	ReplaceThresholds(ctx context.Context, ts []TierThreshold) error
	UpsertKnownSafe(ctx context.Context, e KnownSafeEntry) error
	DeleteKnownSafe(ctx context.Context, value string) error
	SaveSettings(ctx context.Context, s Settings) error
}

// Seeder writes a complete document into an empty repository.
type Seeder interface {
	Seed(ctx context.Context, s *Snapshot) error
}
