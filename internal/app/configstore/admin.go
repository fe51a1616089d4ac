package configstore

import (
	"context"
	"slices"
	"strings"

	"github.com/ahrav/riskscan/internal/domain/config"
)

func indexOr404[T any](items []T, same func(T) bool) (int, error) {
	i := slices.IndexFunc(items, same)
	if i < 0 {
		return -1, config.ErrNotFound
	}
	return i, nil
}

// UpsertCategory adds or replaces a category.
func (s *Store) UpsertCategory(ctx context.Context, c config.CategoryDefinition) error {
	return s.apply(ctx, "upsert_category",
		func(snap *config.Snapshot) error {
			if i := slices.IndexFunc(snap.Categories, func(x config.CategoryDefinition) bool { return x.Name == c.Name }); i >= 0 {
				snap.Categories[i] = c
			} else {
				snap.Categories = append(snap.Categories, c)
			}
			return nil
		},
		func(ctx context.Context) error { return s.repo.UpsertCategory(ctx, c) },
	)
}

// UpsertCheck adds or replaces a check definition.
func (s *Store) UpsertCheck(ctx context.Context, c config.CheckDefinition) error {
	return s.apply(ctx, "upsert_check",
		func(snap *config.Snapshot) error {
			if err := c.Validate(); err != nil {
				return err
			}
			if i := slices.IndexFunc(snap.Checks, func(x config.CheckDefinition) bool { return x.ID == c.ID }); i >= 0 {
				snap.Checks[i] = c
			} else {
				snap.Checks = append(snap.Checks, c)
			}
			return nil
		},
		func(ctx context.Context) error { return s.repo.UpsertCheck(ctx, c) },
	)
}

// DeleteCheck removes a check definition.
func (s *Store) DeleteCheck(ctx context.Context, id string) error {
	return s.apply(ctx, "delete_check",
		func(snap *config.Snapshot) error {
			i, err := indexOr404(snap.Checks, func(x config.CheckDefinition) bool { return x.ID == id })
			if err != nil {
				return err
			}
			snap.Checks = slices.Delete(snap.Checks, i, i+1)
			return nil
		},
		func(ctx context.Context) error { return s.repo.DeleteCheck(ctx, id) },
	)
}

// UpsertSource adds or replaces a threat-intel source. An empty API key
// keeps the stored credential so redacted reads can be written back.
func (s *Store) UpsertSource(ctx context.Context, src config.SourceConfig) error {
	return s.apply(ctx, "upsert_source",
		func(snap *config.Snapshot) error {
			i := slices.IndexFunc(snap.Sources, func(x config.SourceConfig) bool { return x.Name == src.Name })
			if i >= 0 && keepSecret(src.APIKey) {
				src.APIKey = snap.Sources[i].APIKey
			}
			if err := src.Validate(); err != nil {
				return err
			}
			if i >= 0 {
				snap.Sources[i] = src
			} else {
				snap.Sources = append(snap.Sources, src)
			}
			return nil
		},
		func(ctx context.Context) error { return s.repo.UpsertSource(ctx, src) },
	)
}

// DeleteSource removes a threat-intel source.
func (s *Store) DeleteSource(ctx context.Context, name string) error {
	return s.apply(ctx, "delete_source",
		func(snap *config.Snapshot) error {
			i, err := indexOr404(snap.Sources, func(x config.SourceConfig) bool { return x.Name == name })
			if err != nil {
				return err
			}
			snap.Sources = slices.Delete(snap.Sources, i, i+1)
			return nil
		},
		func(ctx context.Context) error { return s.repo.DeleteSource(ctx, name) },
	)
}

// UpsertOracle adds or replaces a scoring oracle.
func (s *Store) UpsertOracle(ctx context.Context, o config.OracleConfig) error {
	return s.apply(ctx, "upsert_oracle",
		func(snap *config.Snapshot) error {
			i := slices.IndexFunc(snap.Oracles, func(x config.OracleConfig) bool { return x.Name == o.Name })
			if i >= 0 && keepSecret(o.APIKey) {
				o.APIKey = snap.Oracles[i].APIKey
			}
			if err := o.Validate(); err != nil {
				return err
			}
			if i >= 0 {
				snap.Oracles[i] = o
			} else {
				snap.Oracles = append(snap.Oracles, o)
			}
			return nil
		},
		func(ctx context.Context) error { return s.repo.UpsertOracle(ctx, o) },
	)
}

// DeleteOracle removes a scoring oracle.
func (s *Store) DeleteOracle(ctx context.Context, name string) error {
	return s.apply(ctx, "delete_oracle",
		func(snap *config.Snapshot) error {
			i, err := indexOr404(snap.Oracles, func(x config.OracleConfig) bool { return x.Name == name })
			if err != nil {
				return err
			}
			snap.Oracles = slices.Delete(snap.Oracles, i, i+1)
			return nil
		},
		func(ctx context.Context) error { return s.repo.DeleteOracle(ctx, name) },
	)
}

// SetThresholds replaces the risk-tier table.
func (s *Store) SetThresholds(ctx context.Context, ts []config.TierThreshold) error {
	return s.apply(ctx, "set_thresholds",
		func(snap *config.Snapshot) error {
			if err := config.ValidateThresholds(ts); err != nil {
				return err
			}
			snap.Thresholds = slices.Clone(ts)
			return nil
		},
		func(ctx context.Context) error { return s.repo.ReplaceThresholds(ctx, ts) },
	)
}

// UpsertKnownSafe records a manually reviewed domain or URL.
func (s *Store) UpsertKnownSafe(ctx context.Context, e config.KnownSafeEntry) error {
	e.Value = strings.ToLower(strings.TrimSpace(e.Value))
	if e.AddedAt.IsZero() {
		e.AddedAt = s.clock.Now()
	}
	return s.apply(ctx, "upsert_known_safe",
		func(snap *config.Snapshot) error {
			if e.Value == "" {
				return config.ErrInvalidConfig
			}
			if i := slices.IndexFunc(snap.KnownSafe, func(x config.KnownSafeEntry) bool { return x.Value == e.Value }); i >= 0 {
				snap.KnownSafe[i] = e
			} else {
				snap.KnownSafe = append(snap.KnownSafe, e)
			}
			return nil
		},
		func(ctx context.Context) error { return s.repo.UpsertKnownSafe(ctx, e) },
	)
}

// DeleteKnownSafe removes a known-safe entry.
func (s *Store) DeleteKnownSafe(ctx context.Context, value string) error {
	value = strings.ToLower(strings.TrimSpace(value))
	return s.apply(ctx, "delete_known_safe",
		func(snap *config.Snapshot) error {
			i, err := indexOr404(snap.KnownSafe, func(x config.KnownSafeEntry) bool { return x.Value == value })
			if err != nil {
				return err
			}
			snap.KnownSafe = slices.Delete(snap.KnownSafe, i, i+1)
			return nil
		},
		func(ctx context.Context) error { return s.repo.DeleteKnownSafe(ctx, value) },
	)
}

// UpdateSettings replaces the pipeline settings.
func (s *Store) UpdateSettings(ctx context.Context, settings config.Settings) error {
	return s.apply(ctx, "update_settings",
		func(snap *config.Snapshot) error {
			if err := settings.Validate(); err != nil {
				return err
			}
			snap.Settings = settings
			return nil
		},
		func(ctx context.Context) error { return s.repo.SaveSettings(ctx, settings) },
	)
}

// keepSecret reports whether an incoming credential should be ignored in
// favor of the stored one.
func keepSecret(key string) bool { return key == "" || strings.Contains(key, "****") }
