// Package postgres persists the scan configuration in PostgreSQL. Each
// collection lives in its own table and keeps insertion order, so a loaded
// document lists entries in the order they were first created.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/internal/infra/storage"
)

var (
	_ config.Repository = (*configStore)(nil)
	_ config.Seeder     = (*configStore)(nil)
)

// Origin is reported on snapshots loaded from this store.
const Origin = "postgres"

// configStore implements config.Repository using PostgreSQL.
type configStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewConfigStore creates a PostgreSQL-backed configuration repository.
func NewConfigStore(pool *pgxpool.Pool, tracer trace.Tracer) *configStore {
	return &configStore{db: pool, tracer: tracer}
}

const (
	selectCategories = `SELECT name, description FROM categories ORDER BY position`
	selectChecks     = `SELECT id, category, max_points, severity, enabled, timeout_ms, kinds, requires_content, params
		FROM checks ORDER BY position`
	selectSources = `SELECT name, kind, enabled, endpoint, api_key, points, confidence, timeout_ms,
		rate_limit, refresh_interval_ms, entries FROM threat_intel_sources ORDER BY position`
	selectOracles    = `SELECT name, kind, enabled, endpoint, api_key, model, weight, timeout_ms FROM oracles ORDER BY position`
	selectThresholds = `SELECT tier, upper_ratio FROM tier_thresholds ORDER BY upper_ratio`
	selectKnownSafe  = `SELECT value, reason, added_by, added_at FROM known_safe ORDER BY added_at, value`
	selectSettings   = `SELECT document FROM settings WHERE id = 1`

	upsertCategory = `INSERT INTO categories (name, description) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description`
	upsertCheck = `INSERT INTO checks (id, category, max_points, severity, enabled, timeout_ms, kinds, requires_content, params)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			category = EXCLUDED.category,
			max_points = EXCLUDED.max_points,
			severity = EXCLUDED.severity,
			enabled = EXCLUDED.enabled,
			timeout_ms = EXCLUDED.timeout_ms,
			kinds = EXCLUDED.kinds,
			requires_content = EXCLUDED.requires_content,
			params = EXCLUDED.params`
	upsertSource = `INSERT INTO threat_intel_sources
		(name, kind, enabled, endpoint, api_key, points, confidence, timeout_ms, rate_limit, refresh_interval_ms, entries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (name) DO UPDATE SET
			kind = EXCLUDED.kind,
			enabled = EXCLUDED.enabled,
			endpoint = EXCLUDED.endpoint,
			api_key = EXCLUDED.api_key,
			points = EXCLUDED.points,
			confidence = EXCLUDED.confidence,
			timeout_ms = EXCLUDED.timeout_ms,
			rate_limit = EXCLUDED.rate_limit,
			refresh_interval_ms = EXCLUDED.refresh_interval_ms,
			entries = EXCLUDED.entries`
	upsertOracle = `INSERT INTO oracles (name, kind, enabled, endpoint, api_key, model, weight, timeout_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			kind = EXCLUDED.kind,
			enabled = EXCLUDED.enabled,
			endpoint = EXCLUDED.endpoint,
			api_key = EXCLUDED.api_key,
			model = EXCLUDED.model,
			weight = EXCLUDED.weight,
			timeout_ms = EXCLUDED.timeout_ms`
	insertThreshold = `INSERT INTO tier_thresholds (tier, upper_ratio) VALUES ($1, $2)`
	upsertKnownSafe = `INSERT INTO known_safe (value, reason, added_by, added_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (value) DO UPDATE SET
			reason = EXCLUDED.reason,
			added_by = EXCLUDED.added_by,
			added_at = EXCLUDED.added_at`
	upsertSettings = `INSERT INTO settings (id, document, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = NOW()`
)

// Load reads the whole configuration document in one repeatable-read
// transaction so the collections are mutually consistent.
func (s *configStore) Load(ctx context.Context) (*config.Snapshot, error) {
	snap := &config.Snapshot{Origin: Origin}

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_config", storage.DefaultDBAttributes, func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
			var err error
			if snap.Categories, err = collect(ctx, tx, selectCategories, scanCategory); err != nil {
				return fmt.Errorf("loading categories: %w", err)
			}
			if snap.Checks, err = collect(ctx, tx, selectChecks, scanCheck); err != nil {
				return fmt.Errorf("loading checks: %w", err)
			}
			if snap.Sources, err = collect(ctx, tx, selectSources, scanSource); err != nil {
				return fmt.Errorf("loading sources: %w", err)
			}
			if snap.Oracles, err = collect(ctx, tx, selectOracles, scanOracle); err != nil {
				return fmt.Errorf("loading oracles: %w", err)
			}
			if snap.Thresholds, err = collect(ctx, tx, selectThresholds, scanThreshold); err != nil {
				return fmt.Errorf("loading thresholds: %w", err)
			}
			if snap.KnownSafe, err = collect(ctx, tx, selectKnownSafe, scanKnownSafe); err != nil {
				return fmt.Errorf("loading known-safe entries: %w", err)
			}

			var doc []byte
			err = tx.QueryRow(ctx, selectSettings).Scan(&doc)
			switch {
			case errors.Is(err, pgx.ErrNoRows):
				return nil
			case err != nil:
				return fmt.Errorf("loading settings: %w", err)
			}
			if err := json.Unmarshal(doc, &snap.Settings); err != nil {
				return fmt.Errorf("decoding settings: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func collect[T any](ctx context.Context, tx pgx.Tx, sql string, fn pgx.RowToFunc[T]) ([]T, error) {
	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, fn)
}

func scanCategory(row pgx.CollectableRow) (config.CategoryDefinition, error) {
	var c config.CategoryDefinition
	err := row.Scan(&c.Name, &c.Description)
	return c, err
}

func scanCheck(row pgx.CollectableRow) (config.CheckDefinition, error) {
	var (
		c         config.CheckDefinition
		severity  string
		timeoutMs int64
		kinds     []string
		params    []byte
	)
	if err := row.Scan(&c.ID, &c.Category, &c.MaxPoints, &severity, &c.Enabled, &timeoutMs, &kinds, &c.RequiresContent, &params); err != nil {
		return c, err
	}

	var err error
	if c.Severity, err = scanning.ParseSeverity(severity); err != nil {
		return c, fmt.Errorf("check %s: %w", c.ID, err)
	}
	c.Timeout = time.Duration(timeoutMs) * time.Millisecond
	for _, k := range kinds {
		kind, err := scanning.ParseTargetKind(k)
		if err != nil {
			return c, fmt.Errorf("check %s: %w", c.ID, err)
		}
		c.Kinds = append(c.Kinds, kind)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &c.Params); err != nil {
			return c, fmt.Errorf("check %s params: %w", c.ID, err)
		}
	}
	return c, nil
}

func scanSource(row pgx.CollectableRow) (config.SourceConfig, error) {
	var (
		c                    config.SourceConfig
		kind                 string
		timeoutMs, refreshMs int64
	)
	err := row.Scan(&c.Name, &kind, &c.Enabled, &c.Endpoint, &c.APIKey, &c.Points, &c.Confidence,
		&timeoutMs, &c.RateLimit, &refreshMs, &c.Entries)
	c.Kind = config.SourceKind(kind)
	c.Timeout = time.Duration(timeoutMs) * time.Millisecond
	c.RefreshInterval = time.Duration(refreshMs) * time.Millisecond
	if len(c.Entries) == 0 {
		c.Entries = nil
	}
	return c, err
}

func scanOracle(row pgx.CollectableRow) (config.OracleConfig, error) {
	var (
		o         config.OracleConfig
		kind      string
		timeoutMs int64
	)
	err := row.Scan(&o.Name, &kind, &o.Enabled, &o.Endpoint, &o.APIKey, &o.Model, &o.Weight, &timeoutMs)
	o.Kind = config.OracleKind(kind)
	o.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return o, err
}

func scanThreshold(row pgx.CollectableRow) (config.TierThreshold, error) {
	var (
		t    config.TierThreshold
		tier string
	)
	if err := row.Scan(&tier, &t.UpperRatio); err != nil {
		return t, err
	}
	var err error
	t.Tier, err = scanning.ParseRiskTier(tier)
	return t, err
}

func scanKnownSafe(row pgx.CollectableRow) (config.KnownSafeEntry, error) {
	var e config.KnownSafeEntry
	err := row.Scan(&e.Value, &e.Reason, &e.AddedBy, &e.AddedAt)
	e.AddedAt = e.AddedAt.UTC()
	return e, err
}

func (s *configStore) exec(ctx context.Context, span string, attrs []attribute.KeyValue, sql string, args ...any) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, span, append(storage.DefaultDBAttributes, attrs...), func(ctx context.Context) error {
		if _, err := s.db.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("%s: %w", span, err)
		}
		return nil
	})
}

func (s *configStore) delete(ctx context.Context, span, table, column, key string) error {
	attrs := append(storage.DefaultDBAttributes, attribute.String("key", key))
	return storage.ExecuteAndTrace(ctx, s.tracer, span, attrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, "DELETE FROM "+table+" WHERE "+column+" = $1", key)
		if err != nil {
			return fmt.Errorf("%s: %w", span, err)
		}
		if tag.RowsAffected() == 0 {
			return config.ErrNotFound
		}
		return nil
	})
}

// UpsertCategory inserts or replaces a category by name.
func (s *configStore) UpsertCategory(ctx context.Context, c config.CategoryDefinition) error {
	return s.exec(ctx, "postgres.upsert_category", []attribute.KeyValue{attribute.String("category", c.Name)},
		upsertCategory, c.Name, c.Description)
}

// UpsertCheck inserts or replaces a check by id.
func (s *configStore) UpsertCheck(ctx context.Context, c config.CheckDefinition) error {
	args, err := checkArgs(c)
	if err != nil {
		return err
	}
	return s.exec(ctx, "postgres.upsert_check", []attribute.KeyValue{attribute.String("check_id", c.ID)},
		upsertCheck, args...)
}

func checkArgs(c config.CheckDefinition) ([]any, error) {
	kinds := make([]string, 0, len(c.Kinds))
	for _, k := range c.Kinds {
		kinds = append(kinds, k.String())
	}
	var params []byte
	if len(c.Params) > 0 {
		var err error
		if params, err = json.Marshal(c.Params); err != nil {
			return nil, fmt.Errorf("encoding params of check %s: %w", c.ID, err)
		}
	}
	return []any{
		c.ID, c.Category, c.MaxPoints, c.Severity.String(), c.Enabled,
		c.Timeout.Milliseconds(), kinds, c.RequiresContent, params,
	}, nil
}

// DeleteCheck removes a check by id.
func (s *configStore) DeleteCheck(ctx context.Context, id string) error {
	return s.delete(ctx, "postgres.delete_check", "checks", "id", id)
}

// UpsertSource inserts or replaces a threat-intel source by name.
func (s *configStore) UpsertSource(ctx context.Context, c config.SourceConfig) error {
	return s.exec(ctx, "postgres.upsert_source", []attribute.KeyValue{attribute.String("source", c.Name)},
		upsertSource, sourceArgs(c)...)
}

func sourceArgs(c config.SourceConfig) []any {
	entries := c.Entries
	if entries == nil {
		entries = []string{}
	}
	return []any{
		c.Name, string(c.Kind), c.Enabled, c.Endpoint, c.APIKey, c.Points, c.Confidence,
		c.Timeout.Milliseconds(), c.RateLimit, c.RefreshInterval.Milliseconds(), entries,
	}
}

// DeleteSource removes a threat-intel source by name.
func (s *configStore) DeleteSource(ctx context.Context, name string) error {
	return s.delete(ctx, "postgres.delete_source", "threat_intel_sources", "name", name)
}

// UpsertOracle inserts or replaces an oracle by name.
func (s *configStore) UpsertOracle(ctx context.Context, o config.OracleConfig) error {
	return s.exec(ctx, "postgres.upsert_oracle", []attribute.KeyValue{attribute.String("oracle", o.Name)},
		upsertOracle, oracleArgs(o)...)
}

func oracleArgs(o config.OracleConfig) []any {
	return []any{o.Name, string(o.Kind), o.Enabled, o.Endpoint, o.APIKey, o.Model, o.Weight, o.Timeout.Milliseconds()}
}

// DeleteOracle removes an oracle by name.
func (s *configStore) DeleteOracle(ctx context.Context, name string) error {
	return s.delete(ctx, "postgres.delete_oracle", "oracles", "name", name)
}

// ReplaceThresholds swaps the whole tier table atomically.
func (s *configStore) ReplaceThresholds(ctx context.Context, ts []config.TierThreshold) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.replace_thresholds", storage.DefaultDBAttributes, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			return replaceThresholds(ctx, tx, ts)
		})
	})
}

func replaceThresholds(ctx context.Context, tx pgx.Tx, ts []config.TierThreshold) error {
	if _, err := tx.Exec(ctx, "DELETE FROM tier_thresholds"); err != nil {
		return fmt.Errorf("clearing thresholds: %w", err)
	}
	batch := new(pgx.Batch)
	for _, t := range ts {
		batch.Queue(insertThreshold, t.Tier.String(), t.UpperRatio)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting thresholds: %w", err)
	}
	return nil
}

// UpsertKnownSafe inserts or replaces a known-safe entry by value.
func (s *configStore) UpsertKnownSafe(ctx context.Context, e config.KnownSafeEntry) error {
	return s.exec(ctx, "postgres.upsert_known_safe", []attribute.KeyValue{attribute.String("value", e.Value)},
		upsertKnownSafe, knownSafeArgs(e)...)
}

func knownSafeArgs(e config.KnownSafeEntry) []any {
	added := e.AddedAt
	if added.IsZero() {
		added = time.Now()
	}
	return []any{e.Value, e.Reason, e.AddedBy, added.UTC()}
}

// DeleteKnownSafe removes a known-safe entry by value.
func (s *configStore) DeleteKnownSafe(ctx context.Context, value string) error {
	return s.delete(ctx, "postgres.delete_known_safe", "known_safe", "value", value)
}

// SaveSettings replaces the pipeline settings document.
func (s *configStore) SaveSettings(ctx context.Context, settings config.Settings) error {
	doc, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	return s.exec(ctx, "postgres.save_settings", nil, upsertSettings, doc)
}

// Seed replaces the stored document with snap in a single transaction.
func (s *configStore) Seed(ctx context.Context, snap *config.Snapshot) error {
	settings, err := json.Marshal(snap.Settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.seed_config", storage.DefaultDBAttributes, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			for _, table := range []string{"categories", "checks", "threat_intel_sources", "oracles", "known_safe", "settings"} {
				if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
					return fmt.Errorf("clearing %s: %w", table, err)
				}
			}

			batch := new(pgx.Batch)
			for _, c := range snap.Categories {
				batch.Queue(upsertCategory, c.Name, c.Description)
			}
			for _, c := range snap.Checks {
				args, err := checkArgs(c)
				if err != nil {
					return err
				}
				batch.Queue(upsertCheck, args...)
			}
			for _, c := range snap.Sources {
				batch.Queue(upsertSource, sourceArgs(c)...)
			}
			for _, o := range snap.Oracles {
				batch.Queue(upsertOracle, oracleArgs(o)...)
			}
			for _, e := range snap.KnownSafe {
				batch.Queue(upsertKnownSafe, knownSafeArgs(e)...)
			}
			batch.Queue(upsertSettings, settings)
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("writing document: %w", err)
			}

			return replaceThresholds(ctx, tx, snap.Thresholds)
		})
	})
}
