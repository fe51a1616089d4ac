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

	"github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/internal/infra/storage"
)

var _ scanning.ResultRepository = (*resultStore)(nil)

// resultStore implements scanning.ResultRepository using PostgreSQL. The
// full result is kept as JSON; the summary columns exist for querying.
type resultStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewResultStore creates a new PostgreSQL-backed result repository with tracing.
func NewResultStore(pool *pgxpool.Pool, tracer trace.Tracer) *resultStore {
	return &resultStore{db: pool, tracer: tracer}
}

const (
	upsertResult = `INSERT INTO scan_results
		(request_id, target, kind, risk_tier, final_score, max_score, partial, cached, config_version, started_at, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (request_id) DO UPDATE SET
			risk_tier = EXCLUDED.risk_tier,
			final_score = EXCLUDED.final_score,
			max_score = EXCLUDED.max_score,
			partial = EXCLUDED.partial,
			cached = EXCLUDED.cached,
			config_version = EXCLUDED.config_version,
			result = EXCLUDED.result`
	selectResult       = `SELECT result FROM scan_results WHERE request_id = $1`
	deleteResultsUntil = `DELETE FROM scan_results WHERE created_at < $1`
)

// Save persists a terminal result, replacing any earlier row for the same
// request id.
func (r *resultStore) Save(ctx context.Context, res scanning.ScanResult) error {
	dbAttrs := append(
		storage.DefaultDBAttributes,
		attribute.String("request_id", res.RequestID),
		attribute.String("risk_tier", res.RiskTier.String()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.save_scan_result", dbAttrs, func(ctx context.Context) error {
		doc, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("failed to marshal scan result: %w", err)
		}

		started := res.StartedAt
		if started.IsZero() {
			started = time.Now()
		}
		_, err = r.db.Exec(ctx, upsertResult,
			res.RequestID,
			res.Target,
			res.Kind.String(),
			res.RiskTier.String(),
			res.FinalScore,
			res.MaxScore,
			res.Partial,
			res.Cached,
			int64(res.ConfigVersion),
			started.UTC(),
			doc,
		)
		if err != nil {
			return fmt.Errorf("failed to save scan result: %w", err)
		}
		return nil
	})
}

// Get loads the result stored for requestID.
func (r *resultStore) Get(ctx context.Context, requestID string) (scanning.ScanResult, error) {
	dbAttrs := append(storage.DefaultDBAttributes, attribute.String("request_id", requestID))

	var res scanning.ScanResult
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_scan_result", dbAttrs, func(ctx context.Context) error {
		var doc []byte
		if err := r.db.QueryRow(ctx, selectResult, requestID).Scan(&doc); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrResultNotFound
			}
			return fmt.Errorf("failed to get scan result: %w", err)
		}
		if err := json.Unmarshal(doc, &res); err != nil {
			return fmt.Errorf("failed to unmarshal scan result: %w", err)
		}
		return nil
	})
	return res, err
}

// Prune deletes results stored before cutoff and reports how many went.
func (r *resultStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.prune_scan_results", storage.DefaultDBAttributes, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, deleteResultsUntil, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("failed to prune scan results: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}
