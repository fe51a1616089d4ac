// Package configstore serves immutable configuration snapshots to scans and
// applies admin edits to the backing repository.
package configstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/pkg/common/logger"
	"github.com/ahrav/riskscan/pkg/common/timeutil"
)

// Store holds the current configuration snapshot. Readers always receive a
// private copy; writers go through the repository and publish a new
// snapshot on the next refresh.
type Store struct {
	repo     config.Repository
	fallback *config.Snapshot

	current atomic.Pointer[config.Snapshot]
	version atomic.Uint64
	healthy atomic.Bool

	refreshMu  sync.Mutex
	invalidate chan struct{}

	clock  timeutil.Provider
	logger *logger.Logger
	tracer trace.Tracer
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(c timeutil.Provider) Option { return func(s *Store) { s.clock = c } }

// WithFallback overrides the snapshot served when the repository has never
// been readable.
func WithFallback(snap *config.Snapshot) Option {
	return func(s *Store) { s.fallback = snap.Clone() }
}

// NewStore creates a Store that serves the fallback snapshot until the
// first successful Refresh.
func NewStore(repo config.Repository, logger *logger.Logger, tracer trace.Tracer, opts ...Option) *Store {
	s := &Store{
		repo:       repo,
		fallback:   config.DefaultSnapshot(),
		invalidate: make(chan struct{}, 1),
		clock:      timeutil.Default(),
		logger:     logger.With("component", "config_store"),
		tracer:     tracer,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.publish(s.fallback.Clone(), "default")
	return s
}

// Snapshot returns a private copy of the current configuration.
func (s *Store) Snapshot() *config.Snapshot { return s.current.Load().Clone() }

// Version returns the version of the current snapshot.
func (s *Store) Version() uint64 { return s.current.Load().Version }

// Healthy reports whether the last refresh read the repository successfully.
func (s *Store) Healthy() bool { return s.healthy.Load() }

// Refresh reloads the configuration from the repository. On failure the
// current snapshot is kept and the error returned.
func (s *Store) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "config_store.refresh")
	defer span.End()

	doc, err := s.repo.Load(ctx)
	if err == nil {
		err = doc.Validate()
	}
	if err != nil {
		s.healthy.Store(false)
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		s.logger.Warn(ctx, "config refresh failed, keeping current snapshot",
			"error", err, "version", s.Version(), "origin", s.current.Load().Origin)
		return fmt.Errorf("refreshing config: %w", err)
	}

	origin := doc.Origin
	if origin == "" {
		origin = "repository"
	}
	snap := s.publish(doc, origin)
	s.healthy.Store(true)

	span.SetAttributes(attribute.Int64("config.version", int64(snap.Version)))
	s.logger.Debug(ctx, "config refreshed", "version", snap.Version, "checks", len(snap.Checks))
	return nil
}

func (s *Store) publish(doc *config.Snapshot, origin string) *config.Snapshot {
	doc.Version = s.version.Add(1)
	doc.LoadedAt = s.clock.Now()
	doc.Origin = origin
	s.current.Store(doc)
	return doc
}

// Invalidate requests an asynchronous refresh from Run.
func (s *Store) Invalidate() {
	select {
	case s.invalidate <- struct{}{}:
	default:
	}
}

// Run refreshes the snapshot every interval and whenever Invalidate is
// called, until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.invalidate:
		}
		_ = s.Refresh(ctx)
	}
}

// apply validates an edit against a copy of the current snapshot, persists
// it and refreshes so the next scan observes it.
func (s *Store) apply(
	ctx context.Context,
	op string,
	mutate func(*config.Snapshot) error,
	persist func(context.Context) error,
) error {
	ctx, span := s.tracer.Start(ctx, "config_store."+op)
	defer span.End()

	candidate := s.Snapshot()
	if err := mutate(candidate); err != nil {
		span.RecordError(err)
		return err
	}
	if err := candidate.Validate(); err != nil {
		span.RecordError(err)
		return err
	}

	if err := persist(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.Refresh(ctx); err != nil {
		// The edit is durable; Run picks it up once the repository reads again.
		s.Invalidate()
		return nil
	}

	s.logger.Info(ctx, "config updated", "op", op, "version", s.Version())
	return nil
}
