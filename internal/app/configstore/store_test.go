package configstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/internal/infra/storage/memory"
	"github.com/ahrav/riskscan/pkg/common/logger"
	"github.com/ahrav/riskscan/pkg/common/timeutil"
)

// flakyRepository fails Load while broken is set.
type flakyRepository struct {
	*memory.ConfigRepository
	broken atomic.Bool
}

func (r *flakyRepository) Load(ctx context.Context) (*config.Snapshot, error) {
	if r.broken.Load() {
		return nil, errors.New("connection refused")
	}
	return r.ConfigRepository.Load(ctx)
}

func newTestStore(t *testing.T) (*Store, *flakyRepository) {
	t.Helper()
	repo := &flakyRepository{ConfigRepository: memory.NewConfigRepository(config.DefaultSnapshot())}
	clock := &timeutil.Mock{CurrentTime: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(repo, logger.Noop(), noop.NewTracerProvider().Tracer("test"), WithClock(clock))
	return s, repo
}

func TestStore_ServesFallbackBeforeRefresh(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	snap := s.Snapshot()
	assert.Equal(t, "default", snap.Origin)
	assert.Equal(t, uint64(1), snap.Version)
	assert.False(t, s.Healthy())
	assert.NotEmpty(t, snap.Checks)
}

func TestStore_RefreshPublishesNewVersion(t *testing.T) {
	t.Parallel()
	s, repo := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Refresh(ctx))
	assert.True(t, s.Healthy())
	assert.Equal(t, "memory", s.Snapshot().Origin)
	v := s.Version()

	require.NoError(t, repo.DeleteCheck(ctx, "domain.ip_host"))
	require.NoError(t, s.Refresh(ctx))

	assert.Greater(t, s.Version(), v)
	_, ok := s.Snapshot().Check("domain.ip_host")
	assert.False(t, ok)
}

func TestStore_RefreshFailureKeepsLastGoodSnapshot(t *testing.T) {
	t.Parallel()
	s, repo := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Refresh(ctx))
	before := s.Snapshot()

	repo.broken.Store(true)
	err := s.Refresh(ctx)
	require.Error(t, err)
	assert.False(t, s.Healthy())
	assert.Equal(t, before.Version, s.Version())
	assert.Equal(t, before.Origin, s.Snapshot().Origin)
}

func TestStore_RefreshRejectsInvalidDocument(t *testing.T) {
	t.Parallel()
	s, repo := newTestStore(t)
	ctx := context.Background()

	bad := config.DefaultSnapshot()
	bad.Thresholds = nil
	require.NoError(t, repo.Seed(ctx, bad))

	err := s.Refresh(ctx)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Equal(t, "default", s.Snapshot().Origin)
}

func TestStore_SnapshotIsIndependentCopy(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	a := s.Snapshot()
	a.Checks[0].MaxPoints = 999
	a.Thresholds[0].UpperRatio = 0.99

	b := s.Snapshot()
	assert.NotEqual(t, 999.0, b.Checks[0].MaxPoints)
	assert.NotEqual(t, 0.99, b.Thresholds[0].UpperRatio)
}

func TestStore_AdminEdits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		edit    func(*Store) error
		wantErr error
		verify  func(*testing.T, *config.Snapshot)
	}{
		{
			name: "upsert check is visible to the next snapshot",
			edit: func(s *Store) error {
				return s.UpsertCheck(ctx, config.CheckDefinition{
					ID: "url.custom", Category: "url", MaxPoints: 7, Severity: scanning.SeverityLow, Enabled: true,
				})
			},
			verify: func(t *testing.T, snap *config.Snapshot) {
				c, ok := snap.Check("url.custom")
				require.True(t, ok)
				assert.Equal(t, 7.0, c.MaxPoints)
			},
		},
		{
			name: "check with unknown category is rejected",
			edit: func(s *Store) error {
				return s.UpsertCheck(ctx, config.CheckDefinition{ID: "x.y", Category: "nope", MaxPoints: 1, Enabled: true})
			},
			wantErr: config.ErrInvalidConfig,
		},
		{
			name: "negative max points is rejected",
			edit: func(s *Store) error {
				return s.UpsertCheck(ctx, config.CheckDefinition{ID: "url.neg", Category: "url", MaxPoints: -1})
			},
			wantErr: config.ErrInvalidConfig,
		},
		{
			name:    "deleting an unknown check is not found",
			edit:    func(s *Store) error { return s.DeleteCheck(ctx, "does.not.exist") },
			wantErr: config.ErrNotFound,
		},
		{
			name: "thresholds out of order are rejected",
			edit: func(s *Store) error {
				return s.SetThresholds(ctx, []config.TierThreshold{
					{Tier: scanning.RiskTierSafe, UpperRatio: 0.5},
					{Tier: scanning.RiskTierLow, UpperRatio: 0.3},
				})
			},
			wantErr: config.ErrInvalidConfig,
		},
		{
			name: "known safe entry is normalized",
			edit: func(s *Store) error {
				return s.UpsertKnownSafe(ctx, config.KnownSafeEntry{Value: "  Example.COM ", Reason: "reviewed"})
			},
			verify: func(t *testing.T, snap *config.Snapshot) {
				require.NotEmpty(t, snap.KnownSafe)
				last := snap.KnownSafe[len(snap.KnownSafe)-1]
				assert.Equal(t, "example.com", last.Value)
				assert.False(t, last.AddedAt.IsZero())
			},
		},
		{
			name: "redacted api key keeps the stored secret",
			edit: func(s *Store) error {
				if err := s.UpsertOracle(ctx, config.OracleConfig{
					Name: "gpt", Kind: config.OracleKindOpenAI, Endpoint: "https://api.example.com", APIKey: "sk-secret-value", Weight: 1,
				}); err != nil {
					return err
				}
				return s.UpsertOracle(ctx, config.OracleConfig{
					Name: "gpt", Kind: config.OracleKindOpenAI, Endpoint: "https://api.example.com", APIKey: "sk-s****alue", Weight: 2,
				})
			},
			verify: func(t *testing.T, snap *config.Snapshot) {
				require.Len(t, snap.Oracles, 1)
				assert.Equal(t, "sk-secret-value", snap.Oracles[0].APIKey)
				assert.Equal(t, 2.0, snap.Oracles[0].Weight)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestStore(t)
			require.NoError(t, s.Refresh(ctx))
			v := s.Version()

			err := tt.edit(s)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, v, s.Version())
				return
			}
			require.NoError(t, err)
			assert.Greater(t, s.Version(), v)
			tt.verify(t, s.Snapshot())
		})
	}
}

func TestStore_EditSurvivesRefreshFailure(t *testing.T) {
	t.Parallel()
	s, repo := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx))

	repo.broken.Store(true)
	require.NoError(t, s.DeleteCheck(ctx, "domain.ip_host"))

	repo.broken.Store(false)
	require.NoError(t, s.Refresh(ctx))
	_, ok := s.Snapshot().Check("domain.ip_host")
	assert.False(t, ok)
}

func TestStore_RunRefreshesOnInvalidate(t *testing.T) {
	t.Parallel()
	s, repo := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx, time.Hour)
	require.NoError(t, repo.DeleteCheck(ctx, "domain.ip_host"))
	s.Invalidate()

	assert.Eventually(t, func() bool {
		_, ok := s.Snapshot().Check("domain.ip_host")
		return !ok && s.Healthy()
	}, time.Second, 10*time.Millisecond)
}
