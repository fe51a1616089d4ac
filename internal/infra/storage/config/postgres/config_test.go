package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/internal/infra/storage"
)

func setupConfigTest(t *testing.T) (context.Context, *configStore, func()) {
	t.Helper()

	ctx := context.Background()
	pool, cleanup := storage.SetupTestContainer(t)
	return ctx, NewConfigStore(pool, storage.NoOpTracer()), cleanup
}

func TestConfigStore_EmptyLoad(t *testing.T) {
	ctx, store, cleanup := setupConfigTest(t)
	defer cleanup()

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Origin, snap.Origin)
	assert.Empty(t, snap.Checks)
	assert.Empty(t, snap.Thresholds)
	assert.Equal(t, config.Settings{}, snap.Settings)
}

func TestConfigStore_SeedRoundTrip(t *testing.T) {
	ctx, store, cleanup := setupConfigTest(t)
	defer cleanup()

	want := config.DefaultSnapshot()
	require.NoError(t, store.Seed(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, want.Categories, got.Categories)
	assert.Equal(t, want.Checks, got.Checks)
	assert.Equal(t, want.Sources, got.Sources)
	assert.Equal(t, want.Thresholds, got.Thresholds)
	assert.Equal(t, want.Settings, got.Settings)
	assert.Empty(t, got.Oracles)
	assert.Empty(t, got.KnownSafe)
	require.NoError(t, got.Validate())

	// Seeding again replaces rather than merges.
	smaller := config.DefaultSnapshot()
	smaller.Checks = smaller.Checks[:2]
	require.NoError(t, store.Seed(ctx, smaller))

	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Checks, 2)
}

func TestConfigStore_Edits(t *testing.T) {
	ctx, store, cleanup := setupConfigTest(t)
	defer cleanup()

	require.NoError(t, store.Seed(ctx, config.DefaultSnapshot()))

	tests := []struct {
		name   string
		edit   func() error
		verify func(t *testing.T, snap *config.Snapshot)
	}{
		{
			name: "update check keeps its position",
			edit: func() error {
				def, _ := config.DefaultSnapshot().Check("domain.age")
				def.MaxPoints = 25
				def.Enabled = false
				return store.UpsertCheck(ctx, def)
			},
			verify: func(t *testing.T, snap *config.Snapshot) {
				assert.Equal(t, "domain.age", snap.Checks[0].ID)
				assert.Equal(t, 25.0, snap.Checks[0].MaxPoints)
				assert.False(t, snap.Checks[0].Enabled)
			},
		},
		{
			name: "new check is appended",
			edit: func() error {
				return store.UpsertCheck(ctx, config.CheckDefinition{
					ID:        "url.custom",
					Category:  "url",
					MaxPoints: 3,
					Severity:  scanning.SeverityLow,
					Enabled:   true,
					Timeout:   1500 * time.Millisecond,
					Kinds:     []scanning.TargetKind{scanning.TargetKindURL, scanning.TargetKindMessage},
					Params:    map[string][]string{"words": {"a", "b"}},
				})
			},
			verify: func(t *testing.T, snap *config.Snapshot) {
				last := snap.Checks[len(snap.Checks)-1]
				assert.Equal(t, "url.custom", last.ID)
				assert.Equal(t, 1500*time.Millisecond, last.Timeout)
				assert.Equal(t, []scanning.TargetKind{scanning.TargetKindURL, scanning.TargetKindMessage}, last.Kinds)
				assert.Equal(t, []string{"a", "b"}, last.Params["words"])
			},
		},
		{
			name: "delete source",
			edit: func() error { return store.DeleteSource(ctx, "phishtank") },
			verify: func(t *testing.T, snap *config.Snapshot) {
				for _, s := range snap.Sources {
					assert.NotEqual(t, "phishtank", s.Name)
				}
			},
		},
		{
			name: "list source keeps entries",
			edit: func() error {
				return store.UpsertSource(ctx, config.SourceConfig{
					Name:       "blocklist",
					Kind:       config.SourceKindList,
					Enabled:    true,
					Points:     30,
					Confidence: 0.8,
					Entries:    []string{"bad.example", "http://worse.example/x"},
				})
			},
			verify: func(t *testing.T, snap *config.Snapshot) {
				var found bool
				for _, s := range snap.Sources {
					if s.Name == "blocklist" {
						found = true
						assert.Equal(t, []string{"bad.example", "http://worse.example/x"}, s.Entries)
					}
				}
				assert.True(t, found)
			},
		},
		{
			name: "oracle upsert",
			edit: func() error {
				return store.UpsertOracle(ctx, config.OracleConfig{
					Name:     "reviewer",
					Kind:     config.OracleKindWebhook,
					Enabled:  true,
					Endpoint: "https://oracle.example/score",
					APIKey:   "secret",
					Weight:   2,
					Timeout:  4 * time.Second,
				})
			},
			verify: func(t *testing.T, snap *config.Snapshot) {
				require.Len(t, snap.Oracles, 1)
				assert.Equal(t, "secret", snap.Oracles[0].APIKey)
				assert.Equal(t, 4*time.Second, snap.Oracles[0].Timeout)
			},
		},
		{
			name: "replace thresholds",
			edit: func() error {
				return store.ReplaceThresholds(ctx, []config.TierThreshold{
					{Tier: scanning.RiskTierSafe, UpperRatio: 0.15},
					{Tier: scanning.RiskTierLow, UpperRatio: 0.3},
					{Tier: scanning.RiskTierMedium, UpperRatio: 0.6},
					{Tier: scanning.RiskTierHigh, UpperRatio: 0.8},
				})
			},
			verify: func(t *testing.T, snap *config.Snapshot) {
				require.Len(t, snap.Thresholds, 4)
				assert.Equal(t, 0.8, snap.Thresholds[3].UpperRatio)
			},
		},
		{
			name: "known safe entry",
			edit: func() error {
				return store.UpsertKnownSafe(ctx, config.KnownSafeEntry{
					Value:   "intranet-partner.example",
					Reason:  "reviewed",
					AddedBy: "analyst",
					AddedAt: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC),
				})
			},
			verify: func(t *testing.T, snap *config.Snapshot) {
				require.Len(t, snap.KnownSafe, 1)
				assert.Equal(t, "analyst", snap.KnownSafe[0].AddedBy)
				assert.True(t, snap.KnownSafe[0].AddedAt.Equal(time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)))
			},
		},
		{
			name: "settings",
			edit: func() error {
				s := config.DefaultSnapshot().Settings
				s.GlobalTimeout = 12 * time.Second
				s.ShortCircuit.Enabled = false
				return store.SaveSettings(ctx, s)
			},
			verify: func(t *testing.T, snap *config.Snapshot) {
				assert.Equal(t, 12*time.Second, snap.Settings.GlobalTimeout)
				assert.False(t, snap.Settings.ShortCircuit.Enabled)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.edit())
			snap, err := store.Load(ctx)
			require.NoError(t, err)
			tt.verify(t, snap)
		})
	}
}

func TestConfigStore_DeleteMissing(t *testing.T) {
	ctx, store, cleanup := setupConfigTest(t)
	defer cleanup()

	assert.ErrorIs(t, store.DeleteCheck(ctx, "nope"), config.ErrNotFound)
	assert.ErrorIs(t, store.DeleteSource(ctx, "nope"), config.ErrNotFound)
	assert.ErrorIs(t, store.DeleteOracle(ctx, "nope"), config.ErrNotFound)
	assert.ErrorIs(t, store.DeleteKnownSafe(ctx, "nope"), config.ErrNotFound)
}
