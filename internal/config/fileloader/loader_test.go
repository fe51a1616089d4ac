package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
)

const sampleDoc = `
checks:
  - id: url.phishing_keywords
    category: url
    max_points: 12
    severity: high
    enabled: true
    timeout: 2s
    kinds: [url]
    params:
      keywords: [verify, unlock]
thresholds:
  - {tier: SAFE, upper_ratio: 0.2}
  - {tier: LOW, upper_ratio: 0.4}
  - {tier: MEDIUM, upper_ratio: 0.6}
  - {tier: HIGH, upper_ratio: 0.85}
settings:
  global_timeout: 20s
`

func TestFileLoader_Load(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "riskscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDoc), 0o600))

	doc, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)

	require.Len(t, doc.Checks, 1)
	c := doc.Checks[0]
	assert.Equal(t, 12.0, c.MaxPoints)
	assert.Equal(t, scanning.SeverityHigh, c.Severity)
	assert.Equal(t, 2*time.Second, c.Timeout)
	assert.Equal(t, []string{"verify", "unlock"}, c.Param(config.ParamKeywords, nil))

	assert.Equal(t, 0.85, doc.Thresholds[3].UpperRatio)
	assert.Equal(t, 20*time.Second, doc.Settings.GlobalTimeout)
	// Omitted sections keep defaults.
	assert.Equal(t, 5*time.Second, doc.Settings.ProbeTimeout)
	assert.NotEmpty(t, doc.Categories)
	assert.Equal(t, "file:"+path, doc.Origin)
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{name: "malformed yaml", doc: "checks: [\n"},
		{name: "unknown severity", doc: "checks:\n  - {id: a.b, category: url, max_points: 1, severity: loud}\n"},
		{name: "unknown category", doc: "checks:\n  - {id: a.b, category: nope, max_points: 1}\n"},
		{name: "descending thresholds", doc: "thresholds:\n  - {tier: SAFE, upper_ratio: 0.5}\n  - {tier: LOW, upper_ratio: 0.2}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestFileLoader_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := NewFileLoader(filepath.Join(t.TempDir(), "absent.yaml")).Load(context.Background())
	assert.Error(t, err)
}
