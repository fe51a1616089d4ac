package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/riskscan/internal/domain/scanning"
)

func TestReadTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		stdin   string
		want    string
		wantErr bool
	}{
		{name: "positional", args: []string{"https://example.com"}, want: "https://example.com"},
		{name: "stdin", args: []string{"-"}, stdin: "  verify your account now\n", want: "verify your account now"},
		{name: "empty stdin", args: []string{"-"}, stdin: "\n", wantErr: true},
		{name: "no target", wantErr: true},
		{name: "two targets", args: []string{"a", "b"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := readTarget(tt.args, strings.NewReader(tt.stdin))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFailThreshold(t *testing.T) {
	t.Parallel()

	got, err := failThreshold("")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = failThreshold("high")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.RiskTierHigh, *got)

	_, err = failThreshold("severe")
	assert.Error(t, err)
}

func TestRun_RejectsBadFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts options
		args []string
	}{
		{name: "unknown kind", opts: options{kind: "sms"}, args: []string{"x"}},
		{name: "unknown fail-on", opts: options{kind: "url", failOn: "severe"}, args: []string{"x"}},
		{name: "missing target", opts: options{kind: "url"}},
		{name: "missing config file", opts: options{kind: "url", configFile: "/nonexistent/riskscan.yaml"}, args: []string{"x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			code, err := run(context.Background(), tt.opts, tt.args, strings.NewReader(""), &stdout, &stderr)
			assert.Error(t, err)
			assert.Equal(t, 1, code)
			assert.Empty(t, stdout.String())
		})
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		res  domain.ScanResult
		want string
	}{
		{
			name: "plain",
			res:  domain.ScanResult{Target: "https://example.com", RiskTier: domain.RiskTierSafe, FinalScore: 3, MaxScore: 100},
			want: "SAFE 3.0/100 https://example.com",
		},
		{
			name: "annotated",
			res: domain.ScanResult{
				Target:         "https://login-verify.example",
				RiskTier:       domain.RiskTierCritical,
				FinalScore:     88.25,
				MaxScore:       120,
				ShortCircuited: true,
				Partial:        true,
			},
			want: "CRITICAL 88.2/120 https://login-verify.example (threat-intel match, partial)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, summary(tt.res, false))
		})
	}
}
