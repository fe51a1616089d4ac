package threatintel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	appti "github.com/ahrav/riskscan/internal/app/threatintel"
	"github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/pkg/common/logger"
)

// errFeedNotLoaded is returned while a feed has never downloaded
// successfully.
var errFeedNotLoaded = errors.New("feed not loaded")

const defaultFeedRefresh = 30 * time.Minute

// Feed is a plain-text blocklist (one URL or domain per line) downloaded
// periodically and matched locally.
type Feed struct {
	remote
	interval time.Duration
	matcher  atomic.Pointer[appti.Matcher]
	loadedAt atomic.Int64
	logger   *logger.Logger
}

func newFeed(r remote, interval time.Duration, log *logger.Logger) *Feed {
	if interval <= 0 {
		interval = defaultFeedRefresh
	}
	return &Feed{remote: r, interval: interval, logger: log.With("source", r.name)}
}

// Name implements scanning.ThreatIntelSource.
func (f *Feed) Name() string { return f.name }

// Check implements scanning.ThreatIntelSource. A feed that has never loaded
// is unavailable.
func (f *Feed) Check(ctx context.Context, target scanning.Target) (scanning.ThreatIntelVerdict, error) {
	if err := ctx.Err(); err != nil {
		return scanning.ThreatIntelVerdict{}, err
	}
	m := f.matcher.Load()
	if m == nil {
		return scanning.ThreatIntelVerdict{}, fmt.Errorf("%s: %w", f.name, errFeedNotLoaded)
	}
	mt, entry := m.MatchTarget(target)
	return scanning.ThreatIntelVerdict{
		Source:       f.name,
		Matched:      mt != scanning.MatchTypeNone,
		MatchType:    mt,
		MatchedEntry: entry,
	}, nil
}

// Refresh downloads the feed once and swaps in the new index.
func (f *Feed) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return err
	}
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}
	body, err := f.do(req)
	if err != nil {
		return err
	}

	var entries []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		entries = append(entries, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%s parse: %w", f.name, err)
	}

	m := appti.NewMatcher(entries)
	f.matcher.Store(m)
	f.loadedAt.Store(time.Now().UnixNano())
	f.logger.Info(ctx, "feed refreshed", "entries", m.Len())
	return nil
}

// Run refreshes the feed every interval until ctx is done. Failed
// downloads are retried with exponential backoff; the previous index stays
// in service meanwhile.
func (f *Feed) Run(ctx context.Context) {
	refresh := func() {
		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.InitialInterval = 5 * time.Second
		expBackoff.MaxElapsedTime = f.interval / 2

		err := backoff.Retry(func() error { return f.Refresh(ctx) }, backoff.WithContext(expBackoff, ctx))
		if err != nil && ctx.Err() == nil {
			f.logger.Warn(ctx, "feed refresh failed", "error", err)
		}
	}

	refresh()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
