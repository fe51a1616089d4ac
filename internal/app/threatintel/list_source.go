package threatintel

import (
	"context"

	"github.com/ahrav/riskscan/internal/domain/scanning"
)

var _ scanning.ThreatIntelSource = (*ListSource)(nil)

// ListSource is a reputation source backed by a fixed set of entries, such
// as an admin-maintained blocklist.
type ListSource struct {
	name    string
	matcher *Matcher
}

// NewListSource indexes entries under name.
func NewListSource(name string, entries []string) *ListSource {
	return &ListSource{name: name, matcher: NewMatcher(entries)}
}

// Name implements scanning.ThreatIntelSource.
func (s *ListSource) Name() string { return s.name }

// Check implements scanning.ThreatIntelSource.
func (s *ListSource) Check(ctx context.Context, target scanning.Target) (scanning.ThreatIntelVerdict, error) {
	if err := ctx.Err(); err != nil {
		return scanning.ThreatIntelVerdict{}, err
	}
	mt, entry := s.matcher.MatchTarget(target)
	return scanning.ThreatIntelVerdict{
		Source:       s.name,
		Matched:      mt != scanning.MatchTypeNone,
		MatchType:    mt,
		MatchedEntry: entry,
	}, nil
}
