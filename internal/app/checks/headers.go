package checks

import (
	"context"
	"fmt"
	"strings"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
)

func securityHeaders(_ context.Context, sc *scanning.ScanContext, def config.CheckDefinition) (Signal, error) {
	if sc.Page == nil {
		return Signal{}, missing(sc, "page")
	}
	expected := def.Param(config.ParamHeaders, nil)
	if len(expected) == 0 {
		return none("no headers configured"), nil
	}

	var absent []string
	for _, h := range expected {
		if sc.Page.Header.Get(h) == "" {
			absent = append(absent, h)
		}
	}
	if len(absent) == 0 {
		return none("all hardening headers present"), nil
	}
	return Signal{
		Ratio:    float64(len(absent)) / float64(len(expected)),
		Message:  fmt.Sprintf("missing %d of %d hardening headers", len(absent), len(expected)),
		Evidence: map[string]string{"missing": strings.Join(absent, ",")},
	}, nil
}
