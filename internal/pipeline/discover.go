package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
)

// GranuleReader opens a granule file and exposes its product and
// geolocation arrays.
type GranuleReader interface {
	ReadGranule(ctx context.Context, path string) (domain.Granule, error)
}

// GlobDiscoverer lists regular files in Dir whose names match Pattern.
type GlobDiscoverer struct {
	Dir     string
	Pattern string
}

// Discover returns matching paths in lexical order. A missing directory
// yields no candidates.
func (d GlobDiscoverer) Discover(_ context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(d.Dir, d.Pattern))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", d.Pattern, err)
	}
	out := matches[:0]
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out = append(out, m)
	}
	slices.Sort(out)
	return out, nil
}

// GranuleProcessor reads a granule and flattens its quality pixels.
type GranuleProcessor struct {
	Reader GranuleReader
}

// Process returns the observations of one granule.
func (gp GranuleProcessor) Process(ctx context.Context, path string) ([]domain.Observation, error) {
	g, err := gp.Reader.ReadGranule(ctx, path)
	if err != nil {
		return nil, err
	}
	return domain.FlattenGranule(g)
}
