package fetch

import (
	"context"
	"errors"

	"github.com/HerbHall/vigil/internal/pipeline"
	"github.com/HerbHall/vigil/internal/router"
	"github.com/HerbHall/vigil/pkg/check"
)

// Merge combines several fetchers serving the same origin. Sections are
// concatenated in fetcher order. The merged fetch fails only when every
// part fails; it then reports ErrSourceUnavailable if all parts did.
func Merge(fetchers ...pipeline.Fetcher) pipeline.Fetcher {
	if len(fetchers) == 1 {
		return fetchers[0]
	}
	return merged(fetchers)
}

type merged []pipeline.Fetcher

func (m merged) Fetch(ctx context.Context, host router.Host, origin check.Origin) ([]check.RawSection, error) {
	var (
		out         []check.RawSection
		errs        []error
		unavailable int
	)
	for _, f := range m {
		secs, err := f.Fetch(ctx, host, origin)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, pipeline.ErrSourceUnavailable) {
				unavailable++
			} else {
				errs = append(errs, err)
			}
			continue
		}
		out = append(out, secs...)
	}
	if unavailable+len(errs) < len(m) {
		return out, nil
	}
	if len(errs) == 0 {
		return nil, pipeline.ErrSourceUnavailable
	}
	return nil, errors.Join(errs...)
}
