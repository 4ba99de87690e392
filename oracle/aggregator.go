package oracle

import (
	"errors"
	"time"
)

// Aggregator fans lookups across ordered sources and answers with the
// freshest quote inside the configured window. A zero window accepts any
// quote age.
type Aggregator struct {
	sources []Source
	maxAge  time.Duration
	nowFn   func() time.Time
}

// NewAggregator wraps the sources. Nil entries are dropped.
func NewAggregator(maxAge time.Duration, sources ...Source) *Aggregator {
	filtered := make([]Source, 0, len(sources))
	for _, src := range sources {
		if src != nil {
			filtered = append(filtered, src)
		}
	}
	return &Aggregator{
		sources: filtered,
		maxAge:  maxAge,
		nowFn:   time.Now,
	}
}

// SetNowFunc overrides the clock used for freshness checks.
func (a *Aggregator) SetNowFunc(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.nowFn = now
}

// Quote returns the freshest valid quote for the asset. Sources that do not
// know the asset are skipped; if at least one source knows it but every quote
// is outside the window the error is ErrNoFreshQuote.
func (a *Aggregator) Quote(asset string) (Quote, error) {
	var (
		best     Quote
		found    bool
		sawAsset bool
	)
	now := a.nowFn()
	for _, src := range a.sources {
		q, err := src.Quote(asset)
		if err != nil {
			if !errors.Is(err, ErrUnknownAsset) {
				sawAsset = true
			}
			continue
		}
		if q.PriceWad == nil || q.PriceWad.Sign() <= 0 {
			continue
		}
		sawAsset = true
		if a.maxAge > 0 && now.Sub(q.Timestamp) > a.maxAge {
			continue
		}
		if !found || q.Timestamp.After(best.Timestamp) {
			best = q
			found = true
		}
	}
	if found {
		return best.Clone(), nil
	}
	if sawAsset {
		return Quote{}, ErrNoFreshQuote
	}
	return Quote{}, ErrUnknownAsset
}
