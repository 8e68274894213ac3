package routing

import (
	"context"
	"strconv"

	"mailrelay/internal/domain"
	"mailrelay/internal/store"
	"mailrelay/internal/util"
)

type BackendFinder interface {
	FindBackend(ctx context.Context, q store.BackendQuery) (domain.BackendConfig, bool, error)
}

// Selector resolves the delivery backend for a recipient address. Create one
// per dispatch call: resolution results are cached per (domain, site) so a
// message with many recipients on the same domain hits the store once.
type Selector struct {
	finder BackendFinder
	cache  map[string]domain.BackendConfig
}

func NewSelector(f BackendFinder) *Selector {
	return &Selector{finder: f, cache: make(map[string]domain.BackendConfig)}
}

// Resolve walks the fallback chain and returns the first active backend that
// matches: site+domain, site, unscoped+domain, then the unscoped main
// backend. No match is fatal for the whole message.
func (s *Selector) Resolve(ctx context.Context, address string, siteID int64) (domain.BackendConfig, error) {
	dom := util.AddressDomain(address)
	key := dom + "_" + strconv.FormatInt(siteID, 10)
	if b, ok := s.cache[key]; ok {
		return b, nil
	}

	// Without a positive site id the site tiers would degenerate to "any
	// active backend", so they are skipped entirely.
	var tiers []store.BackendQuery
	if siteID > 0 {
		tiers = append(tiers,
			store.BackendQuery{SiteID: siteID, Domain: dom},
			store.BackendQuery{SiteID: siteID},
		)
	}
	tiers = append(tiers,
		store.BackendQuery{Unscoped: true, Domain: dom},
		store.BackendQuery{Unscoped: true, MainOnly: true},
	)
	for _, q := range tiers {
		b, found, err := s.finder.FindBackend(ctx, q)
		if err != nil {
			return domain.BackendConfig{}, err
		}
		if found {
			s.cache[key] = b
			return b, nil
		}
	}
	return domain.BackendConfig{}, &domain.NoSuitableBackendError{Address: address}
}
