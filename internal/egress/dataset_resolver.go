package egress

import (
	"context"
	"sync"

	pkgerrors "github.com/secil-uns/canary-sync/pkg/errors"
)

const datasetResolverComponent = "dataset_resolver"

// BrowsePage is one page of a historian deep-browse response.
type BrowsePage struct {
	Paths          []string
	ContinuationToken string
	HasMore        bool
}

// Browser performs one paginated browse call against a named dataset.
type Browser interface {
	Browse(ctx context.Context, dataset, continuationToken string) (BrowsePage, error)
}

// DatasetResolverConfig names the candidate dataset family and override
// behavior (§4.10).
type DatasetResolverConfig struct {
	// Prefix family to search, in order, e.g. ["Canary", "Canary2"].
	Candidates []string
	// Override, when non-empty, forces this dataset name and skips the
	// browse search entirely (used for validation runs, §4.10).
	Override string
	// AutoCreate is carried with the override settings; the resolver
	// itself never reads it.
	AutoCreate bool
}

// DatasetResolver discovers, and caches for the run's lifetime, which
// named dataset contains a tag at a given canonical path (§4.10, §4.11
// step 2).
type DatasetResolver struct {
	cfg     DatasetResolverConfig
	browser Browser

	mu    sync.RWMutex
	cache map[string]string // canonical path -> dataset name
}

func NewDatasetResolver(cfg DatasetResolverConfig, browser Browser) *DatasetResolver {
	return &DatasetResolver{cfg: cfg, browser: browser, cache: make(map[string]string)}
}

// Resolve returns the dataset name containing canonicalPath, from cache,
// override, or a deep browse across the candidate family in order.
func (r *DatasetResolver) Resolve(ctx context.Context, canonicalPath string) (string, error) {
	if r.cfg.Override != "" {
		return r.cfg.Override, nil
	}

	r.mu.RLock()
	if dataset, ok := r.cache[canonicalPath]; ok {
		r.mu.RUnlock()
		return dataset, nil
	}
	r.mu.RUnlock()

	for _, dataset := range r.cfg.Candidates {
		found, err := r.browseForPath(ctx, dataset, canonicalPath)
		if err != nil {
			return "", err
		}
		if found {
			r.mu.Lock()
			r.cache[canonicalPath] = dataset
			r.mu.Unlock()
			return dataset, nil
		}
	}

	return "", pkgerrors.NewDatasetNotFound(datasetResolverComponent, "resolve", "no dataset in candidate family contains path").
		WithMetadata("path", canonicalPath)
}

func (r *DatasetResolver) browseForPath(ctx context.Context, dataset, canonicalPath string) (bool, error) {
	token := ""
	for {
		page, err := r.browser.Browse(ctx, dataset, token)
		if err != nil {
			return false, err
		}
		for _, p := range page.Paths {
			if p == canonicalPath {
				return true, nil
			}
		}
		if !page.HasMore {
			return false, nil
		}
		token = page.ContinuationToken
	}
}

// Invalidate drops a cached resolution, for use after a DatasetNotFound
// response suggests the cached mapping has gone stale.
func (r *DatasetResolver) Invalidate(canonicalPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, canonicalPath)
}
