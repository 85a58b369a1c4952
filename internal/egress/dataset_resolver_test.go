package egress

import (
	"context"
	"testing"

	pkgerrors "github.com/secil-uns/canary-sync/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBrowser struct {
	pages map[string][]BrowsePage // dataset -> sequence of pages
	calls map[string]int
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{pages: make(map[string][]BrowsePage), calls: make(map[string]int)}
}

func (f *fakeBrowser) Browse(ctx context.Context, dataset, token string) (BrowsePage, error) {
	idx := f.calls[dataset]
	f.calls[dataset] = idx + 1
	pages := f.pages[dataset]
	if idx >= len(pages) {
		return BrowsePage{}, nil
	}
	return pages[idx], nil
}

func TestDatasetResolver_FindsPathOnFirstCandidate(t *testing.T) {
	browser := newFakeBrowser()
	browser.pages["Canary"] = []BrowsePage{{Paths: []string{"Secil.EdgeA.DeviceA.Temperature.PV"}}}

	r := NewDatasetResolver(DatasetResolverConfig{Candidates: []string{"Canary", "Canary2"}}, browser)
	dataset, err := r.Resolve(context.Background(), "Secil.EdgeA.DeviceA.Temperature.PV")
	require.NoError(t, err)
	assert.Equal(t, "Canary", dataset)
}

func TestDatasetResolver_FallsThroughToSecondCandidate(t *testing.T) {
	browser := newFakeBrowser()
	browser.pages["Canary"] = []BrowsePage{{Paths: []string{"other"}}}
	browser.pages["Canary2"] = []BrowsePage{{Paths: []string{"Secil.EdgeA.DeviceA.Temperature.PV"}}}

	r := NewDatasetResolver(DatasetResolverConfig{Candidates: []string{"Canary", "Canary2"}}, browser)
	dataset, err := r.Resolve(context.Background(), "Secil.EdgeA.DeviceA.Temperature.PV")
	require.NoError(t, err)
	assert.Equal(t, "Canary2", dataset)
}

func TestDatasetResolver_PagesUntilContinuationExhausted(t *testing.T) {
	browser := newFakeBrowser()
	browser.pages["Canary"] = []BrowsePage{
		{Paths: []string{"a"}, HasMore: true, ContinuationToken: "tok1"},
		{Paths: []string{"Secil.EdgeA.DeviceA.Temperature.PV"}},
	}

	r := NewDatasetResolver(DatasetResolverConfig{Candidates: []string{"Canary"}}, browser)
	dataset, err := r.Resolve(context.Background(), "Secil.EdgeA.DeviceA.Temperature.PV")
	require.NoError(t, err)
	assert.Equal(t, "Canary", dataset)
}

func TestDatasetResolver_UnresolvedFailsWithDatasetNotFound(t *testing.T) {
	browser := newFakeBrowser()
	browser.pages["Canary"] = []BrowsePage{{Paths: []string{"other"}}}

	r := NewDatasetResolver(DatasetResolverConfig{Candidates: []string{"Canary"}}, browser)
	_, err := r.Resolve(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.DatasetNotFound))
}

func TestDatasetResolver_OverrideSkipsBrowse(t *testing.T) {
	browser := newFakeBrowser()
	r := NewDatasetResolver(DatasetResolverConfig{Override: "ValidationDataset"}, browser)
	dataset, err := r.Resolve(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "ValidationDataset", dataset)
	assert.Zero(t, browser.calls["Canary"])
}

func TestDatasetResolver_CachesResolutionAcrossCalls(t *testing.T) {
	browser := newFakeBrowser()
	browser.pages["Canary"] = []BrowsePage{{Paths: []string{"p"}}}

	r := NewDatasetResolver(DatasetResolverConfig{Candidates: []string{"Canary"}}, browser)
	_, err := r.Resolve(context.Background(), "p")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "p")
	require.NoError(t, err)

	assert.Equal(t, 1, browser.calls["Canary"])
}
