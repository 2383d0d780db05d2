package craigslist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antique-scraper/metrics"
	"antique-scraper/models"
	"antique-scraper/utils"
)

const testBase = "https://sfbay.craigslist.org/search/ata"

type fakeSource struct {
	mu          sync.Mutex
	pages       map[string]*SearchPage
	searchErr   error
	removed     map[string]bool
	broken      map[string]bool
	searchCalls []string
	detailCalls map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:       map[string]*SearchPage{},
		removed:     map[string]bool{},
		broken:      map[string]bool{},
		detailCalls: map[string]int{},
	}
}

func (s *fakeSource) setPage(t *testing.T, page, pageSize int, p *SearchPage) {
	t.Helper()
	u, err := searchPageURL(testBase, page, pageSize)
	require.NoError(t, err)
	s.pages[u] = p
}

func (s *fakeSource) FetchSearch(_ context.Context, pageURL string) (*SearchPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchCalls = append(s.searchCalls, pageURL)
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	if p, ok := s.pages[pageURL]; ok {
		return p, nil
	}
	return &SearchPage{NoResults: true}, nil
}

func (s *fakeSource) FetchDetail(_ context.Context, detailURL string) (*models.RawListing, error) {
	s.mu.Lock()
	s.detailCalls[detailURL]++
	s.mu.Unlock()

	switch {
	case s.removed[detailURL]:
		return nil, ErrRemoved
	case s.broken[detailURL]:
		return nil, errors.New("navigation timeout")
	}
	return &models.RawListing{
		URL:         detailURL,
		Title:       "Listing " + detailURL,
		RawPrice:    "$1,200",
		RawPostedAt: "2024-03-05T10:00:00-0800",
		FetchedAt:   time.Now(),
	}, nil
}

type countingObserver struct {
	mu     sync.Mutex
	admits int
}

func (o *countingObserver) ObserveQueueWait(string, time.Duration) {
	o.mu.Lock()
	o.admits++
	o.mu.Unlock()
}

func (o *countingObserver) SetQueueInflight(string, int) {}

func newTestFetcher(src PageSource, maxPages, pageSize int) *Fetcher {
	queue := utils.NewRateLimitedQueue(utils.QueuePolicy{Name: "page", MaxConcurrency: 3}, nil)
	return newTestFetcherWithQueue(src, queue, maxPages, pageSize)
}

func newTestFetcherWithQueue(src PageSource, queue *utils.RateLimitedQueue, maxPages, pageSize int) *Fetcher {
	return New(src, queue, Options{
		SearchURL:   testBase,
		MaxPages:    maxPages,
		PageSize:    pageSize,
		PageRetries: 1,
		RetryDelay:  time.Millisecond,
	}, utils.NewNopLogger(), metrics.New())
}

func TestCollectFetchesDuplicateURLOnce(t *testing.T) {
	src := newFakeSource()
	src.setPage(t, 0, 2, &SearchPage{URLs: []string{"https://x/a.html", "https://x/dup.html"}})
	src.setPage(t, 1, 2, &SearchPage{URLs: []string{"https://x/dup.html", "https://x/b.html"}})

	f := newTestFetcher(src, 5, 2)
	records, requested, err := f.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, requested)
	assert.Len(t, records, 3)
	assert.Equal(t, 1, src.detailCalls["https://x/dup.html"])

	var urls []string
	for _, r := range records {
		urls = append(urls, r.URL)
	}
	assert.Equal(t, []string{"https://x/a.html", "https://x/dup.html", "https://x/b.html"}, urls)
}

func TestCollectShortPageStopsPagination(t *testing.T) {
	src := newFakeSource()
	src.setPage(t, 0, 3, &SearchPage{URLs: []string{"https://x/a.html", "https://x/b.html"}})
	src.setPage(t, 1, 3, &SearchPage{URLs: []string{"https://x/c.html"}})

	f := newTestFetcher(src, 5, 3)
	records, requested, err := f.Collect(context.Background())
	require.NoError(t, err)

	assert.Len(t, src.searchCalls, 1)
	assert.Equal(t, 2, requested)
	assert.Len(t, records, 2)
}

func TestCollectNoResults(t *testing.T) {
	src := newFakeSource()

	f := newTestFetcher(src, 5, 3)
	records, requested, err := f.Collect(context.Background())
	require.NoError(t, err)

	assert.Empty(t, records)
	assert.Zero(t, requested)
	assert.Len(t, src.searchCalls, 1)
	assert.Empty(t, src.detailCalls)
}

func TestCollectRespectsMaxPages(t *testing.T) {
	src := newFakeSource()
	src.setPage(t, 0, 1, &SearchPage{URLs: []string{"https://x/a.html"}})
	src.setPage(t, 1, 1, &SearchPage{URLs: []string{"https://x/b.html"}})
	src.setPage(t, 2, 1, &SearchPage{URLs: []string{"https://x/c.html"}})

	f := newTestFetcher(src, 2, 1)
	_, requested, err := f.Collect(context.Background())
	require.NoError(t, err)

	assert.Len(t, src.searchCalls, 2)
	assert.Equal(t, 2, requested)
}

func TestCollectIsolatesDetailFailures(t *testing.T) {
	src := newFakeSource()
	src.setPage(t, 0, 10, &SearchPage{URLs: []string{
		"https://x/ok.html", "https://x/gone.html", "https://x/broken.html",
	}})
	src.removed["https://x/gone.html"] = true
	src.broken["https://x/broken.html"] = true

	f := newTestFetcher(src, 1, 10)
	records, requested, err := f.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, requested)
	require.Len(t, records, 1)
	assert.Equal(t, "https://x/ok.html", records[0].URL)
	require.NotNil(t, records[0].Price)
	assert.Equal(t, 1200.0, *records[0].Price)
}

func TestCollectFirstSearchPageFailure(t *testing.T) {
	src := newFakeSource()
	src.searchErr = errors.New("browser gone")

	f := newTestFetcher(src, 3, 10)
	_, _, err := f.Collect(context.Background())
	require.Error(t, err)
	assert.Len(t, src.searchCalls, 2, "one retry after the first attempt")
}

func TestSearchPageURL(t *testing.T) {
	u, err := searchPageURL(testBase+"?query=clock", 0, 120)
	require.NoError(t, err)
	assert.Equal(t, testBase+"?query=clock", u)

	u, err = searchPageURL(testBase+"?query=clock", 2, 120)
	require.NoError(t, err)
	assert.Equal(t, testBase+"?query=clock&s=240", u)

	_, err = searchPageURL("://bad", 0, 120)
	assert.Error(t, err)
}

func TestCollectQueuesSearchAndDetailPages(t *testing.T) {
	src := newFakeSource()
	src.setPage(t, 0, 3, &SearchPage{URLs: []string{"https://x/a.html", "https://x/b.html"}})

	obs := &countingObserver{}
	queue := utils.NewRateLimitedQueue(utils.QueuePolicy{Name: "page", MaxConcurrency: 3}, obs)
	f := newTestFetcherWithQueue(src, queue, 5, 3)

	_, _, err := f.Collect(context.Background())
	require.NoError(t, err)

	// one search page plus two detail pages
	assert.Equal(t, 3, obs.admits)
}
