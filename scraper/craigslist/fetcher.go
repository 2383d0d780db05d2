package craigslist

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/sourcegraph/conc/pool"

	"antique-scraper/metrics"
	"antique-scraper/models"
	"antique-scraper/services"
	"antique-scraper/utils"
)

// Options bounds one collection run.
type Options struct {
	SearchURL   string
	MaxPages    int
	PageSize    int
	PageRetries int
	RetryDelay  time.Duration
}

// Fetcher walks the paginated search results, deduplicates listing URLs and
// fetches every unique detail page through the page queue.
type Fetcher struct {
	source  PageSource
	queue   *utils.RateLimitedQueue
	cleaner *services.Cleaner
	opts    Options
	retry   *utils.RetryConfig
	logger  *utils.Logger
	metrics *metrics.Metrics
}

// New creates a Fetcher. The queue bounds every navigation, search and detail.
func New(source PageSource, queue *utils.RateLimitedQueue, opts Options, logger *utils.Logger, m *metrics.Metrics) *Fetcher {
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	return &Fetcher{
		source:  source,
		queue:   queue,
		cleaner: services.NewCleaner(logger),
		opts:    opts,
		retry: &utils.RetryConfig{
			MaxAttempts: opts.PageRetries + 1,
			BaseDelay:   retryDelay,
			Logger:      logger,
		},
		logger:  logger,
		metrics: m,
	}
}

// Collect returns the records that were fetched successfully together with
// the number of unique detail URLs that were requested. Failed and removed
// listings are left out. An error is returned only when the first search
// page cannot be loaded at all.
func (f *Fetcher) Collect(ctx context.Context) ([]*models.Record, int, error) {
	f.logger.Info("[fetcher] Starting collection: up to %d pages, %d listings/page",
		f.opts.MaxPages, f.opts.PageSize)

	urls, err := f.collectURLs(ctx)
	if err != nil {
		return nil, 0, err
	}
	if len(urls) == 0 {
		f.logger.Info("[fetcher] No listings found")
		return nil, 0, nil
	}

	f.logger.Info("[fetcher] Fetching %d unique detail pages", len(urls))
	raws := f.fetchDetails(ctx, urls)
	records := f.cleaner.Clean(raws)
	for range records {
		f.metrics.RecordCollected()
	}

	f.logger.Info("[fetcher] Collection complete: %d/%d listings", len(records), len(urls))
	return records, len(urls), nil
}

// collectURLs iterates search pages until the no-results marker, a short
// page or MaxPages. URLs are returned in first-seen order.
func (f *Fetcher) collectURLs(ctx context.Context) ([]string, error) {
	seen := utils.NewURLSet()

	for page := 0; page < f.opts.MaxPages; page++ {
		pageURL, err := searchPageURL(f.opts.SearchURL, page, f.opts.PageSize)
		if err != nil {
			return nil, err
		}
		f.logger.Info("[fetcher] Search page %d: %s", page, pageURL)

		var result *SearchPage
		err = f.retry.Do(ctx, fmt.Sprintf("search-page-%d", page), func(int) error {
			var err error
			result, err = utils.Submit(ctx, f.queue, func(ctx context.Context) (*SearchPage, error) {
				return f.source.FetchSearch(ctx, pageURL)
			})
			return err
		})
		if err != nil {
			if page == 0 {
				return nil, fmt.Errorf("search page: %w", err)
			}
			f.logger.Error("[fetcher] Search page %d failed, stopping pagination: %v", page, err)
			break
		}
		f.metrics.PageFetched()

		if result.NoResults {
			f.logger.Info("[fetcher] Page %d shows no results, stopping", page)
			break
		}

		added := 0
		for _, u := range result.URLs {
			if seen.Add(u) {
				added++
			} else {
				f.logger.Debug("[fetcher] Skipping duplicate: %s", u)
			}
		}
		f.logger.Info("[fetcher] Page %d: %d results, %d new (total %d)",
			page, len(result.URLs), added, seen.Size())

		if len(result.URLs) < f.opts.PageSize {
			break
		}
	}

	return seen.Values(), nil
}

// fetchDetails runs one queued detail fetch per URL and keeps the successes
// in input order.
func (f *Fetcher) fetchDetails(ctx context.Context, urls []string) []*models.RawListing {
	p := pool.NewWithResults[indexedListing]()
	for i, u := range urls {
		i, u := i, u
		p.Go(func() indexedListing {
			raw, err := utils.Submit(ctx, f.queue, func(ctx context.Context) (*models.RawListing, error) {
				return f.source.FetchDetail(ctx, u)
			})
			switch {
			case errors.Is(err, ErrRemoved):
				f.logger.Info("[fetcher] Listing removed: %s", u)
				return indexedListing{}
			case err != nil:
				f.metrics.DetailFailed()
				f.logger.Warn("[fetcher] Detail page failed for %s: %v", u, err)
				return indexedListing{}
			}
			return indexedListing{index: i, listing: raw}
		})
	}

	ordered := make([]*models.RawListing, len(urls))
	for _, r := range p.Wait() {
		if r.listing != nil {
			ordered[r.index] = r.listing
		}
	}

	out := make([]*models.RawListing, 0, len(urls))
	for _, r := range ordered {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type indexedListing struct {
	index   int
	listing *models.RawListing
}

// searchPageURL sets the result offset on the base search URL.
func searchPageURL(base string, page, pageSize int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("search url: %w", err)
	}
	q := u.Query()
	if page > 0 {
		q.Set("s", strconv.Itoa(page*pageSize))
	} else {
		q.Del("s")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
