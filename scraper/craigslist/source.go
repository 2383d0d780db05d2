package craigslist

import (
	"context"
	"errors"

	"antique-scraper/models"
)

// ErrRemoved is returned by PageSource.FetchDetail when the listing page
// says the posting was deleted, expired or flagged. It is a terminal
// condition for that URL, not a failure.
var ErrRemoved = errors.New("craigslist: listing removed")

// SearchPage is what a single search results page yields.
type SearchPage struct {
	// NoResults is set when the page shows the explicit "no results" marker.
	NoResults bool
	URLs      []string
}

// PageSource loads and extracts Craigslist pages. Implementations must be
// safe for concurrent use; each call works on its own page handle.
type PageSource interface {
	FetchSearch(ctx context.Context, pageURL string) (*SearchPage, error)
	FetchDetail(ctx context.Context, detailURL string) (*models.RawListing, error)
}
