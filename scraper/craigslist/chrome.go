package craigslist

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"antique-scraper/models"
	"antique-scraper/utils"
)

// blockedResources are never downloaded by the browser; extraction only
// reads the DOM.
var blockedResources = []network.ResourceType{
	network.ResourceTypeImage,
	network.ResourceTypeStylesheet,
	network.ResourceTypeFont,
	network.ResourceTypeMedia,
}

// ChromeOptions configures the shared browser session.
type ChromeOptions struct {
	ChromeBin  string
	UserAgent  string
	NavTimeout time.Duration
}

// ChromeSource is a PageSource backed by one headless Chrome process. Every
// call opens its own tab and closes it when done.
type ChromeSource struct {
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
	navTimeout    time.Duration
	logger        *utils.Logger
}

// NewChromeSource starts the browser. A missing or broken binary is
// reported here so the run fails before any page is requested.
func NewChromeSource(opts ChromeOptions, logger *utils.Logger) (*ChromeSource, error) {
	chromeBin := opts.ChromeBin
	if chromeBin == "" {
		chromeBin = findChromeBinary()
	}
	logger.Info("[fetcher] Using browser binary: %s", chromeBin)

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.UserAgent(opts.UserAgent),
	)
	if chromeBin != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(chromeBin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)

	// Suppress chromedp log noise
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	navTimeout := opts.NavTimeout
	if navTimeout <= 0 {
		navTimeout = 45 * time.Second
	}
	return &ChromeSource{
		browserCtx:    browserCtx,
		cancelBrowser: cancelBrowser,
		cancelAlloc:   cancelAlloc,
		navTimeout:    navTimeout,
		logger:        logger,
	}, nil
}

// Close shuts the browser down.
func (s *ChromeSource) Close() {
	s.cancelBrowser()
	s.cancelAlloc()
}

// newTab opens a tab bound to ctx and to the navigation timeout.
func (s *ChromeSource) newTab(ctx context.Context) (context.Context, func()) {
	tabCtx, cancelTab := chromedp.NewContext(s.browserCtx)
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, s.navTimeout)
	stop := context.AfterFunc(ctx, cancelTimeout)

	blockResources(tabCtx)
	return tabCtx, func() {
		stop()
		cancelTimeout()
		cancelTab()
	}
}

// blockResources fails every paused request. Only blocked resource types
// are paused, see interceptAction.
func blockResources(ctx context.Context) {
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		e, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(ctx)
			execCtx := cdp.WithExecutor(ctx, c.Target)
			_ = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
		}()
	})
}

func interceptAction() chromedp.Action {
	patterns := make([]*fetch.RequestPattern, 0, len(blockedResources))
	for _, rt := range blockedResources {
		patterns = append(patterns, &fetch.RequestPattern{
			URLPattern:   "*",
			ResourceType: rt,
			RequestStage: fetch.RequestStageRequest,
		})
	}
	return fetch.Enable().WithPatterns(patterns)
}

// FetchSearch loads one search results page and returns its detail URLs.
func (s *ChromeSource) FetchSearch(ctx context.Context, pageURL string) (*SearchPage, error) {
	tabCtx, done := s.newTab(ctx)
	defer done()

	var out struct {
		NoResults bool     `json:"noResults"`
		URLs      []string `json:"urls"`
	}
	err := chromedp.Run(tabCtx,
		interceptAction(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(searchScript, &out),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp search page: %w", err)
	}
	return &SearchPage{NoResults: out.NoResults, URLs: out.URLs}, nil
}

// FetchDetail loads one listing page. It returns ErrRemoved when the
// posting is gone.
func (s *ChromeSource) FetchDetail(ctx context.Context, detailURL string) (*models.RawListing, error) {
	tabCtx, done := s.newTab(ctx)
	defer done()

	var out struct {
		Removed     bool     `json:"removed"`
		Title       string   `json:"title"`
		Price       string   `json:"price"`
		Description string   `json:"description"`
		Location    string   `json:"location"`
		PostedAt    string   `json:"postedAt"`
		Thumbnails  []string `json:"thumbnails"`
		Attributes  []string `json:"attributes"`
	}
	err := chromedp.Run(tabCtx,
		interceptAction(),
		chromedp.Navigate(detailURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(detailScript, &out),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp detail extract: %w", err)
	}
	if out.Removed {
		return nil, ErrRemoved
	}
	if out.Title == "" {
		return nil, fmt.Errorf("unexpected markup: no title on %s", detailURL)
	}

	return &models.RawListing{
		URL:            detailURL,
		Title:          out.Title,
		RawPrice:       out.Price,
		Description:    out.Description,
		Location:       out.Location,
		RawPostedAt:    out.PostedAt,
		ThumbnailURLs:  out.Thumbnails,
		AttributeSpans: out.Attributes,
		FetchedAt:      time.Now(),
	}, nil
}

const searchScript = `
(function() {
	var result = { noResults: false, urls: [] };
	if (document.querySelector('.cl-no-results, .noresults, .no-results')) {
		result.noResults = true;
		return result;
	}
	var links = document.querySelectorAll(
		'li.cl-static-search-result a, .cl-search-result a.posting-title, .result-row a.result-title');
	var seen = {};
	for (var i = 0; i < links.length; i++) {
		var href = links[i].href;
		if (!href || seen[href]) continue;
		seen[href] = true;
		result.urls.push(href);
	}
	return result;
})()
`

const detailScript = `
(function() {
	var text = function(sel) {
		var el = document.querySelector(sel);
		return el ? el.innerText.trim() : '';
	};
	var result = {
		removed: false, title: '', price: '', description: '', location: '',
		postedAt: '', thumbnails: [], attributes: []
	};

	var removed = document.querySelector('.removed');
	var body = document.body ? document.body.innerText : '';
	if (removed || /This posting has been (deleted|flagged for removal)|This posting has expired/i.test(body)) {
		result.removed = true;
		return result;
	}

	result.title = text('#titletextonly');
	result.price = text('.postingtitletext .price');
	result.location = text('.postingtitletext small');

	var posting = document.querySelector('#postingbody');
	if (posting) {
		var clone = posting.cloneNode(true);
		var junk = clone.querySelectorAll('.print-information, .print-qrcode-container');
		for (var j = 0; j < junk.length; j++) junk[j].remove();
		result.description = clone.innerText.trim();
	}

	var posted = document.querySelector('.postinginfos time.date, time.date.timeago');
	if (posted) result.postedAt = posted.getAttribute('datetime') || posted.innerText.trim();

	var thumbs = document.querySelectorAll('#thumbs a, #thumbs img, .gallery .swipe img');
	for (var t = 0; t < thumbs.length; t++) {
		var src = thumbs[t].getAttribute('href') || thumbs[t].getAttribute('src');
		if (src) result.thumbnails.push(src);
	}

	var attrs = document.querySelectorAll('.attrgroup .attr');
	for (var a = 0; a < attrs.length; a++) {
		var label = attrs[a].querySelector('.labl');
		var value = attrs[a].querySelector('.valu');
		if (label && value) {
			result.attributes.push(label.innerText.trim().replace(/:$/, '') + ': ' + value.innerText.trim());
		} else {
			result.attributes.push(attrs[a].innerText.trim());
		}
	}
	if (attrs.length === 0) {
		var spans = document.querySelectorAll('.attrgroup span');
		for (var s = 0; s < spans.length; s++) {
			var v = spans[s].innerText.trim();
			if (v) result.attributes.push(v);
		}
	}
	return result;
})()
`

// findChromeBinary locates a Chrome/Chromium binary.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
