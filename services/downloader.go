package services

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sourcegraph/conc/iter"

	"antique-scraper/metrics"
	"antique-scraper/models"
	"antique-scraper/utils"
)

const defaultAssetExt = ".jpg"

// DownloaderOptions configures the asset transport.
type DownloaderOptions struct {
	Dir       string
	UserAgent string
	Referer   string
	Timeout   time.Duration
	// Retries is the number of connection-level retries per asset.
	Retries int
}

// AssetDownloader streams remote assets into a local directory.
type AssetDownloader struct {
	client  *retryablehttp.Client
	queue   *utils.RateLimitedQueue
	opts    DownloaderOptions
	logger  *utils.Logger
	metrics *metrics.Metrics
}

// NewAssetDownloader creates the asset directory and the HTTP client.
func NewAssetDownloader(opts DownloaderOptions, queue *utils.RateLimitedQueue, logger *utils.Logger, m *metrics.Metrics) (*AssetDownloader, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("downloader: create asset dir: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.Retries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = opts.Timeout
	client.Logger = logger.Leveled()

	return &AssetDownloader{
		client:  client,
		queue:   queue,
		opts:    opts,
		logger:  logger,
		metrics: m,
	}, nil
}

// DownloadAll downloads every URL through the asset queue and returns the
// assets that were written, in input order. Failed URLs are logged and left
// out; DownloadAll itself never fails.
func (d *AssetDownloader) DownloadAll(ctx context.Context, urls []string, ownerID string) []*models.Asset {
	if len(urls) == 0 {
		return nil
	}

	mapper := iter.Mapper[string, *models.Asset]{MaxGoroutines: len(urls)}
	results := mapper.Map(urls, func(u *string) *models.Asset {
		asset, err := utils.Submit(ctx, d.queue, func(ctx context.Context) (*models.Asset, error) {
			return d.download(ctx, *u, ownerID)
		})
		if err != nil {
			d.metrics.AssetFailed()
			d.logger.Warn("[downloader] Asset %s for %s failed: %v", *u, ownerID, err)
			return nil
		}
		d.metrics.AssetDownloaded()
		return asset
	})

	assets := make([]*models.Asset, 0, len(results))
	for _, a := range results {
		if a != nil {
			assets = append(assets, a)
		}
	}
	d.logger.Debug("[downloader] %s: %d/%d assets downloaded", ownerID, len(assets), len(urls))
	return assets
}

// download streams one asset to disk. On any failure the partial file is
// removed before returning.
func (d *AssetDownloader) download(ctx context.Context, rawURL, ownerID string) (*models.Asset, error) {
	ext := extensionFor(rawURL)
	id := uuid.NewString()
	localPath := filepath.Join(d.opts.Dir, fmt.Sprintf("%s_%s%s", ownerID, id, ext))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", d.opts.UserAgent)
	if d.opts.Referer != "" {
		req.Header.Set("Referer", d.opts.Referer)
	}
	req.Header.Set("Accept", "image/*,*/*;q=0.8")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", localPath, err)
	}
	written, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr == nil && resp.ContentLength > 0 && written != resp.ContentLength {
		copyErr = fmt.Errorf("short body: got %d of %d bytes", written, resp.ContentLength)
	}
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(localPath)
		if copyErr != nil {
			return nil, fmt.Errorf("stream body: %w", copyErr)
		}
		return nil, fmt.Errorf("close %s: %w", localPath, closeErr)
	}

	info, err := os.Stat(localPath)
	if err != nil {
		_ = os.Remove(localPath)
		return nil, fmt.Errorf("stat %s: %w", localPath, err)
	}

	return &models.Asset{
		ID:          id,
		RecordID:    ownerID,
		URL:         rawURL,
		LocalPath:   localPath,
		ContentType: contentTypeFor(resp.Header.Get("Content-Type"), ext),
		SizeBytes:   info.Size(),
		CreatedAt:   time.Now(),
	}, nil
}

// extensionFor infers a file extension from the URL path.
func extensionFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultAssetExt
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if len(ext) < 2 || len(ext) > 5 {
		return defaultAssetExt
	}
	return ext
}

func contentTypeFor(header, ext string) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil {
			return mt
		}
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		if base, _, err := mime.ParseMediaType(mt); err == nil {
			return base
		}
	}
	return "application/octet-stream"
}
