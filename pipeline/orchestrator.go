package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"antique-scraper/models"
	"antique-scraper/services"
	"antique-scraper/storage"
	"antique-scraper/utils"
)

// ErrStorage wraps every persistence failure. It aborts the run.
var ErrStorage = errors.New("pipeline: storage failure")

// Collector produces the records of one run and the number of detail pages
// it asked for.
type Collector interface {
	Collect(ctx context.Context) ([]*models.Record, int, error)
}

// Downloader fetches a record's assets. Failed downloads are left out.
type Downloader interface {
	DownloadAll(ctx context.Context, urls []string, ownerID string) []*models.Asset
}

// Enricher always returns a complete enrichment.
type Enricher interface {
	AnalyzeAntique(ctx context.Context, rec *models.Record) *models.Enrichment
}

// Result is what one run stored.
type Result struct {
	Counts      services.RunCounts
	Records     []*models.Record
	Enrichments []*models.Enrichment
}

// Orchestrator runs collect, persist, download, enrich for every record.
type Orchestrator struct {
	collector  Collector
	downloader Downloader
	enricher   Enricher
	store      storage.Store
	exporter   storage.RecordExporter
	workers    int
	logger     *utils.Logger
}

// New creates an Orchestrator. exporter may be nil.
func New(c Collector, d Downloader, e Enricher, store storage.Store, exporter storage.RecordExporter, workers int, logger *utils.Logger) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		collector:  c,
		downloader: d,
		enricher:   e,
		store:      store,
		exporter:   exporter,
		workers:    workers,
		logger:     logger,
	}
}

// Run performs one ingestion run. Per-record download and enrichment
// problems are absorbed by those stages; a storage error cancels the
// remaining record work and is returned wrapped in ErrStorage.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	records, requested, err := o.collector.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect: %w", err)
	}
	if err := ctx.Err(); err != nil {
		o.logger.Warn("[pipeline] Run interrupted during collection")
		return nil, fmt.Errorf("collect: %w", err)
	}

	res := &Result{Counts: services.RunCounts{RequestedDetails: requested}}
	if len(records) == 0 {
		o.logger.Warn("[pipeline] No records collected")
		return res, nil
	}
	o.logger.Info("[pipeline] Collected %d/%d records", len(records), requested)

	if o.exporter != nil {
		if err := o.exporter.WriteRecords(records); err != nil {
			o.logger.Error("[pipeline] CSV export failed: %v", err)
		}
	}

	stored := make([]*models.Record, len(records))
	enriched := make([]*models.Enrichment, len(records))
	var mu sync.Mutex

	p := pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(o.workers)
	for i, rec := range records {
		i, rec := i, rec
		p.Go(func(ctx context.Context) error {
			assets, e, err := o.processRecord(ctx, rec)
			if err != nil {
				return err
			}
			mu.Lock()
			stored[i] = rec
			enriched[i] = e
			res.Counts.Assets += assets
			mu.Unlock()
			return nil
		})
	}
	runErr := p.Wait()

	for i := range records {
		if stored[i] != nil {
			res.Records = append(res.Records, stored[i])
			res.Enrichments = append(res.Enrichments, enriched[i])
		}
	}
	if runErr != nil {
		o.logger.Error("[pipeline] Run aborted after %d records: %v", len(res.Records), runErr)
		return res, runErr
	}

	o.logger.Info("[pipeline] Run complete: %d records, %d assets", len(res.Records), res.Counts.Assets)
	return res, nil
}

// processRecord persists one record, then its assets, then its enrichment.
// It returns the number of stored assets.
func (o *Orchestrator) processRecord(ctx context.Context, rec *models.Record) (int, *models.Enrichment, error) {
	id, err := o.store.SaveRecord(ctx, rec)
	if err != nil {
		o.logger.Error("[pipeline] Saving record %s failed: %v", rec.URL, err)
		return 0, nil, fmt.Errorf("%w: save record %s: %w", ErrStorage, rec.URL, err)
	}
	rec.ID = id

	saved := 0
	if len(rec.AssetURLs) > 0 {
		assets := o.downloader.DownloadAll(ctx, rec.AssetURLs, id)
		for i, a := range assets {
			if _, err := o.store.SaveAsset(ctx, id, a); err != nil {
				o.logger.Error("[pipeline] Saving asset %s failed: %v", a.URL, err)
				removeFiles(assets[i:])
				return saved, nil, fmt.Errorf("%w: save asset %s: %w", ErrStorage, a.URL, err)
			}
			saved++
		}
	}

	e := o.enricher.AnalyzeAntique(ctx, rec)
	e.RecordID = id
	if _, err := o.store.SaveEnrichment(ctx, id, e); err != nil {
		o.logger.Error("[pipeline] Saving enrichment for %s failed: %v", rec.URL, err)
		return saved, nil, fmt.Errorf("%w: save enrichment %s: %w", ErrStorage, rec.URL, err)
	}

	o.logger.Debug("[pipeline] Stored %s with %d/%d images", rec.URL, saved, len(rec.AssetURLs))
	return saved, e, nil
}

// removeFiles deletes downloaded files that have no asset row.
func removeFiles(assets []*models.Asset) {
	for _, a := range assets {
		_ = os.Remove(a.LocalPath)
	}
}
