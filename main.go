package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"antique-scraper/config"
	"antique-scraper/metrics"
	"antique-scraper/pipeline"
	"antique-scraper/scraper/craigslist"
	"antique-scraper/services"
	"antique-scraper/storage"
	"antique-scraper/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "antique-scraper",
		Short:        "Collect, store and appraise Craigslist antique listings",
		SilenceUsage: true,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one ingestion: collect listings, download images, enrich and store",
		Args:  cobra.NoArgs,
		RunE:  runIngestion,
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema and exit",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	})
	return root
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	logger := utils.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	store, err := storage.Open(cmd.Context(), cfg.StorageDriver, cfg.DSN(), logger)
	if err != nil {
		logger.Error("Failed to open %s storage: %v", cfg.StorageDriver, err)
		return err
	}
	logger.Info("Schema ready (%s)", cfg.StorageDriver)
	return store.Close()
}

func runIngestion(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	logger := utils.NewLogger(cfg.LogLevel)
	defer logger.Sync()
	ctx := cmd.Context()

	logger.Info("=== Antique Scraping System starting ===")
	logger.Info("Config: pages %d | listings/page %d | page queue %d/%d per %v | inference queue %d/%d per %v",
		cfg.MaxPages, cfg.PageSize,
		cfg.PageQueue.MaxConcurrency, cfg.PageQueue.MaxStarts, cfg.PageQueue.Window,
		cfg.InferenceQueue.MaxConcurrency, cfg.InferenceQueue.MaxStarts, cfg.InferenceQueue.Window)

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, m, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	store, err := storage.Open(ctx, cfg.StorageDriver, cfg.DSN(), logger)
	if err != nil {
		logger.Error("Failed to open %s storage: %v", cfg.StorageDriver, err)
		if cfg.StorageDriver == "postgres" {
			logger.Error("Make sure Docker is running: docker compose up -d")
		}
		return err
	}
	defer store.Close()

	var exporter storage.RecordExporter
	if cfg.CSVOutputPath != "" {
		csvWriter, err := storage.NewCSVWriter(cfg.CSVOutputPath)
		if err != nil {
			logger.Error("Failed to create CSV writer: %v", err)
			return err
		}
		defer csvWriter.Close()
		exporter = csvWriter
	}

	pageQueue := utils.NewRateLimitedQueue(cfg.PageQueue, m)
	assetQueue := utils.NewRateLimitedQueue(cfg.AssetQueue, m)
	inferenceQueue := utils.NewRateLimitedQueue(cfg.InferenceQueue, m)

	source, err := craigslist.NewChromeSource(craigslist.ChromeOptions{
		ChromeBin:  cfg.ChromeBin,
		UserAgent:  cfg.UserAgent,
		NavTimeout: cfg.NavTimeout,
	}, logger)
	if err != nil {
		logger.Error("Browser unavailable: %v", err)
		return err
	}
	defer source.Close()

	fetcher := craigslist.New(source, pageQueue, craigslist.Options{
		SearchURL:   cfg.SearchURL,
		MaxPages:    cfg.MaxPages,
		PageSize:    cfg.PageSize,
		PageRetries: cfg.PageRetries,
	}, logger, m)

	downloader, err := services.NewAssetDownloader(services.DownloaderOptions{
		Dir:       cfg.AssetDir,
		UserAgent: cfg.UserAgent,
		Referer:   cfg.Referer,
		Timeout:   cfg.AssetTimeout,
		Retries:   cfg.AssetRetries,
	}, assetQueue, logger, m)
	if err != nil {
		return err
	}

	model, err := services.NewOpenAIModel(cfg.InferenceBaseURL, cfg.InferenceAPIKey, cfg.InferenceModel, cfg.InferenceTimeout)
	if err != nil {
		logger.Error("Failed to create inference client: %v", err)
		return err
	}
	enricher := services.NewEnrichmentClient(model, inferenceQueue, services.EnrichmentOptions{
		Temperature: cfg.InferenceTemperature,
		MaxTokens:   cfg.InferenceMaxTokens,
		MaxAttempts: cfg.InferenceAttempts,
		BaseDelay:   cfg.InferenceBackoff,
	}, logger, m)

	orchestrator := pipeline.New(fetcher, downloader, enricher, store, exporter, cfg.RecordWorkers, logger)
	res, runErr := orchestrator.Run(ctx)
	if res != nil {
		reportSvc := services.NewReportService(logger)
		reportSvc.Print(os.Stdout, reportSvc.Generate(res.Counts, res.Records, res.Enrichments))
	}
	if runErr != nil {
		logger.Error("Run failed: %v", runErr)
		return runErr
	}

	fmt.Printf("  Done. Images → %s | Records → %s storage\n\n", cfg.AssetDir, cfg.StorageDriver)
	return nil
}

func serveMetrics(addr string, m *metrics.Metrics, logger *utils.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped: %v", err)
		}
	}()
	logger.Info("Serving metrics on %s/metrics", addr)
	return srv
}
