package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"antique-scraper/models"
	"antique-scraper/utils"
)

// SQLStore persists records, assets and enrichments to PostgreSQL or SQLite.
type SQLStore struct {
	db     *sql.DB
	sb     sq.StatementBuilderType
	driver string
	logger *utils.Logger
}

// Open connects to the database, waits for it to answer, creates the schema
// and returns a ready-to-use SQLStore. driver is "postgres" or "sqlite".
func Open(ctx context.Context, driver, dsn string, logger *utils.Logger) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
		sb  sq.StatementBuilderType
	)
	switch driver {
	case "postgres":
		db, err = sql.Open("postgres", dsn)
		sb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	case "sqlite":
		db, err = sql.Open("sqlite", prepareSQLiteDSN(dsn))
		if err == nil {
			// One writer connection; SQLite serialises writes anyway.
			db.SetMaxOpenConns(1)
		}
		sb = sq.StatementBuilder.PlaceholderFormat(sq.Question)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	attempt := 1
	err = backoff.Retry(func() error {
		if err := db.PingContext(ctx); err != nil {
			logger.Info("[storage] waiting for %s (attempt %d): %v", driver, attempt, err)
			attempt++
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s failed after retries: %w", driver, err)
	}

	s := &SQLStore{db: db, sb: sb, driver: driver, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return s, nil
}

// prepareSQLiteDSN enables foreign keys and a busy timeout unless the DSN
// already sets them.
func prepareSQLiteDSN(dsn string) string {
	path, rawQuery, _ := strings.Cut(dsn, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		query = url.Values{}
	}
	have := map[string]bool{}
	for _, p := range query["_pragma"] {
		name, _, _ := strings.Cut(p, "(")
		have[name] = true
	}
	if !have["foreign_keys"] {
		query.Add("_pragma", "foreign_keys(1)")
	}
	if !have["busy_timeout"] {
		query.Add("_pragma", "busy_timeout(5000)")
	}
	return path + "?" + query.Encode()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	ts := "TIMESTAMPTZ"
	if s.driver == "sqlite" {
		ts = "TIMESTAMP"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id          TEXT PRIMARY KEY,
			url         TEXT NOT NULL UNIQUE,
			title       TEXT NOT NULL DEFAULT '',
			price       DOUBLE PRECISION,
			description TEXT NOT NULL DEFAULT '',
			location    TEXT NOT NULL DEFAULT '',
			posted_at   ` + ts + ` NOT NULL,
			asset_urls  TEXT NOT NULL DEFAULT '[]',
			attributes  TEXT NOT NULL DEFAULT '{}',
			created_at  ` + ts + ` NOT NULL,
			updated_at  ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS assets (
			id           TEXT PRIMARY KEY,
			record_id    TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
			url          TEXT NOT NULL,
			local_path   TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			size_bytes   BIGINT NOT NULL DEFAULT 0,
			created_at   ` + ts + ` NOT NULL,
			UNIQUE (record_id, url)
		)`,
		`CREATE TABLE IF NOT EXISTS enrichments (
			record_id          TEXT PRIMARY KEY REFERENCES records(id) ON DELETE CASCADE,
			market_value       DOUBLE PRECISION NOT NULL DEFAULT 0,
			pricing_assessment TEXT NOT NULL DEFAULT 'fair',
			pricing_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			authenticity_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			authenticity_tips  TEXT NOT NULL DEFAULT '',
			historical_context TEXT NOT NULL DEFAULT '',
			additional_notes   TEXT NOT NULL DEFAULT '',
			updated_at         ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_record_id ON assets(record_id)`,
		`CREATE INDEX IF NOT EXISTS idx_records_posted_at ON records(posted_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveRecord upserts r by URL and bumps updated_at.
func (s *SQLStore) SaveRecord(ctx context.Context, r *models.Record) (string, error) {
	assetURLs, err := json.Marshal(r.AssetURLs)
	if err != nil {
		return "", fmt.Errorf("storage: encode asset urls: %w", err)
	}
	attrs, err := json.Marshal(r.Attributes)
	if err != nil {
		return "", fmt.Errorf("storage: encode attributes: %w", err)
	}

	now := time.Now().UTC()
	created := r.CreatedAt
	if created.IsZero() {
		created = now
	}
	price := sql.NullFloat64{}
	if r.Price != nil {
		price = sql.NullFloat64{Float64: *r.Price, Valid: true}
	}

	query, args, err := s.sb.Insert("records").
		Columns("id", "url", "title", "price", "description", "location", "posted_at",
			"asset_urls", "attributes", "created_at", "updated_at").
		Values(r.ID, r.URL, r.Title, price, r.Description, r.Location, r.PostedAt.UTC(),
			string(assetURLs), string(attrs), created.UTC(), now).
		Suffix(`ON CONFLICT (url) DO UPDATE SET
			title = excluded.title,
			price = excluded.price,
			description = excluded.description,
			location = excluded.location,
			posted_at = excluded.posted_at,
			asset_urls = excluded.asset_urls,
			attributes = excluded.attributes,
			updated_at = excluded.updated_at
			RETURNING id`).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("storage: build record upsert: %w", err)
	}

	var id string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return "", fmt.Errorf("storage: save record %s: %w", r.URL, err)
	}
	return id, nil
}

// SaveAsset upserts a by (ownerID, URL).
func (s *SQLStore) SaveAsset(ctx context.Context, ownerID string, a *models.Asset) (string, error) {
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	query, args, err := s.sb.Insert("assets").
		Columns("id", "record_id", "url", "local_path", "content_type", "size_bytes", "created_at").
		Values(a.ID, ownerID, a.URL, a.LocalPath, a.ContentType, a.SizeBytes, created.UTC()).
		Suffix(`ON CONFLICT (record_id, url) DO UPDATE SET
			local_path = excluded.local_path,
			content_type = excluded.content_type,
			size_bytes = excluded.size_bytes
			RETURNING id`).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("storage: build asset upsert: %w", err)
	}

	var id string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return "", fmt.Errorf("storage: save asset %s: %w", a.URL, err)
	}
	return id, nil
}

// SaveEnrichment replaces the enrichment row of ownerID.
func (s *SQLStore) SaveEnrichment(ctx context.Context, ownerID string, e *models.Enrichment) (string, error) {
	query, args, err := s.sb.Insert("enrichments").
		Columns("record_id", "market_value", "pricing_assessment", "pricing_confidence",
			"authenticity_score", "authenticity_tips", "historical_context", "additional_notes", "updated_at").
		Values(ownerID, e.MarketValue, string(e.PricingAssessment), e.PricingConfidence,
			e.AuthenticityScore, e.AuthenticityTips, e.HistoricalContext, e.AdditionalNotes, time.Now().UTC()).
		Suffix(`ON CONFLICT (record_id) DO UPDATE SET
			market_value = excluded.market_value,
			pricing_assessment = excluded.pricing_assessment,
			pricing_confidence = excluded.pricing_confidence,
			authenticity_score = excluded.authenticity_score,
			authenticity_tips = excluded.authenticity_tips,
			historical_context = excluded.historical_context,
			additional_notes = excluded.additional_notes,
			updated_at = excluded.updated_at
			RETURNING record_id`).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("storage: build enrichment upsert: %w", err)
	}

	var id string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return "", fmt.Errorf("storage: save enrichment for %s: %w", ownerID, err)
	}
	return id, nil
}

// Records returns every stored record, oldest first.
func (s *SQLStore) Records(ctx context.Context) ([]*models.Record, error) {
	query, args, err := s.sb.
		Select("id", "url", "title", "price", "description", "location", "posted_at",
			"asset_urls", "attributes", "created_at", "updated_at").
		From("records").
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch records: %w", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		r := &models.Record{}
		var price sql.NullFloat64
		var assetURLs, attrs string
		if err := rows.Scan(&r.ID, &r.URL, &r.Title, &price, &r.Description, &r.Location,
			&r.PostedAt, &assetURLs, &attrs, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan record: %w", err)
		}
		if price.Valid {
			p := price.Float64
			r.Price = &p
		}
		if err := json.Unmarshal([]byte(assetURLs), &r.AssetURLs); err != nil {
			return nil, fmt.Errorf("storage: decode asset urls of %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(attrs), &r.Attributes); err != nil {
			return nil, fmt.Errorf("storage: decode attributes of %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Assets returns the assets owned by recordID.
func (s *SQLStore) Assets(ctx context.Context, recordID string) ([]*models.Asset, error) {
	query, args, err := s.sb.
		Select("id", "record_id", "url", "local_path", "content_type", "size_bytes", "created_at").
		From("assets").
		Where(sq.Eq{"record_id": recordID}).
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch assets: %w", err)
	}
	defer rows.Close()

	var assets []*models.Asset
	for rows.Next() {
		a := &models.Asset{}
		if err := rows.Scan(&a.ID, &a.RecordID, &a.URL, &a.LocalPath, &a.ContentType,
			&a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// Enrichment returns the enrichment of recordID or ErrNotFound.
func (s *SQLStore) Enrichment(ctx context.Context, recordID string) (*models.Enrichment, error) {
	query, args, err := s.sb.
		Select("record_id", "market_value", "pricing_assessment", "pricing_confidence",
			"authenticity_score", "authenticity_tips", "historical_context", "additional_notes", "updated_at").
		From("enrichments").
		Where(sq.Eq{"record_id": recordID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	e := &models.Enrichment{}
	var assessment string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&e.RecordID, &e.MarketValue, &assessment,
		&e.PricingConfidence, &e.AuthenticityScore, &e.AuthenticityTips, &e.HistoricalContext,
		&e.AdditionalNotes, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: fetch enrichment: %w", err)
	}
	e.PricingAssessment = models.PricingAssessment(assessment)
	return e, nil
}

// DeleteRecord removes a record; its assets and enrichment cascade.
func (s *SQLStore) DeleteRecord(ctx context.Context, id string) error {
	query, args, err := s.sb.Delete("records").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("storage: delete record %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
