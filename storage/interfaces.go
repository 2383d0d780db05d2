package storage

import (
	"context"
	"errors"

	"antique-scraper/models"
)

// ErrNotFound is returned by readers when no row matches.
var ErrNotFound = errors.New("storage: not found")

// Store is the write side the pipeline depends on. Every save is an upsert
// keyed on the entity's natural key and returns the stored identifier.
type Store interface {
	// SaveRecord upserts by URL. The returned id is the one already stored
	// for that URL when the record existed before.
	SaveRecord(ctx context.Context, r *models.Record) (string, error)
	// SaveAsset upserts by (owner, remote URL).
	SaveAsset(ctx context.Context, ownerID string, a *models.Asset) (string, error)
	// SaveEnrichment replaces the owner's enrichment.
	SaveEnrichment(ctx context.Context, ownerID string, e *models.Enrichment) (string, error)
	Close() error
}

// Reader is the query side used for reporting.
type Reader interface {
	Records(ctx context.Context) ([]*models.Record, error)
	Assets(ctx context.Context, recordID string) ([]*models.Asset, error)
	Enrichment(ctx context.Context, recordID string) (*models.Enrichment, error)
}

// RecordExporter persists collected records outside the database.
type RecordExporter interface {
	WriteRecords(records []*models.Record) error
	Close() error
}
