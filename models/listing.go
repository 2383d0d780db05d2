package models

import (
	"time"

	"github.com/tidwall/gjson"
)

// RawListing holds unprocessed detail-page data directly from the browser.
// Every field is the text exactly as extracted; Cleaner turns it into a Record.
type RawListing struct {
	URL            string
	Title          string
	RawPrice       string
	Description    string
	Location       string
	RawPostedAt    string
	ThumbnailURLs  []string
	AttributeSpans []string
	FetchedAt      time.Time
}

// Record is one normalised listing. URL is the natural key within a run.
type Record struct {
	ID          string
	URL         string
	Title       string
	Price       *float64
	Description string
	Location    string
	PostedAt    time.Time
	AssetURLs   []string
	Attributes  Attributes
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Attributes is the flattened attribute group of a listing page. Bare spans
// are stored as boolean true keyed by their own text.
type Attributes map[string]any

// Asset is a binary file downloaded for a Record and written to local disk.
type Asset struct {
	ID          string
	RecordID    string
	URL         string
	LocalPath   string
	ContentType string
	SizeBytes   int64
	CreatedAt   time.Time
}

// PricingAssessment is the categorical verdict of the enrichment stage.
type PricingAssessment string

const (
	Underpriced PricingAssessment = "underpriced"
	Overpriced  PricingAssessment = "overpriced"
	FairPrice   PricingAssessment = "fair"
)

// Valid reports whether p is one of the known assessments.
func (p PricingAssessment) Valid() bool {
	switch p {
	case Underpriced, Overpriced, FairPrice:
		return true
	}
	return false
}

// Enrichment is the validated output of the inference stage for one Record.
type Enrichment struct {
	RecordID          string
	MarketValue       float64
	PricingAssessment PricingAssessment
	PricingConfidence float64
	AuthenticityScore float64
	AuthenticityTips  string
	HistoricalContext string
	AdditionalNotes   string
	UpdatedAt         time.Time

	// Fallback is set when the values are defaults rather than model output.
	Fallback bool
}

// Bag is an unvalidated key/value payload as returned by the inference API.
// Fields must only be read through the validation helpers in services.
type Bag struct {
	res gjson.Result
}

// ParseBag parses raw JSON into a Bag. ok is false when raw is not a
// non-empty JSON object.
func ParseBag(raw string) (bag Bag, ok bool) {
	if !gjson.Valid(raw) {
		return Bag{}, false
	}
	res := gjson.Parse(raw)
	if !res.IsObject() || len(res.Map()) == 0 {
		return Bag{}, false
	}
	return Bag{res: res}, true
}

// Get returns the raw value stored under key.
func (b Bag) Get(key string) gjson.Result {
	return b.res.Get(key)
}

// RunReport holds the computed statistics of one ingestion run.
type RunReport struct {
	RequestedDetails int
	Records          int
	Assets           int
	Enrichments      int
	Fallbacks        int
	AveragePrice     float64
	MinPrice         float64
	MaxPrice         float64
	MostExpensive    *Record
	ByAssessment     map[PricingAssessment]int
	ByLocation       map[string]int
}

// LossRate is the share of requested detail pages that produced no record.
func (r *RunReport) LossRate() float64 {
	if r.RequestedDetails == 0 {
		return 0
	}
	lost := r.RequestedDetails - r.Records
	if lost < 0 {
		lost = 0
	}
	return float64(lost) / float64(r.RequestedDetails)
}
