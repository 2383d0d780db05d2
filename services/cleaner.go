package services

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"antique-scraper/models"
	"antique-scraper/utils"
)

// fullSizeToken replaces the thumbnail size token in image URLs.
const fullSizeToken = "_1200x900."

var (
	// priceRegexp captures numeric price values
	priceRegexp = regexp.MustCompile(`\d+(?:\.\d+)?`)
	// sizeTokenRegexp matches size tokens such as "_50x50c." or "_300x300."
	sizeTokenRegexp = regexp.MustCompile(`_\d+x\d+c?\.`)
)

// postedLayouts are tried in order when parsing a posting timestamp.
var postedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Cleaner transforms RawListings into normalised Records.
type Cleaner struct {
	logger *utils.Logger
}

// NewCleaner creates a Cleaner with the given logger.
func NewCleaner(logger *utils.Logger) *Cleaner {
	return &Cleaner{logger: logger}
}

// Normalise converts one raw detail page into a Record with a fresh id.
func (c *Cleaner) Normalise(r *models.RawListing) *models.Record {
	fetched := r.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now()
	}

	return &models.Record{
		ID:          uuid.NewString(),
		URL:         strings.TrimSpace(r.URL),
		Title:       normaliseText(r.Title),
		Price:       parsePrice(r.RawPrice),
		Description: strings.TrimSpace(r.Description),
		Location:    strings.Trim(normaliseText(r.Location), "()"),
		PostedAt:    c.parsePostedAt(r.RawPostedAt, fetched),
		AssetURLs:   upsizeImageURLs(r.ThumbnailURLs),
		Attributes:  flattenAttributes(r.AttributeSpans),
		CreatedAt:   fetched,
		UpdatedAt:   fetched,
	}
}

// Clean normalises a batch, dropping entries without a URL and repeated URLs.
func (c *Cleaner) Clean(raw []*models.RawListing) []*models.Record {
	seen := make(map[string]struct{})
	result := make([]*models.Record, 0, len(raw))

	for _, r := range raw {
		url := strings.TrimSpace(r.URL)
		if url == "" {
			c.logger.Warn("[cleaner] Dropping listing with empty URL: %s", r.Title)
			continue
		}
		if _, dup := seen[url]; dup {
			c.logger.Debug("[cleaner] Duplicate URL skipped: %s", url)
			continue
		}
		seen[url] = struct{}{}
		result = append(result, c.Normalise(r))
	}

	c.logger.Info("[cleaner] Cleaned %d → %d listings (dropped %d)",
		len(raw), len(result), len(raw)-len(result))
	return result
}

// parsePrice strips currency symbols and thousands separators. It returns
// nil when no number is present.
//
//	"$1,250" → 1250
//	"€ 99.50" → 99.5
//	"" → nil
func parsePrice(raw string) *float64 {
	cleaned := strings.ReplaceAll(raw, ",", "")
	match := priceRegexp.FindString(cleaned)
	if match == "" {
		return nil
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return nil
	}
	return &v
}

// parsePostedAt parses the posting timestamp best-effort, falling back to
// the fetch time.
func (c *Cleaner) parsePostedAt(raw string, fallback time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	for _, layout := range postedLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	c.logger.Debug("[cleaner] Unparseable posted date %q, using fetch time", raw)
	return fallback
}

// upsizeImageURLs swaps the thumbnail size token for the full-size one and
// drops repeats while keeping discovery order.
func upsizeImageURLs(thumbs []string) []string {
	out := make([]string, 0, len(thumbs))
	seen := make(map[string]struct{}, len(thumbs))
	for _, t := range thumbs {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		full := t
		if loc := lastIndex(sizeTokenRegexp, t); loc != nil {
			full = t[:loc[0]] + fullSizeToken + t[loc[1]:]
		}
		if _, dup := seen[full]; dup {
			continue
		}
		seen[full] = struct{}{}
		out = append(out, full)
	}
	return out
}

func lastIndex(re *regexp.Regexp, s string) []int {
	all := re.FindAllStringIndex(s, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// flattenAttributes turns attribute spans into a map. "key: value" spans
// become key → value; bare spans become text → true.
func flattenAttributes(spans []string) models.Attributes {
	attrs := make(models.Attributes, len(spans))
	for _, span := range spans {
		span = normaliseText(span)
		if span == "" {
			continue
		}
		key, value, found := strings.Cut(span, ":")
		if !found {
			attrs[span] = true
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		attrs[key] = strings.TrimSpace(value)
	}
	return attrs
}

// normaliseText strips leading/trailing whitespace and collapses internal whitespace.
func normaliseText(s string) string {
	s = strings.TrimSpace(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	return strings.Join(fields, " ")
}
