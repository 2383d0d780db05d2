package services

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"antique-scraper/models"
	"antique-scraper/utils"
)

// RunCounts are the totals the pipeline tracks while it runs.
type RunCounts struct {
	RequestedDetails int
	Assets           int
}

type ReportService struct {
	logger *utils.Logger
}

func NewReportService(logger *utils.Logger) *ReportService {
	return &ReportService{logger: logger}
}

// Generate computes the run report from the persisted records and their
// enrichments.
func (s *ReportService) Generate(counts RunCounts, records []*models.Record, enrichments []*models.Enrichment) *models.RunReport {
	report := &models.RunReport{
		RequestedDetails: counts.RequestedDetails,
		Records:          len(records),
		Assets:           counts.Assets,
		Enrichments:      len(enrichments),
		ByAssessment:     make(map[models.PricingAssessment]int),
		ByLocation:       make(map[string]int),
	}

	for _, e := range enrichments {
		report.ByAssessment[e.PricingAssessment]++
		if e.Fallback {
			report.Fallbacks++
		}
	}

	var priced []*models.Record
	for _, r := range records {
		if r.Price != nil && *r.Price > 0 {
			priced = append(priced, r)
		}
		if r.Location != "" {
			report.ByLocation[r.Location]++
		}
	}

	// Price stats (only records with a positive price)
	if len(priced) > 0 {
		report.MinPrice = *priced[0].Price
		report.MaxPrice = *priced[0].Price
		report.MostExpensive = priced[0]
		var total float64
		for _, r := range priced {
			p := *r.Price
			total += p
			if p < report.MinPrice {
				report.MinPrice = p
			}
			if p > report.MaxPrice {
				report.MaxPrice = p
				report.MostExpensive = r
			}
		}
		report.AveragePrice = round2(total / float64(len(priced)))
		report.MinPrice = round2(report.MinPrice)
		report.MaxPrice = round2(report.MaxPrice)
	}

	s.logger.Debug("[report] %d records, %d assets, %d enrichments (%d fallbacks)",
		report.Records, report.Assets, report.Enrichments, report.Fallbacks)
	return report
}

func (s *ReportService) Print(w io.Writer, r *models.RunReport) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  📊 ANTIQUE INGESTION REPORT\033[0m\n")
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	// Overview
	fmt.Fprintf(w, "\033[1;33m  Overview\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Detail pages requested : \033[1m%d\033[0m\n", r.RequestedDetails)
	fmt.Fprintf(w, "  Records stored         : \033[1m%d\033[0m\n", r.Records)
	fmt.Fprintf(w, "  Loss rate              : \033[1m%.1f%%\033[0m\n", r.LossRate()*100)
	fmt.Fprintf(w, "  Images stored          : \033[1m%d\033[0m\n", r.Assets)
	fmt.Fprintf(w, "  Enrichments stored     : \033[1m%d\033[0m (%d fallback)\n", r.Enrichments, r.Fallbacks)
	fmt.Fprintln(w)

	// Price Stats
	fmt.Fprintf(w, "\033[1;33m  Price Statistics\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if r.AveragePrice > 0 {
		fmt.Fprintf(w, "  Average price : \033[1;32m$%.2f\033[0m\n", r.AveragePrice)
		fmt.Fprintf(w, "  Minimum price : \033[1;32m$%.2f\033[0m\n", r.MinPrice)
		fmt.Fprintf(w, "  Maximum price : \033[1;32m$%.2f\033[0m\n", r.MaxPrice)
	} else {
		fmt.Fprintf(w, "  No price data available\n")
	}
	fmt.Fprintln(w)

	// Most Expensive
	if r.MostExpensive != nil {
		fmt.Fprintf(w, "\033[1;33m  Most Expensive Listing\033[0m\n")
		fmt.Fprintf(w, "  %s\n", thin)
		fmt.Fprintf(w, "  %s\n", truncate(r.MostExpensive.Title, 50))
		fmt.Fprintf(w, "  Location : %s\n", r.MostExpensive.Location)
		fmt.Fprintf(w, "  Price    : \033[1;31m$%.2f\033[0m\n", *r.MostExpensive.Price)
		fmt.Fprintln(w)
	}

	// ── PRICING ASSESSMENTS ──────────────────────────────────────────────
	fmt.Fprintf(w, "\033[1;33m  Pricing Assessments\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(r.ByAssessment) == 0 {
		fmt.Fprintf(w, "  No enrichments\n")
	} else {
		for _, a := range []models.PricingAssessment{models.Underpriced, models.FairPrice, models.Overpriced} {
			fmt.Fprintf(w, "  %-12s %d\n", a, r.ByAssessment[a])
		}
	}
	fmt.Fprintln(w)

	// Records by Location
	fmt.Fprintf(w, "\033[1;33m  Records by Location\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(r.ByLocation) == 0 {
		fmt.Fprintf(w, "  No location data\n")
	} else {
		// Sort locations by count descending
		type locCount struct {
			loc   string
			count int
		}
		var locs []locCount
		for loc, cnt := range r.ByLocation {
			locs = append(locs, locCount{loc, cnt})
		}
		sort.Slice(locs, func(i, j int) bool {
			if locs[i].count == locs[j].count {
				return locs[i].loc < locs[j].loc
			}
			return locs[i].count > locs[j].count
		})
		for _, lc := range locs {
			bar := strings.Repeat("█", lc.count)
			fmt.Fprintf(w, "  %-30s %s (%d)\n", truncate(lc.loc, 28), bar, lc.count)
		}
	}

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
