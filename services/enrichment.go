package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/tidwall/gjson"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"antique-scraper/metrics"
	"antique-scraper/models"
	"antique-scraper/utils"
)

// ErrRateLimited marks an inference response with status 429.
var ErrRateLimited = errors.New("inference: rate limited")

const placeholderText = "Not available"

const systemPrompt = `You are an expert antique appraiser. You receive one marketplace listing and
assess it. Respond with a single JSON object and nothing else, using exactly these keys:
  "market_value": estimated fair market value in US dollars as a number,
  "pricing_assessment": one of "underpriced", "overpriced" or "fair",
  "pricing_confidence": your confidence in the pricing assessment between 0 and 1,
  "authenticity_score": likelihood the item is a genuine antique between 0 and 1,
  "authenticity_tips": what a buyer should check to verify authenticity,
  "historical_context": period, maker or style background for the item,
  "additional_notes": anything else a buyer should know.
Base the assessment only on the listing text and be conservative when details are missing.`

// EnrichmentOptions configures requests to the inference API.
type EnrichmentOptions struct {
	Temperature float64
	MaxTokens   int
	MaxAttempts int
	BaseDelay   time.Duration
}

// EnrichmentClient asks a language model to appraise a record and validates
// the answer field by field.
type EnrichmentClient struct {
	model   llms.Model
	queue   *utils.RateLimitedQueue
	opts    EnrichmentOptions
	retry   *utils.RetryConfig
	logger  *utils.Logger
	metrics *metrics.Metrics
}

// NewEnrichmentClient wires a model behind the inference queue.
func NewEnrichmentClient(model llms.Model, queue *utils.RateLimitedQueue, opts EnrichmentOptions, logger *utils.Logger, m *metrics.Metrics) *EnrichmentClient {
	return &EnrichmentClient{
		model: model,
		queue: queue,
		opts:  opts,
		retry: &utils.RetryConfig{
			MaxAttempts: opts.MaxAttempts,
			BaseDelay:   opts.BaseDelay,
			Logger:      logger,
		},
		logger:  logger,
		metrics: m,
	}
}

// NewOpenAIModel builds an OpenAI-compatible chat model whose transport
// turns HTTP 429 into ErrRateLimited.
func NewOpenAIModel(baseURL, apiKey, model string, timeout time.Duration) (llms.Model, error) {
	return openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithToken(apiKey),
		openai.WithModel(model),
		openai.WithHTTPClient(&rateLimitDoer{client: &http.Client{Timeout: timeout}}),
	)
}

type rateLimitDoer struct {
	client *http.Client
}

func (d *rateLimitDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// AnalyzeAntique always returns a complete enrichment. When the inference
// call fails after every attempt the fallback value is returned.
func (c *EnrichmentClient) AnalyzeAntique(ctx context.Context, rec *models.Record) *models.Enrichment {
	e, err := c.Analyze(ctx, rec)
	if err != nil {
		c.logger.Error("[enrich] Analysis of %s failed, using fallback: %v", rec.URL, err)
		c.metrics.EnrichmentFallback()
		return FallbackEnrichment(rec.ID, "the analysis service could not be reached")
	}
	if e.Fallback {
		c.metrics.EnrichmentFallback()
	}
	return e
}

// Analyze runs the retry loop through the inference queue. It fails only
// when the attempt budget is exhausted; malformed responses yield the
// fallback enrichment.
func (c *EnrichmentClient) Analyze(ctx context.Context, rec *models.Record) (*models.Enrichment, error) {
	return utils.Submit(ctx, c.queue, func(ctx context.Context) (*models.Enrichment, error) {
		return c.analyzeWithRetry(ctx, rec)
	})
}

func (c *EnrichmentClient) analyzeWithRetry(ctx context.Context, rec *models.Record) (*models.Enrichment, error) {
	content := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman, buildRecordPrompt(rec)),
	}

	var result *models.Enrichment
	err := c.retry.Do(ctx, "analyze "+rec.URL, func(attempt int) error {
		c.metrics.InferenceAttempt()
		resp, err := c.model.GenerateContent(ctx, content,
			llms.WithTemperature(c.opts.Temperature),
			llms.WithMaxTokens(c.opts.MaxTokens),
			llms.WithJSONMode(),
		)
		if err != nil {
			if isRateLimited(err) {
				c.metrics.RateLimited()
				c.logger.Warn("[enrich] Rate limited on %s (attempt %d)", rec.URL, attempt+1)
			} else {
				c.logger.Error("[enrich] Inference error on %s (attempt %d): %v", rec.URL, attempt+1, err)
			}
			return err
		}

		text := ""
		if len(resp.Choices) > 0 {
			text = resp.Choices[0].Content
		}
		result = parseEnrichment(rec.ID, text)
		if result.Fallback {
			c.logger.Warn("[enrich] Unusable response for %s, using fallback", rec.URL)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func isRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}

// buildRecordPrompt renders the per-record part of the request.
func buildRecordPrompt(rec *models.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", rec.Title)
	if rec.Price != nil {
		fmt.Fprintf(&b, "Price: $%s\n", formatMoney(*rec.Price))
	} else {
		b.WriteString("Price: Not specified\n")
	}
	fmt.Fprintf(&b, "Location: %s\n", rec.Location)
	fmt.Fprintf(&b, "Posted: %s\n", rec.PostedAt.Format("January 2, 2006"))
	fmt.Fprintf(&b, "Description:\n%s\n", rec.Description)
	b.WriteString("Attributes:\n")
	b.WriteString(flattenAttributeText(rec.Attributes))
	fmt.Fprintf(&b, "Number of images: %d\n", len(rec.AssetURLs))
	return b.String()
}

func flattenAttributeText(attrs models.Attributes) string {
	if len(attrs) == 0 {
		return "None\n"
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if v, ok := attrs[k].(bool); ok && v {
			fmt.Fprintf(&b, "- %s\n", k)
			continue
		}
		fmt.Fprintf(&b, "- %s: %v\n", k, attrs[k])
	}
	return b.String()
}

func formatMoney(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	whole, frac, _ := strings.Cut(s, ".")
	neg := strings.HasPrefix(whole, "-")
	whole = strings.TrimPrefix(whole, "-")
	var out []byte
	for i := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, whole[i])
	}
	if neg {
		return "-" + string(out) + "." + frac
	}
	return string(out) + "." + frac
}

// parseEnrichment validates a raw model response. Anything that is not a
// non-empty JSON object yields the fallback.
func parseEnrichment(recordID, text string) *models.Enrichment {
	bag, ok := models.ParseBag(stripCodeFence(text))
	if !ok {
		return FallbackEnrichment(recordID, "the analysis response could not be parsed")
	}
	return &models.Enrichment{
		RecordID:          recordID,
		MarketValue:       math.Max(0, numberField(bag, "market_value", 0)),
		PricingAssessment: assessmentField(bag, "pricing_assessment"),
		PricingConfidence: unitField(bag, "pricing_confidence"),
		AuthenticityScore: unitField(bag, "authenticity_score"),
		AuthenticityTips:  textField(bag, "authenticity_tips"),
		HistoricalContext: textField(bag, "historical_context"),
		AdditionalNotes:   textField(bag, "additional_notes"),
		UpdatedAt:         time.Now(),
	}
}

// FallbackEnrichment is the complete default used whenever the model's
// answer is missing or unusable.
func FallbackEnrichment(recordID, reason string) *models.Enrichment {
	return &models.Enrichment{
		RecordID:          recordID,
		MarketValue:       0,
		PricingAssessment: models.FairPrice,
		PricingConfidence: 0,
		AuthenticityScore: 0,
		AuthenticityTips:  "No authenticity guidance: " + reason + ".",
		HistoricalContext: "No historical context: " + reason + ".",
		AdditionalNotes:   "Automated analysis unavailable; review this listing manually.",
		UpdatedAt:         time.Now(),
		Fallback:          true,
	}
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// numberField reads a number, accepting numeric strings with currency
// symbols, separators and spaces. Anything else yields def.
func numberField(bag models.Bag, key string, def float64) float64 {
	v := bag.Get(key)
	var f float64
	switch v.Type {
	case gjson.Number:
		f = v.Float()
	case gjson.String:
		cleaned := strings.Map(func(r rune) rune {
			if r == ',' || unicode.IsSpace(r) || unicode.Is(unicode.Sc, r) {
				return -1
			}
			return r
		}, v.Str)
		parsed, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return def
		}
		f = parsed
	default:
		return def
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	return f
}

// unitField reads a number and clamps it to [0,1].
func unitField(bag models.Bag, key string) float64 {
	return math.Min(1, math.Max(0, numberField(bag, key, 0)))
}

func assessmentField(bag models.Bag, key string) models.PricingAssessment {
	v := bag.Get(key)
	if v.Type != gjson.String {
		return models.FairPrice
	}
	p := models.PricingAssessment(strings.ToLower(strings.TrimSpace(v.Str)))
	if !p.Valid() {
		return models.FairPrice
	}
	return p
}

func textField(bag models.Bag, key string) string {
	v := bag.Get(key)
	if v.Type != gjson.String || strings.TrimSpace(v.Str) == "" {
		return placeholderText
	}
	return strings.TrimSpace(v.Str)
}
