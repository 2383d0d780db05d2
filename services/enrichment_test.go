package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"antique-scraper/metrics"
	"antique-scraper/models"
	"antique-scraper/utils"
)

type fakeModel struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	opts      llms.CallOptions
	messages  []llms.MessageContent
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.messages = messages
	f.opts = llms.CallOptions{}
	for _, o := range options {
		o(&f.opts)
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	text := ""
	if i < len(f.responses) {
		text = f.responses[i]
	} else if len(f.responses) > 0 {
		text = f.responses[len(f.responses)-1]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func newTestEnrichmentClient(model llms.Model, m *metrics.Metrics) *EnrichmentClient {
	queue := utils.NewRateLimitedQueue(utils.QueuePolicy{Name: "inference", MaxConcurrency: 1}, m)
	return NewEnrichmentClient(model, queue, EnrichmentOptions{
		Temperature: 0.2,
		MaxTokens:   512,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, newTestLogger(), m)
}

func testRecord() *models.Record {
	return &models.Record{
		ID:          "rec-1",
		URL:         "https://sfbay.craigslist.org/sfc/atq/d/oak-chest/1.html",
		Title:       "Oak chest",
		Price:       ptr(1250),
		Description: "Solid oak blanket chest.",
		Location:    "Mission District",
		PostedAt:    time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
		AssetURLs:   []string{"https://images.craigslist.org/a_1200x900.jpg"},
		Attributes:  models.Attributes{"condition": "good", "delivery available": true},
	}
}

func TestAnalyzeValidResponse(t *testing.T) {
	model := &fakeModel{responses: []string{`{
		"market_value": 1800,
		"pricing_assessment": "Underpriced",
		"pricing_confidence": 0.8,
		"authenticity_score": 0.65,
		"authenticity_tips": "Check the dovetail joints.",
		"historical_context": "Late Victorian.",
		"additional_notes": "Minor wear."
	}`}}
	c := newTestEnrichmentClient(model, nil)

	e, err := c.Analyze(context.Background(), testRecord())
	require.NoError(t, err)

	assert.Equal(t, "rec-1", e.RecordID)
	assert.Equal(t, 1800.0, e.MarketValue)
	assert.Equal(t, models.Underpriced, e.PricingAssessment)
	assert.Equal(t, 0.8, e.PricingConfidence)
	assert.Equal(t, 0.65, e.AuthenticityScore)
	assert.Equal(t, "Check the dovetail joints.", e.AuthenticityTips)
	assert.False(t, e.Fallback)

	assert.True(t, model.opts.JSONMode)
	assert.Equal(t, 0.2, model.opts.Temperature)
	assert.Equal(t, 512, model.opts.MaxTokens)
	require.Len(t, model.messages, 2)
	assert.Equal(t, schema.ChatMessageTypeSystem, model.messages[0].Role)
}

func TestAnalyzeCoercesContaminatedFields(t *testing.T) {
	model := &fakeModel{responses: []string{"```json\n" + `{
		"market_value": "$1,250",
		"pricing_assessment": "bargain",
		"pricing_confidence": 3,
		"authenticity_score": -0.5,
		"authenticity_tips": "",
		"historical_context": 42
	}` + "\n```"}}
	c := newTestEnrichmentClient(model, nil)

	e, err := c.Analyze(context.Background(), testRecord())
	require.NoError(t, err)

	assert.Equal(t, 1250.0, e.MarketValue)
	assert.Equal(t, models.FairPrice, e.PricingAssessment)
	assert.Equal(t, 1.0, e.PricingConfidence)
	assert.Equal(t, 0.0, e.AuthenticityScore)
	assert.Equal(t, placeholderText, e.AuthenticityTips)
	assert.Equal(t, placeholderText, e.HistoricalContext)
	assert.Equal(t, placeholderText, e.AdditionalNotes)
	assert.False(t, e.Fallback)
}

func TestFieldValidators(t *testing.T) {
	bag, ok := models.ParseBag(`{
		"negative": -0.5,
		"above": 3,
		"inside": 0.4,
		"word": "high",
		"null": null,
		"bool": true,
		"numeric_string": "0.7",
		"object": {"v": 1},
		"money": "$1,250",
		"prose_money": "about $1,250",
		"euro": "€ 99.50"
	}`)
	require.True(t, ok)

	unitTests := map[string]float64{
		"negative":       0,
		"above":          1,
		"inside":         0.4,
		"word":           0,
		"null":           0,
		"bool":           0,
		"numeric_string": 0.7,
		"object":         0,
		"missing":        0,
	}
	for key, want := range unitTests {
		t.Run("unit/"+key, func(t *testing.T) {
			got := unitField(bag, key)
			assert.Equal(t, want, got)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}

	numberTests := map[string]float64{
		"money":       1250,
		"prose_money": 0,
		"euro":        99.5,
		"word":        0,
		"null":        0,
		"bool":        0,
		"missing":     0,
		"above":       3,
	}
	for key, want := range numberTests {
		t.Run("number/"+key, func(t *testing.T) {
			assert.Equal(t, want, numberField(bag, key, 0))
		})
	}
}

func TestAssessmentField(t *testing.T) {
	bag, ok := models.ParseBag(`{
		"upper": "OVERPRICED",
		"padded": "  underpriced ",
		"unknown": "steal",
		"number": 1
	}`)
	require.True(t, ok)

	tests := map[string]models.PricingAssessment{
		"upper":   models.Overpriced,
		"padded":  models.Underpriced,
		"unknown": models.FairPrice,
		"number":  models.FairPrice,
		"missing": models.FairPrice,
	}
	for key, want := range tests {
		assert.Equal(t, want, assessmentField(bag, key), key)
	}
}

func TestAnalyzeUnparseableResponseFallsBack(t *testing.T) {
	for name, body := range map[string]string{
		"prose":        "I think this is a lovely chest.",
		"empty object": "{}",
		"array":        "[1,2]",
		"empty":        "",
	} {
		t.Run(name, func(t *testing.T) {
			m := metrics.New()
			model := &fakeModel{responses: []string{body}}
			c := newTestEnrichmentClient(model, m)

			e := c.AnalyzeAntique(context.Background(), testRecord())
			assert.True(t, e.Fallback)
			assert.Equal(t, models.FairPrice, e.PricingAssessment)
			assert.Equal(t, 1, model.calls, "malformed output is not retried")
			assert.NotEmpty(t, e.AuthenticityTips)
		})
	}
}

func TestAnalyzeRetriesRateLimit(t *testing.T) {
	m := metrics.New()
	model := &fakeModel{
		errs:      []error{ErrRateLimited, errors.New("status 429: slow down")},
		responses: []string{"", "", `{"market_value": 10, "pricing_assessment": "fair"}`},
	}
	c := newTestEnrichmentClient(model, m)

	e, err := c.Analyze(context.Background(), testRecord())
	require.NoError(t, err)
	assert.Equal(t, 3, model.calls)
	assert.Equal(t, 10.0, e.MarketValue)
}

func TestAnalyzeAntiqueExhaustedAttempts(t *testing.T) {
	model := &fakeModel{errs: []error{
		errors.New("connection reset"),
		errors.New("connection reset"),
		errors.New("connection reset"),
	}}
	c := newTestEnrichmentClient(model, metrics.New())

	_, err := c.Analyze(context.Background(), testRecord())
	require.Error(t, err)

	model.calls = 0
	e := c.AnalyzeAntique(context.Background(), testRecord())
	assert.Equal(t, 3, model.calls)
	assert.True(t, e.Fallback)
	assert.Equal(t, "rec-1", e.RecordID)
	assert.Equal(t, 0.0, e.MarketValue)
}

func TestBuildRecordPrompt(t *testing.T) {
	p := buildRecordPrompt(testRecord())
	assert.Contains(t, p, "Title: Oak chest")
	assert.Contains(t, p, "Price: $1,250.00")
	assert.Contains(t, p, "Posted: March 5, 2024")
	assert.Contains(t, p, "- condition: good")
	assert.Contains(t, p, "- delivery available\n")
	assert.Contains(t, p, "Number of images: 1")

	rec := testRecord()
	rec.Price = nil
	rec.Attributes = nil
	p = buildRecordPrompt(rec)
	assert.Contains(t, p, "Price: Not specified")
	assert.Contains(t, p, "Attributes:\nNone\n")
}

func TestFormatMoney(t *testing.T) {
	tests := map[float64]string{
		0:          "0.00",
		12.5:       "12.50",
		999:        "999.00",
		1000:       "1,000.00",
		1234567.89: "1,234,567.89",
	}
	for in, want := range tests {
		assert.Equal(t, want, formatMoney(in))
	}
}

func TestRateLimitDoer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/busy") {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := &rateLimitDoer{client: srv.Client()}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/busy", nil)
	_, err := d.Do(req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, isRateLimited(err))

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/ok", nil)
	resp, err := d.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.False(t, isRateLimited(errors.New("dial tcp: refused")))
}
