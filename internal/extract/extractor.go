// Package extract turns PDF bill attachments into structured bill data with
// a generative model, gated on a confidence floor and schema validation.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"golang.org/x/sync/errgroup"

	"github.com/paperbill/billscan/internal/bill"
	"github.com/paperbill/billscan/internal/instrumentation"
	"github.com/paperbill/billscan/internal/logging"
)

const (
	// DefaultMinConfidence is the acceptance threshold for extraction results.
	DefaultMinConfidence = 0.7

	// DefaultRetryDelay is the fixed wait between the two extraction attempts.
	DefaultRetryDelay = 2 * time.Second

	// DefaultConcurrency bounds the fan-out of batch extraction.
	DefaultConcurrency = 5

	// attempts per document: one try plus exactly one retry.
	attempts = 2

	// temperature favors determinism over creativity.
	temperature = 0.1
)

// Error wraps the last failure of an extraction after the retry budget is
// exhausted. The affected message is dropped; the run continues.
type Error struct {
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("bill extraction failed: %v", e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Item is one PDF queued for extraction.
type Item struct {
	MessageID string
	Data      []byte
	MimeType  string
	Hint      *bill.Type
}

// Extractor runs bill extraction against an llms.Model.
type Extractor struct {
	model         llms.Model
	minConfidence float64
	retryDelay    time.Duration
	concurrency   int
	logger        *slog.Logger
	metrics       *instrumentation.Metrics
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithMinConfidence overrides the acceptance threshold.
func WithMinConfidence(c float64) Option {
	return func(e *Extractor) { e.minConfidence = c }
}

// WithRetryDelay overrides the fixed delay between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Extractor) { e.retryDelay = d }
}

// WithConcurrency overrides the batch fan-out bound.
func WithConcurrency(n int) Option {
	return func(e *Extractor) { e.concurrency = n }
}

// WithMetrics attaches extraction metrics.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

// New creates an Extractor backed by the given model.
func New(model llms.Model, logger *slog.Logger, opts ...Option) *Extractor {
	e := &Extractor{
		model:         model,
		minConfidence: DefaultMinConfidence,
		retryDelay:    DefaultRetryDelay,
		concurrency:   DefaultConcurrency,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// response is the strict output schema requested from the model.
type response struct {
	Type       string  `json:"type"`
	Amount     float64 `json:"amount"`
	IssueDate  string  `json:"issue_date"`
	Confidence float64 `json:"confidence"`
}

// Extract runs up to two model attempts over one PDF and returns the parsed
// bill. The hint is advisory context only; the model output is authoritative.
func (e *Extractor) Extract(ctx context.Context, pdf []byte, mimeType string, hint *bill.Type) (bill.Parsed, error) {
	prompt := buildPrompt(hint)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(e.retryDelay):
			case <-ctx.Done():
				return bill.Parsed{}, &Error{Err: ctx.Err()}
			}
		}

		parsed, err := e.attempt(ctx, prompt, pdf, mimeType)
		if err == nil {
			e.recordAttempt(ctx, logging.StatusSuccess)
			return parsed, nil
		}
		lastErr = err
		e.recordAttempt(ctx, logging.StatusError)
		e.logger.Warn("extraction attempt failed",
			slog.Int("attempt", attempt),
			logging.Err(err))
	}

	return bill.Parsed{}, &Error{Err: lastErr}
}

// attempt performs one model call and validates its output.
func (e *Extractor) attempt(ctx context.Context, prompt string, pdf []byte, mimeType string) (bill.Parsed, error) {
	content := []llms.MessageContent{
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.BinaryPart(mimeType, pdf),
				llms.TextPart(prompt),
			},
		},
	}

	resp, err := e.model.GenerateContent(ctx, content,
		llms.WithTemperature(temperature),
		llms.WithJSONMode(),
	)
	if err != nil {
		return bill.Parsed{}, fmt.Errorf("model invocation failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return bill.Parsed{}, fmt.Errorf("model returned no choices")
	}

	var out response
	raw := stripCodeFence(resp.Choices[0].Content)
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return bill.Parsed{}, fmt.Errorf("model output is not valid JSON: %w", err)
	}

	parsed, err := e.validate(out)
	if err != nil {
		return bill.Parsed{}, err
	}
	return parsed, nil
}

// validate enforces the output schema and the confidence floor.
func (e *Extractor) validate(out response) (bill.Parsed, error) {
	typ, err := bill.ParseType(out.Type)
	if err != nil {
		return bill.Parsed{}, fmt.Errorf("schema validation: %w", err)
	}
	if out.Amount <= 0 {
		return bill.Parsed{}, fmt.Errorf("schema validation: amount %v is not positive", out.Amount)
	}
	issued, err := parseIssueDate(out.IssueDate)
	if err != nil {
		return bill.Parsed{}, fmt.Errorf("schema validation: %w", err)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return bill.Parsed{}, fmt.Errorf("schema validation: confidence %v outside [0,1]", out.Confidence)
	}
	if out.Confidence < e.minConfidence {
		return bill.Parsed{}, fmt.Errorf("confidence %.2f below threshold %.2f", out.Confidence, e.minConfidence)
	}

	return bill.Parsed{
		Type:       typ,
		Amount:     out.Amount,
		IssueDate:  issued,
		Confidence: out.Confidence,
	}, nil
}

// ExtractAll runs extraction over all items with bounded concurrency,
// collecting successes. Each failure is logged and dropped individually;
// partial success is the expected steady state.
func (e *Extractor) ExtractAll(ctx context.Context, items []Item) []bill.Extracted {
	var (
		mu      sync.Mutex
		results []bill.Extracted
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, item := range items {
		g.Go(func() error {
			parsed, err := e.Extract(gctx, item.Data, item.MimeType, item.Hint)
			if err != nil {
				e.logger.Warn("dropping message after failed extraction",
					logging.MessageID(item.MessageID),
					logging.Err(err))
				return nil
			}
			mu.Lock()
			results = append(results, bill.Extracted{MessageID: item.MessageID, Parsed: parsed})
			mu.Unlock()
			return nil
		})
	}

	// Item errors are swallowed above; Wait only observes ctx cancellation.
	_ = g.Wait()
	return results
}

func (e *Extractor) recordAttempt(ctx context.Context, status string) {
	if e.metrics != nil {
		e.metrics.RecordExtractionAttempt(ctx, status)
	}
}

// buildPrompt composes the extraction instruction, with the keyword hint as
// advisory context.
func buildPrompt(hint *bill.Type) string {
	var b strings.Builder
	b.WriteString("The attached document is a utility bill in PDF form. ")
	b.WriteString("Extract the following fields and answer with a single JSON object, no prose:\n")
	b.WriteString(`{"type": "electricity"|"hot_water"|"water"|"internet", `)
	b.WriteString(`"amount": <total amount due as a positive number>, `)
	b.WriteString(`"issue_date": "<bill issue date, ISO 8601, e.g. 2026-08-12>", `)
	b.WriteString(`"confidence": <your certainty in this extraction, 0.0 to 1.0>}`)
	b.WriteString("\nUse the bill's issue date, not its due date.")
	if hint != nil {
		fmt.Fprintf(&b, "\nThe email subject suggests this may be a %s bill; treat that as a hint only and classify from the document itself.", *hint)
	}
	return b.String()
}

// parseIssueDate accepts full RFC 3339 timestamps or bare calendar dates.
func parseIssueDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable issue date %q", s)
}

// stripCodeFence removes a markdown code fence if the model wrapped its JSON
// in one despite the instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
