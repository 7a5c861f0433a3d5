package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/paperbill/billscan/internal/bill"
)

// fakeModel replays a scripted sequence of responses.
type fakeModel struct {
	responses []fakeResponse
	calls     int
	prompts   []string
}

type fakeResponse struct {
	content string
	err     error
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				f.prompts = append(f.prompts, text.Text)
			}
		}
	}

	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		return nil, fmt.Errorf("unexpected call %d", idx)
	}
	r := f.responses[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: r.content}},
	}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := f.GenerateContent(ctx, []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExtractor(model llms.Model, opts ...Option) *Extractor {
	base := []Option{WithRetryDelay(time.Millisecond)}
	return New(model, testLogger(), append(base, opts...)...)
}

func billJSON(typ string, amount float64, date string, confidence float64) string {
	return fmt.Sprintf(`{"type":%q,"amount":%v,"issue_date":%q,"confidence":%v}`, typ, amount, date, confidence)
}

func TestExtractAcceptsValidResult(t *testing.T) {
	model := &fakeModel{responses: []fakeResponse{
		{content: billJSON("electricity", 128.45, "2026-08-12", 0.92)},
	}}
	e := newTestExtractor(model)

	parsed, err := e.Extract(context.Background(), []byte("%PDF"), "application/pdf", nil)
	require.NoError(t, err)
	assert.Equal(t, bill.TypeElectricity, parsed.Type)
	assert.Equal(t, 128.45, parsed.Amount)
	assert.Equal(t, 0.92, parsed.Confidence)
	assert.Equal(t, time.Date(2026, 8, 12, 0, 0, 0, 0, time.UTC), parsed.IssueDate)
	assert.Equal(t, 1, model.calls)
}

func TestExtractConfidenceGate(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		wantCalls  int
		wantErr    bool
	}{
		{name: "at threshold accepted first attempt", confidence: 0.70, wantCalls: 1},
		{name: "below threshold retried then rejected", confidence: 0.69, wantCalls: 2, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := billJSON("water", 45.20, "2026-08-01", tt.confidence)
			model := &fakeModel{responses: []fakeResponse{{content: out}, {content: out}}}
			e := newTestExtractor(model)

			_, err := e.Extract(context.Background(), []byte("%PDF"), "application/pdf", nil)
			if tt.wantErr {
				var exErr *Error
				require.ErrorAs(t, err, &exErr)
				assert.Contains(t, err.Error(), "below threshold")
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, model.calls)
		})
	}
}

func TestExtractRetriesOnceAfterFailure(t *testing.T) {
	// Attempt 1 throws, attempt 2 succeeds: result equals attempt 2's bill
	// and the model is invoked exactly twice.
	model := &fakeModel{responses: []fakeResponse{
		{err: errors.New("model overloaded")},
		{content: billJSON("internet", 79.99, "2026-08-20", 0.9)},
	}}
	e := newTestExtractor(model)

	parsed, err := e.Extract(context.Background(), []byte("%PDF"), "application/pdf", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, model.calls)
	assert.Equal(t, bill.TypeInternet, parsed.Type)
	assert.Equal(t, 79.99, parsed.Amount)
}

func TestExtractFailsAfterSecondAttempt(t *testing.T) {
	model := &fakeModel{responses: []fakeResponse{
		{err: errors.New("boom 1")},
		{err: errors.New("boom 2")},
	}}
	e := newTestExtractor(model)

	_, err := e.Extract(context.Background(), []byte("%PDF"), "application/pdf", nil)
	var exErr *Error
	require.ErrorAs(t, err, &exErr)
	assert.Contains(t, err.Error(), "boom 2", "error must wrap the last failure reason")
	assert.Equal(t, 2, model.calls)
}

func TestExtractSchemaValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown type", content: billJSON("gas", 10, "2026-08-01", 0.9)},
		{name: "non-positive amount", content: billJSON("water", 0, "2026-08-01", 0.9)},
		{name: "bad date", content: billJSON("water", 10, "sometime in august", 0.9)},
		{name: "confidence above one", content: billJSON("water", 10, "2026-08-01", 1.5)},
		{name: "not json", content: "the bill is about forty bucks"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &fakeModel{responses: []fakeResponse{
				{content: tt.content},
				{content: tt.content},
			}}
			e := newTestExtractor(model)

			_, err := e.Extract(context.Background(), []byte("%PDF"), "application/pdf", nil)
			var exErr *Error
			require.ErrorAs(t, err, &exErr)
			assert.Equal(t, 2, model.calls, "schema-invalid output must count as attempt failure and retry")
		})
	}
}

func TestExtractHintIsAdvisory(t *testing.T) {
	hint := bill.TypeWater
	// Model disagrees with the hint; the model output is authoritative.
	model := &fakeModel{responses: []fakeResponse{
		{content: billJSON("electricity", 128.45, "2026-08-12", 0.92)},
	}}
	e := newTestExtractor(model)

	parsed, err := e.Extract(context.Background(), []byte("%PDF"), "application/pdf", &hint)
	require.NoError(t, err)
	assert.Equal(t, bill.TypeElectricity, parsed.Type)

	require.NotEmpty(t, model.prompts)
	assert.Contains(t, model.prompts[0], "water", "prompt should carry the hint")
	assert.Contains(t, model.prompts[0], "hint only")
}

func TestExtractToleratesCodeFence(t *testing.T) {
	fenced := "```json\n" + billJSON("water", 45.20, "2026-08-01", 0.9) + "\n```"
	model := &fakeModel{responses: []fakeResponse{{content: fenced}}}
	e := newTestExtractor(model)

	parsed, err := e.Extract(context.Background(), []byte("%PDF"), "application/pdf", nil)
	require.NoError(t, err)
	assert.Equal(t, bill.TypeWater, parsed.Type)
}

func TestExtractAllPartialSuccess(t *testing.T) {
	// Three items; the middle one fails both attempts. The batch collects
	// the two successes and drops the failure without aborting.
	good1 := billJSON("electricity", 128.45, "2026-08-12", 0.92)
	good2 := billJSON("internet", 79.99, "2026-08-20", 0.9)

	// Serialize with concurrency 1 so the scripted response order is stable.
	model := &fakeModel{responses: []fakeResponse{
		{content: good1},
		{err: errors.New("boom")},
		{err: errors.New("boom again")},
		{content: good2},
	}}
	e := newTestExtractor(model, WithConcurrency(1))

	items := []Item{
		{MessageID: "m1", Data: []byte("%PDF"), MimeType: "application/pdf"},
		{MessageID: "m2", Data: []byte("%PDF"), MimeType: "application/pdf"},
		{MessageID: "m3", Data: []byte("%PDF"), MimeType: "application/pdf"},
	}

	results := e.ExtractAll(context.Background(), items)
	require.Len(t, results, 2)

	got := map[string]bill.Type{}
	for _, r := range results {
		got[r.MessageID] = r.Type
	}
	assert.Equal(t, bill.TypeElectricity, got["m1"])
	assert.Equal(t, bill.TypeInternet, got["m3"])
	assert.NotContains(t, got, "m2")
}

func TestExtractAllEmpty(t *testing.T) {
	e := newTestExtractor(&fakeModel{})
	results := e.ExtractAll(context.Background(), nil)
	assert.Empty(t, results)
}

func TestBuildPromptWithoutHint(t *testing.T) {
	prompt := buildPrompt(nil)
	assert.Contains(t, prompt, "issue date")
	assert.False(t, strings.Contains(prompt, "hint"), "no hint text expected without a hint")
}
