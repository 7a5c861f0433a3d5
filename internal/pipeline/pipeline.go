// Package pipeline orchestrates one bill scan run: authorize, search,
// filter, fetch, extract, persist, notify.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/paperbill/billscan/internal/bill"
	"github.com/paperbill/billscan/internal/classify"
	"github.com/paperbill/billscan/internal/extract"
	"github.com/paperbill/billscan/internal/gmail"
	"github.com/paperbill/billscan/internal/instrumentation"
	"github.com/paperbill/billscan/internal/logging"
	"github.com/paperbill/billscan/internal/notify"
	"github.com/paperbill/billscan/internal/store"
)

// Defaults for the scan configuration.
const (
	DefaultDaysBack         = 30
	DefaultSearchLimit      = 25
	DefaultMaxMessages      = 10
	DefaultFetchConcurrency = 5
	DefaultRunTimeout       = 5 * time.Minute
)

// Stage names, used in logs and metrics.
const (
	stageAuthorize = "authorize"
	stageSearch    = "search"
	stagePersist   = "persist"
)

// Mail is the mail-provider contract the pipeline depends on.
type Mail interface {
	Search(ctx context.Context, query string, max int64) ([]gmail.MessageStub, error)
	GetMessage(ctx context.Context, messageID string) (*gmail.MessageDetail, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) (*gmail.Attachment, error)
}

// MailFactory builds a mail client for a freshly refreshed access token.
type MailFactory func(ctx context.Context, accessToken string) (Mail, error)

// Tokens is the token-store contract the pipeline depends on.
type Tokens interface {
	RefreshIfNeeded(ctx context.Context, userID string) (*store.TokenRecord, error)
}

// Bills is the bill-store contract the pipeline depends on.
type Bills interface {
	UpsertBills(ctx context.Context, userID string, bills []bill.Extracted) error
}

// Extractor is the batch extraction contract the pipeline depends on.
type Extractor interface {
	ExtractAll(ctx context.Context, items []extract.Item) []bill.Extracted
}

// Config holds the scan parameters.
type Config struct {
	// BillSender is the sender address the search query is scoped to.
	BillSender string
	// DaysBack is the default scan window when the request carries none.
	DaysBack int
	// SearchLimit caps how many candidate messages the search returns.
	SearchLimit int64
	// MaxMessages caps how many filtered messages proceed to fetch.
	MaxMessages int
	// FetchConcurrency bounds the attachment-fetch fan-out.
	FetchConcurrency int
	// RunTimeout bounds one background run end to end.
	RunTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.DaysBack <= 0 {
		c.DaysBack = DefaultDaysBack
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = DefaultSearchLimit
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = DefaultFetchConcurrency
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
}

// Request identifies one scan invocation.
type Request struct {
	UserID    string
	ChannelID string
	// DaysBack overrides the configured scan window when positive.
	DaysBack int
}

// Runner sequences one scan run over its collaborators.
type Runner struct {
	tokens    Tokens
	bills     Bills
	mail      MailFactory
	extractor Extractor
	notifier  notify.Notifier
	cfg       Config
	logger    *slog.Logger
	metrics   *instrumentation.Metrics
	now       func() time.Time
}

// NewRunner creates a pipeline runner.
func NewRunner(tokens Tokens, bills Bills, mail MailFactory, extractor Extractor, notifier notify.Notifier, cfg Config, logger *slog.Logger, metrics *instrumentation.Metrics) *Runner {
	cfg.applyDefaults()
	return &Runner{
		tokens:    tokens,
		bills:     bills,
		mail:      mail,
		extractor: extractor,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Start schedules a run in the background so the trigger path can
// acknowledge immediately. The run gets its own timeout-bounded context,
// detached from the caller's request lifetime.
func (r *Runner) Start(req Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RunTimeout)
		defer cancel()
		// Errors have already been reported to the user and the logs.
		_ = r.Run(ctx, req)
	}()
}

// candidate is a message that passed the filter stage.
type candidate struct {
	detail *gmail.MessageDetail
	hint   *bill.Type
}

// Run executes one scan end to end. Stage failures abort the run and notify
// the channel with a user-facing message; item failures inside fetch and
// extract are logged and drop only the affected message.
func (r *Runner) Run(ctx context.Context, req Request) error {
	start := r.now()
	logger := r.logger.With(
		logging.RunID(uuid.NewString()),
		logging.UserHash(req.UserID),
		logging.Channel(req.ChannelID))

	err := r.run(ctx, req, logger)

	status := logging.StatusSuccess
	if err != nil {
		status = logging.StatusError
	}
	r.metrics.RecordPipelineRun(ctx, status, time.Since(start))
	logger.Info("pipeline run finished",
		logging.Status(status),
		slog.Duration("duration", time.Since(start)))
	return err
}

func (r *Runner) run(ctx context.Context, req Request, logger *slog.Logger) error {
	daysBack := req.DaysBack
	if daysBack <= 0 {
		daysBack = r.cfg.DaysBack
	}

	// Authorize.
	tok, err := r.tokens.RefreshIfNeeded(ctx, req.UserID)
	if err != nil {
		r.metrics.RecordTokenRefresh(ctx, logging.StatusError)
		return r.fail(ctx, req.ChannelID, stageAuthorize, err, logger)
	}
	r.metrics.RecordTokenRefresh(ctx, logging.StatusSuccess)

	mail, err := r.mail(ctx, tok.AccessToken)
	if err != nil {
		return r.fail(ctx, req.ChannelID, stageAuthorize, err, logger)
	}

	// Search.
	query := gmail.BuildQuery(r.cfg.BillSender, daysBack, r.now())
	stubs, err := mail.Search(ctx, query, r.cfg.SearchLimit)
	if err != nil {
		return r.fail(ctx, req.ChannelID, stageSearch, err, logger)
	}
	logger.Info("search complete", logging.Stage(stageSearch), slog.Int("candidates", len(stubs)))
	if len(stubs) == 0 {
		return r.notifyResult(ctx, req.ChannelID, nil, logger)
	}

	// Filter: classify subjects as hints. A message whose subject matches no
	// keyword table still proceeds to extraction; the classifier is a hint,
	// not a gate, to keep recall high on oddly-worded subjects.
	candidates := r.filter(ctx, mail, stubs, logger)
	if len(candidates) == 0 {
		return r.notifyResult(ctx, req.ChannelID, nil, logger)
	}

	// Fetch the first PDF attachment of the leading candidates in bounded
	// parallel.
	items := r.fetch(ctx, mail, candidates, logger)

	// Extract.
	extracted := r.extractor.ExtractAll(ctx, items)
	logger.Info("extraction complete",
		slog.Int("attempted", len(items)),
		slog.Int("extracted", len(extracted)))

	// Persist. A storage fault is fatal and surfaced verbatim.
	if err := r.bills.UpsertBills(ctx, req.UserID, extracted); err != nil {
		return r.fail(ctx, req.ChannelID, stagePersist, err, logger)
	}
	r.metrics.RecordBillsPersisted(ctx, len(extracted))

	// Notify. An empty bill list is still a successful run.
	return r.notifyResult(ctx, req.ChannelID, extracted, logger)
}

func (r *Runner) filter(ctx context.Context, mail Mail, stubs []gmail.MessageStub, logger *slog.Logger) []candidate {
	var candidates []candidate
	for _, stub := range stubs {
		detail, err := mail.GetMessage(ctx, stub.ID)
		if err != nil {
			// Per-message failure drops only that message.
			logger.Warn("dropping message after failed header fetch",
				logging.MessageID(stub.ID),
				logging.Err(err))
			continue
		}
		var hint *bill.Type
		if t, ok := classify.Subject(detail.Subject); ok {
			hint = &t
		}
		candidates = append(candidates, candidate{detail: detail, hint: hint})
	}
	return candidates
}

func (r *Runner) fetch(ctx context.Context, mail Mail, candidates []candidate, logger *slog.Logger) []extract.Item {
	if len(candidates) > r.cfg.MaxMessages {
		candidates = candidates[:r.cfg.MaxMessages]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FetchConcurrency)

	results := make([]*extract.Item, len(candidates))
	for i, c := range candidates {
		g.Go(func() error {
			att, ok := c.detail.FirstPDF()
			if !ok {
				// No PDF attachment: silently dropped.
				return nil
			}
			data, err := mail.GetAttachment(gctx, c.detail.ID, att.AttachmentID)
			if err != nil {
				logger.Warn("dropping message after failed attachment fetch",
					logging.MessageID(c.detail.ID),
					logging.Err(err))
				return nil
			}
			results[i] = &extract.Item{
				MessageID: c.detail.ID,
				Data:      data.Data,
				MimeType:  data.MimeType,
				Hint:      c.hint,
			}
			return nil
		})
	}
	_ = g.Wait()

	var items []extract.Item
	for _, it := range results {
		if it != nil {
			items = append(items, *it)
		}
	}
	return items
}

func (r *Runner) notifyResult(ctx context.Context, channelID string, bills []bill.Extracted, logger *slog.Logger) error {
	r.deliver(ctx, channelID, FormatSummary(bills), logger)
	return nil
}

// fail records the stage failure, notifies the channel with a user-facing
// message, and returns the original error.
func (r *Runner) fail(ctx context.Context, channelID, stage string, err error, logger *slog.Logger) error {
	r.metrics.RecordStageFailure(ctx, stage)
	logger.Error("pipeline stage failed",
		logging.Stage(stage),
		logging.Err(err))
	r.deliver(ctx, channelID, FormatError(err), logger)
	return err
}

// deliver sends a chat message; delivery failures are logged, not retried.
func (r *Runner) deliver(ctx context.Context, channelID, text string, logger *slog.Logger) {
	if err := r.notifier.Deliver(ctx, channelID, text); err != nil {
		logger.Warn("notification delivery failed",
			logging.Channel(channelID),
			logging.Err(err))
	}
}
