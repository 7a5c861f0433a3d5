// Package gmail wraps the Gmail Users service behind the narrow search,
// message-detail and attachment contracts the bill pipeline needs.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/paperbill/billscan/internal/logging"
)

const (
	// MaxAttachmentSize defines the maximum attachment size in bytes (25MB).
	MaxAttachmentSize = 25 * 1024 * 1024

	// maxPageSize is the Gmail API's maximum page size for list calls.
	maxPageSize = 100
)

// Client wraps the Gmail Users service for a single authenticated user.
// All API calls run through a circuit breaker so a flapping provider fails
// fast instead of stalling every pipeline run.
type Client struct {
	svc    *gmail.UsersService
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// NewClient creates a Gmail client authenticated with the given access
// token. Token refresh is the token store's job; the client never refreshes.
func NewClient(ctx context.Context, accessToken string, logger *slog.Logger) (*Client, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	settings := gobreaker.Settings{
		Name:     "gmail-api",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	}

	return &Client{
		svc:    svc.Users,
		cb:     gobreaker.NewCircuitBreaker(settings),
		logger: logger,
	}, nil
}

// Search lists message stubs matching the query, up to max results, paging
// through the API as needed.
func (c *Client) Search(ctx context.Context, query string, max int64) ([]MessageStub, error) {
	var stubs []MessageStub
	pageToken := ""

	for {
		remaining := max - int64(len(stubs))
		if remaining <= 0 {
			break
		}
		pageSize := remaining
		if pageSize > maxPageSize {
			pageSize = maxPageSize
		}

		req := c.svc.Messages.List("me").Q(query).MaxResults(pageSize)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		res, err := c.execute(func() (interface{}, error) {
			return req.Context(ctx).Do()
		})
		if err != nil {
			return nil, &SearchError{Err: err}
		}
		list := res.(*gmail.ListMessagesResponse)

		for _, m := range list.Messages {
			stubs = append(stubs, MessageStub{ID: m.Id, ThreadID: m.ThreadId})
		}

		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}

	c.logger.Debug("mail search complete",
		slog.String("query", query),
		slog.Int("results", len(stubs)))
	return stubs, nil
}

// GetMessage retrieves a message's headers and attachment metadata.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*MessageDetail, error) {
	res, err := c.execute(func() (interface{}, error) {
		return c.svc.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
	})
	if err != nil {
		return nil, &FetchError{MessageID: messageID, Err: err}
	}
	msg := res.(*gmail.Message)

	detail := &MessageDetail{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Subject:  headerValue(msg, "Subject"),
		From:     headerValue(msg, "From"),
	}
	walkParts(msg.Payload, func(part *gmail.MessagePart) {
		if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
			detail.Attachments = append(detail.Attachments, AttachmentInfo{
				AttachmentID: part.Body.AttachmentId,
				Filename:     part.Filename,
				MimeType:     part.MimeType,
				Size:         part.Body.Size,
			})
		}
	})

	return detail, nil
}

// GetAttachment downloads and decodes one attachment.
func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) (*Attachment, error) {
	if messageID == "" || attachmentID == "" {
		return nil, &FetchError{MessageID: messageID, Err: fmt.Errorf("messageID and attachmentID are required")}
	}

	res, err := c.execute(func() (interface{}, error) {
		return c.svc.Messages.Attachments.Get("me", messageID, attachmentID).Context(ctx).Do()
	})
	if err != nil {
		return nil, &FetchError{MessageID: messageID, Err: err}
	}
	body := res.(*gmail.MessagePartBody)

	if body.Size > MaxAttachmentSize {
		return nil, &FetchError{
			MessageID: messageID,
			Err:       fmt.Errorf("attachment size %d exceeds maximum %d", body.Size, MaxAttachmentSize),
		}
	}

	// Gmail API uses RFC 4648 base64url encoding; fall back to standard
	// base64 for safety.
	data, err := base64.URLEncoding.DecodeString(body.Data)
	if err != nil {
		data, err = base64.StdEncoding.DecodeString(body.Data)
		if err != nil {
			return nil, &FetchError{MessageID: messageID, Err: fmt.Errorf("failed to decode attachment data: %w", err)}
		}
	}

	c.logger.Debug("attachment downloaded",
		logging.MessageID(messageID),
		slog.Int("bytes", len(data)))
	return &Attachment{Data: data, MimeType: MimeTypePDF}, nil
}

// execute runs a Gmail API call through the circuit breaker.
func (c *Client) execute(fn func() (interface{}, error)) (interface{}, error) {
	return c.cb.Execute(fn)
}

// headerValue extracts a header value from a Gmail message.
func headerValue(m *gmail.Message, header string) string {
	if m.Payload == nil {
		return ""
	}
	for _, h := range m.Payload.Headers {
		if h.Name == header {
			return h.Value
		}
	}
	return ""
}

// walkParts recursively walks through message parts.
func walkParts(part *gmail.MessagePart, fn func(*gmail.MessagePart)) {
	if part == nil {
		return
	}
	fn(part)
	for _, subpart := range part.Parts {
		walkParts(subpart, fn)
	}
}
