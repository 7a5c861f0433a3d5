package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/paperbill/billscan/internal/logging"
)

// DefaultRefreshBuffer is how close to expiry a token may get before
// RefreshIfNeeded performs a network refresh.
const DefaultRefreshBuffer = 5 * time.Minute

// TokenRecord is the single durable OAuth token row per user.
type TokenRecord struct {
	UserID       string `gorm:"primaryKey"`
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Refresher exchanges a refresh token for a new token pair at the OAuth
// provider. The production implementation wraps oauth2.Config; tests inject
// fakes to observe whether a network refresh happened.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// OAuthRefresher implements Refresher against a real provider endpoint.
type OAuthRefresher struct {
	Config *oauth2.Config
}

// Refresh calls the provider's token endpoint. Provider rejections are
// converted into *RefreshFailedError with the provider's status and body.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			status := 0
			if retrieveErr.Response != nil {
				status = retrieveErr.Response.StatusCode
			}
			return nil, &RefreshFailedError{Status: status, Body: string(retrieveErr.Body), Err: err}
		}
		return nil, &RefreshFailedError{Err: err}
	}
	return tok, nil
}

// TokenStore manages the per-user OAuth token lifecycle.
type TokenStore struct {
	db        *gorm.DB
	refresher Refresher
	buffer    time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// TokenStoreOption customizes a TokenStore.
type TokenStoreOption func(*TokenStore)

// WithRefreshBuffer overrides the expiry buffer below which a refresh is
// forced.
func WithRefreshBuffer(d time.Duration) TokenStoreOption {
	return func(s *TokenStore) { s.buffer = d }
}

// WithTokenClock overrides the time source, for tests.
func WithTokenClock(now func() time.Time) TokenStoreOption {
	return func(s *TokenStore) { s.now = now }
}

// NewTokenStore creates a token store backed by db, refreshing through the
// given Refresher.
func NewTokenStore(db *gorm.DB, refresher Refresher, logger *slog.Logger, opts ...TokenStoreOption) *TokenStore {
	s := &TokenStore{
		db:        db,
		refresher: refresher,
		buffer:    DefaultRefreshBuffer,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get loads the token record for a user. Returns ErrNoToken when the user has
// never authorized.
func (s *TokenStore) Get(ctx context.Context, userID string) (*TokenRecord, error) {
	var rec TokenRecord
	err := s.db.WithContext(ctx).First(&rec, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %s: %w", logging.AnonymizeUser(userID), ErrNoToken)
		}
		return nil, &StorageError{Op: "token get", Err: err}
	}
	return &rec, nil
}

// Save stores a token pair for a user, overwriting any existing record.
// ExpiresAt is derived from the current time plus expiresIn.
func (s *TokenStore) Save(ctx context.Context, userID, accessToken, refreshToken string, expiresIn time.Duration) error {
	rec := TokenRecord{
		UserID:       userID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    s.now().Add(expiresIn),
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return &StorageError{Op: "token save", Err: err}
	}
	return nil
}

// RefreshIfNeeded returns a token record that is valid for at least the
// configured buffer. When the stored token has enough life left it is
// returned unchanged without any network call. Otherwise the refresh token
// is exchanged at the provider and the record is overwritten in place; the
// previously stored refresh token is retained unless the provider rotated it.
func (s *TokenStore) RefreshIfNeeded(ctx context.Context, userID string) (*TokenRecord, error) {
	rec, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	remaining := rec.ExpiresAt.Sub(s.now())
	if remaining >= s.buffer {
		return rec, nil
	}

	s.logger.Info("refreshing oauth token",
		logging.UserHash(userID),
		slog.Duration("remaining", remaining))

	tok, err := s.refresher.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		s.logger.Warn("oauth token refresh failed",
			logging.UserHash(userID),
			logging.Err(err))
		return nil, err
	}

	rec.AccessToken = tok.AccessToken
	rec.ExpiresAt = tok.Expiry
	// Refresh tokens are not guaranteed to rotate (RFC 6749); keep the old
	// one unless the provider issued a replacement.
	if tok.RefreshToken != "" {
		rec.RefreshToken = tok.RefreshToken
	}

	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return nil, &StorageError{Op: "token refresh save", Err: err}
	}

	s.logger.Info("oauth token refreshed",
		logging.UserHash(userID),
		slog.Time("expires_at", rec.ExpiresAt))
	return rec, nil
}
