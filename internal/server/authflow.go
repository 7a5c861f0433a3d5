package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/paperbill/billscan/internal/google"
	"github.com/paperbill/billscan/internal/logging"
)

// stateTTL bounds how long a pending authorization may sit before the
// callback arrives.
const stateTTL = 10 * time.Minute

// TokenSaver persists an exchanged token for a user.
type TokenSaver interface {
	Save(ctx context.Context, userID, accessToken, refreshToken string, expiresIn time.Duration) error
}

type pendingAuth struct {
	userID  string
	expires time.Time
}

// AuthFlow implements the web authorization flow: it hands out consent URLs
// keyed by a random state and completes the code exchange on callback.
type AuthFlow struct {
	conf   *oauth2.Config
	tokens TokenSaver
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingAuth
	now     func() time.Time
}

// NewAuthFlow creates an AuthFlow around an OAuth config and a token store.
func NewAuthFlow(conf *oauth2.Config, tokens TokenSaver, logger *slog.Logger) *AuthFlow {
	return &AuthFlow{
		conf:    conf,
		tokens:  tokens,
		logger:  logger,
		pending: make(map[string]pendingAuth),
		now:     time.Now,
	}
}

// AuthURL registers a pending authorization for the user and returns the
// consent URL carrying its state.
func (f *AuthFlow) AuthURL(userID string) string {
	state := uuid.NewString()

	f.mu.Lock()
	f.prune()
	f.pending[state] = pendingAuth{userID: userID, expires: f.now().Add(stateTTL)}
	f.mu.Unlock()

	return google.AuthURL(f.conf, state)
}

// HandleCallback completes the exchange for the pending authorization the
// state refers to. Each state is single-use.
func (f *AuthFlow) HandleCallback(ctx context.Context, state, code string) error {
	f.mu.Lock()
	p, ok := f.pending[state]
	if ok {
		delete(f.pending, state)
	}
	f.mu.Unlock()

	if !ok || f.now().After(p.expires) {
		return fmt.Errorf("unknown or expired authorization state")
	}

	tok, err := google.Exchange(ctx, f.conf, code)
	if err != nil {
		return err
	}

	expiresIn := time.Until(tok.Expiry)
	if err := f.tokens.Save(ctx, p.userID, tok.AccessToken, tok.RefreshToken, expiresIn); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}

	f.logger.Info("user authorized", logging.UserHash(p.userID))
	return nil
}

// prune drops expired pending states. Callers hold f.mu.
func (f *AuthFlow) prune() {
	now := f.now()
	for state, p := range f.pending {
		if now.After(p.expires) {
			delete(f.pending, state)
		}
	}
}
