package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&TokenRecord{}, &BillRecord{}))
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRefresher counts network refreshes and returns a canned token.
type fakeRefresher struct {
	calls int
	token *oauth2.Token
	err   error
}

func (f *fakeRefresher) Refresh(_ context.Context, _ string) (*oauth2.Token, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func TestTokenStoreGetMissing(t *testing.T) {
	s := NewTokenStore(testDB(t), &fakeRefresher{}, testLogger())

	_, err := s.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestTokenStoreSaveOverwrites(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := NewTokenStore(testDB(t), &fakeRefresher{}, testLogger(),
		WithTokenClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "u1", "access-1", "refresh-1", time.Hour))
	require.NoError(t, s.Save(ctx, "u1", "access-2", "refresh-2", 2*time.Hour))

	rec, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", rec.AccessToken)
	assert.Equal(t, "refresh-2", rec.RefreshToken)
	assert.Equal(t, now.Add(2*time.Hour), rec.ExpiresAt.UTC())

	var count int64
	require.NoError(t, s.db.Model(&TokenRecord{}).Where("user_id = ?", "u1").Count(&count).Error)
	assert.EqualValues(t, 1, count, "store must keep a single row per user")
}

func TestRefreshIfNeededFastPath(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ref := &fakeRefresher{}
	s := NewTokenStore(testDB(t), ref, testLogger(),
		WithTokenClock(func() time.Time { return now }))
	ctx := context.Background()

	// Expires in 10 minutes: comfortably above the 5 minute buffer.
	require.NoError(t, s.Save(ctx, "u1", "access", "refresh", 10*time.Minute))

	rec, err := s.RefreshIfNeeded(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "access", rec.AccessToken)
	assert.Equal(t, 0, ref.calls, "fast path must not hit the network")
}

func TestRefreshIfNeededRefreshes(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ref := &fakeRefresher{token: &oauth2.Token{
		AccessToken: "fresh-access",
		Expiry:      now.Add(time.Hour),
	}}
	s := NewTokenStore(testDB(t), ref, testLogger(),
		WithTokenClock(func() time.Time { return now }))
	ctx := context.Background()

	// Expires in 4 minutes: below the buffer, must refresh.
	require.NoError(t, s.Save(ctx, "u1", "stale-access", "refresh-1", 4*time.Minute))

	rec, err := s.RefreshIfNeeded(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, ref.calls)
	assert.Equal(t, "fresh-access", rec.AccessToken)
	assert.Equal(t, "refresh-1", rec.RefreshToken,
		"refresh token must be retained when the provider does not rotate it")

	stored, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", stored.AccessToken)
	assert.Equal(t, now.Add(time.Hour), stored.ExpiresAt.UTC())
}

func TestRefreshIfNeededRotatesRefreshToken(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ref := &fakeRefresher{token: &oauth2.Token{
		AccessToken:  "fresh-access",
		RefreshToken: "refresh-2",
		Expiry:       now.Add(time.Hour),
	}}
	s := NewTokenStore(testDB(t), ref, testLogger(),
		WithTokenClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "u1", "stale", "refresh-1", time.Minute))

	rec, err := s.RefreshIfNeeded(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", rec.RefreshToken)
}

func TestRefreshIfNeededProviderRejection(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ref := &fakeRefresher{err: &RefreshFailedError{Status: 400, Body: `{"error":"invalid_grant"}`}}
	s := NewTokenStore(testDB(t), ref, testLogger(),
		WithTokenClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "u1", "stale", "refresh-1", time.Minute))

	_, err := s.RefreshIfNeeded(ctx, "u1")
	var rfe *RefreshFailedError
	require.ErrorAs(t, err, &rfe)
	assert.Equal(t, 400, rfe.Status)

	// Rejection leaves the stored record untouched.
	stored, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "stale", stored.AccessToken)
}

func TestRefreshIfNeededNoToken(t *testing.T) {
	s := NewTokenStore(testDB(t), &fakeRefresher{}, testLogger())
	_, err := s.RefreshIfNeeded(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestRefreshFailedErrorMessage(t *testing.T) {
	err := &RefreshFailedError{Status: 401, Body: "unauthorized_client"}
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "unauthorized_client")

	wrapped := &RefreshFailedError{Err: errors.New("connection reset")}
	assert.Contains(t, wrapped.Error(), "connection reset")
}
