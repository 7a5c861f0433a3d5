package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/paperbill/billscan/internal/pipeline"
)

type fakeStarter struct {
	mu   sync.Mutex
	reqs []pipeline.Request
}

func (f *fakeStarter) Start(req pipeline.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
}

type fakeSaver struct {
	mu           sync.Mutex
	userID       string
	accessToken  string
	refreshToken string
	err          error
}

func (f *fakeSaver) Save(ctx context.Context, userID, accessToken, refreshToken string, expiresIn time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userID = userID
	f.accessToken = accessToken
	f.refreshToken = refreshToken
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, runner Starter, auth Authorizer) *httptest.Server {
	t.Helper()
	s := New(":0", runner, auth, prometheus.NewRegistry(), testLogger())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, &fakeStarter{}, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeStarter{}, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestScanCommandAcknowledgesImmediately(t *testing.T) {
	runner := &fakeStarter{}
	srv := newTestServer(t, runner, nil)

	form := url.Values{
		"user_id":    {"U123"},
		"channel_id": {"C456"},
		"days_back":  {"14"},
	}
	resp, err := http.PostForm(srv.URL+"/commands/scan", form)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body scanResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "scanning", body.Status)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.reqs, 1)
	assert.Equal(t, pipeline.Request{UserID: "U123", ChannelID: "C456", DaysBack: 14}, runner.reqs[0])
}

func TestScanCommandValidation(t *testing.T) {
	runner := &fakeStarter{}
	srv := newTestServer(t, runner, nil)

	tests := []struct {
		name string
		form url.Values
	}{
		{name: "missing user", form: url.Values{"channel_id": {"C1"}}},
		{name: "missing channel", form: url.Values{"user_id": {"U1"}}},
		{name: "bad days_back", form: url.Values{"user_id": {"U1"}, "channel_id": {"C1"}, "days_back": {"soon"}}},
		{name: "negative days_back", form: url.Values{"user_id": {"U1"}, "channel_id": {"C1"}, "days_back": {"-3"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.PostForm(srv.URL+"/commands/scan", tt.form)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Empty(t, runner.reqs)
}

func oauthTestConfig(tokenURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "cid",
		ClientSecret: "secret",
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.example.com/auth",
			TokenURL: tokenURL,
		},
	}
}

func TestOAuthFlow(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	saver := &fakeSaver{}
	flow := NewAuthFlow(oauthTestConfig(tokenSrv.URL), saver, testLogger())
	srv := newTestServer(t, &fakeStarter{}, flow)

	client := srv.Client()
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := client.Get(srv.URL + "/oauth/start?user_id=U123")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	resp, err = client.Get(srv.URL + "/oauth/callback?state=" + state + "&code=authcode")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Authorization complete")

	saver.mu.Lock()
	defer saver.mu.Unlock()
	assert.Equal(t, "U123", saver.userID)
	assert.Equal(t, "at", saver.accessToken)
	assert.Equal(t, "rt", saver.refreshToken)
}

func TestOAuthCallbackUnknownState(t *testing.T) {
	flow := NewAuthFlow(oauthTestConfig("http://unused.example"), &fakeSaver{}, testLogger())
	srv := newTestServer(t, &fakeStarter{}, flow)

	resp, err := http.Get(srv.URL + "/oauth/callback?state=bogus&code=authcode")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOAuthStateIsSingleUse(t *testing.T) {
	flow := NewAuthFlow(oauthTestConfig("http://unused.example"), &fakeSaver{}, testLogger())
	flow.AuthURL("U1")

	err := flow.HandleCallback(context.Background(), "not-the-state", "code")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown or expired"))
}

func TestAuthFlowStateExpiry(t *testing.T) {
	flow := NewAuthFlow(oauthTestConfig("http://unused.example"), &fakeSaver{}, testLogger())
	base := time.Now()
	flow.now = func() time.Time { return base }

	raw := flow.AuthURL("U1")
	u, err := url.Parse(raw)
	require.NoError(t, err)
	state := u.Query().Get("state")

	flow.now = func() time.Time { return base.Add(stateTTL + time.Minute) }
	err = flow.HandleCallback(context.Background(), state, "code")
	require.Error(t, err)
}
