package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:     endpoint,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RetryBase:    time.Millisecond,
	}
}

func TestValidReturnsFreshTokenWithoutRefresh(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	m := NewManager(testConfig(server.URL), Token{
		AccessToken:  "current",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil, server.Client(), zap.NewNop())

	token, err := m.Valid(context.Background())
	if err != nil {
		t.Fatalf("Valid error: %v", err)
	}
	if token.AccessToken != "current" {
		t.Fatalf("access token=%q, want %q", token.AccessToken, "current")
	}
	if got := calls.Load(); got != 0 {
		t.Fatalf("auth endpoint calls=%d, want 0", got)
	}
}

func TestConcurrentValidTriggersSingleRefresh(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.FormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type=%q, want refresh_token", got)
		}
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer server.Close()

	m := NewManager(testConfig(server.URL), Token{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, nil, server.Client(), zap.NewNop())

	const callers = 8
	results := make([]Token, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Valid(context.Background())
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("refresh calls=%d, want 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if results[i].AccessToken != "new-access" {
			t.Fatalf("caller %d access token=%q, want %q", i, results[i].AccessToken, "new-access")
		}
	}
}

func TestRefreshExhaustionYieldsAuthError(t *testing.T) {
	m := NewManager(testConfig("http://auth.invalid/token"), Token{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, nil, &http.Client{Transport: failingTransport{}}, zap.NewNop())

	if _, err := m.Refresh(context.Background()); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Refresh error=%v, want ErrAuthFailed", err)
	}
	if got := m.State(); got != StateFailed {
		t.Fatalf("state=%s, want %s", got, StateFailed)
	}
	// No fourth attempt: the failure is sticky for later callers too.
	if _, err := m.Valid(context.Background()); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Valid after exhaustion error=%v, want ErrAuthFailed", err)
	}
}

func TestRejectedGrantNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	m := NewManager(testConfig(server.URL), Token{
		RefreshToken: "revoked",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, nil, server.Client(), zap.NewNop())

	if _, err := m.Refresh(context.Background()); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Refresh error=%v, want ErrAuthFailed", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("auth endpoint calls=%d, want 1", got)
	}
}

func TestPersistCallbackInvoked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"persisted-access","refresh_token":"persisted-refresh"}`))
	}))
	defer server.Close()

	var persisted Token
	persist := func(token Token) error {
		persisted = token
		return nil
	}

	m := NewManager(testConfig(server.URL), Token{
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, persist, server.Client(), zap.NewNop())

	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if persisted.AccessToken != "persisted-access" {
		t.Fatalf("persisted access token=%q, want %q", persisted.AccessToken, "persisted-access")
	}
	if persisted.RefreshToken != "persisted-refresh" {
		t.Fatalf("persisted refresh token=%q, want %q", persisted.RefreshToken, "persisted-refresh")
	}
}

func TestPersistFailureNonFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"ok"}`))
	}))
	defer server.Close()

	persist := func(Token) error { return errors.New("disk full") }

	m := NewManager(testConfig(server.URL), Token{
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, persist, server.Client(), zap.NewNop())

	token, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if token.AccessToken != "ok" {
		t.Fatalf("access token=%q, want %q", token.AccessToken, "ok")
	}
}

func TestSetCredentialsClearsFailedState(t *testing.T) {
	m := NewManager(testConfig("http://auth.invalid/token"), Token{
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, nil, &http.Client{Transport: failingTransport{}}, zap.NewNop())

	if _, err := m.Refresh(context.Background()); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Refresh error=%v, want ErrAuthFailed", err)
	}

	m.SetCredentials(Token{
		AccessToken:  "fresh",
		RefreshToken: "fresh-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	token, err := m.Valid(context.Background())
	if err != nil {
		t.Fatalf("Valid after SetCredentials error: %v", err)
	}
	if token.AccessToken != "fresh" {
		t.Fatalf("access token=%q, want %q", token.AccessToken, "fresh")
	}
}
