package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTokenManagerSingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok-1","expires_in":"3599"}`)
	}))
	defer srv.Close()

	m := NewTokenManager("mpesa", DarajaTokenFetcher(srv.Client(), "mpesa", srv.URL+"/oauth/v1/generate", "key", "secret", nil), TokenOptions{}, nil)

	const callers = 50
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.Token(context.Background())
			if err != nil {
				errs <- err
				return
			}
			if tok.AccessToken != "tok-1" {
				errs <- fmt.Errorf("token = %q", tok.AccessToken)
			}
		}()
	}
	// let every caller reach the flight before the server answers
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("token endpoint called %d times, want 1", got)
	}

	if _, err := m.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("cached token not reused, calls = %d", got)
	}
}

func TestTokenManagerRefreshesBeforeExpiry(t *testing.T) {
	now := testNow
	var calls int
	fetch := func(context.Context) (*oauth2.Token, error) {
		calls++
		return &oauth2.Token{AccessToken: fmt.Sprintf("tok-%d", calls), Expiry: now.Add(time.Hour)}, nil
	}
	m := NewTokenManager("mpesa", fetch, TokenOptions{Skew: time.Minute, Now: func() time.Time { return now }}, nil)

	tok, _ := m.Token(context.Background())
	if tok.AccessToken != "tok-1" {
		t.Fatalf("first token = %q", tok.AccessToken)
	}
	now = now.Add(58 * time.Minute)
	tok, _ = m.Token(context.Background())
	if tok.AccessToken != "tok-1" {
		t.Errorf("token refreshed too early: %q", tok.AccessToken)
	}
	now = now.Add(90 * time.Second)
	tok, _ = m.Token(context.Background())
	if tok.AccessToken != "tok-2" {
		t.Errorf("token inside skew not refreshed: %q", tok.AccessToken)
	}
}

func TestTokenManagerInvalidate(t *testing.T) {
	var calls int
	fetch := func(context.Context) (*oauth2.Token, error) {
		calls++
		return &oauth2.Token{AccessToken: fmt.Sprintf("tok-%d", calls), Expiry: time.Now().Add(time.Hour)}, nil
	}
	m := NewTokenManager("mpesa", fetch, TokenOptions{}, nil)

	first, _ := m.Token(context.Background())
	m.Invalidate(first)
	second, _ := m.Token(context.Background())
	if second.AccessToken != "tok-2" {
		t.Fatalf("after invalidate token = %q", second.AccessToken)
	}
	// a stale holder must not evict the fresh token
	m.Invalidate(first)
	third, _ := m.Token(context.Background())
	if third.AccessToken != "tok-2" || calls != 2 {
		t.Errorf("stale invalidate evicted fresh token: %q after %d calls", third.AccessToken, calls)
	}
}

func TestTokenManagerAuthError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"errorMessage":"Invalid credentials"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	var refreshErr error
	m := NewTokenManager("mpesa",
		DarajaTokenFetcher(srv.Client(), "mpesa", srv.URL, "k", "s", nil),
		TokenOptions{Attempts: 2, Backoff: time.Millisecond, OnRefresh: func(err error) { refreshErr = err }},
		nil)

	_, err := m.Token(context.Background())
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %v, want AuthError", err)
	}
	if ae.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", ae.StatusCode)
	}
	if calls.Load() != 2 {
		t.Errorf("attempts = %d, want 2", calls.Load())
	}
	if refreshErr == nil {
		t.Error("OnRefresh not told about the failure")
	}
}

func TestTokenManagerMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"expires_in":"3599"}`)
	}))
	defer srv.Close()
	m := NewTokenManager("mpesa", DarajaTokenFetcher(srv.Client(), "mpesa", srv.URL, "k", "s", nil), TokenOptions{Attempts: 1}, nil)
	var ae *AuthError
	if _, err := m.Token(context.Background()); !errors.As(err, &ae) {
		t.Errorf("error = %v, want AuthError", err)
	}
}

func TestTokenManagerCallerCancel(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	fetch := func(ctx context.Context) (*oauth2.Token, error) {
		<-block
		return &oauth2.Token{AccessToken: "late"}, nil
	}
	m := NewTokenManager("mpesa", fetch, TokenOptions{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Token(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestOAuth2TokenFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if user, _, ok := r.BasicAuth(); !ok || user != "client" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"oauth-tok","token_type":"Bearer","expires_in":600}`)
	}))
	defer srv.Close()

	tok, err := OAuth2TokenFetcher(srv.Client(), "partner", srv.URL+"/oauth/token", "client", "secret")(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if tok.AccessToken != "oauth-tok" || tok.Expiry.IsZero() {
		t.Errorf("token = %+v", tok)
	}

	_, err = OAuth2TokenFetcher(srv.Client(), "partner", srv.URL+"/oauth/token", "wrong", "secret")(context.Background())
	var ae *AuthError
	if !errors.As(err, &ae) || ae.StatusCode != http.StatusUnauthorized {
		t.Errorf("error = %v, want AuthError 401", err)
	}
}
