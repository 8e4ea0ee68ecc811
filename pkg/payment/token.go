package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// TokenFetcher performs one client-credentials exchange.
type TokenFetcher func(ctx context.Context) (*oauth2.Token, error)

// TokenOptions tune caching and retry of token refreshes.
type TokenOptions struct {
	// Skew refreshes a token this long before it actually expires.
	Skew time.Duration
	// Attempts bounds the exchanges tried per refresh.
	Attempts uint
	// Backoff is the delay before the second attempt; it doubles after that.
	Backoff time.Duration
	// Timeout bounds a whole refresh, retries included.
	Timeout time.Duration
	// OnRefresh is called once per refresh with its outcome.
	OnRefresh func(err error)
	Now       func() time.Time
}

// TokenManager caches one provider access token. Concurrent callers that find the cache
// stale share a single refresh.
type TokenManager struct {
	provider Provider
	fetch    TokenFetcher
	opts     TokenOptions
	logger   *zap.Logger

	mu    sync.RWMutex
	token *oauth2.Token
	group singleflight.Group
}

func NewTokenManager(provider Provider, fetch TokenFetcher, opts TokenOptions, logger *zap.Logger) *TokenManager {
	if opts.Skew == 0 {
		opts.Skew = time.Minute
	}
	if opts.Attempts == 0 {
		opts.Attempts = 2
	}
	if opts.Backoff == 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenManager{provider: provider, fetch: fetch, opts: opts, logger: logger}
}

// Token returns a valid access token, refreshing it if needed.
func (m *TokenManager) Token(ctx context.Context) (*oauth2.Token, error) {
	if tok := m.cached(); tok != nil {
		return tok, nil
	}
	ch := m.group.DoChan("token", func() (any, error) {
		// a refresh that finished between our cache miss and this flight already did the work
		if tok := m.cached(); tok != nil {
			return tok, nil
		}
		return m.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the cached token if it is still stale. A token refreshed by someone
// else in the meantime is kept.
func (m *TokenManager) Invalidate(stale *oauth2.Token) {
	if stale == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != nil && m.token.AccessToken == stale.AccessToken {
		m.token = nil
	}
}

func (m *TokenManager) cached() *oauth2.Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok := m.token
	if tok == nil || tok.AccessToken == "" {
		return nil
	}
	if !tok.Expiry.IsZero() && !m.opts.Now().Before(tok.Expiry.Add(-m.opts.Skew)) {
		return nil
	}
	return tok
}

func (m *TokenManager) refresh(ctx context.Context) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.Backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2

	tok, err := backoff.Retry(ctx, func() (*oauth2.Token, error) {
		tok, err := m.fetch(ctx)
		if err != nil {
			m.logger.Warn("token exchange failed", zap.String("provider", string(m.provider)), zap.Error(err))
			return nil, err
		}
		if tok == nil || tok.AccessToken == "" {
			return nil, &AuthError{Provider: m.provider}
		}
		return tok, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(m.opts.Attempts))

	if m.opts.OnRefresh != nil {
		m.opts.OnRefresh(err)
	}
	if err != nil {
		var ae *AuthError
		if !errors.As(err, &ae) {
			err = &AuthError{Provider: m.provider, Err: err}
		}
		return nil, err
	}

	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()
	m.logger.Info("access token refreshed",
		zap.String("provider", string(m.provider)),
		zap.Time("expires_at", tok.Expiry))
	return tok, nil
}

// DarajaTokenFetcher exchanges credentials with a GET ?grant_type=client_credentials call
// using basic auth. Daraja reports expires_in as a string.
func DarajaTokenFetcher(client *http.Client, provider Provider, tokenURL, key, secret string, now func() time.Time) TokenFetcher {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (*oauth2.Token, error) {
		url := tokenURL
		if !strings.Contains(url, "grant_type=") {
			url += "?grant_type=client_credentials"
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, &AuthError{Provider: provider, Err: err}
		}
		req.SetBasicAuth(key, secret)
		resp, err := client.Do(req)
		if err != nil {
			return nil, &AuthError{Provider: provider, Err: err}
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return nil, &AuthError{Provider: provider, Err: err}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &AuthError{Provider: provider, StatusCode: resp.StatusCode, Body: orText("", body)}
		}
		var out struct {
			AccessToken string     `json:"access_token"`
			ExpiresIn   flexString `json:"expires_in"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, &AuthError{Provider: provider, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
		}
		if out.AccessToken == "" {
			return nil, &AuthError{Provider: provider, StatusCode: resp.StatusCode, Body: "missing access_token"}
		}
		secs, err := strconv.ParseInt(string(out.ExpiresIn), 10, 64)
		if err != nil || secs <= 0 {
			secs = 3599
		}
		return &oauth2.Token{
			AccessToken: out.AccessToken,
			TokenType:   "Bearer",
			Expiry:      now().Add(time.Duration(secs) * time.Second),
		}, nil
	}
}

// OAuth2TokenFetcher runs a standard client-credentials grant with credentials in the
// Authorization header.
func OAuth2TokenFetcher(client *http.Client, provider Provider, tokenURL, key, secret string) TokenFetcher {
	cfg := clientcredentials.Config{
		ClientID:     key,
		ClientSecret: secret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	return func(ctx context.Context) (*oauth2.Token, error) {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
		tok, err := cfg.Token(ctx)
		if err != nil {
			var re *oauth2.RetrieveError
			if errors.As(err, &re) && re.Response != nil {
				return nil, &AuthError{Provider: provider, StatusCode: re.Response.StatusCode, Body: orText("", re.Body)}
			}
			return nil, &AuthError{Provider: provider, Err: err}
		}
		return tok, nil
	}
}
