package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const maxResponseBody = 1 << 20

// NewHTTPClient returns the client shared by token and gateway calls: connect within
// connectTimeout, finish within total.
func NewHTTPClient(connectTimeout, total time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	if total <= 0 {
		total = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Transport: transport, Timeout: total}
}

// Client is the live Gateway for one provider. Token failures are surfaced as
// TransientError so callers can retry initiation.
type Client struct {
	profile Profile
	dialect Dialect
	tokens  *TokenManager
	http    *http.Client
	now     func() time.Time
	logger  *zap.Logger
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithClock replaces time.Now for query timestamps.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

func NewClient(profile Profile, dialect Dialect, tokens *TokenManager, httpClient *http.Client, logger *zap.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		profile: profile.WithDefaults(dialect),
		dialect: dialect,
		tokens:  tokens,
		http:    httpClient,
		now:     time.Now,
		logger:  logger.With(zap.String("provider", string(profile.Name))),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Initiate(ctx context.Context, req ProviderRequest) (PushAck, error) {
	status, body, err := c.send(ctx, "initiate", http.MethodPost, c.profile.PushPath, req.Payload)
	if err != nil {
		return PushAck{}, err
	}
	ack, err := c.dialect.DecodePush(status, body)
	if err != nil {
		c.logger.Warn("push not accepted",
			zap.String("reference", req.Reference),
			zap.Int("status", status),
			zap.Error(err))
		return PushAck{}, err
	}
	c.logger.Info("push accepted",
		zap.String("reference", req.Reference),
		zap.String("provider_request_id", ack.ProviderRequestID))
	return ack, nil
}

func (c *Client) Query(ctx context.Context, providerRequestID string) (PushStatus, error) {
	method, path, payload := c.dialect.QueryRequest(c.profile, providerRequestID, c.now())
	status, body, err := c.send(ctx, "query", method, path, payload)
	if err != nil {
		return PushStatus{}, err
	}
	return c.dialect.DecodeQuery(status, body)
}

// send performs one authorized call. A refused token is invalidated and the call retried
// once with a fresh one.
func (c *Client) send(ctx context.Context, op, method, path string, payload any) (int, []byte, error) {
	var raw []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		raw = b
	}

	for attempt := 0; ; attempt++ {
		tok, err := c.token(ctx)
		if err != nil {
			return 0, nil, &TransientError{Op: op, Err: err}
		}
		status, body, err := c.do(ctx, method, c.profile.URL(path), raw, tok)
		if err != nil {
			return 0, nil, &TransientError{Op: op, Err: err}
		}
		if tok != nil && c.dialect.TokenRejected(status, body) {
			c.tokens.Invalidate(tok)
			if attempt == 0 {
				c.logger.Info("access token refused, refreshing", zap.String("op", op))
				continue
			}
			return status, body, &TransientError{Op: op, StatusCode: status, Err: &AuthError{Provider: c.profile.Name, StatusCode: status, Body: orText("", body)}}
		}
		return status, body, nil
	}
}

func (c *Client) token(ctx context.Context) (*oauth2.Token, error) {
	if c.tokens == nil {
		return nil, nil
	}
	return c.tokens.Token(ctx)
}

func (c *Client) do(ctx context.Context, method, url string, raw []byte, tok *oauth2.Token) (int, []byte, error) {
	var body io.Reader
	if raw != nil {
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok != nil {
		tok.SetAuthHeader(req)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, out, nil
}

// NewGateway wires the token manager and gateway for a validated profile.
func NewGateway(profile Profile, httpClient *http.Client, logger *zap.Logger, tokenOpts TokenOptions) (Gateway, Dialect, error) {
	dialect, err := LookupDialect(profile.Dialect)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Provider = string(profile.Name)
		}
		return nil, nil, err
	}
	if dialect.Name() == "stub" {
		return NewStubGateway(), dialect, nil
	}
	profile = profile.WithDefaults(dialect)

	var fetch TokenFetcher
	switch profile.TokenStyle {
	case TokenStyleDaraja:
		fetch = DarajaTokenFetcher(httpClient, profile.Name, profile.URL(profile.TokenPath), profile.ConsumerKey, profile.ConsumerSecret, tokenOpts.Now)
	case TokenStyleOAuth2:
		fetch = OAuth2TokenFetcher(httpClient, profile.Name, profile.URL(profile.TokenPath), profile.ConsumerKey, profile.ConsumerSecret)
	case TokenStyleNone:
	default:
		return nil, nil, &ConfigError{Provider: string(profile.Name), Field: "token_style", Reason: "unknown style " + profile.TokenStyle}
	}
	var tokens *TokenManager
	if fetch != nil {
		tokens = NewTokenManager(profile.Name, fetch, tokenOpts, logger)
	}
	return NewClient(profile, dialect, tokens, httpClient, logger), dialect, nil
}
