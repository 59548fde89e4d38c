package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// IDTokenHeader carries the OIDC id token next to the bearer access token.
const IDTokenHeader = "X-Id-Token"

// TokenSet is the stored form of a session's tokens. ExpiresAt is in unix
// seconds; zero means "read it from the access token".
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// Header renders the upstream headers for the token set.
func (t TokenSet) Header() http.Header {
	h := Bearer(t.AccessToken)
	if t.IDToken != "" {
		h.Set(IDTokenHeader, t.IDToken)
	}
	return h
}

// expiry returns when the access token stops being usable. The zero time
// means it never expires.
func (t TokenSet) expiry() (time.Time, error) {
	if t.ExpiresAt > 0 {
		return time.Unix(t.ExpiresAt, 0), nil
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.AccessToken, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parsing access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}

// Refresher exchanges a refresh token for a new token set.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)
}

// OAuth2Refresher refreshes tokens against an OAuth2 token endpoint.
type OAuth2Refresher struct {
	cfg    *oauth2.Config
	client *http.Client
}

// NewOAuth2Refresher builds a refresher for the given client credentials.
// A nil client uses http.DefaultClient.
func NewOAuth2Refresher(clientID, clientSecret, tokenURL string, client *http.Client) *OAuth2Refresher {
	return &OAuth2Refresher{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: client,
	}
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}
	tok, err := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return TokenSet{}, err
	}

	ts := TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		ts.ExpiresAt = tok.Expiry.Unix()
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = id
	}
	return ts, nil
}

// TokenAuthenticator reads token sets from a Store, refreshing them when the
// access token is about to expire.
type TokenAuthenticator struct {
	store     Store
	refresher Refresher
	prefix    string
	tolerance time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

type TokenOption func(*TokenAuthenticator)

// WithKeyPrefix namespaces the store keys.
func WithKeyPrefix(prefix string) TokenOption {
	return func(a *TokenAuthenticator) { a.prefix = prefix }
}

// WithTolerance treats tokens expiring within d as already expired.
func WithTolerance(d time.Duration) TokenOption {
	return func(a *TokenAuthenticator) { a.tolerance = d }
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) TokenOption {
	return func(a *TokenAuthenticator) { a.now = now }
}

func WithLogger(l zerolog.Logger) TokenOption {
	return func(a *TokenAuthenticator) { a.logger = l }
}

// NewTokenAuthenticator creates an authenticator over store. refresher may be
// nil, in which case expired tokens are never refreshed.
func NewTokenAuthenticator(store Store, refresher Refresher, opts ...TokenOption) *TokenAuthenticator {
	a := &TokenAuthenticator{
		store:     store,
		refresher: refresher,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *TokenAuthenticator) key(sessionID string) string {
	return a.prefix + sessionID
}

// StoreTokens saves ts for sessionID.
func (a *TokenAuthenticator) StoreTokens(ctx context.Context, sessionID string, ts TokenSet) error {
	data, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("encoding tokens: %w", err)
	}
	if err := a.store.Save(ctx, a.key(sessionID), string(data)); err != nil {
		return fmt.Errorf("saving tokens: %w", err)
	}
	return nil
}

func (a *TokenAuthenticator) Credentials(ctx context.Context, sessionID string) (http.Header, error) {
	raw, err := a.store.Get(ctx, a.key(sessionID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading tokens: %w", err)
	}

	var ts TokenSet
	if err := json.Unmarshal([]byte(raw), &ts); err != nil || ts.AccessToken == "" {
		return nil, ErrInvalid
	}

	exp, err := ts.expiry()
	if err != nil {
		a.logger.Debug().Err(err).Msg("stored access token is not readable")
		return nil, ErrInvalid
	}
	if exp.IsZero() || a.now().Add(a.tolerance).Before(exp) {
		return ts.Header(), nil
	}

	refreshed, err := a.refresh(ctx, sessionID, ts)
	if err != nil {
		return nil, err
	}
	return refreshed.Header(), nil
}

// refresh exchanges the refresh token and writes the result back. Any
// failure drops the stored tokens and reports ErrExpired.
func (a *TokenAuthenticator) refresh(ctx context.Context, sessionID string, ts TokenSet) (TokenSet, error) {
	if a.refresher == nil || ts.RefreshToken == "" {
		return TokenSet{}, ErrExpired
	}

	refreshed, err := a.refresher.Refresh(ctx, ts.RefreshToken)
	if err != nil || refreshed.AccessToken == "" {
		a.logger.Info().Err(err).Msg("token refresh failed")
		if derr := a.store.Delete(ctx, a.key(sessionID)); derr != nil && !errors.Is(derr, ErrNotFound) {
			a.logger.Warn().Err(derr).Msg("could not drop expired tokens")
		}
		return TokenSet{}, ErrExpired
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = ts.RefreshToken
	}
	if err := a.StoreTokens(ctx, sessionID, refreshed); err != nil {
		a.logger.Warn().Err(err).Msg("could not persist refreshed tokens")
	}
	a.logger.Debug().Msg("tokens refreshed")
	return refreshed, nil
}
