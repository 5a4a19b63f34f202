package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Store holds one session's credentials and applies them to outbound
// requests. OAuth2 access tokens are cached per store so credential isolation
// between sessions is preserved.
type Store struct {
	mu      sync.Mutex
	creds   Credentials
	allowed map[Type]bool

	httpClient *http.Client
	cacheTTL   time.Duration

	// tokenMu serializes token fetches so at most one acquisition request is
	// in flight per credential slot.
	tokenMu       sync.Mutex
	cachedToken   string
	tokenDeadline time.Time

	nowFunc func() time.Time
}

// NewStore creates a credential store. supportedTypes is the configured
// allow-list; an empty list allows every variant. The HTTP client is used for
// OAuth2 token requests.
func NewStore(supportedTypes []string, httpClient *http.Client, cacheTTL time.Duration) *Store {
	var allowed map[Type]bool
	if len(supportedTypes) > 0 {
		allowed = make(map[Type]bool, len(supportedTypes))
		for _, t := range supportedTypes {
			allowed[Type(t)] = true
		}
		// The oauth2 alias used by some clients.
		if allowed[Type("oauth2")] {
			allowed[TypeOAuth2ClientCredentials] = true
		}
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Store{
		creds:      Credentials{Type: TypeNone},
		allowed:    allowed,
		httpClient: httpClient,
		cacheTTL:   cacheTTL,
		nowFunc:    time.Now,
	}
}

// Set validates and stores new credentials, dropping any cached OAuth2 token
// from the previous credential slot.
func (s *Store) Set(creds Credentials) error {
	if creds.Type != TypeNone && s.allowed != nil && !s.allowed[creds.Type] {
		return fmt.Errorf("%w: auth type %q is not enabled", ErrBadCredentials, creds.Type)
	}
	if err := creds.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()

	s.InvalidateToken()
	return nil
}

// Clear zeroes the stored credentials and the token cache.
func (s *Store) Clear() {
	s.mu.Lock()
	s.creds.zero()
	s.mu.Unlock()
	s.InvalidateToken()
}

// Type returns the stored credential type.
func (s *Store) Type() Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds.Type == "" {
		return TypeNone
	}
	return s.creds.Type
}

// Authenticated reports whether credentials other than none are stored.
func (s *Store) Authenticated() bool {
	return s.Type() != TypeNone
}

// InvalidateToken drops the cached OAuth2 access token. The tool executor
// calls this after a 401 so the next attempt fetches a fresh token.
func (s *Store) InvalidateToken() {
	s.tokenMu.Lock()
	s.cachedToken = ""
	s.tokenDeadline = time.Time{}
	s.tokenMu.Unlock()
}

// Apply adds the authentication headers prescribed by the stored credential
// variant. Headers already supplied by the caller are kept unless the variant
// mandates the header (bearer and basic overwrite Authorization, api_key
// writes its configured header); custom headers never replace existing
// entries.
func (s *Store) Apply(ctx context.Context, headers http.Header, hint *Hint) error {
	s.mu.Lock()
	creds := s.creds
	s.mu.Unlock()

	switch creds.Type {
	case TypeNone, "":
		return nil

	case TypeBearerToken:
		header := "Authorization"
		if hint != nil && hint.BearerHeader != "" {
			header = hint.BearerHeader
		}
		headers.Set(header, "Bearer "+creds.BearerToken)

	case TypeBasicAuth:
		encoded := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password))
		headers.Set("Authorization", "Basic "+encoded)

	case TypeAPIKey:
		// An explicitly configured credential header wins over the tool
		// hint; the hint only fills in when the credential left it blank.
		header := creds.APIKeyHeader
		if header == "" {
			if hint != nil && hint.APIKeyHeader != "" {
				header = hint.APIKeyHeader
			} else {
				header = DefaultAPIKeyHeader
			}
		}
		headers.Set(header, creds.APIKey)

	case TypeOAuth2ClientCredentials:
		token, err := s.accessToken(ctx, creds, hint)
		if err != nil {
			return err
		}
		headers.Set("Authorization", "Bearer "+token)

	case TypeCustom:
		for name, value := range creds.CustomHeaders {
			if headers.Get(name) == "" {
				headers.Set(name, value)
			}
		}
		if hint != nil {
			for name, value := range hint.CustomHeaders {
				if headers.Get(name) == "" {
					headers.Set(name, value)
				}
			}
		}
	}

	return nil
}

// accessToken returns a valid OAuth2 access token, fetching one via the
// client-credentials grant when the cache is empty or past its deadline.
func (s *Store) accessToken(ctx context.Context, creds Credentials, hint *Hint) (string, error) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	now := s.nowFunc()
	if s.cachedToken != "" && now.Before(s.tokenDeadline) {
		return s.cachedToken, nil
	}

	tokenURL := creds.TokenURL
	if hint != nil && hint.OAuth2TokenURL != "" {
		tokenURL = hint.OAuth2TokenURL
	}
	if tokenURL == "" {
		return "", fmt.Errorf("%w: token_url is required", ErrBadCredentials)
	}
	scope := creds.Scope
	if scope == "" && hint != nil {
		scope = hint.OAuth2Scope
	}

	cc := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	if scope != "" {
		cc.Scopes = []string{scope}
	}

	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	tok, err := cc.Token(tokenCtx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthAcquisition, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: no access_token in response", ErrAuthAcquisition)
	}

	expiresIn := expiresInOf(tok, now)
	deadline := now.Add(time.Duration(0.9 * float64(expiresIn)))
	if s.cacheTTL > 0 && deadline.After(now.Add(s.cacheTTL)) {
		deadline = now.Add(s.cacheTTL)
	}

	s.cachedToken = tok.AccessToken
	s.tokenDeadline = deadline
	return tok.AccessToken, nil
}

// expiresInOf recovers the raw expires_in value from the token response,
// falling back to the library-computed expiry and finally to one hour.
func expiresInOf(tok *oauth2.Token, now time.Time) time.Duration {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	if !tok.Expiry.IsZero() {
		if d := tok.Expiry.Sub(now); d > 0 {
			return d
		}
	}
	return time.Hour
}
