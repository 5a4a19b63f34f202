// Package auth holds per-session credentials and mints authentication
// headers for outbound tool calls.
package auth

import (
	"errors"
	"fmt"
)

// Type identifies a credential variant.
type Type string

const (
	TypeNone                     Type = "none"
	TypeBearerToken              Type = "bearer_token"
	TypeBasicAuth                Type = "basic_auth"
	TypeAPIKey                   Type = "api_key"
	TypeOAuth2ClientCredentials  Type = "oauth2_client_credentials"
	TypeCustom                   Type = "custom"
)

// DefaultAPIKeyHeader is the header used for api_key credentials when neither
// the credential nor the tool hint names one.
const DefaultAPIKeyHeader = "X-API-Key"

// ErrBadCredentials is returned when credentials fail validation or use a
// type outside the configured allow-list.
var ErrBadCredentials = errors.New("auth: bad credentials")

// ErrAuthAcquisition is returned when an OAuth2 token fetch fails. Callers
// may retry the operation.
var ErrAuthAcquisition = errors.New("auth: token acquisition failed")

// Credentials is the tagged credential variant stored per session.
type Credentials struct {
	Type Type

	// bearer_token
	BearerToken string

	// basic_auth
	Username string
	Password string

	// api_key
	APIKey       string
	APIKeyHeader string

	// oauth2_client_credentials
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scope        string

	// custom
	CustomHeaders map[string]string
}

// Hint carries tool-level authentication overrides compiled from the OpenAPI
// x-auth extensions.
type Hint struct {
	AuthType       string            `json:"auth_type,omitempty"`
	BearerHeader   string            `json:"bearer_header,omitempty"`
	APIKeyHeader   string            `json:"api_key_header,omitempty"`
	OAuth2TokenURL string            `json:"oauth2_token_url,omitempty"`
	OAuth2Scope    string            `json:"oauth2_scope,omitempty"`
	CustomHeaders  map[string]string `json:"custom_headers,omitempty"`
}

// Validate checks that the variant's required fields are non-empty.
func (c Credentials) Validate() error {
	switch c.Type {
	case TypeNone, "":
		return nil
	case TypeBearerToken:
		if c.BearerToken == "" {
			return fmt.Errorf("%w: bearer token is required", ErrBadCredentials)
		}
	case TypeBasicAuth:
		if c.Username == "" || c.Password == "" {
			return fmt.Errorf("%w: username and password are required", ErrBadCredentials)
		}
	case TypeAPIKey:
		if c.APIKey == "" {
			return fmt.Errorf("%w: api key is required", ErrBadCredentials)
		}
	case TypeOAuth2ClientCredentials:
		if c.ClientID == "" || c.ClientSecret == "" {
			return fmt.Errorf("%w: client_id and client_secret are required", ErrBadCredentials)
		}
		if c.TokenURL == "" {
			return fmt.Errorf("%w: token_url is required", ErrBadCredentials)
		}
	case TypeCustom:
		if len(c.CustomHeaders) == 0 {
			return fmt.Errorf("%w: custom headers are required", ErrBadCredentials)
		}
	default:
		return fmt.Errorf("%w: unknown auth type %q", ErrBadCredentials, c.Type)
	}
	return nil
}

// zero overwrites every field so cleared secrets do not linger.
func (c *Credentials) zero() {
	*c = Credentials{Type: TypeNone}
}
