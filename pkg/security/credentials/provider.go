// Package credentials supplies the secret material used to dial the
// message broker. Credentials are served by a Provider, which hides where
// they come from: a static value for tests, process environment variables,
// or a gocloud.dev secrets keeper decrypting a local ciphertext file.
//
// Secret fields never appear in logs or serialized output. Credentials
// masks them in MarshalJSON, so a value logged through slog or embedded in
// a response carries "***" in place of the token and password.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

var (
	// ErrCredentialsExpired reports credentials past their expiry time.
	ErrCredentialsExpired = errors.New("credentials expired")

	// ErrInvalidCredentials reports credentials missing required fields.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderClosed reports use of a provider after Close.
	ErrProviderClosed = errors.New("credential provider closed")
)

// CredentialType names the authentication scheme the credentials carry.
type CredentialType string

const (
	// CredentialTypeToken is bearer token authentication.
	CredentialTypeToken CredentialType = "token"

	// CredentialTypeUserPassword is username and password authentication.
	CredentialTypeUserPassword CredentialType = "user_password"
)

// Environment variables read by Open when no secrets keeper is configured.
const (
	EnvToken    = "NATS_TOKEN"
	EnvUser     = "NATS_USER"
	EnvPassword = "NATS_PASSWORD"
)

const redacted = "***"

// Credentials holds the secret material for one connection.
type Credentials struct {
	Type     CredentialType `json:"type"`
	Token    string         `json:"token,omitempty"`
	User     string         `json:"user,omitempty"`
	Password string         `json:"password,omitempty"`

	// ExpiresAt, when set, is the instant the credentials stop being
	// valid. Nil means they do not expire.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsExpired reports whether the credentials are past their expiry.
func (c *Credentials) IsExpired() bool {
	return c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt)
}

// Validate checks that the required fields for the credential type are set.
func (c *Credentials) Validate() error {
	switch c.Type {
	case CredentialTypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token type requires a token", ErrInvalidCredentials)
		}
	case CredentialTypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user_password type requires user and password", ErrInvalidCredentials)
		}
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidCredentials)
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidCredentials, c.Type)
	}
	return nil
}

// MarshalJSON masks the token and password so credentials can be logged
// without leaking secrets.
func (c *Credentials) MarshalJSON() ([]byte, error) {
	type alias Credentials
	masked := alias(*c)
	if masked.Token != "" {
		masked.Token = redacted
	}
	if masked.Password != "" {
		masked.Password = redacted
	}
	return json.Marshal(masked)
}

// Provider serves credentials from some backing source.
type Provider interface {
	// GetCredentials returns the current credentials.
	GetCredentials(ctx context.Context) (*Credentials, error)

	// Rotate invalidates any cached value and reloads from the source.
	Rotate(ctx context.Context) error

	// Type returns the credential type the provider serves.
	Type() CredentialType

	// Close releases resources held by the provider.
	Close() error
}

// SecretData is the JSON document stored in the secret backend.
type SecretData struct {
	Credentials *Credentials      `json:"credentials"`
	Version     int               `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ProviderConfig tunes the caching and refresh behavior of providers that
// read from a remote or on-disk source.
type ProviderConfig struct {
	// CacheTTL bounds how long a loaded value is served without reread.
	CacheTTL time.Duration

	// AutoRefresh reloads the source in the background so rotation is
	// picked up before the cache expires.
	AutoRefresh bool

	// RefreshInterval is the background reload period.
	RefreshInterval time.Duration

	// Logger receives refresh failures. Nil uses slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns the provider configuration used when none is given.
func DefaultConfig() ProviderConfig {
	return ProviderConfig{
		CacheTTL:        5 * time.Minute,
		AutoRefresh:     true,
		RefreshInterval: 150 * time.Second,
	}
}

// Open selects a provider for the configured source. A non-empty keeper URL
// selects the secrets keeper reading ciphertext from file. Otherwise the
// NATS_TOKEN or NATS_USER/NATS_PASSWORD environment variables are used when
// set. With no source configured Open returns a nil Provider, meaning
// connections are dialed without credentials.
func Open(ctx context.Context, url, file string) (Provider, error) {
	if url != "" {
		return NewSecretProvider(ctx, url, file)
	}
	if os.Getenv(EnvToken) == "" && os.Getenv(EnvUser) == "" {
		return nil, nil
	}
	return NewChainProvider(
		NewEnvTokenProvider(EnvToken),
		NewEnvUserPasswordProvider(EnvUser, EnvPassword),
	), nil
}
