package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	_ Provider = (*StaticProvider)(nil)
	_ Provider = (*EnvProvider)(nil)
	_ Provider = (*ChainProvider)(nil)
)

// StaticProvider serves a fixed credential value. Intended for development
// and tests, not for production secrets.
type StaticProvider struct {
	creds *Credentials
}

// NewStaticTokenProvider returns a provider serving a fixed token. A
// positive ttl sets an expiry relative to now.
func NewStaticTokenProvider(token string, ttl time.Duration) *StaticProvider {
	var expiresAt *time.Time
	if ttl != 0 {
		exp := time.Now().Add(ttl)
		expiresAt = &exp
	}
	return &StaticProvider{
		creds: &Credentials{
			Type:      CredentialTypeToken,
			Token:     token,
			ExpiresAt: expiresAt,
			Metadata:  map[string]string{"provider": "static"},
		},
	}
}

// NewStaticUserPasswordProvider returns a provider serving a fixed
// username and password.
func NewStaticUserPasswordProvider(user, password string) *StaticProvider {
	return &StaticProvider{
		creds: &Credentials{
			Type:     CredentialTypeUserPassword,
			User:     user,
			Password: password,
			Metadata: map[string]string{"provider": "static"},
		},
	}
}

// GetCredentials returns the static credentials.
func (p *StaticProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	if p.creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.creds, nil
}

// Rotate is not supported for static credentials.
func (p *StaticProvider) Rotate(ctx context.Context) error {
	return errors.New("rotation not supported for static provider")
}

// Type returns the credential type.
func (p *StaticProvider) Type() CredentialType {
	return p.creds.Type
}

// Close releases nothing for a static provider.
func (p *StaticProvider) Close() error {
	return nil
}

// EnvProvider reads credentials from environment variables on every call,
// so a variable updated at runtime is picked up without a restart.
type EnvProvider struct {
	tokenVar    string
	userVar     string
	passwordVar string
	credType    CredentialType
}

// NewEnvTokenProvider returns a provider reading a token from the named
// environment variable.
func NewEnvTokenProvider(tokenVar string) *EnvProvider {
	return &EnvProvider{tokenVar: tokenVar, credType: CredentialTypeToken}
}

// NewEnvUserPasswordProvider returns a provider reading a username and
// password from the named environment variables.
func NewEnvUserPasswordProvider(userVar, passwordVar string) *EnvProvider {
	return &EnvProvider{
		userVar:     userVar,
		passwordVar: passwordVar,
		credType:    CredentialTypeUserPassword,
	}
}

// GetCredentials reads the environment variables.
func (p *EnvProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	switch p.credType {
	case CredentialTypeToken:
		token := os.Getenv(p.tokenVar)
		if token == "" {
			return nil, fmt.Errorf("environment variable %s not set", p.tokenVar)
		}
		return &Credentials{
			Type:     CredentialTypeToken,
			Token:    token,
			Metadata: map[string]string{"provider": "environment", "env_var": p.tokenVar},
		}, nil

	case CredentialTypeUserPassword:
		user := os.Getenv(p.userVar)
		password := os.Getenv(p.passwordVar)
		if user == "" || password == "" {
			return nil, fmt.Errorf("environment variables %s and %s must be set", p.userVar, p.passwordVar)
		}
		return &Credentials{
			Type:     CredentialTypeUserPassword,
			User:     user,
			Password: password,
			Metadata: map[string]string{"provider": "environment"},
		}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidCredentials, p.credType)
	}
}

// Rotate is a no-op since every read already hits the environment.
func (p *EnvProvider) Rotate(ctx context.Context) error {
	return nil
}

// Type returns the credential type.
func (p *EnvProvider) Type() CredentialType {
	return p.credType
}

// Close releases nothing for an environment provider.
func (p *EnvProvider) Close() error {
	return nil
}

// ChainProvider tries providers in order until one succeeds, so a secret
// backend can fall back to environment variables.
type ChainProvider struct {
	providers []Provider
}

// NewChainProvider returns a provider trying each given provider in order.
func NewChainProvider(providers ...Provider) *ChainProvider {
	return &ChainProvider{providers: providers}
}

// GetCredentials returns the first successful result.
func (p *ChainProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	var errs []error
	for _, provider := range p.providers {
		creds, err := provider.GetCredentials(ctx)
		if err == nil {
			return creds, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, errors.New("no providers configured")
	}
	return nil, fmt.Errorf("all credential providers failed: %w", errors.Join(errs...))
}

// Rotate rotates the first provider that accepts it.
func (p *ChainProvider) Rotate(ctx context.Context) error {
	var errs []error
	for _, provider := range p.providers {
		if err := provider.Rotate(ctx); err == nil {
			return nil
		} else {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return errors.New("no providers configured")
	}
	return errors.Join(errs...)
}

// Type returns the type of the first provider.
func (p *ChainProvider) Type() CredentialType {
	if len(p.providers) > 0 {
		return p.providers[0].Type()
	}
	return ""
}

// Close closes every provider in the chain.
func (p *ChainProvider) Close() error {
	var errs []error
	for _, provider := range p.providers {
		if err := provider.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
