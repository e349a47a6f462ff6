package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gocloud.dev/secrets"
	// Keeper drivers are opt-in. Import the ones a deployment uses:
	//
	//	_ "gocloud.dev/secrets/localsecrets"  // base64key:// (dev, tests)
	//	_ "gocloud.dev/secrets/awskms"        // awskms://
	//	_ "gocloud.dev/secrets/gcpkms"        // gcpkms://
	//	_ "gocloud.dev/secrets/azurekeyvault" // azurekeyvault://
	//	_ "gocloud.dev/secrets/hashivault"    // hashivault://
)

// SecretProvider serves credentials stored as an encrypted file. The keeper
// URL names the key that decrypts the file, so the plaintext never touches
// disk. The keeper URL must resolve to a stable key: a base64key:// URL
// with an empty host generates a fresh key per open and cannot decrypt
// ciphertext written earlier.
//
// The decrypted document is a SecretData JSON value. Results are cached for
// the configured TTL, with optional background refresh so rotated secrets
// are picked up without a restart.
type SecretProvider struct {
	keeper *secrets.Keeper
	path   string
	cfg    ProviderConfig
	logger *slog.Logger

	mu          sync.RWMutex
	cachedCreds *Credentials
	cacheExpiry time.Time
	credType    CredentialType
	closed      bool

	closeOnce   sync.Once
	refreshStop chan struct{}
	refreshDone chan struct{}
}

var _ Provider = (*SecretProvider)(nil)

// NewSecretProvider opens the keeper at url and loads the initial
// credentials from the ciphertext file at path.
func NewSecretProvider(ctx context.Context, url, path string) (*SecretProvider, error) {
	return NewSecretProviderWithConfig(ctx, url, path, DefaultConfig())
}

// NewSecretProviderWithConfig opens a provider with explicit cache and
// refresh settings.
func NewSecretProviderWithConfig(ctx context.Context, url, path string, cfg ProviderConfig) (*SecretProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("secret keeper URL is required")
	}
	if path == "" {
		return nil, fmt.Errorf("secret ciphertext path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	keeper, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open secret keeper: %w", err)
	}

	p := &SecretProvider{
		keeper:      keeper,
		path:        path,
		cfg:         cfg,
		logger:      logger,
		refreshStop: make(chan struct{}),
		refreshDone: make(chan struct{}),
	}

	if err := p.loadCredentials(ctx); err != nil {
		keeper.Close()
		return nil, fmt.Errorf("load initial credentials: %w", err)
	}

	if cfg.AutoRefresh && cfg.RefreshInterval > 0 {
		go p.autoRefresh()
	} else {
		close(p.refreshDone)
	}
	return p, nil
}

// GetCredentials returns the cached credentials, reloading the file when
// the cache TTL has passed.
func (p *SecretProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrProviderClosed
	}
	if p.cachedCreds != nil && time.Now().Before(p.cacheExpiry) {
		creds := p.cachedCreds
		p.mu.RUnlock()
		if creds.IsExpired() {
			return nil, ErrCredentialsExpired
		}
		return creds, nil
	}
	p.mu.RUnlock()

	if err := p.loadCredentials(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cachedCreds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.cachedCreds, nil
}

// loadCredentials reads the ciphertext file, decrypts it with the keeper
// and replaces the cached value.
func (p *SecretProvider) loadCredentials(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProviderClosed
	}

	ciphertext, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read secret file %s: %w", p.path, err)
	}

	plaintext, err := p.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return fmt.Errorf("decrypt secret: %w", err)
	}

	var data SecretData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return fmt.Errorf("unmarshal secret data: %w", err)
	}
	if data.Credentials == nil {
		return fmt.Errorf("%w: secret data carries no credentials", ErrInvalidCredentials)
	}
	if err := data.Credentials.Validate(); err != nil {
		return fmt.Errorf("secret %s: %w", p.path, err)
	}

	p.cachedCreds = data.Credentials
	p.cacheExpiry = time.Now().Add(p.cfg.CacheTTL)
	p.credType = data.Credentials.Type
	return nil
}

// Rotate discards the cached value and reloads from the file.
func (p *SecretProvider) Rotate(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProviderClosed
	}
	p.cachedCreds = nil
	p.cacheExpiry = time.Time{}
	p.mu.Unlock()

	return p.loadCredentials(ctx)
}

// Type returns the credential type of the last loaded value.
func (p *SecretProvider) Type() CredentialType {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.credType
}

// Close stops the refresh loop and closes the keeper.
func (p *SecretProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.refreshStop)
		<-p.refreshDone

		err = p.keeper.Close()
	})
	return err
}

func (p *SecretProvider) autoRefresh() {
	defer close(p.refreshDone)

	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := p.loadCredentials(ctx); err != nil {
				p.logger.Warn("credential refresh failed", "path", p.path, "error", err)
			}
			cancel()
		case <-p.refreshStop:
			return
		}
	}
}

// StoreCredentials encrypts credentials with the keeper at url and writes
// the ciphertext to path. Used for initial provisioning and rotation.
func StoreCredentials(ctx context.Context, url, path string, creds *Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	keeper, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return fmt.Errorf("open secret keeper: %w", err)
	}
	defer keeper.Close()

	data := SecretData{
		Credentials: creds,
		Version:     1,
		CreatedAt:   time.Now(),
	}

	// json.Marshal would route through the redacting MarshalJSON and
	// store "***" in place of the secrets, so marshal field by field.
	plaintext, err := marshalSecretData(data)
	if err != nil {
		return fmt.Errorf("marshal secret data: %w", err)
	}

	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}

	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		return fmt.Errorf("write secret file %s: %w", path, err)
	}
	return nil
}

func marshalSecretData(data SecretData) ([]byte, error) {
	type plainCredentials Credentials
	return json.Marshal(struct {
		Credentials *plainCredentials `json:"credentials"`
		Version     int               `json:"version"`
		CreatedAt   time.Time         `json:"created_at"`
		Metadata    map[string]string `json:"metadata,omitempty"`
	}{
		Credentials: (*plainCredentials)(data.Credentials),
		Version:     data.Version,
		CreatedAt:   data.CreatedAt,
		Metadata:    data.Metadata,
	})
}
