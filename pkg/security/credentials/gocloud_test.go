package credentials

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "gocloud.dev/secrets/localsecrets"
)

// Fixed key so separate OpenKeeper calls decrypt each other's ciphertext.
const testKeeperURL = "base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4="

func writeTestSecret(t *testing.T, creds *Credentials) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "creds.enc")
	require.NoError(t, StoreCredentials(context.Background(), testKeeperURL, path, creds))
	return path
}

func TestSecretProvider_Roundtrip(t *testing.T) {
	ctx := context.Background()
	path := writeTestSecret(t, &Credentials{
		Type:  CredentialTypeToken,
		Token: "stored-token",
	})

	provider, err := NewSecretProvider(ctx, testKeeperURL, path)
	require.NoError(t, err)
	defer provider.Close()

	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)

	assert.Equal(t, CredentialTypeToken, creds.Type)
	assert.Equal(t, "stored-token", creds.Token)
	assert.Equal(t, CredentialTypeToken, provider.Type())
}

func TestSecretProvider_UserPassword(t *testing.T) {
	ctx := context.Background()
	path := writeTestSecret(t, &Credentials{
		Type:     CredentialTypeUserPassword,
		User:     "libris",
		Password: "stored-password",
	})

	provider, err := NewSecretProvider(ctx, testKeeperURL, path)
	require.NoError(t, err)
	defer provider.Close()

	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)

	assert.Equal(t, "libris", creds.User)
	assert.Equal(t, "stored-password", creds.Password)
}

func TestSecretProvider_StoredCiphertextIsOpaque(t *testing.T) {
	path := writeTestSecret(t, &Credentials{
		Type:     CredentialTypeUserPassword,
		User:     "libris",
		Password: "stored-password",
	})

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.NotContains(t, string(raw), "stored-password")
	assert.NotContains(t, string(raw), "***")
}

func TestSecretProvider_CacheServesUntilTTL(t *testing.T) {
	ctx := context.Background()
	path := writeTestSecret(t, &Credentials{Type: CredentialTypeToken, Token: "first"})

	cfg := DefaultConfig()
	cfg.AutoRefresh = false
	provider, err := NewSecretProviderWithConfig(ctx, testKeeperURL, path, cfg)
	require.NoError(t, err)
	defer provider.Close()

	// Rewrite the file. The cached value keeps being served inside the TTL.
	require.NoError(t, StoreCredentials(ctx, testKeeperURL, path, &Credentials{
		Type:  CredentialTypeToken,
		Token: "second",
	}))

	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", creds.Token)
}

func TestSecretProvider_RotateReloads(t *testing.T) {
	ctx := context.Background()
	path := writeTestSecret(t, &Credentials{Type: CredentialTypeToken, Token: "first"})

	cfg := DefaultConfig()
	cfg.AutoRefresh = false
	provider, err := NewSecretProviderWithConfig(ctx, testKeeperURL, path, cfg)
	require.NoError(t, err)
	defer provider.Close()

	require.NoError(t, StoreCredentials(ctx, testKeeperURL, path, &Credentials{
		Type:  CredentialTypeToken,
		Token: "second",
	}))
	require.NoError(t, provider.Rotate(ctx))

	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", creds.Token)
}

func TestSecretProvider_ExpiredCacheReloads(t *testing.T) {
	ctx := context.Background()
	path := writeTestSecret(t, &Credentials{Type: CredentialTypeToken, Token: "first"})

	cfg := DefaultConfig()
	cfg.AutoRefresh = false
	cfg.CacheTTL = -1 * time.Second
	provider, err := NewSecretProviderWithConfig(ctx, testKeeperURL, path, cfg)
	require.NoError(t, err)
	defer provider.Close()

	require.NoError(t, StoreCredentials(ctx, testKeeperURL, path, &Credentials{
		Type:  CredentialTypeToken,
		Token: "second",
	}))

	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", creds.Token)
}

func TestSecretProvider_AutoRefresh(t *testing.T) {
	ctx := context.Background()
	path := writeTestSecret(t, &Credentials{Type: CredentialTypeToken, Token: "first"})

	cfg := DefaultConfig()
	cfg.RefreshInterval = 20 * time.Millisecond
	provider, err := NewSecretProviderWithConfig(ctx, testKeeperURL, path, cfg)
	require.NoError(t, err)
	defer provider.Close()

	require.NoError(t, StoreCredentials(ctx, testKeeperURL, path, &Credentials{
		Type:  CredentialTypeToken,
		Token: "second",
	}))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		creds, err := provider.GetCredentials(ctx)
		require.NoError(t, err)
		if creds.Token == "second" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("auto-refresh never picked up the rotated secret")
}

func TestSecretProvider_InvalidCiphertext(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.enc")
	require.NoError(t, os.WriteFile(path, []byte("not ciphertext"), 0o600))

	_, err := NewSecretProvider(ctx, testKeeperURL, path)
	require.Error(t, err)
}

func TestSecretProvider_MissingFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "absent.enc")

	_, err := NewSecretProvider(ctx, testKeeperURL, path)
	require.Error(t, err)
}

func TestSecretProvider_EmptyURL(t *testing.T) {
	_, err := NewSecretProvider(context.Background(), "", "somewhere")
	require.Error(t, err)
}

func TestSecretProvider_InvalidURL(t *testing.T) {
	_, err := NewSecretProvider(context.Background(), "not-a-scheme://x", "somewhere")
	require.Error(t, err)
}

func TestSecretProvider_Close(t *testing.T) {
	ctx := context.Background()
	path := writeTestSecret(t, &Credentials{Type: CredentialTypeToken, Token: "token"})

	provider, err := NewSecretProvider(ctx, testKeeperURL, path)
	require.NoError(t, err)

	require.NoError(t, provider.Close())
	require.NoError(t, provider.Close())

	_, err = provider.GetCredentials(ctx)
	assert.ErrorIs(t, err, ErrProviderClosed)
	assert.ErrorIs(t, provider.Rotate(ctx), ErrProviderClosed)
}

func TestSecretProvider_ThreadSafety(t *testing.T) {
	ctx := context.Background()
	path := writeTestSecret(t, &Credentials{Type: CredentialTypeToken, Token: "token"})

	cfg := DefaultConfig()
	cfg.CacheTTL = time.Millisecond
	cfg.AutoRefresh = false
	provider, err := NewSecretProviderWithConfig(ctx, testKeeperURL, path, cfg)
	require.NoError(t, err)
	defer provider.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				creds, err := provider.GetCredentials(ctx)
				assert.NoError(t, err)
				assert.Equal(t, "token", creds.Token)
			}
		}()
	}
	wg.Wait()
}

func TestStoreCredentials_InvalidCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.enc")
	err := StoreCredentials(context.Background(), testKeeperURL, path, &Credentials{
		Type: CredentialTypeToken,
	})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestOpen_SecretSource(t *testing.T) {
	ctx := context.Background()
	path := writeTestSecret(t, &Credentials{Type: CredentialTypeToken, Token: "opened"})

	provider, err := Open(ctx, testKeeperURL, path)
	require.NoError(t, err)
	require.NotNil(t, provider)
	defer provider.Close()

	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "opened", creds.Token)
}
