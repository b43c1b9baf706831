// Package vault handles encryption and storage of tenant platform
// credentials. Refresh tokens are AES-256-GCM encrypted before they reach
// the data store; plaintext exists only inside the executor call boundary.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/adpilot/control-plane/internal/store"
	"github.com/adpilot/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// AccessLogger records every credential access, hits and misses alike, so
// credential usage is reconstructable after an incident.
type AccessLogger interface {
	CredentialAccess(ctx context.Context, tenantID, platform, outcome string)
}

// Vault encrypts credentials at rest and decrypts them on demand.
type Vault struct {
	store  store.CredentialStore
	gcm    cipher.AEAD
	access AccessLogger
}

// sealedCredential is the at-rest encoding of a credential. It is distinct
// from models.Credential, which tags the refresh token out of JSON so the
// API surface can never echo it; the sealed form must carry it.
type sealedCredential struct {
	TenantID     string `json:"tenant_id"`
	Platform     string `json:"platform"`
	AccountID    string `json:"account_id"`
	RefreshToken string `json:"refresh_token"`
}

// New creates a Vault. The key must be 32 bytes, base64-encoded
// (AES-256). An empty key is a startup error: the pipeline refuses to run
// with plaintext credential storage.
func New(credStore store.CredentialStore, encodedKey string, access AccessLogger) (*Vault, error) {
	if encodedKey == "" {
		return nil, fmt.Errorf("vault: encryption key not configured")
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("vault: decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("vault: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init GCM: %w", err)
	}

	return &Vault{store: credStore, gcm: gcm, access: access}, nil
}

// Put encrypts and stores a credential, replacing any existing one for the
// same tenant and platform.
func (v *Vault) Put(ctx context.Context, cred models.Credential) error {
	plaintext, err := json.Marshal(sealedCredential{
		TenantID:     cred.TenantID,
		Platform:     cred.Platform,
		AccountID:    cred.AccountID,
		RefreshToken: cred.RefreshToken,
	})
	if err != nil {
		return fmt.Errorf("vault: encode credential: %w", err)
	}

	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.gcm.Seal(nonce, nonce, plaintext, nil)

	now := time.Now().UTC()
	err = v.store.PutCredential(ctx, &models.EncryptedCredential{
		TenantID:   cred.TenantID,
		Platform:   cred.Platform,
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("tenant_id", cred.TenantID).
		Str("platform", cred.Platform).
		Msg("Credential stored")
	return nil
}

// Get fetches and decrypts the credential for a tenant and platform. A
// missing or revoked credential is reported through the access log before
// the error is returned.
func (v *Vault) Get(ctx context.Context, tenantID, platform string) (*models.Credential, error) {
	enc, err := v.store.GetCredential(ctx, tenantID, platform)
	if err != nil {
		v.logAccess(ctx, tenantID, platform, "miss")
		return nil, err
	}

	sealed, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		v.logAccess(ctx, tenantID, platform, "corrupt")
		return nil, fmt.Errorf("vault: decode ciphertext: %w", err)
	}
	if len(sealed) < v.gcm.NonceSize() {
		v.logAccess(ctx, tenantID, platform, "corrupt")
		return nil, fmt.Errorf("vault: ciphertext too short")
	}

	nonce, body := sealed[:v.gcm.NonceSize()], sealed[v.gcm.NonceSize():]
	plaintext, err := v.gcm.Open(nil, nonce, body, nil)
	if err != nil {
		v.logAccess(ctx, tenantID, platform, "corrupt")
		return nil, fmt.Errorf("vault: decrypt: %w", err)
	}

	var sc sealedCredential
	if err := json.Unmarshal(plaintext, &sc); err != nil {
		v.logAccess(ctx, tenantID, platform, "corrupt")
		return nil, fmt.Errorf("vault: decode credential: %w", err)
	}

	v.logAccess(ctx, tenantID, platform, "hit")
	return &models.Credential{
		TenantID:     sc.TenantID,
		Platform:     sc.Platform,
		AccountID:    sc.AccountID,
		RefreshToken: sc.RefreshToken,
	}, nil
}

// Revoke marks the credential unusable without deleting the ciphertext.
func (v *Vault) Revoke(ctx context.Context, tenantID, platform string) error {
	if err := v.store.RevokeCredential(ctx, tenantID, platform); err != nil {
		return err
	}
	v.logAccess(ctx, tenantID, platform, "revoked")
	log.Info().
		Str("tenant_id", tenantID).
		Str("platform", platform).
		Msg("Credential revoked")
	return nil
}

func (v *Vault) logAccess(ctx context.Context, tenantID, platform, outcome string) {
	if v.access != nil {
		v.access.CredentialAccess(ctx, tenantID, platform, outcome)
	}
}
