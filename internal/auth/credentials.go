package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/logging"
	"github.com/xelth-com/foodlens/internal/models"
	"github.com/xelth-com/foodlens/internal/storage"
)

// CredentialsKey is the storage key of the sealed API credentials
const CredentialsKey = "credentials"

const (
	sealVersion  = 1
	saltSize     = 16
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// sealed is the persisted form: argon2id-derived key, XChaCha20-Poly1305 ciphertext
type sealed struct {
	Version    int    `json:"v"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// CredentialStore keeps the external API credentials encrypted in storage
type CredentialStore struct {
	store      *storage.Adapter
	passphrase []byte
	logger     *slog.Logger

	// derived keys by salt
	mu   sync.Mutex
	keys map[string][]byte
}

// NewCredentialStore creates a store sealing credentials with a key derived from passphrase
func NewCredentialStore(store *storage.Adapter, passphrase string, logger *slog.Logger) *CredentialStore {
	return &CredentialStore{
		store:      store,
		passphrase: []byte(passphrase),
		logger:     logging.OrDiscard(logger),
		keys:       make(map[string][]byte),
	}
}

func (c *CredentialStore) key(salt []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.keys[string(salt)]; ok {
		return k
	}
	k := argon2.IDKey(c.passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	c.keys[string(salt)] = k
	return k
}

// Save encrypts and stores creds
func (c *CredentialStore) Save(ctx context.Context, creds models.APICredentials) error {
	if !creds.Valid() {
		return apperrors.New(apperrors.KindValidation, "username and password are required")
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "encode credentials", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "generate salt", err)
	}
	aead, err := chacha20poly1305.NewX(c.key(salt))
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "init cipher", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "generate nonce", err)
	}

	box := sealed{
		Version:    sealVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(CredentialsKey)),
	}
	if err := c.store.SetJSON(ctx, CredentialsKey, box); err != nil {
		return err
	}
	c.logger.Info("API credentials saved", slog.String("username", creds.Username))
	return nil
}

// Credentials decrypts the stored credentials. It returns nil when none are stored.
func (c *CredentialStore) Credentials(ctx context.Context) (*models.APICredentials, error) {
	var box sealed
	ok, err := c.store.GetJSON(ctx, CredentialsKey, &box)
	if err != nil || !ok {
		return nil, err
	}
	if box.Version != sealVersion {
		return nil, apperrors.Newf(apperrors.KindStorage, "unsupported credentials version %d", box.Version)
	}

	aead, err := chacha20poly1305.NewX(c.key(box.Salt))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "init cipher", err)
	}
	if len(box.Nonce) != aead.NonceSize() {
		return nil, apperrors.New(apperrors.KindStorage, "stored credentials are corrupt")
	}
	plaintext, err := aead.Open(nil, box.Nonce, box.Ciphertext, []byte(CredentialsKey))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindAuthentication, "decrypt stored credentials", err)
	}

	var creds models.APICredentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, "decode stored credentials", err)
	}
	return &creds, nil
}

// Clear removes the stored credentials
func (c *CredentialStore) Clear(ctx context.Context) error {
	return c.store.Remove(ctx, CredentialsKey)
}

// Fallback returns a provider that prefers stored credentials and falls back to static ones
func (c *CredentialStore) Fallback(static models.APICredentials) *FallbackCredentials {
	return &FallbackCredentials{store: c, static: static}
}

// FallbackCredentials serves stored credentials, or the configured ones when none are stored
type FallbackCredentials struct {
	store  *CredentialStore
	static models.APICredentials
}

func (f *FallbackCredentials) Credentials(ctx context.Context) (*models.APICredentials, error) {
	creds, err := f.store.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	if creds.Valid() {
		return creds, nil
	}
	if f.static.Valid() {
		static := f.static
		return &static, nil
	}
	return nil, nil
}
