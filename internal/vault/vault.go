// Package vault keeps the portal credentials encrypted on disk.
package vault

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
	"github.com/xkilldash9x/payslip-cli/internal/fsutil"
)

const (
	saltSize  = 16
	nonceSize = 24
	keySize   = 32

	// scrypt cost parameters.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var magic = []byte("PSV1")

// ErrNoPassphrase is returned when the vault is used without a passphrase.
var ErrNoPassphrase = errors.New("vault passphrase is not set (PAYSLIP_VAULT_PASSPHRASE)")

// ErrDecrypt means the file is corrupt or the passphrase is wrong.
var ErrDecrypt = errors.New("unable to decrypt vault: wrong passphrase or corrupt file")

// Vault is a file backed credential store.
type Vault struct {
	path       string
	passphrase []byte
	logger     *zap.Logger
}

// New returns a vault stored at path.
func New(path, passphrase string, logger *zap.Logger) *Vault {
	return &Vault{path: path, passphrase: []byte(passphrase), logger: logger.Named("vault")}
}

// Path is the vault file location.
func (v *Vault) Path() string { return v.path }

func (v *Vault) key(salt []byte) (*[keySize]byte, error) {
	derived, err := scrypt.Key(v.passphrase, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("deriving vault key: %w", err)
	}
	var key [keySize]byte
	copy(key[:], derived)
	return &key, nil
}

// GetCredentials returns the stored credentials, or nil when none are stored.
func (v *Vault) GetCredentials(ctx context.Context) (*schemas.Credentials, error) {
	data, err := os.ReadFile(v.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading vault: %w", err)
	}
	if len(v.passphrase) == 0 {
		return nil, ErrNoPassphrase
	}

	if len(data) < len(magic)+saltSize+nonceSize+secretbox.Overhead || !bytes.Equal(data[:len(magic)], magic) {
		return nil, ErrDecrypt
	}
	data = data[len(magic):]
	salt, rest := data[:saltSize], data[saltSize:]
	var nonce [nonceSize]byte
	copy(nonce[:], rest[:nonceSize])

	key, err := v.key(salt)
	if err != nil {
		return nil, err
	}
	plain, ok := secretbox.Open(nil, rest[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrDecrypt
	}

	var creds schemas.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("decoding vault: %w", err)
	}
	return &creds, nil
}

// SaveCredentials encrypts creds and replaces the vault file atomically.
func (v *Vault) SaveCredentials(ctx context.Context, creds schemas.Credentials) error {
	if len(v.passphrase) == 0 {
		return ErrNoPassphrase
	}
	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	salt := make([]byte, saltSize)
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	key, err := v.key(salt)
	if err != nil {
		return err
	}

	out := make([]byte, 0, len(magic)+saltSize+nonceSize+len(plain)+secretbox.Overhead)
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plain, &nonce, key)

	if err := fsutil.WriteFileAtomic(v.path, out, 0o600); err != nil {
		return err
	}
	v.logger.Info("Credentials saved", zap.String("path", v.path))
	return nil
}

// Forget deletes the vault file. A missing file is not an error.
func (v *Vault) Forget(ctx context.Context) error {
	if err := os.Remove(v.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing vault: %w", err)
	}
	return nil
}
