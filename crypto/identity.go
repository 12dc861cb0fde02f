package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"
)

// Identity is the long-term signing key of this device.
type Identity struct {
	PrivateKey  ed25519.PrivateKey
	PublicKey   ed25519.PublicKey
	Fingerprint string
}

// LoadOrCreateIdentity loads the device keypair from disk, generating it on first run.
func LoadOrCreateIdentity(privatePath, publicPath string) (*Identity, error) {
	privateKey, err := loadPEM(privatePath, ed25519PrivatePEMType, ed25519.PrivateKeySize)
	if err == nil {
		publicKey := ed25519.PrivateKey(privateKey).Public().(ed25519.PublicKey)

		stored, pubErr := loadPEM(publicPath, ed25519PublicPEMType, ed25519.PublicKeySize)
		if pubErr != nil || !bytes.Equal(stored, publicKey) {
			if err := writePEM(publicPath, ed25519PublicPEMType, publicKey, 0o644); err != nil {
				return nil, err
			}
		}
		return NewIdentity(privateKey), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	identity, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := writePEM(privatePath, ed25519PrivatePEMType, identity.PrivateKey, 0o600); err != nil {
		return nil, err
	}
	if err := writePEM(publicPath, ed25519PublicPEMType, identity.PublicKey, 0o644); err != nil {
		return nil, err
	}
	return identity, nil
}

// GenerateIdentity creates a fresh in-memory identity.
func GenerateIdentity() (*Identity, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	return NewIdentity(privateKey), nil
}

// NewIdentity wraps an existing private key.
func NewIdentity(privateKey ed25519.PrivateKey) *Identity {
	publicKey := privateKey.Public().(ed25519.PublicKey)
	return &Identity{
		PrivateKey:  privateKey,
		PublicKey:   publicKey,
		Fingerprint: KeyFingerprint(publicKey),
	}
}

func loadPEM(path, pemType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(pemType), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", strings.ToLower(pemType))
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", strings.ToLower(pemType), block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s: invalid key size %d", strings.ToLower(pemType), len(block.Bytes))
	}
	return block.Bytes, nil
}

func writePEM(path, pemType string, key []byte, perm os.FileMode) error {
	block := &pem.Block{Type: pemType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(pemType), err)
	}
	return nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint groups fingerprint text in blocks of 4 upper-case characters.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}
