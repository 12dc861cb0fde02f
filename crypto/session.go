package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	chunkKeySize = 32
	chunkKeyInfo = "pixshare chunk key v1"
)

// GenerateEphemeralKey creates a one-shot X25519 key for a single transfer.
func GenerateEphemeralKey() (*ecdh.PrivateKey, error) {
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 key: %w", err)
	}
	return key, nil
}

// ParsePublicKey parses a raw 32-byte X25519 public key.
func ParsePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	key, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return key, nil
}

// ChunkSealer encrypts and decrypts the chunks of one transfer. The nonce is
// derived from the chunk index, so each index must be sealed exactly once.
type ChunkSealer struct {
	aead cipher.AEAD
}

// NewChunkSealer runs X25519 between local and remote and expands the shared
// secret with HKDF-SHA256, salted by the session ID.
func NewChunkSealer(local *ecdh.PrivateKey, remote *ecdh.PublicKey, sessionID string) (*ChunkSealer, error) {
	shared, err := local.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}

	key := make([]byte, chunkKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, []byte(sessionID), []byte(chunkKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive chunk key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &ChunkSealer{aead: aead}, nil
}

func (s *ChunkSealer) nonce(index uint64) []byte {
	nonce := make([]byte, s.aead.NonceSize())
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], index)
	return nonce
}

func indexAD(index uint64) []byte {
	var ad [8]byte
	binary.BigEndian.PutUint64(ad[:], index)
	return ad[:]
}

// Seal encrypts the plaintext of chunk index.
func (s *ChunkSealer) Seal(index uint64, plaintext []byte) []byte {
	return s.aead.Seal(nil, s.nonce(index), plaintext, indexAD(index))
}

// Open authenticates and decrypts chunk index.
func (s *ChunkSealer) Open(index uint64, ciphertext []byte) ([]byte, error) {
	plaintext, err := s.aead.Open(nil, s.nonce(index), ciphertext, indexAD(index))
	if err != nil {
		return nil, fmt.Errorf("decrypt chunk %d: %w", index, err)
	}
	return plaintext, nil
}
