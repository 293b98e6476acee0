package arcfs

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
)

// NoncePrefixSize is the random per-archive part of every chunk nonce. The
// remaining five bytes carry the chunk index and the final-chunk flag.
const NoncePrefixSize = 7

// CipherEngine provides AEAD encryption/decryption
type CipherEngine interface {
	// Seal encrypts and authenticates plaintext together with ad
	Seal(nonce, plaintext, ad []byte) ([]byte, error)

	// Open authenticates and decrypts ciphertext
	Open(nonce, ciphertext, ad []byte) ([]byte, error)

	// NonceSize returns the size of nonces in bytes
	NonceSize() int

	// Overhead returns the authentication tag size
	Overhead() int
}

// aeadEngine adapts a cipher.AEAD to CipherEngine
type aeadEngine struct {
	aead cipher.AEAD
}

func (e *aeadEngine) Seal(nonce, plaintext, ad []byte) ([]byte, error) {
	if len(nonce) != e.aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.aead.NonceSize(), len(nonce))
	}
	return e.aead.Seal(nil, nonce, plaintext, ad), nil
}

func (e *aeadEngine) Open(nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(nonce) != e.aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.aead.NonceSize(), len(nonce))
	}
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (e *aeadEngine) NonceSize() int { return e.aead.NonceSize() }
func (e *aeadEngine) Overhead() int  { return e.aead.Overhead() }

// NewAESGCMEngine creates a new AES-256-GCM cipher engine
func NewAESGCMEngine(key []byte) (CipherEngine, error) {
	if err := ValidateKey(key, 32); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &aeadEngine{aead: aead}, nil
}

// NewChaCha20Poly1305Engine creates a new ChaCha20-Poly1305 cipher engine
func NewChaCha20Poly1305Engine(key []byte) (CipherEngine, error) {
	if err := ValidateKey(key, chacha20poly1305.KeySize); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &aeadEngine{aead: aead}, nil
}

// NewCipherEngine creates a new cipher engine based on the cipher suite
func NewCipherEngine(suite CipherSuite, key []byte) (CipherEngine, error) {
	switch suite {
	case CipherAES256GCM:
		return NewAESGCMEngine(key)
	case CipherChaCha20Poly1305:
		return NewChaCha20Poly1305Engine(key)
	default:
		return nil, ErrUnsupportedCipher
	}
}

// ChunkSealer seals fixed-size chunks of one archive. Every chunk nonce is
// prefix || index (big endian) || final flag, and the envelope header is the
// associated data, so chunks cannot be reordered, replayed at another index,
// truncated at a chunk boundary, or moved to another archive.
type ChunkSealer struct {
	engine CipherEngine
	prefix [NoncePrefixSize]byte
	ad     []byte
}

// NewChunkSealer creates a sealer for the given key and nonce prefix
func NewChunkSealer(suite CipherSuite, key []byte, prefix [NoncePrefixSize]byte, ad []byte) (*ChunkSealer, error) {
	engine, err := NewCipherEngine(suite, key)
	if err != nil {
		return nil, err
	}
	if engine.NonceSize() != NoncePrefixSize+5 {
		return nil, fmt.Errorf("unexpected nonce size %d for %s", engine.NonceSize(), suite)
	}
	return &ChunkSealer{engine: engine, prefix: prefix, ad: ad}, nil
}

// Overhead returns the per-chunk tag size
func (s *ChunkSealer) Overhead() int {
	return s.engine.Overhead()
}

func (s *ChunkSealer) nonce(idx uint64, final bool) ([]byte, error) {
	if idx > math.MaxUint32 {
		return nil, &ValidationError{Field: "chunk_index", Value: idx, Message: "chunk counter exhausted"}
	}
	nonce := make([]byte, NoncePrefixSize+5)
	copy(nonce, s.prefix[:])
	binary.BigEndian.PutUint32(nonce[NoncePrefixSize:], uint32(idx))
	if final {
		nonce[NoncePrefixSize+4] = 1
	}
	return nonce, nil
}

// Seal encrypts the chunk at idx
func (s *ChunkSealer) Seal(idx uint64, final bool, plaintext []byte) ([]byte, error) {
	nonce, err := s.nonce(idx, final)
	if err != nil {
		return nil, err
	}
	return s.engine.Seal(nonce, plaintext, s.ad)
}

// Open decrypts the chunk at idx. Any failure is reported as a
// DecryptionError; wrong keys and modified data look the same.
func (s *ChunkSealer) Open(idx uint64, final bool, ciphertext []byte) ([]byte, error) {
	nonce, err := s.nonce(idx, final)
	if err != nil {
		return nil, NewDecryptionError("", idx)
	}
	plaintext, err := s.engine.Open(nonce, ciphertext, s.ad)
	if err != nil {
		return nil, NewDecryptionError("", idx)
	}
	return plaintext, nil
}
