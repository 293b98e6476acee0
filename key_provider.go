package arcfs

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// KeyProvider derives archive keys from a secret and a per-archive salt
type KeyProvider interface {
	// DeriveKey derives the master key for the given salt
	DeriveKey(salt []byte) ([]byte, error)

	// GenerateSalt generates a fresh random salt
	GenerateSalt() ([]byte, error)
}

// PasswordKeyProvider implements KeyProvider using Argon2id
type PasswordKeyProvider struct {
	password []byte
	params   Argon2idParams
}

// NewPasswordKeyProvider creates a new password-based key provider. Zero
// fields in params are replaced by DefaultArgon2idParams.
func NewPasswordKeyProvider(password []byte, params Argon2idParams) *PasswordKeyProvider {
	def := DefaultArgon2idParams()
	if params.Memory == 0 {
		params.Memory = def.Memory
	}
	if params.Iterations == 0 {
		params.Iterations = def.Iterations
	}
	if params.Parallelism == 0 {
		params.Parallelism = def.Parallelism
	}
	if params.SaltSize == 0 {
		params.SaltSize = def.SaltSize
	}
	if params.KeySize == 0 {
		params.KeySize = def.KeySize
	}

	return &PasswordKeyProvider{
		password: password,
		params:   params,
	}
}

// Params returns the effective derivation parameters
func (p *PasswordKeyProvider) Params() Argon2idParams {
	return p.params
}

// DeriveKey derives an encryption key from the password and salt
func (p *PasswordKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	if len(p.password) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	if len(salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}

	key := argon2.IDKey(
		p.password,
		salt,
		p.params.Iterations,
		p.params.Memory,
		p.params.Parallelism,
		uint32(p.params.KeySize),
	)
	return key, nil
}

// GenerateSalt generates a new random salt
func (p *PasswordKeyProvider) GenerateSalt() ([]byte, error) {
	salt := make([]byte, p.params.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// EncryptionOptions configure envelope encryption for new archives
type EncryptionOptions struct {
	Cipher    CipherSuite
	Argon2    Argon2idParams
	ChunkSize int
}

// DefaultEncryptionOptions returns AES-256-GCM with 64 KiB chunks
func DefaultEncryptionOptions() EncryptionOptions {
	return EncryptionOptions{
		Cipher:    CipherAES256GCM,
		Argon2:    DefaultArgon2idParams(),
		ChunkSize: DefaultChunkSize,
	}
}

// EncryptionContext holds the key material for one session. The derived key
// lives only in memory and is zeroed by Destroy.
type EncryptionContext struct {
	Header *EnvelopeHeader

	key    []byte
	sealer *ChunkSealer
}

// NewEncryptionContext prepares encryption for a new archive of the given
// inner kind: it draws a fresh salt and nonce prefix and derives the key.
func NewEncryptionContext(password []byte, kind FormatKind, opts EncryptionOptions) (*EncryptionContext, error) {
	if len(password) == 0 {
		return nil, ErrPasswordRequired
	}
	if opts.Cipher == 0 {
		opts.Cipher = CipherAES256GCM
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if err := ValidateSize(opts.ChunkSize, "chunk_size", MinChunkSize, MaxChunkSize); err != nil {
		return nil, err
	}

	provider := NewPasswordKeyProvider(password, opts.Argon2)
	salt, err := provider.GenerateSalt()
	if err != nil {
		return nil, err
	}

	h := NewEnvelopeHeader(kind, opts.Cipher, provider.Params(), uint32(opts.ChunkSize), salt)
	if _, err := io.ReadFull(rand.Reader, h.NoncePrefix[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce prefix: %w", err)
	}

	return newEncryptionContext(provider, h)
}

// OpenEncryptionContext re-derives the key recorded by an existing header
func OpenEncryptionContext(password []byte, h *EnvelopeHeader) (*EncryptionContext, error) {
	if len(password) == 0 {
		return nil, ErrPasswordRequired
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	provider := NewPasswordKeyProvider(password, h.Argon2Params())
	return newEncryptionContext(provider, h)
}

func newEncryptionContext(provider *PasswordKeyProvider, h *EnvelopeHeader) (*EncryptionContext, error) {
	master, err := provider.DeriveKey(h.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer clear(master)

	key, err := expandKey(master, h)
	if err != nil {
		return nil, err
	}

	sealer, err := NewChunkSealer(h.Cipher, key, h.NoncePrefix, h.Bytes())
	if err != nil {
		clear(key)
		return nil, err
	}

	return &EncryptionContext{Header: h, key: key, sealer: sealer}, nil
}

// expandKey binds the Argon2id output to the cipher suite with HKDF so the
// same password never yields the same AEAD key for two suites
func expandKey(master []byte, h *EnvelopeHeader) ([]byte, error) {
	info := []byte("arcfs envelope v1 " + h.Cipher.String())
	r := hkdf.New(sha256.New, master, h.Salt, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to expand key: %w", err)
	}
	return key, nil
}

// Sealer returns the chunk sealer bound to this context
func (c *EncryptionContext) Sealer() (*ChunkSealer, error) {
	if c == nil || c.key == nil {
		return nil, ErrKeyDestroyed
	}
	return c.sealer, nil
}

// Destroy zeroes the key. It is safe to call more than once.
func (c *EncryptionContext) Destroy() {
	if c == nil || c.key == nil {
		return
	}
	clear(c.key)
	c.key = nil
	c.sealer = nil
}
