package arcfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// EnvelopeMagic identifies envelope-encrypted archives
	EnvelopeMagic = "ARCFSENC"

	// CurrentVersion is the current envelope format version
	CurrentVersion = uint8(1)

	// MinHeaderSize is the fixed part of the header: magic, version, inner
	// kind (3), cipher, Argon2id memory/iterations/parallelism, chunk size
	// and salt length
	MinHeaderSize = 8 + 1 + 3 + 1 + 4 + 4 + 1 + 4 + 1

	// DefaultChunkSize is the plaintext size of each sealed chunk
	DefaultChunkSize = 64 * 1024

	// MinChunkSize and MaxChunkSize bound the configurable chunk size
	MinChunkSize = 4 * 1024
	MaxChunkSize = 16 * 1024 * 1024

	// maxArgon2Memory caps the memory cost accepted from a header (4 GiB) so a
	// hostile archive cannot make the reader allocate without bound
	maxArgon2Memory = 4 * 1024 * 1024
	maxIterations   = 64
)

// EnvelopeHeader is the unencrypted preamble of an encrypted archive. It
// carries everything a reader needs to re-derive the key and open chunk 0.
// The serialized header is also the associated data of every chunk.
type EnvelopeHeader struct {
	Version     uint8
	Kind        FormatKind  // Inner archive kind
	Cipher      CipherSuite // Cipher suite used for encryption
	Memory      uint32      // Argon2id memory in KiB
	Iterations  uint32      // Argon2id passes
	Parallelism uint8       // Argon2id lanes
	ChunkSize   uint32      // Plaintext bytes per chunk
	Salt        []byte      // Salt for key derivation
	NoncePrefix [NoncePrefixSize]byte
}

// NewEnvelopeHeader creates a new header with the given parameters
func NewEnvelopeHeader(kind FormatKind, suite CipherSuite, params Argon2idParams, chunkSize uint32, salt []byte) *EnvelopeHeader {
	return &EnvelopeHeader{
		Version:     CurrentVersion,
		Kind:        kind,
		Cipher:      suite,
		Memory:      params.Memory,
		Iterations:  params.Iterations,
		Parallelism: params.Parallelism,
		ChunkSize:   chunkSize,
		Salt:        salt,
	}
}

// Argon2Params returns the derivation parameters recorded in the header
func (h *EnvelopeHeader) Argon2Params() Argon2idParams {
	return Argon2idParams{
		Memory:      h.Memory,
		Iterations:  h.Iterations,
		Parallelism: h.Parallelism,
		SaltSize:    len(h.Salt),
		KeySize:     32,
	}
}

// Size returns the total size of the header in bytes
func (h *EnvelopeHeader) Size() int {
	return MinHeaderSize + len(h.Salt) + NoncePrefixSize
}

// Bytes returns the serialized header
func (h *EnvelopeHeader) Bytes() []byte {
	var buf bytes.Buffer
	h.WriteTo(&buf)
	return buf.Bytes()
}

// WriteTo writes the header to the given writer
func (h *EnvelopeHeader) WriteTo(w io.Writer) (int64, error) {
	buf := new(bytes.Buffer)
	buf.Grow(h.Size())

	buf.WriteString(EnvelopeMagic)
	buf.WriteByte(h.Version)
	buf.WriteByte(byte(h.Kind.Family))
	buf.WriteByte(byte(h.Kind.Algo))
	buf.WriteByte(byte(h.Kind.Table))
	buf.WriteByte(byte(h.Cipher))
	binary.Write(buf, binary.LittleEndian, h.Memory)
	binary.Write(buf, binary.LittleEndian, h.Iterations)
	buf.WriteByte(h.Parallelism)
	binary.Write(buf, binary.LittleEndian, h.ChunkSize)
	buf.WriteByte(byte(len(h.Salt)))
	buf.Write(h.Salt)
	buf.Write(h.NoncePrefix[:])

	n, err := w.Write(buf.Bytes())
	if err != nil {
		return int64(n), fmt.Errorf("failed to write envelope header: %w", err)
	}
	return int64(n), nil
}

// ReadFrom reads the header from the given reader
func (h *EnvelopeHeader) ReadFrom(r io.Reader) (int64, error) {
	fixed := make([]byte, MinHeaderSize)
	n, err := io.ReadFull(r, fixed)
	totalRead := int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	if string(fixed[:8]) != EnvelopeMagic {
		return totalRead, ErrInvalidHeader
	}
	h.Version = fixed[8]
	if h.Version == 0 || h.Version > CurrentVersion {
		return totalRead, ErrUnsupportedVersion
	}
	h.Kind = FormatKind{
		Family: Family(fixed[9]),
		Algo:   Algorithm(fixed[10]),
		Table:  TableKind(fixed[11]),
	}
	h.Cipher = CipherSuite(fixed[12])
	h.Memory = binary.LittleEndian.Uint32(fixed[13:17])
	h.Iterations = binary.LittleEndian.Uint32(fixed[17:21])
	h.Parallelism = fixed[21]
	h.ChunkSize = binary.LittleEndian.Uint32(fixed[22:26])
	saltLen := int(fixed[26])

	rest := make([]byte, saltLen+NoncePrefixSize)
	n, err = io.ReadFull(r, rest)
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	h.Salt = rest[:saltLen]
	copy(h.NoncePrefix[:], rest[saltLen:])

	return totalRead, nil
}

// Validate checks if the header is valid
func (h *EnvelopeHeader) Validate() error {
	if h.Version == 0 || h.Version > CurrentVersion {
		return ErrUnsupportedVersion
	}
	if h.Cipher != CipherAES256GCM && h.Cipher != CipherChaCha20Poly1305 {
		return ErrUnsupportedCipher
	}
	if h.Kind.Family != FamilySingleStream && h.Kind.Family != FamilyTar {
		return fmt.Errorf("%w: inner kind %s cannot be enveloped", ErrInvalidHeader, h.Kind)
	}
	if h.Kind.Algo > AlgoLZ4 {
		return fmt.Errorf("%w: unknown algorithm %d", ErrInvalidHeader, h.Kind.Algo)
	}
	if len(h.Salt) < 8 {
		return fmt.Errorf("%w: salt too short", ErrInvalidHeader)
	}
	if h.Memory < 8*uint32(max(h.Parallelism, 1)) || h.Memory > maxArgon2Memory {
		return fmt.Errorf("%w: argon2 memory %d KiB out of range", ErrInvalidHeader, h.Memory)
	}
	if h.Iterations == 0 || h.Iterations > maxIterations {
		return fmt.Errorf("%w: argon2 iterations %d out of range", ErrInvalidHeader, h.Iterations)
	}
	if h.Parallelism == 0 {
		return fmt.Errorf("%w: argon2 parallelism must be at least 1", ErrInvalidHeader)
	}
	if err := ValidateSize(int(h.ChunkSize), "chunk_size", MinChunkSize, MaxChunkSize); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	return nil
}

// IsEnvelope reports whether header starts with the envelope magic
func IsEnvelope(header []byte) bool {
	return bytes.HasPrefix(header, []byte(EnvelopeMagic))
}

// peekEnvelopeKind returns the inner kind recorded in an envelope header
func peekEnvelopeKind(header []byte) (FormatKind, error) {
	var h EnvelopeHeader
	if _, err := h.ReadFrom(bytes.NewReader(header)); err != nil {
		return FormatKind{}, err
	}
	if err := h.Validate(); err != nil {
		return FormatKind{}, err
	}
	return h.Kind, nil
}
