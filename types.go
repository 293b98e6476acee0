package arcfs

import (
	"fmt"
	"strings"
)

// Family identifies the structural kind of an archive
type Family uint8

const (
	// FamilyUnknown is the zero value and never produced by detection
	FamilyUnknown Family = iota
	// FamilySingleStream is one compressed payload with no internal naming
	FamilySingleStream
	// FamilyTar is a tar stream wrapped in a streaming codec
	FamilyTar
	// FamilyTable is a container with a central index of members
	FamilyTable
)

// String returns the string representation of the family
func (f Family) String() string {
	switch f {
	case FamilySingleStream:
		return "single-stream"
	case FamilyTar:
		return "tar"
	case FamilyTable:
		return "table"
	default:
		return "unknown"
	}
}

// Algorithm represents a streaming compression codec
type Algorithm uint8

const (
	// AlgoNone stores data uncompressed (plain tar)
	AlgoNone Algorithm = iota
	// AlgoGzip uses DEFLATE in a gzip envelope
	AlgoGzip
	// AlgoXZ uses LZMA2 in an xz envelope
	AlgoXZ
	// AlgoZstd uses Zstandard
	AlgoZstd
	// AlgoLZ4 uses the LZ4 frame format
	AlgoLZ4
)

// String returns the string representation of the algorithm
func (a Algorithm) String() string {
	switch a {
	case AlgoNone:
		return "none"
	case AlgoGzip:
		return "gzip"
	case AlgoXZ:
		return "xz"
	case AlgoZstd:
		return "zstd"
	case AlgoLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// TableKind represents the flavour of a table archive
type TableKind uint8

const (
	// TableNone is used by non-table families
	TableNone TableKind = iota
	// TableZip is a zip archive
	TableZip
	// TableSevenZip is a 7z archive
	TableSevenZip
	// TableRar is a RAR archive (read-only)
	TableRar
)

// String returns the string representation of the table kind
func (k TableKind) String() string {
	switch k {
	case TableNone:
		return "none"
	case TableZip:
		return "zip"
	case TableSevenZip:
		return "7z"
	case TableRar:
		return "rar"
	default:
		return "unknown"
	}
}

// FormatKind identifies which archive family and codec a session operates on.
// It is determined once per session and never changes afterwards.
type FormatKind struct {
	Family Family
	Algo   Algorithm
	Table  TableKind
}

// SingleStreamCodec returns the FormatKind for a raw compressed stream
func SingleStreamCodec(algo Algorithm) FormatKind {
	return FormatKind{Family: FamilySingleStream, Algo: algo}
}

// TarContainer returns the FormatKind for a tar stream wrapped in algo
func TarContainer(algo Algorithm) FormatKind {
	return FormatKind{Family: FamilyTar, Algo: algo}
}

// TableArchive returns the FormatKind for a table archive
func TableArchive(kind TableKind) FormatKind {
	return FormatKind{Family: FamilyTable, Table: kind}
}

// IsZero reports whether the kind is unset
func (k FormatKind) IsZero() bool {
	return k.Family == FamilyUnknown
}

// Streaming reports whether members can only be read in a single forward pass
func (k FormatKind) Streaming() bool {
	return k.Family == FamilySingleStream || k.Family == FamilyTar || k.Table == TableRar
}

// String returns a short human readable name such as "tar+zstd" or "zip"
func (k FormatKind) String() string {
	switch k.Family {
	case FamilySingleStream:
		return k.Algo.String()
	case FamilyTar:
		if k.Algo == AlgoNone {
			return "tar"
		}
		return "tar+" + k.Algo.String()
	case FamilyTable:
		return k.Table.String()
	default:
		return "unknown"
	}
}

// ParseFormat parses a user supplied format name such as "zst", "tgz",
// "tar.xz", "zip" or "7z"
func ParseFormat(name string) (FormatKind, error) {
	n := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), ".")
	switch n {
	case "tar":
		return TarContainer(AlgoNone), nil
	case "zst", "zstd", "tzst", "tar.zst", "tar.zstd", "tar+zstd":
		return TarContainer(AlgoZstd), nil
	case "tgz", "tar.gz", "tar+gzip":
		return TarContainer(AlgoGzip), nil
	case "txz", "tar.xz", "tar+xz":
		return TarContainer(AlgoXZ), nil
	case "tlz4", "tar.lz4", "tar+lz4":
		return TarContainer(AlgoLZ4), nil
	case "gz", "gzip":
		return SingleStreamCodec(AlgoGzip), nil
	case "xz":
		return SingleStreamCodec(AlgoXZ), nil
	case "lz4":
		return SingleStreamCodec(AlgoLZ4), nil
	case "raw-zst", "raw-zstd":
		return SingleStreamCodec(AlgoZstd), nil
	case "zip":
		return TableArchive(TableZip), nil
	case "7z":
		return TableArchive(TableSevenZip), nil
	case "rar":
		return TableArchive(TableRar), nil
	}
	return FormatKind{}, &FormatError{Name: name, Message: "unrecognized format name", Err: ErrUnknownFormat}
}

// CipherSuite represents the AEAD algorithm used for envelope encryption
type CipherSuite uint8

const (
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode
	CipherAES256GCM CipherSuite = iota + 1
	// CipherChaCha20Poly1305 uses ChaCha20 stream cipher with Poly1305 MAC
	CipherChaCha20Poly1305
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// ParseCipherSuite parses the names produced by CipherSuite.String
func ParseCipherSuite(name string) (CipherSuite, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "aes-256-gcm", "aes256gcm", "aes":
		return CipherAES256GCM, nil
	case "chacha20-poly1305", "chacha20poly1305", "chacha":
		return CipherChaCha20Poly1305, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedCipher, name)
}

// Argon2idParams contains parameters for Argon2id key derivation
type Argon2idParams struct {
	Memory      uint32 // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 // Number of iterations (time parameter)
	Parallelism uint8  // Degree of parallelism
	SaltSize    int    // Salt size in bytes (default 16)
	KeySize     int    // Derived key size in bytes (default 32 for AES-256)
}

// DefaultArgon2idParams returns the cost parameters used for new archives
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 4,
		SaltSize:    16,
		KeySize:     32,
	}
}

// Stats is returned by compress and extract
type Stats struct {
	// Files is the number of members written to the archive (compress) or
	// materialized on disk (extract). Directories and symlinks count.
	Files int

	// BytesIn is the number of plaintext bytes read from sources
	BytesIn int64

	// BytesOut is the archive size (compress) or the number of bytes written
	// to regular files (extract)
	BytesOut int64

	// Skipped counts members removed by include/exclude rules
	Skipped int

	// Redacted counts members dropped by the secret pattern set
	Redacted int

	// RedactedPaths lists the dropped members in walk order
	RedactedPaths []string
}

// TestStats is returned by Test
type TestStats struct {
	FilesChecked int
	BytesChecked int64

	// Digest is a BLAKE2b-256 fingerprint over every member path and body
	// in archive order
	Digest []byte
}
