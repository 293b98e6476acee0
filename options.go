package arcfs

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Config configures an Archiver
type Config struct {
	// Logger receives structured events. If nil, the global zerolog logger
	// is used.
	Logger *zerolog.Logger
}

// CompressOptions configure Compress
type CompressOptions struct {
	// Format selects the archive kind. The zero value infers it from the
	// destination name.
	Format FormatKind

	// Root gives tar -C semantics: sources are resolved relative to it and
	// named by that relative path. Without it each source is named by its
	// base name.
	Root string

	// Password enables encryption: the envelope for streaming kinds,
	// native 7zAES for 7z. Formats without either fail fast.
	Password   string
	Encryption EncryptionOptions

	// Level is the codec level; 0 selects the default (19 for zstd)
	Level int

	Parallel ParallelConfig
	Filter   FilterRules
	Metadata MetadataPolicy

	FollowSymlinks     bool
	AllowSymlinkEscape bool

	// Overwrite replaces an existing destination archive
	Overwrite bool
}

// DefaultCompressOptions returns options with default excludes, permission
// normalization and one worker per CPU
func DefaultCompressOptions() CompressOptions {
	return CompressOptions{
		Encryption: DefaultEncryptionOptions(),
		Parallel:   DefaultParallelConfig(),
		Filter:     DefaultFilterRules(),
		Metadata:   DefaultMetadataPolicy(),
	}
}

// Validate checks the options
func (o *CompressOptions) Validate() error {
	if err := o.Parallel.Validate(); err != nil {
		return fmt.Errorf("invalid parallel config: %w", err)
	}
	if o.Level < 0 {
		return &ValidationError{Field: "level", Value: o.Level, Message: "level cannot be negative"}
	}
	if !o.Format.IsZero() {
		if err := ValidateLevel(o.Format, o.Level); err != nil {
			return err
		}
	}
	if o.Password != "" && o.Encryption.ChunkSize != 0 {
		if err := ValidateSize(o.Encryption.ChunkSize, "chunk_size", MinChunkSize, MaxChunkSize); err != nil {
			return err
		}
	}
	return nil
}

// ExtractOptions configure Extract
type ExtractOptions struct {
	Password string

	// StripComponents drops leading path segments. Members with no more
	// segments than this are skipped.
	StripComponents int

	// Overwrite replaces existing files. Without it an existing file is an
	// IOError wrapping fs.ErrExist.
	Overwrite bool

	// SameOwner restores recorded ownership
	SameOwner bool

	// AllowSymlinkEscape permits link targets outside the destination
	AllowSymlinkEscape bool

	// Filter selects members by their path inside the archive. The zero
	// value extracts everything. Members it drops count as Skipped.
	Filter FilterRules

	Parallel ParallelConfig
}

// Validate checks the options
func (o *ExtractOptions) Validate() error {
	if o.StripComponents < 0 {
		return &ValidationError{Field: "strip_components", Value: o.StripComponents, Message: "cannot be negative"}
	}
	if err := o.Parallel.Validate(); err != nil {
		return fmt.Errorf("invalid parallel config: %w", err)
	}
	return nil
}

// ListOptions configure List
type ListOptions struct {
	Password string
}

// TestOptions configure Test
type TestOptions struct {
	Password string
	Parallel ParallelConfig
}
