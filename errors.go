package arcfs

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for each failure kind. Every typed error below unwraps to
// exactly one of these so callers can branch with errors.Is.
var (
	ErrUnknownFormat         = errors.New("unknown archive format")
	ErrEncryptionUnsupported = errors.New("encryption not supported by this format")
	ErrDecryptionFailed      = errors.New("decryption failed - wrong password or corrupted data")
	ErrPathTraversal         = errors.New("path escapes extraction root")
	ErrCodec                 = errors.New("codec error")
	ErrIO                    = errors.New("io error")
	ErrFilterConfig          = errors.New("invalid filter configuration")
)

// Secondary errors
var (
	ErrUnsupportedOperation = errors.New("operation not supported by this format")
	ErrPasswordRequired     = errors.New("archive is encrypted and no password was given")
	ErrInvalidHeader        = errors.New("invalid envelope header")
	ErrUnsupportedVersion   = errors.New("unsupported envelope version")
	ErrUnsupportedCipher    = errors.New("unsupported cipher suite")
	ErrInvalidKey           = errors.New("invalid encryption key")
	ErrKeyDestroyed         = errors.New("key material already destroyed")
	ErrNoSources            = errors.New("no source paths given")
)

// FormatError reports a detection or format selection failure
type FormatError struct {
	Name    string // File name or format name, if applicable
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *FormatError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("format error: %s: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("format error: %s", e.Message)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// DecryptionError represents an authentication failure while opening
// encrypted data. The message never says whether the password was wrong or
// the data was modified.
type DecryptionError struct {
	Path     string // Archive or member path, if applicable
	ChunkIdx uint64 // Chunk index, if applicable
}

func (e *DecryptionError) Error() string {
	if e.Path != "" && e.ChunkIdx > 0 {
		return fmt.Sprintf("decryption failed: %s (chunk %d)", e.Path, e.ChunkIdx)
	} else if e.Path != "" {
		return fmt.Sprintf("decryption failed: %s", e.Path)
	}
	return "decryption failed"
}

func (e *DecryptionError) Unwrap() error {
	return ErrDecryptionFailed
}

// PathTraversalError reports a member whose normalized path or link target
// would escape the extraction root
type PathTraversalError struct {
	Path   string // Member path as stored in the archive
	Target string // Link target, for symlinks
}

func (e *PathTraversalError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("path traversal: %s -> %s", e.Path, e.Target)
	}
	return fmt.Sprintf("path traversal: %s", e.Path)
}

func (e *PathTraversalError) Unwrap() error {
	return ErrPathTraversal
}

// CodecError represents corruption in the compressed data or container
type CodecError struct {
	Format FormatKind // Archive kind being decoded
	Path   string     // Member path, if applicable
	Err    error      // Underlying error
}

func (e *CodecError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("codec error: %s: %s: %v", e.Format, e.Path, e.Err)
	}
	return fmt.Sprintf("codec error: %s: %v", e.Format, e.Err)
}

func (e *CodecError) Unwrap() []error {
	return []error{ErrCodec, e.Err}
}

// IOError represents a file system I/O error
type IOError struct {
	Operation string // "read", "write", "open", "mkdir", "rename", etc.
	Path      string // File path
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("io error: %s: %v", e.Operation, e.Err)
}

func (e *IOError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}

// FilterConfigError reports a malformed include or exclude pattern
type FilterConfigError struct {
	Pattern string // The offending pattern
	Err     error  // Underlying error
}

func (e *FilterConfigError) Error() string {
	return fmt.Sprintf("filter error: invalid pattern %q: %v", e.Pattern, e.Err)
}

func (e *FilterConfigError) Unwrap() []error {
	return []error{ErrFilterConfig, e.Err}
}

// ValidationError represents an option validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// MemberError ties a failure to the archive member it happened on
type MemberError struct {
	Path string
	Err  error
}

func (e *MemberError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *MemberError) Unwrap() error {
	return e.Err
}

// MemberErrors collects per-member failures from operations that continue
// past a bad member (test and extract on table archives)
type MemberErrors struct {
	Errors []*MemberError
}

func (e *MemberErrors) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d members failed:", len(e.Errors))
	for _, me := range e.Errors {
		b.WriteString("\n  ")
		b.WriteString(me.Error())
	}
	return b.String()
}

func (e *MemberErrors) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, me := range e.Errors {
		errs[i] = me
	}
	return errs
}

// add appends a failure
func (e *MemberErrors) add(path string, err error) {
	e.Errors = append(e.Errors, &MemberError{Path: path, Err: err})
}

// errOrNil returns nil when nothing was collected
func (e *MemberErrors) errOrNil() error {
	if e == nil || len(e.Errors) == 0 {
		return nil
	}
	return e
}

// Helper functions for creating structured errors

// NewIOError creates a new I/O error
func NewIOError(operation, path string, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Err:       err,
	}
}

// NewCodecError creates a new codec error
func NewCodecError(format FormatKind, path string, err error) error {
	return &CodecError{
		Format: format,
		Path:   path,
		Err:    err,
	}
}

// NewDecryptionError creates a new decryption error
func NewDecryptionError(path string, chunkIdx uint64) error {
	return &DecryptionError{
		Path:     path,
		ChunkIdx: chunkIdx,
	}
}

// NewPathTraversalError creates a new path traversal error
func NewPathTraversalError(path, target string) error {
	return &PathTraversalError{
		Path:   path,
		Target: target,
	}
}

// Error checking helpers

// IsUnknownFormat checks if an error is a detection failure
func IsUnknownFormat(err error) bool {
	return errors.Is(err, ErrUnknownFormat)
}

// IsEncryptionUnsupported checks if an error is a format/cipher mismatch
func IsEncryptionUnsupported(err error) bool {
	return errors.Is(err, ErrEncryptionUnsupported)
}

// IsDecryptionFailed checks if an error is a decryption failure
func IsDecryptionFailed(err error) bool {
	return errors.Is(err, ErrDecryptionFailed)
}

// IsPathTraversal checks if an error is an archive slip rejection
func IsPathTraversal(err error) bool {
	return errors.Is(err, ErrPathTraversal)
}

// IsCodecError checks if an error is a codec error
func IsCodecError(err error) bool {
	return errors.Is(err, ErrCodec)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	return errors.Is(err, ErrIO)
}

// IsFilterConfigError checks if an error is a malformed pattern
func IsFilterConfigError(err error) bool {
	return errors.Is(err, ErrFilterConfig)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
