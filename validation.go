package arcfs

import (
	"fmt"
	"strings"
)

// Option checks shared by Compress, Extract, Rekey and internal/config.
// Every failure is a *ValidationError.

// MaxWorkers bounds the worker pool size
const MaxWorkers = 1024

func invalid(field string, value any, format string, args ...any) error {
	return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)}
}

// ValidateSize checks that size lies in [minSize, maxSize]. maxSize <= 0
// means unbounded.
func ValidateSize(size int, name string, minSize, maxSize int) error {
	switch {
	case size < 0:
		return invalid(name, size, "%s cannot be negative", name)
	case minSize >= 0 && size < minSize:
		return invalid(name, size, "%s %d is below the minimum of %d", name, size, minSize)
	case maxSize > 0 && size > maxSize:
		return invalid(name, size, "%s %d exceeds the maximum of %d", name, size, maxSize)
	}
	return nil
}

// ValidateKey checks a derived key before it reaches a cipher engine
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return invalid("key", nil, "key cannot be nil")
	}
	if len(key) != expectedSize {
		return invalid("key", len(key), "got a %d byte key, the cipher needs %d", len(key), expectedSize)
	}
	return nil
}

// ValidateWorkers checks a worker pool size. 0 selects runtime.NumCPU().
func ValidateWorkers(n int) error {
	if n < 0 {
		return invalid("workers", n, "workers cannot be negative")
	}
	if n > MaxWorkers {
		return invalid("workers", n, "workers must not exceed %d", MaxWorkers)
	}
	return nil
}

// ValidateLevel checks a compression level for the kind. 0 always means the
// codec default.
func ValidateLevel(kind FormatKind, level int) error {
	if level == 0 {
		return nil
	}
	hi := 9
	if kind.Algo == AlgoZstd {
		hi = 22
	}
	if level < 0 || level > hi {
		return invalid("level", level, "level for %s must be between 1 and %d", kind, hi)
	}
	return nil
}

// ValidateFilePath rejects archive and destination paths no filesystem can
// hold
func ValidateFilePath(path string) error {
	if path == "" {
		return invalid("path", nil, "file path cannot be empty")
	}
	if strings.IndexByte(path, 0) >= 0 {
		return invalid("path", path, "file path contains a NUL byte")
	}
	return nil
}
