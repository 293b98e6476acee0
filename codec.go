package arcfs

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// CodecOptions tune a streaming compressor
type CodecOptions struct {
	// Level is the codec-specific compression level; 0 selects the codec
	// default. Levels beyond the codec's range are clamped.
	Level int

	// Workers bounds the compressor's internal concurrency (zstd, lz4).
	// 0 means runtime.NumCPU().
	Workers int
}

// DefaultLevel is the compression level used when none is configured. It is
// expressed on the zstd scale and clamped for other codecs.
const DefaultLevel = 19

var lz4Levels = [...]lz4.CompressionLevel{
	lz4.Fast, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
	lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

// NewWriter wraps w in a compressor for the algorithm. Closing the returned
// writer flushes the codec but leaves w open.
func (a Algorithm) NewWriter(w io.Writer, opts CodecOptions) (io.WriteCloser, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	switch a {
	case AlgoNone:
		return nopWriteCloser{w}, nil

	case AlgoGzip:
		level := opts.Level
		switch {
		case level == 0:
			level = gzip.DefaultCompression
		case level > gzip.BestCompression:
			level = gzip.BestCompression
		}
		zw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return zw, nil

	case AlgoXZ:
		cfg := xz.WriterConfig{DictCap: xzDictCap(opts.Level)}
		if err := cfg.Verify(); err != nil {
			return nil, fmt.Errorf("invalid xz config: %w", err)
		}
		zw, err := cfg.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("failed to create xz writer: %w", err)
		}
		return zw, nil

	case AlgoZstd:
		level := opts.Level
		if level == 0 {
			level = 3
		}
		zw, err := zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(workers),
			zstd.WithEncoderCRC(true),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, nil

	case AlgoLZ4:
		level := opts.Level
		if level < 0 {
			level = 0
		}
		if level >= len(lz4Levels) {
			level = len(lz4Levels) - 1
		}
		zw := lz4.NewWriter(w)
		if err := zw.Apply(
			lz4.CompressionLevelOption(lz4Levels[level]),
			lz4.ConcurrencyOption(workers),
		); err != nil {
			return nil, fmt.Errorf("failed to configure lz4 writer: %w", err)
		}
		return zw, nil
	}
	return nil, fmt.Errorf("%w: algorithm %d", ErrUnknownFormat, a)
}

// NewReader wraps r in a decompressor for the algorithm
func (a Algorithm) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch a {
	case AlgoNone:
		return io.NopCloser(r), nil

	case AlgoGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr, nil

	case AlgoXZ:
		zr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(zr), nil

	case AlgoZstd:
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil

	case AlgoLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	}
	return nil, fmt.Errorf("%w: algorithm %d", ErrUnknownFormat, a)
}

// newDecompressor is the detector's entry point into the codecs
func newDecompressor(a Algorithm, r io.Reader) (io.ReadCloser, error) {
	return a.NewReader(r)
}

// xzDictCap maps a level onto an LZMA dictionary size
func xzDictCap(level int) int {
	switch {
	case level <= 0:
		return 8 << 20
	case level <= 3:
		return 1 << 20
	case level <= 6:
		return 8 << 20
	default:
		return 16 << 20
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// codecErrReader tags decode failures with the archive kind and member path.
// Decryption and I/O failures from lower layers keep their own kind.
type codecErrReader struct {
	r    io.Reader
	kind FormatKind
	path string
}

func (c *codecErrReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err != nil && err != io.EOF {
		err = classifyReadError(err, c.kind, c.path)
	}
	return n, err
}

// classifyReadError maps a raw decoder error onto the error taxonomy
func classifyReadError(err error, kind FormatKind, path string) error {
	switch {
	case err == nil, err == io.EOF:
		return err
	case errors.Is(err, ErrDecryptionFailed), errors.Is(err, ErrIO), errors.Is(err, ErrCodec):
		return err
	case errors.Is(err, io.ErrUnexpectedEOF):
		return NewCodecError(kind, path, fmt.Errorf("truncated archive: %w", err))
	}
	return NewCodecError(kind, path, err)
}
