package arcfs

import (
	"context"
	"fmt"
	"io"

	"github.com/absfs/absfs"
)

// RekeyOptions configure Rekey
type RekeyOptions struct {
	// OldPassword opens an encrypted archive. Leave it empty for an archive
	// that is not encrypted yet.
	OldPassword string

	// NewPassword seals the result. Empty removes the envelope.
	NewPassword string

	// Encryption selects cipher, cost and chunk size of the new envelope
	Encryption EncryptionOptions

	// Dest receives the result. Empty replaces the archive in place.
	Dest string

	// Overwrite allows an existing Dest to be replaced
	Overwrite bool
}

// Rekey re-seals the payload of a single stream or tar archive. The
// compressed payload is copied as is, so members are never decoded and the
// Test digest of the archive does not change. The old envelope is fully
// authenticated before the result replaces anything.
//
// 7z encryption is per folder and cannot be re-sealed without recompressing;
// zip and rar have none. Those kinds fail with ErrUnsupportedOperation.
func (a *Archiver) Rekey(ctx context.Context, archive string, opts RekeyOptions) (Stats, error) {
	if err := ValidateFilePath(archive); err != nil {
		return Stats{}, err
	}
	if opts.OldPassword == "" && opts.NewPassword == "" {
		return Stats{}, &ValidationError{Field: "password", Message: "old and new password are both empty"}
	}

	s := a.newSession("rekey", ParallelConfig{})
	defer s.close()

	f, err := s.fs.Open(archive)
	if err != nil {
		return Stats{}, NewIOError("open", archive, err)
	}
	defer f.Close()

	header, err := sniff(f, archive)
	if err != nil {
		return Stats{}, err
	}
	if s.kind, err = Detect(header, archive); err != nil {
		return Stats{}, err
	}
	if !s.kind.Streaming() {
		return Stats{}, fmt.Errorf("%w: cannot rekey %s archives", ErrUnsupportedOperation, s.kind)
	}

	payload, err := s.openPayload(f, archive, header, opts.OldPassword)
	if err != nil {
		return Stats{}, err
	}

	dest, overwrite := opts.Dest, opts.Overwrite
	if dest == "" {
		dest, overwrite = archive, true
	}
	out, err := createAtomic(s.fs, dest, 0o644, overwrite)
	if err != nil {
		return Stats{}, err
	}
	defer out.Abort()

	var w io.Writer = &ioErrWriter{w: out.File(), path: dest}
	var ew *EncryptingWriter
	if opts.NewPassword != "" {
		ec, err := NewEncryptionContext([]byte(opts.NewPassword), s.kind, opts.Encryption)
		if err != nil {
			return Stats{}, err
		}
		defer ec.Destroy()
		if ew, err = NewEncryptingWriter(w, ec); err != nil {
			return Stats{}, err
		}
		w = ew
	}

	var stats Stats
	if stats.BytesIn, err = copyContext(ctx, w, payload); err != nil {
		return stats, s.decryptErr(err)
	}
	if ew != nil {
		if err := ew.Close(); err != nil {
			return stats, err
		}
	}
	if stats.BytesOut, err = out.Commit(); err != nil {
		return stats, err
	}

	s.log.Info().
		Str("archive", archive).
		Str("dest", dest).
		Str("format", s.kind.String()).
		Bool("was_encrypted", IsEnvelope(header)).
		Bool("encrypted", opts.NewPassword != "").
		Int64("payload_bytes", stats.BytesIn).
		Msg("archive rekeyed")
	return stats, nil
}

// openPayload returns the compressed payload of a streaming archive, with
// the envelope removed when there is one
func (s *session) openPayload(f absfs.File, name string, header []byte, password string) (io.Reader, error) {
	var src io.Reader = &ioErrReader{r: f, path: name}
	if !IsEnvelope(header) {
		if password != "" {
			s.log.Warn().Str("archive", name).Msg("archive is not encrypted; ignoring old password")
		}
		return src, nil
	}
	if password == "" {
		return nil, fmt.Errorf("%w: %s", ErrPasswordRequired, name)
	}

	var h EnvelopeHeader
	if _, err := h.ReadFrom(src); err != nil {
		return nil, &FormatError{Name: name, Message: "corrupt envelope header", Err: err}
	}
	var err error
	if s.ec, err = OpenEncryptionContext([]byte(password), &h); err != nil {
		return nil, err
	}
	if s.dr, err = NewDecryptingReader(src, s.ec); err != nil {
		return nil, err
	}
	return s.dr, nil
}

// copyContext copies src to dst, checking ctx between blocks
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 256*1024)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
