package arcfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/nwaples/rardecode"
)

// rarAdapter reads RAR 1.5 through 5 archives. Writing is not supported.
type rarAdapter struct{}

func (a *rarAdapter) Kind() FormatKind { return TableArchive(TableRar) }

func (a *rarAdapter) Capabilities() Capabilities {
	return Capabilities{Encryption: EncryptionNative}
}

func (a *rarAdapter) BeginCreate(w io.Writer, opts CreateOptions) (ArchiveWriter, error) {
	return nil, fmt.Errorf("%w: rar archives are read-only", ErrUnsupportedOperation)
}

func (a *rarAdapter) Open(r io.Reader, opts OpenOptions) (ArchiveReader, error) {
	rr, err := rardecode.NewReader(r, opts.Password)
	if err != nil {
		return nil, rarError(a.Kind(), "", opts.Password, err)
	}
	return &rarReader{kind: a.Kind(), rr: rr, password: opts.Password}, nil
}

// rardecode keeps its errors unexported; these fragments identify the ones
// that mean a wrong key
var rarKeyErrors = []string{"incorrect password", "bad file checksum", "corrupt encryption data"}

func rarError(kind FormatKind, path, password string, err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	if errors.Is(err, ErrDecryptionFailed) || errors.Is(err, ErrCodec) || errors.Is(err, ErrIO) {
		return err
	}
	if password != "" {
		for _, s := range rarKeyErrors {
			if strings.Contains(err.Error(), s) {
				return NewDecryptionError(path, 0)
			}
		}
	} else if strings.Contains(err.Error(), rarKeyErrors[0]) {
		// RAR5 headers carry a password check value, so a missing password
		// is caught before any data is read
		return fmt.Errorf("%w: %s", ErrPasswordRequired, kind)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return NewCodecError(kind, path, fmt.Errorf("truncated archive: %w", err))
	}
	return NewCodecError(kind, path, err)
}

type rarReader struct {
	kind     FormatKind
	rr       *rardecode.Reader
	password string
}

func (r *rarReader) Next() (Member, io.Reader, error) {
	for {
		fh, err := r.rr.Next()
		if err == io.EOF {
			return Member{}, nil, io.EOF
		}
		if err != nil {
			return Member{}, nil, rarError(r.kind, "", r.password, err)
		}

		mode := fh.Mode()
		m := Member{
			Path:    strings.TrimSuffix(fh.Name, "/"),
			Mode:    mode.Perm(),
			Size:    fh.UnPackedSize,
			ModTime: fh.ModificationTime,
		}
		if fh.UnKnownSize {
			m.Size = -1
		}

		switch {
		case fh.IsDir:
			m.Kind = MemberDir
			m.Size = 0
			return m, nil, nil
		case mode&fs.ModeSymlink != 0:
			m.Kind = MemberSymlink
			target, err := io.ReadAll(io.LimitReader(r.rr, 4096))
			if err != nil {
				return m, nil, rarError(r.kind, m.Path, r.password, err)
			}
			m.LinkTarget = string(target)
			return m, nil, nil
		case mode.IsRegular():
			m.Kind = MemberFile
			return m, &rarBody{r: r, path: m.Path}, nil
		}
		// devices and pipes are not materialized
	}
}

func (r *rarReader) Close() error { return nil }

type rarBody struct {
	r    *rarReader
	path string
}

func (b *rarBody) Read(p []byte) (int, error) {
	n, err := b.r.rr.Read(p)
	if err != nil && err != io.EOF {
		err = rarError(b.r.kind, b.path, b.r.password, err)
	}
	return n, err
}
