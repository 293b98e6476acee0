package arcfs

import (
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"io/fs"
	"strings"

	"github.com/bodgit/sevenzip"
)

// sevenZipAdapter reads 7z archives through bodgit/sevenzip and writes them
// with sevenZipWriter. Encryption is native 7zAES over member data; the
// header itself stays readable so List works without a password.
type sevenZipAdapter struct{}

func (a *sevenZipAdapter) Kind() FormatKind { return TableArchive(TableSevenZip) }

func (a *sevenZipAdapter) Capabilities() Capabilities {
	return Capabilities{Encryption: EncryptionNative, RandomAccess: true, Writable: true}
}

func (a *sevenZipAdapter) BeginCreate(w io.Writer, opts CreateOptions) (ArchiveWriter, error) {
	return newSevenZipWriter(w, opts)
}

func (a *sevenZipAdapter) Open(r io.Reader, opts OpenOptions) (ArchiveReader, error) {
	ra, err := readerAt(r, a.Kind())
	if err != nil {
		return nil, err
	}
	zr, err := sevenzip.NewReaderWithPassword(ra, opts.Size, opts.Password)
	if err != nil {
		return nil, sevenZipError(a.Kind(), "", opts.Password, err)
	}

	members := make([]Member, len(zr.File))
	for i, f := range zr.File {
		members[i] = memberFromSevenZip(f)
	}
	return &sevenZipReader{
		kind:     a.Kind(),
		zr:       zr,
		members:  members,
		password: opts.Password,
	}, nil
}

func memberFromSevenZip(f *sevenzip.File) Member {
	mode := f.Mode()
	m := Member{
		Path:    strings.TrimSuffix(f.Name, "/"),
		Mode:    mode.Perm(),
		Size:    int64(f.UncompressedSize),
		ModTime: f.Modified,
	}
	switch {
	case mode.IsDir():
		m.Kind = MemberDir
		m.Size = 0
	case mode&fs.ModeSymlink != 0:
		m.Kind = MemberSymlink
	default:
		m.Kind = MemberFile
	}
	return m
}

// sevenZipError maps library failures onto the error taxonomy. Under a
// password a bad checksum or a broken LZMA2 stream is indistinguishable from
// a wrong key.
func sevenZipError(kind FormatKind, path, password string, err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	if errors.Is(err, ErrDecryptionFailed) || errors.Is(err, ErrCodec) || errors.Is(err, ErrIO) {
		return err
	}
	var re *sevenzip.ReadError
	if errors.As(err, &re) && re.Encrypted {
		if password == "" {
			return fmt.Errorf("%w: %s", ErrPasswordRequired, path)
		}
		return NewDecryptionError(path, 0)
	}
	if password != "" {
		return NewDecryptionError(path, 0)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return NewCodecError(kind, path, fmt.Errorf("truncated archive: %w", err))
	}
	return NewCodecError(kind, path, err)
}

var errCRCMismatch = errors.New("crc32 mismatch")

type sevenZipReader struct {
	kind     FormatKind
	zr       *sevenzip.Reader
	members  []Member
	password string
	next     int
	cur      io.ReadCloser
}

func (r *sevenZipReader) Members() []Member { return r.members }

// OpenMember opens one member body. The library does not verify per-file
// checksums, so reads are hashed and compared at EOF.
func (r *sevenZipReader) OpenMember(i int) (io.ReadCloser, error) {
	if i < 0 || i >= len(r.zr.File) {
		return nil, fmt.Errorf("member index %d out of range", i)
	}
	f := r.zr.File[i]
	path := r.members[i].Path
	rc, err := f.Open()
	if err != nil {
		return nil, sevenZipError(r.kind, path, r.password, err)
	}
	return &crcReader{
		rc:       rc,
		h:        crc32.NewIEEE(),
		want:     f.CRC32,
		check:    f.UncompressedSize > 0,
		kind:     r.kind,
		path:     path,
		password: r.password,
	}, nil
}

func (r *sevenZipReader) Next() (Member, io.Reader, error) {
	if r.cur != nil {
		r.cur.Close()
		r.cur = nil
	}
	if r.next >= len(r.members) {
		return Member{}, nil, io.EOF
	}
	i := r.next
	r.next++
	m := r.members[i]

	switch m.Kind {
	case MemberDir:
		return m, nil, nil
	case MemberSymlink:
		rc, err := r.OpenMember(i)
		if err != nil {
			return m, nil, err
		}
		b, err := io.ReadAll(io.LimitReader(rc, 4096))
		rc.Close()
		if err != nil {
			return m, nil, err
		}
		m.LinkTarget = string(b)
		r.members[i] = m
		return m, nil, nil
	}

	rc, err := r.OpenMember(i)
	if err != nil {
		return m, nil, err
	}
	r.cur = rc
	return m, rc, nil
}

func (r *sevenZipReader) Close() error {
	if r.cur != nil {
		r.cur.Close()
		r.cur = nil
	}
	return nil
}

// crcReader verifies a member's CRC-32 once its body is fully read
type crcReader struct {
	rc       io.ReadCloser
	h        hash.Hash32
	want     uint32
	check    bool
	kind     FormatKind
	path     string
	password string
}

func (c *crcReader) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.h.Write(p[:n])
	if err == io.EOF {
		if c.check && c.h.Sum32() != c.want {
			return n, sevenZipError(c.kind, c.path, c.password, errCRCMismatch)
		}
		return n, io.EOF
	}
	if err != nil {
		return n, sevenZipError(c.kind, c.path, c.password, err)
	}
	return n, nil
}

func (c *crcReader) Close() error {
	return c.rc.Close()
}
