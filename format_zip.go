package arcfs

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"golang.org/x/text/encoding/charmap"
)

// dosEpoch is the earliest time a zip header can carry. Members without a
// timestamp are written with it and read back as zero.
var dosEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// zipAdapter handles zip archives. Zip encryption (ZipCrypto, WinZip AES)
// is not supported in either direction.
type zipAdapter struct{}

func (a *zipAdapter) Kind() FormatKind { return TableArchive(TableZip) }

func (a *zipAdapter) Capabilities() Capabilities {
	return Capabilities{Encryption: EncryptionNone, RandomAccess: true, Writable: true}
}

func (a *zipAdapter) BeginCreate(w io.Writer, opts CreateOptions) (ArchiveWriter, error) {
	if err := checkPassword(a, opts.Password); err != nil {
		return nil, err
	}
	level := flateLevel(opts.Level)
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})
	return &zipWriter{kind: a.Kind(), zw: zw, level: level}, nil
}

func (a *zipAdapter) Open(r io.Reader, opts OpenOptions) (ArchiveReader, error) {
	if err := checkPassword(a, opts.Password); err != nil {
		return nil, err
	}
	ra, err := readerAt(r, a.Kind())
	if err != nil {
		return nil, err
	}
	// an insecure member name comes back with a usable reader; the
	// extractor rejects those members one by one
	zr, err := zip.NewReader(ra, opts.Size)
	if zr == nil {
		return nil, NewCodecError(a.Kind(), "", err)
	}

	members := make([]Member, len(zr.File))
	for i, f := range zr.File {
		members[i] = memberFromZip(f)
	}
	return &zipReader{kind: a.Kind(), zr: zr, members: members}, nil
}

func flateLevel(level int) int {
	switch {
	case level == 0:
		return flate.DefaultCompression
	case level > flate.BestCompression:
		return flate.BestCompression
	}
	return level
}

type zipWriter struct {
	kind  FormatKind
	zw    *zip.Writer
	level int
}

func zipFileHeader(m Member) *zip.FileHeader {
	fh := &zip.FileHeader{
		Name:     m.Path,
		Method:   zip.Deflate,
		Modified: m.ModTime,
	}
	if fh.Modified.IsZero() {
		fh.Modified = dosEpoch
	}

	mode := m.Mode.Perm()
	switch m.Kind {
	case MemberDir:
		fh.Name = strings.TrimSuffix(m.Path, "/") + "/"
		fh.Method = zip.Store
		if mode == 0 {
			mode = 0o755
		}
		mode |= fs.ModeDir
	case MemberSymlink:
		fh.Method = zip.Store
		mode = fs.ModeSymlink | 0o777
	default:
		if mode == 0 {
			mode = 0o644
		}
	}
	fh.SetMode(mode)
	return fh
}

func (w *zipWriter) AddMember(m Member, body io.Reader) error {
	fh := zipFileHeader(m)
	if m.Kind == MemberFile {
		fh.UncompressedSize64 = uint64(m.Size)
	}
	dst, err := w.zw.CreateHeader(fh)
	if err != nil {
		return NewCodecError(w.kind, m.Path, err)
	}

	switch m.Kind {
	case MemberSymlink:
		_, err = io.WriteString(dst, m.LinkTarget)
	case MemberFile:
		_, err = io.Copy(dst, body)
	}
	if err != nil {
		if errors.Is(err, ErrIO) {
			return err
		}
		return NewCodecError(w.kind, m.Path, err)
	}
	return nil
}

// EncodeMember deflates one body. Bodies that do not shrink are stored.
func (w *zipWriter) EncodeMember(m Member, body []byte) (*EncodedMember, error) {
	e := &EncodedMember{Member: m}
	switch m.Kind {
	case MemberSymlink:
		body = []byte(m.LinkTarget)
	case MemberDir:
		body = nil
	}
	e.Size = int64(len(body))
	e.CRC32 = crc32.ChecksumIEEE(body)
	e.Method = zip.Store
	e.Data = body

	if m.Kind != MemberFile || len(body) == 0 {
		return e, nil
	}

	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, w.level)
	if err != nil {
		return nil, NewCodecError(w.kind, m.Path, err)
	}
	if _, err := fw.Write(body); err != nil {
		return nil, NewCodecError(w.kind, m.Path, err)
	}
	if err := fw.Close(); err != nil {
		return nil, NewCodecError(w.kind, m.Path, err)
	}
	if buf.Len() < len(body) {
		e.Method = zip.Deflate
		e.Data = buf.Bytes()
	}
	return e, nil
}

// AddEncoded writes a pre-compressed member verbatim
func (w *zipWriter) AddEncoded(e *EncodedMember) error {
	fh := zipFileHeader(e.Member)
	fh.Method = e.Method
	fh.CRC32 = e.CRC32
	fh.UncompressedSize64 = uint64(e.Size)
	fh.CompressedSize64 = uint64(len(e.Data))

	dst, err := w.zw.CreateRaw(fh)
	if err != nil {
		return NewCodecError(w.kind, e.Member.Path, err)
	}
	if _, err := dst.Write(e.Data); err != nil {
		return NewCodecError(w.kind, e.Member.Path, err)
	}
	return nil
}

func (w *zipWriter) Finish() error {
	if err := w.zw.Close(); err != nil {
		return NewCodecError(w.kind, "", err)
	}
	return nil
}

// zipName decodes legacy CP437 names written without the UTF-8 flag
func zipName(f *zip.File) string {
	if !f.NonUTF8 {
		return f.Name
	}
	name, err := charmap.CodePage437.NewDecoder().String(f.Name)
	if err != nil {
		return f.Name
	}
	return name
}

func memberFromZip(f *zip.File) Member {
	name := zipName(f)
	mode := f.Mode()
	m := Member{
		Path: strings.TrimSuffix(name, "/"),
		Mode: mode.Perm(),
		Size: int64(f.UncompressedSize64),
	}
	if f.Modified.After(dosEpoch) {
		m.ModTime = f.Modified
	}

	switch {
	case mode&fs.ModeDir != 0 || strings.HasSuffix(name, "/"):
		m.Kind = MemberDir
		m.Size = 0
	case mode&fs.ModeSymlink != 0:
		m.Kind = MemberSymlink
	default:
		m.Kind = MemberFile
	}
	return m
}

type zipReader struct {
	kind    FormatKind
	zr      *zip.Reader
	members []Member
	next    int
	cur     io.ReadCloser
}

func (r *zipReader) Members() []Member { return r.members }

func (r *zipReader) OpenMember(i int) (io.ReadCloser, error) {
	if i < 0 || i >= len(r.zr.File) {
		return nil, fmt.Errorf("member index %d out of range", i)
	}
	f := r.zr.File[i]
	path := r.members[i].Path
	if f.Flags&0x1 != 0 {
		return nil, fmt.Errorf("%w: %s is zip-encrypted", ErrEncryptionUnsupported, path)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, NewCodecError(r.kind, path, err)
	}
	return &readCloser{Reader: &codecErrReader{r: rc, kind: r.kind, path: path}, Closer: rc}, nil
}

// Next resolves symlink targets from their bodies so that Member is
// complete; file bodies are returned lazily.
func (r *zipReader) Next() (Member, io.Reader, error) {
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
		target, err := r.readLink(i)
		if err != nil {
			return m, nil, err
		}
		m.LinkTarget = target
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

func (r *zipReader) readLink(i int) (string, error) {
	rc, err := r.OpenMember(i)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *zipReader) Close() error {
	if r.cur != nil {
		r.cur.Close()
		r.cur = nil
	}
	return nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
