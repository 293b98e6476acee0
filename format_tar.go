package arcfs

import (
	"archive/tar"
	"errors"
	"io"
	"io/fs"
	"strings"
	"time"
)

// paxXattrPrefix is the PAX record namespace GNU tar and bsdtar use for
// extended attributes
const paxXattrPrefix = "SCHILY.xattr."

// tarAdapter handles tar streams wrapped in a streaming codec
type tarAdapter struct {
	algo Algorithm
}

func (a *tarAdapter) Kind() FormatKind { return TarContainer(a.algo) }

func (a *tarAdapter) Capabilities() Capabilities {
	return Capabilities{Encryption: EncryptionEnvelope, Writable: true}
}

func (a *tarAdapter) BeginCreate(w io.Writer, opts CreateOptions) (ArchiveWriter, error) {
	zw, err := a.algo.NewWriter(w, CodecOptions{Level: opts.Level, Workers: opts.Workers})
	if err != nil {
		return nil, NewCodecError(a.Kind(), "", err)
	}
	return &tarWriter{kind: a.Kind(), zw: zw, tw: tar.NewWriter(zw)}, nil
}

func (a *tarAdapter) Open(r io.Reader, opts OpenOptions) (ArchiveReader, error) {
	zr, err := a.algo.NewReader(r)
	if err != nil {
		return nil, classifyReadError(err, a.Kind(), "")
	}
	src := &codecErrReader{r: zr, kind: a.Kind()}
	return &tarReader{kind: a.Kind(), zr: zr, src: src, tr: tar.NewReader(src)}, nil
}

type tarWriter struct {
	kind FormatKind
	zw   io.WriteCloser
	tw   *tar.Writer
}

func (w *tarWriter) AddMember(m Member, body io.Reader) error {
	hdr := tarHeader(m)
	if err := w.tw.WriteHeader(hdr); err != nil {
		return NewCodecError(w.kind, m.Path, err)
	}
	if m.Kind != MemberFile || m.Size == 0 {
		return nil
	}
	n, err := io.Copy(w.tw, body)
	if err != nil {
		if errors.Is(err, ErrIO) {
			return err
		}
		return NewCodecError(w.kind, m.Path, err)
	}
	if n != m.Size {
		return NewIOError("read", m.Path, io.ErrUnexpectedEOF)
	}
	return nil
}

func (w *tarWriter) Finish() error {
	if err := w.tw.Close(); err != nil {
		return NewCodecError(w.kind, "", err)
	}
	if err := w.zw.Close(); err != nil {
		return NewCodecError(w.kind, "", err)
	}
	return nil
}

// tarHeader converts a member into a PAX header
func tarHeader(m Member) *tar.Header {
	hdr := &tar.Header{
		Name:    m.Path,
		Mode:    int64(m.Mode.Perm()),
		Uid:     m.UID,
		Gid:     m.GID,
		Uname:   m.Uname,
		Gname:   m.Gname,
		ModTime: m.ModTime,
		Format:  tar.FormatPAX,
	}
	if hdr.ModTime.IsZero() {
		hdr.ModTime = time.Unix(0, 0)
	}

	switch m.Kind {
	case MemberDir:
		hdr.Typeflag = tar.TypeDir
		hdr.Name = strings.TrimSuffix(m.Path, "/") + "/"
	case MemberSymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = m.LinkTarget
	default:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = m.Size
	}

	if len(m.Xattrs) > 0 {
		hdr.PAXRecords = make(map[string]string, len(m.Xattrs))
		for k, v := range m.Xattrs {
			hdr.PAXRecords[paxXattrPrefix+k] = string(v)
		}
	}
	return hdr
}

type tarReader struct {
	kind FormatKind
	zr   io.ReadCloser
	src  io.Reader
	tr   *tar.Reader
}

func (r *tarReader) Next() (Member, io.Reader, error) {
	for {
		hdr, err := r.tr.Next()
		if err == io.EOF {
			// the codec trailer (gzip CRC, zstd checksum) follows the end
			// of archive blocks
			if _, err := io.Copy(io.Discard, r.src); err != nil {
				return Member{}, nil, err
			}
			return Member{}, nil, io.EOF
		}
		// unsafe names are rejected by the extractor with a clearer error
		if err != nil && !(errors.Is(err, tar.ErrInsecurePath) && hdr != nil) {
			return Member{}, nil, classifyReadError(err, r.kind, "")
		}

		m, ok := memberFromTar(hdr)
		if !ok {
			// devices, fifos and hard links are not materialized
			continue
		}
		if m.Kind != MemberFile {
			return m, nil, nil
		}
		return m, &codecErrReader{r: r.tr, kind: r.kind, path: m.Path}, nil
	}
}

func (r *tarReader) Close() error {
	return r.zr.Close()
}

func memberFromTar(hdr *tar.Header) (Member, bool) {
	m := Member{
		Path:  strings.TrimSuffix(hdr.Name, "/"),
		Mode:  fs.FileMode(hdr.Mode).Perm(),
		UID:   hdr.Uid,
		GID:   hdr.Gid,
		Uname: hdr.Uname,
		Gname: hdr.Gname,
	}
	if hdr.ModTime.Unix() != 0 {
		m.ModTime = hdr.ModTime
	}

	switch hdr.Typeflag {
	case tar.TypeReg:
		m.Kind = MemberFile
		m.Size = hdr.Size
	case tar.TypeDir:
		m.Kind = MemberDir
	case tar.TypeSymlink:
		m.Kind = MemberSymlink
		m.LinkTarget = hdr.Linkname
	default:
		return Member{}, false
	}

	for k, v := range hdr.PAXRecords {
		if name, ok := strings.CutPrefix(k, paxXattrPrefix); ok {
			if m.Xattrs == nil {
				m.Xattrs = make(map[string][]byte)
			}
			m.Xattrs[name] = []byte(v)
		}
	}
	return m, true
}
