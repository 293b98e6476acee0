package arcfs

import (
	"errors"
	"fmt"
	"io"
)

// rawAdapter handles a single compressed stream with one unnamed member
type rawAdapter struct {
	algo Algorithm
}

func (a *rawAdapter) Kind() FormatKind { return SingleStreamCodec(a.algo) }

func (a *rawAdapter) Capabilities() Capabilities {
	return Capabilities{Encryption: EncryptionEnvelope, Writable: true}
}

func (a *rawAdapter) BeginCreate(w io.Writer, opts CreateOptions) (ArchiveWriter, error) {
	zw, err := a.algo.NewWriter(w, CodecOptions{Level: opts.Level, Workers: opts.Workers})
	if err != nil {
		return nil, NewCodecError(a.Kind(), "", err)
	}
	return &rawWriter{kind: a.Kind(), zw: zw}, nil
}

func (a *rawAdapter) Open(r io.Reader, opts OpenOptions) (ArchiveReader, error) {
	return &rawReader{kind: a.Kind(), src: r, name: rawMemberName(opts.Name)}, nil
}

type rawWriter struct {
	kind    FormatKind
	zw      io.WriteCloser
	written bool
}

func (w *rawWriter) AddMember(m Member, body io.Reader) error {
	if m.Kind != MemberFile {
		return fmt.Errorf("%w: %s archives cannot hold %s %q", ErrUnsupportedOperation, w.kind, m.Kind, m.Path)
	}
	if w.written {
		return fmt.Errorf("%w: %s archives hold exactly one file, got %q", ErrUnsupportedOperation, w.kind, m.Path)
	}
	w.written = true

	if _, err := io.Copy(w.zw, body); err != nil {
		if errors.Is(err, ErrIO) {
			return err
		}
		return NewCodecError(w.kind, m.Path, err)
	}
	return nil
}

func (w *rawWriter) Finish() error {
	if err := w.zw.Close(); err != nil {
		return NewCodecError(w.kind, "", err)
	}
	return nil
}

type rawReader struct {
	kind FormatKind
	src  io.Reader
	name string
	zr   io.ReadCloser
	done bool
}

func (r *rawReader) Next() (Member, io.Reader, error) {
	if r.done {
		return Member{}, nil, io.EOF
	}
	r.done = true

	zr, err := r.kind.Algo.NewReader(r.src)
	if err != nil {
		return Member{}, nil, classifyReadError(err, r.kind, r.name)
	}
	r.zr = zr

	m := Member{
		Path: r.name,
		Kind: MemberFile,
		Size: -1,
	}
	return m, &codecErrReader{r: zr, kind: r.kind, path: r.name}, nil
}

func (r *rawReader) Close() error {
	if r.zr != nil {
		return r.zr.Close()
	}
	return nil
}
