package arcfs

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/absfs/absfs"
)

// EncryptionMode describes how an adapter handles a password
type EncryptionMode uint8

const (
	// EncryptionNone rejects passwords with ErrEncryptionUnsupported
	EncryptionNone EncryptionMode = iota
	// EncryptionEnvelope wraps the whole stream in the arcfs envelope
	EncryptionEnvelope
	// EncryptionNative uses the container's own encryption
	EncryptionNative
)

// Capabilities describe what an adapter can do
type Capabilities struct {
	Encryption EncryptionMode

	// RandomAccess adapters open members independently, so extract and test
	// can decode them in parallel
	RandomAccess bool

	// Writable is false for read-only formats
	Writable bool
}

// SupportsEncryption reports whether a password is accepted at all
func (c Capabilities) SupportsEncryption() bool {
	return c.Encryption != EncryptionNone
}

// CreateOptions configure an archive writer
type CreateOptions struct {
	// Name is the archive file name, used by formats that derive names
	// from it
	Name string

	// Password enables native encryption. Envelope encryption is applied
	// by the session outside the adapter and never reaches it.
	Password string

	Level   int
	Workers int
}

// OpenOptions configure an archive reader
type OpenOptions struct {
	Name     string
	Password string

	// Size is the archive length in bytes; required by table formats
	Size int64
}

// Adapter drives one FormatKind through the common operation set
type Adapter interface {
	Kind() FormatKind
	Capabilities() Capabilities

	// BeginCreate starts writing a new archive to w
	BeginCreate(w io.Writer, opts CreateOptions) (ArchiveWriter, error)

	// Open starts reading an archive. Table adapters require r to also
	// implement io.ReaderAt.
	Open(r io.Reader, opts OpenOptions) (ArchiveReader, error)
}

// ArchiveWriter receives members in archive order from a single goroutine
type ArchiveWriter interface {
	// AddMember streams one member. body is nil for directories and
	// symlinks and holds exactly m.Size bytes for files.
	AddMember(m Member, body io.Reader) error

	// Finish flushes codec state and writes any central index. It does
	// not close the underlying writer.
	Finish() error
}

// EncodedMember is a member body already compressed (and possibly
// encrypted) off the writer goroutine
type EncodedMember struct {
	Member Member
	Data   []byte
	CRC32  uint32
	Size   int64
	Method uint16
	aux    any
}

// MemberEncoder is implemented by writers of table formats, where every
// member is compressed independently. EncodeMember must be safe for
// concurrent use; AddEncoded is called in archive order from the writer
// goroutine.
type MemberEncoder interface {
	EncodeMember(m Member, body []byte) (*EncodedMember, error)
	AddEncoded(e *EncodedMember) error
}

// ArchiveReader yields members in archive order
type ArchiveReader interface {
	// Next advances to the next member. The returned body is valid until
	// the following call to Next and is nil for non-files. io.EOF marks the
	// end of the archive.
	Next() (Member, io.Reader, error)

	Close() error
}

// RandomAccessReader is implemented by readers of table formats
type RandomAccessReader interface {
	ArchiveReader

	// Members returns the central index without decoding any body
	Members() []Member

	// OpenMember opens the body of Members()[i]. It is safe for concurrent
	// use.
	OpenMember(i int) (io.ReadCloser, error)
}

// AdapterFor returns the adapter for a kind
func AdapterFor(kind FormatKind) (Adapter, error) {
	switch kind.Family {
	case FamilySingleStream:
		if kind.Algo == AlgoNone {
			break
		}
		return &rawAdapter{algo: kind.Algo}, nil
	case FamilyTar:
		return &tarAdapter{algo: kind.Algo}, nil
	case FamilyTable:
		switch kind.Table {
		case TableZip:
			return &zipAdapter{}, nil
		case TableSevenZip:
			return &sevenZipAdapter{}, nil
		case TableRar:
			return &rarAdapter{}, nil
		}
	}
	return nil, &FormatError{Name: kind.String(), Message: "no adapter for format", Err: ErrUnknownFormat}
}

// checkPassword fails fast when a password is given to a format that cannot
// use it
func checkPassword(a Adapter, password string) error {
	if password != "" && !a.Capabilities().SupportsEncryption() {
		return fmt.Errorf("%w: %s", ErrEncryptionUnsupported, a.Kind())
	}
	return nil
}

// readerAt asserts the random access half of a table archive source
func readerAt(r io.Reader, kind FormatKind) (io.ReaderAt, error) {
	ra, ok := r.(io.ReaderAt)
	if !ok {
		return nil, NewCodecError(kind, "", fmt.Errorf("%s requires a seekable source", kind))
	}
	return ra, nil
}

// sharedReaderAt prepares an archive file for table readers, whose workers
// call ReadAt concurrently. *os.File reads with pread; other files, memfs
// among them, move a shared offset inside ReadAt and are serialized.
func sharedReaderAt(f absfs.File) io.Reader {
	if _, ok := f.(*os.File); ok {
		return f
	}
	return &lockedFile{f: f}
}

type lockedFile struct {
	mu sync.Mutex
	f  absfs.File
}

func (l *lockedFile) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Read(p)
}

func (l *lockedFile) ReadAt(p []byte, off int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.ReadAt(p, off)
}
