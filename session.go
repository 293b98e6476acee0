package arcfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"iter"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"
)

const (
	// inlineLimit is the largest body a worker reads ahead for streaming
	// formats; bigger files are streamed by the writer
	inlineLimit = 1 << 20

	// encodeLimit is the largest body a worker compresses into memory for
	// table formats
	encodeLimit = 64 << 20
)

// Archiver runs archive operations against a filesystem
type Archiver struct {
	fs  absfs.FileSystem
	log zerolog.Logger
}

// New creates an Archiver over fsys. All source, destination and archive
// paths are resolved in fsys.
func New(fsys absfs.FileSystem, config *Config) (*Archiver, error) {
	if fsys == nil {
		return nil, fmt.Errorf("filesystem cannot be nil")
	}
	logger := log.Logger
	if config != nil && config.Logger != nil {
		logger = *config.Logger
	}
	return &Archiver{fs: fsys, log: logger}, nil
}

// session is the per-operation state. It is never shared across
// operations.
type session struct {
	id      string
	fs      absfs.FileSystem
	log     zerolog.Logger
	kind    FormatKind
	adapter Adapter
	ec      *EncryptionContext
	dr      *DecryptingReader
	filter  *Filter
	par     ParallelConfig
}

func (a *Archiver) newSession(op string, par ParallelConfig) *session {
	id := uuid.NewString()
	return &session{
		id:  id,
		fs:  a.fs,
		log: a.log.With().Str("session", id).Str("op", op).Logger(),
		par: par,
	}
}

// close zeroes key material. It runs on every exit path.
func (s *session) close() {
	s.ec.Destroy()
	s.ec = nil
}

// decryptErr prefers an authentication failure recorded by the envelope
// reader over whatever the codec above it made of the short read
func (s *session) decryptErr(err error) error {
	if err == nil || s.dr == nil || errors.Is(err, ErrDecryptionFailed) {
		return err
	}
	if derr := s.dr.Err(); errors.Is(derr, ErrDecryptionFailed) {
		return derr
	}
	return err
}

// endOfStream reads the envelope to its end once the codec is done with
// it, so the final chunk is authenticated even when it carries nothing but
// codec trailer bytes
func (s *session) endOfStream() error {
	if s.dr == nil {
		return nil
	}
	if _, err := io.Copy(io.Discard, s.dr); err != nil {
		return err
	}
	return nil
}

// Compress writes sources into a new archive at dest
func (a *Archiver) Compress(ctx context.Context, sources []string, dest string, opts CompressOptions) (Stats, error) {
	if err := ValidateFilePath(dest); err != nil {
		return Stats{}, err
	}
	if err := opts.Validate(); err != nil {
		return Stats{}, err
	}

	s := a.newSession("compress", opts.Parallel)
	defer s.close()

	filter, err := NewFilter(opts.Filter, opts.Metadata)
	if err != nil {
		return Stats{}, err
	}
	s.filter = filter

	roots, err := resolveSources(s.fs, sources, opts.Root)
	if err != nil {
		return Stats{}, err
	}

	s.kind = opts.Format
	if s.kind.IsZero() {
		single := len(roots) == 1 && roots[0].info.Mode().IsRegular()
		if s.kind, err = DetectForCreate(dest, single); err != nil {
			return Stats{}, err
		}
	}
	if err := ValidateLevel(s.kind, opts.Level); err != nil {
		return Stats{}, err
	}
	if s.adapter, err = AdapterFor(s.kind); err != nil {
		return Stats{}, err
	}
	caps := s.adapter.Capabilities()
	if !caps.Writable {
		return Stats{}, fmt.Errorf("%w: cannot create %s archives", ErrUnsupportedOperation, s.kind)
	}

	level := opts.Level
	if level == 0 && s.kind.Algo == AlgoZstd {
		level = DefaultLevel
	}

	var nativePassword string
	if opts.Password != "" {
		switch caps.Encryption {
		case EncryptionNone:
			return Stats{}, fmt.Errorf("%w: %s", ErrEncryptionUnsupported, s.kind)
		case EncryptionEnvelope:
			if s.ec, err = NewEncryptionContext([]byte(opts.Password), s.kind, opts.Encryption); err != nil {
				return Stats{}, err
			}
		case EncryptionNative:
			nativePassword = opts.Password
		}
	}

	out, err := createAtomic(s.fs, dest, 0o644, opts.Overwrite)
	if err != nil {
		return Stats{}, err
	}
	defer out.Abort()

	var w io.Writer = &ioErrWriter{w: out.File(), path: dest}
	var ew *EncryptingWriter
	if s.ec != nil {
		if ew, err = NewEncryptingWriter(w, s.ec); err != nil {
			return Stats{}, err
		}
		w = ew
	} else if s.kind.Table == TableSevenZip {
		// the 7z writer patches its signature header in place
		w = out.File()
	}

	aw, err := s.adapter.BeginCreate(w, CreateOptions{
		Name:     dest,
		Password: nativePassword,
		Level:    level,
		Workers:  s.par.workers(),
	})
	if err != nil {
		return Stats{}, err
	}

	wk := &walker{
		fsys:               s.fs,
		filter:             s.filter,
		log:                s.log,
		followSymlinks:     opts.FollowSymlinks,
		allowSymlinkEscape: opts.AllowSymlinkEscape,
	}
	stats, err := s.compress(ctx, wk, roots, aw)
	if err != nil {
		s.log.Debug().Err(err).Msg("compress aborted")
		return stats, err
	}
	if err := aw.Finish(); err != nil {
		return stats, err
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
		Str("format", s.kind.String()).
		Bool("encrypted", opts.Password != "").
		Int("files", stats.Files).
		Int64("bytes_in", stats.BytesIn).
		Int64("bytes_out", stats.BytesOut).
		Int("skipped", stats.Skipped).
		Int("redacted", stats.Redacted).
		Msg("archive created")
	return stats, nil
}

// prepared is a member ready for the writer
type prepared struct {
	member  Member
	redact  bool
	body    []byte
	inline  bool
	encoded *EncodedMember
}

// compress runs the walk through the worker pool into the single writer
func (s *session) compress(ctx context.Context, wk *walker, roots []sourceRoot, aw ArchiveWriter) (Stats, error) {
	var stats Stats
	encoder, _ := aw.(MemberEncoder)
	redacting := s.filter.Rules().Redact

	produce := func(ctx context.Context, emit func(walkEntry) error) error {
		return wk.walk(ctx, roots, emit)
	}

	work := func(ctx context.Context, e walkEntry) (prepared, error) {
		p := prepared{member: s.filter.RedactMetadata(e.member), redact: e.redact}
		if p.redact {
			return p, nil
		}
		m := &p.member

		if m.Kind == MemberFile {
			limit := int64(inlineLimit)
			if encoder != nil {
				limit = encodeLimit
			}
			if m.Size <= limit {
				body, err := readSource(s.fs, e.src, m.Size)
				if err != nil {
					return p, err
				}
				p.body, p.inline = body, true
				m.Size = int64(len(body))
				if redacting && s.filter.IsSecretContent(body) {
					p.redact = true
					return p, nil
				}
			} else if redacting {
				head, err := readHead(s.fs, e.src, secretSniffSize)
				if err != nil {
					return p, err
				}
				if s.filter.IsSecretContent(head) {
					p.redact = true
					return p, nil
				}
			}
		}

		if encoder != nil && (m.Kind != MemberFile || p.inline) {
			enc, err := encoder.EncodeMember(*m, p.body)
			if err != nil {
				return p, &MemberError{Path: m.Path, Err: err}
			}
			p.encoded = enc
			p.body = nil
		}
		return p, nil
	}

	sink := func(e walkEntry, p prepared, err error) error {
		if err != nil {
			return err
		}
		m := p.member
		if p.redact {
			stats.Redacted++
			stats.RedactedPaths = append(stats.RedactedPaths, m.Path)
			s.log.Warn().Str("path", m.Path).Msg("redacted")
			return nil
		}

		switch {
		case p.encoded != nil:
			err = encoder.AddEncoded(p.encoded)
		case m.Kind != MemberFile:
			err = aw.AddMember(m, nil)
		case p.inline:
			err = aw.AddMember(m, bytes.NewReader(p.body))
		default:
			err = s.addStreamed(aw, e.src, m)
		}
		if err != nil {
			return &MemberError{Path: m.Path, Err: err}
		}

		stats.Files++
		stats.BytesIn += m.Size
		s.log.Debug().Str("member", m.Path).Str("kind", m.Kind.String()).Int64("size", m.Size).Msg("added")
		return nil
	}

	err := runOrdered(ctx, s.par, produce, work, sink)
	stats.Skipped = wk.skipped
	return stats, err
}

// addStreamed copies a large source file straight into the writer
func (s *session) addStreamed(aw ArchiveWriter, src string, m Member) error {
	f, err := s.fs.Open(src)
	if err != nil {
		return NewIOError("open", src, err)
	}
	defer f.Close()
	return aw.AddMember(m, &ioErrReader{r: f, path: src})
}

// readSource reads a whole source file expected to hold size bytes
func readSource(fsys absfs.FileSystem, name string, size int64) ([]byte, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, NewIOError("open", name, err)
	}
	defer f.Close()

	buf := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := io.Copy(buf, io.LimitReader(f, size)); err != nil {
		return nil, NewIOError("read", name, err)
	}
	if int64(buf.Len()) != size {
		return nil, NewIOError("read", name, fmt.Errorf("file shrank while reading: %w", io.ErrUnexpectedEOF))
	}
	return buf.Bytes(), nil
}

func readHead(fsys absfs.FileSystem, name string, n int) ([]byte, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, NewIOError("open", name, err)
	}
	defer f.Close()
	head := make([]byte, n)
	k, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, NewIOError("read", name, err)
	}
	return head[:k], nil
}

// ioErrReader tags source read failures as IOError
type ioErrReader struct {
	r    io.Reader
	path string
}

func (r *ioErrReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		err = NewIOError("read", r.path, err)
	}
	return n, err
}

// openedArchive is an archive opened for reading
type openedArchive struct {
	f    absfs.File
	ar   ArchiveReader
	size int64
}

func (o *openedArchive) Close() error {
	o.ar.Close()
	return o.f.Close()
}

// open detects the archive kind, unwraps the envelope when present and
// hands the payload to the adapter
func (s *session) open(name, password string) (*openedArchive, error) {
	if err := ValidateFilePath(name); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(name)
	if err != nil {
		return nil, NewIOError("open", name, err)
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, NewIOError("stat", name, err)
	}
	header, err := sniff(f, name)
	if err != nil {
		return nil, err
	}

	if s.kind, err = Detect(header, name); err != nil {
		return nil, err
	}
	if s.adapter, err = AdapterFor(s.kind); err != nil {
		return nil, err
	}

	var src io.Reader = &ioErrReader{r: f, path: name}
	openPassword := ""
	switch {
	case IsEnvelope(header):
		if src, err = s.openPayload(f, name, header, password); err != nil {
			return nil, err
		}

	case password != "":
		switch s.adapter.Capabilities().Encryption {
		case EncryptionNone:
			return nil, fmt.Errorf("%w: %s", ErrEncryptionUnsupported, s.kind)
		case EncryptionEnvelope:
			s.log.Warn().Str("archive", name).Msg("archive is not encrypted; ignoring password")
		case EncryptionNative:
			openPassword = password
		}
	}

	if s.kind.Family == FamilyTable {
		// table readers need random access to the raw file
		src = sharedReaderAt(f)
	}
	ar, err := s.adapter.Open(src, OpenOptions{Name: name, Password: openPassword, Size: info.Size()})
	if err != nil {
		return nil, s.decryptErr(err)
	}
	ok = true
	s.log.Debug().Str("archive", name).Str("format", s.kind.String()).Bool("envelope", s.ec != nil).Msg("opened")
	return &openedArchive{f: f, ar: ar, size: info.Size()}, nil
}

// sniff reads the detection window and rewinds f
func sniff(f absfs.File, name string) ([]byte, error) {
	header := make([]byte, SniffSize)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, NewIOError("read", name, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, NewIOError("seek", name, err)
	}
	return header[:n], nil
}

// Extract materializes an archive under destRoot
func (a *Archiver) Extract(ctx context.Context, archive, destRoot string, opts ExtractOptions) (Stats, error) {
	if err := opts.Validate(); err != nil {
		return Stats{}, err
	}
	if err := ValidateFilePath(destRoot); err != nil {
		return Stats{}, err
	}
	keep, err := NewFilter(opts.Filter, DefaultMetadataPolicy())
	if err != nil {
		return Stats{}, err
	}

	s := a.newSession("extract", opts.Parallel)
	defer s.close()

	oa, err := s.open(archive, opts.Password)
	if err != nil {
		return Stats{}, err
	}
	defer oa.Close()

	if err := s.fs.MkdirAll(destRoot, 0o755); err != nil {
		return Stats{}, NewIOError("mkdir", destRoot, err)
	}

	x := &extractor{
		fsys: s.fs,
		kind: s.kind,
		dest: destRoot,
		opts: opts,
		keep: keep,
		log:  s.log,
	}
	if ra, ok := oa.ar.(RandomAccessReader); ok {
		err = x.extractTable(ctx, ra, s.par)
	} else {
		if err = x.extractStream(ctx, oa.ar); err == nil {
			err = s.endOfStream()
		}
		err = s.decryptErr(err)
	}

	// links and directory metadata are applied even after member failures
	// so the partial tree is consistent
	if ferr := x.finish(); err == nil {
		err = ferr
	}
	x.stats.BytesIn = oa.size
	if err != nil {
		s.log.Debug().Err(err).Int("files", x.stats.Files).Msg("extract incomplete")
		return x.stats, err
	}

	s.log.Info().
		Str("format", s.kind.String()).
		Int("files", x.stats.Files).
		Int64("bytes_out", x.stats.BytesOut).
		Msg("archive extracted")
	return x.stats, nil
}

// List returns the members of an archive in archive order. The archive is
// opened when iteration starts and closed when it stops; bodies of table
// archives are never decoded, so symlink targets of zip and 7z members may
// be empty.
func (a *Archiver) List(ctx context.Context, archive string, opts ListOptions) iter.Seq2[Member, error] {
	return func(yield func(Member, error) bool) {
		s := a.newSession("list", ParallelConfig{})
		defer s.close()

		oa, err := s.open(archive, opts.Password)
		if err != nil {
			yield(Member{}, err)
			return
		}
		defer oa.Close()

		if ra, ok := oa.ar.(RandomAccessReader); ok {
			for _, m := range ra.Members() {
				if err := ctx.Err(); err != nil {
					yield(Member{}, err)
					return
				}
				if !yield(m, nil) {
					return
				}
			}
			return
		}

		for {
			if err := ctx.Err(); err != nil {
				yield(Member{}, err)
				return
			}
			m, _, err := oa.ar.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Member{}, s.decryptErr(err))
				return
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}

// ListAll collects List into a slice
func (a *Archiver) ListAll(ctx context.Context, archive string, opts ListOptions) ([]Member, error) {
	var members []Member
	for m, err := range a.List(ctx, archive, opts) {
		if err != nil {
			return members, err
		}
		members = append(members, m)
	}
	return members, nil
}

// memberDigest is one verified member
type memberDigest struct {
	sum   []byte
	bytes int64
}

// Test decodes every member without touching the filesystem. Streaming
// formats stop at the first failure; table formats check every member and
// return all failures as *MemberErrors.
func (a *Archiver) Test(ctx context.Context, archive string, opts TestOptions) (TestStats, error) {
	if err := opts.Parallel.Validate(); err != nil {
		return TestStats{}, fmt.Errorf("invalid parallel config: %w", err)
	}
	s := a.newSession("test", opts.Parallel)
	defer s.close()

	oa, err := s.open(archive, opts.Password)
	if err != nil {
		return TestStats{}, err
	}
	defer oa.Close()

	digest, _ := blake2b.New256(nil)
	var stats TestStats
	record := func(m Member, d memberDigest) {
		writeMemberDigest(digest, m, d.sum)
		stats.FilesChecked++
		stats.BytesChecked += d.bytes
		s.log.Debug().Str("member", m.Path).Int64("bytes", d.bytes).Msg("verified")
	}

	if ra, ok := oa.ar.(RandomAccessReader); ok {
		err = s.testTable(ctx, ra, record)
	} else {
		if err = s.testStream(ctx, oa.ar, record); err == nil {
			err = s.endOfStream()
		}
		err = s.decryptErr(err)
	}
	if err != nil {
		s.log.Debug().Err(err).Int("checked", stats.FilesChecked).Msg("test failed")
		return stats, err
	}
	stats.Digest = digest.Sum(nil)

	s.log.Info().
		Str("format", s.kind.String()).
		Int("files", stats.FilesChecked).
		Int64("bytes", stats.BytesChecked).
		Msg("archive verified")
	return stats, nil
}

func (s *session) testStream(ctx context.Context, ar ArchiveReader, record func(Member, memberDigest)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, body, err := ar.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if m.Kind == MemberSymlink {
			body = bytes.NewReader([]byte(m.LinkTarget))
		}
		d, err := hashBody(body)
		if err != nil {
			return &MemberError{Path: m.Path, Err: err}
		}
		record(m, d)
	}
}

func (s *session) testTable(ctx context.Context, ra RandomAccessReader, record func(Member, memberDigest)) error {
	members := ra.Members()
	produce := func(ctx context.Context, emit func(int) error) error {
		for i := range members {
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	}
	work := func(ctx context.Context, i int) (memberDigest, error) {
		if members[i].Kind == MemberDir {
			return hashBody(nil)
		}
		rc, err := ra.OpenMember(i)
		if err != nil {
			return memberDigest{}, err
		}
		defer rc.Close()
		return hashBody(rc)
	}

	errs := &MemberErrors{}
	sink := func(i int, d memberDigest, err error) error {
		if err != nil {
			s.log.Warn().Err(err).Str("member", members[i].Path).Msg("verification failed")
			errs.add(members[i].Path, err)
			return nil
		}
		record(members[i], d)
		return nil
	}

	if err := runOrdered(ctx, s.par, produce, work, sink); err != nil {
		return err
	}
	return errs.errOrNil()
}

// hashBody fully decodes a body into a BLAKE2b-256 sum
func hashBody(body io.Reader) (memberDigest, error) {
	h, _ := blake2b.New256(nil)
	var n int64
	if body != nil {
		var err error
		if n, err = io.Copy(h, body); err != nil {
			return memberDigest{}, err
		}
	}
	return memberDigest{sum: h.Sum(nil), bytes: n}, nil
}

// writeMemberDigest folds one member into the archive digest
func writeMemberDigest(h hash.Hash, m Member, sum []byte) {
	h.Write([]byte(m.Path))
	h.Write([]byte{0, byte(m.Kind)})
	h.Write(sum)
}
