package arcfs

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"time"

	"github.com/ulikunitz/xz/lzma"
	"golang.org/x/text/encoding/unicode"
)

// 7z property ids
const (
	szEnd              = 0x00
	szHeader           = 0x01
	szMainStreamsInfo  = 0x04
	szFilesInfo        = 0x05
	szPackInfo         = 0x06
	szUnpackInfo       = 0x07
	szSubStreamsInfo   = 0x08
	szSize             = 0x09
	szCRC              = 0x0A
	szIDFolder         = 0x0B
	szCodersUnpackSize = 0x0C
	szEmptyStream      = 0x0E
	szEmptyFile        = 0x0F
	szName             = 0x11
	szMTime            = 0x14
	szWinAttributes    = 0x15

	szSignatureHeaderSize = 32

	// szAESCycles is log2 of the SHA-256 rounds in the 7zAES key schedule,
	// the value 7-Zip itself writes
	szAESCycles = 19

	// FILETIME of the Unix epoch
	szEpochFiletime = 116444736000000000

	szAttrDirectory     = 0x10
	szAttrUnixExtension = 0x8000
)

var (
	szMethodLZMA2 = []byte{0x21}
	szMethodAES   = []byte{0x06, 0xF1, 0x07, 0x01}
	utf16le       = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
)

// szEntry is one file record in the header
type szEntry struct {
	name      string
	kind      MemberKind
	mode      fs.FileMode
	modTime   time.Time
	hasStream bool
}

// szFolder describes one coder chain. The archive is not solid: every member
// with data gets its own folder, so members decode independently.
type szFolder struct {
	packSize   uint64 // bytes on disk (padded when encrypted)
	codedSize  uint64 // LZMA2 stream length
	unpackSize uint64
	crc        uint32
	aesProps   []byte
}

// sevenZipWriter writes 7z archives with LZMA2 folders and optional 7zAES
// encryption. It needs a seekable destination to patch the signature header
// once the header location is known.
type sevenZipWriter struct {
	w        io.WriteSeeker
	kind     FormatKind
	dictCap  int
	dictProp byte
	key      []byte
	salt     []byte
	entries  []szEntry
	folders  []szFolder
	packed   uint64
}

func newSevenZipWriter(w io.Writer, opts CreateOptions) (*sevenZipWriter, error) {
	kind := TableArchive(TableSevenZip)
	ws, ok := w.(io.WriteSeeker)
	if !ok {
		return nil, NewCodecError(kind, "", errors.New("7z output must be seekable"))
	}

	sw := &sevenZipWriter{
		w:       ws,
		kind:    kind,
		dictCap: xzDictCap(opts.Level),
	}
	sw.dictProp = lzma2DictProp(sw.dictCap)

	if opts.Password != "" {
		sw.salt = make([]byte, 16)
		if _, err := rand.Read(sw.salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		key, err := sevenZipKey(opts.Password, sw.salt, szAESCycles)
		if err != nil {
			return nil, err
		}
		sw.key = key
	}

	// placeholder, rewritten by Finish
	if _, err := ws.Write(make([]byte, szSignatureHeaderSize)); err != nil {
		return nil, NewIOError("write", "", err)
	}
	return sw, nil
}

// lzma2DictProp encodes a dictionary size as the LZMA2 property byte,
// rounding up to the next representable size
func lzma2DictProp(dictCap int) byte {
	for p := 0; p < 40; p++ {
		if (2|(p&1))<<(p/2+11) >= dictCap {
			return byte(p)
		}
	}
	return 40
}

// sevenZipKey derives the 7zAES key: SHA-256 over 2^cycles repetitions of
// salt, UTF-16LE password and a little endian round counter
func sevenZipKey(password string, salt []byte, cycles int) ([]byte, error) {
	pw, err := utf16le.NewEncoder().Bytes([]byte(password))
	if err != nil {
		return nil, fmt.Errorf("failed to encode password: %w", err)
	}
	seed := make([]byte, 0, len(salt)+len(pw))
	seed = append(seed, salt...)
	seed = append(seed, pw...)

	h := sha256.New()
	var ctr [8]byte
	for i := uint64(0); i < 1<<cycles; i++ {
		h.Write(seed)
		binary.LittleEndian.PutUint64(ctr[:], i)
		h.Write(ctr[:])
	}
	clear(seed)
	return h.Sum(nil), nil
}

// aesProps builds the 7zAES coder properties for a 16-byte salt and IV
func aesProps(salt, iv []byte) []byte {
	p := make([]byte, 2, 2+len(salt)+len(iv))
	p[0] = szAESCycles | 0x40 | 0x80
	p[1] = byte((len(salt)-1)<<4 | (len(iv) - 1))
	p = append(p, salt...)
	return append(p, iv...)
}

// encodeFolder compresses body into dst as one folder
func (sw *sevenZipWriter) encodeFolder(dst io.Writer, body io.Reader) (*szFolder, error) {
	packed := &countWriter{w: dst}
	var sink io.Writer = packed
	var cbc *cbcWriter
	var props []byte

	if sw.key != nil {
		iv := make([]byte, aes.BlockSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, fmt.Errorf("failed to generate iv: %w", err)
		}
		block, err := aes.NewCipher(sw.key)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}
		cbc = &cbcWriter{w: packed, mode: cipher.NewCBCEncrypter(block, iv)}
		sink = cbc
		props = aesProps(sw.salt, iv)
	}

	coded := &countWriter{w: sink}
	lw, err := lzma.Writer2Config{DictCap: sw.dictCap}.NewWriter2(coded)
	if err != nil {
		return nil, fmt.Errorf("failed to create lzma2 writer: %w", err)
	}

	h := crc32.NewIEEE()
	n, err := io.Copy(lw, io.TeeReader(body, h))
	if err != nil {
		return nil, err
	}
	if err := lw.Close(); err != nil {
		return nil, err
	}
	if cbc != nil {
		if err := cbc.Close(); err != nil {
			return nil, err
		}
	}

	return &szFolder{
		packSize:   uint64(packed.n),
		codedSize:  uint64(coded.n),
		unpackSize: uint64(n),
		crc:        h.Sum32(),
		aesProps:   props,
	}, nil
}

func entryFor(m Member) szEntry {
	return szEntry{
		name:    m.Path,
		kind:    m.Kind,
		mode:    m.Mode.Perm(),
		modTime: m.ModTime,
	}
}

// streamBody returns the bytes stored for a member: the file data, the link
// target for symlinks, nothing for directories
func streamBody(m Member, body io.Reader) (io.Reader, bool) {
	switch m.Kind {
	case MemberSymlink:
		return bytes.NewReader([]byte(m.LinkTarget)), m.LinkTarget != ""
	case MemberFile:
		return body, m.Size > 0
	}
	return nil, false
}

func (sw *sevenZipWriter) AddMember(m Member, body io.Reader) error {
	e := entryFor(m)
	r, hasData := streamBody(m, body)
	if hasData {
		f, err := sw.encodeFolder(sw.w, r)
		if err != nil {
			if errors.Is(err, ErrIO) {
				return err
			}
			return NewCodecError(sw.kind, m.Path, err)
		}
		if m.Kind == MemberFile && int64(f.unpackSize) != m.Size {
			return NewIOError("read", m.Path, io.ErrUnexpectedEOF)
		}
		e.hasStream = true
		sw.folders = append(sw.folders, *f)
		sw.packed += f.packSize
	}
	sw.entries = append(sw.entries, e)
	return nil
}

// EncodeMember compresses (and encrypts) one member into memory
func (sw *sevenZipWriter) EncodeMember(m Member, body []byte) (*EncodedMember, error) {
	e := &EncodedMember{Member: m}
	r, hasData := streamBody(m, bytes.NewReader(body))
	if !hasData {
		return e, nil
	}
	var buf bytes.Buffer
	f, err := sw.encodeFolder(&buf, r)
	if err != nil {
		return nil, NewCodecError(sw.kind, m.Path, err)
	}
	e.Data = buf.Bytes()
	e.Size = int64(f.unpackSize)
	e.CRC32 = f.crc
	e.aux = f
	return e, nil
}

func (sw *sevenZipWriter) AddEncoded(em *EncodedMember) error {
	e := entryFor(em.Member)
	if f, ok := em.aux.(*szFolder); ok {
		if _, err := sw.w.Write(em.Data); err != nil {
			return NewIOError("write", em.Member.Path, err)
		}
		e.hasStream = true
		sw.folders = append(sw.folders, *f)
		sw.packed += f.packSize
	}
	sw.entries = append(sw.entries, e)
	return nil
}

// Finish writes the header after the packed streams and patches the
// signature header to point at it
func (sw *sevenZipWriter) Finish() error {
	hdr := sw.header()
	if _, err := sw.w.Write(hdr); err != nil {
		return NewIOError("write", "", err)
	}

	sig := make([]byte, szSignatureHeaderSize)
	copy(sig, magicSevenZip)
	sig[6], sig[7] = 0, 4
	binary.LittleEndian.PutUint64(sig[12:], sw.packed)
	binary.LittleEndian.PutUint64(sig[20:], uint64(len(hdr)))
	binary.LittleEndian.PutUint32(sig[28:], crc32.ChecksumIEEE(hdr))
	binary.LittleEndian.PutUint32(sig[8:], crc32.ChecksumIEEE(sig[12:32]))

	if _, err := sw.w.Seek(0, io.SeekStart); err != nil {
		return NewIOError("seek", "", err)
	}
	if _, err := sw.w.Write(sig); err != nil {
		return NewIOError("write", "", err)
	}
	if _, err := sw.w.Seek(0, io.SeekEnd); err != nil {
		return NewIOError("seek", "", err)
	}
	sw.key = nil
	return nil
}

func (sw *sevenZipWriter) header() []byte {
	var b szBuffer
	b.byte(szHeader)
	if len(sw.folders) > 0 {
		sw.writeStreamsInfo(&b)
	}
	if len(sw.entries) > 0 {
		sw.writeFilesInfo(&b)
	}
	b.byte(szEnd)
	return b.Bytes()
}

func (sw *sevenZipWriter) writeStreamsInfo(b *szBuffer) {
	b.byte(szMainStreamsInfo)

	b.byte(szPackInfo)
	b.number(0)
	b.number(uint64(len(sw.folders)))
	b.byte(szSize)
	for _, f := range sw.folders {
		b.number(f.packSize)
	}
	b.byte(szEnd)

	b.byte(szUnpackInfo)
	b.byte(szIDFolder)
	b.number(uint64(len(sw.folders)))
	b.byte(0) // not external
	for _, f := range sw.folders {
		if f.aesProps != nil {
			b.number(2)
			b.coder(szMethodAES, f.aesProps)
			b.coder(szMethodLZMA2, []byte{sw.dictProp})
			// LZMA2 input (in-stream 1) reads the AES output (out-stream 0)
			b.number(1)
			b.number(0)
		} else {
			b.number(1)
			b.coder(szMethodLZMA2, []byte{sw.dictProp})
		}
	}
	b.byte(szCodersUnpackSize)
	for _, f := range sw.folders {
		if f.aesProps != nil {
			b.number(f.codedSize)
		}
		b.number(f.unpackSize)
	}
	b.byte(szEnd)

	b.byte(szSubStreamsInfo)
	b.byte(szCRC)
	b.byte(1) // all defined
	for _, f := range sw.folders {
		b.uint32(f.crc)
	}
	b.byte(szEnd)

	b.byte(szEnd)
}

func (sw *sevenZipWriter) writeFilesInfo(b *szBuffer) {
	n := len(sw.entries)
	b.byte(szFilesInfo)
	b.number(uint64(n))

	emptyStream := make([]bool, n)
	var emptyFile []bool
	anyEmpty, anyEmptyFile := false, false
	for i, e := range sw.entries {
		if !e.hasStream {
			emptyStream[i] = true
			anyEmpty = true
			isFile := e.kind != MemberDir
			emptyFile = append(emptyFile, isFile)
			anyEmptyFile = anyEmptyFile || isFile
		}
	}
	if anyEmpty {
		bits := boolVector(emptyStream)
		b.byte(szEmptyStream)
		b.number(uint64(len(bits)))
		b.Write(bits)
		if anyEmptyFile {
			bits := boolVector(emptyFile)
			b.byte(szEmptyFile)
			b.number(uint64(len(bits)))
			b.Write(bits)
		}
	}

	var names bytes.Buffer
	names.WriteByte(0) // not external
	enc := utf16le.NewEncoder()
	for _, e := range sw.entries {
		name, err := enc.Bytes([]byte(e.name))
		if err != nil {
			name, _ = enc.Bytes([]byte(fmt.Sprintf("%q", e.name)))
		}
		names.Write(name)
		names.Write([]byte{0, 0})
	}
	b.byte(szName)
	b.number(uint64(names.Len()))
	b.Write(names.Bytes())

	defined := make([]bool, n)
	anyTime, allTime := false, true
	for i, e := range sw.entries {
		defined[i] = !e.modTime.IsZero()
		anyTime = anyTime || defined[i]
		allTime = allTime && defined[i]
	}
	if anyTime {
		var times szBuffer
		if allTime {
			times.byte(1)
		} else {
			times.byte(0)
			times.Write(boolVector(defined))
		}
		times.byte(0) // not external
		for i, e := range sw.entries {
			if defined[i] {
				times.uint64(filetime(e.modTime))
			}
		}
		b.byte(szMTime)
		b.number(uint64(times.Len()))
		b.Write(times.Bytes())
	}

	b.byte(szWinAttributes)
	b.number(uint64(2 + 4*n))
	b.byte(1) // all defined
	b.byte(0) // not external
	for _, e := range sw.entries {
		b.uint32(szAttributes(e))
	}

	b.byte(szEnd)
}

// szAttributes packs Unix mode bits into the high half of the Windows
// attributes the way p7zip does
func szAttributes(e szEntry) uint32 {
	perm := uint32(e.mode.Perm())
	var attr uint32
	switch e.kind {
	case MemberDir:
		if perm == 0 {
			perm = 0o755
		}
		attr = szAttrDirectory | (0x4000|perm)<<16
	case MemberSymlink:
		attr = (0xA000 | 0o777) << 16
	default:
		if perm == 0 {
			perm = 0o644
		}
		attr = (0x8000 | perm) << 16
	}
	return attr | szAttrUnixExtension
}

func filetime(t time.Time) uint64 {
	return uint64(t.UnixNano()/100) + szEpochFiletime
}

// boolVector packs bools MSB first
func boolVector(v []bool) []byte {
	out := make([]byte, (len(v)+7)/8)
	for i, set := range v {
		if set {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

// szBuffer accumulates header bytes in 7z encodings
type szBuffer struct {
	bytes.Buffer
}

func (b *szBuffer) byte(v byte) { b.WriteByte(v) }

func (b *szBuffer) uint32(v uint32) {
	binary.Write(&b.Buffer, binary.LittleEndian, v)
}

func (b *szBuffer) uint64(v uint64) {
	binary.Write(&b.Buffer, binary.LittleEndian, v)
}

// number writes the 7z variable length integer: the count of leading one
// bits in the first byte gives the number of extra little endian bytes
func (b *szBuffer) number(v uint64) {
	var extra [8]byte
	first := byte(0)
	mask := byte(0x80)
	i := 0
	for ; i < 8; i++ {
		if v < 1<<(7*(i+1)) {
			first |= byte(v >> (8 * i))
			break
		}
		first |= mask
		mask >>= 1
	}
	b.WriteByte(first)
	for j := 0; j < i; j++ {
		extra[j] = byte(v >> (8 * j))
	}
	b.Write(extra[:i])
}

func (b *szBuffer) coder(method, props []byte) {
	flags := byte(len(method))
	if len(props) > 0 {
		flags |= 0x20
	}
	b.byte(flags)
	b.Write(method)
	if len(props) > 0 {
		b.number(uint64(len(props)))
		b.Write(props)
	}
}

// cbcWriter encrypts whole AES blocks and zero-pads the tail on Close
type cbcWriter struct {
	w    io.Writer
	mode cipher.BlockMode
	buf  []byte
}

func (c *cbcWriter) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	full := len(c.buf) - len(c.buf)%aes.BlockSize
	if full > 0 {
		c.mode.CryptBlocks(c.buf[:full], c.buf[:full])
		if _, err := c.w.Write(c.buf[:full]); err != nil {
			return 0, err
		}
		c.buf = append(c.buf[:0], c.buf[full:]...)
	}
	return len(p), nil
}

func (c *cbcWriter) Close() error {
	if len(c.buf) == 0 {
		return nil
	}
	pad := make([]byte, aes.BlockSize-len(c.buf))
	c.buf = append(c.buf, pad...)
	c.mode.CryptBlocks(c.buf, c.buf)
	_, err := c.w.Write(c.buf)
	c.buf = nil
	return err
}

// countWriter counts bytes passing through
type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
