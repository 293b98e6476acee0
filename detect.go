package arcfs

import (
	"bytes"
	"io"
	"path"
	"strings"
)

// SniffSize is the number of leading bytes callers should hand to Detect.
// Codec signatures only need a few bytes, but telling a compressed tar from a
// compressed single file requires decoding the first tar block.
const SniffSize = 64 * 1024

var (
	magicZstd     = []byte{0x28, 0xB5, 0x2F, 0xFD}
	magicGzip     = []byte{0x1F, 0x8B}
	magicXZ       = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}
	magicLZ4      = []byte{0x04, 0x22, 0x4D, 0x18}
	magicZip      = []byte{'P', 'K', 0x03, 0x04}
	magicZipEmpty = []byte{'P', 'K', 0x05, 0x06}
	magicZipSpan  = []byte{'P', 'K', 0x07, 0x08}
	magicSevenZip = []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}
	magicRar4     = []byte{'R', 'a', 'r', '!', 0x1A, 0x07, 0x00}
	magicRar5     = []byte{'R', 'a', 'r', '!', 0x1A, 0x07, 0x01, 0x00}
)

const (
	tarMagicOffset = 257
	tarBlockSize   = 512
)

// suffixRule maps a lower-case file suffix to a kind. Longer suffixes are
// listed first so compound names win over their inner codec.
type suffixRule struct {
	suffix string
	kind   FormatKind
	// single marks codec-only suffixes that become a tar container when the
	// source is a tree rather than one file
	single bool
}

var suffixRules = []suffixRule{
	{".tar.zstd", TarContainer(AlgoZstd), false},
	{".tar.zst", TarContainer(AlgoZstd), false},
	{".tar.gz", TarContainer(AlgoGzip), false},
	{".tar.xz", TarContainer(AlgoXZ), false},
	{".tar.lz4", TarContainer(AlgoLZ4), false},
	{".tzst", TarContainer(AlgoZstd), false},
	{".tgz", TarContainer(AlgoGzip), false},
	{".txz", TarContainer(AlgoXZ), false},
	{".tlz4", TarContainer(AlgoLZ4), false},
	{".tar", TarContainer(AlgoNone), false},
	{".zstd", TarContainer(AlgoZstd), false},
	{".zst", TarContainer(AlgoZstd), false},
	{".gz", SingleStreamCodec(AlgoGzip), true},
	{".xz", SingleStreamCodec(AlgoXZ), true},
	{".lz4", SingleStreamCodec(AlgoLZ4), true},
	{".zip", TableArchive(TableZip), false},
	{".7z", TableArchive(TableSevenZip), false},
	{".rar", TableArchive(TableRar), false},
}

// codecSuffixes are stripped from a raw stream's file name to name its single
// member
var codecSuffixes = []string{".zstd", ".zst", ".gz", ".xz", ".lz4"}

// matchSuffix returns the first rule whose suffix ends name
func matchSuffix(name string) (suffixRule, bool) {
	lower := strings.ToLower(path.Base(strings.ReplaceAll(name, "\\", "/")))
	for _, r := range suffixRules {
		if strings.HasSuffix(lower, r.suffix) && len(lower) > len(r.suffix) {
			return r, true
		}
	}
	return suffixRule{}, false
}

// Detect maps the leading bytes of an archive and its file name to a
// FormatKind. A recognized byte signature always wins over the extension; the
// extension is consulted only when the signature is missing or cannot tell a
// compressed tar from a compressed single file.
//
// Envelope-encrypted archives report the kind recorded in their header.
func Detect(header []byte, filename string) (FormatKind, error) {
	if IsEnvelope(header) {
		kind, err := peekEnvelopeKind(header)
		if err != nil {
			return FormatKind{}, &FormatError{Name: filename, Message: "corrupt envelope header", Err: ErrUnknownFormat}
		}
		return kind, nil
	}

	switch {
	case bytes.HasPrefix(header, magicSevenZip):
		return TableArchive(TableSevenZip), nil
	case bytes.HasPrefix(header, magicRar5), bytes.HasPrefix(header, magicRar4):
		return TableArchive(TableRar), nil
	case bytes.HasPrefix(header, magicZip), bytes.HasPrefix(header, magicZipEmpty), bytes.HasPrefix(header, magicZipSpan):
		return TableArchive(TableZip), nil
	}

	if algo, ok := codecSignature(header); ok {
		isTar, conclusive := sniffTar(algo, header)
		if conclusive {
			if isTar {
				return TarContainer(algo), nil
			}
			return SingleStreamCodec(algo), nil
		}
		// Too little data to decode a tar block; fall back on naming.
		if r, ok := matchSuffix(filename); ok && r.kind.Family == FamilyTar && r.kind.Algo == algo {
			return TarContainer(algo), nil
		}
		return SingleStreamCodec(algo), nil
	}

	if hasTarMagic(header) {
		return TarContainer(AlgoNone), nil
	}

	if r, ok := matchSuffix(filename); ok {
		return r.kind, nil
	}

	return FormatKind{}, &FormatError{Name: filename, Message: "no signature or extension matched", Err: ErrUnknownFormat}
}

// DetectForCreate resolves the kind for a new archive from its file name
// alone. Codec-only suffixes (.gz, .xz, .lz4) select a single stream when the
// input is exactly one regular file and a tar container otherwise.
func DetectForCreate(filename string, singleFile bool) (FormatKind, error) {
	r, ok := matchSuffix(filename)
	if !ok {
		return FormatKind{}, &FormatError{Name: filename, Message: "cannot infer format from extension", Err: ErrUnknownFormat}
	}
	if r.single && !singleFile {
		return TarContainer(r.kind.Algo), nil
	}
	return r.kind, nil
}

// codecSignature recognizes the streaming codecs by magic number
func codecSignature(header []byte) (Algorithm, bool) {
	switch {
	case bytes.HasPrefix(header, magicZstd):
		return AlgoZstd, true
	case bytes.HasPrefix(header, magicXZ):
		return AlgoXZ, true
	case bytes.HasPrefix(header, magicLZ4):
		return AlgoLZ4, true
	case bytes.HasPrefix(header, magicGzip):
		return AlgoGzip, true
	}
	return AlgoNone, false
}

// hasTarMagic checks for the POSIX "ustar" marker in the first header block
func hasTarMagic(block []byte) bool {
	if len(block) < tarMagicOffset+5 {
		return false
	}
	return bytes.Equal(block[tarMagicOffset:tarMagicOffset+5], []byte("ustar"))
}

// sniffTar decodes the start of a compressed prefix and looks for a tar
// header. conclusive is false when the prefix was too short to decode a full
// header block.
func sniffTar(algo Algorithm, prefix []byte) (isTar, conclusive bool) {
	r, err := newDecompressor(algo, bytes.NewReader(prefix))
	if err != nil {
		return false, false
	}
	defer r.Close()

	block := make([]byte, tarBlockSize)
	n, err := io.ReadFull(r, block)
	if n >= tarMagicOffset+5 {
		return hasTarMagic(block[:n]), true
	}
	if err == io.EOF || (err == io.ErrUnexpectedEOF && len(prefix) < SniffSize) {
		// Whole stream decoded and shorter than a tar header.
		return false, true
	}
	return false, false
}

// rawMemberName derives the single member name of a raw compressed stream
// from the archive's file name
func rawMemberName(archiveName string) string {
	base := path.Base(strings.ReplaceAll(archiveName, "\\", "/"))
	lower := strings.ToLower(base)
	for _, s := range codecSuffixes {
		if strings.HasSuffix(lower, s) {
			stem := base[:len(base)-len(s)]
			if stem == "" || stem == "." {
				return base + ".out"
			}
			return stem
		}
	}
	return base + ".out"
}
