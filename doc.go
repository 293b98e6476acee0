// Package arcfs is an archive engine for the AbsFs filesystem abstraction.
// It compresses, extracts, lists and verifies archives of several families
// through one operation set, with optional authenticated encryption,
// path-safe extraction and policy-driven filtering.
//
// # Overview
//
// An Archiver wraps any absfs.FileSystem. Every call opens a private
// session that resolves the archive kind, wires the adapter, filter,
// worker pool and encryption context, and tears them down when the call
// returns.
//
// # Supported Formats
//
//   - Single stream: one file compressed with gzip, xz, zstd or lz4
//   - Tar: a PAX tar stream, plain or wrapped in any of the codecs above
//   - Zip: deflate or store, read and write
//   - 7z: LZMA2, read and write, with native 7zAES encryption
//   - RAR: read only, including RAR5 passwords
//
// Detection prefers the byte signature over the file name. For
// codec-compressed input the first decoded block is checked for a tar
// header to tell a compressed tar from a compressed single file.
//
// # Basic Usage
//
//	fsys, _ := arcfs.NewOSFS()
//	a, err := arcfs.New(fsys, nil)
//	if err != nil {
//	    panic(err)
//	}
//
//	opts := arcfs.DefaultCompressOptions()
//	opts.Root = "/srv/project"
//	stats, err := a.Compress(ctx, []string{"src", "README.md"}, "/tmp/project.tar.zst", opts)
//
//	_, err = a.Extract(ctx, "/tmp/project.tar.zst", "/tmp/out", arcfs.ExtractOptions{})
//
//	for m, err := range a.List(ctx, "/tmp/project.tar.zst", arcfs.ListOptions{}) {
//	    if err != nil {
//	        break
//	    }
//	    fmt.Println(m.Path)
//	}
//
// # Encryption
//
// Streaming kinds (single stream and tar) are encrypted with the arcfs
// envelope:
//
//	magic "ARCFSENC" | version | inner kind | cipher | Argon2id cost |
//	chunk size | salt | nonce prefix | sealed chunks...
//
// The key is derived with Argon2id from the password and a random
// per-archive salt, then bound to the cipher suite with HKDF-SHA256. The
// payload is cut into fixed-size chunks sealed with AES-256-GCM or
// ChaCha20-Poly1305. Each nonce is the random prefix, the chunk index and
// a final-chunk flag, and the header bytes are authenticated with every
// chunk, so reordering, truncation, appended data and header edits all
// fail authentication.
//
// Wrong passwords and tampering are reported the same way, as
// ErrDecryptionFailed. 7z archives use the format's own encryption so
// other 7z tools can open them. Zip archives reject passwords with
// ErrEncryptionUnsupported.
//
// # Path Safety
//
// Member names are normalized before extraction. Absolute paths, drive
// prefixes and any ".." segment are rejected with ErrPathTraversal, as are
// symlink targets that would resolve outside the destination and parent
// directories that are symlinks. Files are written to a temporary name and
// renamed into place, so a member that fails verification never appears.
//
// # Concurrency
//
// Compression runs a depth-first walk into a bounded worker pool. A single
// writer receives results in walk order, so the archive is identical for
// any pool size. Table archives are also extracted and tested in parallel;
// streaming archives are decoded sequentially.
package arcfs
