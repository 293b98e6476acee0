package arcfs

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// Corrupting only the codec trailer leaves every tar block intact, so the
// failure shows up after the end-of-archive marker
func TestStream_CorruptCodecTrailer(t *testing.T) {
	tests := []struct {
		name string
		dest string
		flip func(raw []byte) int
	}{
		{"gzip crc", "/p.tgz", func(raw []byte) int { return len(raw) - 8 }},
		{"gzip size", "/p.tar.gz", func(raw []byte) int { return len(raw) - 1 }},
		{"zstd checksum", "/p.tar.zst", func(raw []byte) int { return len(raw) - 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			fsys := newMemFS(t)
			a := newTestArchiver(t, fsys)
			writeFile(t, fsys, "/src/a.txt", []byte("trailer check\n"))

			if _, err := a.Compress(ctx, []string{"/src"}, tt.dest, testCompressOptions()); err != nil {
				t.Fatalf("Compress failed: %v", err)
			}
			raw := readFile(t, fsys, tt.dest)
			raw[tt.flip(raw)] ^= 0xff
			writeFile(t, fsys, tt.dest, raw)

			if _, err := a.Test(ctx, tt.dest, TestOptions{}); !IsCodecError(err) {
				t.Errorf("Test: expected codec error, got %v", err)
			}
			if _, err := a.Extract(ctx, tt.dest, "/out", ExtractOptions{}); !IsCodecError(err) {
				t.Errorf("Extract: expected codec error, got %v", err)
			}
		})
	}
}

// sealTrailerOnly builds an encrypted tar.gz whose final chunk holds the
// 8 byte gzip trailer and nothing else
func sealTrailerOnly(t *testing.T, password string) []byte {
	t.Helper()
	tarball := craftTar(t, []tarEntry{{name: "a.bin", body: string(randomBytes(6000))}})

	var gz []byte
	for pad := 0; pad < MinChunkSize; pad++ {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		zw.Name = strings.Repeat("n", pad)
		if _, err := zw.Write(tarball); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := zw.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if buf.Len()%MinChunkSize == 8 {
			gz = buf.Bytes()
			break
		}
	}
	if gz == nil {
		t.Fatal("no gzip length lands the trailer in its own chunk")
	}

	ec, err := NewEncryptionContext([]byte(password), TarContainer(AlgoGzip), testEncryptionOptions(CipherAES256GCM))
	if err != nil {
		t.Fatalf("NewEncryptionContext failed: %v", err)
	}
	defer ec.Destroy()

	var out bytes.Buffer
	ew, err := NewEncryptingWriter(&out, ec)
	if err != nil {
		t.Fatalf("NewEncryptingWriter failed: %v", err)
	}
	if _, err := ew.Write(gz); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := ew.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return out.Bytes()
}

func TestEnvelope_TamperedTrailerChunk(t *testing.T) {
	ctx := context.Background()
	fsys := newMemFS(t)
	a := newTestArchiver(t, fsys)

	sealed := sealTrailerOnly(t, "pw")
	writeFile(t, fsys, "/t.tgz", sealed)
	if _, err := a.Test(ctx, "/t.tgz", TestOptions{Password: "pw"}); err != nil {
		t.Fatalf("Test of intact archive failed: %v", err)
	}

	tampered := bytes.Clone(sealed)
	tampered[len(tampered)-1] ^= 0x01
	writeFile(t, fsys, "/t.tgz", tampered)

	if _, err := a.Test(ctx, "/t.tgz", TestOptions{Password: "pw"}); !IsDecryptionFailed(err) {
		t.Errorf("Test: expected ErrDecryptionFailed, got %v", err)
	}
	if _, err := a.Extract(ctx, "/t.tgz", "/out", ExtractOptions{Password: "pw"}); !IsDecryptionFailed(err) {
		t.Errorf("Extract: expected ErrDecryptionFailed, got %v", err)
	}

	// dropping the final chunk entirely is a truncation
	writeFile(t, fsys, "/short.tgz", sealed[:len(sealed)-(chunkFrameSize+8+16)])
	if _, err := a.Test(ctx, "/short.tgz", TestOptions{Password: "pw"}); !IsDecryptionFailed(err) {
		t.Errorf("Test of truncated archive: expected ErrDecryptionFailed, got %v", err)
	}
}
