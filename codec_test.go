package arcfs

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func compressBytes(t *testing.T, algo Algorithm, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := algo.NewWriter(&buf, CodecOptions{Workers: 1})
	if err != nil {
		t.Fatalf("NewWriter(%s) failed: %v", algo, err)
	}
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return buf.Bytes()
}

func TestCodecRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 5000)

	for _, algo := range []Algorithm{AlgoNone, AlgoGzip, AlgoXZ, AlgoZstd, AlgoLZ4} {
		t.Run(algo.String(), func(t *testing.T) {
			compressed := compressBytes(t, algo, data)
			if algo != AlgoNone && len(compressed) >= len(data) {
				t.Errorf("%s did not compress: %d >= %d", algo, len(compressed), len(data))
			}

			zr, err := algo.NewReader(bytes.NewReader(compressed))
			if err != nil {
				t.Fatalf("NewReader failed: %v", err)
			}
			defer zr.Close()
			got, err := io.ReadAll(zr)
			if err != nil {
				t.Fatalf("ReadAll failed: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
			}
		})
	}
}

func TestCodecLevelsAreClamped(t *testing.T) {
	for _, algo := range []Algorithm{AlgoGzip, AlgoXZ, AlgoLZ4} {
		var buf bytes.Buffer
		zw, err := algo.NewWriter(&buf, CodecOptions{Level: 19})
		if err != nil {
			t.Fatalf("%s rejected level 19: %v", algo, err)
		}
		zw.Close()
	}
}

func TestClassifyReadError(t *testing.T) {
	kind := TarContainer(AlgoGzip)

	if err := classifyReadError(io.ErrUnexpectedEOF, kind, "a"); !IsCodecError(err) {
		t.Errorf("truncation should be a codec error: %v", err)
	}
	dec := NewDecryptionError("", 2)
	if err := classifyReadError(dec, kind, "a"); err != dec {
		t.Errorf("decryption error was rewrapped: %v", err)
	}
	if err := classifyReadError(io.EOF, kind, "a"); err != io.EOF {
		t.Errorf("EOF changed to %v", err)
	}
	if err := classifyReadError(errors.New("bad block"), kind, "a"); !IsCodecError(err) {
		t.Errorf("decoder failure should be a codec error: %v", err)
	}
}
