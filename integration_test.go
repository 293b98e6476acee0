package arcfs

import (
	"bytes"
	"context"
	"testing"
)

// The Test digest covers member paths, kinds and bodies only, so the same
// tree yields the same digest in every format
func TestIntegration_DigestAcrossFormats(t *testing.T) {
	ctx := context.Background()
	fsys := newMemFS(t)
	a := newTestArchiver(t, fsys)

	writeFile(t, fsys, "/proj/README.md", []byte("# project\n"))
	writeFile(t, fsys, "/proj/cmd/main.go", []byte("package main\n\nfunc main() {}\n"))
	writeFile(t, fsys, "/proj/data/blob.bin", randomBytes(inlineLimit+1))
	writeFile(t, fsys, "/proj/data/zero", nil)
	if err := fsys.MkdirAll("/proj/empty", 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	var first []byte
	for _, dest := range []string{"/p.tar", "/p.tar.zst", "/p.tgz", "/p.tar.xz", "/p.tar.lz4", "/p.zip", "/p.enc.tar.zst"} {
		opts := testCompressOptions()
		opts.Root = "/proj"
		if dest == "/p.enc.tar.zst" {
			opts.Password = "pw"
		}
		if _, err := a.Compress(ctx, []string{"."}, dest, opts); err != nil {
			t.Fatalf("Compress(%s) failed: %v", dest, err)
		}
		ts, err := a.Test(ctx, dest, TestOptions{Password: opts.Password})
		if err != nil {
			t.Fatalf("Test(%s) failed: %v", dest, err)
		}
		if first == nil {
			first = ts.Digest
			continue
		}
		if !bytes.Equal(ts.Digest, first) {
			t.Errorf("%s: digest differs from plain tar", dest)
		}
	}
}

// An archive converted by extracting and recompressing keeps its digest
func TestIntegration_Convert(t *testing.T) {
	ctx := context.Background()
	fsys := newMemFS(t)
	a := newTestArchiver(t, fsys)

	for i, name := range []string{"a.txt", "b/c.txt", "b/d/e.txt"} {
		writeFile(t, fsys, "/in/"+name, bytes.Repeat([]byte{byte('a' + i)}, 1000*(i+1)))
	}

	opts := testCompressOptions()
	opts.Root = "/in"
	opts.Password = "pw"
	if _, err := a.Compress(ctx, []string{"."}, "/first.tar.gz", opts); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	before, err := a.Test(ctx, "/first.tar.gz", TestOptions{Password: "pw"})
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}

	if _, err := a.Extract(ctx, "/first.tar.gz", "/stage", ExtractOptions{Password: "pw"}); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	opts = testCompressOptions()
	opts.Root = "/stage"
	if _, err := a.Compress(ctx, []string{"."}, "/second.zip", opts); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	after, err := a.Test(ctx, "/second.zip", TestOptions{})
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}

	if !bytes.Equal(before.Digest, after.Digest) || before.FilesChecked != after.FilesChecked {
		t.Errorf("conversion changed contents: %d files before, %d after", before.FilesChecked, after.FilesChecked)
	}
}
