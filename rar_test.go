package arcfs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/absfs/absfs"
)

// rarFixture copies a file from testdata into fsys
func rarFixture(t *testing.T, fsys absfs.FileSystem, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	dest := "/" + name
	writeFile(t, fsys, dest, data)
	return dest
}

var rarFixtureFiles = map[string]string{
	"hello.txt":       "hello from rar\n",
	"docs/readme.txt": "nested member\nnested member\nnested member\n",
}

func TestRar_ReadFixtures(t *testing.T) {
	tests := []struct {
		name     string
		fixture  string
		password string
	}{
		{"rar4 stored", "plain.rar", ""},
		{"rar4 encrypted", "secret.rar", "secret"},
		{"rar5 stored", "plain5.rar", ""},
		{"rar5 encrypted", "secret5.rar", "secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			fsys := newMemFS(t)
			a := newTestArchiver(t, fsys)
			archive := rarFixture(t, fsys, tt.fixture)

			members, err := a.ListAll(ctx, archive, ListOptions{Password: tt.password})
			if err != nil {
				t.Fatalf("ListAll failed: %v", err)
			}
			want := []string{"hello.txt", "docs", "docs/readme.txt"}
			if got := memberPaths(members); !slices.Equal(got, want) {
				t.Fatalf("members = %v, want %v", got, want)
			}
			if members[1].Kind != MemberDir {
				t.Errorf("docs: kind = %v, want directory", members[1].Kind)
			}
			if members[0].Kind != MemberFile || members[0].Size != int64(len(rarFixtureFiles["hello.txt"])) {
				t.Errorf("hello.txt: kind %v size %d", members[0].Kind, members[0].Size)
			}
			if members[0].Mode != 0o644 {
				t.Errorf("hello.txt: mode = %v, want 0644", members[0].Mode)
			}

			stats, err := a.Extract(ctx, archive, "/out", ExtractOptions{Password: tt.password})
			if err != nil {
				t.Fatalf("Extract failed: %v", err)
			}
			if stats.Files != 3 {
				t.Errorf("Extract materialized %d members, want 3", stats.Files)
			}
			for rel, body := range rarFixtureFiles {
				if got := string(readFile(t, fsys, "/out/"+rel)); got != body {
					t.Errorf("%s = %q, want %q", rel, got, body)
				}
			}
			info, err := fsys.Stat("/out/docs")
			if err != nil || !info.IsDir() {
				t.Errorf("docs not extracted as a directory: %v", err)
			}

			res, err := a.Test(ctx, archive, TestOptions{Password: tt.password})
			if err != nil {
				t.Fatalf("Test failed: %v", err)
			}
			if res.FilesChecked != 3 || len(res.Digest) == 0 {
				t.Errorf("Test checked %d members, digest %x", res.FilesChecked, res.Digest)
			}
		})
	}
}

func TestRar_ModTime(t *testing.T) {
	ctx := context.Background()
	fsys := newMemFS(t)
	a := newTestArchiver(t, fsys)
	archive := rarFixture(t, fsys, "plain5.rar")

	members, err := a.ListAll(ctx, archive, ListOptions{})
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	want := time.Date(2024, 1, 2, 3, 4, 6, 0, time.UTC)
	if !members[0].ModTime.Equal(want) {
		t.Errorf("ModTime = %v, want %v", members[0].ModTime, want)
	}
}

func TestRar_WrongPassword(t *testing.T) {
	for _, fixture := range []string{"secret.rar", "secret5.rar"} {
		t.Run(fixture, func(t *testing.T) {
			ctx := context.Background()
			fsys := newMemFS(t)
			a := newTestArchiver(t, fsys)
			archive := rarFixture(t, fsys, fixture)

			_, err := a.Extract(ctx, archive, "/out", ExtractOptions{Password: "wrong"})
			if !IsDecryptionFailed(err) {
				t.Errorf("Extract: expected ErrDecryptionFailed, got %v", err)
			}
			if _, err := a.Test(ctx, archive, TestOptions{Password: "wrong"}); !IsDecryptionFailed(err) {
				t.Errorf("Test: expected ErrDecryptionFailed, got %v", err)
			}
		})
	}
}

func TestRar_MissingPassword(t *testing.T) {
	ctx := context.Background()
	fsys := newMemFS(t)
	a := newTestArchiver(t, fsys)
	archive := rarFixture(t, fsys, "secret5.rar")

	if _, err := a.Test(ctx, archive, TestOptions{}); !errors.Is(err, ErrPasswordRequired) {
		t.Errorf("expected ErrPasswordRequired, got %v", err)
	}
}

func TestRar_CorruptHeader(t *testing.T) {
	ctx := context.Background()
	fsys := newMemFS(t)
	a := newTestArchiver(t, fsys)
	archive := rarFixture(t, fsys, "plain5.rar")

	raw := readFile(t, fsys, archive)
	raw[len(raw)/2] ^= 0xff
	writeFile(t, fsys, archive, raw)

	if _, err := a.Test(ctx, archive, TestOptions{}); !IsCodecError(err) {
		t.Errorf("expected codec error, got %v", err)
	}
}
