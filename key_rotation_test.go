package arcfs

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"testing"
)

func TestRekey(t *testing.T) {
	ctx := context.Background()
	chacha := testEncryptionOptions(CipherChaCha20Poly1305)

	tests := []struct {
		name        string
		dest        string
		createPass  string
		oldPassword string
		newPassword string
	}{
		{"encrypt plain tar", "/a.tar.zst", "", "", "fresh"},
		{"change password", "/b.tar.gz", "old", "old", "new"},
		{"remove encryption", "/c.tar.xz", "old", "old", ""},
		{"raw stream", "/d.txt.lz4", "old", "old", "new"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := newMemFS(t)
			a := newTestArchiver(t, fsys)
			writeFile(t, fsys, "/src/d.txt", bytes.Repeat([]byte("payload "), 5000))
			writeFile(t, fsys, "/src/e.txt", []byte("second"))

			sources := []string{"/src"}
			if tt.name == "raw stream" {
				sources = []string{"/src/d.txt"}
			}
			opts := testCompressOptions()
			opts.Password = tt.createPass
			if _, err := a.Compress(ctx, sources, tt.dest, opts); err != nil {
				t.Fatalf("Compress failed: %v", err)
			}
			before, err := a.Test(ctx, tt.dest, TestOptions{Password: tt.createPass})
			if err != nil {
				t.Fatalf("Test before rekey failed: %v", err)
			}

			_, err = a.Rekey(ctx, tt.dest, RekeyOptions{
				OldPassword: tt.oldPassword,
				NewPassword: tt.newPassword,
				Encryption:  chacha,
			})
			if err != nil {
				t.Fatalf("Rekey failed: %v", err)
			}

			raw := readFile(t, fsys, tt.dest)
			if got := IsEnvelope(raw); got != (tt.newPassword != "") {
				t.Fatalf("IsEnvelope = %v after rekey", got)
			}
			after, err := a.Test(ctx, tt.dest, TestOptions{Password: tt.newPassword})
			if err != nil {
				t.Fatalf("Test after rekey failed: %v", err)
			}
			if !bytes.Equal(before.Digest, after.Digest) {
				t.Error("rekey changed the archive contents")
			}

			if tt.newPassword != "" {
				if _, err := a.Test(ctx, tt.dest, TestOptions{}); !errors.Is(err, ErrPasswordRequired) {
					t.Errorf("expected ErrPasswordRequired, got %v", err)
				}
			}
			if tt.oldPassword != "" && tt.newPassword != "" {
				if _, err := a.Test(ctx, tt.dest, TestOptions{Password: tt.oldPassword}); !IsDecryptionFailed(err) {
					t.Errorf("old password still opens the archive: %v", err)
				}
			}
		})
	}
}

func TestRekey_WrongPasswordLeavesArchive(t *testing.T) {
	ctx := context.Background()
	fsys := newMemFS(t)
	a := newTestArchiver(t, fsys)
	writeFile(t, fsys, "/src/a.txt", []byte("keep me"))

	opts := testCompressOptions()
	opts.Password = "right"
	if _, err := a.Compress(ctx, []string{"/src"}, "/k.tar.zst", opts); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	original := readFile(t, fsys, "/k.tar.zst")

	_, err := a.Rekey(ctx, "/k.tar.zst", RekeyOptions{OldPassword: "wrong", NewPassword: "new", Encryption: testEncryptionOptions(CipherAES256GCM)})
	if !IsDecryptionFailed(err) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
	if !bytes.Equal(readFile(t, fsys, "/k.tar.zst"), original) {
		t.Error("archive modified by a failed rekey")
	}

	_, err = a.Rekey(ctx, "/k.tar.zst", RekeyOptions{NewPassword: "new"})
	if !errors.Is(err, ErrPasswordRequired) {
		t.Errorf("expected ErrPasswordRequired, got %v", err)
	}
}

func TestRekey_ToDest(t *testing.T) {
	ctx := context.Background()
	fsys := newMemFS(t)
	a := newTestArchiver(t, fsys)
	writeFile(t, fsys, "/src/a.txt", []byte("a"))

	if _, err := a.Compress(ctx, []string{"/src"}, "/plain.tgz", testCompressOptions()); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	original := readFile(t, fsys, "/plain.tgz")

	rk := RekeyOptions{NewPassword: "pw", Encryption: testEncryptionOptions(CipherAES256GCM), Dest: "/sealed.tgz"}
	stats, err := a.Rekey(ctx, "/plain.tgz", rk)
	if err != nil {
		t.Fatalf("Rekey failed: %v", err)
	}
	if stats.BytesIn != int64(len(original)) || stats.BytesOut <= stats.BytesIn {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if !bytes.Equal(readFile(t, fsys, "/plain.tgz"), original) {
		t.Error("source archive changed")
	}
	if _, err := a.ListAll(ctx, "/sealed.tgz", ListOptions{Password: "pw"}); err != nil {
		t.Errorf("List of the new archive failed: %v", err)
	}

	if _, err := a.Rekey(ctx, "/plain.tgz", rk); !errors.Is(err, fs.ErrExist) {
		t.Errorf("expected existing dest to be refused, got %v", err)
	}
}

func TestRekey_Unsupported(t *testing.T) {
	ctx := context.Background()
	fsys := newMemFS(t)
	a := newTestArchiver(t, fsys)
	writeFile(t, fsys, "/src/a.txt", []byte("a"))
	if _, err := a.Compress(ctx, []string{"/src"}, "/z.zip", testCompressOptions()); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	_, err := a.Rekey(ctx, "/z.zip", RekeyOptions{NewPassword: "pw"})
	if !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("expected ErrUnsupportedOperation, got %v", err)
	}
	_, err = a.Rekey(ctx, "/z.zip", RekeyOptions{})
	if !IsValidationError(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}
