package arcfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
)

func TestSharedReaderAt_Concurrent(t *testing.T) {
	fsys := newMemFS(t)
	data := randomBytes(64 * 1024)
	writeFile(t, fsys, "/blob", data)

	f, err := fsys.Open("/blob")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	ra, ok := sharedReaderAt(f).(io.ReaderAt)
	if !ok {
		t.Fatal("sharedReaderAt result does not implement io.ReaderAt")
	}

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			buf := make([]byte, 512)
			for i := 0; i < 200; i++ {
				off := int64((g*7919 + i*512) % (len(data) - len(buf)))
				if _, err := ra.ReadAt(buf, off); err != nil {
					t.Errorf("ReadAt(%d) failed: %v", off, err)
					return
				}
				if !bytes.Equal(buf, data[off:off+int64(len(buf))]) {
					t.Errorf("ReadAt(%d) returned bytes from another offset", off)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}

func TestTest_ParallelTableOnMemFS(t *testing.T) {
	ctx := context.Background()
	fsys := newMemFS(t)
	a := newTestArchiver(t, fsys)
	for i := 0; i < 200; i++ {
		writeFile(t, fsys, fmt.Sprintf("/src/d%02d/f%03d.bin", i%10, i), randomBytes(100+i*37))
	}
	if _, err := a.Compress(ctx, []string{"/src"}, "/many.zip", testCompressOptions()); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	serial, err := a.Test(ctx, "/many.zip", TestOptions{Parallel: ParallelConfig{Workers: 1}})
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	for run := 0; run < 5; run++ {
		par, err := a.Test(ctx, "/many.zip", TestOptions{Parallel: ParallelConfig{Workers: 16}})
		if err != nil {
			t.Fatalf("parallel Test failed: %v", err)
		}
		if !bytes.Equal(par.Digest, serial.Digest) || par.FilesChecked != 200 {
			t.Fatalf("run %d: parallel digest differs (%d files)", run, par.FilesChecked)
		}
	}
}
