package arcfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Each sealed chunk on the wire is
//
//	flags (1) | ciphertext length (4, little endian) | ciphertext
//
// Bit 0 of flags marks the final chunk. The flag is also folded into the
// nonce, so flipping it fails authentication.
const (
	chunkFrameSize = 5
	flagFinal      = 0x01
)

// EncryptingWriter seals everything written to it into a chunk stream
// following an envelope header. Close must be called to emit the final chunk;
// without it the stream reads back as truncated.
type EncryptingWriter struct {
	w         io.Writer
	sealer    *ChunkSealer
	chunkSize int
	buf       []byte
	idx       uint64
	written   int64
	closed    bool
	err       error
}

// NewEncryptingWriter writes the context's header to w and returns a writer
// for the payload
func NewEncryptingWriter(w io.Writer, ec *EncryptionContext) (*EncryptingWriter, error) {
	sealer, err := ec.Sealer()
	if err != nil {
		return nil, err
	}
	n, err := ec.Header.WriteTo(w)
	if err != nil {
		return nil, err
	}
	size := int(ec.Header.ChunkSize)
	return &EncryptingWriter{
		w:         w,
		sealer:    sealer,
		chunkSize: size,
		buf:       make([]byte, 0, size+1),
		written:   n,
	}, nil
}

// Write buffers p and seals every full chunk. A chunk is only sealed once at
// least one more byte is pending, so the final flag always lands on the last
// chunk written by Close.
func (ew *EncryptingWriter) Write(p []byte) (int, error) {
	if ew.err != nil {
		return 0, ew.err
	}
	if ew.closed {
		return 0, errors.New("write to closed encrypting writer")
	}

	total := len(p)
	for len(p) > 0 {
		room := ew.chunkSize + 1 - len(ew.buf)
		n := min(room, len(p))
		ew.buf = append(ew.buf, p[:n]...)
		p = p[n:]
		if len(ew.buf) > ew.chunkSize {
			if err := ew.emit(ew.buf[:ew.chunkSize], false); err != nil {
				return total - len(p), err
			}
			carry := ew.buf[ew.chunkSize]
			ew.buf = append(ew.buf[:0], carry)
		}
	}
	return total, nil
}

func (ew *EncryptingWriter) emit(chunk []byte, final bool) error {
	ct, err := ew.sealer.Seal(ew.idx, final, chunk)
	if err != nil {
		ew.err = err
		return err
	}

	var frame [chunkFrameSize]byte
	if final {
		frame[0] = flagFinal
	}
	binary.LittleEndian.PutUint32(frame[1:], uint32(len(ct)))
	if _, err := ew.w.Write(frame[:]); err != nil {
		ew.err = fmt.Errorf("failed to write chunk frame: %w", err)
		return ew.err
	}
	if _, err := ew.w.Write(ct); err != nil {
		ew.err = fmt.Errorf("failed to write chunk: %w", err)
		return ew.err
	}
	ew.written += int64(chunkFrameSize + len(ct))
	ew.idx++
	return nil
}

// BytesWritten returns the number of envelope bytes emitted so far
func (ew *EncryptingWriter) BytesWritten() int64 {
	return ew.written
}

// Close seals the remaining buffer as the final chunk. It does not close the
// underlying writer.
func (ew *EncryptingWriter) Close() error {
	if ew.closed {
		return ew.err
	}
	ew.closed = true
	if ew.err != nil {
		return ew.err
	}
	return ew.emit(ew.buf, true)
}

// DecryptingReader opens a chunk stream produced by EncryptingWriter. The
// envelope header must already have been consumed from r.
type DecryptingReader struct {
	r       io.Reader
	sealer  *ChunkSealer
	maxCT   int
	idx     uint64
	pending []byte
	done    bool
	err     error
}

// NewDecryptingReader returns a reader over the plaintext of r
func NewDecryptingReader(r io.Reader, ec *EncryptionContext) (*DecryptingReader, error) {
	sealer, err := ec.Sealer()
	if err != nil {
		return nil, err
	}
	return &DecryptingReader{
		r:      r,
		sealer: sealer,
		maxCT:  int(ec.Header.ChunkSize) + sealer.Overhead(),
	}, nil
}

func (dr *DecryptingReader) Read(p []byte) (int, error) {
	for len(dr.pending) == 0 {
		if dr.err != nil {
			return 0, dr.err
		}
		if dr.done {
			return 0, io.EOF
		}
		dr.err = dr.next()
	}
	n := copy(p, dr.pending)
	dr.pending = dr.pending[n:]
	return n, nil
}

// Err returns the failure that stopped the reader, if any
func (dr *DecryptingReader) Err() error {
	return dr.err
}

// next decrypts one chunk. Truncation, oversize frames and trailing garbage
// all surface as decryption failures.
func (dr *DecryptingReader) next() error {
	var frame [chunkFrameSize]byte
	if _, err := io.ReadFull(dr.r, frame[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return NewDecryptionError("", dr.idx)
		}
		return NewIOError("read", "", err)
	}
	final := frame[0]&flagFinal != 0
	if frame[0]&^flagFinal != 0 {
		return NewDecryptionError("", dr.idx)
	}
	size := int(binary.LittleEndian.Uint32(frame[1:]))
	if size < dr.sealer.Overhead() || size > dr.maxCT {
		return NewDecryptionError("", dr.idx)
	}

	ct := make([]byte, size)
	if _, err := io.ReadFull(dr.r, ct); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return NewDecryptionError("", dr.idx)
		}
		return NewIOError("read", "", err)
	}

	pt, err := dr.sealer.Open(dr.idx, final, ct)
	if err != nil {
		return err
	}
	dr.idx++

	if final {
		var extra [1]byte
		if n, _ := io.ReadFull(dr.r, extra[:]); n > 0 {
			return NewDecryptionError("", dr.idx)
		}
		dr.done = true
	}
	dr.pending = pt
	return nil
}
