package core

import (
	"encoding/binary"
	"fmt"
)

// frameWriter builds the length-prefixed, fixed-endian canonical encoding
// used for hashing and signing across the package — messages, transactions,
// and blocks — via explicit length prefixes for variable-length fields
// instead of fixed offsets.
type frameWriter struct {
	buf []byte
}

func newFrameWriter() *frameWriter {
	return &frameWriter{buf: make([]byte, 0, 128)}
}

func (w *frameWriter) writeUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *frameWriter) writeInt64(v int64) {
	w.writeUint64(uint64(v))
}

func (w *frameWriter) writeBytes(b []byte) {
	w.writeUint64(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *frameWriter) writeString(s string) {
	w.writeBytes([]byte(s))
}

func (w *frameWriter) Bytes() []byte { return w.buf }

// frameReader is frameWriter's inverse, used by FileChainStore to recover
// blocks and transactions from their canonical encoding.
type frameReader struct {
	buf []byte
	pos int
}

func newFrameReader(b []byte) *frameReader {
	return &frameReader{buf: b}
}

func (r *frameReader) readUint64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, fmt.Errorf("encoding: truncated uint64 at offset %d", r.pos)
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *frameReader) readInt64() (int64, error) {
	v, err := r.readUint64()
	return int64(v), err
}

func (r *frameReader) readBytes() ([]byte, error) {
	n, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, fmt.Errorf("encoding: truncated byte string at offset %d", r.pos)
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

func (r *frameReader) readString() (string, error) {
	b, err := r.readBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *frameReader) remaining() bool {
	return r.pos < len(r.buf)
}
