// Package sha256 computes artifact checksums while the bytes stream into a
// blob store.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Reader wraps an io.Reader, hashing and counting every byte read.
type Reader struct {
	r    io.Reader
	h    hash.Hash
	n    int64
	tick func(n int64)
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, h: sha256.New()}
}

// OnRead registers fn to be called with the running byte count after every
// read that returned data.
func (r *Reader) OnRead(fn func(total int64)) *Reader {
	r.tick = fn
	return r
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.h.Write(p[:n])
		r.n += int64(n)
		if r.tick != nil {
			r.tick(r.n)
		}
	}
	return n, err
}

// Size reports the bytes read so far.
func (r *Reader) Size() int64 {
	return r.n
}

// Sum returns the hex digest of the bytes read so far.
func (r *Reader) Sum() string {
	return hex.EncodeToString(r.h.Sum(nil))
}

// Hash hashes data and returns a hex digest.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
