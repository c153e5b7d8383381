// Package codec implements the primitive encodings shared by the backup
// database and the sync protocol: unsigned varints, length-prefixed byte
// strings, streaming SHA-256 and bounded copies between streams.
package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/spf13/afero"

	"github.com/sidkik/psync/pkg/errors"
)

// MaxBytesLen bounds length-prefixed byte strings so that a corrupt length
// can't trigger a huge allocation.
const MaxBytesLen = 64 << 20

const bufSize = 128 * 1024

// ErrShortRead is returned when a stream ends before the expected number of
// bytes could be read.
var ErrShortRead = errors.New("unexpected end of stream")

// AppendUvarint appends the little-endian base-128 encoding of `v` to `buf`.
func AppendUvarint(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(buf, v)
}

// ReadUvarint reads a varint from `r`. It returns io.EOF if the stream ended
// before the first byte, and io.ErrUnexpectedEOF if it ended partway through
// the value.
func ReadUvarint(r io.ByteReader) (uint64, error) {
	return binary.ReadUvarint(r)
}

// AppendBytes appends `b` prefixed by its varint length.
func AppendBytes(buf, b []byte) []byte {
	buf = AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// Reader is the stream interface needed to decode varint-prefixed values.
type Reader interface {
	io.Reader
	io.ByteReader
}

// ReadBytes reads a varint-length-prefixed byte string.
func ReadBytes(r Reader) ([]byte, error) {
	n, err := ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > MaxBytesLen {
		return nil, fmt.Errorf("byte string length %d exceeds limit", n)
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}

// HashReader returns the SHA-256 digest of everything remaining in `r`.
func HashReader(r io.Reader) ([]byte, error) {
	hasher := sha256.New()
	buf := make([]byte, bufSize)
	if _, err := io.CopyBuffer(hasher, r, buf); err != nil {
		return nil, errors.WithContext(err, "read")
	}
	return hasher.Sum(nil), nil
}

// HashFile returns the SHA-256 digest of the file at `path`.
func HashFile(fs afero.Fs, path string) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.WithContext(err, "open")
	}
	defer f.Close()

	return HashReader(f)
}

// WriteError is returned by CopyExactly when the destination failed. The
// source was still consumed, so a framed stream remains usable.
type WriteError struct {
	Err error
}

func (err WriteError) Error() string {
	return fmt.Sprintf("write: %s", err.Err)
}

func (err WriteError) Unwrap() error {
	return err.Err
}

// CopyExactly copies exactly `n` bytes from `src` to `dst`. It never reads
// more than `n` bytes from `src`. If `src` ends early, ErrShortRead is
// returned. If `dst` fails, the remaining bytes are drained from `src` and a
// WriteError is returned.
func CopyExactly(dst io.Writer, src io.Reader, n int64) error {
	if n == 0 {
		return nil
	}

	buf := make([]byte, bufSize)
	if int64(len(buf)) > n {
		buf = buf[:n]
	}

	remaining := n
	for remaining > 0 {
		chunk := buf
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}

		read, err := src.Read(chunk)
		remaining -= int64(read)
		if read > 0 {
			if _, werr := dst.Write(chunk[:read]); werr != nil {
				if derr := Drain(src, remaining); derr != nil {
					return derr
				}
				return WriteError{werr}
			}
		}

		if err != nil {
			if err == io.EOF {
				if remaining == 0 {
					return nil
				}
				return ErrShortRead
			}
			return errors.WithContext(err, "read")
		}
	}
	return nil
}

// Drain reads and discards exactly `n` bytes from `src`.
func Drain(src io.Reader, n int64) error {
	copied, err := io.CopyN(io.Discard, src, n)
	if copied < n {
		if err == nil || err == io.EOF {
			return ErrShortRead
		}
		return errors.WithContext(err, "read")
	}
	return nil
}
