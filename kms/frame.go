package kms

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/master-key-backup/interfaces"
)

const checksumSize = sha256.Size

var errTruncated = errors.New("truncated container")

// sealFrame appends the SHA-256 of everything written so far.
func sealFrame(body []byte) []byte {
	sum := sha256.Sum256(body)
	return append(body, sum[:]...)
}

// openFrame checks the trailing checksum and returns the covered body.
func openFrame(blob []byte) ([]byte, error) {
	if len(blob) < checksumSize {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrChecksumMismatch, errTruncated)
	}
	body := blob[:len(blob)-checksumSize]
	sum := sha256.Sum256(body)
	if subtle.ConstantTimeCompare(sum[:], blob[len(blob)-checksumSize:]) != 1 {
		return nil, fmt.Errorf("%w: container checksum does not match", interfaces.ErrChecksumMismatch)
	}
	return body, nil
}

// frameReader walks a big-endian binary body. The first failure sticks.
type frameReader struct {
	b   []byte
	off int
	err error
}

func (r *frameReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = errTruncated
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *frameReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *frameReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *frameReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *frameReader) time() time.Time {
	b := r.take(8)
	if b == nil {
		return time.Time{}
	}
	return time.Unix(int64(binary.BigEndian.Uint64(b)), 0).UTC()
}

// done reports an error unless the whole body was consumed.
func (r *frameReader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.b) {
		return fmt.Errorf("%d trailing bytes", len(r.b)-r.off)
	}
	return nil
}

func appendTime(b []byte, t time.Time) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(t.Unix()))
}

// Wipe zeroes sensitive buffers such as passphrases and derived keys.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
