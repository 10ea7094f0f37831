package kms

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ruteri/master-key-backup/interfaces"
)

const (
	plaintextMagic   = "MKBP"
	plaintextVersion = 1
)

// PlaintextBackup is an unencrypted copy of the master key. It exists for
// operators who keep the key in an offline safe and must never leave the host
// unprotected.
type PlaintextBackup struct {
	CreatedAt   time.Time
	Fingerprint string
	Key         interfaces.MasterKey
}

// EncodePlaintext frames the raw key bytes with a fingerprint and checksum.
func EncodePlaintext(key interfaces.MasterKey, createdAt time.Time) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 4+1+8+interfaces.FingerprintSize+2+len(key)+checksumSize)
	out = append(out, plaintextMagic...)
	out = append(out, plaintextVersion)
	out = appendTime(out, createdAt)
	out = append(out, key.FingerprintBytes()...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(key)))
	out = append(out, key...)
	return sealFrame(out), nil
}

// DecodePlaintext validates and unpacks a plaintext backup.
func DecodePlaintext(blob []byte) (*PlaintextBackup, error) {
	body, err := openFrame(blob)
	if err != nil {
		return nil, err
	}

	r := &frameReader{b: body}
	if string(r.take(4)) != plaintextMagic {
		return nil, fmt.Errorf("%w: invalid plaintext backup: bad magic", interfaces.ErrChecksumMismatch)
	}
	if v := r.u8(); r.err == nil && v != plaintextVersion {
		return nil, fmt.Errorf("%w: invalid plaintext backup: unsupported version %d", interfaces.ErrChecksumMismatch, v)
	}
	createdAt := r.time()
	fingerprint := r.take(interfaces.FingerprintSize)
	key := interfaces.MasterKey(bytes.Clone(r.take(int(r.u16()))))
	if err := r.done(); err != nil {
		return nil, fmt.Errorf("%w: invalid plaintext backup: %v", interfaces.ErrChecksumMismatch, err)
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(key.FingerprintBytes(), fingerprint) != 1 {
		key.Wipe()
		return nil, fmt.Errorf("%w: plaintext backup fingerprint does not match key", interfaces.ErrChecksumMismatch)
	}

	return &PlaintextBackup{
		CreatedAt:   createdAt,
		Fingerprint: fmt.Sprintf("%x", fingerprint),
		Key:         key,
	}, nil
}

// IsPlaintextContainer reports whether blob starts like a plaintext backup.
func IsPlaintextContainer(blob []byte) bool {
	return bytes.HasPrefix(blob, []byte(plaintextMagic))
}
