package kms

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/master-key-backup/interfaces"
)

const (
	shareMagic   = "MKBS"
	shareVersion = 1

	// MaxShares is the largest share count GF(256) supports.
	MaxShares = 255
)

// Share is one point of a threshold split of the master key. Shares carry no
// information derived from the key itself, so fewer than Threshold of them
// reveal nothing about it.
type Share struct {
	SetID     uuid.UUID
	Index     int
	Threshold int
	Total     int
	CreatedAt time.Time

	// Data is the GF(256) share as produced by the shamir package: one byte per
	// key byte followed by the x coordinate.
	Data []byte
}

// MarshalBinary serializes the share with a trailing checksum.
func (s *Share) MarshalBinary() ([]byte, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 4+1+16+3+8+2+len(s.Data)+checksumSize)
	out = append(out, shareMagic...)
	out = append(out, shareVersion)
	out = append(out, s.SetID[:]...)
	out = append(out, byte(s.Index), byte(s.Threshold), byte(s.Total))
	out = appendTime(out, s.CreatedAt)
	out = binary.BigEndian.AppendUint16(out, uint16(len(s.Data)))
	out = append(out, s.Data...)
	return sealFrame(out), nil
}

// ParseShare decodes and validates a serialized share.
func ParseShare(blob []byte) (*Share, error) {
	body, err := openFrame(blob)
	if err != nil {
		return nil, err
	}

	r := &frameReader{b: body}
	if string(r.take(4)) != shareMagic {
		return nil, fmt.Errorf("%w: invalid share: bad magic", interfaces.ErrChecksumMismatch)
	}
	if v := r.u8(); r.err == nil && v != shareVersion {
		return nil, fmt.Errorf("%w: invalid share: unsupported version %d", interfaces.ErrChecksumMismatch, v)
	}

	s := &Share{}
	copy(s.SetID[:], r.take(16))
	s.Index = int(r.u8())
	s.Threshold = int(r.u8())
	s.Total = int(r.u8())
	s.CreatedAt = r.time()
	s.Data = bytes.Clone(r.take(int(r.u16())))
	if err := r.done(); err != nil {
		return nil, fmt.Errorf("%w: invalid share: %v", interfaces.ErrChecksumMismatch, err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// IsShareContainer reports whether blob starts like a serialized share.
func IsShareContainer(blob []byte) bool {
	return bytes.HasPrefix(blob, []byte(shareMagic))
}

func (s *Share) validate() error {
	switch {
	case s.SetID == uuid.Nil:
		return fmt.Errorf("%w: invalid share: missing share set id", interfaces.ErrChecksumMismatch)
	case s.Threshold < 2 || s.Total < s.Threshold || s.Total > MaxShares:
		return fmt.Errorf("%w: invalid share: threshold %d of %d", interfaces.ErrChecksumMismatch, s.Threshold, s.Total)
	case s.Index < 1 || s.Index > s.Total:
		return fmt.Errorf("%w: invalid share: index %d of %d", interfaces.ErrChecksumMismatch, s.Index, s.Total)
	case len(s.Data) != interfaces.MasterKeySize+1:
		return fmt.Errorf("%w: invalid share: %d data bytes", interfaces.ErrChecksumMismatch, len(s.Data))
	}
	return nil
}

// Split divides key into n shares, any t of which reconstruct it. Every call
// generates a fresh share set id.
func Split(key interfaces.MasterKey, n, t int) ([]*Share, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if t < 2 {
		return nil, fmt.Errorf("%w: threshold must be at least 2", interfaces.ErrUsage)
	}
	if n < t {
		return nil, fmt.Errorf("%w: total shares must be at least equal to threshold", interfaces.ErrUsage)
	}
	if n > MaxShares {
		return nil, fmt.Errorf("%w: at most %d shares are supported", interfaces.ErrUsage, MaxShares)
	}

	parts, err := shamir.Split(key, n, t)
	if err != nil {
		return nil, fmt.Errorf("failed to split master key: %w", err)
	}

	setID, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate share set id: %w", err)
	}

	createdAt := time.Now().UTC().Truncate(time.Second)
	shares := make([]*Share, len(parts))
	for i, part := range parts {
		shares[i] = &Share{
			SetID:     setID,
			Index:     i + 1,
			Threshold: t,
			Total:     n,
			CreatedAt: createdAt,
			Data:      part,
		}
	}
	return shares, nil
}

// Combine reconstructs the master key from shares of a single set. The order of
// shares does not matter and exact duplicates are ignored.
func Combine(shares []*Share) (interfaces.MasterKey, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares supplied", interfaces.ErrInsufficientShares)
	}

	first := shares[0]
	distinct := make(map[int]*Share, len(shares))
	for _, s := range shares {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if s.SetID != first.SetID {
			return nil, fmt.Errorf("%w: %s and %s", interfaces.ErrIncompatibleShareSet, first.SetID, s.SetID)
		}
		if s.Threshold != first.Threshold || s.Total != first.Total {
			return nil, fmt.Errorf("%w: share %d disagrees on threshold", interfaces.ErrIncompatibleShareSet, s.Index)
		}
		if prev, ok := distinct[s.Index]; ok {
			if !bytes.Equal(prev.Data, s.Data) {
				return nil, fmt.Errorf("%w: conflicting shares for index %d", interfaces.ErrChecksumMismatch, s.Index)
			}
			continue
		}
		distinct[s.Index] = s
	}

	if len(distinct) < first.Threshold {
		return nil, fmt.Errorf("%w: have %d of %d required", interfaces.ErrInsufficientShares, len(distinct), first.Threshold)
	}

	indexes := make([]int, 0, len(distinct))
	for idx := range distinct {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	parts := make([][]byte, len(indexes))
	for i, idx := range indexes {
		parts[i] = distinct[idx].Data
	}

	secret, err := shamir.Combine(parts[:first.Threshold])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to reconstruct master key: %v", interfaces.ErrChecksumMismatch, err)
	}
	key := interfaces.MasterKey(secret)

	// Surplus shares must interpolate to the same secret.
	if len(parts) > first.Threshold {
		all, err := shamir.Combine(parts)
		if err != nil {
			key.Wipe()
			return nil, fmt.Errorf("%w: failed to reconstruct master key: %v", interfaces.ErrChecksumMismatch, err)
		}
		consistent := key.Equal(all)
		Wipe(all)
		if !consistent {
			key.Wipe()
			return nil, fmt.Errorf("%w: shares are inconsistent", interfaces.ErrChecksumMismatch)
		}
	}

	if err := key.Validate(); err != nil {
		return nil, err
	}
	return key, nil
}
