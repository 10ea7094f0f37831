package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/ruteri/master-key-backup/common"
	"github.com/ruteri/master-key-backup/interfaces"
)

const (
	ledgerVersion    = 1
	maxLedgerEntries = 64
)

// LedgerEntry records a key that was active at some point.
type LedgerEntry struct {
	Fingerprint string    `json:"fingerprint"`
	CommittedAt time.Time `json:"committed_at"`
}

// The ledger lists fingerprints of every committed key. Restores check a
// candidate key against it, so a backup of some unrelated key cannot become
// active by accident.
type ledger struct {
	Version int           `json:"version"`
	Entries []LedgerEntry `json:"entries"`
}

func (s *KeyStore) ledgerPath() string {
	return s.keyPath + ledgerSuffix
}

func (s *KeyStore) readLedger() (*ledger, bool, error) {
	raw, err := os.ReadFile(s.ledgerPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &ledger{Version: ledgerVersion}, false, nil
		}
		return nil, false, interfaces.MapFSError("failed to read fingerprint ledger", err)
	}
	l := &ledger{}
	if err := json.Unmarshal(raw, l); err != nil {
		return nil, true, fmt.Errorf("%w: fingerprint ledger: %v", interfaces.ErrChecksumMismatch, err)
	}
	return l, true, nil
}

func (s *KeyStore) recordFingerprint(fingerprint string) error {
	l, _, err := s.readLedger()
	if err != nil {
		s.log.Warn("starting new fingerprint ledger", "err", err)
		l = &ledger{}
	}
	l.Version = ledgerVersion

	entries := make([]LedgerEntry, 0, len(l.Entries)+1)
	for _, e := range l.Entries {
		if e.Fingerprint != fingerprint {
			entries = append(entries, e)
		}
	}
	entries = append(entries, LedgerEntry{Fingerprint: fingerprint, CommittedAt: s.now().UTC()})
	if len(entries) > maxLedgerEntries {
		entries = entries[len(entries)-maxLedgerEntries:]
	}
	l.Entries = entries

	raw, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	return common.WriteFileAtomic(s.ledgerPath(), raw, keyFileMode)
}

// KnownFingerprint reports whether fingerprint was ever committed to this
// store. present is false when no ledger exists yet.
func (s *KeyStore) KnownFingerprint(fingerprint string) (known, present bool, err error) {
	l, present, err := s.readLedger()
	if err != nil {
		return false, present, err
	}
	for _, e := range l.Entries {
		if e.Fingerprint == fingerprint {
			return true, present, nil
		}
	}
	return false, present, nil
}

// History returns the ledger, oldest first.
func (s *KeyStore) History() ([]LedgerEntry, error) {
	l, _, err := s.readLedger()
	if err != nil {
		return nil, err
	}
	return l.Entries, nil
}
