package backup

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/ruteri/master-key-backup/kms"
	"github.com/ruteri/master-key-backup/metrics"
)

// Restore decodes an encrypted or plaintext artifact and, once the recovered
// key passes self-test, commits it as the active key. The passphrase is
// ignored for plaintext artifacts. On any error the active key is untouched.
func (m *Manager) Restore(path string, passphrase []byte) (err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("restore", start, err) }()

	lock, err := m.store.Lock()
	if err != nil {
		return err
	}
	defer lock.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		return interfaces.MapFSError("failed to read backup", err)
	}

	var (
		candidate interfaces.MasterKey
		expected  string
	)
	switch {
	case kms.IsEncryptedContainer(data):
		header, err := kms.ParseHeader(data)
		if err != nil {
			return err
		}
		candidate, err = m.codec.Decode(data, passphrase)
		if err != nil {
			return err
		}
		expected = header.FingerprintHex()
	case kms.IsPlaintextContainer(data):
		backup, err := kms.DecodePlaintext(data)
		kms.Wipe(data)
		if err != nil {
			return err
		}
		candidate, expected = backup.Key, backup.Fingerprint
	case kms.IsShareContainer(data):
		return fmt.Errorf("%w: %s is a share, restore it together with the rest of its set", interfaces.ErrUsage, path)
	default:
		return fmt.Errorf("%w: %s is not a backup artifact", interfaces.ErrChecksumMismatch, path)
	}
	defer candidate.Wipe()

	if err := m.selfTest(candidate, expected); err != nil {
		return err
	}
	if err := m.store.Commit(lock, candidate); err != nil {
		return err
	}

	m.log.Info("restored master key from backup",
		slog.String("path", path),
		slog.String("fingerprint", candidate.Fingerprint()))
	return nil
}

// RestoreSplit reconstructs the key from share files and commits it after
// self-test. Shares may be given in any order.
func (m *Manager) RestoreSplit(paths ...string) (err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("restore_split", start, err) }()

	if len(paths) == 0 {
		return fmt.Errorf("%w: no shares supplied", interfaces.ErrInsufficientShares)
	}

	lock, err := m.store.Lock()
	if err != nil {
		return err
	}
	defer lock.Release()

	shares := make([]*kms.Share, 0, len(paths))
	defer func() {
		for _, s := range shares {
			kms.Wipe(s.Data)
		}
	}()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return interfaces.MapFSError("failed to read share", err)
		}
		share, err := kms.ParseShare(data)
		kms.Wipe(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		shares = append(shares, share)
	}

	candidate, err := kms.Combine(shares)
	if err != nil {
		return err
	}
	defer candidate.Wipe()

	if err := m.selfTest(candidate, ""); err != nil {
		return err
	}
	if err := m.store.Commit(lock, candidate); err != nil {
		return err
	}

	m.log.Info("restored master key from shares",
		slog.String("share_set_id", shares[0].SetID.String()),
		slog.Int("shares", len(shares)),
		slog.String("fingerprint", candidate.Fingerprint()))
	return nil
}

// selfTest runs the key checks and then requires the key to be one this store
// has committed before, unless unknown keys are allowed or no ledger exists.
func (m *Manager) selfTest(candidate interfaces.MasterKey, expectedFingerprint string) error {
	if err := kms.SelfTest(candidate, expectedFingerprint); err != nil {
		return err
	}
	if m.allowUnknownKey {
		return nil
	}

	known, present, err := m.store.KnownFingerprint(candidate.Fingerprint())
	if err != nil {
		return fmt.Errorf("%w: cannot read fingerprint ledger: %w", interfaces.ErrSelfTestFailed, err)
	}
	if present && !known {
		return fmt.Errorf("%w: key %s was never active on this host", interfaces.ErrSelfTestFailed, candidate.Fingerprint())
	}
	return nil
}
