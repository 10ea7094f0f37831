package backup

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/master-key-backup/interfaces"
)

const (
	// Fractional seconds need a dot in the layout; names use an underscore.
	timestampLayout = "20060102_150405.000000"
	markerSuffix    = ".exported"
)

var (
	encryptedName = regexp.MustCompile(`^master_key_backup_(\d{8}_\d{6}_\d{6})\.enc$`)
	plaintextName = regexp.MustCompile(`^master_key_backup_(\d{8}_\d{6}_\d{6})_UNENCRYPTED\.key$`)
	shareName     = regexp.MustCompile(`^master_key_share_(\d+)_of_(\d+)_(\d{8}_\d{6}_\d{6})\.share$`)
)

func formatTimestamp(t time.Time) string {
	return strings.Replace(t.UTC().Format(timestampLayout), ".", "_", 1)
}

// EncryptedFileName returns the artifact name of an encrypted backup.
func EncryptedFileName(t time.Time) string {
	return fmt.Sprintf("master_key_backup_%s.enc", formatTimestamp(t))
}

// PlaintextFileName returns the artifact name of a plaintext backup.
func PlaintextFileName(t time.Time) string {
	return fmt.Sprintf("master_key_backup_%s_UNENCRYPTED.key", formatTimestamp(t))
}

// ShareFileName returns the artifact name of share i of n.
func ShareFileName(i, n int, t time.Time) string {
	return fmt.Sprintf("master_key_share_%d_of_%d_%s.share", i, n, formatTimestamp(t))
}

// parsedName is what an artifact name says about its content.
type parsedName struct {
	typ       interfaces.BackupType
	createdAt time.Time
	index     int
	total     int
}

func parseFileName(name string) (parsedName, bool) {
	if m := encryptedName.FindStringSubmatch(name); m != nil {
		return parsedName{typ: interfaces.EncryptedBackup, createdAt: parseTimestamp(m[1])}, true
	}
	if m := plaintextName.FindStringSubmatch(name); m != nil {
		return parsedName{typ: interfaces.PlaintextBackup, createdAt: parseTimestamp(m[1])}, true
	}
	if m := shareName.FindStringSubmatch(name); m != nil {
		index, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		return parsedName{typ: interfaces.SplitBackup, createdAt: parseTimestamp(m[3]), index: index, total: total}, true
	}
	return parsedName{}, false
}

func parseTimestamp(s string) time.Time {
	i := strings.LastIndex(s, "_")
	if i < 0 {
		return time.Time{}
	}
	t, err := time.Parse(timestampLayout, s[:i]+"."+s[i+1:])
	if err != nil {
		return time.Time{}
	}
	return t
}
