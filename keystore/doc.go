// Package keystore manages the active master key on disk.
//
// The data directory holds:
//
//	master.key                     URL-safe base64 text of the 32 key bytes (0600)
//	master.key.canary              fingerprint ledger of every committed key
//	master.key.retired.<fp>        keys replaced by Rotate or Generate(overwrite)
//	keystore.lock                  advisory lock file
//
// Every mutation takes the advisory lock first and fails fast with
// interfaces.ErrLockContention if another process or goroutine holds it.
// Writes go to a temporary file that is renamed over the target, so the key
// file is always either the old or the new key.
//
// Commit is the single commit point. It requires the *Lock obtained from Lock,
// which lets callers such as the backup manager run decode and self-test under
// the lock and then commit without releasing it:
//
//	lock, err := store.Lock()
//	if err != nil {
//	    return err
//	}
//	defer lock.Release()
//	// ... decode and self-test the candidate
//	return store.Commit(lock, candidate)
//
// Load never generates a key. A missing key is interfaces.ErrKeyNotFound and a
// malformed one interfaces.ErrCorruptKey; callers decide whether to generate.
package keystore
