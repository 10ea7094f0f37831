// Package backup creates, inspects, restores and prunes master key backups.
//
// A Manager works on top of a keystore.KeyStore and writes three kinds of
// artifacts into its backup directory:
//
//	master_key_backup_<ts>.enc                 passphrase encrypted (kms.Codec)
//	master_key_share_<i>_of_<N>_<ts>.share     one share of a threshold split
//	master_key_backup_<ts>_UNENCRYPTED.key     raw key for offline safes
//
// Restores follow one discipline: take the store lock, decode or reconstruct
// the candidate key, self-test it, then hand it to KeyStore.Commit. Any failure
// before the commit leaves the active key exactly as it was. The self-test
// includes a check against the store's fingerprint ledger, so a backup of a
// key this host never used is refused unless WithAllowUnknownKey is set.
//
// Cleanup prunes whole recovery units (one file, or one complete share set)
// and refuses to remove the last recoverable unit unless an export marker
// shows that a copy exists off the host. Export markers are written by
// MarkExported, either by an operator or by storage.Exporter.
package backup
