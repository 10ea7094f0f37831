// Package provider implements the downstream secret stores whose values are
// rotated by the engine.
//
// The set of provider kinds is closed: file and vault. Each configured
// instance is built by New from a Config and collected in a Registry. File
// providers seal every value with the active master key and reseal them when
// the key store announces a rotation. Vault providers store values in a KV v2
// mount and are unaffected by master key rotation.
//
// New secret values come from a PasswordPolicy, which guarantees at least one
// character of every selected class.
package provider
