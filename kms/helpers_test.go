package kms

import (
	"crypto/rand"
	"testing"

	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T) interfaces.MasterKey {
	t.Helper()
	key := make(interfaces.MasterKey, interfaces.MasterKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err, "Failed to generate test master key")
	return key
}

// fastCodec keeps PBKDF2 cheap enough for exhaustive bit flip tests.
func fastCodec(t *testing.T, opts ...CodecOption) *Codec {
	t.Helper()
	base := []CodecOption{
		WithKDF(KDFParams{Algorithm: KDFPBKDF2SHA256, Iterations: 1000}),
		WithFloor(WorkFactorFloor{PBKDF2Iterations: 1000, Argon2Time: 1, Argon2MemoryKiB: 1024}),
	}
	codec, err := NewCodec(append(base, opts...)...)
	require.NoError(t, err)
	return codec
}
