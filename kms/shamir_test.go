package kms

import (
	"testing"

	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// subsets returns every k-element subset of [0, n).
func subsets(n, k int) [][]int {
	var out [][]int
	var walk func(start int, cur []int)
	walk = func(start int, cur []int) {
		if len(cur) == k {
			out = append(out, append([]int(nil), cur...))
			return
		}
		for i := start; i < n; i++ {
			walk(i+1, append(cur, i))
		}
	}
	walk(0, nil)
	return out
}

func pick(shares []*Share, idx []int) []*Share {
	out := make([]*Share, len(idx))
	for i, j := range idx {
		out[i] = shares[j]
	}
	return out
}

func TestSplit_Metadata(t *testing.T) {
	key := newTestKey(t)

	shares, err := Split(key, 5, 3)
	require.NoError(t, err)
	require.Len(t, shares, 5)

	for i, s := range shares {
		assert.Equal(t, i+1, s.Index)
		assert.Equal(t, 3, s.Threshold)
		assert.Equal(t, 5, s.Total)
		assert.Equal(t, shares[0].SetID, s.SetID, "All shares of one split share a set id")
		assert.Len(t, s.Data, interfaces.MasterKeySize+1)
	}

	again, err := Split(key, 5, 3)
	require.NoError(t, err)
	assert.NotEqual(t, shares[0].SetID, again[0].SetID, "Every split gets a fresh set id")
}

func TestSplit_InvalidParameters(t *testing.T) {
	key := newTestKey(t)

	tests := []struct {
		name string
		n, t int
	}{
		{"threshold below two", 5, 1},
		{"threshold above total", 3, 4},
		{"too many shares", 256, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Split(key, tt.n, tt.t)
			assert.ErrorIs(t, err, interfaces.ErrUsage)
		})
	}

	_, err := Split(make(interfaces.MasterKey, 16), 5, 3)
	assert.ErrorIs(t, err, interfaces.ErrCorruptKey)
}

func TestCombine_EveryThresholdSubset(t *testing.T) {
	key := newTestKey(t)
	shares, err := Split(key, 5, 3)
	require.NoError(t, err)

	for _, idx := range subsets(5, 3) {
		restored, err := Combine(pick(shares, idx))
		require.NoError(t, err, "subset %v", idx)
		assert.True(t, key.Equal(restored), "subset %v reconstructed wrong key", idx)
	}

	for _, idx := range subsets(5, 2) {
		_, err := Combine(pick(shares, idx))
		assert.ErrorIs(t, err, interfaces.ErrInsufficientShares, "subset %v", idx)
	}

	restored, err := Combine(shares)
	require.NoError(t, err, "All shares together should reconstruct")
	assert.True(t, key.Equal(restored))
}

func TestCombine_OrderAndDuplicates(t *testing.T) {
	key := newTestKey(t)
	shares, err := Split(key, 5, 3)
	require.NoError(t, err)

	restored, err := Combine([]*Share{shares[4], shares[0], shares[2]})
	require.NoError(t, err)
	assert.True(t, key.Equal(restored), "Order should not matter")

	_, err = Combine([]*Share{shares[1], shares[1], shares[1]})
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares, "Duplicates count once")

	restored, err = Combine([]*Share{shares[1], shares[1], shares[3], shares[0]})
	require.NoError(t, err)
	assert.True(t, key.Equal(restored))
}

func TestCombine_MixedSets(t *testing.T) {
	key := newTestKey(t)
	setA, err := Split(key, 5, 3)
	require.NoError(t, err)
	setB, err := Split(key, 5, 3)
	require.NoError(t, err)

	_, err = Combine([]*Share{setA[0], setA[1], setB[2]})
	assert.ErrorIs(t, err, interfaces.ErrIncompatibleShareSet)

	_, err = Combine(nil)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)
}

func TestShare_SerializationAndBitFlips(t *testing.T) {
	key := newTestKey(t)
	shares, err := Split(key, 3, 2)
	require.NoError(t, err)

	blob, err := shares[1].MarshalBinary()
	require.NoError(t, err)
	assert.True(t, IsShareContainer(blob))

	parsed, err := ParseShare(blob)
	require.NoError(t, err)
	assert.Equal(t, shares[1].SetID, parsed.SetID)
	assert.Equal(t, shares[1].Index, parsed.Index)
	assert.Equal(t, shares[1].Data, parsed.Data)
	assert.True(t, shares[1].CreatedAt.Equal(parsed.CreatedAt))

	for i := 0; i < len(blob)*8; i++ {
		corrupted := append([]byte(nil), blob...)
		corrupted[i/8] ^= 1 << (i % 8)
		_, err := ParseShare(corrupted)
		require.ErrorIs(t, err, interfaces.ErrChecksumMismatch, "bit %d flip not detected", i)
	}

	restored, err := Combine([]*Share{shares[0], parsed})
	require.NoError(t, err)
	assert.True(t, key.Equal(restored))
}
