package logring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAssignsGapFreeSeq(t *testing.T) {
	r := New(5000)
	var last uint64
	for i := 0; i < 100; i++ {
		e := r.Append(FromClient, "c1", "", "frame")
		require.Equal(t, last+1, e.Seq)
		last = e.Seq
	}
}

func TestSinceNoResetWithinCapacity(t *testing.T) {
	r := New(10)
	for i := 0; i < 5; i++ {
		r.Append(FromClient, "c1", "", "frame")
	}
	res := r.Since(0, 0)
	require.False(t, res.ResetRequired)
	require.Len(t, res.Entries, 5)
	require.Equal(t, uint64(5), res.LatestSeq)
}

func TestSinceResetRequiredAfterEviction(t *testing.T) {
	r := New(5)
	for i := 0; i < 10; i++ {
		r.Append(FromClient, "c1", "", "frame")
	}
	res := r.Since(0, 0)
	require.True(t, res.ResetRequired)
	require.Equal(t, uint64(10), res.LatestSeq)

	res2 := r.Since(res.LatestSeq, 0)
	require.Empty(t, res2.Entries)
	require.False(t, res2.ResetRequired)
}

func TestCountsPerDirection(t *testing.T) {
	r := New(100)
	r.Append(FromClient, "c1", "", "a")
	r.Append(FromClient, "c1", "", "b")
	r.Append(ToExtension, "c1", "", "c")

	counts := r.Counts()
	require.Equal(t, uint64(2), counts[FromClient])
	require.Equal(t, uint64(1), counts[ToExtension])
}
