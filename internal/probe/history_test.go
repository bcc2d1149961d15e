package probe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHistory_KeepsMostRecentTwenty(t *testing.T) {
	t.Parallel()

	s := New(Config{NodeID: "self"})
	for i := int64(1); i <= 25; i++ {
		s.recordRTT("n1", i)
		require.LessOrEqual(t, len(s.History("n1")), historyLimit)
	}

	got := s.History("n1")
	require.Len(t, got, historyLimit)
	for i, v := range got {
		require.Equal(t, int64(i+6), v)
	}
}

func TestStability_ConstantRTTIsZero(t *testing.T) {
	t.Parallel()

	s := New(Config{NodeID: "self"})
	for i := 0; i < 5; i++ {
		s.recordRTT("n1", 50)
	}

	avg, ok := s.AverageRTT("n1")
	require.True(t, ok)
	require.Equal(t, 50.0, avg)
	require.Equal(t, 0.0, s.Stability("n1"))
}

func TestStability_MeanAbsoluteDeviation(t *testing.T) {
	t.Parallel()

	s := New(Config{NodeID: "self"})
	for _, v := range []int64{10, 20, 30, 40} {
		s.recordRTT("n1", v)
	}

	avg, ok := s.AverageRTT("n1")
	require.True(t, ok)
	require.Equal(t, 25.0, avg)
	require.Equal(t, 10.0, s.Stability("n1"))
}

func TestMetrics_UnknownNeighbour(t *testing.T) {
	t.Parallel()

	s := New(Config{NodeID: "self"})
	_, ok := s.AverageRTT("nobody")
	require.False(t, ok)
	require.Equal(t, 0.0, s.Stability("nobody"))
	require.Nil(t, s.History("nobody"))
	require.Equal(t, 0.0, s.LossRate("nobody"))
}
