package dto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockType_CompatibilityMatrix(t *testing.T) {
	all := []LockType{LockShared, LockExclusive, LockIntentionShared, LockIntentionExclusive}
	expected := map[LockType][]LockType{
		LockShared:             {LockShared, LockIntentionShared},
		LockExclusive:          {},
		LockIntentionShared:    {LockShared, LockIntentionShared, LockIntentionExclusive},
		LockIntentionExclusive: {LockIntentionShared, LockIntentionExclusive},
	}

	for _, requested := range all {
		allowed := make(map[LockType]bool)
		for _, lt := range expected[requested] {
			allowed[lt] = true
		}
		for _, held := range all {
			require.Equal(t, allowed[held], requested.CompatibleWith(held),
				"requested %s while %s is held", requested, held)
			// the relation is symmetric
			require.Equal(t, requested.CompatibleWith(held), held.CompatibleWith(requested))
		}
	}
}

func TestTransactionState_IsTerminal(t *testing.T) {
	for s := StateActive; s <= StateAborted; s++ {
		require.Equal(t, s == StateCommitted || s == StateAborted, s.IsTerminal(), s.String())
	}
}

func TestRoundMetrics_Merge(t *testing.T) {
	prepare := RoundMetrics{Participants: 3, Successful: 3, Duration: 20 * time.Millisecond}
	commit := RoundMetrics{Participants: 3, Successful: 2, Failed: 1, Duration: 10 * time.Millisecond}

	merged := prepare.Merge(commit)
	require.Equal(t, 3, merged.Participants)
	require.Equal(t, 5, merged.Successful)
	require.Equal(t, 1, merged.Failed)
	require.Equal(t, 30*time.Millisecond, merged.Duration)

	require.Equal(t, 3, RoundMetrics{}.Merge(commit).Participants)
}

func TestNodeSet_Sorted(t *testing.T) {
	s := NewNodeSet("c", "a")
	s.Add("b")
	require.True(t, s.Contains("a"))
	require.False(t, s.Contains("d"))
	require.Equal(t, []NodeID{"a", "b", "c"}, s.Sorted())

	var empty NodeSet
	require.False(t, empty.Contains("a"))
}

func TestNewTransactionID_Unique(t *testing.T) {
	require.NotEqual(t, NewTransactionID(), NewTransactionID())
}
