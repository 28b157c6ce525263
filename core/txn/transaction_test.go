package txn

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/txcoord/core/dto"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]dto.TransactionState]bool{
		{dto.StateActive, dto.StatePreparing}:     true,
		{dto.StateActive, dto.StateAborting}:      true,
		{dto.StatePreparing, dto.StatePrepared}:   true,
		{dto.StatePreparing, dto.StateAborting}:   true,
		{dto.StatePrepared, dto.StateCommitting}:  true,
		{dto.StatePrepared, dto.StateAborting}:    true,
		{dto.StateCommitting, dto.StateCommitted}: true,
		{dto.StateCommitting, dto.StateAborting}:  true,
		{dto.StateAborting, dto.StateAborted}:     true,
	}

	for from := dto.StateActive; from <= dto.StateAborted; from++ {
		for to := dto.StateActive; to <= dto.StateAborted; to++ {
			require.Equal(t, allowed[[2]dto.TransactionState{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransaction_TransitionRejectsStale(t *testing.T) {
	tx := New("tx1", time.Second, time.Now())

	require.NoError(t, tx.Transition(dto.StateActive, dto.StateAborting))
	err := tx.Transition(dto.StateActive, dto.StatePreparing)
	require.ErrorIs(t, err, dto.ErrInvalidStateTransition)
	require.Equal(t, dto.StateAborting, tx.State())

	select {
	case <-tx.Done():
	default:
		t.Fatal("done channel must be closed once aborting")
	}

	require.NoError(t, tx.Transition(dto.StateAborting, dto.StateAborted))
	require.ErrorIs(t, tx.Transition(dto.StateAborted, dto.StateAborting), dto.ErrInvalidStateTransition)
}

func TestTransaction_ConcurrentTransitionsHaveOneWinner(t *testing.T) {
	tx := New("tx1", time.Second, time.Now())

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tx.Transition(dto.StateActive, dto.StateAborting) == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), winners.Load())
}

func TestTransaction_ParticipantsFrozenAfterPrepare(t *testing.T) {
	tx := New("tx1", time.Second, time.Now())

	require.NoError(t, tx.AddParticipants("a"))
	require.NoError(t, tx.BeginPrepare([]dto.NodeID{"b", "a"}, time.Now()))
	require.Equal(t, []dto.NodeID{"a", "b"}, tx.Participants())

	require.ErrorIs(t, tx.AddParticipants("c"), dto.ErrInvalidStateTransition)
	require.ErrorIs(t, tx.Stage([]byte("late")), dto.ErrInvalidStateTransition)
	require.ErrorIs(t, tx.BeginPrepare([]dto.NodeID{"c"}, time.Now()), dto.ErrInvalidStateTransition)
	require.Equal(t, []dto.NodeID{"a", "b"}, tx.Participants())
}

func TestTransaction_FullyPrepared(t *testing.T) {
	tx := New("tx1", time.Second, time.Now())
	require.NoError(t, tx.BeginPrepare([]dto.NodeID{"a", "b"}, time.Now()))

	require.False(t, tx.FullyPrepared())
	require.True(t, tx.RecordPrepareResponse(dto.PrepareSuccess("a")))
	require.False(t, tx.FullyPrepared())

	// not a participant
	require.False(t, tx.RecordPrepareResponse(dto.PrepareSuccess("z")))

	require.True(t, tx.RecordPrepareResponse(dto.PrepareSuccess("b")))
	require.True(t, tx.FullyPrepared())

	// responses are immutable once recorded
	require.False(t, tx.RecordPrepareResponse(dto.PrepareFailure("b", "changed my mind")))
	require.True(t, tx.FullyPrepared())
}

func TestTransaction_LateVotesDiscardedAfterAbort(t *testing.T) {
	tx := New("tx1", time.Second, time.Now())
	require.NoError(t, tx.BeginPrepare([]dto.NodeID{"a"}, time.Now()))
	require.NoError(t, tx.Transition(dto.StatePreparing, dto.StateAborting))

	require.False(t, tx.RecordPrepareResponse(dto.PrepareSuccess("a")))
	require.Empty(t, tx.PrepareResponses())
}

func TestTransaction_Expired(t *testing.T) {
	start := time.Now()
	tx := New("tx1", 100*time.Millisecond, start)

	require.False(t, tx.Expired(start.Add(99*time.Millisecond)))
	require.True(t, tx.Expired(start.Add(100*time.Millisecond)))
	require.Equal(t, start.Add(100*time.Millisecond), tx.Info().Deadline)
}
