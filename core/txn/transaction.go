// Package txn holds the in-memory representation of a distributed transaction.
package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/txcoord/core/dto"
)

// Transaction is a distributed transaction tracked by the coordinator.
//
// The state field only moves through Transition, which is compare-and-set:
// a caller that observed a stale state loses instead of overwriting.
type Transaction struct {
	id      dto.TransactionID
	started time.Time
	timeout time.Duration

	state atomic.Int32

	mu             sync.RWMutex
	participants   dto.NodeSet
	responses      map[dto.NodeID]dto.PrepareResponse
	locks          []dto.ResourceLock
	payload        []byte
	preparingSince time.Time
	metrics        dto.RoundMetrics

	abortOnce sync.Once
	done      chan struct{}
}

// New creates an Active transaction started at now.
func New(id dto.TransactionID, timeout time.Duration, now time.Time) *Transaction {
	tx := &Transaction{
		id:           id,
		started:      now,
		timeout:      timeout,
		participants: make(dto.NodeSet),
		responses:    make(map[dto.NodeID]dto.PrepareResponse),
		done:         make(chan struct{}),
	}
	tx.state.Store(int32(dto.StateActive))
	return tx
}

func (t *Transaction) ID() dto.TransactionID { return t.id }

func (t *Transaction) StartedAt() time.Time { return t.started }

func (t *Transaction) Timeout() time.Duration { return t.timeout }

// Deadline is the instant after which the transaction must not complete.
func (t *Transaction) Deadline() time.Time { return t.started.Add(t.timeout) }

// Expired reports whether the deadline has passed at now.
func (t *Transaction) Expired(now time.Time) bool {
	return !now.Before(t.Deadline())
}

// State returns the current lifecycle state.
func (t *Transaction) State() dto.TransactionState {
	return dto.TransactionState(t.state.Load())
}

// Transition moves the transaction from one state to another if the move is
// allowed and the transaction is still in from.
func (t *Transaction) Transition(from, to dto.TransactionState) error {
	if !CanTransition(from, to) {
		return errors.Wrapf(dto.ErrInvalidStateTransition, "%s -> %s", from, to)
	}
	if !t.state.CompareAndSwap(int32(from), int32(to)) {
		return errors.Wrapf(dto.ErrInvalidStateTransition, "stale transition %s -> %s, state is %s", from, to, t.State())
	}
	if to == dto.StateAborting {
		t.abortOnce.Do(func() { close(t.done) })
	}
	return nil
}

// Done is closed once the transaction starts aborting.
func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

// AddParticipants merges nodes into the participant set. Only allowed while Active.
func (t *Transaction) AddParticipants(nodes ...dto.NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s := t.State(); s != dto.StateActive {
		return errors.Wrapf(dto.ErrInvalidStateTransition, "participants are frozen in state %s", s)
	}
	for _, n := range nodes {
		t.participants.Add(n)
	}
	return nil
}

// BeginPrepare freezes the participant set, merging nodes into it, and moves
// the transaction from Active to Preparing.
func (t *Transaction) BeginPrepare(nodes []dto.NodeID, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.Transition(dto.StateActive, dto.StatePreparing); err != nil {
		return err
	}
	for _, n := range nodes {
		t.participants.Add(n)
	}
	t.preparingSince = now
	return nil
}

// Participants returns the participant set in lexical order.
func (t *Transaction) Participants() []dto.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.participants.Sorted()
}

// Stage sets the opaque payload sent to participants with prepare.
func (t *Transaction) Stage(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s := t.State(); s != dto.StateActive {
		return errors.Wrapf(dto.ErrInvalidStateTransition, "cannot stage payload in state %s", s)
	}
	t.payload = append([]byte(nil), payload...)
	return nil
}

func (t *Transaction) Payload() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.payload
}

// RecordPrepareResponse stores a participant's vote. Votes are accepted only
// while Preparing, only from participants and only once per node.
func (t *Transaction) RecordPrepareResponse(resp dto.PrepareResponse) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() != dto.StatePreparing || !t.participants.Contains(resp.Node) {
		return false
	}
	if _, ok := t.responses[resp.Node]; ok {
		return false
	}
	t.responses[resp.Node] = resp
	return true
}

// PrepareResponses returns a copy of the recorded votes.
func (t *Transaction) PrepareResponses() map[dto.NodeID]dto.PrepareResponse {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[dto.NodeID]dto.PrepareResponse, len(t.responses))
	for k, v := range t.responses {
		out[k] = v
	}
	return out
}

// FullyPrepared reports whether every participant has exactly one successful vote.
func (t *Transaction) FullyPrepared() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.responses) != len(t.participants) {
		return false
	}
	for node := range t.participants {
		resp, ok := t.responses[node]
		if !ok || !resp.Success {
			return false
		}
	}
	return true
}

func (t *Transaction) AddLock(l dto.ResourceLock) {
	t.mu.Lock()
	t.locks = append(t.locks, l)
	t.mu.Unlock()
}

func (t *Transaction) Locks() []dto.ResourceLock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]dto.ResourceLock(nil), t.locks...)
}

func (t *Transaction) ClearLocks() {
	t.mu.Lock()
	t.locks = nil
	t.mu.Unlock()
}

// RecordRound merges the metrics of a finished protocol round.
func (t *Transaction) RecordRound(m dto.RoundMetrics) {
	t.mu.Lock()
	t.metrics = t.metrics.Merge(m)
	t.mu.Unlock()
}

// Metrics returns the combined metrics of every round run so far.
func (t *Transaction) Metrics() dto.RoundMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.metrics
}

// Info returns a snapshot of the transaction.
func (t *Transaction) Info() dto.TransactionInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return dto.TransactionInfo{
		ID:             t.id,
		State:          t.State(),
		Participants:   t.participants.Sorted(),
		StartedAt:      t.started,
		PreparingSince: t.preparingSince,
		Deadline:       t.Deadline(),
	}
}
