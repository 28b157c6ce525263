// Package lock implements the coordinator's distributed resource lock table.
//
// Locks are attributed to (transaction, node) pairs and granted according to
// the LockType compatibility relation. There is no wait queue: an incompatible
// request fails immediately with dto.ErrLockConflict and the caller decides
// whether to retry or abort. Failed requests are recorded in a wait-for graph
// so that circular waits between retrying transactions can be detected.
package lock

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/txcoord/core/dto"
)

// Manager is the lock table. All state is guarded by one readers-writer lock.
type Manager struct {
	mu        sync.RWMutex
	resources map[dto.ResourceID][]*dto.ResourceLock
	owned     map[dto.TransactionID]map[dto.ResourceID]struct{}
	waits     *WaitForGraph
	now       func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		resources: make(map[dto.ResourceID][]*dto.ResourceLock),
		owned:     make(map[dto.TransactionID]map[dto.ResourceID]struct{}),
		waits:     NewWaitForGraph(),
		now:       time.Now,
	}
}

// ParticipantResource names the resource a transaction locks for a participant.
func ParticipantResource(node dto.NodeID) dto.ResourceID {
	return dto.ResourceID("node_resource_" + string(node))
}

// Acquire grants tx a lock of lockType on resource on behalf of node.
//
// A transaction that already holds a lock on the resource gets it back; the
// held lock is upgraded when the request is stronger and still compatible
// with every other holder.
func (m *Manager) Acquire(resource dto.ResourceID, node dto.NodeID, tx dto.TransactionID, lockType dto.LockType) (dto.ResourceLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	holders := m.resources[resource]

	var (
		own      *dto.ResourceLock
		blockers []dto.TransactionID
		others   int
	)
	for _, h := range holders {
		if h.Tx == tx {
			own = h
			continue
		}
		others++
		if !lockType.CompatibleWith(h.Type) {
			blockers = append(blockers, h.Tx)
		}
	}

	if len(blockers) > 0 {
		m.waits.AddEdges(tx, blockers...)
		return dto.ResourceLock{}, errors.Wrapf(dto.ErrLockConflict,
			"%s lock on %s for tx %s blocked by %v", lockType, resource, tx, blockers)
	}

	if own != nil {
		switch {
		case own.Type.Covers(lockType):
		case lockType.Covers(own.Type):
			own.Type = lockType
		case others == 0:
			// S combined with IX needs the whole resource
			own.Type = dto.LockExclusive
		default:
			m.waits.AddEdges(tx, holderTxs(holders, tx)...)
			return dto.ResourceLock{}, errors.Wrapf(dto.ErrLockConflict,
				"cannot combine %s with held %s on %s", lockType, own.Type, resource)
		}
		m.waits.ClearWaiter(tx)
		return *own, nil
	}

	l := &dto.ResourceLock{
		Resource:   resource,
		Holder:     node,
		Tx:         tx,
		Type:       lockType,
		AcquiredAt: m.now(),
	}
	m.resources[resource] = append(holders, l)
	if m.owned[tx] == nil {
		m.owned[tx] = make(map[dto.ResourceID]struct{})
	}
	m.owned[tx][resource] = struct{}{}
	m.waits.ClearWaiter(tx)

	return *l, nil
}

// Release drops the lock tx holds on resource, if any.
func (m *Manager) Release(tx dto.TransactionID, resource dto.ResourceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := m.release(tx, resource)
	if len(m.owned[tx]) == 0 {
		delete(m.owned, tx)
	}
	return released != nil
}

// ReleaseAll drops every lock held by tx and removes it from the wait-for graph.
func (m *Manager) ReleaseAll(tx dto.TransactionID) []dto.ResourceLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []dto.ResourceLock
	for resource := range m.owned[tx] {
		if l := m.release(tx, resource); l != nil {
			released = append(released, *l)
		}
	}
	delete(m.owned, tx)
	m.waits.RemoveTransaction(tx)

	return released
}

func (m *Manager) release(tx dto.TransactionID, resource dto.ResourceID) *dto.ResourceLock {
	holders := m.resources[resource]
	for i, h := range holders {
		if h.Tx != tx {
			continue
		}
		holders = append(holders[:i], holders[i+1:]...)
		if len(holders) == 0 {
			delete(m.resources, resource)
		} else {
			m.resources[resource] = holders
		}
		delete(m.owned[tx], resource)
		return h
	}
	return nil
}

// compatible reports whether tx could be granted lockType on resource right now.
func (m *Manager) compatible(resource dto.ResourceID, tx dto.TransactionID, lockType dto.LockType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, h := range m.resources[resource] {
		if h.Tx != tx && !lockType.CompatibleWith(h.Type) {
			return false
		}
	}
	return true
}

// holders returns the locks currently granted on resource.
func (m *Manager) holders(resource dto.ResourceID) []dto.ResourceLock {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]dto.ResourceLock, 0, len(m.resources[resource]))
	for _, h := range m.resources[resource] {
		out = append(out, *h)
	}
	return out
}

// HeldBy returns the locks held by tx ordered by resource.
func (m *Manager) HeldBy(tx dto.TransactionID) []dto.ResourceLock {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []dto.ResourceLock
	for resource := range m.owned[tx] {
		for _, h := range m.resources[resource] {
			if h.Tx == tx {
				out = append(out, *h)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

// Count returns the number of granted locks.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, holders := range m.resources {
		n += len(holders)
	}
	return n
}

// LocksHeldBy returns the number of locks held on behalf of node.
func (m *Manager) LocksHeldBy(node dto.NodeID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, holders := range m.resources {
		for _, h := range holders {
			if h.Holder == node {
				n++
			}
		}
	}
	return n
}

// MeanHoldTime returns the average age at now of the locks held on behalf of node.
func (m *Manager) MeanHoldTime(node dto.NodeID, now time.Time) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		total time.Duration
		n     int
	)
	for _, holders := range m.resources {
		for _, h := range holders {
			if h.Holder == node {
				total += h.HoldTime(now)
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// Deadlocked returns the transactions that sit on a wait-for cycle.
func (m *Manager) Deadlocked() []dto.TransactionID {
	return m.waits.Deadlocked()
}

func holderTxs(holders []*dto.ResourceLock, except dto.TransactionID) []dto.TransactionID {
	var out []dto.TransactionID
	for _, h := range holders {
		if h.Tx != except {
			out = append(out, h.Tx)
		}
	}
	return out
}
