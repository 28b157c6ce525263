// Package cohort is the participant side of the commit protocol.
//
// A cohort votes on prepare requests, remembers what it voted yes on in a
// gowal vote log and applies committed payloads to its store. Aborted
// transactions are tombstoned for a while so that a prepare arriving after
// its own abort is refused.
package cohort

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/txcoord/core/cohort/hooks"
	"github.com/vadiminshakov/txcoord/core/dto"
	"github.com/vadiminshakov/txcoord/core/wire"
)

// Store receives committed payloads.
type Store interface {
	Put(key string, value []byte) error
}

// RecoveryState describes what the vote log replay found.
type RecoveryState struct {
	// NextIndex is the vote log index the next record is written at.
	NextIndex uint64
	// InDoubt lists transactions prepared but neither committed nor aborted.
	InDoubt   []dto.TransactionID
	Committed int
	Aborted   int
}

type Cohort struct {
	node         dto.NodeID
	wal          *gowal.Wal
	store        Store
	hookRegistry *hooks.Registry
	tombstones   *ristretto.Cache[string, struct{}]
	tombstoneTTL time.Duration

	mu     sync.Mutex
	index  uint64
	staged map[dto.TransactionID][]byte
}

// New creates a cohort and replays wal into it. Without custom hooks the
// default logging hook is registered.
func New(node dto.NodeID, wal *gowal.Wal, store Store, tombstoneTTL time.Duration, customHooks ...hooks.Hook) (*Cohort, *RecoveryState, error) {
	if wal == nil {
		return nil, nil, errors.New("wal is nil")
	}

	tombstones, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters: 1 << 17,
		MaxCost:     1 << 14,
		BufferItems: 64,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "create tombstone cache")
	}

	registry := hooks.NewRegistry()
	for _, hook := range customHooks {
		registry.Register(hook)
	}
	if len(customHooks) == 0 {
		registry.Register(hooks.NewDefaultHook())
	}

	c := &Cohort{
		node:         node,
		wal:          wal,
		store:        store,
		hookRegistry: registry,
		tombstones:   tombstones,
		tombstoneTTL: tombstoneTTL,
		staged:       make(map[dto.TransactionID][]byte),
	}

	recovery, err := c.recover()
	if err != nil {
		tombstones.Close()
		return nil, nil, err
	}
	log.Infof("cohort %s recovered: %d in doubt, %d committed, %d aborted",
		node, len(recovery.InDoubt), recovery.Committed, recovery.Aborted)

	return c, recovery, nil
}

// Handle answers one protocol message.
func (c *Cohort) Handle(ctx context.Context, req dto.Request) (dto.Response, error) {
	if err := ctx.Err(); err != nil {
		return dto.Response{}, err
	}

	switch req.Type {
	case dto.MessagePrepare:
		return c.prepare(req)
	case dto.MessageCommit:
		return c.commit(req)
	case dto.MessageAbort:
		return c.abort(req)
	default:
		return dto.Response{}, errors.Errorf("unknown message type %d", req.Type)
	}
}

func (c *Cohort) prepare(req dto.Request) (dto.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, aborted := c.tombstones.Get(string(req.Tx)); aborted {
		return c.nack(req, "transaction already aborted"), nil
	}
	if _, ok := c.staged[req.Tx]; ok {
		return c.ack(req), nil
	}
	if !c.hookRegistry.ExecutePrepare(req) {
		return c.nack(req, "rejected by prepare hook"), nil
	}

	if err := c.write(wire.KeyPrepared, req.Tx, req.Payload); err != nil {
		return c.nack(req, err.Error()), nil
	}
	c.staged[req.Tx] = append([]byte{}, req.Payload...)
	log.Infof("prepared tx %s (%d bytes)", req.Tx, len(req.Payload))

	return c.ack(req), nil
}

func (c *Cohort) commit(req dto.Request) (dto.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, ok := c.staged[req.Tx]
	if !ok {
		return c.nack(req, "nothing staged for transaction"), nil
	}
	if !c.hookRegistry.ExecuteCommit(req) {
		return c.nack(req, "rejected by commit hook"), nil
	}

	if err := c.write(wire.KeyCommit, req.Tx, payload); err != nil {
		return dto.Response{}, err
	}
	if err := c.store.Put(string(req.Tx), payload); err != nil {
		return dto.Response{}, errors.Wrapf(err, "apply tx %s", req.Tx)
	}
	delete(c.staged, req.Tx)
	log.Infof("committed tx %s", req.Tx)

	return c.ack(req), nil
}

func (c *Cohort) abort(req dto.Request) (dto.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.staged, req.Tx)
	c.tombstone(req.Tx)
	if err := c.write(wire.KeyAbort, req.Tx, nil); err != nil {
		log.Errorf("failed to log abort of tx %s: %v", req.Tx, err)
	}
	log.WithFields(log.Fields{"tx": req.Tx, "reason": string(req.Payload)}).Info("aborted transaction")

	return c.ack(req), nil
}

// Staged returns the transactions voted yes on and not yet resolved.
func (c *Cohort) Staged() []dto.TransactionID {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]dto.TransactionID, 0, len(c.staged))
	for tx := range c.staged {
		out = append(out, tx)
	}
	return out
}

// Close releases the tombstone cache. The vote log is owned by the caller.
func (c *Cohort) Close() {
	c.tombstones.Close()
}

func (c *Cohort) write(key string, tx dto.TransactionID, payload []byte) error {
	rec := wire.EncodeRecord(wire.Record{Key: key, Tx: tx, Payload: payload})
	if err := c.wal.Write(c.index, key, rec); err != nil {
		return errors.Wrapf(err, "write %s record of tx %s", key, tx)
	}
	c.index++
	return nil
}

func (c *Cohort) tombstone(tx dto.TransactionID) {
	c.tombstones.SetWithTTL(string(tx), struct{}{}, 1, c.tombstoneTTL)
	c.tombstones.Wait()
}

func (c *Cohort) ack(req dto.Request) dto.Response {
	return dto.Response{Type: req.Type, Tx: req.Tx, Node: c.node, Success: true}
}

func (c *Cohort) nack(req dto.Request, reason string) dto.Response {
	log.Warnf("voting no on %s of tx %s: %s", req.Type, req.Tx, reason)
	return dto.Response{Type: req.Type, Tx: req.Tx, Node: c.node, Reason: reason}
}

// recover replays the vote log. Commits are applied again, which is safe
// because the store keys by transaction id.
func (c *Cohort) recover() (*RecoveryState, error) {
	state := &RecoveryState{}
	var (
		maxIndex   uint64
		hasEntries bool
	)

	for msg := range c.wal.Iterator() {
		hasEntries = true
		if msg.Idx > maxIndex {
			maxIndex = msg.Idx
		}

		rec, err := wire.DecodeRecord(msg.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "vote log entry %d", msg.Idx)
		}

		switch rec.Key {
		case wire.KeyPrepared:
			c.staged[rec.Tx] = append([]byte{}, rec.Payload...)
		case wire.KeyCommit:
			delete(c.staged, rec.Tx)
			if err := c.store.Put(string(rec.Tx), append([]byte{}, rec.Payload...)); err != nil {
				return nil, errors.Wrapf(err, "reapply tx %s", rec.Tx)
			}
			state.Committed++
		case wire.KeyAbort:
			delete(c.staged, rec.Tx)
			c.tombstone(rec.Tx)
			state.Aborted++
		default:
			return nil, errors.Errorf("unknown vote log key %q at %d", rec.Key, msg.Idx)
		}
	}

	if hasEntries {
		c.index = maxIndex + 1
	}
	state.NextIndex = c.index
	for tx := range c.staged {
		state.InDoubt = append(state.InDoubt, tx)
	}

	return state, nil
}
