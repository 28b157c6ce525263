package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/txcoord/config"
	"github.com/vadiminshakov/txcoord/core/deadlock"
	"github.com/vadiminshakov/txcoord/core/dto"
	"github.com/vadiminshakov/txcoord/core/lock"
	"github.com/vadiminshakov/txcoord/core/protocol"
	"github.com/vadiminshakov/txcoord/core/txn"
)

// TransactionManager is the caller API of the coordinator.
type TransactionManager interface {
	Begin() (dto.TransactionID, error)
	Prepare(ctx context.Context, id dto.TransactionID, participants ...dto.NodeID) (dto.TransactionState, error)
	Commit(ctx context.Context, id dto.TransactionID) dto.CommitResult
	Abort(id dto.TransactionID)
	HandleDeadlock(ids []dto.TransactionID) (dto.TransactionID, bool)
}

type commitEngine interface {
	Prepare(ctx context.Context, tx dto.TransactionID, participants []dto.NodeID, payload []byte) protocol.PrepareResult
	Commit(ctx context.Context, tx dto.TransactionID, participants []dto.NodeID) protocol.CommitRoundResult
	Abort(tx dto.TransactionID, participants []dto.NodeID, reason string)
}

// Recorder receives transaction lifecycle events.
type Recorder interface {
	TransactionBegun()
	TransactionFinished(result dto.CommitResult)
	DeadlockVictim()
}

type nopRecorder struct{}

func (nopRecorder) TransactionBegun()                    {}
func (nopRecorder) TransactionFinished(dto.CommitResult) {}
func (nopRecorder) DeadlockVictim()                      {}

type Option func(*coordinator)

func WithRecorder(r Recorder) Option {
	return func(c *coordinator) { c.recorder = r }
}

// Stats is a summary of the registry.
type Stats struct {
	Active    int
	ByState   map[dto.TransactionState]int
	LocksHeld int
	MeanAge   time.Duration
}

type coordinator struct {
	config   *config.Config
	engine   commitEngine
	locks    *lock.Manager
	recorder Recorder
	victims  deadlock.VictimPolicy
	detector *deadlock.Detector
	outcomes *ristretto.Cache[string, dto.Outcome]

	mu  sync.RWMutex
	txs map[dto.TransactionID]*txn.Transaction

	timersMu sync.RWMutex
	timers   map[dto.TransactionID]*time.Timer

	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(conf *config.Config, engine commitEngine, locks *lock.Manager, opts ...Option) (*coordinator, error) {
	victims, err := deadlock.ParseVictimPolicy(conf.VictimPolicy)
	if err != nil {
		return nil, err
	}

	outcomes, err := ristretto.NewCache(&ristretto.Config[string, dto.Outcome]{
		NumCounters: 1 << 17,
		MaxCost:     1 << 14,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create outcome cache")
	}

	c := &coordinator{
		config:   conf,
		engine:   engine,
		locks:    locks,
		recorder: nopRecorder{},
		victims:  victims,
		outcomes: outcomes,
		txs:      make(map[dto.TransactionID]*txn.Transaction),
		timers:   make(map[dto.TransactionID]*time.Timer),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.detector = deadlock.NewDetector(c, c, conf.DeadlockInterval, conf.TxTimeout/2)

	return c, nil
}

// Begin registers a new Active transaction and schedules its timeout.
func (c *coordinator) Begin() (dto.TransactionID, error) {
	c.mu.Lock()
	if live := len(c.txs); live >= c.config.MaxConcurrent {
		c.mu.Unlock()
		return "", errors.Wrapf(dto.ErrConcurrencyLimitExceeded, "%d live transactions, limit is %d", live, c.config.MaxConcurrent)
	}
	id := dto.NewTransactionID()
	tx := txn.New(id, c.config.TxTimeout, c.now())
	c.txs[id] = tx
	c.mu.Unlock()

	c.scheduleTimeout(tx)
	c.recorder.TransactionBegun()
	log.Infof("began transaction %s", id)

	return id, nil
}

// Stage attaches the payload sent to participants with prepare.
func (c *coordinator) Stage(id dto.TransactionID, payload []byte) error {
	tx, err := c.get(id)
	if err != nil {
		return err
	}
	return tx.Stage(payload)
}

// Enlist adds participants to an Active transaction ahead of Prepare.
func (c *coordinator) Enlist(id dto.TransactionID, nodes ...dto.NodeID) error {
	tx, err := c.get(id)
	if err != nil {
		return err
	}
	return tx.AddParticipants(nodes...)
}

// Prepare locks every participant and runs the prepare round. It returns
// Prepared when all participants voted yes and Aborted otherwise;
// participant-side failures are never returned as errors.
func (c *coordinator) Prepare(ctx context.Context, id dto.TransactionID, participants ...dto.NodeID) (dto.TransactionState, error) {
	tx, err := c.get(id)
	if err != nil {
		return dto.StateAborted, err
	}
	if s := tx.State(); s != dto.StateActive {
		return s, errors.Wrapf(dto.ErrInvalidStateTransition, "cannot prepare transaction %s in state %s", id, s)
	}
	if tx.Expired(c.now()) {
		c.abort(tx, dto.Timeout, "deadline exceeded before prepare")
		return dto.StateAborted, errors.Wrapf(dto.ErrTimeout, "transaction %s passed its deadline", id)
	}
	if err := tx.BeginPrepare(participants, c.now()); err != nil {
		return tx.State(), err
	}

	nodes := tx.Participants()
	if err := c.lockParticipants(tx, nodes); err != nil {
		log.Warnf("transaction %s: %v", id, err)
		c.abort(tx, dto.Aborted, err.Error())
		return dto.StateAborted, nil
	}

	ctx, cancel := c.roundContext(ctx, tx)
	defer cancel()

	res := c.engine.Prepare(ctx, id, nodes, tx.Payload())
	for _, resp := range res.Responses {
		tx.RecordPrepareResponse(resp)
	}
	tx.RecordRound(res.Metrics)

	if res.Success && tx.FullyPrepared() {
		if err := tx.Transition(dto.StatePreparing, dto.StatePrepared); err != nil {
			log.Warnf("transaction %s aborted while preparing, votes discarded", id)
			return dto.StateAborted, nil
		}
		log.Infof("transaction %s prepared on %d participants", id, len(nodes))
		return dto.StatePrepared, nil
	}

	result, reason := dto.Aborted, "prepare round incomplete"
	if err := res.Err(); err != nil {
		reason = err.Error()
	}
	if res.TimedOut {
		result = dto.Timeout
	}
	c.abort(tx, result, reason)

	return dto.StateAborted, nil
}

// lockParticipants takes an exclusive lock on every participant. A failure
// releases everything tx holds, also when a concurrent abort already ran its
// own release and removed tx from the registry.
func (c *coordinator) lockParticipants(tx *txn.Transaction, nodes []dto.NodeID) error {
	for _, node := range nodes {
		l, err := c.locks.Acquire(lock.ParticipantResource(node), node, tx.ID(), dto.LockExclusive)
		if err != nil {
			c.releaseLocks(tx)
			return errors.Wrapf(err, "lock participant %s", node)
		}
		tx.AddLock(l)
	}
	if s := tx.State(); s != dto.StatePreparing {
		c.releaseLocks(tx)
		return errors.Wrapf(dto.ErrInvalidStateTransition, "transaction left preparing (%s) while locking participants", s)
	}
	return nil
}

func (c *coordinator) releaseLocks(tx *txn.Transaction) {
	c.locks.ReleaseAll(tx.ID())
	tx.ClearLocks()
}

// Commit runs the commit round of a Prepared transaction. It never fails:
// any problem is reported through the returned CommitResult. A transaction
// in any other state is left untouched and Aborted is returned.
func (c *coordinator) Commit(ctx context.Context, id dto.TransactionID) dto.CommitResult {
	tx, err := c.get(id)
	if err != nil {
		log.Warnf("commit of %s refused: %v", id, err)
		return dto.Aborted
	}
	if s := tx.State(); s != dto.StatePrepared {
		log.Warnf("commit of %s refused in state %s", id, s)
		return dto.Aborted
	}
	if tx.Expired(c.now()) {
		c.abort(tx, dto.Timeout, "deadline exceeded before commit")
		return dto.Timeout
	}
	if err := tx.Transition(dto.StatePrepared, dto.StateCommitting); err != nil {
		return dto.Aborted
	}

	ctx, cancel := c.roundContext(ctx, tx)
	defer cancel()

	res := c.engine.Commit(ctx, id, tx.Participants())
	tx.RecordRound(res.Metrics)

	if res.Result != dto.Committed {
		reason := res.Reason
		if err := res.Err(); err != nil {
			reason = err.Error()
		}
		c.abort(tx, res.Result, reason)
		return res.Result
	}
	if err := tx.Transition(dto.StateCommitting, dto.StateCommitted); err != nil {
		log.Warnf("transaction %s aborted during the commit round: %v", id, err)
		return dto.Aborted
	}

	c.releaseLocks(tx)
	c.finish(tx, dto.Committed, "")
	log.Infof("transaction %s committed", id)

	return dto.Committed
}

// Abort aborts a live transaction. Unknown and finished transactions are ignored.
func (c *coordinator) Abort(id dto.TransactionID) {
	tx, err := c.get(id)
	if err != nil {
		return
	}
	c.abort(tx, dto.Aborted, "aborted by caller")
}

// HandleDeadlock aborts one victim among ids according to the victim policy.
func (c *coordinator) HandleDeadlock(ids []dto.TransactionID) (dto.TransactionID, bool) {
	c.mu.RLock()
	candidates := make([]dto.TransactionInfo, 0, len(ids))
	for _, id := range ids {
		tx, ok := c.txs[id]
		if !ok {
			continue
		}
		if s := tx.State(); s.IsTerminal() || s == dto.StateAborting {
			continue
		}
		candidates = append(candidates, tx.Info())
	}
	c.mu.RUnlock()

	victim, ok := deadlock.SelectVictim(candidates, c.victims)
	if !ok {
		return "", false
	}

	tx, err := c.get(victim)
	if err != nil {
		return "", false
	}
	if c.abort(tx, dto.Aborted, "selected as deadlock victim") {
		c.recorder.DeadlockVictim()
		log.Warnf("transaction %s aborted as %s deadlock victim among %d suspects", victim, c.victims, len(candidates))
	}

	return victim, true
}

// AcquireLock takes a lock on behalf of a live transaction.
func (c *coordinator) AcquireLock(id dto.TransactionID, resource dto.ResourceID, node dto.NodeID, lockType dto.LockType) error {
	tx, err := c.get(id)
	if err != nil {
		return err
	}
	if s := tx.State(); s.IsTerminal() || s == dto.StateAborting {
		return errors.Wrapf(dto.ErrInvalidStateTransition, "cannot lock for transaction %s in state %s", id, s)
	}

	l, err := c.locks.Acquire(resource, node, id, lockType)
	if err != nil {
		return err
	}
	if s := tx.State(); s.IsTerminal() || s == dto.StateAborting {
		c.locks.Release(id, resource)
		return errors.Wrapf(dto.ErrInvalidStateTransition, "transaction %s aborted while locking", id)
	}
	tx.AddLock(l)

	return nil
}

// State returns the state of a live or recently finished transaction.
func (c *coordinator) State(id dto.TransactionID) (dto.TransactionState, error) {
	if tx, err := c.get(id); err == nil {
		return tx.State(), nil
	}
	if o, ok := c.Outcome(id); ok {
		if o.Result == dto.Committed {
			return dto.StateCommitted, nil
		}
		return dto.StateAborted, nil
	}
	return dto.StateAborted, errors.Wrapf(dto.ErrNotFound, "transaction %s", id)
}

// Outcome returns the final record of a recently finished transaction.
// Outcomes are kept on a best-effort basis for the configured TTL.
func (c *coordinator) Outcome(id dto.TransactionID) (dto.Outcome, bool) {
	return c.outcomes.Get(string(id))
}

// Transactions returns snapshots of all live transactions.
func (c *coordinator) Transactions() []dto.TransactionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]dto.TransactionInfo, 0, len(c.txs))
	for _, tx := range c.txs {
		out = append(out, tx.Info())
	}
	return out
}

// Deadlocked returns the transactions on a lock wait-for cycle.
func (c *coordinator) Deadlocked() []dto.TransactionID {
	return c.locks.Deadlocked()
}

func (c *coordinator) Stats() Stats {
	now := c.now()
	infos := c.Transactions()

	stats := Stats{
		Active:    len(infos),
		ByState:   make(map[dto.TransactionState]int),
		LocksHeld: c.locks.Count(),
	}
	var age time.Duration
	for _, info := range infos {
		stats.ByState[info.State]++
		age += now.Sub(info.StartedAt)
	}
	if len(infos) > 0 {
		stats.MeanAge = age / time.Duration(len(infos))
	}
	return stats
}

func (c *coordinator) get(id dto.TransactionID) (*txn.Transaction, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tx, ok := c.txs[id]
	if !ok {
		return nil, errors.Wrapf(dto.ErrNotFound, "transaction %s", id)
	}
	return tx, nil
}

// roundContext bounds a protocol round by the transaction deadline and ends
// it early once the transaction starts aborting.
func (c *coordinator) roundContext(ctx context.Context, tx *txn.Transaction) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithDeadline(ctx, tx.Deadline())
	go func() {
		select {
		case <-tx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// abort moves tx to Aborted, notifies its participants and releases its
// locks. Only the caller that wins the transition to Aborting does the work;
// everyone else gets false.
func (c *coordinator) abort(tx *txn.Transaction, result dto.CommitResult, reason string) bool {
	for {
		s := tx.State()
		if s.IsTerminal() || s == dto.StateAborting {
			return false
		}
		if tx.Transition(s, dto.StateAborting) == nil {
			break
		}
	}

	log.WithFields(log.Fields{
		"tx":     tx.ID(),
		"result": result,
		"reason": reason,
	}).Warn("aborting transaction")

	c.engine.Abort(tx.ID(), tx.Participants(), reason)
	c.releaseLocks(tx)
	if err := tx.Transition(dto.StateAborting, dto.StateAborted); err != nil {
		log.Errorf("transaction %s: %v", tx.ID(), err)
	}
	c.finish(tx, result, reason)

	return true
}

// finish removes a terminal transaction and records its outcome.
func (c *coordinator) finish(tx *txn.Transaction, result dto.CommitResult, reason string) {
	c.mu.Lock()
	delete(c.txs, tx.ID())
	c.mu.Unlock()

	c.timersMu.Lock()
	if t, ok := c.timers[tx.ID()]; ok {
		t.Stop()
		delete(c.timers, tx.ID())
	}
	c.timersMu.Unlock()

	c.outcomes.SetWithTTL(string(tx.ID()), dto.Outcome{
		Tx:         tx.ID(),
		Result:     result,
		Reason:     reason,
		Metrics:    tx.Metrics(),
		Votes:      tx.PrepareResponses(),
		FinishedAt: c.now(),
	}, 1, c.config.OutcomeTTL)
	c.outcomes.Wait()
	c.recorder.TransactionFinished(result)
}

func (c *coordinator) scheduleTimeout(tx *txn.Transaction) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()

	if tx.State().IsTerminal() {
		return
	}
	c.timers[tx.ID()] = time.AfterFunc(tx.Timeout(), func() {
		if c.abort(tx, dto.Timeout, "transaction deadline exceeded") {
			log.Warnf("transaction %s timed out after %s", tx.ID(), tx.Timeout())
		}
	})
}

// sweepExpired aborts live transactions past their deadline. It backs up the
// per-transaction timers.
func (c *coordinator) sweepExpired(now time.Time) int {
	var expired []*txn.Transaction
	c.mu.RLock()
	for _, tx := range c.txs {
		if tx.Expired(now) {
			expired = append(expired, tx)
		}
	}
	c.mu.RUnlock()

	n := 0
	for _, tx := range expired {
		if c.abort(tx, dto.Timeout, "transaction deadline exceeded") {
			n++
		}
	}
	return n
}

func (c *coordinator) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.sweepExpired(c.now()); n > 0 {
				log.Infof("swept %d expired transactions", n)
			}
		}
	}
}

// Start runs deadlock detection and the expiry sweeper until Close.
func (c *coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.detector.Run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.runSweeper(ctx)
	}()
}

// Close stops background work. Live transactions are left as they are.
func (c *coordinator) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.timersMu.Lock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.timersMu.Unlock()

	c.outcomes.Close()
}
