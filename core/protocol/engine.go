// Package protocol drives the prepare, commit and abort rounds of two-phase
// commit against participant nodes.
//
// Each participant call gets its own timeout, scaled by the node's failure
// probability and bottleneck status, and the round as a whole is capped by the
// caller's context. A round completes when every participant has answered or
// the context is done, whichever comes first; answers that arrive later are
// dropped.
package protocol

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/txcoord/core/dto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	RoundPrepare = "prepare"
	RoundCommit  = "commit"
	RoundAbort   = "abort"

	tracerName = "github.com/vadiminshakov/txcoord/core/protocol"

	defaultWorkers      = 32
	defaultBaseTimeout  = 10 * time.Second
	defaultAbortTimeout = 5 * time.Second
)

// Transport delivers a request to a participant. The deadline of ctx is the
// participant's allotted time.
//
//go:generate mockgen -destination=../../mocks/mock_transport.go -package=mocks . Transport
type Transport interface {
	Send(ctx context.Context, node dto.NodeID, req dto.Request) (dto.Response, error)
}

// Advisor reports which of the participants are currently bottlenecked.
//
//go:generate mockgen -destination=../../mocks/mock_advisor.go -package=mocks . Advisor
type Advisor interface {
	CurrentBottlenecks(participants []dto.NodeID) dto.NodeSet
}

// RiskSource returns a node's estimated failure probability in [0, 1].
type RiskSource interface {
	Probability(node dto.NodeID) float64
}

// Observer receives the metrics of every finished round.
type Observer interface {
	ObserveRound(round string, m dto.RoundMetrics)
}

type Config struct {
	Coordinator  dto.NodeID
	BaseTimeout  time.Duration
	AbortTimeout time.Duration
	Workers      int
}

type Option func(*Engine)

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// Engine executes protocol rounds. It is safe for concurrent use; all rounds
// share one bounded pool of in-flight participant calls.
type Engine struct {
	transport Transport
	advisor   Advisor
	risk      RiskSource
	conf      Config
	workers   *semaphore.Weighted
	tracer    trace.Tracer
	observer  Observer
}

func NewEngine(transport Transport, advisor Advisor, risk RiskSource, conf Config, opts ...Option) *Engine {
	if conf.Workers <= 0 {
		conf.Workers = defaultWorkers
	}
	if conf.BaseTimeout <= 0 {
		conf.BaseTimeout = defaultBaseTimeout
	}
	if conf.AbortTimeout <= 0 {
		conf.AbortTimeout = defaultAbortTimeout
	}

	e := &Engine{
		transport: transport,
		advisor:   advisor,
		risk:      risk,
		conf:      conf,
		workers:   semaphore.NewWeighted(int64(conf.Workers)),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PrepareResult is the outcome of a prepare round.
type PrepareResult struct {
	Responses   map[dto.NodeID]dto.PrepareResponse
	Bottlenecks dto.NodeSet
	Success     bool
	// TimedOut is set when at least one vote is missing because a deadline passed.
	TimedOut bool
	Reason   string
	Metrics  dto.RoundMetrics
}

// Err classifies a failed round as dto.ErrTimeout or dto.ErrPrepareRejected.
func (r PrepareResult) Err() error {
	switch {
	case r.Success:
		return nil
	case r.TimedOut:
		return errors.Wrap(dto.ErrTimeout, r.Reason)
	default:
		return errors.Wrap(dto.ErrPrepareRejected, r.Reason)
	}
}

// CommitRoundResult is the outcome of a commit round.
type CommitRoundResult struct {
	Result  dto.CommitResult
	Failed  []dto.NodeID
	Reason  string
	Metrics dto.RoundMetrics
}

// Err classifies a failed round as dto.ErrTimeout or dto.ErrPartialCommitFailure.
func (r CommitRoundResult) Err() error {
	switch r.Result {
	case dto.Committed:
		return nil
	case dto.Timeout:
		return errors.Wrap(dto.ErrTimeout, r.Reason)
	default:
		return errors.Wrap(dto.ErrPartialCommitFailure, r.Reason)
	}
}

// Prepare asks every participant to vote and succeeds only if all vote yes.
func (e *Engine) Prepare(ctx context.Context, tx dto.TransactionID, participants []dto.NodeID, payload []byte) PrepareResult {
	start := time.Now()
	ctx, span := e.startSpan(ctx, RoundPrepare, tx, participants)
	defer span.End()

	bottlenecks := e.bottlenecks(participants)
	votes, _ := e.broadcast(ctx, participants, func(node dto.NodeID) (dto.Request, time.Duration) {
		req := dto.Request{
			Type:        dto.MessagePrepare,
			Tx:          tx,
			Coordinator: e.conf.Coordinator,
			Priority:    dto.PriorityNormal,
			Payload:     payload,
		}
		return req, AsymmetricTimeout(e.conf.BaseTimeout, e.probability(node), bottlenecks.Contains(node))
	})

	res := PrepareResult{
		Responses:   make(map[dto.NodeID]dto.PrepareResponse, len(participants)),
		Bottlenecks: bottlenecks,
	}

	var failed []dto.NodeID
	for _, node := range participants {
		v, ok := votes[node]

		var resp dto.PrepareResponse
		switch {
		case !ok:
			resp = dto.PrepareFailure(node, "timeout: no vote before round deadline")
			res.TimedOut = true
		case v.err != nil:
			resp = dto.PrepareFailure(node, v.err.Error())
			if errors.Is(v.err, dto.ErrTimeout) {
				res.TimedOut = true
			}
		case !v.resp.Success:
			resp = dto.PrepareFailure(node, v.resp.Reason)
		default:
			resp = dto.PrepareSuccess(node)
		}

		if !resp.Success {
			failed = append(failed, node)
		}
		res.Responses[node] = resp
	}

	res.Success = len(failed) == 0
	res.Metrics = dto.RoundMetrics{
		Participants: len(participants),
		Successful:   len(participants) - len(failed),
		Failed:       len(failed),
		Duration:     time.Since(start),
	}
	if !res.Success {
		res.Reason = failureReason(RoundPrepare, failed, bottlenecks)
		span.SetStatus(codes.Error, res.Reason)
	}

	e.observe(RoundPrepare, res.Metrics)
	log.WithFields(log.Fields{
		"tx":      tx,
		"success": res.Success,
		"failed":  len(failed),
		"elapsed": res.Metrics.Duration,
	}).Info("prepare round finished")

	return res
}

// Commit tells every participant to commit. Bottleneck participants get a
// higher message priority and twice the base timeout.
func (e *Engine) Commit(ctx context.Context, tx dto.TransactionID, participants []dto.NodeID) CommitRoundResult {
	start := time.Now()
	ctx, span := e.startSpan(ctx, RoundCommit, tx, participants)
	defer span.End()

	bottlenecks := e.bottlenecks(participants)
	votes, complete := e.broadcast(ctx, participants, func(node dto.NodeID) (dto.Request, time.Duration) {
		req := dto.Request{
			Type:        dto.MessageCommit,
			Tx:          tx,
			Coordinator: e.conf.Coordinator,
			Priority:    dto.PriorityNormal,
		}
		if bottlenecks.Contains(node) {
			req.Priority = dto.PriorityHigh
		}
		return req, CommitTimeout(e.conf.BaseTimeout, bottlenecks.Contains(node))
	})

	var (
		res   CommitRoundResult
		acked int
	)
	for _, node := range participants {
		v, ok := votes[node]
		if ok && v.err == nil && v.resp.Success {
			acked++
			continue
		}
		res.Failed = append(res.Failed, node)
		if ok {
			log.Warnf("participant %s failed to commit tx %s: %s", node, tx, v.reason())
		}
	}

	switch {
	case len(res.Failed) == 0:
		res.Result = dto.Committed
	case !complete:
		res.Result = dto.Timeout
	case acked > 0:
		res.Result = dto.ByzantineFailure
	default:
		res.Result = dto.Aborted
	}

	res.Metrics = dto.RoundMetrics{
		Participants: len(participants),
		Successful:   acked,
		Failed:       len(res.Failed),
		Duration:     time.Since(start),
	}
	if res.Result != dto.Committed {
		res.Reason = failureReason(RoundCommit, res.Failed, bottlenecks)
		span.SetStatus(codes.Error, res.Reason)
	}

	e.observe(RoundCommit, res.Metrics)
	log.WithFields(log.Fields{
		"tx":      tx,
		"result":  res.Result,
		"acked":   acked,
		"elapsed": res.Metrics.Duration,
	}).Info("commit round finished")

	return res
}

// Abort notifies participants without waiting for them. Delivery failures
// are logged and never retried.
func (e *Engine) Abort(tx dto.TransactionID, participants []dto.NodeID, reason string) {
	req := dto.Request{
		Type:        dto.MessageAbort,
		Tx:          tx,
		Coordinator: e.conf.Coordinator,
		Priority:    dto.PriorityHigh,
		Payload:     []byte(reason),
	}

	start := time.Now()
	for _, node := range participants {
		go func(node dto.NodeID) {
			v := e.send(context.Background(), node, req, e.conf.AbortTimeout)
			if v.err != nil || !v.resp.Success {
				log.Errorf("failed to send abort for tx %s to participant %s: %s", tx, node, v.reason())
				e.observe(RoundAbort, dto.RoundMetrics{Participants: 1, Failed: 1, Duration: time.Since(start)})
				return
			}
			e.observe(RoundAbort, dto.RoundMetrics{Participants: 1, Successful: 1, Duration: time.Since(start)})
		}(node)
	}
}

type vote struct {
	node dto.NodeID
	resp dto.Response
	err  error
}

func (v vote) reason() string {
	if v.err != nil {
		return v.err.Error()
	}
	return v.resp.Reason
}

// broadcast sends one request per node in parallel and collects the answers
// until all arrived or ctx is done. The second result reports whether every
// node answered in time.
func (e *Engine) broadcast(ctx context.Context, nodes []dto.NodeID, build func(dto.NodeID) (dto.Request, time.Duration)) (map[dto.NodeID]vote, bool) {
	results := make(chan vote, len(nodes))

	var g errgroup.Group
	for _, node := range nodes {
		req, timeout := build(node)
		g.Go(func() error {
			results <- e.send(ctx, node, req, timeout)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	votes := make(map[dto.NodeID]vote, len(nodes))
	for len(votes) < len(nodes) {
		select {
		case v, ok := <-results:
			if !ok {
				return votes, true
			}
			votes[v.node] = v
		case <-ctx.Done():
			return votes, false
		}
	}
	return votes, true
}

// send performs one participant call bounded by timeout. The call keeps
// running if the round is given up; its result is simply not read.
func (e *Engine) send(parent context.Context, node dto.NodeID, req dto.Request, timeout time.Duration) vote {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()

	if err := e.workers.Acquire(ctx, 1); err != nil {
		return vote{node: node, err: errors.Wrapf(dto.ErrTimeout, "no free worker for %s within %s", node, timeout)}
	}
	defer e.workers.Release(1)

	resp, err := e.transport.Send(ctx, node, req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, dto.ErrTimeout) {
			err = errors.Wrapf(dto.ErrTimeout, "%s did not answer %s within %s: %v", node, req.Type, timeout, err)
		}
		return vote{node: node, err: err}
	}

	if resp.Tx != req.Tx || resp.Type != req.Type || resp.Node != node {
		return vote{node: node, err: errors.Wrapf(dto.ErrByzantineReply,
			"%s answered %s for %s with %s for %s from %s", node, req.Type, req.Tx, resp.Type, resp.Tx, resp.Node)}
	}

	return vote{node: node, resp: resp}
}

func (e *Engine) bottlenecks(participants []dto.NodeID) dto.NodeSet {
	if e.advisor == nil {
		return dto.NodeSet{}
	}
	set := e.advisor.CurrentBottlenecks(participants)
	if set == nil {
		return dto.NodeSet{}
	}
	return set
}

func (e *Engine) probability(node dto.NodeID) float64 {
	if e.risk == nil {
		return 0
	}
	return e.risk.Probability(node)
}

func (e *Engine) observe(round string, m dto.RoundMetrics) {
	if e.observer != nil {
		e.observer.ObserveRound(round, m)
	}
}

func (e *Engine) startSpan(ctx context.Context, round string, tx dto.TransactionID, participants []dto.NodeID) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, round, trace.WithAttributes(
		attribute.String("tx.id", string(tx)),
		attribute.String("round", round),
		attribute.Int("participants", len(participants)),
	))
}

func failureReason(round string, failed []dto.NodeID, bottlenecks dto.NodeSet) string {
	names := make([]string, 0, len(failed))
	var slow []string
	for _, n := range failed {
		names = append(names, string(n))
		if bottlenecks.Contains(n) {
			slow = append(slow, string(n))
		}
	}

	reason := round + " phase failed on nodes: " + strings.Join(names, ", ")
	if len(slow) > 0 {
		reason += " (bottleneck nodes involved: " + strings.Join(slow, ", ") + ")"
	}
	return reason
}
