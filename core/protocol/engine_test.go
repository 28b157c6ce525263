package protocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/txcoord/core/dto"
	"github.com/vadiminshakov/txcoord/mocks"
	"go.uber.org/mock/gomock"
)

var abc = []dto.NodeID{"A", "B", "C"}

func ack(node dto.NodeID, req dto.Request) dto.Response {
	return dto.Response{Type: req.Type, Tx: req.Tx, Node: node, Success: true}
}

// funcTransport answers every call with fn.
type funcTransport func(ctx context.Context, node dto.NodeID, req dto.Request) (dto.Response, error)

func (f funcTransport) Send(ctx context.Context, node dto.NodeID, req dto.Request) (dto.Response, error) {
	return f(ctx, node, req)
}

type recordingObserver struct {
	mu     sync.Mutex
	rounds map[string][]dto.RoundMetrics
}

func (o *recordingObserver) ObserveRound(round string, m dto.RoundMetrics) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rounds == nil {
		o.rounds = make(map[string][]dto.RoundMetrics)
	}
	o.rounds[round] = append(o.rounds[round], m)
}

func (o *recordingObserver) get(round string) []dto.RoundMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]dto.RoundMetrics(nil), o.rounds[round]...)
}

type staticRisk map[dto.NodeID]float64

func (r staticRisk) Probability(node dto.NodeID) float64 { return r[node] }

func TestAsymmetricTimeout(t *testing.T) {
	require.Equal(t, 3000*time.Millisecond, AsymmetricTimeout(1000*time.Millisecond, 0.5, true))
	require.Equal(t, 1000*time.Millisecond, AsymmetricTimeout(1000*time.Millisecond, 0, false))
	require.Equal(t, 1500*time.Millisecond, AsymmetricTimeout(1000*time.Millisecond, 0, true))
	require.Equal(t, 2000*time.Millisecond, AsymmetricTimeout(1000*time.Millisecond, 0.5, false))

	// probabilities are clamped to [0, 1]
	require.Equal(t, 3000*time.Millisecond, AsymmetricTimeout(1000*time.Millisecond, 7, false))
	require.Equal(t, 1000*time.Millisecond, AsymmetricTimeout(1000*time.Millisecond, -1, false))
}

func TestCommitTimeout(t *testing.T) {
	require.Equal(t, 2*time.Second, CommitTimeout(time.Second, true))
	require.Equal(t, time.Second, CommitTimeout(time.Second, false))
}

func TestEngine_PrepareAllYes(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	advisor := mocks.NewMockAdvisor(ctrl)

	advisor.EXPECT().CurrentBottlenecks(abc).Return(dto.NewNodeSet("B"))

	var (
		mu        sync.Mutex
		deadlines = make(map[dto.NodeID]time.Time)
	)
	transport.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, node dto.NodeID, req dto.Request) (dto.Response, error) {
			require.Equal(t, dto.MessagePrepare, req.Type)
			require.Equal(t, []byte("payload"), req.Payload)
			deadline, ok := ctx.Deadline()
			require.True(t, ok)
			mu.Lock()
			deadlines[node] = deadline
			mu.Unlock()
			return ack(node, req), nil
		}).Times(3)

	observer := &recordingObserver{}
	e := NewEngine(transport, advisor, staticRisk{"C": 0.5}, Config{Coordinator: "coord", BaseTimeout: time.Second}, WithObserver(observer))

	res := e.Prepare(context.Background(), "tx1", abc, []byte("payload"))
	require.True(t, res.Success)
	require.NoError(t, res.Err())
	require.Len(t, res.Responses, 3)
	for _, node := range abc {
		require.True(t, res.Responses[node].Success)
	}
	require.Equal(t, 3, res.Metrics.Successful)
	require.Zero(t, res.Metrics.Failed)

	// A: 1s, B: 1.5s (bottleneck), C: 2s (p = 0.5)
	require.Greater(t, deadlines["B"].Sub(deadlines["A"]), 300*time.Millisecond)
	require.Greater(t, deadlines["C"].Sub(deadlines["B"]), 300*time.Millisecond)

	require.Len(t, observer.get(RoundPrepare), 1)
}

func TestEngine_PrepareOneNo(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)

	transport.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, node dto.NodeID, req dto.Request) (dto.Response, error) {
			resp := ack(node, req)
			if node == "B" {
				resp.Success = false
				resp.Reason = "disk full"
			}
			return resp, nil
		}).Times(3)

	e := NewEngine(transport, nil, nil, Config{BaseTimeout: time.Second})

	res := e.Prepare(context.Background(), "tx1", abc, nil)
	require.False(t, res.Success)
	require.False(t, res.TimedOut)
	require.ErrorIs(t, res.Err(), dto.ErrPrepareRejected)
	require.Equal(t, "disk full", res.Responses["B"].Reason)
	require.True(t, res.Responses["A"].Success)
	require.Contains(t, res.Reason, "prepare phase failed on nodes: B")
	require.Equal(t, 1, res.Metrics.Failed)
}

func TestEngine_PrepareParticipantTimeout(t *testing.T) {
	transport := funcTransport(func(ctx context.Context, node dto.NodeID, req dto.Request) (dto.Response, error) {
		if node == "B" {
			<-ctx.Done()
			return dto.Response{}, ctx.Err()
		}
		return ack(node, req), nil
	})

	ctrl := gomock.NewController(t)
	advisor := mocks.NewMockAdvisor(ctrl)
	advisor.EXPECT().CurrentBottlenecks(gomock.Any()).Return(dto.NewNodeSet("B"))

	e := NewEngine(transport, advisor, nil, Config{BaseTimeout: 20 * time.Millisecond})

	res := e.Prepare(context.Background(), "tx1", abc, nil)
	require.False(t, res.Success)
	require.True(t, res.TimedOut)
	require.ErrorIs(t, res.Err(), dto.ErrTimeout)
	require.Contains(t, res.Responses["B"].Reason, "timeout")
	require.Contains(t, res.Reason, "bottleneck nodes involved: B")
}

func TestEngine_PrepareRoundDeadlineDropsLateVotes(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	transport := funcTransport(func(_ context.Context, node dto.NodeID, req dto.Request) (dto.Response, error) {
		if node == "C" {
			<-release
		}
		return ack(node, req), nil
	})

	e := NewEngine(transport, nil, nil, Config{BaseTimeout: 10 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := e.Prepare(ctx, "tx1", abc, nil)
	require.Less(t, time.Since(start), 2*time.Second)
	require.False(t, res.Success)
	require.True(t, res.TimedOut)
	require.False(t, res.Responses["C"].Success)
	require.True(t, res.Responses["A"].Success)
}

func TestEngine_PrepareMismatchedReply(t *testing.T) {
	transport := funcTransport(func(_ context.Context, node dto.NodeID, req dto.Request) (dto.Response, error) {
		resp := ack(node, req)
		if node == "B" {
			resp.Tx = "someone-else"
		}
		return resp, nil
	})

	e := NewEngine(transport, nil, nil, Config{BaseTimeout: time.Second})

	res := e.Prepare(context.Background(), "tx1", abc, nil)
	require.False(t, res.Success)
	require.Contains(t, res.Responses["B"].Reason, dto.ErrByzantineReply.Error())
}

func TestEngine_PrepareNoParticipants(t *testing.T) {
	e := NewEngine(funcTransport(nil), nil, nil, Config{})

	res := e.Prepare(context.Background(), "tx1", nil, nil)
	require.True(t, res.Success)
	require.Zero(t, res.Metrics.Participants)
}

func TestEngine_CommitAllAck(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	advisor := mocks.NewMockAdvisor(ctrl)
	advisor.EXPECT().CurrentBottlenecks(abc).Return(dto.NewNodeSet("C"))

	transport.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, node dto.NodeID, req dto.Request) (dto.Response, error) {
			require.Equal(t, dto.MessageCommit, req.Type)
			if node == "C" {
				require.Equal(t, dto.PriorityHigh, req.Priority)
			} else {
				require.Equal(t, dto.PriorityNormal, req.Priority)
			}
			return ack(node, req), nil
		}).Times(3)

	e := NewEngine(transport, advisor, nil, Config{BaseTimeout: time.Second})

	res := e.Commit(context.Background(), "tx1", abc)
	require.Equal(t, dto.Committed, res.Result)
	require.NoError(t, res.Err())
	require.Empty(t, res.Failed)
	require.Equal(t, 3, res.Metrics.Successful)
}

func TestEngine_CommitClassification(t *testing.T) {
	tests := []struct {
		name    string
		refuse  map[dto.NodeID]bool
		want    dto.CommitResult
		wantErr error
	}{
		{name: "one participant refuses", refuse: map[dto.NodeID]bool{"B": true}, want: dto.ByzantineFailure, wantErr: dto.ErrPartialCommitFailure},
		{name: "everyone refuses", refuse: map[dto.NodeID]bool{"A": true, "B": true, "C": true}, want: dto.Aborted, wantErr: dto.ErrPartialCommitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := funcTransport(func(_ context.Context, node dto.NodeID, req dto.Request) (dto.Response, error) {
				resp := ack(node, req)
				resp.Success = !tt.refuse[node]
				return resp, nil
			})
			e := NewEngine(transport, nil, nil, Config{BaseTimeout: time.Second})

			res := e.Commit(context.Background(), "tx1", abc)
			require.Equal(t, tt.want, res.Result)
			require.ErrorIs(t, res.Err(), tt.wantErr)
			require.Len(t, res.Failed, len(tt.refuse))
		})
	}
}

func TestEngine_CommitRoundDeadline(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	transport := funcTransport(func(_ context.Context, node dto.NodeID, req dto.Request) (dto.Response, error) {
		if node == "A" {
			<-release
		}
		return ack(node, req), nil
	})
	e := NewEngine(transport, nil, nil, Config{BaseTimeout: 10 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := e.Commit(ctx, "tx1", abc)
	require.Equal(t, dto.Timeout, res.Result)
	require.ErrorIs(t, res.Err(), dto.ErrTimeout)
	require.Equal(t, []dto.NodeID{"A"}, res.Failed)
}

func TestEngine_AbortIsFireAndForget(t *testing.T) {
	release := make(chan struct{})

	var (
		mu       sync.Mutex
		notified = make(map[dto.NodeID]string)
	)
	transport := funcTransport(func(_ context.Context, node dto.NodeID, req dto.Request) (dto.Response, error) {
		<-release
		mu.Lock()
		notified[node] = string(req.Payload)
		mu.Unlock()
		return ack(node, req), nil
	})

	observer := &recordingObserver{}
	e := NewEngine(transport, nil, nil, Config{AbortTimeout: time.Second}, WithObserver(observer))

	start := time.Now()
	e.Abort("tx1", abc, "deadlock victim")
	require.Less(t, time.Since(start), 100*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notified) == 3
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "deadlock victim", notified["B"])
	require.Eventually(t, func() bool { return len(observer.get(RoundAbort)) == 3 }, time.Second, 5*time.Millisecond)
}

func TestEngine_AbortSwallowsErrors(t *testing.T) {
	var calls sync.WaitGroup
	calls.Add(3)
	transport := funcTransport(func(_ context.Context, node dto.NodeID, _ dto.Request) (dto.Response, error) {
		defer calls.Done()
		return dto.Response{}, context.Canceled
	})

	e := NewEngine(transport, nil, nil, Config{AbortTimeout: 50 * time.Millisecond})
	e.Abort("tx1", abc, "")
	calls.Wait()
}

func TestEngine_WorkerPoolBoundsInFlightCalls(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	transport := funcTransport(func(_ context.Context, node dto.NodeID, req dto.Request) (dto.Response, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return ack(node, req), nil
	})

	e := NewEngine(transport, nil, nil, Config{BaseTimeout: 5 * time.Second, Workers: 2})

	nodes := []dto.NodeID{"n1", "n2", "n3", "n4", "n5", "n6"}
	res := e.Prepare(context.Background(), "tx1", nodes, nil)
	require.True(t, res.Success)
	require.LessOrEqual(t, peak, 2)
}
