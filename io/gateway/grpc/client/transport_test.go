package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/txcoord/config"
	"github.com/vadiminshakov/txcoord/core/dto"
	"github.com/vadiminshakov/txcoord/io/gateway/grpc/server"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type handlerFunc func(ctx context.Context, req dto.Request) (dto.Response, error)

func (f handlerFunc) Handle(ctx context.Context, req dto.Request) (dto.Response, error) {
	return f(ctx, req)
}

func serve(t *testing.T, h server.Handler, interceptors ...grpc.UnaryServerInterceptor) *Transport {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv, err := server.New(config.Default(), h)
	require.NoError(t, err)
	go srv.Serve(lis, interceptors...)
	t.Cleanup(srv.Stop)

	transport := NewTransport(map[string]string{"A": "passthrough:///bufnet"},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	t.Cleanup(func() { transport.Close() })
	return transport
}

func echo(_ context.Context, req dto.Request) (dto.Response, error) {
	return dto.Response{Type: req.Type, Tx: req.Tx, Node: "A", Success: true, Reason: string(req.Payload)}, nil
}

func TestTransport_Send(t *testing.T) {
	transport := serve(t, handlerFunc(echo))

	req := dto.Request{Type: dto.MessagePrepare, Tx: "tx-1", Coordinator: "coordinator", Payload: []byte("hello")}
	for i := 0; i < 2; i++ {
		resp, err := transport.Send(context.Background(), "A", req)
		require.NoError(t, err)
		require.Equal(t, dto.Response{Type: dto.MessagePrepare, Tx: "tx-1", Node: "A", Success: true, Reason: "hello"}, resp)
	}

	transport.mu.RLock()
	require.Len(t, transport.conns, 1, "connection is reused")
	transport.mu.RUnlock()
}

func TestTransport_UnknownNode(t *testing.T) {
	transport := serve(t, handlerFunc(echo))

	_, err := transport.Send(context.Background(), "Z", dto.Request{Type: dto.MessagePrepare, Tx: "tx-1"})
	require.ErrorIs(t, err, dto.ErrNotFound)
}

func TestTransport_DeadlineMapsToTimeout(t *testing.T) {
	transport := serve(t, handlerFunc(echo), server.DelayMessages(time.Second, dto.MessagePrepare))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := transport.Send(ctx, "A", dto.Request{Type: dto.MessagePrepare, Tx: "tx-1"})
	require.ErrorIs(t, err, dto.ErrTimeout)

	// other message types are not delayed
	resp, err := transport.Send(context.Background(), "A", dto.Request{Type: dto.MessageAbort, Tx: "tx-1"})
	require.NoError(t, err)
	require.True(t, resp.Success)
}

func TestTransport_HandlerError(t *testing.T) {
	transport := serve(t, handlerFunc(func(context.Context, dto.Request) (dto.Response, error) {
		return dto.Response{}, errors.New("disk full")
	}))

	_, err := transport.Send(context.Background(), "A", dto.Request{Type: dto.MessageCommit, Tx: "tx-1"})
	require.Error(t, err)
	require.NotErrorIs(t, err, dto.ErrTimeout)
	require.Contains(t, err.Error(), "disk full")
}
