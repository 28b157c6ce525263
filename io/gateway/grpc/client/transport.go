// Package client is the coordinator's gRPC transport to participants.
package client

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/txcoord/core/dto"
	"github.com/vadiminshakov/txcoord/core/wire"
	"github.com/vadiminshakov/txcoord/io/gateway/grpc/rpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Transport sends protocol messages to participants over gRPC. Connections
// are created on first use and reused afterwards.
type Transport struct {
	addrs    map[dto.NodeID]string
	dialOpts []grpc.DialOption

	mu      sync.RWMutex
	conns   map[dto.NodeID]*grpc.ClientConn
	clients map[dto.NodeID]rpc.ParticipantClient
}

// NewTransport creates a transport for the participants in addrs (node id to host:port).
func NewTransport(addrs map[string]string, opts ...grpc.DialOption) *Transport {
	t := &Transport{
		addrs:    make(map[dto.NodeID]string, len(addrs)),
		dialOpts: opts,
		conns:    make(map[dto.NodeID]*grpc.ClientConn),
		clients:  make(map[dto.NodeID]rpc.ParticipantClient),
	}
	for id, addr := range addrs {
		t.addrs[dto.NodeID(id)] = addr
	}
	return t
}

// Send delivers req to node and waits for its answer until ctx is done.
func (t *Transport) Send(ctx context.Context, node dto.NodeID, req dto.Request) (dto.Response, error) {
	cli, err := t.client(node)
	if err != nil {
		return dto.Response{}, err
	}

	out, err := cli.Deliver(ctx, wrapperspb.Bytes(wire.EncodeRequest(req)))
	if err != nil {
		if status.Code(err) == codes.DeadlineExceeded {
			return dto.Response{}, errors.Wrapf(dto.ErrTimeout, "deliver %s to %s", req.Type, node)
		}
		return dto.Response{}, errors.Wrapf(err, "deliver %s to %s", req.Type, node)
	}

	return wire.DecodeResponse(out.GetValue())
}

func (t *Transport) client(node dto.NodeID) (rpc.ParticipantClient, error) {
	t.mu.RLock()
	cli, ok := t.clients[node]
	t.mu.RUnlock()
	if ok {
		return cli, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cli, ok := t.clients[node]; ok {
		return cli, nil
	}
	addr, ok := t.addrs[node]
	if !ok {
		return nil, errors.Wrapf(dto.ErrNotFound, "no address for participant %s", node)
	}
	conn, err := createConnection(addr, t.dialOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "participant %s", node)
	}
	t.conns[node] = conn
	t.clients[node] = rpc.NewParticipantClient(conn)
	log.Debugf("connected to participant %s at %s", node, addr)

	return t.clients[node], nil
}

// Close closes every open connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for node, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close connection to %s", node)
		}
		delete(t.conns, node)
		delete(t.clients, node)
	}
	return firstErr
}
