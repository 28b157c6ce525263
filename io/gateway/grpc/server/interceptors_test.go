package server

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/txcoord/config"
	"github.com/vadiminshakov/txcoord/core/dto"
	"github.com/vadiminshakov/txcoord/core/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type nopHandler struct{}

func (nopHandler) Handle(_ context.Context, req dto.Request) (dto.Response, error) {
	return dto.Response{Type: req.Type, Tx: req.Tx, Node: "A", Success: true}, nil
}

func TestWhiteListChecker(t *testing.T) {
	conf := config.Default()
	conf.Whitelist = []string{"10.0.0.1"}
	srv, err := New(conf, nopHandler{})
	require.NoError(t, err)

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/txcoord.Participant/Deliver"}
	handler := func(context.Context, interface{}) (interface{}, error) { return "ok", nil }

	call := func(ip string) (interface{}, error) {
		ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP(ip), Port: 4000}})
		return WhiteListChecker(ctx, nil, info, handler)
	}

	out, err := call("10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, "ok", out)

	_, err = call("10.0.0.2")
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = WhiteListChecker(context.Background(), nil, info, handler)
	require.Equal(t, codes.Internal, status.Code(err))
}

func TestServer_Deliver(t *testing.T) {
	srv, err := New(config.Default(), nopHandler{})
	require.NoError(t, err)

	in := wrapperspb.Bytes(wire.EncodeRequest(dto.Request{Type: dto.MessageCommit, Tx: "tx-1"}))
	out, err := srv.Deliver(context.Background(), in)
	require.NoError(t, err)

	resp, err := wire.DecodeResponse(out.GetValue())
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, dto.TransactionID("tx-1"), resp.Tx)

	_, err = srv.Deliver(context.Background(), wrapperspb.Bytes([]byte{1}))
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = New(config.Default(), nil)
	require.Error(t, err)
}
