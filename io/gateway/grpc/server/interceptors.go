package server

import (
	"context"
	"net"
	"time"

	"github.com/vadiminshakov/txcoord/core/dto"
	"github.com/vadiminshakov/txcoord/core/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// WhiteListChecker intercepts RPC and checks that the caller is whitelisted.
func WhiteListChecker(ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler) (interface{}, error) {
	peerinfo, ok := peer.FromContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Internal, "failed to retrieve peer info")
	}

	host, _, err := net.SplitHostPort(peerinfo.Addr.String())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	serv, ok := info.Server.(*Server)
	if !ok {
		return nil, status.Errorf(codes.Internal, "unexpected server type %T", info.Server)
	}
	if !includes(serv.Config.Whitelist, host) {
		return nil, status.Errorf(codes.PermissionDenied, "host %s is not in whitelist", host)
	}

	return handler(ctx, req)
}

// includes checks that the 'arr' includes 'value'
func includes(arr []string, value string) bool {
	for i := range arr {
		if arr[i] == value {
			return true
		}
	}
	return false
}

/*
  fault injection for tests
*/

// DelayMessages holds requests of the given types for d before handling
// them. The caller's deadline still applies.
func DelayMessages(d time.Duration, types ...dto.MessageType) grpc.UnaryServerInterceptor {
	return func(ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler) (interface{}, error) {
		if in, ok := req.(*wrapperspb.BytesValue); ok {
			if decoded, err := wire.DecodeRequest(in.GetValue()); err == nil && delayed(decoded.Type, types) {
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return nil, status.FromContextError(ctx.Err()).Err()
				}
			}
		}
		return handler(ctx, req)
	}
}

func delayed(mt dto.MessageType, types []dto.MessageType) bool {
	for _, t := range types {
		if t == mt {
			return true
		}
	}
	return false
}
