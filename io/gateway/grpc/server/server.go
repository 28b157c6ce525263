// Package server exposes a participant over gRPC.
package server

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/txcoord/config"
	"github.com/vadiminshakov/txcoord/core/dto"
	"github.com/vadiminshakov/txcoord/core/wire"
	"github.com/vadiminshakov/txcoord/io/gateway/grpc/rpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const tracerName = "github.com/vadiminshakov/txcoord/io/gateway/grpc/server"

// Handler answers decoded protocol messages.
type Handler interface {
	Handle(ctx context.Context, req dto.Request) (dto.Response, error)
}

// Server holds the gRPC server and the participant it serves.
type Server struct {
	Addr       string
	GRPCServer *grpc.Server
	Config     *config.Config
	handler    Handler
	tracer     trace.Tracer

	mu      sync.Mutex
	stopped bool
}

// New fabric func for Server
func New(conf *config.Config, handler Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}
	return &Server{
		Addr:    conf.Nodeaddr,
		Config:  conf,
		handler: handler,
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// Deliver decodes a request envelope and passes it to the handler.
func (s *Server) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	req, err := wire.DecodeRequest(in.GetValue())
	if err != nil {
		return nil, status.Errorf(grpccodes.InvalidArgument, "malformed request: %v", err)
	}

	ctx, span := s.tracer.Start(ctx, "deliver "+req.Type.String(), trace.WithAttributes(
		attribute.String("tx.id", string(req.Tx)),
		attribute.String("coordinator", string(req.Coordinator)),
		attribute.Int("priority", int(req.Priority)),
	))
	defer span.End()

	resp, err := s.handler.Handle(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		log.Errorf("failed to handle %s of tx %s: %v", req.Type, req.Tx, err)
		return nil, status.Errorf(grpccodes.Internal, "%s of tx %s: %v", req.Type, req.Tx, err)
	}

	return wrapperspb.Bytes(wire.EncodeResponse(resp)), nil
}

// Run listens on Addr and serves in the background.
func (s *Server) Run(opts ...grpc.UnaryServerInterceptor) error {
	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.Addr)
	}
	log.Infof("listening on tcp://%s", s.Addr)

	go func() {
		if err := s.Serve(l, opts...); err != nil {
			log.Errorf("grpc server stopped: %v", err)
		}
	}()
	return nil
}

// Serve registers the participant service and blocks serving l.
func (s *Server) Serve(l net.Listener, opts ...grpc.UnaryServerInterceptor) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return grpc.ErrServerStopped
	}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(opts...))
	rpc.RegisterParticipantServer(srv, s)
	s.GRPCServer = srv
	s.mu.Unlock()

	return srv.Serve(l)
}

// Stop stops server
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopped = true
	srv := s.GRPCServer
	s.mu.Unlock()

	if srv == nil {
		return
	}
	log.Info("stopping server")
	srv.GracefulStop()
	log.Info("server stopped")
}
