// Package control exposes the control requests of a mounted volume over
// gRPC: reading the volume label and submitting raw FUSE requests. Messages
// are encoded with msgpack.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mitchellh/go-homedir"
	"github.com/rfratto/viofs/internal/fine"
	"github.com/rfratto/viofs/internal/fine/fuse"
	"github.com/rfratto/viofs/internal/virtio"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MaxOutputSize bounds the reply space a Submit may reserve.
const MaxOutputSize = 4 << 20

// Backend answers control requests.
type Backend interface {
	VolumeLabel() string
	SubmitRaw(ctx context.Context, req []byte, respSize int) ([]byte, error)
}

// Server serves the control service.
type Server struct {
	log log.Logger
	b   Backend
	lis net.Listener
	srv *grpc.Server
}

var _ controlServer = (*Server)(nil)

// New creates a Server answering requests on lis with b.
func New(l log.Logger, b Backend, lis net.Listener) (*Server, error) {
	if b == nil {
		return nil, fmt.Errorf("backend must be set")
	}
	if l == nil {
		l = log.NewNopLogger()
	}

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingUnaryInterceptor(l)),
	)
	s := &Server{log: l, b: b, lis: lis, srv: srv}
	srv.RegisterService(&serviceDesc, s)
	return s, nil
}

// Listen opens a listener for addr, written as scheme://address (e.g.,
// tcp://127.0.0.1:12195 or unix://~/viofs.sock). Home directories are
// expanded.
func Listen(addr string) (net.Listener, error) {
	network, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	lis, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s listener %s: %w", network, address, err)
	}
	return lis, nil
}

func parseAddr(addr string) (network, address string, err error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("cannot parse addr %q as url: %w", addr, err)
	}
	if u.Scheme == "" {
		return "", "", fmt.Errorf("addr %q is missing a scheme", addr)
	}
	address, err = homedir.Expand(u.Host + u.Path)
	if err != nil {
		return "", "", fmt.Errorf("invalid addr: %w", err)
	}
	return u.Scheme, address, nil
}

// Start serves requests until Stop is called.
func (s *Server) Start() error {
	level.Info(s.log).Log("msg", "starting control server", "listen_addr", s.lis.Addr().String())
	return s.srv.Serve(s.lis)
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.srv.GracefulStop()
}

// VolumeLabel returns the label of the mounted volume.
func (s *Server) VolumeLabel(context.Context, *VolumeLabelRequest) (*VolumeLabelResponse, error) {
	return &VolumeLabelResponse{Label: s.b.VolumeLabel()}, nil
}

// Submit sends a raw FUSE request to the device and returns its reply.
func (s *Server) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	switch {
	case len(req.Input) < fuse.InHeaderSize:
		return nil, status.Errorf(codes.InvalidArgument, "input of %d bytes is shorter than a request header", len(req.Input))
	case req.OutputSize > MaxOutputSize:
		return nil, status.Errorf(codes.InvalidArgument, "output size %d exceeds limit of %d", req.OutputSize, MaxOutputSize)
	}

	out, err := s.b.SubmitRaw(ctx, req.Input, int(req.OutputSize))
	if err != nil {
		return nil, toStatus(err)
	}
	return &SubmitResponse{Output: out}, nil
}

// toStatus converts transport errors into gRPC status errors.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, fine.ErrorInterrupted), errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, virtio.ErrResourceExhausted):
		code = codes.ResourceExhausted
	case errors.Is(err, virtio.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, fine.ErrorInvalid):
		code = codes.InvalidArgument
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func loggingUnaryInterceptor(l log.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		level.Debug(l).Log("msg", "received control request", "method", info.FullMethod)
		resp, err = handler(ctx, req)
		if err != nil {
			level.Debug(l).Log("msg", "control request failed", "method", info.FullMethod, "err", err)
		}
		return resp, err
	}
}
