// Package server answers encoded FUSE requests on the host side of a
// session. It is used by the loopback virtio device to stand in for a host
// filesystem daemon.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/viofs/internal/fine"
	"github.com/rfratto/viofs/internal/fine/fuse"
	"go.uber.org/atomic"
)

// Handler processes requests. Handler is passed to New, and its methods are
// invoked as requests come in. Methods may be called concurrently.
type Handler interface {
	// Init is called once the handshake with the guest completes.
	Init(context.Context) error

	// Close is called when the guest destroys the session.
	Close() error

	Lookup(context.Context, *fine.RequestHeader, *fine.LookupRequest) (*fine.EntryResponse, error)
	Forget(context.Context, *fine.RequestHeader, *fine.ForgetRequest)
	BatchForget(context.Context, *fine.RequestHeader, *fine.BatchForgetRequest)
	Getattr(context.Context, *fine.RequestHeader, *fine.GetattrRequest) (*fine.AttrResponse, error)
	Setattr(context.Context, *fine.RequestHeader, *fine.SetattrRequest) (*fine.AttrResponse, error)
	Statfs(context.Context, *fine.RequestHeader) (*fine.StatfsResponse, error)
	Readlink(context.Context, *fine.RequestHeader) (*fine.ReadlinkResponse, error)
	Symlink(context.Context, *fine.RequestHeader, *fine.SymlinkRequest) (*fine.EntryResponse, error)
	Mkdir(context.Context, *fine.RequestHeader, *fine.MkdirRequest) (*fine.EntryResponse, error)
	Create(context.Context, *fine.RequestHeader, *fine.CreateRequest) (*fine.CreateResponse, error)
	Unlink(context.Context, *fine.RequestHeader, *fine.UnlinkRequest) error
	Rmdir(context.Context, *fine.RequestHeader, *fine.RmdirRequest) error
	// Rename handles both OpRename and OpRename2; hdr.Op tells them apart.
	Rename(context.Context, *fine.RequestHeader, *fine.RenameRequest) error
	Open(context.Context, *fine.RequestHeader, *fine.OpenRequest) (*fine.OpenedResponse, error)
	Read(context.Context, *fine.RequestHeader, *fine.ReadRequest) (*fine.ReadResponse, error)
	Write(context.Context, *fine.RequestHeader, *fine.WriteRequest) (*fine.WriteResponse, error)
	Flush(context.Context, *fine.RequestHeader, *fine.FlushRequest) error
	Fsync(context.Context, *fine.RequestHeader, *fine.FsyncRequest) error
	Release(context.Context, *fine.RequestHeader, *fine.ReleaseRequest) error
	Fallocate(context.Context, *fine.RequestHeader, *fine.FallocateRequest) error
	Opendir(context.Context, *fine.RequestHeader, *fine.OpenRequest) (*fine.OpenedResponse, error)
	Readdirplus(context.Context, *fine.RequestHeader, *fine.ReadRequest) (*fine.ReaddirplusResponse, error)
	Fsyncdir(context.Context, *fine.RequestHeader, *fine.FsyncRequest) error
	Releasedir(context.Context, *fine.RequestHeader, *fine.ReleaseRequest) error
}

type Options struct {
	// MaxWrite is the largest WRITE payload the server accepts. Advertised
	// to the guest during the handshake. If 0, obtains its default from
	// DefaultOptions.
	MaxWrite uint32

	// MaxBackground is advertised to the guest as the number of requests it
	// may keep in flight. If 0, obtains its default from DefaultOptions.
	MaxBackground uint16

	// RequestTimeout will force a request to abort after a given amount of
	// time. 0 means to never time out.
	RequestTimeout time.Duration

	// Handler is used for handling individual requests.
	Handler Handler

	// Optional middleware to preprocess requests with.
	Middleware []fine.Middleware
}

// DefaultOptions provides defaults for Server.
var DefaultOptions = Options{
	MaxWrite:      128 * 1024,
	MaxBackground: 64,
}

// pageSize is the page size advertised to the guest when computing
// max_pages. The guest always uses 4KiB pages for FUSE buffers.
const pageSize = 4096

// Server is a FINE server, which handles encoded requests by passing them to
// a Handler. Server is safe for concurrent use; callers typically invoke
// Serve from a pool of workers.
type Server struct {
	log log.Logger
	o   Options

	// The middleware to execute before the handler
	mw      fine.ChainMiddleware
	handler fine.Invoker

	handshake atomic.Bool
	destroyed atomic.Bool

	// Cancel functions of requests currently being served, keyed by request
	// ID. Used to honor INTERRUPT.
	tasks sync.Map
}

// New creates a new Server.
func New(l log.Logger, o Options) (*Server, error) {
	if o.Handler == nil {
		return nil, fmt.Errorf("Handler must be set")
	}
	if o.MaxWrite == 0 {
		o.MaxWrite = DefaultOptions.MaxWrite
	}
	if o.MaxBackground == 0 {
		o.MaxBackground = DefaultOptions.MaxBackground
	}

	if l == nil {
		l = log.NewNopLogger()
	}
	return &Server{
		log:     l,
		o:       o,
		mw:      fine.ChainMiddleware(o.Middleware),
		handler: handlerInvoker(o.Handler),
	}, nil
}

// Serve handles a single encoded request and returns the encoded reply. A
// nil reply is returned for requests that must not be answered, such as
// FORGET.
func (s *Server) Serve(ctx context.Context, msg []byte) []byte {
	header, req, err := fuse.DecodeRequest(msg)
	if err != nil {
		level.Warn(s.log).Log("msg", "dropping malformed request", "err", err)
		if header.RequestID == 0 || header.Op.NoReply() {
			return nil
		}
		return s.encode(responseHeader(header, fine.ErrorInvalid), nil)
	}

	switch header.Op {
	case fine.OpInit:
		req, _ := req.(*fine.InitRequest)
		if req == nil {
			return s.encode(responseHeader(header, fine.ErrorInvalid), nil)
		}
		level.Debug(s.log).Log("msg", "got handshake request", "peer", req.LatestVersion)
		if s.handshake.Load() {
			level.Warn(s.log).Log("msg", "ignoring unexpected post-handshake init message")
			return s.encode(responseHeader(header, fine.ErrorInvalid), nil)
		}
		return s.processHandshake(ctx, header, req)

	case fine.OpDestroy:
		level.Debug(s.log).Log("msg", "received shutdown request from peer")
		var err error
		if s.destroyed.CAS(false, true) {
			err = s.o.Handler.Close()
		}
		return s.encode(responseHeader(header, err), nil)

	case fine.OpInterrupt:
		req, _ := req.(*fine.InterruptRequest)
		if req == nil {
			return nil
		}
		level.Debug(s.log).Log("msg", "received interrupt request from peer", "id", req.RequestID)
		if v, ok := s.tasks.Load(req.RequestID); ok {
			v.(context.CancelFunc)()
		}
		// Interrupts are never answered; the interrupted request replies with
		// EINTR on its own.
		return nil
	}

	if !s.handshake.Load() {
		level.Warn(s.log).Log("msg", "rejecting message sent before fine handshake completed", "op", header.Op, "op_val", int(header.Op))
		if header.Op.NoReply() {
			return nil
		}
		return s.encode(responseHeader(header, fine.ErrorIO), nil)
	}

	resp, err := s.handleRequest(ctx, header, req)
	if header.Op.NoReply() {
		return nil
	}
	return s.encode(responseHeader(header, err), resp)
}

func (s *Server) handleRequest(ctx context.Context, header fine.RequestHeader, req fine.Request) (fine.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.o.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.o.RequestTimeout)
		defer cancel()
	}

	s.tasks.Store(header.RequestID, cancel)
	defer s.tasks.Delete(header.RequestID)

	return s.mw.HandleRequest(ctx, &header, req, s.handler)
}

func (s *Server) encode(h fine.ResponseHeader, resp fine.Response) []byte {
	out, err := fuse.EncodeResponse(h, resp)
	if err != nil {
		level.Error(s.log).Log("msg", "failed to encode response", "op", h.Op, "err", err)
		out, _ = fuse.EncodeResponse(fine.ResponseHeader{RequestID: h.RequestID, Error: fine.ErrorIO}, nil)
	}
	return out
}

func responseHeader(req fine.RequestHeader, err error) fine.ResponseHeader {
	return fine.ResponseHeader{
		Op:        req.Op,
		RequestID: req.RequestID,
		Error:     errorForResponse(err),
	}
}

func errorForResponse(err error) fine.Error {
	if err == nil {
		return 0
	}

	// Check for common system-level errors.
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fine.ErrorAborted
	case errors.Is(err, context.Canceled):
		return fine.ErrorInterrupted
	case errors.Is(err, os.ErrNotExist):
		return fine.ErrorNotExist
	case errors.Is(err, os.ErrPermission):
		return fine.ErrorNotPermitted
	case errors.Is(err, os.ErrExist):
		return fine.ErrorExists
	case errors.Is(err, io.EOF):
		return 0
	}

	var fe fine.Error
	if errors.As(err, &fe) {
		return fe
	}
	return fine.ErrorIO
}

// processHandshake answers the INIT sent by the peer. If the peer's major
// version is newer than ours, the reply carries our version and the peer is
// expected to send INIT again.
func (s *Server) processHandshake(ctx context.Context, header fine.RequestHeader, init *fine.InitRequest) []byte {
	supported := fine.InitAsyncRead |
		fine.InitAtomicTruncate |
		fine.InitBigWrites |
		fine.InitDoReadDirPlus |
		fine.InitParallelDirOps |
		fine.InitMaxPages

	resp := &fine.InitResponse{
		EarliestVersion:     fine.MinVersion,
		MaxReadahead:        init.MaxReadahead,
		MaxWrite:            s.o.MaxWrite,
		MaxBackground:       s.o.MaxBackground,
		CongestionThreshold: s.o.MaxBackground * 3 / 4,
		TimeGran:            1,
		MaxPages:            uint16((s.o.MaxWrite + pageSize - 1) / pageSize),
		Flags:               init.Flags & supported,
	}

	switch {
	case init.LatestVersion.Major > fine.MinVersion.Major:
		// Peer is too new. Let's tell it which version we support.
		return s.encode(responseHeader(header, nil), resp)
	case init.LatestVersion.Major < fine.MinVersion.Major:
		level.Error(s.log).Log("msg", "peer version too old", "peer", init.LatestVersion, "local", fine.MinVersion)
		return s.encode(responseHeader(header, fine.ErrorNotSupported), nil)
	case init.LatestVersion.Minor < fine.MinVersion.Minor:
		level.Warn(s.log).Log(
			"msg", "peer version doesn't match local version. things may subtly break",
			"peer", init.LatestVersion, "local", fine.MinVersion,
		)
	}

	if err := s.o.Handler.Init(ctx); err != nil {
		level.Error(s.log).Log("msg", "handler failed to initialize", "err", err)
		return s.encode(responseHeader(header, err), nil)
	}
	s.handshake.Store(true)
	return s.encode(responseHeader(header, nil), resp)
}
