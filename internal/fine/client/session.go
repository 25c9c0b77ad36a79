// Package client drives a FUSE session against a fine.Transport. It builds
// requests, walks paths one component at a time, and tracks the lookup
// references the host holds on the guest's behalf.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/viofs/internal/fine"
	"github.com/rfratto/viofs/internal/fine/cache"
	"github.com/rfratto/viofs/internal/fine/fuse"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
)

// Options configures a Session.
type Options struct {
	// MaxSymlinkDepth bounds the number of symlink substitutions made while
	// resolving a single path. If 0, obtains its default from DefaultOptions.
	MaxSymlinkDepth int

	// UID and GID are sent as the credentials of CREATE, MKDIR and SYMLINK
	// so new objects are owned by the guest user.
	UID, GID uint32

	// MaxWrite is the largest payload requested during INIT. The host may
	// negotiate it down. If 0, obtains its default from DefaultOptions.
	MaxWrite uint32

	// Optional middleware run around every request.
	Middleware []fine.Middleware
}

// DefaultOptions holds defaults for Session.
var DefaultOptions = Options{
	MaxSymlinkDepth: 40,
	MaxWrite:        128 * 1024,
}

// ErrNotInitialized is returned by Read and Write before Init negotiates a
// transfer size.
var ErrNotInitialized = errors.New("session is not initialized")

// initFlags are requested from the host during INIT.
const initFlags = fine.InitAsyncRead | fine.InitBigWrites | fine.InitMaxPages | fine.InitDoReadDirPlus

// Session is a FUSE session with a host. A Session is safe for concurrent
// use once Init returns.
type Session struct {
	log log.Logger
	t   fine.Transport
	o   Options
	id  uuid.UUID
	mw  fine.ChainMiddleware

	unique  atomic.Uint64
	lookups *cache.LookupMap

	maxWrite  atomic.Uint32
	timeGran  atomic.Uint32
	hostFlags atomic.Uint32
	ready     atomic.Bool
}

// New creates a Session over t. Call Init before issuing requests.
func New(l log.Logger, t fine.Transport, o Options) (*Session, error) {
	if t == nil {
		return nil, fmt.Errorf("transport must be set")
	}
	if l == nil {
		l = log.NewNopLogger()
	}
	if o.MaxSymlinkDepth == 0 {
		o.MaxSymlinkDepth = DefaultOptions.MaxSymlinkDepth
	}
	if o.MaxWrite == 0 {
		o.MaxWrite = DefaultOptions.MaxWrite
	}

	id := uuid.NewV4()
	return &Session{
		log:     log.With(l, "session", id.String()),
		t:       t,
		o:       o,
		id:      id,
		mw:      fine.ChainMiddleware(o.Middleware),
		lookups: cache.NewLookupMap(),
	}, nil
}

// ID returns the unique ID of the session.
func (s *Session) ID() uuid.UUID { return s.id }

// Lookups exposes the session's lookup counts.
func (s *Session) Lookups() *cache.LookupMap { return s.lookups }

// MaxWrite returns the negotiated maximum READ and WRITE payload.
func (s *Session) MaxWrite() uint32 { return s.maxWrite.Load() }

// TimeGranularity returns the host's timestamp granularity in nanoseconds.
func (s *Session) TimeGranularity() uint32 { return s.timeGran.Load() }

// HostFlags returns the INIT flags acknowledged by the host.
func (s *Session) HostFlags() fine.InitFlags { return fine.InitFlags(s.hostFlags.Load()) }

// Owner returns the identity new objects are created with.
func (s *Session) Owner() (uid, gid uint32) { return s.o.UID, s.o.GID }

// Init performs the INIT handshake.
func (s *Session) Init(ctx context.Context) error {
	resp, err := call[*fine.InitResponse](ctx, s, &fine.RequestHeader{Op: fine.OpInit, Node: fine.RootNode}, &fine.InitRequest{
		LatestVersion: fine.MinVersion,
		MaxReadahead:  s.o.MaxWrite,
		Flags:         initFlags,
	})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	if v := resp.EarliestVersion; v.Major != fine.MinVersion.Major {
		return fmt.Errorf("host speaks FUSE %s, need major version %d: %w", v, fine.MinVersion.Major, fine.ErrorNotSupported)
	} else if v.Minor < fine.MinVersion.Minor {
		level.Warn(s.log).Log("msg", "host negotiated an older minor version", "host", v, "local", fine.MinVersion)
	}
	if resp.Flags&fine.InitDoReadDirPlus == 0 {
		level.Warn(s.log).Log("msg", "host did not acknowledge READDIRPLUS support")
	}

	maxWrite := resp.MaxWrite
	if maxWrite == 0 {
		maxWrite = DefaultOptions.MaxWrite
	}
	if maxWrite > s.o.MaxWrite {
		maxWrite = s.o.MaxWrite
	}
	s.maxWrite.Store(maxWrite)
	s.timeGran.Store(resp.TimeGran)
	s.hostFlags.Store(uint32(resp.Flags))
	s.ready.Store(true)

	level.Info(s.log).Log("msg", "session established", "version", resp.EarliestVersion, "max_write", maxWrite)
	return nil
}

// Destroy ends the session. Cached lookups should be forgotten first with
// ForgetAll.
func (s *Session) Destroy(ctx context.Context) error {
	if !s.ready.CAS(true, false) {
		return nil
	}
	_, err := s.roundTrip(ctx, &fine.RequestHeader{Op: fine.OpDestroy, Node: fine.RootNode}, nil)
	return err
}

// roundTrip sends one request through the middleware chain.
func (s *Session) roundTrip(ctx context.Context, hdr *fine.RequestHeader, req fine.Request) (fine.Response, error) {
	hdr.RequestID = s.unique.Inc()
	return s.mw.HandleRequest(ctx, hdr, req, s.invoke)
}

// invoke encodes a request, submits it, and decodes the reply. A reply with
// an error code is returned as that fine.Error.
func (s *Session) invoke(ctx context.Context, hdr *fine.RequestHeader, req fine.Request) (fine.Response, error) {
	data, err := fuse.EncodeRequest(*hdr, req)
	if err != nil {
		return nil, err
	}

	out, err := s.t.Submit(ctx, hdr.Op, data, fuse.ResponseSize(hdr.Op, req))
	if err != nil {
		return nil, err
	}
	if hdr.Op.NoReply() {
		return nil, nil
	}

	rh, resp, err := fuse.DecodeResponse(hdr.Op, out)
	if err != nil {
		return nil, err
	}
	if rh.RequestID != hdr.RequestID {
		return nil, fmt.Errorf("reply for request %d answered %d: %w", hdr.RequestID, rh.RequestID, fuse.ErrProtocol)
	}
	if rh.Error != 0 {
		return nil, rh.Error
	}
	return resp, nil
}

// call is roundTrip for requests with a typed reply. A reply of the wrong
// type is an I/O error.
func call[T fine.Response](ctx context.Context, s *Session, hdr *fine.RequestHeader, req fine.Request) (T, error) {
	var zero T

	resp, err := s.roundTrip(ctx, hdr, req)
	if err != nil {
		return zero, err
	}
	typed, ok := resp.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected %T reply to %s: %w", resp, hdr.Op, fine.ErrorIO)
	}
	return typed, nil
}
