package control

import (
	"context"
	"net"
	"testing"

	"github.com/rfratto/viofs/internal/fine"
	"github.com/rfratto/viofs/internal/fine/fuse"
	"github.com/rfratto/viofs/internal/fine/memfs"
	"github.com/rfratto/viofs/internal/fine/server"
	"github.com/rfratto/viofs/internal/virtio"
	"github.com/rfratto/viofs/internal/virtio/loopback"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeBackend struct {
	label string
	err   error
	got   []byte
}

func (b *fakeBackend) VolumeLabel() string { return b.label }

func (b *fakeBackend) SubmitRaw(_ context.Context, req []byte, respSize int) ([]byte, error) {
	b.got = req
	if b.err != nil {
		return nil, b.err
	}
	return make([]byte, respSize), nil
}

// newTestClient serves b over an in-memory connection.
func newTestClient(t *testing.T, b Backend) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv, err := New(nil, b, lis)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	cc, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, cc.Close())
		srv.Stop()
		require.NoError(t, <-done)
	})
	return NewClient(cc)
}

func TestControl_VolumeLabel(t *testing.T) {
	cli := newTestClient(t, &fakeBackend{label: "shared"})

	label, err := cli.VolumeLabel(context.Background())
	require.NoError(t, err)
	require.Equal(t, "shared", label)
}

func TestControl_SubmitValidation(t *testing.T) {
	b := &fakeBackend{}
	cli := newTestClient(t, b)
	ctx := context.Background()

	_, err := cli.Submit(ctx, []byte{1, 2, 3}, 16)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Nil(t, b.got, "short requests must not reach the backend")

	_, err = cli.Submit(ctx, make([]byte, fuse.InHeaderSize), MaxOutputSize+1)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	out, err := cli.Submit(ctx, make([]byte, fuse.InHeaderSize), 32)
	require.NoError(t, err)
	require.Len(t, out, 32)
	require.Len(t, b.got, fuse.InHeaderSize)
}

func TestControl_SubmitErrors(t *testing.T) {
	tt := []struct {
		err  error
		code codes.Code
	}{
		{virtio.ErrResourceExhausted, codes.ResourceExhausted},
		{virtio.ErrClosed, codes.Unavailable},
		{fine.ErrorInvalid, codes.InvalidArgument},
		{fine.ErrorInterrupted, codes.Canceled},
		{fine.ErrorIO, codes.Internal},
	}

	for _, tc := range tt {
		t.Run(tc.err.Error(), func(t *testing.T) {
			cli := newTestClient(t, &fakeBackend{err: tc.err})
			_, err := cli.Submit(context.Background(), make([]byte, fuse.InHeaderSize), 16)
			require.Equal(t, tc.code, status.Code(err))
		})
	}
}

type deviceBackend struct {
	*virtio.Transport
}

func (deviceBackend) VolumeLabel() string { return "loopback" }

func TestControl_SubmitThroughDevice(t *testing.T) {
	host := memfs.New(nil, memfs.Options{})
	srv, err := server.New(nil, server.Options{Handler: host})
	require.NoError(t, err)

	o := loopback.DefaultOptions
	o.MemorySize = 8 << 20
	dev, err := loopback.New(nil, srv.Serve, o)
	require.NoError(t, err)
	tr, err := virtio.New(nil, dev, virtio.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dev.Run(ctx) }()
	t.Cleanup(func() {
		require.NoError(t, tr.Close())
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, dev.Close())
	})

	cli := newTestClient(t, deviceBackend{tr})

	submit := func(hdr fine.RequestHeader, req fine.Request) fine.Response {
		t.Helper()
		in, err := fuse.EncodeRequest(hdr, req)
		require.NoError(t, err)
		out, err := cli.Submit(context.Background(), in, fuse.ResponseSize(hdr.Op, req))
		require.NoError(t, err)
		rh, resp, err := fuse.DecodeResponse(hdr.Op, out)
		require.NoError(t, err)
		require.Equal(t, hdr.RequestID, rh.RequestID)
		require.Equal(t, fine.Error(0), rh.Error)
		return resp
	}

	submit(fine.RequestHeader{Op: fine.OpInit, RequestID: 1, Node: fine.RootNode}, &fine.InitRequest{LatestVersion: fine.MinVersion})
	resp := submit(fine.RequestHeader{Op: fine.OpStatfs, RequestID: 2, Node: fine.RootNode}, nil)
	require.Equal(t, uint32(255), resp.(*fine.StatfsResponse).Statfs.NameLength)
}

func TestParseAddr(t *testing.T) {
	network, address, err := parseAddr("tcp://127.0.0.1:12195")
	require.NoError(t, err)
	require.Equal(t, "tcp", network)
	require.Equal(t, "127.0.0.1:12195", address)

	network, address, err = parseAddr("unix:///run/viofs.sock")
	require.NoError(t, err)
	require.Equal(t, "unix", network)
	require.Equal(t, "/run/viofs.sock", address)

	_, _, err = parseAddr("127.0.0.1:12195")
	require.Error(t, err)
}
