package control

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls the control service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a Client over cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to a control server at addr, using the same address format
// as Listen.
func Dial(ctx context.Context, addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	network, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, address)
		}),
	}, opts...)

	cc, err := grpc.DialContext(ctx, "passthrough:///"+address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return cc, nil
}

// VolumeLabel returns the label of the mounted volume.
func (c *Client) VolumeLabel(ctx context.Context) (string, error) {
	var resp VolumeLabelResponse
	if err := c.cc.Invoke(ctx, methodVolumeLabel, &VolumeLabelRequest{}, &resp, grpc.CallContentSubtype(CodecName)); err != nil {
		return "", err
	}
	return resp.Label, nil
}

// Submit sends an encoded FUSE request and returns the encoded reply.
// outputSize reserves room for the reply and must be 0 for requests that
// have none.
func (c *Client) Submit(ctx context.Context, input []byte, outputSize int) ([]byte, error) {
	var resp SubmitResponse
	req := &SubmitRequest{Input: input, OutputSize: uint32(outputSize)}
	if err := c.cc.Invoke(ctx, methodSubmit, req, &resp, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return resp.Output, nil
}
