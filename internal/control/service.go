package control

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName = "viofs.control.Control"

	methodVolumeLabel = "/" + serviceName + "/VolumeLabel"
	methodSubmit      = "/" + serviceName + "/Submit"
)

type (
	VolumeLabelRequest  struct{}
	VolumeLabelResponse struct {
		Label string `msgpack:"label"`
	}

	// SubmitRequest carries a complete FUSE request. OutputSize is the
	// space reserved for the reply, including its header.
	SubmitRequest struct {
		Input      []byte `msgpack:"input"`
		OutputSize uint32 `msgpack:"output_size"`
	}
	SubmitResponse struct {
		Output []byte `msgpack:"output"`
	}
)

// controlServer is implemented by Server.
type controlServer interface {
	VolumeLabel(context.Context, *VolumeLabelRequest) (*VolumeLabelResponse, error)
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "VolumeLabel", Handler: volumeLabelHandler},
		{MethodName: "Submit", Handler: submitHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "viofs/control",
}

func volumeLabelHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(VolumeLabelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlServer).VolumeLabel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodVolumeLabel}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(controlServer).VolumeLabel(ctx, req.(*VolumeLabelRequest))
	})
}

func submitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSubmit}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(controlServer).Submit(ctx, req.(*SubmitRequest))
	})
}
