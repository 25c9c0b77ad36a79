// Package fine models the FUSE protocol independently of how messages are
// carried. FINE stands for "FIlesystem over NEtwork"; here the network is a
// set of virtio queues shared with a host.
//
// The fuse subpackage holds the binary wire codec, client drives a session
// against a Transport, and server answers requests on the host side.
//
// fine was written against FUSE 7.31.
package fine

import "context"

// Request is used for protocol request messages which are sent by the guest
// to the host filesystem daemon.
type Request interface {
	fineRequest()
}

// Response is used for protocol response message types which are sent back
// by the host after processing a request.
type Response interface {
	fineResponse()
}

// Transport carries encoded FUSE messages to the host. Implementations must
// be safe for concurrent use.
type Transport interface {
	// Submit sends an encoded request and blocks until the host writes a
	// reply or ctx is canceled. respSize is the number of bytes the host may
	// write. The returned slice holds exactly the bytes written by the host.
	//
	// op is used for routing only; req must already carry a full header.
	Submit(ctx context.Context, op Op, req []byte, respSize int) ([]byte, error)

	// Close the transport. In-flight requests fail.
	Close() error
}
