package fine

import "context"

// Middleware hooks into requests. The same middleware type is used by the
// guest-side client and the host-side server.
type Middleware interface {
	// HandleRequest handles an individual request.
	HandleRequest(ctx context.Context, hdr *RequestHeader, req Request, invoker Invoker) (Response, error)
}

// Invoker is called by Middleware to complete requests.
type Invoker func(ctx context.Context, hdr *RequestHeader, req Request) (Response, error)

// FuncMiddleware is a function that implements Middleware.
type FuncMiddleware func(ctx context.Context, hdr *RequestHeader, req Request, i Invoker) (Response, error)

func (f FuncMiddleware) HandleRequest(ctx context.Context, h *RequestHeader, req Request, i Invoker) (Response, error) {
	return f(ctx, h, req, i)
}

// ChainMiddleware runs each Middleware in order before calling the final
// invoker.
type ChainMiddleware []Middleware

func (c ChainMiddleware) HandleRequest(ctx context.Context, h *RequestHeader, req Request, invoker Invoker) (Response, error) {
	if len(c) == 0 {
		return invoker(ctx, h, req)
	}

	var (
		index        int
		chainInvoker Invoker
	)

	chainInvoker = func(ctx context.Context, h *RequestHeader, req Request) (Response, error) {
		mw := c[index]
		index++

		var next Invoker
		if index == len(c) {
			next = invoker
		} else {
			next = chainInvoker
		}

		return mw.HandleRequest(ctx, h, req, next)
	}
	return chainInvoker(ctx, h, req)
}
