package fine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainMiddleware(t *testing.T) {
	var order []string

	record := func(name string) Middleware {
		return FuncMiddleware(func(ctx context.Context, h *RequestHeader, req Request, i Invoker) (Response, error) {
			order = append(order, name)
			return i(ctx, h, req)
		})
	}

	invoker := func(context.Context, *RequestHeader, Request) (Response, error) {
		order = append(order, "invoker")
		return &WriteResponse{Written: 5}, nil
	}
	resp, err := ChainMiddleware{record("a"), record("b"), record("c")}.HandleRequest(context.Background(), &RequestHeader{}, nil, invoker)
	require.NoError(t, err)
	require.Equal(t, &WriteResponse{Written: 5}, resp)
	require.Equal(t, []string{"a", "b", "c", "invoker"}, order)
}

func TestChainMiddleware_Empty(t *testing.T) {
	var called bool

	invoker := func(context.Context, *RequestHeader, Request) (Response, error) {
		called = true
		return nil, nil
	}

	_, _ = ChainMiddleware(nil).HandleRequest(context.Background(), nil, nil, invoker)
	require.True(t, called)
}

func TestChainMiddleware_ShortCircuit(t *testing.T) {
	deny := FuncMiddleware(func(ctx context.Context, h *RequestHeader, req Request, i Invoker) (Response, error) {
		return nil, ErrorUnauthorized
	})
	invoker := func(context.Context, *RequestHeader, Request) (Response, error) {
		t.Fatal("invoker should not be called")
		return nil, nil
	}

	_, err := ChainMiddleware{deny}.HandleRequest(context.Background(), &RequestHeader{Op: OpLookup}, nil, invoker)
	require.ErrorIs(t, err, ErrorUnauthorized)
}

func TestError(t *testing.T) {
	require.Equal(t, "too many levels of symbolic links", ErrorLoop.Error())
	require.Equal(t, "FUSE errno -200", Error(-200).Error())
	require.Equal(t, "READDIRPLUS", OpReaddirplus.String())
	require.Equal(t, "OP_99", Op(99).String())
	require.True(t, OpForget.NoReply())
	require.False(t, OpLookup.NoReply())
}
