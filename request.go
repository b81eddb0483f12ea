package segmentz

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"
)

// CleanupKey is the Request.Internal slot the tracer registers its close routine under.
const CleanupKey = "segmentz.tracer"

// InvocationContext is the invocation metadata the runtime supplies.
type InvocationContext struct {
	FunctionName       string
	InvokedFunctionARN string
	AWSRequestID       string
}

// InvocationFromContext reads invocation metadata placed in ctx by the Lambda runtime.
// A request id is generated when the runtime did not provide one.
func InvocationFromContext(ctx context.Context) InvocationContext {
	inv := InvocationContext{FunctionName: lambdacontext.FunctionName}
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		inv.InvokedFunctionARN = lc.InvokedFunctionArn
		inv.AWSRequestID = lc.AwsRequestID
	}
	if inv.AWSRequestID == "" {
		inv.AWSRequestID = uuid.NewString()
	}
	return inv
}

// Request is the per-invocation record middleware hooks read and write.
//
//nolint:govet // Field order follows the hook contract
type Request struct {
	ctx        context.Context
	Invocation InvocationContext
	Event      any
	Response   any
	Error      error
	Internal   map[string]func()
}

// NewRequest creates a request for one invocation.
func NewRequest(ctx context.Context, inv InvocationContext, event any) *Request {
	return &Request{
		ctx:        ctx,
		Invocation: inv,
		Event:      event,
		Internal:   make(map[string]func()),
	}
}

// Context returns the context the handler will run with.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// SetContext replaces the context the handler will run with.
func (r *Request) SetContext(ctx context.Context) {
	r.ctx = ctx
}

// SetInternal registers a teardown callback under key, replacing any previous one.
func (r *Request) SetInternal(key string, fn func()) {
	if r.Internal == nil {
		r.Internal = make(map[string]func())
	}
	r.Internal[key] = fn
}

// runCleanup runs and removes every registered teardown callback.
func (r *Request) runCleanup() {
	for key, fn := range r.Internal {
		delete(r.Internal, key)
		if fn != nil {
			fn()
		}
	}
}

// Middleware hooks around a handler. Hooks run synchronously on the invocation goroutine.
type Middleware interface {
	Before(req *Request) error
	After(req *Request) error
	OnError(req *Request) error
}

// MiddlewareFactory returns a fresh middleware for one invocation.
type MiddlewareFactory func() Middleware

// Handler is an untyped invocation handler.
type Handler func(ctx context.Context, event any) (any, error)

// Invoke runs one invocation: Before hooks in order, the handler, then After
// hooks in reverse. Any error switches to the OnError hooks in reverse and is
// returned unchanged; errors from the OnError hooks themselves are joined
// behind it. Teardown callbacks in req.Internal always run last, including
// when the handler panics.
func Invoke(req *Request, handler Handler, mws ...Middleware) (any, error) {
	defer req.runCleanup()

	for _, mw := range mws {
		if err := mw.Before(req); err != nil {
			return nil, fail(req, err, mws)
		}
	}

	resp, err := handler(req.Context(), req.Event)
	if err != nil {
		return nil, fail(req, err, mws)
	}
	req.Response = resp

	for i := len(mws) - 1; i >= 0; i-- {
		if err := mws[i].After(req); err != nil {
			return nil, fail(req, err, mws)
		}
	}

	return req.Response, nil
}

func fail(req *Request, err error, mws []Middleware) error {
	req.Error = err
	var hookErrs []error
	for i := len(mws) - 1; i >= 0; i-- {
		if hookErr := mws[i].OnError(req); hookErr != nil {
			hookErrs = append(hookErrs, hookErr)
		}
	}
	if len(hookErrs) == 0 {
		return err
	}
	return errors.Join(append([]error{err}, hookErrs...)...)
}

// Wrap adapts a typed handler into one that runs through fresh middleware for
// every invocation. The result has the shape lambda.Start accepts.
func Wrap[TEvent, TResult any](handler func(context.Context, TEvent) (TResult, error), factories ...MiddlewareFactory) func(context.Context, TEvent) (TResult, error) {
	return func(ctx context.Context, event TEvent) (TResult, error) {
		var zero TResult

		mws := make([]Middleware, 0, len(factories))
		for _, factory := range factories {
			mws = append(mws, factory())
		}

		req := NewRequest(ctx, InvocationFromContext(ctx), event)
		resp, err := Invoke(req, func(ctx context.Context, ev any) (any, error) {
			typed, _ := ev.(TEvent)
			return handler(ctx, typed)
		}, mws...)
		if err != nil {
			return zero, err
		}
		if resp == nil {
			return zero, nil
		}

		result, ok := resp.(TResult)
		if !ok {
			return zero, fmt.Errorf("response of type %T is not %T", resp, zero)
		}
		return result, nil
	}
}
