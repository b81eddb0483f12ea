package segmentz

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

const (
	testFunctionName = "orderProcessor"
	testFunctionARN  = "arn:aws:lambda:us-east-1:123456789012:function:orderProcessor"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ExecutionEnv = "AWS_Lambda_go1.x"
	cfg.Handler = testFunctionName
	cfg.FunctionName = testFunctionName
	cfg.ServiceName = "orders"
	return cfg
}

func testInvocation() InvocationContext {
	return InvocationContext{
		FunctionName:       testFunctionName,
		InvokedFunctionARN: testFunctionARN,
		AWSRequestID:       "c6af9ac6-7b61-11e6-9a41-93e812345678",
	}
}

func testRequest(event any) *Request {
	return NewRequest(context.Background(), testInvocation(), event)
}

// newTestTracer returns an enabled tracer over an in-memory environment,
// with a sync-mode collector receiving every flushed document.
func newTestTracer(t *testing.T, opts ...Option) (*Tracer, *MemoryEnv, *Collector) {
	t.Helper()

	env := NewMemoryEnv()
	collector := NewCollector("test", 64)
	collector.SetSyncMode(true)

	base := []Option{
		WithConfig(testConfig()),
		WithEnv(env),
		WithClock(clockz.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))),
	}
	tracer := New(append(base, opts...)...)
	tracer.AddCollector("test", collector)

	t.Cleanup(func() {
		tracer.Close()
		collector.Close()
	})
	return tracer, env, collector
}

// recorder is middleware that logs hook calls in order.
type recorder struct {
	name   string
	calls  *[]string
	before error
	after  error
	onErr  error
}

func (r *recorder) Before(_ *Request) error {
	*r.calls = append(*r.calls, r.name+".before")
	return r.before
}

func (r *recorder) After(_ *Request) error {
	*r.calls = append(*r.calls, r.name+".after")
	return r.after
}

func (r *recorder) OnError(_ *Request) error {
	*r.calls = append(*r.calls, r.name+".onError")
	return r.onErr
}
