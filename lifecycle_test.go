package segmentz

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleOrderProcessor(t *testing.T) {
	tracer, env, collector := newTestTracer(t)
	mw := NewEntrypoint(tracer).Middleware()

	var inHandler *Segment
	resp, err := Invoke(testRequest(map[string]string{"order": "o-1"}), func(ctx context.Context, _ any) (any, error) {
		inHandler = SegmentFromContext(ctx)
		assert.Same(t, inHandler, tracer.ActiveSegment(), "handler subsegment is active while the handler runs")
		return map[string]string{"status": "ok"}, nil
	}, mw)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"status": "ok"}, resp)

	docs := collector.Export()
	require.Len(t, docs, 1)
	doc := docs[0]

	assert.Equal(t, testFunctionName, doc.Name)
	assert.Equal(t, Origin, doc.Origin)
	require.NotNil(t, doc.AWS)
	assert.Equal(t, "123456789012", doc.AWS.AccountID)
	assert.Equal(t, testFunctionARN, doc.AWS.FunctionARN)
	assert.Equal(t, []string{testFunctionName}, doc.AWS.ResourceNames)
	assert.False(t, doc.InProgress)

	require.Len(t, doc.Subsegments, 1)
	handler := doc.Subsegments[0]
	assert.Equal(t, "## orderProcessor", handler.Name)
	assert.Equal(t, doc.ID, handler.ParentID)
	assert.False(t, handler.InProgress)

	require.NotNil(t, inHandler)
	assert.Equal(t, handler.ID, inHandler.ID())
	assert.True(t, inHandler.IsClosed())

	assert.Len(t, env.Writes(EnvKey), 2)
}

func TestLifecyclePublishesHeaderTwice(t *testing.T) {
	tracer, env, collector := newTestTracer(t)

	var openedAtWrite []float64
	env.OnSet(func(key, _ string) {
		if key == EnvKey {
			openedAtWrite = append(openedAtWrite, testutil.ToFloat64(tracer.Metrics().SegmentsOpened))
		}
	})

	_, err := Invoke(testRequest(nil), func(context.Context, any) (any, error) { return nil, nil },
		NewEntrypoint(tracer).Middleware())
	require.NoError(t, err)

	doc := collector.Export()[0]
	writes := env.Writes(EnvKey)
	require.Len(t, writes, 2)
	assert.Equal(t, "Root="+doc.TraceID+";Parent=;Sampled=1", writes[0])
	assert.Equal(t, "Root="+doc.ID+";Parent=;Sampled=1", writes[1])

	// The trace header goes out before any segment exists; the second write
	// follows the invocation segment but precedes the handler subsegment.
	assert.Equal(t, []float64{0, 1}, openedAtWrite)
}

func TestLifecycleDisabledIsNoop(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	tracer, env, collector := newTestTracer(t, WithConfig(cfg))

	req := testRequest(nil)
	var ctxSeg *Segment
	_, err := Invoke(req, func(ctx context.Context, _ any) (any, error) {
		ctxSeg = SegmentFromContext(ctx)
		return "ok", nil
	}, NewEntrypoint(tracer).Middleware())
	require.NoError(t, err)

	assert.Nil(t, ctxSeg)
	assert.Nil(t, tracer.ActiveSegment())
	assert.Empty(t, env.Writes(EnvKey))
	assert.Zero(t, collector.Count())
	assert.Equal(t, 1.0, testutil.ToFloat64(tracer.Metrics().Invocations.WithLabelValues(OutcomeUntraced)))
}

func TestLifecycleOutsideLambdaIsNoop(t *testing.T) {
	cfg := testConfig()
	cfg.ExecutionEnv = ""
	cfg.FunctionName = ""
	tracer, env, collector := newTestTracer(t, WithConfig(cfg))

	mw := NewEntrypoint(tracer).Middleware()
	req := testRequest(nil)
	require.NoError(t, mw.Before(req))
	require.NoError(t, mw.After(req))
	require.NoError(t, mw.OnError(req))

	assert.Empty(t, env.Writes(EnvKey))
	assert.Zero(t, collector.Count())
	assert.Empty(t, req.Internal)
}

func TestLifecycleCloseIdempotent(t *testing.T) {
	tracer, _, collector := newTestTracer(t)
	mw := NewEntrypoint(tracer).Middleware()

	req := testRequest(nil)
	require.NoError(t, mw.Before(req))
	require.NoError(t, mw.After(req))
	require.NoError(t, mw.After(req))
	require.NoError(t, mw.OnError(req))
	req.runCleanup()

	assert.Equal(t, 1, collector.Count(), "invocation segment is flushed exactly once")
	assert.Equal(t, 1.0, testutil.ToFloat64(tracer.Metrics().Invocations.WithLabelValues(OutcomeSuccess)))
	assert.Zero(t, testutil.ToFloat64(tracer.Metrics().Invocations.WithLabelValues(OutcomeError)))
}

func TestLifecycleCleanupClosesAbandonedInvocation(t *testing.T) {
	tracer, _, collector := newTestTracer(t)
	mw := NewEntrypoint(tracer).Middleware()

	req := testRequest(nil)
	require.NoError(t, mw.Before(req))
	require.Contains(t, req.Internal, CleanupKey)

	// The host ends the invocation without calling After or OnError.
	req.runCleanup()

	docs := collector.Export()
	require.Len(t, docs, 1)
	assert.False(t, docs[0].InProgress)
	assert.False(t, docs[0].Subsegments[0].InProgress)
}

func TestLifecycleActiveSegmentAfterClose(t *testing.T) {
	tracer, _, _ := newTestTracer(t)
	mw := NewEntrypoint(tracer).Middleware()

	req := testRequest(nil)
	require.NoError(t, mw.Before(req))

	handler := tracer.ActiveSegment()
	require.NotNil(t, handler)
	invocation := handler.Parent()
	require.NotNil(t, invocation)

	require.NoError(t, mw.After(req))
	assert.Same(t, invocation, tracer.ActiveSegment())
	assert.True(t, invocation.IsClosed())
	assert.True(t, handler.IsClosed())
}

func TestLifecycleResponseMetadataBeforeClose(t *testing.T) {
	tracer, _, collector := newTestTracer(t)

	_, err := Invoke(testRequest(nil), func(context.Context, any) (any, error) {
		return map[string]int{"total": 42}, nil
	}, NewEntrypoint(tracer).Middleware())
	require.NoError(t, err)

	handler := collector.Export()[0].Find("## orderProcessor")
	require.NotNil(t, handler)
	assert.Equal(t, map[string]int{"total": 42}, handler.Metadata["orders"]["orderProcessor response"])
}

func TestLifecycleResponseCaptureDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.CaptureResponse = false
	tracer, _, collector := newTestTracer(t, WithConfig(cfg))

	_, err := Invoke(testRequest(nil), func(context.Context, any) (any, error) {
		return "secret", nil
	}, NewEntrypoint(tracer).Middleware())
	require.NoError(t, err)

	handler := collector.Export()[0].Find("## orderProcessor")
	require.NotNil(t, handler)
	assert.Nil(t, handler.Metadata)
}

func TestLifecycleErrorMetadataBeforeClose(t *testing.T) {
	tracer, _, collector := newTestTracer(t)
	boom := errors.New("payment declined")

	_, err := Invoke(testRequest(nil), func(context.Context, any) (any, error) {
		return nil, boom
	}, NewEntrypoint(tracer).Middleware())
	assert.Same(t, boom, err, "the handler error passes through unmodified")

	docs := collector.Export()
	require.Len(t, docs, 1)
	handler := docs[0].Find("## orderProcessor")
	require.NotNil(t, handler)
	assert.True(t, handler.Fault)
	require.NotNil(t, handler.Cause)
	assert.Equal(t, "payment declined", handler.Cause.Exceptions[0].Message)

	assert.Equal(t, 1.0, testutil.ToFloat64(tracer.Metrics().Invocations.WithLabelValues(OutcomeError)))
}

func TestLifecycleErrorCaptureDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.CaptureError = false
	tracer, _, collector := newTestTracer(t, WithConfig(cfg))

	_, err := Invoke(testRequest(nil), func(context.Context, any) (any, error) {
		return nil, errors.New("card 4111111111111111 declined")
	}, NewEntrypoint(tracer).Middleware())
	require.Error(t, err)

	handler := collector.Export()[0].Find("## orderProcessor")
	require.NotNil(t, handler)
	assert.True(t, handler.Fault)
	assert.Nil(t, handler.Cause)
}

func TestLifecycleMalformedARN(t *testing.T) {
	tracer, _, collector := newTestTracer(t)

	req := testRequest(nil)
	req.Invocation.InvokedFunctionARN = "not-an-arn"

	handled := false
	_, err := Invoke(req, func(context.Context, any) (any, error) {
		handled = true
		return nil, nil
	}, NewEntrypoint(tracer).Middleware())

	assert.ErrorIs(t, err, ErrMalformedARN)
	assert.False(t, handled)
	assert.Zero(t, collector.Count())

	// Nothing was opened, so no outcome is recorded.
	m := tracer.Metrics()
	assert.Zero(t, testutil.ToFloat64(m.Invocations.WithLabelValues(OutcomeError)))
	assert.Zero(t, testutil.ToFloat64(m.Invocations.WithLabelValues(OutcomeSuccess)))
}

func TestAccountIDFromARN(t *testing.T) {
	tests := []struct {
		arn     string
		want    string
		wantErr bool
	}{
		{testFunctionARN, "123456789012", false},
		{testFunctionARN + ":live", "123456789012", false},
		{"arn:aws:lambda:us-east-1::function:fn", "", true},
		{"arn:aws:lambda", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.arn, func(t *testing.T) {
			got, err := accountIDFromARN(tt.arn)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedARN)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLifecycleAnnotations(t *testing.T) {
	tracer, _, collector := newTestTracer(t)
	facade := NewEntrypoint(tracer)

	for i := 0; i < 2; i++ {
		_, err := Invoke(testRequest(nil), func(context.Context, any) (any, error) { return nil, nil }, facade.Middleware())
		require.NoError(t, err)
	}

	docs := collector.Export()
	require.Len(t, docs, 2)

	first := docs[0].Find("## orderProcessor")
	second := docs[1].Find("## orderProcessor")
	assert.Equal(t, true, first.Annotations["ColdStart"])
	assert.Equal(t, false, second.Annotations["ColdStart"])
	assert.Equal(t, "orders", first.Annotations["Service"])
	assert.NotEqual(t, docs[0].TraceID, docs[1].TraceID, "every invocation starts a new trace")
}

func TestLifecycleHandlerNameFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Handler = ""
	tracer, _, collector := newTestTracer(t, WithConfig(cfg))

	req := testRequest(nil)
	req.Invocation.FunctionName = "refundProcessor"
	_, err := Invoke(req, func(context.Context, any) (any, error) { return nil, nil }, NewEntrypoint(tracer).Middleware())
	require.NoError(t, err)

	doc := collector.Export()[0]
	assert.Equal(t, "refundProcessor", doc.Name)
	assert.NotNil(t, doc.Find("## refundProcessor"))
}

func TestLifecycleMetrics(t *testing.T) {
	tracer, _, _ := newTestTracer(t)
	facade := NewEntrypoint(tracer)

	_, _ = Invoke(testRequest(nil), func(context.Context, any) (any, error) { return "ok", nil }, facade.Middleware())
	_, _ = Invoke(testRequest(nil), func(context.Context, any) (any, error) { return nil, errors.New("x") }, facade.Middleware())

	m := tracer.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Invocations.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Invocations.WithLabelValues(OutcomeError)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SegmentsOpened))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SegmentsFlushed))
}
