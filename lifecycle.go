package segmentz

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Origin tags invocation segments as Lambda function segments.
const Origin = "AWS::Lambda::Function"

// ErrMalformedARN is returned when the invoked function ARN has no account field.
var ErrMalformedARN = errors.New("malformed function arn")

// invocationState holds the two segments of one invocation. Zero until opened,
// zeroed again once closed.
type invocationState struct {
	invocation *Segment
	handler    *Segment
}

// lifecycle owns the invocation segment and the handler subsegment of a
// single invocation. Obtain one per invocation from NewEntrypoint.
type lifecycle struct {
	tracer *Tracer
	state  invocationState
}

func newLifecycle(t *Tracer) *lifecycle {
	return &lifecycle{tracer: t}
}

// Before opens both segments and leaves the handler subsegment active.
func (l *lifecycle) Before(req *Request) error {
	if !l.tracer.IsTracingEnabled() {
		l.tracer.metrics.Invocations.WithLabelValues(OutcomeUntraced).Inc()
		return nil
	}

	if err := l.open(&l.state, req); err != nil {
		return err
	}
	req.SetInternal(CleanupKey, func() { l.close(&l.state) })

	l.tracer.AnnotateColdStart()
	l.tracer.AnnotateServiceName()
	return nil
}

// After records the handler result, then closes.
func (l *lifecycle) After(req *Request) error {
	if !l.tracer.IsTracingEnabled() {
		return nil
	}

	l.tracer.AddResponseAsMetadata(req.Response, l.tracer.cfg.handlerName(req.Invocation))
	if l.close(&l.state) {
		l.tracer.metrics.Invocations.WithLabelValues(OutcomeSuccess).Inc()
	}
	return nil
}

// OnError records the invocation error, then closes. The error itself is left untouched.
func (l *lifecycle) OnError(req *Request) error {
	if !l.tracer.IsTracingEnabled() {
		return nil
	}

	if req.Error != nil {
		l.tracer.AddErrorAsMetadata(req.Error)
	}
	if l.close(&l.state) {
		l.tracer.metrics.Invocations.WithLabelValues(OutcomeError).Inc()
	}
	return nil
}

func (l *lifecycle) open(state *invocationState, req *Request) error {
	t := l.tracer
	inv := req.Invocation

	// Published before the segment exists so SDK calls made while it is
	// being built already see a trace.
	traceID := t.NewTraceID()
	if err := t.publish(TraceHeader{Root: traceID, Sampled: true}); err != nil {
		return err
	}

	accountID, err := accountIDFromARN(inv.InvokedFunctionARN)
	if err != nil {
		return err
	}

	name := inv.FunctionName
	if name == "" {
		name = t.cfg.FunctionName
	}
	seg, err := t.NewSegment(name, traceID)
	if err != nil {
		return err
	}
	seg.SetOrigin(Origin)
	seg.SetAWS(AWSResource{
		AccountID:     accountID,
		FunctionARN:   inv.InvokedFunctionARN,
		ResourceNames: []string{name},
	})

	// Supersedes the first write with the segment's own id.
	if err := t.publish(TraceHeader{Root: seg.ID(), Sampled: true}); err != nil {
		return err
	}

	t.SetActiveSegment(seg)
	handler := seg.AddNewSubsegment("## " + t.cfg.handlerName(inv))
	t.SetActiveSegment(handler)

	state.invocation = seg
	state.handler = handler
	req.SetContext(ContextWithSegment(req.Context(), handler))

	t.logger.Debug("invocation opened",
		zap.String("request_id", inv.AWSRequestID),
		zap.String("trace_id", seg.TraceID()),
		zap.String("segment_id", seg.ID()),
	)
	return nil
}

// close is idempotent: it runs from After, OnError and the registered
// cleanup, and only the first call with both segments set does anything.
// It reports whether it closed the pair.
func (l *lifecycle) close(state *invocationState) bool {
	if state.handler == nil || state.invocation == nil {
		return false
	}

	state.handler.Close()
	l.tracer.SetActiveSegment(state.invocation)

	if !state.invocation.IsClosed() {
		state.invocation.Close()
		state.invocation.Flush()
	}

	l.tracer.logger.Debug("invocation closed",
		zap.String("trace_id", state.invocation.TraceID()),
		zap.String("segment_id", state.invocation.ID()),
	)
	*state = invocationState{}
	return true
}

// accountIDFromARN returns field 4 of arn:partition:service:region:account:resource.
func accountIDFromARN(arn string) (string, error) {
	fields := strings.Split(arn, ":")
	if len(fields) < 6 || fields[0] != "arn" || fields[4] == "" {
		return "", fmt.Errorf("%w: %q", ErrMalformedARN, arn)
	}
	return fields[4], nil
}
