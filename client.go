package segmentz

import (
	"go.uber.org/zap"
)

// handlerCapture records the handler as a subsegment of the segment the
// Lambda runtime already opened, read from the propagation channel.
type handlerCapture struct {
	tracer   *Tracer
	handler  *Segment
	previous *Segment
}

// CaptureLambdaHandler returns middleware for functions that do not own their
// invocation segment. It opens "## <handler>" under the runtime's segment and
// streams it on close.
func (t *Tracer) CaptureLambdaHandler() Middleware {
	return &handlerCapture{tracer: t}
}

func (h *handlerCapture) Before(req *Request) error {
	t := h.tracer
	if !t.IsTracingEnabled() {
		return nil
	}

	header, err := ParseTraceHeader(t.env.Getenv(EnvKey))
	if err != nil {
		// No runtime trace to attach to; start one.
		header = TraceHeader{Root: t.NewTraceID(), Sampled: true}
		t.logger.Debug("no trace header in environment, starting new trace",
			zap.String("trace_id", header.Root),
		)
	}

	h.previous = t.ActiveSegment()
	h.handler = t.newDetachedSubsegment("## "+t.cfg.handlerName(req.Invocation), header.Root, header.Parent)
	t.SetActiveSegment(h.handler)
	req.SetContext(ContextWithSegment(req.Context(), h.handler))
	req.SetInternal(CleanupKey, h.close)

	t.AnnotateColdStart()
	t.AnnotateServiceName()
	return nil
}

func (h *handlerCapture) After(req *Request) error {
	if !h.tracer.IsTracingEnabled() {
		return nil
	}

	h.tracer.AddResponseAsMetadata(req.Response, h.tracer.cfg.handlerName(req.Invocation))
	h.close()
	return nil
}

func (h *handlerCapture) OnError(req *Request) error {
	if !h.tracer.IsTracingEnabled() {
		return nil
	}

	if req.Error != nil {
		h.tracer.AddErrorAsMetadata(req.Error)
	}
	h.close()
	return nil
}

func (h *handlerCapture) close() {
	if h.handler == nil {
		return
	}

	h.handler.Close()
	h.handler.Flush()
	h.tracer.SetActiveSegment(h.previous)
	h.handler, h.previous = nil, nil
}
