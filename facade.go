package segmentz

import (
	"fmt"

	"go.uber.org/zap"
)

// Facade is the tracing surface a function uses: middleware for each
// invocation and instrumentation for outbound clients.
type Facade interface {
	// Middleware returns fresh middleware for one invocation.
	Middleware() Middleware
	// Tracer returns the process-wide tracing client.
	Tracer() *Tracer
}

type entrypoint struct {
	tracer *Tracer
}

// NewEntrypoint returns a Facade for functions that own their invocation
// segment: each invocation gets a new trace with an invocation segment and a
// "## <handler>" subsegment.
func NewEntrypoint(t *Tracer) Facade {
	return &entrypoint{tracer: t}
}

func (e *entrypoint) Middleware() Middleware { return newLifecycle(e.tracer) }
func (e *entrypoint) Tracer() *Tracer        { return e.tracer }

type downstreamClient struct {
	tracer *Tracer
}

// NewDownstreamClient returns a Facade for functions called by a traced
// service: the handler is captured under the segment the runtime provides.
func NewDownstreamClient(t *Tracer) Facade {
	return &downstreamClient{tracer: t}
}

func (d *downstreamClient) Middleware() Middleware { return d.tracer.CaptureLambdaHandler() }
func (d *downstreamClient) Tracer() *Tracer        { return d.tracer }

// NewFacade picks the facade for role.
func NewFacade(t *Tracer, role Role) (Facade, error) {
	switch role {
	case RoleEntrypoint:
		return NewEntrypoint(t), nil
	case RoleClient:
		return NewDownstreamClient(t), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
}

// Capture instruments an outbound client with the facade's tracer. See CaptureClient.
func Capture[T any](f Facade, client T) T {
	return CaptureClient(f.Tracer(), client)
}

// NewFromEnv builds a Facade entirely from the Lambda environment: config,
// logger, tracer and a daemon emitter. The returned close function releases
// the tracer and the emitter.
func NewFromEnv() (Facade, func(), error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, nil, err
	}

	logger, err := NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	tracer := New(WithConfig(cfg), WithLogger(logger))

	emitter, err := NewEmitter(cfg.DaemonAddress, logger)
	if err != nil {
		tracer.Close()
		return nil, nil, err
	}
	tracer.AddEmitter(emitter)

	facade, err := NewFacade(tracer, cfg.Role)
	if err != nil {
		tracer.Close()
		_ = emitter.Close()
		return nil, nil, err
	}

	logger.Debug("tracer ready",
		zap.String("role", string(cfg.Role)),
		zap.Bool("enabled", tracer.IsTracingEnabled()),
	)

	closeFn := func() {
		tracer.Close()
		_ = emitter.Close()
		_ = logger.Sync()
	}
	return facade, closeFn, nil
}
