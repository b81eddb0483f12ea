package segmentz

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// ErrInvalidSegment is returned when a segment cannot be created from the given name or trace id.
var ErrInvalidSegment = errors.New("invalid segment")

// FlushHandler is called with the document of every flushed segment.
type FlushHandler func(doc Document)

type handlerEntry struct {
	handler FlushHandler
	id      uint64
	async   bool
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithConfig sets the tracer configuration.
func WithConfig(cfg Config) Option {
	return func(t *Tracer) { t.cfg = cfg }
}

// WithClock sets the clock used for segment timestamps and trace ids.
// Enables clock injection for deterministic testing.
func WithClock(clock clockz.Clock) Option {
	return func(t *Tracer) { t.clock = clock }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracer) { t.logger = logger }
}

// WithEnv sets the channel trace headers are published on. The default is the process environment.
func WithEnv(env Env) Option {
	return func(t *Tracer) { t.env = env }
}

// WithRegisterer registers the tracer metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(t *Tracer) { t.metrics = NewMetrics(reg) }
}

// Tracer is the process-wide tracing client: it creates segments, holds the
// active segment slot, records annotations and metadata, and hands flushed
// segments to registered handlers.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	handlers     []handlerEntry
	panicHook    func(handlerID uint64, r interface{})
	workers      *workerPool
	idPool       *IDPool
	active       *Segment
	clock        clockz.Clock
	logger       *zap.Logger
	env          Env
	metrics      *Metrics
	cfg          Config
	handlersLock sync.RWMutex
	activeLock   sync.RWMutex
	idPoolOnce   sync.Once
	nextID       atomic.Uint64
	dropped      atomic.Uint64
	warm         atomic.Bool
}

// New creates a new tracer.
// Uses the real clock, the process environment and DefaultConfig unless overridden.
func New(opts ...Option) *Tracer {
	t := &Tracer{
		handlers: make([]handlerEntry, 0),
		clock:    clockz.RealClock,
		logger:   zap.NewNop(),
		env:      OSEnv{},
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.metrics == nil {
		t.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return t
}

// Config returns the tracer configuration.
func (t *Tracer) Config() Config {
	return t.cfg
}

// Metrics returns the collectors the tracer updates.
func (t *Tracer) Metrics() *Metrics {
	return t.metrics
}

// IsTracingEnabled reports whether segments should be produced.
func (t *Tracer) IsTracingEnabled() bool {
	return t.cfg.TracingEnabled()
}

// ensureIDPool initializes the ID pool if not already created.
func (t *Tracer) ensureIDPool() {
	t.idPoolOnce.Do(func() {
		// Pool size based on number of CPUs for optimal contention balance.
		poolSize := runtime.NumCPU() * 100

		t.idPool = NewIDPool(poolSize, func() string {
			bytes := make([]byte, 12)
			if _, err := rand.Read(bytes); err != nil {
				// Fallback to time-based ID if crypto/rand fails.
				return fmt.Sprintf("%024x", t.clock.Now().UnixNano())
			}
			return hex.EncodeToString(bytes)
		})
	})
}

// NewTraceID generates an X-Ray trace id: 1-<epoch seconds, 8 hex>-<96 random bits>.
func (t *Tracer) NewTraceID() string {
	t.ensureIDPool()
	return fmt.Sprintf("1-%08x-%s", t.clock.Now().Unix(), t.idPool.Get())
}

// newSegmentID generates a 64 bit segment id.
func (t *Tracer) newSegmentID() string {
	t.ensureIDPool()
	return t.idPool.Get()[:16]
}

// NewSegment opens a root segment in the given trace.
func (t *Tracer) NewSegment(name, traceID string) (*Segment, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidSegment)
	}
	if !validTraceID(traceID) {
		return nil, fmt.Errorf("%w: trace id %q", ErrInvalidSegment, traceID)
	}
	return t.newSegment(name, traceID, ""), nil
}

// newDetachedSubsegment opens a subsegment whose parent lives in another
// process, such as the segment the Lambda runtime creates.
func (t *Tracer) newDetachedSubsegment(name, traceID, parentID string) *Segment {
	return t.newSegment(name, traceID, parentID)
}

func (t *Tracer) newSegment(name, traceID, parentID string) *Segment {
	seg := &Segment{
		tracer:    t,
		id:        t.newSegmentID(),
		traceID:   traceID,
		parentID:  parentID,
		name:      name,
		startTime: t.clock.Now(),
	}
	t.metrics.SegmentsOpened.Inc()
	t.logger.Debug("segment opened",
		zap.String("trace_id", traceID),
		zap.String("segment_id", seg.id),
		zap.String("name", name),
	)
	return seg
}

// SetActiveSegment replaces the ambient segment used by instrumentation
// that cannot be handed a context.
func (t *Tracer) SetActiveSegment(seg *Segment) {
	t.activeLock.Lock()
	defer t.activeLock.Unlock()
	t.active = seg
}

// ActiveSegment returns the ambient segment, nil if none was set.
func (t *Tracer) ActiveSegment() *Segment {
	t.activeLock.RLock()
	defer t.activeLock.RUnlock()
	return t.active
}

// segmentFor picks the parent for new work: the segment in ctx, else the
// active segment. Closed segments are never used as parents.
func (t *Tracer) segmentFor(ctx context.Context) *Segment {
	seg := SegmentFromContext(ctx)
	if seg == nil {
		seg = t.ActiveSegment()
	}
	if seg == nil || seg.IsClosed() {
		return nil
	}
	return seg
}

// AnnotateColdStart annotates the active segment with ColdStart, true only
// for the first invocation the process serves.
func (t *Tracer) AnnotateColdStart() {
	seg := t.ActiveSegment()
	if seg == nil {
		return
	}
	seg.AddAnnotation("ColdStart", !t.warm.Swap(true))
}

// AnnotateServiceName annotates the active segment with the configured service name.
func (t *Tracer) AnnotateServiceName() {
	seg := t.ActiveSegment()
	if seg == nil || t.cfg.ServiceName == "" {
		return
	}
	seg.AddAnnotation("Service", t.cfg.ServiceName)
}

// AddResponseAsMetadata stores response on the active segment under the
// service namespace, keyed "<label> response".
func (t *Tracer) AddResponseAsMetadata(response any, label string) {
	if !t.cfg.CaptureResponse || response == nil {
		return
	}
	seg := t.ActiveSegment()
	if seg == nil {
		return
	}
	seg.AddMetadata(t.cfg.ServiceName, label+" response", response)
}

// AddErrorAsMetadata records err on the active segment. With error capture
// disabled only the fault flag is set.
func (t *Tracer) AddErrorAsMetadata(err error) {
	if err == nil {
		return
	}
	seg := t.ActiveSegment()
	if seg == nil {
		return
	}
	if !t.cfg.CaptureError {
		seg.markFault()
		return
	}
	seg.AddError(err)
}

// publish writes h to the propagation channel.
func (t *Tracer) publish(h TraceHeader) error {
	value := h.String()
	if err := t.env.Setenv(EnvKey, value); err != nil {
		return fmt.Errorf("publish trace header: %w", err)
	}
	t.logger.Debug("trace header published", zap.String("header", value))
	return nil
}

// OnSegmentFlush registers a synchronous handler called when segments are flushed.
func (t *Tracer) OnSegmentFlush(handler FlushHandler) uint64 {
	return t.registerHandler(handler, false)
}

// OnSegmentFlushAsync registers an asynchronous handler called when segments are flushed.
func (t *Tracer) OnSegmentFlushAsync(handler FlushHandler) uint64 {
	return t.registerHandler(handler, true)
}

// AddCollector buffers every flushed document in c.
func (t *Tracer) AddCollector(name string, c *Collector) uint64 {
	t.logger.Debug("collector added", zap.String("collector", name))
	return t.OnSegmentFlush(func(doc Document) {
		c.Collect(&doc)
	})
}

// AddEmitter sends every flushed document to the daemon through e before
// Flush returns. Lambda freezes the process once the response is sent, so a
// queued document could wait for the next invocation; a UDP write never waits
// for the daemon.
func (t *Tracer) AddEmitter(e *Emitter) uint64 {
	return t.OnSegmentFlush(e.Emit)
}

func (t *Tracer) registerHandler(handler FlushHandler, async bool) uint64 {
	if handler == nil {
		return 0
	}

	id := t.nextID.Add(1)

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	t.handlers = append(t.handlers, handlerEntry{
		id:      id,
		handler: handler,
		async:   async,
	})

	return id
}

// RemoveHandler removes a handler by ID.
func (t *Tracer) RemoveHandler(id uint64) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	// Preserve order
	for i, h := range t.handlers {
		if h.id == id {
			copy(t.handlers[i:], t.handlers[i+1:])
			t.handlers = t.handlers[:len(t.handlers)-1]
			return
		}
	}
}

// SetPanicHook sets a function to be called when a handler panics.
func (t *Tracer) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	t.panicHook = hook
}

// flush hands doc to every registered handler. It never waits for async delivery.
func (t *Tracer) flush(doc Document) {
	t.metrics.SegmentsFlushed.Inc()
	t.logger.Debug("segment flushed", documentFields(&doc)...)
	t.executeHandlers(doc)
}

// executeHandlers calls all registered handlers with the flushed document.
func (t *Tracer) executeHandlers(doc Document) {
	t.handlersLock.RLock()
	if len(t.handlers) == 0 {
		t.handlersLock.RUnlock()
		return
	}

	handlers := make([]handlerEntry, len(t.handlers))
	copy(handlers, t.handlers)
	t.handlersLock.RUnlock()

	for _, h := range handlers {
		if h.async {
			// Make a copy of h for closure
			entry := h
			if t.workers != nil {
				t.workers.submit(func() {
					t.safeCall(entry, doc)
				})
			} else {
				go t.safeCall(entry, doc)
			}
		} else {
			t.safeCall(h, doc)
		}
	}
}

func (t *Tracer) safeCall(entry handlerEntry, doc Document) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("flush handler panicked",
				zap.Uint64("handler_id", entry.id),
				zap.Any("panic", r),
			)
			if t.panicHook != nil {
				t.panicHook(entry.id, r)
			}
		}
	}()
	entry.handler(doc)
}

// EnableWorkerPool creates a bounded worker pool for async handlers.
func (t *Tracer) EnableWorkerPool(workers, queueSize int) error {
	if t.workers != nil {
		return errors.New("worker pool already enabled")
	}
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if queueSize <= 0 {
		return errors.New("queueSize must be > 0")
	}

	t.workers = &workerPool{
		tasks: make(chan func(), queueSize),
		stop:  make(chan struct{}),
		onDrop: func() {
			t.dropped.Add(1)
			t.metrics.DocumentsDropped.Inc()
			t.logger.Warn("segment document dropped, worker queue full")
		},
	}

	t.workers.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go t.workers.run()
	}

	return nil
}

// DroppedDocuments returns the number of documents dropped due to a full worker queue.
func (t *Tracer) DroppedDocuments() uint64 {
	return t.dropped.Load()
}

// Close shuts down the tracer gracefully and cleans up resources.
// This should be called when the tracer is no longer needed.
func (t *Tracer) Close() {
	// Stop new handler executions
	t.handlersLock.Lock()
	t.handlers = nil
	t.handlersLock.Unlock()

	// Wait for in-flight async tasks
	if t.workers != nil {
		t.workers.shutdown()
		t.workers = nil
	}

	if t.idPool != nil {
		t.idPool.Close()
	}
}

// validTraceID checks the 1-<8 hex>-<24 hex> shape.
func validTraceID(id string) bool {
	parts := strings.Split(id, "-")
	if len(parts) != 3 || parts[0] != "1" || len(parts[1]) != 8 || len(parts[2]) != 24 {
		return false
	}
	for _, p := range parts[1:] {
		if _, err := hex.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}

// workerPool manages a fixed number of workers for processing async handlers.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks  chan func()
	stop   chan struct{}
	onDrop func()
	wg     sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			return
		}
	}
}

func (w *workerPool) submit(task func()) {
	select {
	case w.tasks <- task:
	default:
		w.onDrop()
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
