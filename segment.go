package segmentz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// segmentKeyType is a private type for context keys to avoid collisions.
type segmentKeyType string

const (
	segmentKey segmentKeyType = "segmentz"
)

// Exception is a single recorded error on a segment.
type Exception struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Remote  bool   `json:"remote,omitempty"`
}

// Cause lists the exceptions that faulted a segment.
type Cause struct {
	Exceptions []Exception `json:"exceptions"`
}

// AWSResource holds the aws block of a segment document.
//
//nolint:govet // Field order mirrors the X-Ray aws block
type AWSResource struct {
	AccountID     string   `json:"account_id,omitempty"`
	FunctionARN   string   `json:"function_arn,omitempty"`
	ResourceNames []string `json:"resource_names,omitempty"`
	Operation     string   `json:"operation,omitempty"`
	Region        string   `json:"region,omitempty"`
}

// HTTPInfo describes the outbound request a remote subsegment represents.
type HTTPInfo struct {
	Method string `json:"method,omitempty"`
	URL    string `json:"url,omitempty"`
	Status int    `json:"status,omitempty"`
}

// Document is an immutable snapshot of a segment and its subsegments,
// the unit handed to flush handlers.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type Document struct {
	Annotations map[string]any            `json:"annotations,omitempty"`
	Metadata    map[string]map[string]any `json:"metadata,omitempty"`
	AWS         *AWSResource              `json:"aws,omitempty"`
	HTTP        *HTTPInfo                 `json:"http,omitempty"`
	Cause       *Cause                    `json:"cause,omitempty"`
	Subsegments []Document                `json:"subsegments,omitempty"`
	ID          string                    `json:"id"`
	TraceID     string                    `json:"trace_id,omitempty"`
	ParentID    string                    `json:"parent_id,omitempty"`
	Name        string                    `json:"name"`
	Origin      string                    `json:"origin,omitempty"`
	Namespace   string                    `json:"namespace,omitempty"`
	Type        string                    `json:"type,omitempty"`
	StartTime   float64                   `json:"start_time"`
	EndTime     float64                   `json:"end_time,omitempty"`
	InProgress  bool                      `json:"in_progress,omitempty"`
	Fault       bool                      `json:"fault,omitempty"`
	Error       bool                      `json:"error,omitempty"`
	Throttle    bool                      `json:"throttle,omitempty"`
}

// Find returns the first document in the tree, depth first, with the given name.
func (d *Document) Find(name string) *Document {
	if d.Name == name {
		return d
	}
	for i := range d.Subsegments {
		if found := d.Subsegments[i].Find(name); found != nil {
			return found
		}
	}
	return nil
}

// Segment is a span of work in an X-Ray style trace: either a root segment
// or a subsegment nested under one.
// Safe for concurrent use by multiple goroutines.
// Mutations after Close are ignored.
//
//nolint:govet // Field order optimized for functionality over memory
type Segment struct {
	tracer      *Tracer
	parent      *Segment
	subsegments []*Segment
	annotations map[string]any
	metadata    map[string]map[string]any
	aws         *AWSResource
	http        *HTTPInfo
	cause       *Cause
	startTime   time.Time
	endTime     time.Time
	id          string
	traceID     string
	parentID    string
	name        string
	origin      string
	namespace   string
	closed      bool
	fault       bool
	errFlag     bool
	throttle    bool
	flushed     bool
	mu          sync.Mutex
}

// ID returns the segment id.
func (s *Segment) ID() string { return s.id }

// TraceID returns the id of the trace the segment belongs to.
func (s *Segment) TraceID() string { return s.traceID }

// ParentID returns the id of the enclosing segment, empty for a root.
func (s *Segment) ParentID() string { return s.parentID }

// Name returns the segment name.
func (s *Segment) Name() string { return s.name }

// Parent returns the enclosing segment, nil for a root or a detached subsegment.
func (s *Segment) Parent() *Segment { return s.parent }

// Origin returns the origin tag.
func (s *Segment) Origin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.origin
}

// AWS returns a copy of the aws resource block, nil if unset.
func (s *Segment) AWS() *AWSResource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyAWS(s.aws)
}

// SetOrigin sets the origin tag, e.g. AWS::Lambda::Function.
func (s *Segment) SetOrigin(origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closedLocked() {
		return
	}
	s.origin = origin
}

// SetNamespace marks a subsegment as aws or remote.
func (s *Segment) SetNamespace(namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closedLocked() {
		return
	}
	s.namespace = namespace
}

// SetAWS replaces the aws resource block.
func (s *Segment) SetAWS(res AWSResource) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closedLocked() {
		return
	}
	s.aws = copyAWS(&res)
}

// SetHTTPRequest records the method and url of an outbound call.
func (s *Segment) SetHTTPRequest(method, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closedLocked() {
		return
	}
	if s.http == nil {
		s.http = &HTTPInfo{}
	}
	s.http.Method = method
	s.http.URL = url
}

// SetHTTPResponse records the response status and derives the error flags:
// 429 throttles, other 4xx are errors, 5xx are faults.
func (s *Segment) SetHTTPResponse(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closedLocked() {
		return
	}
	if s.http == nil {
		s.http = &HTTPInfo{}
	}
	s.http.Status = status

	switch {
	case status == 429:
		s.throttle = true
		s.errFlag = true
	case status >= 400 && status < 500:
		s.errFlag = true
	case status >= 500:
		s.fault = true
	}
}

// AddAnnotation sets an indexed annotation.
func (s *Segment) AddAnnotation(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closedLocked() {
		return
	}
	if s.annotations == nil {
		s.annotations = make(map[string]any)
	}
	s.annotations[key] = value
}

// Annotation returns an annotation value by key.
func (s *Segment) Annotation(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.annotations[key]
	return value, ok
}

// AddMetadata stores an unindexed value under namespace and key.
func (s *Segment) AddMetadata(namespace, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closedLocked() {
		return
	}
	if s.metadata == nil {
		s.metadata = make(map[string]map[string]any)
	}
	if s.metadata[namespace] == nil {
		s.metadata[namespace] = make(map[string]any)
	}
	s.metadata[namespace][key] = value
}

// Metadata returns a metadata value.
func (s *Segment) Metadata(namespace, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.metadata[namespace][key]
	return value, ok
}

// AddError records err as a fault on the segment.
// A nil error is ignored.
func (s *Segment) AddError(err error) {
	s.addException(err, false)
}

func (s *Segment) addException(err error, remote bool) {
	if err == nil {
		return
	}

	var id string
	if s.tracer != nil {
		id = s.tracer.newSegmentID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closedLocked() {
		return
	}
	if s.cause == nil {
		s.cause = &Cause{}
	}
	s.cause.Exceptions = append(s.cause.Exceptions, Exception{
		ID:      id,
		Message: err.Error(),
		Type:    errorType(err),
		Remote:  remote,
	})
	s.fault = true
}

// markFault sets the fault flag without recording the error itself.
func (s *Segment) markFault() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closedLocked() {
		return
	}
	s.fault = true
}

// AddNewSubsegment opens a subsegment under s.
// Subsegments opened on a closed segment are detached and never flushed.
func (s *Segment) AddNewSubsegment(name string) *Segment {
	sub := s.tracer.newSegment(name, s.traceID, s.id)
	sub.parent = s

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closedLocked() {
		s.subsegments = append(s.subsegments, sub)
	}
	return sub
}

// Close ends the segment.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Segment) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closedLocked() {
		return
	}
	s.endTime = s.tracer.clock.Now()
	s.closed = true
}

// IsClosed reports whether Close has been called.
func (s *Segment) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedLocked()
}

func (s *Segment) closedLocked() bool {
	return s.closed
}

// Flush hands a snapshot of the segment tree to the tracer's flush handlers.
// Only the first call has an effect. Subsegments still attached to a parent
// are flushed as part of their root instead.
func (s *Segment) Flush() {
	if s.parent != nil {
		return
	}

	s.mu.Lock()
	if s.flushed {
		s.mu.Unlock()
		return
	}
	s.flushed = true
	s.mu.Unlock()

	s.tracer.flush(s.Document())
}

// Document returns a deep snapshot of the segment and its subsegments.
func (s *Segment) Document() Document {
	s.mu.Lock()
	doc := Document{
		ID:         s.id,
		TraceID:    s.traceID,
		ParentID:   s.parentID,
		Name:       s.name,
		Origin:     s.origin,
		Namespace:  s.namespace,
		StartTime:  epochSeconds(s.startTime),
		InProgress: !s.closedLocked(),
		Fault:      s.fault,
		Error:      s.errFlag,
		Throttle:   s.throttle,
		AWS:        copyAWS(s.aws),
	}
	if s.closedLocked() {
		doc.EndTime = epochSeconds(s.endTime)
	}
	if s.parent == nil && s.parentID != "" {
		doc.Type = "subsegment"
	}
	if s.http != nil {
		info := *s.http
		doc.HTTP = &info
	}
	if s.cause != nil {
		doc.Cause = &Cause{Exceptions: append([]Exception(nil), s.cause.Exceptions...)}
	}
	if len(s.annotations) > 0 {
		doc.Annotations = make(map[string]any, len(s.annotations))
		for k, v := range s.annotations {
			doc.Annotations[k] = v
		}
	}
	if len(s.metadata) > 0 {
		doc.Metadata = make(map[string]map[string]any, len(s.metadata))
		for ns, values := range s.metadata {
			inner := make(map[string]any, len(values))
			for k, v := range values {
				inner[k] = v
			}
			doc.Metadata[ns] = inner
		}
	}
	subsegments := make([]*Segment, len(s.subsegments))
	copy(subsegments, s.subsegments)
	s.mu.Unlock()

	// Children take their own locks.
	for _, sub := range subsegments {
		doc.Subsegments = append(doc.Subsegments, sub.Document())
	}
	return doc
}

// ContextWithSegment returns a copy of ctx carrying seg.
// Child segments and captured clients look the segment up from here first.
func ContextWithSegment(ctx context.Context, seg *Segment) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, segmentKey, seg)
}

// SegmentFromContext extracts the current segment from a context.
// Returns nil if no segment is present.
func SegmentFromContext(ctx context.Context) *Segment {
	if ctx == nil {
		return nil
	}

	if seg, ok := ctx.Value(segmentKey).(*Segment); ok {
		return seg
	}

	return nil
}

func copyAWS(res *AWSResource) *AWSResource {
	if res == nil {
		return nil
	}
	out := *res
	if res.ResourceNames != nil {
		out.ResourceNames = append([]string(nil), res.ResourceNames...)
	}
	return &out
}

func errorType(err error) string {
	// Report the outermost non-wrapping type.
	for e := err; e != nil; e = errors.Unwrap(e) {
		name := fmt.Sprintf("%T", e)
		if name != "*fmt.wrapError" && name != "*fmt.wrapErrors" {
			return name
		}
	}
	return fmt.Sprintf("%T", err)
}

func epochSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}
