package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/segmentz"
)

// FunctionARN is the invoked ARN used by every simulated invocation.
const FunctionARN = "arn:aws:lambda:eu-west-1:210987654321:function:checkout"

// LambdaConfig returns a configuration that enables tracing as if running inside Lambda.
func LambdaConfig(handler string) segmentz.Config {
	cfg := segmentz.DefaultConfig()
	cfg.Handler = handler
	cfg.FunctionName = handler
	cfg.ServiceName = "checkout"
	return cfg
}

// MockCollector wraps a real collector with test utilities.
// Collection is synchronous.
//
//nolint:govet // Field alignment optimized for test helper readability
type MockCollector struct {
	exported []segmentz.Document
	*segmentz.Collector
	t  *testing.T
	mu sync.Mutex
}

// NewMockCollector creates a collector for testing.
func NewMockCollector(t *testing.T, name string, bufferSize int) *MockCollector {
	collector := segmentz.NewCollector(name, bufferSize)
	collector.SetSyncMode(true)
	return &MockCollector{
		Collector: collector,
		t:         t,
		exported:  make([]segmentz.Document, 0),
	}
}

// Export returns collected documents and clears the buffer.
func (m *MockCollector) Export() []segmentz.Document {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.Collector.Export()
	m.exported = append(m.exported, docs...)
	return docs
}

// GetAll returns every document exported so far without clearing.
func (m *MockCollector) GetAll() []segmentz.Document {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current := m.Collector.Export(); len(current) > 0 {
		m.exported = append(m.exported, current...)
	}

	all := make([]segmentz.Document, len(m.exported))
	copy(all, m.exported)
	return all
}

// WaitForDocuments waits for expected number of documents with timeout.
func (m *MockCollector) WaitForDocuments(expected int, timeout time.Duration) []segmentz.Document {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	var docs []segmentz.Document
	for time.Now().Before(deadline) {
		docs = m.GetAll()
		if len(docs) >= expected {
			return docs[:expected]
		}
		<-ticker.C
	}

	m.t.Errorf("Timeout waiting for documents: expected %d, got %d", expected, len(docs))
	return docs
}

// AssertNamed returns the first document, at any depth, with the given name.
func (m *MockCollector) AssertNamed(name string) *segmentz.Document {
	docs := m.GetAll()
	for i := range docs {
		if found := docs[i].Find(name); found != nil {
			return found
		}
	}
	m.t.Errorf("Document named '%s' not found", name)
	return nil
}

// Function bundles what one simulated Lambda function needs: a tracer, the
// environment it publishes to, and a collector for what it flushes.
type Function struct {
	Facade    segmentz.Facade
	Env       *segmentz.MemoryEnv
	Collector *MockCollector
	Clock     *clockz.FakeClock
}

// NewFunction builds a function in role with a fake clock and in-memory environment.
func NewFunction(t *testing.T, role segmentz.Role, cfg segmentz.Config) *Function {
	t.Helper()

	env := segmentz.NewMemoryEnv()
	clock := clockz.NewFakeClockAt(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
	tracer := segmentz.New(
		segmentz.WithConfig(cfg),
		segmentz.WithEnv(env),
		segmentz.WithClock(clock),
	)
	collector := NewMockCollector(t, cfg.FunctionName, 256)
	tracer.AddCollector(cfg.FunctionName, collector.Collector)

	facade, err := segmentz.NewFacade(tracer, role)
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}

	t.Cleanup(func() {
		tracer.Close()
		collector.Close()
	})
	return &Function{Facade: facade, Env: env, Collector: collector, Clock: clock}
}

// Invoke runs handler as one invocation with fresh middleware.
func (f *Function) Invoke(ctx context.Context, event any, handler segmentz.Handler) (any, error) {
	cfg := f.Facade.Tracer().Config()
	req := segmentz.NewRequest(ctx, segmentz.InvocationContext{
		FunctionName:       cfg.FunctionName,
		InvokedFunctionARN: FunctionARN,
		AWSRequestID:       fmt.Sprintf("req-%d", time.Now().UnixNano()),
	}, event)
	return segmentz.Invoke(req, handler, f.Facade.Middleware())
}

// MockService simulates a downstream HTTP service and records the trace
// header of every request it receives.
type MockService struct {
	*httptest.Server
	headers []string
	status  int
	mu      sync.Mutex
}

// NewMockService starts a service replying with status.
func NewMockService(t *testing.T, status int) *MockService {
	t.Helper()
	m := &MockService{status: status}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.headers = append(m.headers, r.Header.Get(segmentz.HTTPHeader))
		status := m.status
		m.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(m.Server.Close)
	return m
}

// SetStatus changes the reply status.
func (m *MockService) SetStatus(status int) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
}

// Headers returns the trace headers received so far.
func (m *MockService) Headers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.headers))
	copy(out, m.headers)
	return out
}

// PrintDocumentTree formats a document tree for debugging.
func PrintDocumentTree(doc segmentz.Document) string {
	var sb strings.Builder
	printTreeNode(&sb, doc, 0)
	return sb.String()
}

func printTreeNode(sb *strings.Builder, doc segmentz.Document, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(sb, "%s%s [%s] (%.3fs)\n", indent, doc.Name, doc.ID, doc.EndTime-doc.StartTime)
	for _, child := range doc.Subsegments {
		printTreeNode(sb, child, depth+1)
	}
}

// DocumentMatcher provides fluent assertions for documents.
type DocumentMatcher struct {
	t   *testing.T
	doc *segmentz.Document
}

// NewDocumentMatcher creates a matcher for document assertions.
func NewDocumentMatcher(t *testing.T, doc *segmentz.Document) *DocumentMatcher {
	return &DocumentMatcher{t: t, doc: doc}
}

// HasAnnotation verifies an annotation exists with value.
func (m *DocumentMatcher) HasAnnotation(key string, value any) *DocumentMatcher {
	if m.doc == nil {
		return m
	}
	if actual, exists := m.doc.Annotations[key]; !exists {
		m.t.Errorf("Document %s missing annotation '%s'", m.doc.Name, key)
	} else if actual != value {
		m.t.Errorf("Document %s annotation '%s': expected '%v', got '%v'", m.doc.Name, key, value, actual)
	}
	return m
}

// HasParent verifies the parent id.
func (m *DocumentMatcher) HasParent(parentID string) *DocumentMatcher {
	if m.doc == nil {
		return m
	}
	if m.doc.ParentID != parentID {
		m.t.Errorf("Document %s wrong parent: expected %s, got %s", m.doc.Name, parentID, m.doc.ParentID)
	}
	return m
}

// IsClosed verifies the document is not in progress.
func (m *DocumentMatcher) IsClosed() *DocumentMatcher {
	if m.doc == nil {
		return m
	}
	if m.doc.InProgress {
		m.t.Errorf("Document %s still in progress", m.doc.Name)
	}
	return m
}

// HasFault verifies the fault flag.
func (m *DocumentMatcher) HasFault(fault bool) *DocumentMatcher {
	if m.doc == nil {
		return m
	}
	if m.doc.Fault != fault {
		m.t.Errorf("Document %s fault: expected %v, got %v", m.doc.Name, fault, m.doc.Fault)
	}
	return m
}
