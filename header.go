package segmentz

import (
	"errors"
	"os"
	"strings"
	"sync"
)

const (
	// EnvKey is the environment variable the Lambda runtime and AWS SDKs read
	// the current trace context from.
	EnvKey = "_X_AMZN_TRACE_ID"

	// HTTPHeader carries the trace context on outbound requests.
	HTTPHeader = "X-Amzn-Trace-Id"
)

// ErrInvalidHeader is returned when a trace header has no Root field.
var ErrInvalidHeader = errors.New("invalid trace header")

// TraceHeader is the Root/Parent/Sampled triple propagated between services.
type TraceHeader struct {
	Root    string
	Parent  string
	Sampled bool
}

// String renders the header as Root=<id>;Parent=<id>;Sampled=<0|1>.
// Parent is always present, empty for a root segment.
func (h TraceHeader) String() string {
	sampled := "0"
	if h.Sampled {
		sampled = "1"
	}

	var b strings.Builder
	b.Grow(len(h.Root) + len(h.Parent) + 26)
	b.WriteString("Root=")
	b.WriteString(h.Root)
	b.WriteString(";Parent=")
	b.WriteString(h.Parent)
	b.WriteString(";Sampled=")
	b.WriteString(sampled)
	return b.String()
}

// ParseTraceHeader parses a header in the form written by String.
// Unknown fields such as Lineage are ignored.
func ParseTraceHeader(s string) (TraceHeader, error) {
	var h TraceHeader
	for _, part := range strings.Split(s, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "Root":
			h.Root = value
		case "Parent":
			h.Parent = value
		case "Sampled":
			h.Sampled = value == "1"
		}
	}
	if h.Root == "" {
		return TraceHeader{}, ErrInvalidHeader
	}
	return h, nil
}

// Env is the environment-style channel trace context is published on.
type Env interface {
	Getenv(key string) string
	Setenv(key, value string) error
}

// OSEnv is the process environment.
type OSEnv struct{}

// Getenv returns the process environment value for key.
func (OSEnv) Getenv(key string) string { return os.Getenv(key) }

// Setenv sets key in the process environment.
func (OSEnv) Setenv(key, value string) error { return os.Setenv(key, value) }

// MemoryEnv is an in-memory Env that remembers every write.
// Safe for concurrent use.
type MemoryEnv struct {
	values map[string]string
	writes map[string][]string
	onSet  func(key, value string)
	mu     sync.Mutex
}

// NewMemoryEnv creates an empty MemoryEnv.
func NewMemoryEnv() *MemoryEnv {
	return &MemoryEnv{
		values: make(map[string]string),
		writes: make(map[string][]string),
	}
}

// Getenv returns the current value for key.
func (m *MemoryEnv) Getenv(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key]
}

// Setenv records value as the current and latest write for key.
func (m *MemoryEnv) Setenv(key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.writes[key] = append(m.writes[key], value)
	hook := m.onSet
	m.mu.Unlock()

	if hook != nil {
		hook(key, value)
	}
	return nil
}

// Writes returns every value written to key, oldest first.
func (m *MemoryEnv) Writes(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.writes[key]))
	copy(out, m.writes[key])
	return out
}

// OnSet registers a function called after each write.
func (m *MemoryEnv) OnSet(fn func(key, value string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSet = fn
}
