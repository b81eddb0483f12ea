package segmentz

import (
	"errors"
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Role selects which middleware a Facade hands out.
type Role string

const (
	// RoleEntrypoint owns the full invocation segment.
	RoleEntrypoint Role = "service-entrypoint"
	// RoleClient only captures the handler under the runtime's segment.
	RoleClient Role = "downstream-client"
)

// ErrInvalidRole is returned for a role other than RoleEntrypoint or RoleClient.
var ErrInvalidRole = errors.New("invalid tracer role")

// Config holds tracer configuration, read from the Lambda environment.
//
//nolint:govet // Field order follows the environment variable grouping
type Config struct {
	ServiceName     string `envconfig:"POWERTOOLS_SERVICE_NAME" default:"service_undefined"`
	Handler         string `envconfig:"_HANDLER"`
	FunctionName    string `envconfig:"AWS_LAMBDA_FUNCTION_NAME"`
	ExecutionEnv    string `envconfig:"AWS_EXECUTION_ENV"`
	TaskRoot        string `envconfig:"LAMBDA_TASK_ROOT"`
	DaemonAddress   string `envconfig:"AWS_XRAY_DAEMON_ADDRESS" default:"127.0.0.1:2000"`
	Role            Role   `envconfig:"SEGMENTZ_ROLE" default:"service-entrypoint"`
	LogLevel        string `envconfig:"SEGMENTZ_LOG_LEVEL" default:"info"`
	Enabled         bool   `envconfig:"POWERTOOLS_TRACE_ENABLED" default:"true"`
	CaptureResponse bool   `envconfig:"POWERTOOLS_TRACER_CAPTURE_RESPONSE" default:"true"`
	CaptureError    bool   `envconfig:"POWERTOOLS_TRACER_CAPTURE_ERROR" default:"true"`
	SAMLocal        bool   `envconfig:"AWS_SAM_LOCAL"`
}

// DefaultConfig returns the configuration used when nothing is set in the environment.
func DefaultConfig() Config {
	return Config{
		ServiceName:     "service_undefined",
		DaemonAddress:   "127.0.0.1:2000",
		Role:            RoleEntrypoint,
		LogLevel:        "info",
		Enabled:         true,
		CaptureResponse: true,
		CaptureError:    true,
	}
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields that have a closed set of values.
func (c Config) Validate() error {
	switch c.Role {
	case RoleEntrypoint, RoleClient:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, c.Role)
	}
}

// TracingEnabled reports whether segments should be produced at all.
// Tracing is off outside the Lambda runtime and under SAM local.
func (c Config) TracingEnabled() bool {
	return c.Enabled && c.InLambda() && !c.SAMLocal
}

// InLambda reports whether the environment looks like a Lambda execution
// environment. OS-only runtimes (provided.al2, provided.al2023) do not set
// AWS_EXECUTION_ENV, so the function name and task root are checked as well.
func (c Config) InLambda() bool {
	return c.FunctionName != "" || c.TaskRoot != "" || c.ExecutionEnv != ""
}

// handlerName is the label used for the handler subsegment and response metadata.
func (c Config) handlerName(inv InvocationContext) string {
	if c.Handler != "" {
		return c.Handler
	}
	if inv.FunctionName != "" {
		return inv.FunctionName
	}
	return c.FunctionName
}
