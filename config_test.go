package segmentz

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets every variable Config reads; t.Setenv restores them afterwards.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"POWERTOOLS_SERVICE_NAME", "_HANDLER", "AWS_LAMBDA_FUNCTION_NAME", "AWS_EXECUTION_ENV", "LAMBDA_TASK_ROOT",
		"AWS_XRAY_DAEMON_ADDRESS", "SEGMENTZ_ROLE", "SEGMENTZ_LOG_LEVEL", "POWERTOOLS_TRACE_ENABLED",
		"POWERTOOLS_TRACER_CAPTURE_RESPONSE", "POWERTOOLS_TRACER_CAPTURE_ERROR", "AWS_SAM_LOCAL",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.False(t, cfg.TracingEnabled(), "tracing needs a Lambda execution environment")
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("POWERTOOLS_SERVICE_NAME", "orders")
	t.Setenv("_HANDLER", "orderProcessor")
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "orderProcessor")
	t.Setenv("AWS_EXECUTION_ENV", "AWS_Lambda_go1.x")
	t.Setenv("AWS_XRAY_DAEMON_ADDRESS", "169.254.79.129:2000")
	t.Setenv("SEGMENTZ_ROLE", "downstream-client")
	t.Setenv("POWERTOOLS_TRACER_CAPTURE_RESPONSE", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.ServiceName)
	assert.Equal(t, "orderProcessor", cfg.Handler)
	assert.Equal(t, "169.254.79.129:2000", cfg.DaemonAddress)
	assert.Equal(t, RoleClient, cfg.Role)
	assert.False(t, cfg.CaptureResponse)
	assert.True(t, cfg.CaptureError)
	assert.True(t, cfg.TracingEnabled())
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Run("role", func(t *testing.T) {
		clearConfigEnv(t)
		t.Setenv("SEGMENTZ_ROLE", "sidecar")
		_, err := LoadConfig()
		assert.True(t, errors.Is(err, ErrInvalidRole))
	})

	t.Run("bool", func(t *testing.T) {
		clearConfigEnv(t)
		t.Setenv("POWERTOOLS_TRACE_ENABLED", "maybe")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
}

func TestConfigTracingEnabled(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   bool
	}{
		{"lambda", func(*Config) {}, true},
		{"disabled", func(c *Config) { c.Enabled = false }, false},
		{"outside lambda", func(c *Config) { c.ExecutionEnv, c.FunctionName = "", "" }, false},
		{"provided runtime", func(c *Config) { c.ExecutionEnv = "" }, true},
		{"task root only", func(c *Config) { c.ExecutionEnv, c.FunctionName, c.TaskRoot = "", "", "/var/task" }, true},
		{"sam local", func(c *Config) { c.SAMLocal = true }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			assert.Equal(t, tt.want, cfg.TracingEnabled())
		})
	}
}

func TestLoadConfigProvidedRuntime(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "orderProcessor")
	t.Setenv("_HANDLER", "bootstrap")
	t.Setenv("LAMBDA_TASK_ROOT", "/var/task")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.TracingEnabled(), "provided.al2023 sets no AWS_EXECUTION_ENV")

	env := NewMemoryEnv()
	collector := NewCollector("test", 8)
	collector.SetSyncMode(true)
	tracer := New(WithConfig(cfg), WithEnv(env))
	defer tracer.Close()
	defer collector.Close()
	tracer.AddCollector("test", collector)

	_, err = Invoke(testRequest(nil), func(context.Context, any) (any, error) { return "ok", nil },
		NewEntrypoint(tracer).Middleware())
	require.NoError(t, err)

	assert.Len(t, env.Writes(EnvKey), 2)
	docs := collector.Export()
	require.Len(t, docs, 1)
	assert.NotNil(t, docs[0].Find("## bootstrap"))

	t.Setenv("AWS_SAM_LOCAL", "true")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.TracingEnabled())
}

func TestConfigHandlerName(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, "orderProcessor", cfg.handlerName(InvocationContext{FunctionName: "other"}))

	cfg.Handler = ""
	assert.Equal(t, "other", cfg.handlerName(InvocationContext{FunctionName: "other"}))
	assert.Equal(t, testFunctionName, cfg.handlerName(InvocationContext{}))
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger("loud")
	assert.Error(t, err)
}
