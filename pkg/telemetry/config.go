package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry configuration of one skein process. The CLI
// derives it from the project file.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	// Environment is reported on spans and to action policies.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path opened for appending.
	Output string `validate:"required"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `validate:"omitempty,oneof=rfc3339 unix unixms unixmicro"`

	// EnableCaller adds file:line to every entry.
	EnableCaller bool
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp (gRPC), stdout or none. With none spans are sampled
	// and carry trace ids but are never exported.
	Exporter string `validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP collector address; empty uses the exporter's
	// default.
	Endpoint string

	SamplingRate       float64       `validate:"gte=0,lte=1"`
	MaxExportBatchSize int           `validate:"gte=1"`
	ExportTimeout      time.Duration `validate:"gt=0"`
	Headers            map[string]string
	Insecure           bool
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string `validate:"required_if=Enabled true"`
	Path          string `validate:"startswith=/"`
	Namespace     string

	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64
}

// DefaultConfig returns the configuration used when the project sets nothing.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "skein",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "skein",
			DefaultHistogramBuckets: []float64{
				0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
			},
		},
	}
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration and reports every invalid field.
func (c *Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	msgs := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		switch fe.Tag() {
		case "required", "required_if":
			msgs[i] = fmt.Sprintf("%s is required", field)
		case "oneof":
			msgs[i] = fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
		default:
			msgs[i] = fmt.Sprintf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
		}
	}
	return fmt.Errorf("invalid telemetry config: %s", strings.Join(msgs, "; "))
}
