package telemetry

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/froppa/leadballoon/kits/runtimeinfo"
)

// ConfigKey is the config subtree read by Module.
const ConfigKey = "telemetry"

// Config is the "telemetry" subtree. Standard OTEL_* environment variables
// override it.
type Config struct {
	// ServiceName defaults to runtimeinfo.Name; OTEL_SERVICE_NAME wins.
	ServiceName string `yaml:"service_name"`
	// Environment defaults to $ENV, $APP_ENV, then "dev".
	Environment string `yaml:"environment"`

	// OTLPEndpoint is a host:port gRPC collector; OTEL_EXPORTER_OTLP_ENDPOINT wins.
	// Exporters are only created when it is set.
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"omitempty,hostname_port"`
	Insecure     bool   `yaml:"insecure"`

	// Disabled turns every export off; OTEL_SDK_DISABLED wins.
	Disabled *bool `yaml:"disabled"`
	// Traces and Metrics default to true when an endpoint is set.
	Traces  *bool `yaml:"traces"`
	Metrics *bool `yaml:"metrics"`

	TraceSampleRate float64       `yaml:"trace_sample_rate" validate:"gte=0,lte=1"`
	ExportInterval  time.Duration `yaml:"export_interval" validate:"gte=0"`

	ResourceAttributes map[string]string `yaml:"resource_attributes" validate:"omitempty,dive,keys,required,endkeys,required"`
}

// settings is a Config with every default applied.
type settings struct {
	Config
	disabled, traces, metrics bool
}

func (c Config) resolve() settings {
	if v := env("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
	if v := env("OTEL_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v, err := strconv.ParseBool(env("OTEL_SDK_DISABLED")); err == nil {
		c.Disabled = &v
	}

	if c.ServiceName == "" {
		c.ServiceName = runtimeinfo.Name
	}
	if c.Environment == "" {
		c.Environment = firstNonEmpty(env("ENV"), env("APP_ENV"), "dev")
	}
	if c.TraceSampleRate <= 0 {
		c.TraceSampleRate = 1
	}
	if c.ExportInterval <= 0 {
		c.ExportInterval = 30 * time.Second
	}

	s := settings{Config: c}
	s.disabled = c.Disabled != nil && *c.Disabled
	if s.disabled {
		return s
	}
	auto := c.OTLPEndpoint != ""
	s.traces = valueOr(c.Traces, auto)
	s.metrics = valueOr(c.Metrics, auto)
	return s
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func valueOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
