// Package runtimeinfo exposes build metadata injected via -ldflags:
//
//	go build -ldflags "\
//	  -X github.com/froppa/leadballoon/kits/runtimeinfo.Version=1.2.3 \
//	  -X github.com/froppa/leadballoon/kits/runtimeinfo.Commit=$(git rev-parse HEAD) \
//	  -X github.com/froppa/leadballoon/kits/runtimeinfo.Date=2026-01-02T15:04:05Z"
//
// Commit and GoVersion fall back to the module build info when not injected.
package runtimeinfo

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Name is the service name; it also selects config/<Name>.yml.
	Name = "leadballoon"

	// Description is optional.
	Description string

	// Version defaults to "dev".
	Version = "dev"

	Commit    string
	Date      string
	BuiltBy   string
	GoVersion string
)

// Meta is a snapshot of the build metadata.
type Meta struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string `json:"version" yaml:"version"`
	Commit      string `json:"git_commit,omitempty" yaml:"git_commit,omitempty"`
	Date        string `json:"build_time,omitempty" yaml:"build_time,omitempty"`
	BuiltBy     string `json:"built_by,omitempty" yaml:"built_by,omitempty"`
	GoVersion   string `json:"go_version" yaml:"go_version"`
}

// GetMetadata returns the current metadata, filling Commit and GoVersion from
// debug.ReadBuildInfo when they were not injected.
func GetMetadata() Meta {
	m := Meta{
		Name:        Name,
		Description: Description,
		Version:     Version,
		Commit:      Commit,
		Date:        Date,
		BuiltBy:     BuiltBy,
		GoVersion:   GoVersion,
	}
	if m.Commit != "" && m.GoVersion != "" {
		return m
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return m
	}
	if m.GoVersion == "" {
		m.GoVersion = bi.GoVersion
	}
	if m.Commit == "" {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				m.Commit = s.Value
			}
		}
	}
	return m
}

// String renders a one-line version banner.
func (m Meta) String() string {
	s := fmt.Sprintf("%s %s", m.Name, m.Version)
	if m.Commit != "" {
		s += " (" + m.Commit + ")"
	}
	if m.GoVersion != "" {
		s += " " + m.GoVersion
	}
	return s
}

// Fields returns the metadata as zap fields for the root logger.
func Fields() []zapcore.Field {
	m := GetMetadata()
	return []zapcore.Field{
		zap.String("name", m.Name),
		zap.String("version", m.Version),
		zap.String("commit", m.Commit),
		zap.String("go_version", m.GoVersion),
	}
}

// OTELAttributes returns the metadata as resource attributes, omitting empty
// values.
func OTELAttributes() []attribute.KeyValue {
	m := GetMetadata()
	attrs := make([]attribute.KeyValue, 0, 7)
	add := func(kv attribute.KeyValue) {
		if kv.Value.AsString() != "" {
			attrs = append(attrs, kv)
		}
	}
	add(semconv.ServiceName(m.Name))
	add(semconv.ServiceVersion(m.Version))
	add(attribute.String("service.description", m.Description))
	add(attribute.String("vcs.revision", m.Commit))
	add(semconv.ProcessRuntimeVersionKey.String(m.GoVersion))
	add(attribute.String("build.time", m.Date))
	add(attribute.String("build.user", m.BuiltBy))
	return attrs
}

// NewVersionCommand prints the build metadata.
func NewVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			m := GetMetadata()
			out := cmd.OutOrStdout()
			if !verbose {
				_, _ = fmt.Fprintln(out, m.String())
				return
			}
			for _, kv := range [][2]string{
				{"name", m.Name},
				{"version", m.Version},
				{"commit", m.Commit},
				{"build_time", m.Date},
				{"built_by", m.BuiltBy},
				{"go_version", m.GoVersion},
			} {
				_, _ = fmt.Fprintf(out, "%-11s %s\n", kv[0]+":", kv[1])
			}
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every field")
	return cmd
}
