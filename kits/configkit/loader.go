package configkit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/froppa/leadballoon/kits/runtimeinfo"
	uber "go.uber.org/config"
)

// ConfigDir is where Module and NewYAML look for config files.
const ConfigDir = "config"

// Source is an uber/config YAML option.
type Source = uber.YAMLOption

// File returns a Source reading path.
func File(path string) Source { return uber.File(path) }

func load(extra ...uber.YAMLOption) (*uber.YAML, error) {
	chain := make([]uber.YAMLOption, 0, len(extra)+4)
	chain = append(chain, extra...)
	chain = append(chain, existing(serviceFiles(ConfigDir)...)...)
	chain = append(chain, uber.Expand(os.LookupEnv))
	return uber.NewYAML(chain...)
}

func serviceFiles(dir string) []string {
	files := []string{
		filepath.Join(dir, "config.yml"),
		filepath.Join(dir, "config.local.yml"),
	}
	if name := strings.TrimSpace(runtimeinfo.Name); name != "" {
		files = append(files, filepath.Join(dir, name+".yml"))
	}
	return files
}

// existing turns the regular files among paths into sources.
func existing(paths ...string) []uber.YAMLOption {
	var out []uber.YAMLOption
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			out = append(out, uber.File(p))
		}
	}
	return out
}

// NewYAML builds a provider for CLI commands:
//
//	embedded defaults -> config/config.yml -> $CONFIG -> sources (highest)
//
// A $CONFIG that does not name a regular file is an error.
func NewYAML(_ context.Context, opts ...ModuleOption) (*uber.YAML, error) {
	var o moduleOpts
	for _, opt := range opts {
		opt(&o)
	}

	chain := append([]uber.YAMLOption{}, o.defaults...)
	chain = append(chain, existing(filepath.Join(ConfigDir, "config.yml"))...)
	if path, ok := os.LookupEnv("CONFIG"); ok {
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			return nil, fmt.Errorf("config: CONFIG path %q not found or not a file", path)
		}
		chain = append(chain, uber.File(path))
	}
	chain = append(chain, o.extra...)
	chain = append(chain, uber.Expand(os.LookupEnv))
	return uber.NewYAML(chain...)
}
