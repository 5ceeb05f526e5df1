// Package configkit loads layered YAML configuration for an Fx application,
// built on uber/config and go-playground/validator.
package configkit

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	uber "go.uber.org/config"
	"go.uber.org/fx"
)

var validate = newValidator()

// inlineSegment names embedded ",inline" structs in validation namespaces so
// issues can drop them.
const inlineSegment = "~"

func newValidator() *validator.Validate {
	v := validator.New()
	// Report YAML paths rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, opts, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" && f.Anonymous && strings.Contains(opts, "inline") {
			return inlineSegment
		}
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate runs struct validation with the shared validator.
func Validate(v any) error {
	return validate.Struct(v)
}

// Module provides the layered *uber.YAML provider.
//
// Precedence, lowest to highest:
//  1. WithEmbeddedBytes
//  2. WithSources
//  3. config/config.yml
//  4. config/config.local.yml
//  5. config/<runtimeinfo.Name>.yml
//
// ${ENV:default} references are expanded in every layer.
func Module(opts ...ModuleOption) fx.Option {
	var o moduleOpts
	for _, opt := range opts {
		opt(&o)
	}
	return fx.Provide(func() (*uber.YAML, error) {
		return load(append(o.defaults, o.extra...)...)
	})
}

// Provide populates and validates the whole document into *T.
func Provide[T any]() func(*uber.YAML) (*T, error) {
	return ProvideFromKey[T](uber.Root)
}

// ProvideFromKey populates and validates the subtree at key into *T. The key
// is also registered for Check.
func ProvideFromKey[T any](key string) func(*uber.YAML) (*T, error) {
	if key != uber.Root {
		register(key, reflect.TypeOf((*T)(nil)).Elem())
	}
	return func(p *uber.YAML) (*T, error) {
		var cfg T
		if err := p.Get(key).Populate(&cfg); err != nil {
			return nil, fmt.Errorf("config: could not populate key %q into %T: %w", key, cfg, err)
		}
		if err := validate.Struct(&cfg); err != nil {
			return nil, fmt.Errorf("config: validation failed for key %q (%T): %w", key, cfg, err)
		}
		return &cfg, nil
	}
}

// ModuleOption adds sources to Module or NewYAML.
type ModuleOption func(*moduleOpts)

type moduleOpts struct {
	defaults []uber.YAMLOption
	extra    []uber.YAMLOption
}

// WithSources adds uber/config sources. Module layers them below the config
// files; NewYAML layers them above.
func WithSources(srcs ...uber.YAMLOption) ModuleOption {
	return func(o *moduleOpts) { o.extra = append(o.extra, srcs...) }
}

// WithEmbeddedBytes adds a YAML payload, typically from //go:embed, as the
// lowest layer for both Module and NewYAML.
func WithEmbeddedBytes(b []byte) ModuleOption {
	return func(o *moduleOpts) { o.defaults = append(o.defaults, uber.Source(bytes.NewReader(b))) }
}
