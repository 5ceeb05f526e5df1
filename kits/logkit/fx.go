// Package logkit provides the *zap.Logger for the fx application.
//
// Encoding and level come from the optional "log" config subtree; without a
// config provider the logger is production JSON at info level.
package logkit

import (
	"context"
	"fmt"
	"strings"

	"github.com/froppa/leadballoon/kits/configkit"
	"github.com/froppa/leadballoon/kits/runtimeinfo"
	uber "go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ConfigKey is the config subtree read by Module.
const ConfigKey = "log"

func init() { configkit.RegisterKnown(ConfigKey, (*Config)(nil)) }

// Config selects the encoder and minimum level.
type Config struct {
	// production|prod|json for JSON, development|dev|console for text.
	Encoding string `yaml:"encoding" validate:"required,oneof=production prod json development dev console"`
	Level    string `yaml:"level" validate:"required,oneof=debug info warn error dpanic panic fatal"`
}

// DefaultConfig is used for anything the "log" subtree leaves unset.
func DefaultConfig() Config {
	return Config{Encoding: "production", Level: "info"}
}

type params struct {
	fx.In
	YAML *uber.YAML `optional:"true"`
}

// Module provides *zap.Logger and *zap.SugaredLogger.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			func(p params) (Config, error) { return LoadConfig(p.YAML) },
			New,
			func(log *zap.Logger) *zap.SugaredLogger { return log.Sugar() },
		),
		fx.Invoke(RegisterHooks),
	)
}

// LoadConfig overlays the "log" subtree of y, if any, on DefaultConfig.
func LoadConfig(y *uber.YAML) (Config, error) {
	cfg := DefaultConfig()
	if y == nil {
		return cfg, nil
	}
	if err := y.Get(ConfigKey).Populate(&cfg); err != nil {
		return Config{}, fmt.Errorf("logkit: populate %q: %w", ConfigKey, err)
	}
	if err := configkit.Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("logkit: invalid %q config: %w", ConfigKey, err)
	}
	return cfg, nil
}

// New builds a logger for cfg, tagged with the build metadata.
func New(cfg Config) (*zap.Logger, error) {
	var zc zap.Config
	switch strings.ToLower(cfg.Encoding) {
	case "prod", "production", "json":
		zc = zap.NewProductionConfig()
	case "dev", "development", "console":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	default:
		return nil, fmt.Errorf("logkit: unknown encoding %q", cfg.Encoding)
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logkit: invalid level: %w", err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	log, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("logkit: build: %w", err)
	}
	return log.With(runtimeinfo.Fields()...), nil
}

// RegisterHooks logs start and stop and flushes the logger on stop.
func RegisterHooks(lc fx.Lifecycle, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("service.starting")
			return nil
		},
		OnStop: func(context.Context) error {
			log.Info("service.stopping")
			// Sync on a terminal stderr returns ENOTTY; nothing to do about it.
			_ = log.Sync()
			return nil
		},
	})
}
