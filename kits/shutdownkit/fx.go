// Package shutdownkit provides the drain controller to an fx application and
// ties it to the process: OS signals initiate the drain, and the end of the
// drain stops the app with an exit code reflecting the outcome.
package shutdownkit

import (
	"context"
	"fmt"
	"time"

	"github.com/froppa/leadballoon/kits/configkit"
	"github.com/froppa/leadballoon/kits/drain"
	"github.com/froppa/leadballoon/kits/signals"
	"go.opentelemetry.io/otel/metric"
	uber "go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ConfigKey is the config subtree for this kit.
const ConfigKey = "shutdown"

// ExitForced is the exit code requested after a forced close.
const ExitForced = 1

func init() { configkit.RegisterKnown(ConfigKey, (*Config)(nil)) }

// Config is the "shutdown" subtree.
type Config struct {
	drain.Config `yaml:",inline"`

	// Signals that initiate the drain. Defaults to [SIGTERM].
	Signals []string `yaml:"signals"`
}

// DefaultConfig is used for anything the subtree leaves unset.
func DefaultConfig() Config {
	return Config{
		Config:  drain.Config{GracefulTimeout: drain.DefaultGracefulTimeout},
		Signals: []string{"SIGTERM"},
	}
}

// LoadConfig overlays the "shutdown" subtree of y, if any, on DefaultConfig.
func LoadConfig(y *uber.YAML) (Config, error) {
	cfg := DefaultConfig()
	if y == nil {
		return cfg, nil
	}
	if err := y.Get(ConfigKey).Populate(&cfg); err != nil {
		return Config{}, fmt.Errorf("shutdownkit: populate %q: %w", ConfigKey, err)
	}
	if err := configkit.Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("shutdownkit: invalid %q config: %w", ConfigKey, err)
	}
	if _, err := signals.ParseAll(cfg.Signals); err != nil {
		return Config{}, fmt.Errorf("shutdownkit: %w", err)
	}
	return cfg, nil
}

// Option configures Module.
type Option func(*opts)

type opts struct {
	timeout  time.Duration
	noSignal bool
	noStop   bool
}

// WithTimeout overrides shutdown.graceful_timeout. Keep fx.StopTimeout above
// it so the drain can finish inside OnStop.
func WithTimeout(d time.Duration) Option {
	return func(o *opts) { o.timeout = d }
}

// WithoutSignalHook skips OS signal registration.
func WithoutSignalHook() Option {
	return func(o *opts) { o.noSignal = true }
}

// WithoutAutoStop keeps the app running after the drain closes.
func WithoutAutoStop() Option {
	return func(o *opts) { o.noStop = true }
}

// Params are the dependencies of the controller constructor.
type Params struct {
	fx.In

	LC         fx.Lifecycle
	Shutdowner fx.Shutdowner
	Logger     *zap.Logger
	YAML       *uber.YAML      `optional:"true"`
	Transport  drain.Transport `optional:"true"`
	Meter      metric.Meter    `optional:"true"`
}

// Module provides *drain.Controller.
func Module(opt ...Option) fx.Option {
	var o opts
	for _, fn := range opt {
		fn(&o)
	}
	return fx.Module("shutdown",
		fx.Provide(func(p Params) (*drain.Controller, error) { return newController(p, o) }),
	)
}

func newController(p Params, o opts) (*drain.Controller, error) {
	cfg, err := LoadConfig(p.YAML)
	if err != nil {
		return nil, err
	}
	if o.timeout > 0 {
		cfg.GracefulTimeout = o.timeout
	}
	sigs, _ := signals.ParseAll(cfg.Signals)
	log := p.Logger.With(zap.String("component", "shutdown"))

	copts := []drain.Option{drain.WithLogger(p.Logger)}
	if p.Transport != nil {
		copts = append(copts, drain.WithTransport(p.Transport))
	}
	if p.Meter != nil {
		copts = append(copts, drain.WithMeter(p.Meter))
	}
	c := drain.NewController(cfg.Config, copts...)

	if !o.noStop {
		c.OnClose(func(out drain.Outcome) {
			code := 0
			if out.Forced {
				code = ExitForced
			}
			if err := p.Shutdowner.Shutdown(fx.ExitCode(code)); err != nil {
				log.Warn("shutdown.stop_app_failed", zap.Error(err))
			}
		})
	}

	var unregister func()
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if o.noSignal || len(sigs) == 0 {
				return nil
			}
			unregister = signals.Register(c, sigs...)
			log.Info("shutdown.hook_registered", zap.Strings("signals", cfg.Signals), zap.Duration("timeout", c.Timeout()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if unregister != nil {
				unregister()
			}
			// Normally the server kit has already drained; this covers apps
			// stopped without one.
			c.Initiate()
			out, err := c.Wait(ctx)
			if err != nil {
				log.Error("shutdown.wait_aborted", zap.Int64("pending", c.Pending()), zap.Error(err))
				return fmt.Errorf("shutdownkit: %w", err)
			}
			log.Info("shutdown.complete", zap.String("outcome", out.String()), zap.Duration("elapsed", out.Elapsed))
			return nil
		},
	})
	return c, nil
}
