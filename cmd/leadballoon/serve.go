package main

import (
	"context"
	_ "embed"
	"time"

	"github.com/froppa/leadballoon/kits/configkit"
	"github.com/froppa/leadballoon/kits/drain"
	"github.com/froppa/leadballoon/kits/fxeventlog"
	"github.com/froppa/leadballoon/kits/healthkit"
	"github.com/froppa/leadballoon/kits/httpkit"
	"github.com/froppa/leadballoon/kits/logkit"
	"github.com/froppa/leadballoon/kits/shutdownkit"
	"github.com/froppa/leadballoon/kits/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

//go:embed defaults.yml
var defaultConfig []byte

// stopSlack is added to the graceful timeout for fx.StopTimeout so the drain
// ends inside OnStop.
const stopSlack = 5 * time.Second

type serveOptions struct {
	cfgRef    string
	timeout   time.Duration
	verboseFx bool
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo HTTP service until a signal or a handler closes it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.cfgRef, "config", "", "YAML file layered over the built-in defaults")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Override shutdown.graceful_timeout")
	flags.BoolVar(&opts.verboseFx, "verbose-fx", false, "Log every fx lifecycle hook")

	return cmd
}

func serveModules(opts *serveOptions) fx.Option {
	cfgOpts := []configkit.ModuleOption{configkit.WithEmbeddedBytes(defaultConfig)}
	if opts.cfgRef != "" {
		cfgOpts = append(cfgOpts, configkit.WithSources(configkit.File(opts.cfgRef)))
	}
	var sdOpts []shutdownkit.Option
	if opts.timeout > 0 {
		sdOpts = append(sdOpts, shutdownkit.WithTimeout(opts.timeout))
	}

	return fx.Options(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			l := fxeventlog.New(log)
			if opts.verboseFx {
				return l.Verbose()
			}
			return l
		}),
		configkit.Module(cfgOpts...),
		logkit.Module(),
		telemetry.Module(),
		shutdownkit.Module(sdOpts...),
		httpkit.Module(),
		healthkit.ServerModule(),
		demoRoutes(),
	)
}

// runServe starts the app, waits for it to be asked to stop, and stops it.
// Cancelling ctx initiates the drain like a signal would. A forced close
// exits with shutdownkit.ExitForced.
func runServe(ctx context.Context, opts *serveOptions) error {
	var (
		ctrl *drain.Controller
		log  *zap.Logger
	)
	app := fx.New(
		serveModules(opts),
		fx.Populate(&ctrl, &log),
	)
	if err := app.Err(); err != nil {
		return err
	}
	stopTimeout := ctrl.Timeout() + stopSlack

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	done := app.Wait()

	var code int
	stopped := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			ctrl.Initiate()
		case <-stopped:
		}
		return nil
	})
	g.Go(func() error {
		defer close(stopped)
		sig := <-done
		code = sig.ExitCode

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		return app.Stop(stopCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// fx relays SIGINT/SIGTERM with code 0 on its own, so the outcome decides.
	if out, ok := ctrl.Outcome(); ok && out.Forced {
		code = shutdownkit.ExitForced
	}
	if code != 0 {
		log.Warn("serve.exit", zap.Int("code", code))
		return &exitError{code: code}
	}
	return nil
}
