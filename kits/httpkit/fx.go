// Package httpkit runs the application's HTTP server under the drain
// controller.
//
// Requests pass through otelhttp, a request ID, and the drain gate before
// reaching the mux. On stop the server drains first: new requests get the
// closing response, the listener closes once the in-flight count reaches
// zero or the graceful timeout forces it, and only then is the http.Server
// shut down (clean) or closed (forced).
//
// Routes are contributed through the "http.handlers" group:
//
//	httpkit.Route("/hello", helloHandler)
//
// Routes in the "http.ungated" group are matched ahead of the gate and keep
// answering until the listener closes.
package httpkit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/froppa/leadballoon/kits/configkit"
	"github.com/froppa/leadballoon/kits/drain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ConfigKey is the config subtree for this kit.
const ConfigKey = "http"

// HandlersGroup is the fx value group NewMux collects.
const HandlersGroup = "http.handlers"

// UngatedGroup holds routes served outside the drain gate, such as health
// checks that must keep answering while the server drains.
const UngatedGroup = "http.ungated"

func init() { configkit.RegisterKnown(ConfigKey, (*Config)(nil)) }

// Config is the "http" subtree.
type Config struct {
	Addr           string `yaml:"addr" validate:"required"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms" validate:"gte=0"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms" validate:"gte=0"`
	EnablePprof    bool   `yaml:"enable_pprof"`

	// IsolateFaults recovers handler panics, answers 500 and initiates the
	// drain instead of letting net/http drop the connection.
	IsolateFaults bool `yaml:"isolate_faults"`
}

// Handler is one route contributed to the mux.
type Handler struct {
	Pattern string
	Handler http.Handler
}

// Route supplies a Handler into HandlersGroup.
func Route(pattern string, h http.Handler) fx.Option {
	return fx.Supply(fx.Annotated{Group: HandlersGroup, Target: Handler{Pattern: pattern, Handler: h}})
}

// RouteUngated supplies a Handler into UngatedGroup.
func RouteUngated(pattern string, h http.Handler) fx.Option {
	return fx.Supply(fx.Annotated{Group: UngatedGroup, Target: Handler{Pattern: pattern, Handler: h}})
}

// Module provides the listener (also as drain.Transport), the mux, and the
// server lifecycle. It needs a *drain.Controller, normally from shutdownkit.
func Module() fx.Option {
	return fx.Module("http",
		fx.Provide(
			configkit.ProvideFromKey[Config](ConfigKey),
			NewListener,
			func(l *Listener) drain.Transport { return l },
			NewMux,
			NewHandler,
		),
		fx.Invoke(registerServer),
	)
}

// MuxParams are the dependencies of NewMux.
type MuxParams struct {
	fx.In
	Cfg      *Config
	Handlers []Handler `group:"http.handlers"`
}

// NewMux mounts every grouped route, plus pprof when enabled.
func NewMux(p MuxParams) *http.ServeMux {
	mux := http.NewServeMux()
	if p.Cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	for _, h := range p.Handlers {
		mux.Handle(h.Pattern, h.Handler)
	}
	return mux
}

// HandlerParams are the dependencies of NewHandler.
type HandlerParams struct {
	fx.In
	Cfg        *Config
	Mux        *http.ServeMux
	Controller *drain.Controller
	Logger     *zap.Logger
	Ungated    []Handler `group:"http.ungated"`
}

// NewHandler builds otelhttp -> request ID -> drain gate -> mux. Ungated
// routes skip the gate.
func NewHandler(p HandlerParams) (http.Handler, error) {
	opts := []drain.GateOption{drain.WithGateLogger(p.Logger.With(zap.String("component", "gate")))}
	if p.Cfg.IsolateFaults {
		opts = append(opts, drain.WithFaultIsolation())
	}
	gate, err := drain.NewGate(p.Controller, p.Mux, opts...)
	if err != nil {
		return nil, err
	}
	var h http.Handler = gate
	if len(p.Ungated) > 0 {
		outer := http.NewServeMux()
		for _, u := range p.Ungated {
			outer.Handle(u.Pattern, u.Handler)
		}
		outer.Handle("/", gate)
		h = outer
	}
	return otelhttp.NewHandler(RequestID(h), "http.server"), nil
}

// NewServer applies the configured timeouts.
func NewServer(cfg *Config, h http.Handler) *http.Server {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	if cfg.ReadTimeoutMS > 0 {
		srv.ReadTimeout = time.Duration(cfg.ReadTimeoutMS) * time.Millisecond
	}
	if cfg.WriteTimeoutMS > 0 {
		srv.WriteTimeout = time.Duration(cfg.WriteTimeoutMS) * time.Millisecond
	}
	return srv
}

// Serve runs srv on ln until the listener is closed or the server shut down.
// Both are expected ends and are not reported.
func Serve(srv *http.Server, ln net.Listener) error {
	err := srv.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Drain initiates c, waits for its outcome, then shuts srv down cleanly or,
// after a forced close or ctx expiry, closes it severing what is left.
func Drain(ctx context.Context, srv *http.Server, c *drain.Controller, log *zap.Logger) error {
	c.Initiate()
	out, err := c.Wait(ctx)
	if err != nil {
		log.Warn("http.drain_aborted", zap.Int64("pending", c.Pending()), zap.Error(err))
		return errors.Join(err, srv.Close())
	}
	if out.Forced {
		log.Warn("http.close_forced", zap.Int64("pending", out.Pending))
		return srv.Close()
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http.shutdown_timeout", zap.Error(err))
		return errors.Join(err, srv.Close())
	}
	log.Info("http.stopped_clean", zap.Duration("elapsed", out.Elapsed))
	return nil
}

type serverParams struct {
	fx.In
	LC         fx.Lifecycle
	Cfg        *Config
	Listener   *Listener
	Handler    http.Handler
	Controller *drain.Controller
	Logger     *zap.Logger
}

func registerServer(p serverParams) {
	srv := NewServer(p.Cfg, p.Handler)
	log := p.Logger.With(zap.String("component", "http"))

	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("http.start", zap.String("addr", p.Listener.Addr().String()))
			go func() {
				if err := Serve(srv, p.Listener); err != nil {
					log.Error("http.serve_error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("http.stop", zap.Int64("pending", p.Controller.Pending()))
			return Drain(ctx, srv, p.Controller, log)
		},
	})
}
