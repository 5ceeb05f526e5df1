// Package healthkit reports liveness and readiness for orchestrators and load
// balancers.
//
// Readiness follows the drain controller when one is in the container: as
// soon as shutdown is initiated /health answers 503 "draining", so upstreams
// stop routing here while in-flight requests finish.
//
// ServerModule runs a dedicated health server, which keeps answering while
// the main listener drains. MuxModule serves /health on the httpkit server
// instead, routed outside the drain gate so it still answers 503 "draining"
// rather than the gate's 502 until the listener closes.
package healthkit

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/froppa/leadballoon/kits/configkit"
	"github.com/froppa/leadballoon/kits/drain"
	"github.com/froppa/leadballoon/kits/httpkit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ConfigKey is the config subtree for this kit.
const ConfigKey = "health"

// Path is where the handler is mounted.
const Path = "/health"

const (
	defaultPort         = ":8081"
	defaultStartupDelay = 200 * time.Millisecond
)

func init() { configkit.RegisterKnown(ConfigKey, (*Config)(nil)) }

// ServerModule serves /health on its own port.
func ServerModule() fx.Option {
	return fx.Module("health/server",
		fx.Provide(configkit.ProvideFromKey[Config](ConfigKey)),
		fx.Provide(New),
		fx.Invoke(RegisterServer),
	)
}

// MuxModule adds /health to httpkit's ungated routes.
func MuxModule() fx.Option {
	return fx.Module("health/mux",
		fx.Provide(configkit.ProvideFromKey[Config](ConfigKey)),
		fx.Provide(New),
		fx.Provide(fx.Annotate(Route, fx.ResultTags(`group:"`+httpkit.UngatedGroup+`"`))),
	)
}

// Config is the "health" subtree.
type Config struct {
	// Port of the dedicated server; ServerModule only. Defaults to ":8081".
	Port string `yaml:"port"`
	// StartupDelay before reporting ready. Defaults to 200ms.
	StartupDelay time.Duration `yaml:"startup_delay" validate:"gte=0"`
}

// Health holds the reported state.
type Health struct {
	live     atomic.Bool
	ready    atomic.Bool
	draining atomic.Bool

	cfg Config
	log *zap.Logger
}

// Params are the dependencies of New.
type Params struct {
	fx.In

	LC         fx.Lifecycle
	Logger     *zap.Logger
	Config     *Config           `optional:"true"`
	Controller *drain.Controller `optional:"true"`
}

// New builds Health and ties its state to the fx lifecycle and, when
// present, to the drain controller.
func New(p Params) *Health {
	h := &Health{
		cfg: Config{Port: defaultPort, StartupDelay: defaultStartupDelay},
		log: p.Logger.With(zap.String("component", "health")),
	}
	if p.Config != nil {
		if p.Config.Port != "" {
			h.cfg.Port = p.Config.Port
		}
		if p.Config.StartupDelay > 0 {
			h.cfg.StartupDelay = p.Config.StartupDelay
		}
	}
	if p.Controller != nil {
		h.Watch(p.Controller)
	}

	var readyTimer *time.Timer
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			h.live.Store(true)
			readyTimer = time.AfterFunc(h.cfg.StartupDelay, func() {
				h.ready.Store(true)
				h.log.Info("health.ready")
			})
			return nil
		},
		OnStop: func(context.Context) error {
			if readyTimer != nil {
				readyTimer.Stop()
			}
			h.ready.Store(false)
			h.live.Store(false)
			return nil
		},
	})
	return h
}

// Watch reports "draining" once c starts closing.
func (h *Health) Watch(c *drain.Controller) {
	c.OnClosing(func() {
		h.draining.Store(true)
		h.log.Info("health.draining")
	})
}

// Status is the JSON body served at Path.
type Status struct {
	Status string `json:"status"`
	Live   bool   `json:"live"`
	Ready  bool   `json:"ready"`
}

// Status returns the current report and its HTTP code.
func (h *Health) Status() (Status, int) {
	s := Status{Status: "ok", Live: h.live.Load(), Ready: h.ready.Load()}
	switch {
	case !s.Live:
		s.Status, s.Ready = "unhealthy", false
	case h.draining.Load():
		s.Status, s.Ready = "draining", false
	case !s.Ready:
		s.Status = "initializing"
	default:
		return s, http.StatusOK
	}
	return s, http.StatusServiceUnavailable
}

// Handler serves Status as JSON.
func (h *Health) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		s, code := h.Status()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(s); err != nil {
			h.log.Debug("health.write_failed", zap.Error(err))
		}
	})
}

// RegisterServer runs the dedicated health server for the app's lifetime.
// The port is bound in OnStart so a conflict fails startup.
func RegisterServer(lc fx.Lifecycle, h *Health) {
	mux := http.NewServeMux()
	mux.Handle(Path, h.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", h.cfg.Port)
			if err != nil {
				return err
			}
			h.log.Info("health.start", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					h.log.Error("health.serve_failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			h.log.Info("health.stop")
			return srv.Shutdown(ctx)
		},
	})
}

// Route is the httpkit route for h.
func Route(h *Health) httpkit.Handler {
	return httpkit.Handler{Pattern: Path, Handler: h.Handler()}
}
