package drain

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// Responder writes the response for a request the gate did not admit.
type Responder func(w http.ResponseWriter, r *http.Request)

// BadGateway is the default closing responder: 502 with Connection: close.
func BadGateway(w http.ResponseWriter, _ *http.Request) {
	h := w.Header()
	h.Set("Connection", "close")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = io.WriteString(w, http.StatusText(http.StatusBadGateway))
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClosingResponder replaces BadGateway for rejected requests.
func WithClosingResponder(fn Responder) GateOption {
	return func(g *Gate) {
		if fn != nil {
			g.reject = fn
		}
	}
}

// WithFaultIsolation recovers handler panics, answers 500 and initiates
// shutdown. Without it panics propagate to the server unchanged.
func WithFaultIsolation() GateOption {
	return func(g *Gate) { g.isolate = true }
}

// WithGateLogger sets the gate logger. Defaults to the controller's logger.
func WithGateLogger(l *zap.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.log = l
		}
	}
}

// Gate is the admission-control wrapper around an application handler.
type Gate struct {
	c       *Controller
	next    http.Handler
	reject  Responder
	isolate bool
	log     *zap.Logger
}

// NewGate wraps next so that it only runs while c is Serving.
func NewGate(c *Controller, next http.Handler, opts ...GateOption) (*Gate, error) {
	if c == nil {
		return nil, ErrNilController
	}
	if next == nil {
		return nil, ErrInvalidHandler
	}
	g := &Gate{
		c:      c,
		next:   next,
		reject: BadGateway,
		log:    c.log,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Controller returns the controller the gate consults.
func (g *Gate) Controller() *Controller { return g.c }

func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slot, ok := g.c.Acquire()
	if !ok {
		g.log.Debug("drain.rejected", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		g.reject(w, r)
		return
	}
	defer slot.Release()
	if g.isolate {
		defer g.recoverFault(w, r)
	}

	g.next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), gateKey{}, g)))
}

func (g *Gate) recoverFault(w http.ResponseWriter, r *http.Request) {
	v := recover()
	if v == nil {
		return
	}
	if v == http.ErrAbortHandler {
		panic(v)
	}
	g.log.Error("drain.handler_fault",
		zap.Any("panic", v),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Stack("stack"),
	)
	w.Header().Set("Connection", "close")
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	g.c.Initiate()
}

type gateKey struct{}

// RejectAndInitiate answers the current request with the gate's closing
// response and starts shutdown. It is meant for handlers that decide the
// process should stop. It returns false if r did not come through a Gate.
func RejectAndInitiate(w http.ResponseWriter, r *http.Request) bool {
	g, ok := r.Context().Value(gateKey{}).(*Gate)
	if !ok {
		return false
	}
	g.reject(w, r)
	g.c.Initiate()
	return true
}
