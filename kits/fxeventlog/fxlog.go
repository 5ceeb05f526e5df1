// Package fxeventlog is a quiet fxevent.Logger backed by zap: errors and the
// start/stop milestones are logged, per-constructor chatter is only counted.
//
//	fx.WithLogger(func(l *zap.Logger) fxevent.Logger { return fxeventlog.New(l) })
package fxeventlog

import (
	"time"

	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Logger implements fxevent.Logger.
type Logger struct {
	log     *zap.Logger
	verbose bool

	provided, invoked int
	hooks             int
	hookTime          time.Duration
}

var _ fxevent.Logger = (*Logger)(nil)

// New returns a Logger writing to l.
func New(l *zap.Logger) *Logger { return &Logger{log: l.Named("fx")} }

// Verbose also logs each lifecycle hook as it runs.
func (l *Logger) Verbose() *Logger {
	l.verbose = true
	return l
}

// LogEvent implements fxevent.Logger.
func (l *Logger) LogEvent(e fxevent.Event) {
	switch ev := e.(type) {
	case *fxevent.Supplied:
		l.count(&l.provided, "fx.supply_error", ev.Err, module(ev.ModuleName))
	case *fxevent.Provided:
		l.count(&l.provided, "fx.provide_error", ev.Err, module(ev.ModuleName),
			zap.String("constructor", ev.ConstructorName))
	case *fxevent.Decorated:
		l.count(&l.provided, "fx.decorate_error", ev.Err, module(ev.ModuleName))
	case *fxevent.Invoked:
		l.count(&l.invoked, "fx.invoke_error", ev.Err, module(ev.ModuleName),
			zap.String("func", ev.FunctionName))
	case *fxevent.OnStartExecuted:
		l.hook("fx.onstart", ev.FunctionName, ev.Runtime, ev.Err)
	case *fxevent.OnStopExecuted:
		l.hook("fx.onstop", ev.FunctionName, ev.Runtime, ev.Err)
	case *fxevent.Started:
		if ev.Err != nil {
			l.log.Error("fx.start_error", zap.Error(ev.Err))
			return
		}
		l.log.Info("fx.started",
			zap.Int("provided", l.provided),
			zap.Int("invoked", l.invoked),
			zap.Int("hooks", l.hooks),
			zap.Duration("hook_time", l.hookTime),
		)
		l.hooks, l.hookTime = 0, 0
	case *fxevent.Stopping:
		l.log.Info("fx.stopping", zap.String("signal", ev.Signal.String()))
	case *fxevent.Stopped:
		if ev.Err != nil {
			l.log.Error("fx.stop_error", zap.Error(ev.Err))
			return
		}
		l.log.Info("fx.stopped", zap.Int("hooks", l.hooks), zap.Duration("hook_time", l.hookTime))
	case *fxevent.RollingBack:
		l.log.Error("fx.rollback", zap.Error(ev.StartErr))
	case *fxevent.RolledBack:
		if ev.Err != nil {
			l.log.Error("fx.rollback_error", zap.Error(ev.Err))
		}
	case *fxevent.LoggerInitialized:
		if ev.Err != nil {
			l.log.Error("fx.logger_error", zap.Error(ev.Err))
		}
	}
}

func (l *Logger) count(n *int, msg string, err error, fields ...zap.Field) {
	if err != nil {
		l.log.Error(msg, append(fields, zap.Error(err))...)
		return
	}
	*n++
}

func (l *Logger) hook(msg, callee string, d time.Duration, err error) {
	l.hooks++
	l.hookTime += d
	switch {
	case err != nil:
		l.log.Error(msg+"_error", zap.String("callee", callee), zap.Duration("runtime", d), zap.Error(err))
	case l.verbose:
		l.log.Info(msg, zap.String("callee", callee), zap.Duration("runtime", d))
	}
}

func module(name string) zap.Field {
	if name == "" {
		return zap.Skip()
	}
	return zap.String("module", name)
}
