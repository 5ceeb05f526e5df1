// Package signals binds OS termination signals to a shutdown trigger.
//
// Registration is explicit and reversible so that independent servers, and
// tests, never share hidden process-wide handlers:
//
//	unregister := signals.Register(ctrl, syscall.SIGTERM)
//	defer unregister()
package signals

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
)

// Initiator is anything that can begin a graceful shutdown. Initiate must be
// idempotent; *drain.Controller satisfies it.
type Initiator interface {
	Initiate()
}

// InitiatorFunc adapts a function to Initiator.
type InitiatorFunc func()

// Initiate calls f.
func (f InitiatorFunc) Initiate() { f() }

// Register calls i.Initiate exactly once, on the first of sigs received.
// SIGTERM is used when sigs is empty. Signals arriving after the first are
// swallowed until the returned unregister func is called, which stops
// delivery and restores the default disposition. unregister is idempotent.
func Register(i Initiator, sigs ...os.Signal) (unregister func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGTERM}
	}

	ch := make(chan os.Signal, 1)
	stop := make(chan struct{})
	exited := make(chan struct{})
	signal.Notify(ch, sigs...)

	go func() {
		defer close(exited)
		var once sync.Once
		// Keep draining the channel after the first signal so that repeated
		// signals do not fall back to the default (terminating) action.
		for {
			select {
			case <-ch:
				once.Do(i.Initiate)
			case <-stop:
				return
			}
		}
	}()

	var unregisterOnce sync.Once
	return func() {
		unregisterOnce.Do(func() {
			signal.Stop(ch)
			close(stop)
			<-exited
		})
	}
}

var byName = map[string]os.Signal{
	"TERM": syscall.SIGTERM,
	"INT":  syscall.SIGINT,
	"HUP":  syscall.SIGHUP,
	"QUIT": syscall.SIGQUIT,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
}

// Parse resolves a signal name such as "SIGTERM", "term" or "INT".
func Parse(name string) (os.Signal, error) {
	key := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG")
	if s, ok := byName[key]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("signals: unknown signal %q", name)
}

// ParseAll resolves every name, failing on the first unknown one.
func ParseAll(names []string) ([]os.Signal, error) {
	out := make([]os.Signal, 0, len(names))
	for _, n := range names {
		s, err := Parse(n)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
