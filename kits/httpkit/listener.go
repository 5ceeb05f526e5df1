package httpkit

import (
	"net"
	"sync"
)

// Listener is the drain transport for an http.Server: StopAccepting closes
// the socket so new connections are refused while connections already
// accepted keep being served.
type Listener struct {
	net.Listener

	once sync.Once
	err  error
}

// NewListener binds cfg.Addr.
func NewListener(cfg *Config) (*Listener, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: ln}, nil
}

// StopAccepting closes the socket once; later calls return the first result.
func (l *Listener) StopAccepting() error {
	l.once.Do(func() { l.err = l.Listener.Close() })
	return l.err
}

// Close is StopAccepting, so http.Server.Shutdown after a drain does not
// report a double close.
func (l *Listener) Close() error { return l.StopAccepting() }
