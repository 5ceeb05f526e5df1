package httpkit_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/froppa/leadballoon/kits/drain"
	httpfx "github.com/froppa/leadballoon/kits/httpkit"
	"github.com/froppa/leadballoon/kits/shutdownkit"
	"github.com/stretchr/testify/require"
	uber "go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"
)

// --- Listener ---

func TestNewListener_Binds(t *testing.T) {
	ln, err := httpfx.NewListener(&httpfx.Config{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NotNil(t, ln)
	require.NoError(t, ln.Close())
}

func TestNewListener_InvalidAddr(t *testing.T) {
	_, err := httpfx.NewListener(&httpfx.Config{Addr: "??"})
	require.Error(t, err)
}

func TestListener_StopAcceptingIsIdempotent(t *testing.T) {
	ln, err := httpfx.NewListener(&httpfx.Config{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	addr := ln.Addr().String()

	require.NoError(t, ln.StopAccepting())
	require.NoError(t, ln.StopAccepting())
	require.NoError(t, ln.Close(), "close after stop is not a double close")

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	require.Error(t, err, "closed listener refuses connections")
}

// --- NewMux ---

func TestNewMux_WithAndWithoutPprof(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	mux := httpfx.NewMux(httpfx.MuxParams{
		Cfg:      &httpfx.Config{EnablePprof: false},
		Handlers: []httpfx.Handler{{Pattern: "/custom", Handler: h}},
	})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/custom", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)

	mux2 := httpfx.NewMux(httpfx.MuxParams{Cfg: &httpfx.Config{EnablePprof: true}})
	rr2 := httptest.NewRecorder()
	mux2.ServeHTTP(rr2, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	require.GreaterOrEqual(t, rr2.Code, 200)
	require.Less(t, rr2.Code, 500)
}

// --- RequestID ---

func TestRequestID(t *testing.T) {
	var seen string
	h := httpfx.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = httpfx.RequestIDFrom(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	require.Len(t, seen, 36)
	require.Equal(t, seen, rr.Header().Get(httpfx.RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(httpfx.RequestIDHeader, "abc-123")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, "abc-123", seen)
	require.Equal(t, "abc-123", rr.Header().Get(httpfx.RequestIDHeader))

	require.Empty(t, httpfx.RequestIDFrom(context.Background()))
}

// --- NewHandler ---

func TestNewHandler_FaultIsolation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	c := drain.NewController(drain.Config{GracefulTimeout: time.Second})

	h, err := httpfx.NewHandler(httpfx.HandlerParams{
		Cfg:        &httpfx.Config{IsolateFaults: true},
		Mux:        mux,
		Controller: c,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.NotEmpty(t, rr.Header().Get(httpfx.RequestIDHeader))

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("fault did not close the controller")
	}
	out, _ := c.Outcome()
	require.True(t, out.Clean())
}

// --- Fx Module Lifecycle ---

func yamlOf(t *testing.T, s string) *uber.YAML {
	t.Helper()
	p, err := uber.NewYAML(uber.Source(bytes.NewBufferString(s)))
	require.NoError(t, err)
	return p
}

type served struct {
	ln *httpfx.Listener
	c  *drain.Controller
}

func (s served) url(path string) string {
	return "http://" + s.ln.Addr().String() + path
}

func newApp(t *testing.T, timeout time.Duration, routes ...fx.Option) (*fxtest.App, served) {
	var s served
	opts := []fx.Option{
		fx.Supply(zaptest.NewLogger(t), yamlOf(t, "http:\n  addr: 127.0.0.1:0\n")),
		shutdownkit.Module(shutdownkit.WithoutSignalHook(), shutdownkit.WithTimeout(timeout)),
		httpfx.Module(),
		fx.Populate(&s.ln, &s.c),
	}
	app := fxtest.New(t, append(opts, routes...)...)
	return app, s
}

func freshClient() *http.Client {
	return &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

func TestModule_StartStopWithHandler(t *testing.T) {
	app, s := newApp(t, time.Second,
		httpfx.Route("/ping", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "pong")
		})),
	)
	app.RequireStart()

	require.NoError(t, waitForOK(s.url("/ping"), 20, 50*time.Millisecond))

	app.RequireStop()
	out, closed := s.c.Outcome()
	require.True(t, closed)
	require.True(t, out.Clean())
}

func TestModule_DrainRejectsNewWorkAndFinishesInFlight(t *testing.T) {
	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	defer unblock()
	app, s := newApp(t, 5*time.Second,
		httpfx.Route("/wait", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
			_, _ = io.WriteString(w, "done")
		})),
		httpfx.Route("/ok", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "ok")
		})),
	)
	app.RequireStart()
	defer app.RequireStop()
	done := app.Wait()

	type result struct {
		code int
		body string
		err  error
	}
	inflight := make(chan result, 1)
	go func() {
		resp, err := freshClient().Get(s.url("/wait"))
		if err != nil {
			inflight <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		inflight <- result{code: resp.StatusCode, body: string(b)}
	}()
	require.Eventually(t, func() bool { return s.c.Pending() == 1 }, time.Second, 5*time.Millisecond)

	s.c.Initiate()
	require.Equal(t, drain.Draining, s.c.State())

	// The socket stays open while draining; new work gets the closing response.
	resp, err := freshClient().Get(s.url("/ok"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.True(t, resp.Close, "closing response carries Connection: close")

	unblock()
	r := <-inflight
	require.NoError(t, r.err)
	require.Equal(t, http.StatusOK, r.code)
	require.Equal(t, "done", r.body)

	select {
	case sig := <-done:
		require.Zero(t, sig.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not stop the app")
	}

	_, err = net.DialTimeout("tcp", s.ln.Addr().String(), 200*time.Millisecond)
	require.Error(t, err, "listener closed after drain")
}

func TestModule_ForcedCloseSeversStuckRequests(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)
	app, s := newApp(t, 50*time.Millisecond,
		httpfx.Route("/stuck", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-stuck:
			case <-r.Context().Done():
			}
		})),
	)
	app.RequireStart()
	done := app.Wait()

	errc := make(chan error, 1)
	go func() {
		resp, err := freshClient().Get(s.url("/stuck"))
		if err == nil {
			_ = resp.Body.Close()
			err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		errc <- err
	}()
	require.Eventually(t, func() bool { return s.c.Pending() == 1 }, time.Second, 5*time.Millisecond)

	s.c.Initiate()
	select {
	case sig := <-done:
		require.Equal(t, shutdownkit.ExitForced, sig.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("forced close did not stop the app")
	}
	out, _ := s.c.Outcome()
	require.True(t, out.Forced)
	require.EqualValues(t, 1, out.Pending)

	app.RequireStop()
	require.Error(t, <-errc, "stuck request is severed")
}

func TestModule_UngatedRoutesBypassTheGate(t *testing.T) {
	app, s := newApp(t, time.Second,
		httpfx.Route("/work", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "work")
		})),
		httpfx.RouteUngated("/live", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "live")
		})),
	)
	app.RequireStart()
	defer app.RequireStop()
	require.NoError(t, waitForOK(s.url("/work"), 20, 50*time.Millisecond))

	slot, ok := s.c.Acquire()
	require.True(t, ok)
	s.c.Initiate()

	get := func(path string) (int, string) {
		resp, err := freshClient().Get(s.url(path))
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(b)
	}

	code, _ := get("/work")
	require.Equal(t, http.StatusBadGateway, code)
	code, body := get("/live")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "live", body)
	require.EqualValues(t, 1, s.c.Pending(), "ungated requests are not counted")

	slot.Release()
	select {
	case <-s.c.Done():
	case <-time.After(time.Second):
		t.Fatal("controller did not close")
	}
}

// --- Helper ---

func waitForOK(url string, tries int, delay time.Duration) error {
	client := &http.Client{Timeout: 200 * time.Millisecond}
	for i := 0; i < tries; i++ {
		resp, err := client.Get(url)
		if err == nil {
			ok := resp.StatusCode < 500
			_ = resp.Body.Close()
			if ok {
				return nil
			}
		}
		time.Sleep(delay)
	}
	return fmt.Errorf("server not ready: %s", url)
}
