package main

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/froppa/leadballoon/kits/drain"
	"github.com/froppa/leadballoon/kits/httpkit"
	"go.uber.org/fx"
)

// demoRoutes exercises each drain path:
//
//	/ok          plain response
//	/wait?ms=N   responds after N milliseconds
//	/throw       panics; with http.isolate_faults the drain starts
//	/failviareq  rejects this request and starts the drain
//	/manual      starts the drain and answers with the closing response
func demoRoutes() fx.Option {
	return fx.Provide(
		route("/ok", func(*drain.Controller) http.HandlerFunc { return handleOK }),
		route("/wait", func(*drain.Controller) http.HandlerFunc { return handleWait }),
		route("/throw", func(*drain.Controller) http.HandlerFunc { return handleThrow }),
		route("/failviareq", func(*drain.Controller) http.HandlerFunc { return handleFailViaRequest }),
		route("/manual", handleManual),
	)
}

func route(pattern string, build func(*drain.Controller) http.HandlerFunc) any {
	return fx.Annotate(
		func(c *drain.Controller) httpkit.Handler {
			return httpkit.Handler{Pattern: pattern, Handler: build(c)}
		},
		fx.ResultTags(`group:"`+httpkit.HandlersGroup+`"`),
	)
}

func handleOK(w http.ResponseWriter, _ *http.Request) {
	_, _ = io.WriteString(w, "OK")
}

func handleWait(w http.ResponseWriter, r *http.Request) {
	ms, err := strconv.Atoi(r.URL.Query().Get("ms"))
	if err != nil || ms < 0 {
		http.Error(w, "ms must be a non-negative integer", http.StatusBadRequest)
		return
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		_, _ = io.WriteString(w, "RESUMED")
	case <-r.Context().Done():
	}
}

func handleThrow(http.ResponseWriter, *http.Request) {
	panic("just exceptional")
}

func handleFailViaRequest(w http.ResponseWriter, r *http.Request) {
	if !drain.RejectAndInitiate(w, r) {
		http.Error(w, "not behind a drain gate", http.StatusInternalServerError)
	}
}

func handleManual(c *drain.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		c.Initiate()
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = fmt.Fprintf(w, "Closing now, %d in flight\n", c.Pending())
	}
}
