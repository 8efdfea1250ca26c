// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/subcommands"
	"github.com/nftcore/nftcore/nftd/config"
	"github.com/nftcore/nftcore/pkg/nftmetrics"
	"github.com/nftcore/nftcore/pkg/tcpip/nftables"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/log"
)

// Serve implements subcommands.Command for the "serve" command.
type Serve struct {
	addr string
}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "serve metrics, the ruleset and packet evaluation over HTTP"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return `serve [-addr=<host:port>] - serves /metrics, /ruleset and /evaluate until interrupted
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Serve) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.addr, "addr", "", "listen address. Defaults to the configured metrics_addr.")
}

// Execute implements subcommands.Command.Execute.
func (s *Serve) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	addr := s.addr
	if addr == "" {
		addr = conf.MetricsAddr
	}
	nf, err := loadEngine(conf)
	if err != nil {
		return Errorf("%v", err)
	}
	reg := prometheus.NewRegistry()
	if err := reg.Register(nftmetrics.NewCollector(nf)); err != nil {
		return Errorf("registering collector: %v", err)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(nf, conf, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warningf("Shutting down HTTP server: %v", err)
		}
	}()

	log.Infof("Serving on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return Errorf("serving on %s: %v", addr, err)
	}
	log.Infof("Server stopped")
	return subcommands.ExitSuccess
}

// evaluateResponse is the body of an evaluate response.
type evaluateResponse struct {
	Family  string `json:"family"`
	Hook    string `json:"hook"`
	Verdict string `json:"verdict"`
}

// errorResponse is the body of an error response.
type errorResponse struct {
	Error string `json:"error"`
}

// newRouter returns the HTTP handler of the serve command.
func newRouter(nf *nftables.NFTables, conf *config.Config, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Get("/ruleset", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := writeRuleset(w, nf); err != nil {
			log.Warningf("Writing ruleset: %v", err)
		}
	})

	r.Get("/ruleset/{family}/{table}", func(w http.ResponseWriter, req *http.Request) {
		family, err := nftables.ParseAddressFamily(chi.URLParam(req, "family"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		name := chi.URLParam(req, "table")
		snap, err := nf.Snapshot()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		for _, t := range snap.Tables {
			if t.Family == family && t.Name == name {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				one := nftables.Snapshot{Tables: []nftables.TableSnapshot{t}}
				if _, err := w.Write([]byte(one.String())); err != nil {
					log.Warningf("Writing table %s %s: %v", family, name, err)
				}
				return
			}
		}
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no table " + name + " in family " + family.String()})
	})

	r.Post("/evaluate", func(w http.ResponseWriter, req *http.Request) {
		p := packetSpec{Hook: "input", Proto: "tcp", Sport: 40000, Dport: 80}
		dec := json.NewDecoder(req.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		def, err := conf.Family()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		family, hook, pkt, err := p.build(def)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		v, err := nf.EvaluateHook(family, hook, pkt)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, evaluateResponse{Family: family.String(), Hook: hook.String(), Verdict: v.String()})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warningf("Encoding response: %v", err)
	}
}
