// Package diag exposes a loopback-only HTTP diagnostics surface:
// /healthz, /status.json, and Go's pprof profiles. It is wired with the
// same chi router plus chi/middleware stack (Logger, Recoverer, RealIP)
// the teacher's root command uses for its API router, scaled down to
// the handful of read-only routes an operator needs — no auth
// middleware, since the listener itself is loopback-only and carries
// no secrets beyond what /status.json already summarizes.
package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/k-terminus/orchestrator/internal/connpool"
	"github.com/k-terminus/orchestrator/internal/session"
)

// StatusProvider supplies the live counters diag reports; Server wires
// it to the running orchestrator's pool and session manager.
type StatusProvider struct {
	Pool      *connpool.Pool
	Sessions  *session.Manager
	StartedAt time.Time
	BindAddr  string
	IPCAddr   string
}

type statusResponse struct {
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Connections    int     `json:"connections"`
	Sessions       int     `json:"sessions"`
	BindAddress    string  `json:"bind_address"`
	ControlAddress string  `json:"control_address"`
}

// Server is the loopback diagnostics HTTP server.
type Server struct {
	Addr     string
	Provider StatusProvider

	httpSrv *http.Server
}

// New builds the chi router and wraps it in an *http.Server bound to
// addr, which callers should keep on loopback (spec's diag_addr
// default is 127.0.0.1).
func New(addr string, provider StatusProvider) *Server {
	s := &Server{Addr: addr, Provider: provider}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status.json", s.handleStatus)

	r.Route("/debug/pprof", func(r chi.Router) {
		r.Get("/", pprof.Index)
		r.Get("/cmdline", pprof.Cmdline)
		r.Get("/profile", pprof.Profile)
		r.Get("/symbol", pprof.Symbol)
		r.Get("/trace", pprof.Trace)
		r.Handle("/goroutine", pprof.Handler("goroutine"))
		r.Handle("/heap", pprof.Handler("heap"))
		r.Handle("/allocs", pprof.Handler("allocs"))
		r.Handle("/block", pprof.Handler("block"))
		r.Handle("/threadcreate", pprof.Handler("threadcreate"))
	})

	s.httpSrv = &http.Server{Addr: addr, Handler: r}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		UptimeSeconds:  time.Since(s.Provider.StartedAt).Seconds(),
		BindAddress:    s.Provider.BindAddr,
		ControlAddress: s.Provider.IPCAddr,
	}
	if s.Provider.Pool != nil {
		resp.Connections = s.Provider.Pool.Count()
	}
	if s.Provider.Sessions != nil {
		resp.Sessions = s.Provider.Sessions.Count()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ListenAndServe blocks serving until the server is shut down.
func (s *Server) ListenAndServe() error {
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
