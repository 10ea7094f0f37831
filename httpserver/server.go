package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/master-key-backup/metrics"
	"go.uber.org/atomic"
)

type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Service     string
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
	handler    *Handler
}

func New(cfg *HTTPServerConfig, handler *Handler) (srv *Server, err error) {
	metricsSrv, err := metrics.New(cfg.Service, cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}

	srv = &Server{
		cfg:        cfg,
		log:        cfg.Log,
		srv:        nil,
		metricsSrv: metricsSrv,
		handler:    handler,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv, nil
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()
	mux.Use(srv.httpLogger)

	mux.Route("/api/v1", func(r chi.Router) {
		r.Get("/key", srv.handler.HandleKey)
		r.Get("/backups", srv.handler.HandleBackups)
		r.Get("/backups/verify", srv.handler.HandleVerify)
		r.Get("/providers", srv.handler.HandleProviders)
	})

	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	mux.Get("/drain", srv.handleDrain)
	mux.Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

type healthStatus struct {
	Status      string `json:"status"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	srv.handler.writeJSON(w, http.StatusOK, healthStatus{Status: "alive"})
}

// handleReadinessCheck reports ready only while not draining and a valid key
// is held.
func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	fingerprint, _ := srv.handler.keys.Fingerprint()
	switch {
	case !srv.isReady.Load():
		srv.handler.writeJSON(w, http.StatusServiceUnavailable, healthStatus{Status: "draining"})
	case fingerprint == "":
		srv.handler.writeJSON(w, http.StatusServiceUnavailable, healthStatus{Status: "no master key"})
	default:
		srv.handler.writeJSON(w, http.StatusOK, healthStatus{Status: "ready", Fingerprint: fingerprint})
	}
}

// handleDrain marks the server not ready and holds the request for the drain
// duration so the caller knows load balancers had time to notice.
func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		srv.handler.writeJSON(w, http.StatusOK, healthStatus{Status: "already draining"})
		return
	}
	srv.log.Info("draining", slog.Duration("duration", srv.cfg.DrainDuration))

	select {
	case <-time.After(srv.cfg.DrainDuration):
		srv.log.Info("drain period completed")
	case <-r.Context().Done():
	}
	srv.handler.writeJSON(w, http.StatusOK, healthStatus{Status: "draining"})
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		srv.handler.writeJSON(w, http.StatusOK, healthStatus{Status: "already ready"})
		return
	}
	srv.log.Info("undrained, serving again")
	srv.handler.writeJSON(w, http.StatusOK, healthStatus{Status: "ready"})
}

// RunInBackground starts the API listener and, when configured, the metrics
// listener.
func (srv *Server) RunInBackground() {
	serve := func(name, addr string, listen func() error) {
		srv.log.Info("starting listener", slog.String("listener", name), slog.String("addr", addr))
		if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("listener failed", slog.String("listener", name), "err", err)
		}
	}

	if srv.cfg.MetricsAddr != "" {
		go serve("metrics", srv.cfg.MetricsAddr, srv.metricsSrv.ListenAndServe)
	}
	go serve("api", srv.cfg.ListenAddr, srv.srv.ListenAndServe)
}

// Shutdown stops both listeners, waiting at most GracefulShutdownDuration for
// in-flight requests.
func (srv *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()

	stop := map[string]func(context.Context) error{"api": srv.srv.Shutdown}
	if srv.cfg.MetricsAddr != "" {
		stop["metrics"] = srv.metricsSrv.Shutdown
	}

	var wg sync.WaitGroup
	for name, fn := range stop {
		name, fn := name, fn
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				srv.log.Error("graceful shutdown failed", slog.String("listener", name), "err", err)
				return
			}
			srv.log.Info("listener stopped", slog.String("listener", name))
		}()
	}
	wg.Wait()
}
