package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/callguide/pkg/logging"
)

// Server exposes /metrics, /healthz and /readyz.
type Server struct {
	server *http.Server
	ready  atomic.Bool
	logger *slog.Logger
}

// NewServer serves metrics from g. A nil g uses the default gatherer.
func NewServer(addr string, g prometheus.Gatherer, logger *slog.Logger) *Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	s := &Server{logger: logging.NewComponentLogger(logger, "metrics_server")}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.routes(g),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// Handler is the server's mux, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Start listens in the background. Listen errors are returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("metrics_server_started", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics_server_failed", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.server.Shutdown(ctx)
}
