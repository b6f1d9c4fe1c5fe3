// Package http serves the ops endpoints: health, readiness and
// Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PeerStatus is an interface for reporting BGP session readiness.
type PeerStatus interface {
	EstablishedCount() int
	ConfiguredCount() int
}

type Server struct {
	srv    *http.Server
	peers  PeerStatus
	logger *zap.Logger
}

func NewServer(addr string, peers PeerStatus, logger *zap.Logger) *Server {
	s := &Server{peers: peers, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := map[string]any{
		"peers_configured":  0,
		"peers_established": 0,
	}
	if s.peers != nil {
		status["peers_configured"] = s.peers.ConfiguredCount()
		status["peers_established"] = s.peers.EstablishedCount()
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}
