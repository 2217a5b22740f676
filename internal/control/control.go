// Package control is the engine's HTTP control plane (C8), grounded on the
// teacher's metrics.Server (http.ServeMux, graceful Shutdown via
// http.Server.Shutdown(ctx)) generalized from an SMTP-campaign's
// health/ready pair to the spec's admin surface: seed a test message,
// trigger an immediate poll, report the bound transport's identity, a
// liveness probe, and the expvar metrics exposition.
package control

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/priceflow/batchflow/internal/handlers/emailpoll"
	"github.com/priceflow/batchflow/internal/jobstore"
	"github.com/priceflow/batchflow/internal/logx"
	"github.com/priceflow/batchflow/internal/transport"
	"github.com/priceflow/batchflow/internal/transport/mock"
)

// Server is the HTTP control plane. Seedable is nil for real transports;
// /seed returns 501 when the bound transport isn't the mock driver.
type Server struct {
	store     jobstore.Store
	transport transport.Transport
	kind      string
	seedable  *mock.Transport

	srv *http.Server
	log *logrus.Entry
}

// New builds a Server bound to store/tr. kind is a human-readable name for
// the bound transport ("mock", "pop3", "imap"), reported by GET /transport.
// If tr is a *mock.Transport, /seed is wired to it; otherwise /seed reports
// 501 Not Implemented.
func New(store jobstore.Store, tr transport.Transport, kind string, port int) *Server {
	s := &Server{
		store:     store,
		transport: tr,
		kind:      kind,
		log:       logx.New("control"),
	}
	if m, ok := tr.(*mock.Transport); ok {
		s.seedable = m
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /seed", s.handleSeed)
	mux.HandleFunc("POST /poll", s.handlePoll)
	mux.HandleFunc("GET /transport", s.handleTransport)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", expvar.Handler())

	s.srv = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	return s
}

// Run starts the server and blocks until it stops or errors.
func (s *Server) Run() error {
	s.log.WithField("addr", s.srv.Addr).Info("control plane listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	if s.seedable == nil {
		http.Error(w, "seed not supported: bound transport is not the mock driver", http.StatusNotImplemented)
		return
	}

	var msg transport.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "decode message: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.seedable.Seed(msg)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	job, err := emailpoll.NewJob()
	if err != nil {
		http.Error(w, "build poll job: "+err.Error(), http.StatusInternalServerError)
		return
	}

	id, err := s.store.Enqueue(r.Context(), job)
	if err != nil {
		http.Error(w, "enqueue poll job: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"jobId": id})
}

func (s *Server) handleTransport(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"kind": s.kind})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
