// Package adminapi exposes a read-only, in-memory view of the
// provisioning authority's live session table and configuration summary.
// It never persists anything: restart the process and the view is empty
// until new sessions are created, exactly like the router it reflects.
package adminapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"wmprov/internal/config"
	"wmprov/internal/router"
)

// Server serves the admin HTTP API.
type Server struct {
	port       int
	version    string
	router     *router.Router
	cfg        *config.Config
	mux        *mux.Router
	httpServer *http.Server
}

// New builds the admin API server bound to the given router and config.
// port is the TCP port to listen on; version is surfaced on /api/version.
func New(port int, rtr *router.Router, cfg *config.Config, version string) *Server {
	s := &Server{
		port:    port,
		version: version,
		router:  rtr,
		cfg:     cfg,
		mux:     mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.mux.PathPrefix("/api").Subrouter()
	api.HandleFunc("/version", s.handleVersion).Methods("GET")
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/stream", s.handleSessionStream).Methods("GET")
	api.HandleFunc("/networks", s.handleListNetworks).Methods("GET")
}

// Run starts the HTTP server and blocks until ctx is cancelled, at which
// point it shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.mux,
	}

	go func() {
		<-ctx.Done()
		log.Info("adminapi: context done, shutting down")
		s.httpServer.Shutdown(context.Background())
	}()

	log.Infof("adminapi: listening on port %d", s.port)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		log.Info("adminapi: server closed cleanly")
		return nil
	}
	return err
}
