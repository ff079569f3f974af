package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/vantage6/vantage6/pkg/blob"
	"github.com/vantage6/vantage6/pkg/log"
	"github.com/vantage6/vantage6/pkg/manager"
	"github.com/vantage6/vantage6/pkg/metrics"
	"github.com/vantage6/vantage6/pkg/session"
	"github.com/vantage6/vantage6/pkg/socket"
)

// Server is the coordinator's HTTP front. It owns the router; the heavy
// lifting happens in the manager and the session orchestrator.
type Server struct {
	mgr    *manager.Manager
	orch   *session.Orchestrator
	hub    *socket.Hub
	blobs  blob.Adapter

	localAddress string

	logger zerolog.Logger
	http   *http.Server
}

// Options configures the server. Blobs may be nil; blobstream endpoints
// then report the store as disabled.
type Options struct {
	Addr  string
	Blobs blob.Adapter
	// LocalAddress is advertised to authenticating nodes that share a
	// host with the coordinator.
	LocalAddress string
}

func NewServer(mgr *manager.Manager, orch *session.Orchestrator, hub *socket.Hub, opts Options) *Server {
	s := &Server{
		mgr:          mgr,
		orch:         orch,
		hub:          hub,
		blobs:        opts.Blobs,
		localAddress: opts.LocalAddress,
		logger:       log.WithComponent("api"),
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	// unauthenticated
	r.HandleFunc("/token/node", s.handleNodeToken).Methods(http.MethodPost)
	r.HandleFunc("/token/refresh", s.handleRefreshToken).Methods(http.MethodPost)
	r.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
	r.HandleFunc("/health/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	// websocket; the hub authenticates the node itself
	r.Handle("/tasks", s.hub.Handler())

	// node-only
	node := r.NewRoute().Subrouter()
	node.Use(s.authenticate(manager.ClientTypeNode))
	node.HandleFunc("/token/container", s.handleContainerToken).Methods(http.MethodPost)
	node.HandleFunc("/run/{id:[0-9]+}", s.handlePatchRun).Methods(http.MethodPatch)
	node.HandleFunc("/node/{id:[0-9]+}", s.handleGetNode).Methods(http.MethodGet)
	node.HandleFunc("/node/{id:[0-9]+}", s.handlePatchNode).Methods(http.MethodPatch)
	node.HandleFunc("/session/{sid:[0-9]+}/dataframe/{handle}/column", s.handleReportColumns).Methods(http.MethodPatch)

	// node or container
	auth := r.NewRoute().Subrouter()
	auth.Use(s.authenticate(""))
	auth.HandleFunc("/run", s.handleListRuns).Methods(http.MethodGet)
	auth.HandleFunc("/result", s.handleListResults).Methods(http.MethodGet)
	auth.HandleFunc("/task", s.handleSubmitTask).Methods(http.MethodPost)
	auth.HandleFunc("/task/{id:[0-9]+}", s.handleGetTask).Methods(http.MethodGet)
	auth.HandleFunc("/kill/task", s.handleKillTask).Methods(http.MethodPost)
	auth.HandleFunc("/collaboration/{id:[0-9]+}", s.handleGetCollaboration).Methods(http.MethodGet)
	auth.HandleFunc("/organization/{id:[0-9]+}", s.handleGetOrganization).Methods(http.MethodGet)
	auth.HandleFunc("/organization/{id:[0-9]+}", s.handlePatchOrganization).Methods(http.MethodPatch)
	auth.HandleFunc("/blobstream", s.handleBlobUpload).Methods(http.MethodPost)
	auth.HandleFunc("/blobstream/status", s.handleBlobStatus).Methods(http.MethodGet)
	auth.HandleFunc("/blobstream/{id}", s.handleBlobDownload).Methods(http.MethodGet)

	return s.observe(r)
}

// Handler exposes the routed stack for tests.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
