package server

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/funnyzak/hookrelay/internal/config"
	"github.com/funnyzak/hookrelay/internal/delivery"
	"github.com/funnyzak/hookrelay/internal/guard"
	"github.com/funnyzak/hookrelay/internal/lifecycle"
	"github.com/funnyzak/hookrelay/internal/logger"
	"github.com/funnyzak/hookrelay/internal/sweep"
	"github.com/funnyzak/hookrelay/pkg/relay"
)

// sweepInterval is how often the background sweep loop fires while the
// server runs.
const sweepInterval = time.Minute

// Server is the inbound capture surface plus the background sweep loop.
type Server struct {
	config  *config.Config
	logger  logger.Logger
	handler *Handler
	sweeper *sweep.Engine
	httpSrv *http.Server
}

// New creates a new server instance.
func New(
	cfg *config.Config,
	log logger.Logger,
	life *lifecycle.Engine,
	client *delivery.Client,
	sweeper *sweep.Engine,
	registry *guard.Registry,
	routes map[string]*relay.Route,
) *Server {
	handler := NewHandler(cfg, log, life, client, registry, routes)
	return &Server{
		config:  cfg,
		logger:  log,
		handler: handler,
		sweeper: sweeper,
	}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc(s.config.Server.Path+"/{route}", s.handler.HandleInbound).Methods(http.MethodPost)
	router.HandleFunc("/relays/{id:[0-9]+}", s.handler.HandleGetRelay).Methods(http.MethodGet)
	router.HandleFunc("/relays/{id:[0-9]+}/logs", s.handler.HandleGetRelayLogs).Methods(http.MethodGet)
	router.HandleFunc("/relays/{id:[0-9]+}/cancel", s.handler.HandleCancel).Methods(http.MethodPost)
	router.HandleFunc("/relays/{id:[0-9]+}/replay", s.handler.HandleReplay).Methods(http.MethodPost)
	return router
}

// Run starts the HTTP server and the periodic sweep loop, blocking
// until the context is cancelled or a shutdown signal arrives.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.logger.Info("Starting HTTP server",
		"addr", s.httpSrv.Addr,
		"path", s.config.Server.Path,
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		s.runSweepLoop(groupCtx)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		s.logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Server forced to shutdown", "error", err)
		}
		return nil
	})

	err := group.Wait()
	s.logger.Info("Server exited")
	return err
}

// runSweepLoop drives the periodic maintenance operations until the
// context ends.
func (s *Server) runSweepLoop(ctx context.Context) {
	if s.sweeper == nil {
		return
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runSweeps(ctx)
		}
	}
}

func (s *Server) runSweeps(ctx context.Context) {
	ops := []struct {
		name string
		run  func(context.Context, int) (int, error)
	}{
		{"retry-overdue", s.sweeper.RetryOverdue},
		{"requeue-stuck", s.sweeper.RequeueStuck},
		{"enforce-timeouts", s.sweeper.EnforceTimeouts},
		{"dispatch-queued", s.sweeper.DispatchQueued},
		{"archive", s.sweeper.Archive},
		{"purge", s.sweeper.Purge},
	}
	for _, op := range ops {
		if ctx.Err() != nil {
			return
		}
		count, err := op.run(ctx, sweep.DefaultChunkSize)
		if err != nil {
			s.logger.Error("Sweep operation failed", "operation", op.name, "error", err)
			continue
		}
		if count > 0 {
			s.logger.Debug("Sweep operation finished", "operation", op.name, "affected", count)
		}
	}
}

// Stop shuts down the HTTP listener.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}
