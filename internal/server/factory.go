package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/matheuscscp/open-finance-portal/internal/ai"
	"github.com/matheuscscp/open-finance-portal/internal/app"
	"github.com/matheuscscp/open-finance-portal/internal/authflow"
	"github.com/matheuscscp/open-finance-portal/internal/config"
	"github.com/matheuscscp/open-finance-portal/internal/gateway"
	"github.com/matheuscscp/open-finance-portal/internal/issuer"
	"github.com/matheuscscp/open-finance-portal/internal/kv"
)

const shutdownTimeout = 30 * time.Second

// Server is the portal HTTP server together with the per-browser
// applications it serves.
type Server struct {
	HTTP     *http.Server
	registry *app.Registry
	stores   *kv.Factory
}

func New(conf *config.Config) (*Server, error) {
	return newWithRegistry(conf, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func newWithRegistry(conf *config.Config,
	promRegisterer prometheus.Registerer, promGatherer prometheus.Gatherer) (*Server, error) {

	stores, err := kv.NewFactory(&conf.Session)
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}

	gw := gateway.New(&conf.Gateway)
	registry := app.NewRegistry(&app.Deps{
		Config:   conf,
		API:      gw,
		Stores:   stores,
		Outcomes: authflow.NewOutcomeCounter(promRegisterer),
	})
	a := &api{
		conf:     conf,
		issuer:   issuer.New(conf.Portal.Origin()),
		registry: registry,
		gateway:  gw,
		ai:       ai.New(&conf.AI),
		nowFunc:  time.Now,
	}

	return &Server{
		HTTP:     newServer(conf, a.handler(), stores.Ping, promRegisterer, promGatherer),
		registry: registry,
		stores:   stores,
	}, nil
}

// Run serves until ctx ends, then shuts down gracefully and closes every
// browser session.
func (s *Server) Run(ctx context.Context) error {
	evictCtx, stopEvicting := context.WithCancel(ctx)
	defer stopEvicting()
	go s.registry.Run(evictCtx)

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", s.HTTP.Addr).Info("server started")
		errCh <- s.HTTP.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.HTTP.Shutdown(shutdownCtx); err != nil {
			serveErr = fmt.Errorf("failed to shut down server: %w", err)
		}
	}

	s.registry.Close()
	if err := s.stores.Close(); err != nil {
		logrus.WithError(err).Error("failed to close session store")
	}
	logrus.Info("server stopped")
	return serveErr
}
