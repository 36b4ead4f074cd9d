package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/matheuscscp/open-finance-portal/internal/config"
	"github.com/matheuscscp/open-finance-portal/internal/logging"
	"github.com/matheuscscp/open-finance-portal/internal/server"
)

func main() {
	if err := logging.LoadLevel(); err != nil {
		logrus.WithError(err).Fatal("failed to load log level")
	}

	conf, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	s, err := server.New(conf)
	if err != nil {
		logrus.WithError(err).Fatal("failed to create server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Run(ctx); err != nil {
		logrus.WithError(err).Fatal("server stopped with error")
	}
}
