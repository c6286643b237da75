package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"deskmeter/internal/infrastructure"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := infrastructure.Bootstrap(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("bootstrap failed")
	}
	defer cleanup()

	if err := app.Run(ctx); err != nil {
		logrus.WithError(err).Error("deskmeter stopped with error")
		cleanup()
		os.Exit(1)
	}
	logrus.Info("deskmeter stopped")
}
