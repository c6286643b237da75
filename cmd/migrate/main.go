package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"deskmeter/internal/config"
	"deskmeter/internal/repository"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		logrus.WithError(err).Fatal("config error")
	}

	flag.Parse()
	args := flag.Args()

	if len(args) < 1 {
		fmt.Println("Error: migration command is required")
		fmt.Println("Usage: go run cmd/migrate/main.go [command] [args]")
		fmt.Println("Commands: up, up-by-one, up-to, down, down-to, redo, status, version")
		os.Exit(1)
	}

	command := args[0]
	if err := repository.ValidateMigrationCommand(command); err != nil {
		logrus.WithError(err).Fatal("migration error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	logrus.WithField("command", command).Info("starting migration")

	if err := repository.RunMigrations(ctx, cfg.DSN(), command, args[1:]...); err != nil {
		logrus.WithError(err).Fatal("migration error")
	}

	fmt.Println("Migration finished successfully")
}
