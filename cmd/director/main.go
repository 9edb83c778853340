// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// The director binary: one process serving the HTTP API and running
// task workers. Several may share one database; the task claim and
// the lock table keep them from stepping on each other.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudplane-org/director/lib/agent"
	"github.com/cloudplane-org/director/lib/api"
	"github.com/cloudplane-org/director/lib/blobstore"
	"github.com/cloudplane-org/director/lib/bus"
	"github.com/cloudplane-org/director/lib/cloud"
	"github.com/cloudplane-org/director/lib/cloud/dummy"
	"github.com/cloudplane-org/director/lib/compiler"
	"github.com/cloudplane-org/director/lib/config"
	"github.com/cloudplane-org/director/lib/dblock"
	"github.com/cloudplane-org/director/lib/deploy"
	"github.com/cloudplane-org/director/lib/pgdb"
	"github.com/cloudplane-org/director/lib/task"
	"github.com/cloudplane-org/director/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	// Shipped cloud drivers register themselves.
	_ "github.com/cloudplane-org/director/lib/cloud/esx"
	_ "github.com/cloudplane-org/director/lib/cloud/vsphere"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("director", flag.ExitOnError)
	configFile := flags.String("config", "/etc/director/director.yml", "configuration `file`")
	showVersion := flags.Bool("version", false, "print version and exit")
	flags.Parse(args)
	if *showVersion {
		fmt.Fprintf(stdout, "director %s\n", version)
		return 0
	}

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger := ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = ctxlog.Context(ctx, logger)

	db, err := pgdb.Open(cfg.PostgreSQL.ConnectionString, cfg.PostgreSQL.MaxOpenConns)
	if err != nil {
		logger.WithError(err).Error("opening database")
		return 1
	}
	defer db.Close()
	if err := db.SetupSchema(ctx); err != nil {
		logger.WithError(err).Error("setting up database schema")
		return 1
	}

	blobs, err := blobstore.NewLocal(cfg.Blobstore.Path)
	if err != nil {
		logger.WithError(err).Error("opening blobstore")
		return 1
	}

	// The dummy provider exists for development and testing: its agents
	// are in-process goroutines, so they need the in-process bus. Real
	// providers talk to real agents via postgres.
	var b bus.Bus
	var cloudAPI cloud.Interface
	if cfg.Cloud.Provider == "dummy" {
		mb := bus.NewMemBus()
		b = mb
		cloudAPI = dummy.New(mb, logger)
	} else {
		b = bus.NewPGBus(db.DB, cfg.PostgreSQL.ConnectionString, logger)
		cloudAPI, err = cloud.New(cfg.Cloud.Provider, cfg.Cloud.Properties, logger)
		if err != nil {
			logger.WithError(err).Error("configuring cloud provider")
			return 1
		}
	}
	defer b.Close()

	agents := agent.NewClient(b, logger)
	if d := cfg.Agent.SendTimeout.Duration(); d > 0 {
		agents.SendTimeout = d
	}
	if d := cfg.Agent.TaskPollMax.Duration(); d > 0 {
		agents.TaskPollMax = d
	}

	locker := &dblock.PGLocker{
		DB:      db.DB,
		Logger:  logger,
		TTL:     cfg.Director.LockTTL.Duration(),
		Timeout: cfg.Director.LockTimeout.Duration(),
	}
	deployer := &deploy.VMDeployer{
		Store:  db,
		Cloud:  cloudAPI,
		Agents: agents,
		Logger: logger,
	}
	bodies := &deploy.Bodies{
		Store:    db,
		Blobs:    blobs,
		Locker:   locker,
		Cloud:    cloudAPI,
		Deployer: deployer,
		Compiler: &compiler.Compiler{
			Store:  db,
			Locker: locker,
			Agents: agents,
			Logger: logger,
		},
		Logger: logger,
	}

	reg := prometheus.NewRegistry()
	runner := task.NewRunner(db, b, cfg.Director.Workers, logger, reg)
	bodies.RegisterAll(runner)

	handler := &api.Handler{
		Store:           db,
		Tasks:           task.NewManager(db, b, cfg.TaskLogs.Path, logger),
		Blobs:           blobs,
		Logger:          logger,
		Admin:           cfg.Director.Admin,
		ManagementToken: cfg.ManagementToken,
		Registry:        reg,
	}
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: handler,
	}

	runnerDone := make(chan error, 1)
	go func() {
		runnerDone <- runner.Run(ctx)
	}()
	serverDone := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"Listen":  cfg.Listen,
			"Workers": cfg.Director.Workers,
			"Version": version,
		}).Info("director starting")
		serverDone <- srv.ListenAndServe()
	}()

	var code int
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverDone:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("API server failed")
			code = 1
		}
		stop()
	}

	// Stop taking requests, then let in-flight tasks reach their next
	// checkpoint.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API shutdown incomplete")
	}
	if err := <-runnerDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("task runner failed")
		code = 1
	}
	return code
}
