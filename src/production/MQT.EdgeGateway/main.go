package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	apiservice "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.ApiService"
	bridge "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Bridge"
	broker "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Broker"
	container "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Container"
	facade "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Facade"
	mqtmodels "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Models"
)

const shutdownTimeout = 15 * time.Second

func main() {
	printToken := flag.String("print-token", "", "issue a read token for the given subject and exit")
	flag.Parse()

	// Initialize dependency injection container
	ctr, err := container.NewContainer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize container: %v\n", err)
		os.Exit(1)
	}

	cfg := ctr.GetConfig()
	logger := ctr.GetLogger().WithField("node_id", cfg.Node.ID)

	jwtService := apiservice.NewJWTService(cfg)
	if *printToken != "" {
		if jwtService == nil {
			logger.FatalWithError(errors.New("API_JWT_SECRET is not set"), "Cannot issue token")
		}
		issued, err := jwtService.GenerateToken(*printToken)
		if err != nil {
			logger.FatalWithError(err, "Failed to issue token")
		}
		fmt.Println(issued.AccessToken)
		return
	}

	logger.Logger.Info().
		Str("location", cfg.Node.Location).
		Msg("Starting edge gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := ctr.GetStore(ctx)
	if err != nil {
		logger.FatalWithError(err, "Failed to open reading store")
	}

	m := ctr.GetMetrics()
	local := broker.NewConnection(cfg.Local, logger, broker.WithMetrics(m))
	if err := local.Connect(ctx); err != nil {
		logger.FatalWithError(err, "Failed to start local broker connection")
	}

	// cloud stays a nil interface when not configured
	var (
		cloudLink   bridge.Link
		cloudStatus facade.StatusSource
		cloud       *broker.Connection
	)
	if cfg.CloudEnabled() {
		cloud = broker.NewConnection(cfg.Cloud, logger, broker.WithMetrics(m))
		if err := cloud.Connect(ctx); err != nil {
			logger.FatalWithError(err, "Failed to start cloud broker connection")
		}
		cloudLink, cloudStatus = cloud, cloud
	}

	b := bridge.New(local, cloudLink, store, cfg.Bridge, logger, m)
	bridgeDone := make(chan error, 1)
	go func() { bridgeDone <- b.Run(ctx) }()

	f := facade.New(local, cloudStatus, store, mqtmodels.NodeIdentity{
		NodeID:   cfg.Node.ID,
		Location: cfg.Node.Location,
	})
	router := apiservice.NewRouter(cfg, f, ctr.GetGatherer(), jwtService, logger)
	srv := apiservice.NewServer(cfg, router)

	go func() {
		logger.Info("HTTP server starting on port " + cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorWithError(err, "HTTP server failed")
			stop()
		}
	}()

	logger.Info("Edge gateway running... press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// drain the bridge before the connections it reads from go away
	select {
	case err := <-bridgeDone:
		if err != nil {
			logger.ErrorWithError(err, "Bridge exited with error")
		}
	case <-shutdownCtx.Done():
		logger.Warn("Timed out waiting for bridge to drain")
	}

	local.Close()
	if cloud != nil {
		cloud.Close()
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithError(err, "HTTP server shutdown failed")
	}
	if err := ctr.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithError(err, "Container shutdown failed")
	}
}
