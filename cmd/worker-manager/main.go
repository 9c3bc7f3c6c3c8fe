// The worker manager runs on the physical host: it boots the guest VM,
// bridges the orchestrator to it, and supervises both.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tpc-cloud/worker-node/config"
	"github.com/tpc-cloud/worker-node/internal/host"
	"github.com/tpc-cloud/worker-node/internal/logging"
	"github.com/tpc-cloud/worker-node/internal/machineid"
)

var version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("worker-manager %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logging.SetGlobal(logger)
	defer func() {
		logger.Sync()
		if closer != nil {
			closer.Close()
		}
	}()

	node, err := machineid.Details()
	if err != nil {
		logger.Fatal("Machine identification failed", zap.Error(err))
	}
	logger.Info("Worker manager starting",
		zap.String("version", version),
		zap.String("node_name", node.Name),
		zap.String("node_id", node.ID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comms, err := host.NewControllerComms(cfg, node, logging.Component("comms"))
	if err != nil {
		logger.Fatal("Guest channel setup failed", zap.Error(err))
	}

	publisher := host.NewMetricsPublisher(comms, cfg.ServerURL, node.ID, logging.Component("metrics"))
	supervisor := host.NewSupervisor(comms, publisher, logging.Component("supervisor"))
	stateAPI := host.NewStateAPI(publisher, supervisor, cfg.ServerURL, node.ID, logging.Component("state-api"))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		// A failed bootstrap flips should_terminate; the supervisor
		// handles the shutdown.
		if err := comms.Bootstrap(groupCtx); err != nil {
			logger.Error("Guest bootstrap failed", zap.Error(err))
		}
		return nil
	})
	group.Go(func() error {
		publisher.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return stateAPI.Run(groupCtx)
	})

	code := supervisor.Run(ctx)
	stop()
	if err := group.Wait(); err != nil {
		logger.Error("Component shutdown", zap.Error(err))
	}
	logger.Info("Worker manager exiting", zap.Int("code", code))
	logger.Sync()
	if closer != nil {
		closer.Close()
	}
	os.Exit(code)
}
