// The internal controller runs inside the guest VM: it completes the
// bootstrap handshake with the worker manager, joins the mesh and the
// cluster, and executes relayed pod commands.
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

	"github.com/tpc-cloud/worker-node/internal/guest"
	"github.com/tpc-cloud/worker-node/internal/installer"
	"github.com/tpc-cloud/worker-node/internal/kube"
	"github.com/tpc-cloud/worker-node/internal/logging"
)

var version = "dev"

const defaultMeshArchive = "/usr/share/tpc/tailscale_amd64.tgz"

func main() {
	meshArchive := flag.String("mesh-archive", defaultMeshArchive, "Path to the bundled mesh daemon archive")
	logLevel := flag.String("log-level", "info", "Log level")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("internal-controller %s\n", version)
		os.Exit(0)
	}

	logCfg := logging.DefaultConfig("internal-controller")
	logCfg.Level = *logLevel
	logger, closer, err := logging.New(logCfg)
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

	logger.Info("Internal controller starting", zap.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := guest.New(
		installer.New(*meshArchive, logging.Component("installer")),
		kube.NewHandler(logging.Component("kube")),
		logging.Component("agent"),
	)

	if err := agent.Run(ctx); err != nil {
		logger.Error("Internal controller failed", zap.Error(err))
		logger.Sync()
		if closer != nil {
			closer.Close()
		}
		os.Exit(255)
	}
	logger.Info("Internal controller exiting")
}
