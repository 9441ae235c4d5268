/*
The node binary serves the files of a storage directory to one collector at a
time over MTFTP on UDP.

Usage:

	./server [options]
	Options:
	  -config string   YAML configuration file (default "config.yaml")
	  -listen string   UDP listen address, overrides the config file
	  -storage string  directory holding the files to serve, overrides the config file

Files are named <id><suffix> inside the storage directory, e.g. storage/12.bin.
*/
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Clouded-Sabre/mtftp/capture"
	"github.com/Clouded-Sabre/mtftp/config"
	"github.com/Clouded-Sabre/mtftp/lib"
)

var (
	configPath  string
	listenAddr  string
	storageRoot string
)

func init() {
	flag.StringVar(&configPath, "config", "config.yaml", "YAML configuration file")
	flag.StringVar(&listenAddr, "listen", "", "UDP listen address (IP:Port)")
	flag.StringVar(&storageRoot, "storage", "", "directory holding the files to serve")
	flag.Parse()
}

func main() {
	coreConfig, appConfig, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Configuration file error: %v", err)
	}
	if listenAddr != "" {
		appConfig.UDP.Listen = listenAddr
	}
	if storageRoot != "" {
		appConfig.StorageRoot = storageRoot
	}
	logger := appConfig.Logger(os.Stderr)

	store, err := lib.NewDirStore(appConfig.StorageRoot, appConfig.FileSuffix)
	if err != nil {
		log.Fatalf("Storage error: %v", err)
	}
	udp, err := lib.NewUDPTransport(appConfig.UDP, logger)
	if err != nil {
		log.Fatalf("Transport error: %v", err)
	}
	defer udp.Close()

	var transport lib.Transport = udp
	if appConfig.CapturePath != "" {
		w, err := capture.Create(appConfig.CapturePath)
		if err != nil {
			log.Fatalf("Capture error: %v", err)
		}
		defer w.Close()
		transport = capture.NewTransport(udp, udp.LocalAddr(), w, logger)
	}

	node, err := lib.NewServer(coreConfig, transport, store, logger)
	if err != nil {
		log.Fatalf("Error creating node: %v", err)
	}
	node.OnTransferEnd(func(e lib.DirEntry) {
		logger.Info("transfer complete", "file", e.File, "from_offset", e.Size)
	})
	node.OnTimeout(func(err error) {
		logger.Warn("collector went silent", "err", err)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("node started", "storage", appConfig.StorageRoot, "listen", appConfig.UDP.Listen)
	if err := node.Run(ctx); err != nil {
		logger.Error("node stopped", "err", err)
	}

	m := node.Metrics()
	logger.Info("node exiting",
		"sessions", m.Sessions,
		"files", m.FilesCompleted,
		"bytes_sent", m.BytesSent,
		"blocks_resent", m.BlocksResent,
		"timeouts", m.Timeouts,
	)
}
