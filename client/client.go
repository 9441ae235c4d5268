/*
The collector binary looks for a node by broadcasting SYNC, then fetches every
file the node holds that is missing or shorter locally.

Usage:

	./client [options]
	Options:
	  -config string   YAML configuration file (default "config.yaml")
	  -listen string   UDP listen address (default "0.0.0.0:7081")
	  -storage string  directory receiving the files, overrides the config file

Received files are stored as <peer>-<id><suffix>. With dump.enabled every
stored block is also written to the configured serial port.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Clouded-Sabre/mtftp/capture"
	"github.com/Clouded-Sabre/mtftp/config"
	"github.com/Clouded-Sabre/mtftp/dump"
	"github.com/Clouded-Sabre/mtftp/lib"
)

var (
	configPath  string
	listenAddr  string
	storageRoot string
)

func init() {
	flag.StringVar(&configPath, "config", "config.yaml", "YAML configuration file")
	flag.StringVar(&listenAddr, "listen", fmt.Sprintf("0.0.0.0:%d", config.CollectorPort), "UDP listen address (IP:Port)")
	flag.StringVar(&storageRoot, "storage", "", "directory receiving the files")
	flag.Parse()
}

func main() {
	coreConfig, appConfig, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Configuration file error: %v", err)
	}
	appConfig.UDP.Listen = listenAddr
	if storageRoot != "" {
		appConfig.StorageRoot = storageRoot
	}
	logger := appConfig.Logger(os.Stderr)

	dirStore, err := lib.NewDirStore(appConfig.StorageRoot, appConfig.FileSuffix)
	if err != nil {
		log.Fatalf("Storage error: %v", err)
	}
	var store lib.BlockStore = dirStore
	if appConfig.Dump.Enabled {
		sink, err := dump.OpenSerial(appConfig.Dump.Port, appConfig.Dump.Baud, logger)
		if err != nil {
			log.Fatalf("Dump error: %v", err)
		}
		defer sink.Close()
		store = dump.NewTeeStore(dirStore, sink)
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

	collector, err := lib.NewClient(coreConfig, transport, store, logger)
	if err != nil {
		log.Fatalf("Error creating collector: %v", err)
	}
	collector.OnTransferEnd(func(e lib.DirEntry) {
		logger.Info("file received", "file", e.File, "from_offset", e.Size)
	})
	collector.OnIdle(func() {
		logger.Info("all files fetched", "next_scan_in", coreConfig.RescanDelay)
	})
	collector.OnTimeout(func(err error) {
		logger.Warn("node went silent", "err", err)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("collector started", "storage", appConfig.StorageRoot, "listen", listenAddr, "broadcast", appConfig.UDP.Broadcast)
	if err := collector.Run(ctx); err != nil {
		logger.Error("collector stopped", "err", err)
	}

	m := collector.Metrics()
	logger.Info("collector exiting",
		"sessions", m.Sessions,
		"files", m.FilesCompleted,
		"bytes_received", m.BytesReceived,
		"retransmit_requests", m.RetransmitRequests,
		"duplicates", m.DuplicateBlocks,
		"storage_errors", m.StorageErrors,
	)
}
