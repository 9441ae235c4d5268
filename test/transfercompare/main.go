/*
transfercompare runs a node and a collector in one process over a lossy
in-memory link and checks that every file arrives byte for byte.

Usage:

	./transfercompare [options]
	Options:
	  -config string     YAML configuration file, defaults apply when absent
	  -files int         number of files on the node (default 8)
	  -max-size int      largest file in bytes (default 65536)
	  -droprate float    share of datagrams lost (default 0.05)
	  -duprate float     share of datagrams delivered twice (default 0.01)
	  -reorderrate float share of datagrams held back behind the next one (default 0.01)
	  -seed int          random seed, 0 picks one
	  -pcap string       record the delivered datagrams to this file
	  -timeout duration  give up after this long (default 2m)
*/
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/Clouded-Sabre/mtftp/capture"
	"github.com/Clouded-Sabre/mtftp/config"
	"github.com/Clouded-Sabre/mtftp/lib"
)

const (
	nodeAddr      lib.Addr = "02:00:00:00:00:01"
	collectorAddr lib.Addr = "02:00:00:00:00:02"
)

var (
	configPath  string
	fileCount   int
	maxSize     int
	dropRate    float64
	dupRate     float64
	reorderRate float64
	seed        int64
	pcapPath    string
	timeout     time.Duration
)

func init() {
	flag.StringVar(&configPath, "config", "config.yaml", "YAML configuration file")
	flag.IntVar(&fileCount, "files", 8, "number of files on the node")
	flag.IntVar(&maxSize, "max-size", 64*1024, "largest file in bytes")
	flag.Float64Var(&dropRate, "droprate", 0.05, "share of datagrams lost")
	flag.Float64Var(&dupRate, "duprate", 0.01, "share of datagrams delivered twice")
	flag.Float64Var(&reorderRate, "reorderrate", 0.01, "share of datagrams held back")
	flag.Int64Var(&seed, "seed", 0, "random seed, 0 picks one")
	flag.StringVar(&pcapPath, "pcap", "", "record delivered datagrams to this pcap file")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long")
	flag.Parse()
}

func loadConfig() (*lib.CoreConfig, *config.AppConfig) {
	coreConfig, appConfig, err := config.LoadConfig(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("No %s, using defaults", configPath)
		return lib.DefaultCoreConfig(), config.DefaultAppConfig()
	}
	if err != nil {
		log.Fatalf("Configuration file error: %v", err)
	}
	return coreConfig, appConfig
}

func main() {
	coreConfig, appConfig := loadConfig()
	logger := appConfig.Logger(os.Stderr)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	log.Printf("seed %d", seed)
	rng := rand.New(rand.NewSource(seed))

	nodeStore, collectorStore := lib.NewMemStore(), lib.NewMemStore()
	originals := make(map[lib.FileID][]byte, fileCount)
	for i := 1; i <= fileCount; i++ {
		data := make([]byte, rng.Intn(maxSize+1))
		rng.Read(data)
		id := lib.FileID(i)
		originals[id] = data
		nodeStore.Put(id, data)
		// every third file starts out partially fetched
		if i%3 == 0 && len(data) > 0 {
			collectorStore.Put(id, data[:rng.Intn(len(data))])
		}
	}

	network := lib.NewMemNetwork()
	network.SetDrop(func(from, to lib.Addr, data []byte) bool { return rng.Float64() < dropRate })
	network.SetDuplicate(func(from, to lib.Addr, data []byte) bool { return rng.Float64() < dupRate })
	network.SetReorder(func(from, to lib.Addr, data []byte) bool { return rng.Float64() < reorderRate })
	if pcapPath != "" {
		w, err := capture.Create(pcapPath)
		if err != nil {
			log.Fatalf("Capture error: %v", err)
		}
		defer w.Close()
		network.Tap(w.Tap)
	}
	nodeLink := network.Attach(nodeAddr)
	collectorLink := network.Attach(collectorAddr)
	defer nodeLink.Close()
	defer collectorLink.Close()

	node, err := lib.NewServer(coreConfig, nodeLink, nodeStore, logger)
	if err != nil {
		log.Fatalf("Error creating node: %v", err)
	}
	collector, err := lib.NewClient(coreConfig, collectorLink, collectorStore, logger)
	if err != nil {
		log.Fatalf("Error creating collector: %v", err)
	}
	idle := make(chan struct{}, 1)
	collector.OnIdle(func() {
		select {
		case idle <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()
	go func() {
		defer wg.Done()
		node.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		collector.Run(ctx)
	}()

	select {
	case <-idle:
	case <-time.After(timeout):
		cancel()
		wg.Wait()
		log.Fatalf("Transfer did not finish within %s (collector %s, node %s)", timeout, collector.State(), node.State())
	}
	elapsed := time.Since(start)
	cancel()
	wg.Wait()

	failed := 0
	for id, want := range originals {
		got, ok := collectorStore.Bytes(id)
		switch {
		case !ok:
			fmt.Printf("file %d: missing\n", id)
			failed++
		case !bytes.Equal(got, want):
			fmt.Printf("file %d: mismatch (%d bytes, want %d)\n", id, len(got), len(want))
			failed++
		}
	}

	cm, nm := collector.Metrics(), node.Metrics()
	fmt.Printf("%d files in %s\n", len(originals), elapsed.Round(time.Millisecond))
	fmt.Printf("collector: received %d bytes, %d retransmit requests, %d duplicates, %d timeouts\n",
		cm.BytesReceived, cm.RetransmitRequests, cm.DuplicateBlocks, cm.Timeouts)
	fmt.Printf("node:      sent %d bytes, %d blocks resent, %d sessions\n",
		nm.BytesSent, nm.BlocksResent, nm.Sessions)
	if failed > 0 {
		fmt.Printf("%d of %d files differ\n", failed, len(originals))
		os.Exit(1)
	}
	fmt.Println("all files match")
}
