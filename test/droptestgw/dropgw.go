/*
droptestgw relays MTFTP datagrams between one collector and one node and drops
a share of them in each direction.

Point the collector's broadcast address at the gateway:

	./server -listen 127.0.0.1:7080
	./droptestgw -listen 127.0.0.1:7090 -target 127.0.0.1:7080 -droprate 0.1
	./client -listen 127.0.0.1:7081   (with app.broadcast: "127.0.0.1:7090")

With -pcap every datagram that survives the drop is recorded on the gateway's
outbound leg.
*/
package main

import (
	"errors"
	"flag"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/mtftp/capture"
	"github.com/Clouded-Sabre/mtftp/lib"
)

var (
	listenAddr string
	targetAddr string
	dropRate   float64
	pcapPath   string
)

func init() {
	flag.StringVar(&listenAddr, "listen", "127.0.0.1:7090", "Gateway address the collector sends to")
	flag.StringVar(&targetAddr, "target", "127.0.0.1:7080", "Node address")
	flag.Float64Var(&dropRate, "droprate", 0.1, "Packet drop rate (0.0-1.0)")
	flag.StringVar(&pcapPath, "pcap", "", "Record relayed datagrams to this pcap file")
	flag.Parse()
}

type stats struct {
	relayed atomic.Uint64
	dropped atomic.Uint64
}

type gateway struct {
	front     *net.UDPConn // collector side
	back      *net.UDPConn // node side
	target    *net.UDPAddr
	collector atomic.Pointer[net.UDPAddr]
	recorder  *capture.Writer
	up, down  stats
}

// relayAndDrop reads datagrams from src and hands each one to send unless the
// drop draw says otherwise.
func relayAndDrop(src *net.UDPConn, rate float64, rng *rand.Rand, st *stats, direction string, send func(from *net.UDPAddr, data []byte) error) error {
	buf := make([]byte, lib.MaxDatagramLength+64)
	for {
		n, from, err := src.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		if rng.Float64() < rate {
			st.dropped.Add(1)
			log.Printf("Dropped datagram in %s direction (size: %d)", direction, n)
			continue
		}
		if err := send(from, buf[:n]); err != nil {
			log.Printf("Error relaying %s: %v", direction, err)
			continue
		}
		st.relayed.Add(1)
	}
}

func (g *gateway) toNode(from *net.UDPAddr, data []byte) error {
	g.collector.Store(from)
	if _, err := g.back.WriteToUDP(data, g.target); err != nil {
		return err
	}
	g.record(g.back.LocalAddr(), g.target, data)
	return nil
}

func (g *gateway) toCollector(from *net.UDPAddr, data []byte) error {
	dst := g.collector.Load()
	if dst == nil {
		return errors.New("no collector seen yet")
	}
	if _, err := g.front.WriteToUDP(data, dst); err != nil {
		return err
	}
	g.record(g.front.LocalAddr(), dst, data)
	return nil
}

func (g *gateway) record(from, to net.Addr, data []byte) {
	if g.recorder == nil {
		return
	}
	if err := g.recorder.WriteDatagram(time.Now(), lib.Addr(from.String()), lib.Addr(to.String()), data); err != nil {
		log.Printf("Capture error: %v", err)
	}
}

func main() {
	if dropRate < 0 || dropRate > 1 {
		log.Fatalf("Drop rate %.2f out of range", dropRate)
	}
	front, err := net.ListenUDP("udp4", mustResolve(listenAddr))
	if err != nil {
		log.Fatalf("Gateway error listening at %s: %v", listenAddr, err)
	}
	back, err := net.ListenUDP("udp4", &net.UDPAddr{IP: front.LocalAddr().(*net.UDPAddr).IP})
	if err != nil {
		log.Fatalf("Gateway error opening node side socket: %v", err)
	}
	g := &gateway{front: front, back: back, target: mustResolve(targetAddr)}
	if pcapPath != "" {
		g.recorder, err = capture.Create(pcapPath)
		if err != nil {
			log.Fatalf("Capture error: %v", err)
		}
	}
	log.Printf("MTFTP gateway started at %s -> %s (drop rate: %.1f%%)", front.LocalAddr(), g.target, dropRate*100)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := relayAndDrop(front, dropRate, rand.New(rand.NewSource(time.Now().UnixNano())), &g.up, "collector-to-node", g.toNode)
		if !errors.Is(err, net.ErrClosed) {
			log.Printf("Collector side stopped: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		err := relayAndDrop(back, dropRate, rand.New(rand.NewSource(time.Now().UnixNano()+1)), &g.down, "node-to-collector", g.toCollector)
		if !errors.Is(err, net.ErrClosed) {
			log.Printf("Node side stopped: %v", err)
		}
	}()

	<-signalChan
	log.Println("Received SIGINT (Ctrl+C). Shutting down...")
	front.Close()
	back.Close()
	wg.Wait()
	if g.recorder != nil {
		g.recorder.Close()
	}
	log.Printf("collector-to-node relayed %d dropped %d, node-to-collector relayed %d dropped %d",
		g.up.relayed.Load(), g.up.dropped.Load(), g.down.relayed.Load(), g.down.dropped.Load())
}

func mustResolve(addr string) *net.UDPAddr {
	ua, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		log.Fatalf("Invalid address %s: %v", addr, err)
	}
	return ua
}
