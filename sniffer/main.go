/*
The sniffer prints the MTFTP packets of a pcap capture, one line per datagram.

Usage:

	./sniffer [options] capture.pcap
	Options:
	  -payload  print DATA payloads as hex
*/
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/Clouded-Sabre/mtftp/capture"
	"github.com/Clouded-Sabre/mtftp/lib"
)

var showPayload bool

func init() {
	flag.BoolVar(&showPayload, "payload", false, "print DATA payloads as hex")
	flag.Parse()
}

func main() {
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: sniffer [-payload] capture.pcap")
		os.Exit(2)
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		log.Fatalf("Error opening capture: %v", err)
	}
	defer f.Close()

	counts := make(map[lib.PacketType]int)
	malformed := 0
	err = capture.Read(f, func(r capture.Record) error {
		ts := r.Timestamp.Format("15:04:05.000000")
		if r.Err != nil {
			malformed++
			fmt.Printf("%s %s -> %s malformed (%d bytes): %v\n", ts, r.Src, r.Dst, len(r.Raw), r.Err)
			return nil
		}
		counts[r.Packet.Type]++
		fmt.Printf("%s %s -> %s %s\n", ts, r.Src, r.Dst, r.Packet)
		if showPayload && r.Packet.Type == lib.PacketData && len(r.Packet.Payload) > 0 {
			fmt.Print(hex.Dump(r.Packet.Payload))
		}
		return nil
	})
	if err != nil {
		log.Fatalf("Error reading capture: %v", err)
	}

	fmt.Println()
	for t := lib.PacketSync; t <= lib.PacketError; t++ {
		fmt.Printf("%-13s %d\n", t, counts[t])
	}
	fmt.Printf("%-13s %d\n", "malformed", malformed)
}
