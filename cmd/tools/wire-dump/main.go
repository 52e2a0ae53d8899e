// Command wire-dump decodes bridge-to-controller traffic from a pcap capture.
// TCP segments to the controller port are reassembled per flow and every
// complete 24-byte payload is printed.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/mocap.bridge/internal/wire"
)

var (
	pcapFile = flag.String("pcap", "", "pcap file to read (required)")
	port     = flag.Int("port", 1000, "Controller TCP port")
)

func main() {
	flag.Parse()
	if *pcapFile == "" {
		log.Fatal("-pcap is required")
	}
	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("failed to open pcap: %v", err)
	}
	defer f.Close()

	st, err := dump(f, uint16(*port), os.Stdout)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("%d packets, %d segments to port %d, %d payloads, %d retransmits skipped, %d gaps",
		st.Packets, st.Segments, *port, st.Payloads, st.Retransmits, st.Gaps)
}

// DumpStats summarises one pcap.
type DumpStats struct {
	Packets     int
	Segments    int
	Payloads    int
	Retransmits int
	Gaps        int
}

// flow is the reassembly state of one TCP connection direction.
type flow struct {
	next    uint32
	started bool
	buf     []byte
	count   int
}

// dump reads a pcap stream and writes one line per decoded payload.
func dump(r io.Reader, controllerPort uint16, out io.Writer) (DumpStats, error) {
	var st DumpStats
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return st, fmt.Errorf("failed to read pcap header: %w", err)
	}
	src := gopacket.NewPacketSource(reader, reader.LinkType())
	src.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	flows := make(map[gopacket.Flow]map[gopacket.Flow]*flow)
	for {
		packet, err := src.NextPacket()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("failed to read packet %d: %w", st.Packets+1, err)
		}
		st.Packets++

		tcpLayer := packet.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			continue
		}
		tcp, ok := tcpLayer.(*layers.TCP)
		if !ok || uint16(tcp.DstPort) != controllerPort {
			continue
		}
		nl := packet.NetworkLayer()
		if nl == nil {
			continue
		}

		byNet, ok := flows[nl.NetworkFlow()]
		if !ok {
			byNet = make(map[gopacket.Flow]*flow)
			flows[nl.NetworkFlow()] = byNet
		}
		fl, ok := byNet[tcp.TransportFlow()]
		if !ok || tcp.SYN {
			fl = &flow{}
			byNet[tcp.TransportFlow()] = fl
		}
		if tcp.SYN {
			fl.next = tcp.Seq + 1
			fl.started = true
			continue
		}
		if len(tcp.Payload) == 0 {
			continue
		}
		st.Segments++

		switch {
		case !fl.started:
			fl.started = true
		case tcp.Seq != fl.next && int32(tcp.Seq-fl.next) < 0:
			st.Retransmits++
			continue
		case tcp.Seq != fl.next:
			st.Gaps++
			fmt.Fprintf(out, "# %s %s: gap of %d bytes, resyncing\n", nl.NetworkFlow(), tcp.TransportFlow(), tcp.Seq-fl.next)
			fl.buf = fl.buf[:0]
		}
		fl.next = tcp.Seq + uint32(len(tcp.Payload))
		fl.buf = append(fl.buf, tcp.Payload...)

		for len(fl.buf) >= wire.PayloadSize {
			var p wire.Payload
			if err := p.UnmarshalBinary(fl.buf[:wire.PayloadSize]); err != nil {
				return st, err
			}
			fl.buf = fl.buf[wire.PayloadSize:]
			fl.count++
			st.Payloads++
			ts := packet.Metadata().Timestamp
			fmt.Fprintf(out, "%s %s %s #%d %s\n", ts.Format("15:04:05.000000"), nl.NetworkFlow().Src(), tcp.SrcPort, fl.count, p)
		}
		fl.buf = append([]byte(nil), fl.buf...)
	}
}
