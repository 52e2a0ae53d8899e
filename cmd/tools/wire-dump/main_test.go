package main

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mocap.bridge/internal/wire"
)

type segment struct {
	seq     uint32
	syn     bool
	dstPort uint16
	payload []byte
}

func writePcap(t *testing.T, segs []segment) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	start := time.Unix(1700000000, 0)
	for i, s := range segs {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IP{10, 0, 0, 2},
			DstIP:    net.IP{10, 0, 0, 5},
		}
		tcp := &layers.TCP{
			SrcPort: 50000,
			DstPort: layers.TCPPort(s.dstPort),
			Seq:     s.seq,
			SYN:     s.syn,
			ACK:     !s.syn,
			PSH:     len(s.payload) > 0,
			Window:  65535,
		}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

		out := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(out, opts, eth, ip, tcp, gopacket.Payload(s.payload)))
		data := out.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * 50 * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}, data))
	}
	return &buf
}

func payloadBytes(t *testing.T, vx float32) []byte {
	t.Helper()
	b, err := wire.Payload{CenterX: 1, VelX: vx}.MarshalBinary()
	require.NoError(t, err)
	return b
}

func TestDump_ReassemblesSegments(t *testing.T) {
	a, b, c := payloadBytes(t, 10), payloadBytes(t, 20), payloadBytes(t, 30)
	stream := append(append(append([]byte(nil), a...), b...), c...)

	const isn = 1000
	segs := []segment{
		{seq: isn, syn: true, dstPort: 1000},
		{seq: isn + 1, dstPort: 1000, payload: stream[:30]},
		{seq: isn + 1, dstPort: 1000, payload: stream[:30]}, // retransmit
		{seq: isn + 31, dstPort: 1000, payload: stream[30:]},
		{seq: 5, dstPort: 8080, payload: []byte("GET / HTTP/1.1\r\n")},
	}

	var out bytes.Buffer
	st, err := dump(writePcap(t, segs), 1000, &out)
	require.NoError(t, err)

	assert.Equal(t, 5, st.Packets)
	assert.Equal(t, 3, st.Segments)
	assert.Equal(t, 1, st.Retransmits)
	assert.Equal(t, 3, st.Payloads)
	assert.Zero(t, st.Gaps)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "#1")
	assert.Contains(t, lines[2], "#3")
	assert.Contains(t, lines[0], "10.0.0.2")
}

func TestDump_GapResyncs(t *testing.T) {
	a := payloadBytes(t, 10)
	segs := []segment{
		{seq: 100, syn: true, dstPort: 1000},
		{seq: 101, dstPort: 1000, payload: a[:10]},
		{seq: 200, dstPort: 1000, payload: a},
	}
	var out bytes.Buffer
	st, err := dump(writePcap(t, segs), 1000, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Gaps)
	assert.Equal(t, 1, st.Payloads)
	assert.Contains(t, out.String(), "gap of 89 bytes")
}

func TestDump_BadHeader(t *testing.T) {
	_, err := dump(strings.NewReader("not a pcap"), 1000, &bytes.Buffer{})
	assert.Error(t, err)
}
