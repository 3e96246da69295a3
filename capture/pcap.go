package capture

import (
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
)

// tcpIpPacketMaxSize bounds the payload of one synthesized packet.
const tcpIpPacketMaxSize = 16384

// Fixed MAC addresses stamped on every synthesized frame.
var (
	srcMAC = net.HardwareAddr{0x00, 0x15, 0x5D, 0x01, 0x64, 0x01}
	dstMAC = net.HardwareAddr{0x00, 0x15, 0x5D, 0x01, 0x64, 0x04}
)

// MessageReader extracts complete messages from an accumulating byte
// buffer, leaving any trailing partial message in place.
type MessageReader func(buff *[]byte) [][]byte

// readUnknownMessages drains the whole buffer as one message.
func readUnknownMessages(buff *[]byte) [][]byte {
	if len(*buff) == 0 {
		return nil
	}
	msg := *buff
	*buff = nil
	return [][]byte{msg}
}

type peerInfo struct {
	addr *net.TCPAddr
	data []byte
	seq  uint32
}

// Interceptor receives plaintext buffers from both legs of a proxied
// session and writes them to a pcap file wrapped in synthesized
// Ethernet/IPv4/TCP framing. Capture is strictly observational.
type Interceptor struct {
	mu          sync.Mutex
	file        *os.File
	writer      *pcapgo.Writer
	server      *peerInfo
	client      *peerInfo
	readMessage MessageReader
}

func NewInterceptor(serverAddr, clientAddr *net.TCPAddr, filename string) (*Interceptor, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	writer := pcapgo.NewWriter(file)
	if err := writer.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		file.Close()
		return nil, err
	}

	return &Interceptor{
		file:        file,
		writer:      writer,
		server:      &peerInfo{addr: serverAddr},
		client:      &peerInfo{addr: clientAddr},
		readMessage: readUnknownMessages,
	}, nil
}

// SetMessageReader replaces the message splitter; the proxy installs a
// TPKT-frame splitter so no captured packet mixes bytes of two TPDUs. A
// TPDU longer than tcpIpPacketMaxSize still spans several packets.
func (i *Interceptor) SetMessageReader(r MessageReader) {
	i.mu.Lock()
	i.readMessage = r
	i.mu.Unlock()
}

// OnPacket feeds plaintext observed from src into the capture.
func (i *Interceptor) OnPacket(src net.Addr, data []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()

	slog.Debug("new packet intercepted", "size", len(data))

	from, to := i.client, i.server
	if tcpAddr, ok := src.(*net.TCPAddr); ok && tcpAddr.IP.Equal(i.server.addr.IP) && tcpAddr.Port == i.server.addr.Port {
		from, to = i.server, i.client
	}

	from.data = append(from.data, data...)
	for _, msg := range i.readMessage(&from.data) {
		for off := 0; off < len(msg); off += tcpIpPacketMaxSize {
			end := off + tcpIpPacketMaxSize
			if end > len(msg) {
				end = len(msg)
			}
			i.writePacket(from, to, msg[off:end])
		}
	}
}

// Close flushes and closes the underlying pcap file.
func (i *Interceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.file.Close()
}

func (i *Interceptor) writePacket(from, to *peerInfo, payload []byte) {
	srcIP := from.addr.IP.To4()
	dstIP := to.addr.IP.To4()
	if srcIP == nil || dstIP == nil {
		slog.Debug("skipping capture of non-IPv4 peer", "src", from.addr, "dst", to.addr)
		return
	}

	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      128,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(from.addr.Port),
		DstPort: layers.TCPPort(to.addr.Port),
		Seq:     from.seq,
		Ack:     to.seq,
		PSH:     true,
		ACK:     true,
		Window:  0x7FFF,
	}
	tcp.SetNetworkLayerForChecksum(ip)

	buff := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buff, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		slog.Error("error synthesizing capture packet", "err", err)
		return
	}

	pkt := buff.Bytes()
	info := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(pkt),
		Length:        len(pkt),
	}
	if err := i.writer.WritePacket(info, pkt); err != nil {
		slog.Error("error writing pcap file", "err", err)
		return
	}

	from.seq += uint32(len(payload))
}
