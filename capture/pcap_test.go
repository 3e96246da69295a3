package capture

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testServerAddr = &net.TCPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 3389}
	testClientAddr = &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 49152}
)

func readCapturedPackets(t *testing.T, filename string) []gopacket.Packet {
	t.Helper()
	file, err := os.Open(filename)
	require.NoError(t, err)
	defer file.Close()

	reader, err := pcapgo.NewReader(file)
	require.NoError(t, err)

	var packets []gopacket.Packet
	for {
		data, _, err := reader.ReadPacketData()
		if err != nil {
			break
		}
		packets = append(packets, gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default))
	}
	return packets
}

func tcpLayer(t *testing.T, pkt gopacket.Packet) *layers.TCP {
	t.Helper()
	layer := pkt.Layer(layers.LayerTypeTCP)
	require.NotNil(t, layer)
	return layer.(*layers.TCP)
}

func TestInterceptorWritesSynthesizedPackets(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "session.pcap")
	interceptor, err := NewInterceptor(testServerAddr, testClientAddr, filename)
	require.NoError(t, err)

	interceptor.OnPacket(testClientAddr, []byte("client hello"))
	interceptor.OnPacket(testServerAddr, []byte("server hello"))
	require.NoError(t, interceptor.Close())

	packets := readCapturedPackets(t, filename)
	require.Len(t, packets, 2)

	eth := packets[0].Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	assert.Equal(t, srcMAC, eth.SrcMAC)
	assert.Equal(t, dstMAC, eth.DstMAC)

	ip := packets[0].Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	assert.Equal(t, testClientAddr.IP.To4(), ip.SrcIP.To4())
	assert.Equal(t, testServerAddr.IP.To4(), ip.DstIP.To4())
	assert.Equal(t, uint8(128), ip.TTL)

	tcp := tcpLayer(t, packets[0])
	assert.Equal(t, layers.TCPPort(49152), tcp.SrcPort)
	assert.Equal(t, layers.TCPPort(3389), tcp.DstPort)
	assert.True(t, tcp.PSH)
	assert.True(t, tcp.ACK)
	assert.Equal(t, uint16(0x7FFF), tcp.Window)
	assert.Equal(t, []byte("client hello"), tcp.Payload)

	reply := tcpLayer(t, packets[1])
	assert.Equal(t, layers.TCPPort(3389), reply.SrcPort)
	assert.Equal(t, []byte("server hello"), reply.Payload)
	// the reply acknowledges the bytes the client already sent
	assert.Equal(t, uint32(len("client hello")), reply.Ack)
}

func TestInterceptorAdvancesSequenceNumbers(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "session.pcap")
	interceptor, err := NewInterceptor(testServerAddr, testClientAddr, filename)
	require.NoError(t, err)

	interceptor.OnPacket(testClientAddr, []byte("aaaa"))
	interceptor.OnPacket(testClientAddr, []byte("bbbbbb"))
	require.NoError(t, interceptor.Close())

	packets := readCapturedPackets(t, filename)
	require.Len(t, packets, 2)
	assert.Equal(t, uint32(0), tcpLayer(t, packets[0]).Seq)
	assert.Equal(t, uint32(4), tcpLayer(t, packets[1]).Seq)
}

func TestInterceptorChunksLargeMessages(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "session.pcap")
	interceptor, err := NewInterceptor(testServerAddr, testClientAddr, filename)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x42}, tcpIpPacketMaxSize+100)
	interceptor.OnPacket(testClientAddr, payload)
	require.NoError(t, interceptor.Close())

	packets := readCapturedPackets(t, filename)
	require.Len(t, packets, 2)
	assert.Len(t, tcpLayer(t, packets[0]).Payload, tcpIpPacketMaxSize)
	assert.Len(t, tcpLayer(t, packets[1]).Payload, 100)
	assert.Equal(t, uint32(tcpIpPacketMaxSize), tcpLayer(t, packets[1]).Seq)
}

func TestInterceptorMessageReaderHoldsPartialFrames(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "session.pcap")
	interceptor, err := NewInterceptor(testServerAddr, testClientAddr, filename)
	require.NoError(t, err)

	// deliver only whole 5-byte records
	interceptor.SetMessageReader(func(buff *[]byte) [][]byte {
		var msgs [][]byte
		for len(*buff) >= 5 {
			msgs = append(msgs, (*buff)[:5])
			*buff = (*buff)[5:]
		}
		return msgs
	})

	interceptor.OnPacket(testClientAddr, []byte("abc"))
	interceptor.OnPacket(testClientAddr, []byte("defgh"))
	require.NoError(t, interceptor.Close())

	packets := readCapturedPackets(t, filename)
	require.Len(t, packets, 1)
	assert.Equal(t, []byte("abcde"), tcpLayer(t, packets[0]).Payload)
}
