//go:build linux
// +build linux

package events

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wrapFrame encloses a DHCP payload in Ethernet, IPv4 and UDP headers the
// way it appears on a raw socket.
func wrapFrame(t *testing.T, payload []byte, dstPort uint16) []byte {
	t.Helper()

	eth := make([]byte, 14)
	binary.BigEndian.PutUint16(eth[12:14], 0x0800)

	ip := make([]byte, 20)
	ip[0] = 0x45 // version 4, IHL 5
	ip[9] = 17   // UDP
	binary.BigEndian.PutUint16(ip[2:4], uint16(20+8+len(payload)))

	udp := make([]byte, 8)
	binary.BigEndian.PutUint16(udp[0:2], 68)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(8+len(payload)))

	frame := append(eth, ip...)
	frame = append(frame, udp...)
	return append(frame, payload...)
}

func newDiscover(t *testing.T) *dhcpv4.DHCPv4 {
	t.Helper()
	mac, err := net.ParseMAC("00:11:22:33:44:55")
	require.NoError(t, err)
	pkt, err := dhcpv4.NewDiscovery(mac,
		dhcpv4.WithOption(dhcpv4.OptHostName("thermostat")),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(net.ParseIP("192.168.1.50"))),
	)
	require.NoError(t, err)
	return pkt
}

func TestParseDHCPFrame(t *testing.T) {
	pkt := newDiscover(t)
	frame := wrapFrame(t, pkt.ToBytes(), 67)

	parsed, err := parseDHCPFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, pkt.ClientHWAddr, parsed.ClientHWAddr)
	assert.Equal(t, dhcpv4.OpcodeBootRequest, parsed.OpCode)
}

func TestParseDHCPFrameRejectsOtherTraffic(t *testing.T) {
	pkt := newDiscover(t)

	_, err := parseDHCPFrame(wrapFrame(t, pkt.ToBytes(), 53))
	assert.Error(t, err, "non-bootps port")

	_, err = parseDHCPFrame([]byte{0x45, 0x00})
	assert.Error(t, err, "truncated frame")

	notIP := wrapFrame(t, pkt.ToBytes(), 67)
	binary.BigEndian.PutUint16(notIP[12:14], 0x86DD)
	_, err = parseDHCPFrame(notIP)
	assert.Error(t, err, "non-ipv4 ethertype")
}

func TestExtractEvent(t *testing.T) {
	ev := extractEvent(newDiscover(t), "eth0")

	assert.Equal(t, "00:11:22:33:44:55", ev.ClientMAC)
	assert.Equal(t, "eth0", ev.Interface)
	assert.Equal(t, "thermostat", ev.Hostname)
	assert.Equal(t, "192.168.1.50", ev.RequestedIP.String())
	assert.Equal(t, dhcpv4.MessageTypeDiscover.String(), ev.MessageType)
}
