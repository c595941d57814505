//go:build linux
// +build linux

// Package events observes DHCP traffic on the local network and reports
// device lease activity, giving the controller an early signal that a new
// device appeared before any policy exists for it.
package events

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/mdlayher/packet"

	"palisade/internal/logging"
)

// DHCPEvent is one observed client request.
type DHCPEvent struct {
	Timestamp   time.Time  `json:"timestamp"`
	Interface   string     `json:"interface"`
	ClientMAC   string     `json:"client_mac"`
	Hostname    string     `json:"hostname,omitempty"`
	RequestedIP netip.Addr `json:"requested_ip,omitempty"`
	MessageType string     `json:"message_type"`
}

// DHCPListener passively captures client DHCP broadcasts on one interface.
// It only observes; it never responds.
type DHCPListener struct {
	iface   string
	publish func(DHCPEvent)
	log     *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDHCPListener reports every observed request through publish.
func NewDHCPListener(iface string, publish func(DHCPEvent)) *DHCPListener {
	return &DHCPListener{
		iface:   iface,
		publish: publish,
		log:     logging.Default().WithComponent("dhcp"),
	}
}

// Start opens a raw socket on the interface and begins capturing. Raw
// capture avoids binding port 67 and so never conflicts with a local DHCP
// server.
func (l *DHCPListener) Start(ctx context.Context) error {
	iface, err := net.InterfaceByName(l.iface)
	if err != nil {
		return fmt.Errorf("interface %s: %w", l.iface, err)
	}

	// ETH_P_IP; port filtering happens in userspace.
	conn, err := packet.Listen(iface, packet.Raw, 0x0800, nil)
	if err != nil {
		return fmt.Errorf("raw socket on %s: %w", l.iface, err)
	}

	l.mu.Lock()
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run(ctx, conn)
	l.log.Info("listening for dhcp broadcasts", "interface", l.iface)
	return nil
}

// Stop cancels capture and waits for the read loop to exit.
func (l *DHCPListener) Stop() {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *DHCPListener) run(ctx context.Context, conn *packet.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Deadline so cancellation is noticed between packets.
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if strings.Contains(err.Error(), "closed network connection") {
				return
			}
			l.log.Warn("read failed", "error", err)
			continue
		}

		pkt, err := parseDHCPFrame(buf[:n])
		if err != nil {
			continue
		}
		if pkt.OpCode != dhcpv4.OpcodeBootRequest {
			continue
		}

		ev := extractEvent(pkt, l.iface)
		l.log.Debug("observed dhcp request",
			"mac", ev.ClientMAC, "hostname", ev.Hostname, "type", ev.MessageType)
		l.publish(ev)
	}
}

// parseDHCPFrame peels Ethernet, IPv4 and UDP headers off a raw frame and
// decodes the bootp payload when it is addressed to a DHCP server.
func parseDHCPFrame(frame []byte) (*dhcpv4.DHCPv4, error) {
	// Ethernet(14) + minimal IP(20) + UDP(8).
	if len(frame) < 42 {
		return nil, errors.New("frame too short")
	}
	if binary.BigEndian.Uint16(frame[12:14]) != 0x0800 {
		return nil, errors.New("not ipv4")
	}

	ipOffset := 14
	ipHeaderLen := int(frame[ipOffset]&0x0F) * 4
	if ipHeaderLen < 20 {
		return nil, errors.New("bad ip header length")
	}
	if frame[ipOffset+9] != 17 {
		return nil, errors.New("not udp")
	}

	udpOffset := ipOffset + ipHeaderLen
	if udpOffset+8 > len(frame) {
		return nil, errors.New("truncated udp header")
	}
	if binary.BigEndian.Uint16(frame[udpOffset+2:udpOffset+4]) != 67 {
		return nil, errors.New("not bootps")
	}

	payload := frame[udpOffset+8:]
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	return dhcpv4.FromBytes(payload)
}

func extractEvent(pkt *dhcpv4.DHCPv4, iface string) DHCPEvent {
	ev := DHCPEvent{
		Timestamp:   time.Now(),
		Interface:   iface,
		ClientMAC:   pkt.ClientHWAddr.String(),
		MessageType: pkt.MessageType().String(),
	}
	if opt := pkt.Options.Get(dhcpv4.OptionHostName); opt != nil {
		ev.Hostname = string(opt)
	}
	if ip := pkt.RequestedIPAddress(); ip != nil {
		if addr, ok := netip.AddrFromSlice(ip.To4()); ok {
			ev.RequestedIP = addr
		}
	}
	return ev
}
