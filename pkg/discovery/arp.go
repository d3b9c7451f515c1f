package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// errARPUnavailable is returned when the binary was built without pcap.
var errARPUnavailable = errors.New("arp sweep requires a build with -tags pcap")

// arpSweep sends ARP requests for targets on iface and returns the addresses
// that replied. It is replaced by the pcap implementation when available.
var arpSweep = arpUnavailable

func arpUnavailable(ctx context.Context, iface string, targets []netip.Addr, timeout time.Duration) ([]netip.Addr, error) {
	return nil, errARPUnavailable
}

// arpRequest builds a broadcast who-has frame for dst.
func arpRequest(srcMAC net.HardwareAddr, src, dst netip.Addr) ([]byte, error) {
	srcIP, dstIP := src.As4(), dst.As4()
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte(srcMAC),
		SourceProtAddress: srcIP[:],
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    dstIP[:],
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, arp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// arpReplySender returns the sender address of an ARP reply frame.
func arpReplySender(packet gopacket.Packet) (netip.Addr, bool) {
	layer := packet.Layer(layers.LayerTypeARP)
	if layer == nil {
		return netip.Addr{}, false
	}
	arp := layer.(*layers.ARP)
	if arp.Operation != layers.ARPReply {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(arp.SourceProtAddress)
	return addr.Unmap(), ok
}
