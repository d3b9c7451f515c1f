//go:build pcap

package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

func init() {
	arpSweep = pcapSweep
}

func pcapSweep(ctx context.Context, ifaceName string, targets []netip.Addr, timeout time.Duration) ([]netip.Addr, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("arp interface %s: %w", ifaceName, err)
	}
	src, err := interfaceIPv4(iface)
	if err != nil {
		return nil, err
	}
	handle, err := pcap.OpenLive(iface.Name, 1024, true, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", iface.Name, err)
	}
	defer handle.Close()
	if err := handle.SetBPFFilter("arp"); err != nil {
		return nil, fmt.Errorf("bpf filter: %w", err)
	}

	wanted := make(map[netip.Addr]bool, len(targets))
	for _, t := range targets {
		wanted[t] = true
	}
	found := make(chan netip.Addr, len(targets))
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		source := gopacket.NewPacketSource(handle, handle.LinkType())
		for {
			select {
			case <-stop:
				return
			case packet, ok := <-source.Packets():
				if !ok {
					return
				}
				if addr, ok := arpReplySender(packet); ok && wanted[addr] {
					select {
					case found <- addr:
					default:
					}
				}
			}
		}
	}()

	for _, dst := range targets {
		frame, err := arpRequest(iface.HardwareAddr, src, dst)
		if err != nil {
			return nil, err
		}
		if err := handle.WritePacketData(frame); err != nil {
			return nil, fmt.Errorf("send arp: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}

	seen := map[netip.Addr]bool{}
	var out []netip.Addr
	wait := time.NewTimer(timeout)
	defer wait.Stop()
	for {
		select {
		case addr := <-found:
			if !seen[addr] {
				seen[addr] = true
				out = append(out, addr)
			}
		case <-wait.C:
			return out, nil
		case <-ctx.Done():
			return out, nil
		}
	}
}

func interfaceIPv4(iface *net.Interface) (netip.Addr, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Addr{}, err
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok {
			if addr, ok := netip.AddrFromSlice(ipNet.IP.To4()); ok && ipNet.IP.To4() != nil {
				return addr, nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("interface %s has no IPv4 address", iface.Name)
}
